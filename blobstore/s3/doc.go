// Package s3 provides an S3-backed blob store for sharing a preprocessing
// cache across machines.
//
// S3 publishes objects atomically on commit, so the store's Create/Close
// contract holds without a rename step. What S3 cannot provide is a cheap
// "first writer wins" decision for maintenance tooling; the optional
// DynamoDB-backed [Registry] records entry commits with conditional writes
// for deployments that want an authoritative entry list without paying for
// repeated bucket listings.
package s3
