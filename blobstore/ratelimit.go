package blobstore

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimitedStore wraps a BlobStore and applies a client-side request
// rate limit. Useful in front of object-store backends when many training
// workers share one bucket.
type RateLimitedStore struct {
	inner   BlobStore
	limiter *rate.Limiter
}

// NewRateLimitedStore wraps inner with a limit of rps requests per second
// and the given burst.
func NewRateLimitedStore(inner BlobStore, rps float64, burst int) *RateLimitedStore {
	return &RateLimitedStore{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

func (s *RateLimitedStore) Open(ctx context.Context, name string) (Blob, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return s.inner.Open(ctx, name)
}

func (s *RateLimitedStore) Create(ctx context.Context, name string) (WritableBlob, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return s.inner.Create(ctx, name)
}

func (s *RateLimitedStore) Stat(ctx context.Context, name string) (int64, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	return s.inner.Stat(ctx, name)
}

func (s *RateLimitedStore) Delete(ctx context.Context, name string) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	return s.inner.Delete(ctx, name)
}

func (s *RateLimitedStore) List(ctx context.Context, prefix string) ([]string, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return s.inner.List(ctx, prefix)
}
