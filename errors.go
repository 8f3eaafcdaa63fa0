package scanset

import (
	"errors"

	"github.com/voxml/scanset/cache"
	"github.com/voxml/scanset/labels"
	"github.com/voxml/scanset/manifest"
	"github.com/voxml/scanset/volume"
)

// Error classification helpers. Each stage defines its own error types;
// these helpers let callers branch on fault class without importing every
// stage package.

// IsManifestError reports a malformed or inaccessible split manifest.
// Always fatal at construction.
func IsManifestError(err error) bool {
	var me *manifest.Error
	return errors.As(err, &me)
}

// IsSourceError reports an unreadable or corrupt raw volume. Fatal by
// default; non-fatal under WithSkipCorrupt.
func IsSourceError(err error) bool {
	var se *volume.SourceError
	return errors.As(err, &se)
}

// IsMissingLabel reports a volume without a label row. Always fatal.
func IsMissingLabel(err error) bool {
	var ml *labels.MissingLabelError
	return errors.As(err, &ml)
}

// IsWriteFailure reports a cache persistence failure. The tensor
// accompanying the error is valid for in-process use.
func IsWriteFailure(err error) bool {
	var we *cache.WriteError
	return errors.As(err, &we)
}

// IsOutOfRange reports an index outside the dataset bounds.
func IsOutOfRange(err error) bool {
	return errors.Is(err, manifest.ErrOutOfRange)
}
