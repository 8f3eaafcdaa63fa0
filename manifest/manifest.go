// Package manifest loads split manifests and exposes them as an immutable
// positional index of volume records.
//
// A manifest is the output of upstream split generation (stratified
// grouped k-fold). This package trusts its no-leakage and class-balance
// properties and validates only what it can observe: well-formed rows,
// unique volume identifiers, and (unless lazy validation is requested)
// existing source files.
package manifest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Record is one manifest row. Immutable once loaded.
type Record struct {
	VolumeID   string
	SourcePath string
	PatientID  string
}

// Error indicates a malformed or inaccessible manifest. It is fatal at
// construction time.
type Error struct {
	Path  string
	cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("manifest: %s: %v", e.Path, e.cause)
}

func (e *Error) Unwrap() error { return e.cause }

// ErrOutOfRange is returned by Get for indices outside [0, Len).
var ErrOutOfRange = errors.New("manifest: index out of range")

// Required manifest columns. Extra columns are ignored.
const (
	colVolumeID   = "volume_id"
	colSourcePath = "source_path"
	colPatientID  = "patient_id"
)

// Options configures manifest loading.
type Options struct {
	// LazyValidation skips the per-row source file existence check at
	// load time, trading fail-fast startup for lower latency. Missing
	// files then surface on first access as source read errors.
	LazyValidation bool
	// BaseDir resolves relative source paths. Defaults to the manifest
	// file's directory.
	BaseDir string
}

// Index is a read-only positional view over manifest records. Safe for
// concurrent use; each worker constructs its own from the shared file.
type Index struct {
	records []Record
	byID    map[string]int
}

// Load reads a CSV manifest and builds the index. Malformed input, or a
// missing source file in eager mode, fails here rather than at first
// access.
func Load(path string, optFns ...func(*Options)) (*Index, error) {
	opts := Options{BaseDir: filepath.Dir(path)}
	for _, fn := range optFns {
		fn(&opts)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, &Error{Path: path, cause: err}
	}
	defer f.Close()

	idx, err := parse(f, opts)
	if err != nil {
		return nil, &Error{Path: path, cause: err}
	}
	return idx, nil
}

func parse(r io.Reader, opts Options) (*Index, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	cols := map[string]int{}
	for i, name := range header {
		cols[name] = i
	}
	for _, required := range []string{colVolumeID, colSourcePath, colPatientID} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("missing column %q", required)
		}
	}

	idx := &Index{byID: make(map[string]int)}
	for row := 2; ; row++ {
		fields, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", row, err)
		}

		rec := Record{
			VolumeID:   fields[cols[colVolumeID]],
			SourcePath: fields[cols[colSourcePath]],
			PatientID:  fields[cols[colPatientID]],
		}
		if rec.VolumeID == "" || rec.SourcePath == "" || rec.PatientID == "" {
			return nil, fmt.Errorf("row %d: empty field", row)
		}
		if _, dup := idx.byID[rec.VolumeID]; dup {
			return nil, fmt.Errorf("row %d: duplicate volume_id %q", row, rec.VolumeID)
		}
		if !filepath.IsAbs(rec.SourcePath) {
			rec.SourcePath = filepath.Join(opts.BaseDir, rec.SourcePath)
		}
		if !opts.LazyValidation {
			if _, err := os.Stat(rec.SourcePath); err != nil {
				return nil, fmt.Errorf("row %d: volume %s: source %s: %w", row, rec.VolumeID, rec.SourcePath, err)
			}
		}

		idx.byID[rec.VolumeID] = len(idx.records)
		idx.records = append(idx.records, rec)
	}
	return idx, nil
}

// Len returns the number of records.
func (idx *Index) Len() int { return len(idx.records) }

// Get returns the record at position i.
func (idx *Index) Get(i int) (Record, error) {
	if i < 0 || i >= len(idx.records) {
		return Record{}, fmt.Errorf("%w: %d of %d", ErrOutOfRange, i, len(idx.records))
	}
	return idx.records[i], nil
}

// Lookup finds a record by volume identifier.
func (idx *Index) Lookup(volumeID string) (Record, bool) {
	i, ok := idx.byID[volumeID]
	if !ok {
		return Record{}, false
	}
	return idx.records[i], true
}

// Validate stats every source path. Intended for lazily loaded indexes
// that want an explicit check after construction.
func (idx *Index) Validate() error {
	for _, rec := range idx.records {
		if _, err := os.Stat(rec.SourcePath); err != nil {
			return fmt.Errorf("manifest: volume %s: source %s: %w", rec.VolumeID, rec.SourcePath, err)
		}
	}
	return nil
}
