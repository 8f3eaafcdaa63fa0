// Package labels attaches multi-label pathology vectors to preprocessed
// tensors.
//
// The master label table is loaded once per worker and indexed by volume
// identifier. Column order is load-bearing: position k of every returned
// vector denotes pathology k of the externally configured pathology list,
// and the mapping from table columns to that list is recomputed by name
// at load time, never assumed from stored offsets.
package labels

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/voxml/scanset/volume"
)

// colVolumeID is the required identifier column of the label table.
const colVolumeID = "volume_id"

// Vector is an ordered pathology label vector. Position k corresponds to
// pathology k of the table's configured column list.
type Vector []float32

// Clone returns a copy.
func (v Vector) Clone() Vector {
	out := make(Vector, len(v))
	copy(out, v)
	return out
}

// MissingLabelError indicates a volume present in a split manifest with
// no row in the label table. This is a data-integrity fault: silently
// zero-filling would corrupt the supervision signal, so it is always
// fatal, never skipped.
type MissingLabelError struct {
	VolumeID string
}

func (e *MissingLabelError) Error() string {
	return fmt.Sprintf("labels: no label row for volume %s", e.VolumeID)
}

// ErrMissingColumn indicates a configured pathology column absent from
// the table. Any mismatch between the configured list and the table is
// fatal at load; reindexing silently could desynchronize columns.
var ErrMissingColumn = errors.New("labels: configured pathology column missing from table")

// Table is the in-memory master label table. Read-only after Load; safe
// for concurrent use.
type Table struct {
	pathologies []string
	rows        map[string]Vector
	// positives[k] holds the row ordinals with a positive label for
	// pathology k, for cohort queries.
	positives []*roaring.Bitmap
	rowIDs    []string
}

// Load reads the label table CSV and resolves the configured pathology
// columns by name. The file must contain a volume_id column plus every
// configured pathology; extra columns are ignored.
func Load(path string, pathologies []string) (*Table, error) {
	if len(pathologies) == 0 {
		return nil, errors.New("labels: no pathology columns configured")
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("labels: open table: %w", err)
	}
	defer f.Close()

	t, err := parse(f, pathologies)
	if err != nil {
		return nil, fmt.Errorf("labels: %s: %w", path, err)
	}
	return t, nil
}

func parse(r io.Reader, pathologies []string) (*Table, error) {
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

	idCol, ok := cols[colVolumeID]
	if !ok {
		return nil, fmt.Errorf("missing column %q", colVolumeID)
	}

	// The positional mapping is rebuilt from names on every load, so a
	// reordered table cannot silently shift columns.
	pathCols := make([]int, len(pathologies))
	for k, name := range pathologies {
		i, ok := cols[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrMissingColumn, name)
		}
		pathCols[k] = i
	}

	t := &Table{
		pathologies: append([]string(nil), pathologies...),
		rows:        make(map[string]Vector),
		positives:   make([]*roaring.Bitmap, len(pathologies)),
	}
	for k := range t.positives {
		t.positives[k] = roaring.New()
	}

	for row := 2; ; row++ {
		fields, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", row, err)
		}

		id := fields[idCol]
		if id == "" {
			return nil, fmt.Errorf("row %d: empty volume_id", row)
		}
		if _, dup := t.rows[id]; dup {
			return nil, fmt.Errorf("row %d: duplicate volume_id %q", row, id)
		}

		vec := make(Vector, len(pathCols))
		for k, col := range pathCols {
			v, err := strconv.ParseFloat(fields[col], 32)
			if err != nil {
				return nil, fmt.Errorf("row %d: column %q: %w", row, pathologies[k], err)
			}
			vec[k] = float32(v)
			if vec[k] > 0 {
				t.positives[k].Add(uint32(len(t.rowIDs)))
			}
		}

		t.rows[id] = vec
		t.rowIDs = append(t.rowIDs, id)
	}
	return t, nil
}

// Pathologies returns the configured column order.
func (t *Table) Pathologies() []string {
	return append([]string(nil), t.pathologies...)
}

// Len returns the number of label rows.
func (t *Table) Len() int { return len(t.rowIDs) }

// Lookup returns the label vector for a volume.
func (t *Table) Lookup(volumeID string) (Vector, bool) {
	v, ok := t.rows[volumeID]
	return v, ok
}

// Cohort returns the volume identifiers with a positive label for the
// given pathology, in table row order.
func (t *Table) Cohort(pathology string) ([]string, error) {
	k := -1
	for i, name := range t.pathologies {
		if name == pathology {
			k = i
			break
		}
	}
	if k < 0 {
		return nil, fmt.Errorf("%w: %q", ErrMissingColumn, pathology)
	}

	ids := make([]string, 0, t.positives[k].GetCardinality())
	it := t.positives[k].Iterator()
	for it.HasNext() {
		ids = append(ids, t.rowIDs[it.Next()])
	}
	return ids, nil
}

// PositiveCounts returns, per configured pathology, how many rows are
// positive. The class distribution summary that split tooling reports.
func (t *Table) PositiveCounts() map[string]uint64 {
	out := make(map[string]uint64, len(t.pathologies))
	for k, name := range t.pathologies {
		out[name] = t.positives[k].GetCardinality()
	}
	return out
}

// Attacher joins tensors with their label vectors.
type Attacher struct {
	table *Table
}

// NewAttacher creates an attacher over a loaded table.
func NewAttacher(table *Table) *Attacher {
	return &Attacher{table: table}
}

// Attach returns the tensor together with the volume's label vector. The
// tensor passes through untouched; the vector is a copy, safe for the
// caller to retain.
func (a *Attacher) Attach(volumeID string, t *volume.Tensor) (*volume.Tensor, Vector, error) {
	vec, ok := a.table.Lookup(volumeID)
	if !ok {
		return nil, nil, &MissingLabelError{VolumeID: volumeID}
	}
	return t, vec.Clone(), nil
}
