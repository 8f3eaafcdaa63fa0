package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeManifest drops a CSV plus empty scan files for every listed source,
// so eager validation passes.
func writeManifest(t *testing.T, csv string, sources ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, src := range sources {
		require.NoError(t, os.WriteFile(filepath.Join(dir, src), nil, 0o644))
	}
	path := filepath.Join(dir, "train.csv")
	require.NoError(t, os.WriteFile(path, []byte(csv), 0o644))
	return path
}

func TestLoad_OrderAndLookup(t *testing.T) {
	path := writeManifest(t,
		"volume_id,source_path,patient_id\n"+
			"vol-002,b.nii.gz,p-1\n"+
			"vol-001,a.nii.gz,p-2\n",
		"a.nii.gz", "b.nii.gz")

	idx, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 2, idx.Len())

	// Positional order is the file order, not sorted.
	rec, err := idx.Get(0)
	require.NoError(t, err)
	assert.Equal(t, "vol-002", rec.VolumeID)
	assert.Equal(t, "p-1", rec.PatientID)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "b.nii.gz"), rec.SourcePath)

	rec, ok := idx.Lookup("vol-001")
	require.True(t, ok)
	assert.Equal(t, "p-2", rec.PatientID)

	_, ok = idx.Lookup("vol-999")
	assert.False(t, ok)
}

func TestLoad_ExtraColumnsIgnored(t *testing.T) {
	path := writeManifest(t,
		"fold,volume_id,source_path,patient_id,notes\n"+
			"0,vol-001,a.nii.gz,p-1,something\n",
		"a.nii.gz")

	idx, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1, idx.Len())
}

func TestLoad_AbsoluteSourcePathKept(t *testing.T) {
	scanDir := t.TempDir()
	abs := filepath.Join(scanDir, "a.nii.gz")
	require.NoError(t, os.WriteFile(abs, nil, 0o644))

	path := writeManifest(t, "volume_id,source_path,patient_id\nvol-001,"+abs+",p-1\n")
	idx, err := Load(path)
	require.NoError(t, err)

	rec, _ := idx.Lookup("vol-001")
	assert.Equal(t, abs, rec.SourcePath)
}

func TestLoad_Errors(t *testing.T) {
	cases := []struct {
		name string
		csv  string
	}{
		{"missing volume_id column", "id,source_path,patient_id\nvol-001,a.nii.gz,p-1\n"},
		{"missing patient_id column", "volume_id,source_path\nvol-001,a.nii.gz\n"},
		{"duplicate volume_id", "volume_id,source_path,patient_id\nvol-001,a.nii.gz,p-1\nvol-001,a.nii.gz,p-2\n"},
		{"empty volume_id", "volume_id,source_path,patient_id\n,a.nii.gz,p-1\n"},
		{"empty source_path", "volume_id,source_path,patient_id\nvol-001,,p-1\n"},
		{"ragged row", "volume_id,source_path,patient_id\nvol-001,a.nii.gz\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeManifest(t, tc.csv, "a.nii.gz")
			_, err := Load(path)
			var me *Error
			require.ErrorAs(t, err, &me)
			assert.Equal(t, path, me.Path)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.csv"))
	var me *Error
	require.ErrorAs(t, err, &me)
}

func TestLoad_EagerValidationCatchesMissingSource(t *testing.T) {
	path := writeManifest(t, "volume_id,source_path,patient_id\nvol-001,ghost.nii.gz,p-1\n")
	_, err := Load(path)
	var me *Error
	require.ErrorAs(t, err, &me)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoad_LazyValidationDefersMissingSource(t *testing.T) {
	path := writeManifest(t, "volume_id,source_path,patient_id\nvol-001,ghost.nii.gz,p-1\n")

	idx, err := Load(path, func(o *Options) { o.LazyValidation = true })
	require.NoError(t, err)
	assert.Equal(t, 1, idx.Len())

	assert.ErrorIs(t, idx.Validate(), os.ErrNotExist)
}

func TestIndex_GetOutOfRange(t *testing.T) {
	path := writeManifest(t, "volume_id,source_path,patient_id\nvol-001,a.nii.gz,p-1\n", "a.nii.gz")
	idx, err := Load(path)
	require.NoError(t, err)

	_, err = idx.Get(-1)
	assert.ErrorIs(t, err, ErrOutOfRange)
	_, err = idx.Get(1)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestLoad_EmptyManifest(t *testing.T) {
	path := writeManifest(t, "volume_id,source_path,patient_id\n")
	idx, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0, idx.Len())
}
