package dirsync

import (
	"bytes"
	"os"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memRecord(t *testing.T, fsys afero.Fs, path string, content []byte) *FileRecord {
	t.Helper()
	require.NoError(t, afero.WriteFile(fsys, path, content, 0o644))
	info, err := fsys.Stat(path)
	require.NoError(t, err)
	rec, err := newFileRecord("/", path, info)
	require.NoError(t, err)
	return &rec
}

func TestComparatorAbsentDestination(t *testing.T) {
	fsys := afero.NewMemMapFs()
	c := NewComparator(fsys, CompareContent)
	src := memRecord(t, fsys, "/a.txt", []byte("a"))

	needs, err := c.NeedsCopy(*src, nil)
	require.NoError(t, err)
	assert.True(t, needs)
}

func TestComparatorContent(t *testing.T) {
	fsys := afero.NewMemMapFs()
	c := NewComparator(fsys, CompareContent)

	big := bytes.Repeat([]byte("x"), 2*chunkSize)
	bigChanged := bytes.Clone(big)
	bigChanged[len(bigChanged)-1] = 'y'

	tests := []struct {
		name string
		src  []byte
		dst  []byte
		want bool
	}{
		{"identical", []byte("hello"), []byte("hello"), false},
		{"same size different bytes", []byte("hello"), []byte("hellO"), true},
		{"different size", []byte("hello"), []byte("hello!"), true},
		{"both empty", []byte{}, []byte{}, false},
		{"identical across chunks", big, bytes.Clone(big), false},
		{"last byte of last chunk differs", big, bigChanged, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := memRecord(t, fsys, "/src.bin", tt.src)
			dst := memRecord(t, fsys, "/dst.bin", tt.dst)

			needs, err := c.NeedsCopy(*src, dst)
			require.NoError(t, err)
			assert.Equal(t, tt.want, needs)
		})
	}
}

func TestComparatorContentIgnoresMatchingMtime(t *testing.T) {
	fsys := afero.NewMemMapFs()
	c := NewComparator(fsys, CompareContent)

	stamp := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	src := memRecord(t, fsys, "/src.txt", []byte("aaaa"))
	dst := memRecord(t, fsys, "/dst.txt", []byte("bbbb"))
	src.ModTime, dst.ModTime = stamp, stamp

	needs, err := c.NeedsCopy(*src, dst)
	require.NoError(t, err)
	assert.True(t, needs, "content mode must not trust equal size and mtime")
}

func TestComparatorMetadataMode(t *testing.T) {
	fsys := afero.NewMemMapFs()
	c := NewComparator(fsys, CompareMetadata)
	assert.Equal(t, CompareMetadata, c.Mode())

	stamp := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	src := memRecord(t, fsys, "/src.txt", []byte("aaaa"))
	dst := memRecord(t, fsys, "/dst.txt", []byte("bbbb"))
	src.ModTime, dst.ModTime = stamp, stamp

	needs, err := c.NeedsCopy(*src, dst)
	require.NoError(t, err)
	assert.False(t, needs, "metadata mode only sees size and mtime")

	dst.ModTime = stamp.Add(time.Second)
	needs, err = c.NeedsCopy(*src, dst)
	require.NoError(t, err)
	assert.True(t, needs)
}

func TestComparatorDirectories(t *testing.T) {
	fsys := afero.NewMemMapFs()
	c := NewComparator(fsys, CompareContent)

	dir := FileRecord{RelPath: "d", IsDir: true, Mode: os.ModeDir | 0o755}
	file := FileRecord{RelPath: "d", Size: 3}

	needs, err := c.NeedsCopy(dir, &dir)
	require.NoError(t, err)
	assert.False(t, needs, "directories are never content compared")

	needs, err = c.NeedsCopy(dir, &file)
	require.NoError(t, err)
	assert.True(t, needs)

	needs, err = c.NeedsCopy(file, &dir)
	require.NoError(t, err)
	assert.True(t, needs)
}

func TestParseCompareMode(t *testing.T) {
	mode, err := ParseCompareMode("")
	require.NoError(t, err)
	assert.Equal(t, CompareContent, mode)

	mode, err = ParseCompareMode("Metadata")
	require.NoError(t, err)
	assert.Equal(t, CompareMetadata, mode)

	_, err = ParseCompareMode("hash")
	assert.Error(t, err)
}
