package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePath(t *testing.T) {
	_, err := ResolvePath("")
	assert.Error(t, err)

	home, err := os.UserHomeDir()
	require.NoError(t, err)

	p, err := ResolvePath("~/mirror")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "mirror"), p)

	p, err = ResolvePath("a/../b")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(p))
	assert.Equal(t, "b", filepath.Base(p))
}

func TestEnsureDirAndParent(t *testing.T) {
	tmp := t.TempDir()

	dir := filepath.Join(tmp, "x", "y")
	require.NoError(t, EnsureDir(dir))
	assert.DirExists(t, dir)

	file := filepath.Join(tmp, "p", "q", "f.txt")
	require.NoError(t, EnsureParent(file))
	assert.DirExists(t, filepath.Dir(file))
	assert.False(t, FileExists(file))

	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	assert.True(t, FileExists(file))
	assert.NoDirExists(t, file)
}

func TestIsWithin(t *testing.T) {
	root := filepath.Join(string(filepath.Separator), "data", "src")

	assert.True(t, IsWithin(root, root))
	assert.True(t, IsWithin(root, filepath.Join(root, "a", "b")))
	assert.False(t, IsWithin(root, filepath.Join(string(filepath.Separator), "data", "srcx")))
	assert.False(t, IsWithin(root, filepath.Join(string(filepath.Separator), "data")))
	assert.False(t, IsWithin(filepath.Join(root, "a"), root))
}

func TestNormPath(t *testing.T) {
	assert.Equal(t, "a/b.txt", NormPath(filepath.Join("a", "b.txt")))
	assert.Equal(t, "a", NormPath("./a"))
	assert.Equal(t, "a/c", NormPath(filepath.Join("a", "b", "..", "c")))
}
