package dirsync

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

const dirMarker = "<dir>"

func newTestPair(t *testing.T, withBackup bool) SyncPair {
	t.Helper()

	// macos tmpdir is a symlink to /private/var
	base, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	backup := ""
	if withBackup {
		backup = filepath.Join(base, "backup")
	}
	pair, err := NewSyncPair(filepath.Join(base, "src"), filepath.Join(base, "dst"), backup)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(pair.SourceRoot, 0o755))
	return pair
}

func writeFile(t *testing.T, root, rel, content string) string {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func readFile(t *testing.T, root, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	require.NoError(t, err)
	return string(data)
}

// snapshot maps every entry below root to its content, or dirMarker
func snapshot(t *testing.T, root string) map[string]string {
	t.Helper()
	tree := map[string]string{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			tree[rel] = dirMarker
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		tree[rel] = string(data)
		return nil
	})
	require.NoError(t, err)
	return tree
}

func newTestDiffer(pair SyncPair, opts ...DifferOption) *Differ {
	fsys := afero.NewOsFs()
	return NewDiffer(pair, fsys, NewComparator(fsys, CompareContent), NewIgnoreList(pair.SourceRoot), opts...)
}

func runTestPass(t *testing.T, pair SyncPair, opts ...EngineOption) *PassResult {
	t.Helper()
	engine := NewEngine(pair, afero.NewOsFs(), opts...)
	return engine.RunPass(context.Background(), newTestDiffer(pair), newTrigger(TriggerManual))
}

func countKinds(changes []Change) map[ChangeKind]int {
	counts := map[ChangeKind]int{}
	for _, c := range changes {
		counts[c.Kind]++
	}
	return counts
}
