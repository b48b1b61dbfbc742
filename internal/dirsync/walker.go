package dirsync

import (
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"time"

	"github.com/openmined/dirsync/internal/utils"
	"github.com/spf13/afero"
)

var errStopWalk = errors.New("walk stopped")

// FileRecord is a point-in-time observation of one entry under a root
type FileRecord struct {
	RelPath   string
	Path      string
	IsDir     bool
	IsSymlink bool
	Size      int64
	ModTime   time.Time
	Mode      fs.FileMode
}

func newFileRecord(root, path string, info fs.FileInfo) (FileRecord, error) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return FileRecord{}, err
	}
	return FileRecord{
		RelPath:   utils.NormPath(rel),
		Path:      path,
		IsDir:     info.IsDir(),
		IsSymlink: info.Mode()&fs.ModeSymlink != 0,
		Size:      info.Size(),
		ModTime:   info.ModTime(),
		Mode:      info.Mode(),
	}, nil
}

// SkipFunc decides whether an entry (and its subtree) is left out of a walk
type SkipFunc func(relPath string, isDir bool) bool

// Walker enumerates a tree lazily in depth-first, lexically sorted order.
// Symlinks are reported but never followed.
type Walker struct {
	fs   afero.Fs
	skip SkipFunc
}

func NewWalker(fsys afero.Fs, skip SkipFunc) *Walker {
	return &Walker{fs: fsys, skip: skip}
}

// Walk yields every entry below root, excluding root itself. A parent is
// always yielded before its children. Entries that cannot be read are
// yielded with a non-nil error and the walk carries on; an unreadable root
// yields a single error with an empty RelPath.
func (w *Walker) Walk(root string) iter.Seq2[FileRecord, error] {
	return func(yield func(FileRecord, error) bool) {
		err := afero.Walk(w.fs, root, func(path string, info os.FileInfo, err error) error {
			if path == root {
				if err != nil {
					yield(FileRecord{Path: root}, err)
					return errStopWalk
				}
				if !info.IsDir() {
					yield(FileRecord{Path: root}, fmt.Errorf("%s: not a directory", root))
					return errStopWalk
				}
				return nil
			}

			rel, relErr := filepath.Rel(root, path)
			if relErr != nil {
				return relErr
			}
			rel = utils.NormPath(rel)

			if err != nil {
				if !yield(FileRecord{RelPath: rel, Path: path}, err) {
					return errStopWalk
				}
				return nil
			}

			isDir := info.IsDir()
			if w.skip != nil && w.skip(rel, isDir) {
				if isDir {
					return filepath.SkipDir
				}
				return nil
			}

			record, recErr := newFileRecord(root, path, info)
			if recErr != nil {
				return recErr
			}
			if !yield(record, nil) {
				return errStopWalk
			}
			return nil
		})
		if err != nil && !errors.Is(err, errStopWalk) {
			yield(FileRecord{Path: root}, err)
		}
	}
}

// lstat returns nil when the path does not exist or cannot be observed
func lstat(fsys afero.Fs, path string) (fs.FileInfo, error) {
	if lst, ok := fsys.(afero.Lstater); ok {
		info, _, err := lst.LstatIfPossible(path)
		return info, err
	}
	return fsys.Stat(path)
}

func lookupRecord(fsys afero.Fs, root, rel string) *FileRecord {
	path := filepath.Join(root, filepath.FromSlash(rel))
	info, err := lstat(fsys, path)
	if err != nil {
		return nil
	}
	record, err := newFileRecord(root, path, info)
	if err != nil {
		return nil
	}
	return &record
}
