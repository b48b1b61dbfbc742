package dirsync

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"
)

// chunkSize bounds the memory used per in-flight copy or compare
const chunkSize = 32 * 1024

var chunkPool = sync.Pool{
	New: func() any {
		buf := make([]byte, chunkSize)
		return &buf
	},
}

// Copier writes files atomically: the content goes to a temp file next to
// the target, then the temp file is renamed over it. Permission bits and the
// modification time follow the source.
type Copier struct {
	fs afero.Fs
}

func NewCopier(fsys afero.Fs) *Copier {
	return &Copier{fs: fsys}
}

// CopyFile copies src onto dstPath and returns the number of bytes written
func (c *Copier) CopyFile(src FileRecord, dstPath string) (n int64, err error) {
	in, err := c.fs.Open(src.Path)
	if err != nil {
		return 0, fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	dir := filepath.Dir(dstPath)
	if err := c.fs.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create parent: %w", err)
	}

	tmp, err := afero.TempFile(c.fs, dir, "."+filepath.Base(dstPath)+tempMarker+"*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			tmp.Close()
			c.fs.Remove(tmpPath)
		}
	}()

	bufp := chunkPool.Get().(*[]byte)
	defer chunkPool.Put(bufp)

	// hide ReaderFrom/WriterTo so the pooled buffer bounds every copy
	n, err = io.CopyBuffer(struct{ io.Writer }{tmp}, struct{ io.Reader }{in}, *bufp)
	if err != nil {
		return n, fmt.Errorf("copy content: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return n, fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return n, fmt.Errorf("close temp file: %w", err)
	}

	if err := c.fs.Chmod(tmpPath, src.Mode.Perm()); err != nil {
		return n, fmt.Errorf("set mode: %w", err)
	}
	if !src.ModTime.IsZero() {
		if err := c.fs.Chtimes(tmpPath, src.ModTime, src.ModTime); err != nil {
			return n, fmt.Errorf("set times: %w", err)
		}
	}

	if err := c.fs.Rename(tmpPath, dstPath); err != nil {
		return n, fmt.Errorf("rename temp file to %s: %w", dstPath, err)
	}

	success = true
	return n, nil
}

// CopyTree copies the directory at srcDir to dstDir, which must not exist.
// Symlinks are recreated when the filesystem supports them and skipped
// otherwise.
func (c *Copier) CopyTree(srcDir, dstDir string) error {
	info, err := lstat(c.fs, srcDir)
	if err != nil {
		return err
	}
	if err := c.fs.MkdirAll(dstDir, info.Mode().Perm()|0o700); err != nil {
		return err
	}

	var errs []error
	for rec, err := range NewWalker(c.fs, nil).Walk(srcDir) {
		if err != nil {
			errs = append(errs, err)
			if rec.RelPath == "" {
				break
			}
			continue
		}
		target := filepath.Join(dstDir, filepath.FromSlash(rec.RelPath))
		switch {
		case rec.IsDir:
			if err := c.fs.MkdirAll(target, rec.Mode.Perm()|0o700); err != nil {
				errs = append(errs, err)
			}
		case rec.IsSymlink:
			if err := c.copySymlink(rec.Path, target); err != nil {
				errs = append(errs, err)
			}
		default:
			if _, err := c.CopyFile(rec, target); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (c *Copier) copySymlink(src, dst string) error {
	reader, ok := c.fs.(afero.LinkReader)
	if !ok {
		return nil
	}
	linker, ok := c.fs.(afero.Linker)
	if !ok {
		return nil
	}
	target, err := reader.ReadlinkIfPossible(src)
	if err != nil {
		return err
	}
	return linker.SymlinkIfPossible(target, dst)
}
