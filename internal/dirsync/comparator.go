package dirsync

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/afero"
)

// CompareMode selects how a file present on both sides is judged
type CompareMode string

const (
	// CompareContent compares sizes, then bytes in bounded chunks
	CompareContent CompareMode = "content"
	// CompareMetadata compares size and modification time only
	CompareMetadata CompareMode = "metadata"
)

func ParseCompareMode(s string) (CompareMode, error) {
	switch CompareMode(strings.ToLower(s)) {
	case CompareContent, "":
		return CompareContent, nil
	case CompareMetadata:
		return CompareMetadata, nil
	}
	return "", fmt.Errorf("unknown compare mode %q", s)
}

// Comparator decides whether a source entry must be copied over its
// destination counterpart
type Comparator struct {
	fs   afero.Fs
	mode CompareMode
}

func NewComparator(fsys afero.Fs, mode CompareMode) *Comparator {
	if mode == "" {
		mode = CompareContent
	}
	if mode == CompareMetadata {
		slog.Warn("metadata comparison enabled, same-size edits within the timestamp resolution can be missed")
	}
	return &Comparator{fs: fsys, mode: mode}
}

func (c *Comparator) Mode() CompareMode {
	return c.mode
}

// NeedsCopy reports whether src differs from dst. A nil dst means the
// destination entry is absent. Entries of different kinds always differ.
func (c *Comparator) NeedsCopy(src FileRecord, dst *FileRecord) (bool, error) {
	if dst == nil {
		return true, nil
	}
	if src.IsDir || dst.IsDir || dst.IsSymlink {
		return src.IsDir != dst.IsDir || dst.IsSymlink, nil
	}
	if src.Size != dst.Size {
		return true, nil
	}

	if c.mode == CompareMetadata {
		// filesystems disagree on sub-second precision
		return !src.ModTime.Truncate(time.Second).Equal(dst.ModTime.Truncate(time.Second)), nil
	}

	same, err := c.sameContent(src.Path, dst.Path)
	if err != nil {
		return true, err
	}
	return !same, nil
}

func (c *Comparator) sameContent(a, b string) (bool, error) {
	fa, err := c.fs.Open(a)
	if err != nil {
		return false, fmt.Errorf("open %s: %w", a, err)
	}
	defer fa.Close()

	fb, err := c.fs.Open(b)
	if err != nil {
		return false, fmt.Errorf("open %s: %w", b, err)
	}
	defer fb.Close()

	bufA := chunkPool.Get().(*[]byte)
	defer chunkPool.Put(bufA)
	bufB := chunkPool.Get().(*[]byte)
	defer chunkPool.Put(bufB)

	for {
		na, errA := io.ReadFull(fa, *bufA)
		nb, errB := io.ReadFull(fb, *bufB)

		if na != nb || !bytes.Equal((*bufA)[:na], (*bufB)[:nb]) {
			return false, nil
		}

		doneA, err := chunkDone(errA)
		if err != nil {
			return false, fmt.Errorf("read %s: %w", a, err)
		}
		doneB, err := chunkDone(errB)
		if err != nil {
			return false, fmt.Errorf("read %s: %w", b, err)
		}
		if doneA || doneB {
			return doneA == doneB, nil
		}
	}
}

func chunkDone(err error) (bool, error) {
	switch {
	case err == nil:
		return false, nil
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return true, nil
	default:
		return false, err
	}
}
