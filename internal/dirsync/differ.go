package dirsync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/spf13/afero"
)

// Differ compares the source tree with the destination tree and reports
// what must change for the destination to mirror the source
type Differ struct {
	pair       SyncPair
	fs         afero.Fs
	comparator *Comparator
	ignore     *IgnoreList
	walker     *Walker
	prune      bool
}

type DifferOption func(*Differ)

// WithoutDeletions keeps destination entries that are absent from the source
func WithoutDeletions() DifferOption {
	return func(d *Differ) {
		d.prune = false
	}
}

func NewDiffer(pair SyncPair, fsys afero.Fs, comparator *Comparator, ignore *IgnoreList, opts ...DifferOption) *Differ {
	if ignore == nil {
		ignore = NewIgnoreList(pair.SourceRoot)
	}
	ignore.fs = fsys
	if comparator == nil {
		comparator = NewComparator(fsys, CompareContent)
	}
	d := &Differ{
		pair:       pair,
		fs:         fsys,
		comparator: comparator,
		ignore:     ignore,
		walker:     NewWalker(fsys, ignore.Skip),
		prune:      true,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Differ) Pair() SyncPair {
	return d.pair
}

// Prunes reports whether extraneous destination entries are deleted
func (d *Differ) Prunes() bool {
	return d.prune
}

// Scan makes a Differ usable as a pass Scanner
func (d *Differ) Scan(ctx context.Context) ([]Change, error) {
	return d.Diff(ctx)
}

// Diff walks both trees and returns the changes in application friendly
// order: every directory precedes its contents, and for a deleted directory
// only the topmost entry is reported.
func (d *Differ) Diff(ctx context.Context) ([]Change, error) {
	if err := checkSourceRoot(d.fs, d.pair.SourceRoot); err != nil {
		return nil, err
	}
	// reload so that edits to the ignore file apply to the next pass
	d.ignore.Load()

	var changes []Change
	seen := mapset.NewThreadUnsafeSet[string]()
	replaced := mapset.NewThreadUnsafeSet[string]()
	// source entries that could not be read; their mirror is left alone
	unreadable := mapset.NewThreadUnsafeSet[string]()

	for rec, err := range d.walker.Walk(d.pair.SourceRoot) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if err != nil {
			if rec.RelPath == "" {
				return nil, fmt.Errorf("walk source: %w", err)
			}
			slog.Warn("scan skipped entry", "path", rec.RelPath, "error", err)
			unreadable.Add(rec.RelPath)
			continue
		}

		seen.Add(rec.RelPath)
		if rec.IsSymlink {
			slog.Debug("scan skipped symlink", "path", rec.RelPath)
			continue
		}

		dst := lookupRecord(d.fs, d.pair.DestinationRoot, rec.RelPath)
		if dst == nil {
			changes = append(changes, Change{Kind: Created, RelPath: rec.RelPath, IsDir: rec.IsDir, Record: rec})
			continue
		}

		needsCopy, err := d.comparator.NeedsCopy(rec, dst)
		if err != nil {
			slog.Warn("compare failed, treating as modified", "path", rec.RelPath, "error", err)
		}
		if !needsCopy {
			continue
		}
		if dst.IsDir != rec.IsDir || dst.IsSymlink {
			replaced.Add(rec.RelPath)
		}
		changes = append(changes, Change{Kind: Modified, RelPath: rec.RelPath, IsDir: rec.IsDir, Record: rec})
	}

	if !d.prune {
		return changes, nil
	}

	deletions, err := d.extraneous(ctx, seen, replaced, unreadable)
	if err != nil {
		return nil, err
	}
	return append(deletions, changes...), nil
}

// extraneous lists destination entries with no source counterpart
func (d *Differ) extraneous(ctx context.Context, seen, replaced, unreadable mapset.Set[string]) ([]Change, error) {
	if _, err := lstat(d.fs, d.pair.DestinationRoot); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	var deletions []Change
	removed := mapset.NewThreadUnsafeSet[string]()

	for rec, err := range d.walker.Walk(d.pair.DestinationRoot) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if err != nil {
			if rec.RelPath == "" {
				return nil, fmt.Errorf("walk destination: %w", err)
			}
			slog.Warn("scan skipped destination entry", "path", rec.RelPath, "error", err)
			continue
		}
		if seen.Contains(rec.RelPath) || underAny(rec.RelPath, removed) || underAny(rec.RelPath, replaced) {
			continue
		}
		if unreadable.Contains(rec.RelPath) || underAny(rec.RelPath, unreadable) {
			continue
		}
		deletions = append(deletions, Change{Kind: Deleted, RelPath: rec.RelPath, IsDir: rec.IsDir})
		if rec.IsDir {
			removed.Add(rec.RelPath)
		}
	}
	return deletions, nil
}

// underAny reports whether a proper ancestor of rel is in set
func underAny(rel string, set mapset.Set[string]) bool {
	if set.Cardinality() == 0 {
		return false
	}
	for parent := path.Dir(rel); parent != "." && parent != "/"; parent = path.Dir(parent) {
		if set.Contains(parent) {
			return true
		}
	}
	return false
}

func checkSourceRoot(fsys afero.Fs, root string) error {
	info, err := fsys.Stat(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrSourceMissing, root)
		}
		return fmt.Errorf("%w: %v", ErrSourceMissing, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrSourceMissing, root)
	}
	return nil
}
