package dirsync

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

const stageMarker = ".dirsync-stage-"

// BackupEntry records where an archived destination entry went
type BackupEntry struct {
	RelPath      string
	OriginalPath string
	// BackupPath is empty when the entry was deleted outright
	BackupPath string
	IsDir      bool
	Removed    bool
	ArchivedAt time.Time
}

// Vault moves destination entries out of the mirror. With a backup root the
// entry keeps its relative location under the backup root; a name that is
// already taken gets a numeric suffix (report.1.txt, report.2.txt).
// Without a backup root entries are removed.
type Vault struct {
	pair   SyncPair
	fs     afero.Fs
	copier *Copier
	rename func(oldpath, newpath string) error

	// serializes target selection so concurrent archives never pick the
	// same free name
	mu sync.Mutex
}

func NewVault(pair SyncPair, fsys afero.Fs) *Vault {
	return &Vault{
		pair:   pair,
		fs:     fsys,
		copier: NewCopier(fsys),
		rename: fsys.Rename,
	}
}

// Archive moves the destination entry at rel to the backup root, or removes
// it when no backup root is configured. It returns an error wrapping
// fs.ErrNotExist when the entry is already gone.
func (v *Vault) Archive(rel string) (*BackupEntry, error) {
	original := v.pair.DestinationPath(rel)
	info, err := lstat(v.fs, original)
	if err != nil {
		return nil, fmt.Errorf("archive %s: %w", rel, err)
	}

	entry := &BackupEntry{
		RelPath:      rel,
		OriginalPath: original,
		IsDir:        info.IsDir(),
		ArchivedAt:   time.Now(),
	}

	if !v.pair.HasBackup() {
		if err := v.fs.RemoveAll(original); err != nil {
			return nil, fmt.Errorf("remove %s: %w", rel, err)
		}
		entry.Removed = true
		return entry, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	target, err := v.freeTarget(rel, entry.IsDir)
	if err != nil {
		return nil, err
	}
	if err := v.fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return nil, fmt.Errorf("create backup parent: %w", err)
	}

	err = v.rename(original, target)
	if isCrossDevice(err) {
		slog.Debug("backup crosses devices, copying", "path", rel)
		err = v.moveAcrossDevices(original, target, entry.IsDir)
	}
	if err != nil {
		return nil, fmt.Errorf("move %s to backup: %w", rel, err)
	}

	entry.BackupPath = target
	return entry, nil
}

// freeTarget returns the first unused backup path for rel. The path is
// resolved one component at a time: an ancestor name that is taken by a
// file gets a suffix like the leaf does (backup/x.1/old.txt), so the
// entry always has somewhere to go.
func (v *Vault) freeTarget(rel string, isDir bool) (string, error) {
	parts := strings.Split(filepath.ToSlash(rel), "/")
	target := v.pair.BackupRoot
	for i, part := range parts {
		leaf := i == len(parts)-1
		next, free, err := v.freeComponent(filepath.Join(target, part), leaf, isDir)
		if err != nil {
			return "", err
		}
		target = next
		if free {
			// nothing exists below a missing component
			return filepath.Join(append([]string{target}, parts[i+1:]...)...), nil
		}
	}
	return target, nil
}

// freeComponent picks a usable name for one backup path component. An
// intermediate component can reuse an existing directory; the leaf needs a
// name nobody holds. free reports that the returned path does not exist.
func (v *Vault) freeComponent(base string, leaf, isDir bool) (string, bool, error) {
	for n := 0; ; n++ {
		candidate := base
		if n > 0 {
			// ancestors are directories in the backup, so they take the
			// directory style suffix
			candidate = suffixedName(base, n, isDir || !leaf)
		}
		info, err := lstat(v.fs, candidate)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return candidate, true, nil
		case err != nil:
			return "", false, fmt.Errorf("pick backup name: %w", err)
		case !leaf && info.IsDir():
			return candidate, false, nil
		}
	}
}

// suffixedName inserts .n before the extension of a file name, or appends
// it to a directory name. Dotfiles without a further extension get the
// suffix at the end.
func suffixedName(path string, n int, isDir bool) string {
	dir, name := filepath.Split(path)
	suffix := "." + strconv.Itoa(n)
	if isDir {
		return dir + name + suffix
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	if stem == "" || ext == "" {
		return dir + name + suffix
	}
	return dir + stem + suffix + ext
}

// moveAcrossDevices copies into a staging name next to the target, renames
// the staging copy into place and only then removes the original, so the
// entry is never lost if the process dies midway.
func (v *Vault) moveAcrossDevices(original, target string, isDir bool) error {
	staging := filepath.Join(filepath.Dir(target), stageMarker+uuid.NewString())

	var err error
	if isDir {
		err = v.copier.CopyTree(original, staging)
	} else {
		var info fs.FileInfo
		if info, err = lstat(v.fs, original); err == nil {
			rec, _ := newFileRecord(filepath.Dir(original), original, info)
			_, err = v.copier.CopyFile(rec, staging)
		}
	}
	if err != nil {
		v.fs.RemoveAll(staging)
		return fmt.Errorf("copy to staging: %w", err)
	}

	if err := v.fs.Rename(staging, target); err != nil {
		v.fs.RemoveAll(staging)
		return fmt.Errorf("rename staging: %w", err)
	}

	if err := v.fs.RemoveAll(original); err != nil {
		return fmt.Errorf("remove original after copy: %w", err)
	}
	return nil
}

func isCrossDevice(err error) bool {
	return err != nil && errors.Is(err, syscall.EXDEV)
}
