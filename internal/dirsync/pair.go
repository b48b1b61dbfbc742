package dirsync

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/openmined/dirsync/internal/utils"
)

var (
	ErrInvalidPair            = errors.New("invalid sync pair")
	ErrSourceMissing          = errors.New("source root does not exist")
	ErrDestinationUncreatable = errors.New("destination root cannot be created")
	ErrBackupUncreatable      = errors.New("backup root cannot be created")
)

// SyncPair names the three roots of one mirror. It is immutable for the
// lifetime of a session.
type SyncPair struct {
	SourceRoot      string
	DestinationRoot string
	// BackupRoot is optional. Without it removed entries are deleted.
	BackupRoot string
}

// NewSyncPair resolves the roots to absolute paths and validates them
func NewSyncPair(source, destination, backup string) (SyncPair, error) {
	var pair SyncPair
	var err error

	if pair.SourceRoot, err = resolveRoot(source); err != nil {
		return SyncPair{}, fmt.Errorf("%w: source: %v", ErrInvalidPair, err)
	}
	if pair.DestinationRoot, err = resolveRoot(destination); err != nil {
		return SyncPair{}, fmt.Errorf("%w: destination: %v", ErrInvalidPair, err)
	}
	if backup != "" {
		if pair.BackupRoot, err = resolveRoot(backup); err != nil {
			return SyncPair{}, fmt.Errorf("%w: backup: %v", ErrInvalidPair, err)
		}
	}

	if err := pair.Validate(); err != nil {
		return SyncPair{}, err
	}
	return pair, nil
}

// resolveRoot makes the path absolute and resolves symlinks when the path
// already exists, so that watch events and walks agree on one spelling.
func resolveRoot(path string) (string, error) {
	abs, err := utils.ResolvePath(path)
	if err != nil {
		return "", err
	}
	if _, err := os.Lstat(abs); err == nil {
		if real, err := filepath.EvalSymlinks(abs); err == nil {
			return real, nil
		}
	}
	return abs, nil
}

// Validate enforces that no root can observe another root's output.
// Destination and backup may never contain the source, the destination may
// not live inside the source, and the backup may not live inside either.
func (p SyncPair) Validate() error {
	if p.SourceRoot == "" || p.DestinationRoot == "" {
		return fmt.Errorf("%w: source and destination are required", ErrInvalidPair)
	}
	if !filepath.IsAbs(p.SourceRoot) || !filepath.IsAbs(p.DestinationRoot) {
		return fmt.Errorf("%w: roots must be absolute", ErrInvalidPair)
	}

	if utils.IsWithin(p.DestinationRoot, p.SourceRoot) {
		return fmt.Errorf("%w: destination %q contains source %q", ErrInvalidPair, p.DestinationRoot, p.SourceRoot)
	}
	if utils.IsWithin(p.SourceRoot, p.DestinationRoot) {
		return fmt.Errorf("%w: destination %q is inside source %q", ErrInvalidPair, p.DestinationRoot, p.SourceRoot)
	}

	if p.BackupRoot == "" {
		return nil
	}
	if !filepath.IsAbs(p.BackupRoot) {
		return fmt.Errorf("%w: backup root must be absolute", ErrInvalidPair)
	}
	if utils.IsWithin(p.BackupRoot, p.SourceRoot) {
		return fmt.Errorf("%w: backup %q contains source %q", ErrInvalidPair, p.BackupRoot, p.SourceRoot)
	}
	if utils.IsWithin(p.SourceRoot, p.BackupRoot) || utils.IsWithin(p.DestinationRoot, p.BackupRoot) {
		return fmt.Errorf("%w: backup %q is inside a synced root", ErrInvalidPair, p.BackupRoot)
	}
	if utils.IsWithin(p.BackupRoot, p.DestinationRoot) {
		return fmt.Errorf("%w: backup %q contains destination %q", ErrInvalidPair, p.BackupRoot, p.DestinationRoot)
	}
	return nil
}

func (p SyncPair) HasBackup() bool {
	return p.BackupRoot != ""
}

func (p SyncPair) SourcePath(rel string) string {
	return filepath.Join(p.SourceRoot, filepath.FromSlash(rel))
}

func (p SyncPair) DestinationPath(rel string) string {
	return filepath.Join(p.DestinationRoot, filepath.FromSlash(rel))
}

func (p SyncPair) BackupPath(rel string) string {
	return filepath.Join(p.BackupRoot, filepath.FromSlash(rel))
}

func (p SyncPair) String() string {
	return p.SourceRoot + " -> " + p.DestinationRoot
}
