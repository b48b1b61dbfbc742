package dirsync

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/openmined/dirsync/internal/utils"
)

var ErrPairLocked = errors.New("destination is already being synced by another process")

// PairLock keeps two processes from mirroring into the same destination.
// The lock file lives in the state directory and is keyed by the
// destination root.
type PairLock struct {
	flock *flock.Flock
}

func NewPairLock(stateDir string, pair SyncPair) *PairLock {
	sum := sha256.Sum256([]byte(pair.DestinationRoot))
	name := hex.EncodeToString(sum[:8]) + ".lock"
	return &PairLock{flock: flock.New(filepath.Join(stateDir, "locks", name))}
}

func (l *PairLock) Path() string {
	return l.flock.Path()
}

func (l *PairLock) Lock() error {
	if err := utils.EnsureParent(l.flock.Path()); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	locked, err := l.flock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock pair: %w", err)
	}
	if !locked {
		return ErrPairLocked
	}
	return nil
}

func (l *PairLock) Unlock() error {
	// only the holder removes the lock file
	if !l.flock.Locked() {
		return nil
	}
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to unlock pair: %w", err)
	}
	return os.Remove(l.flock.Path())
}
