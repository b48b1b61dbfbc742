package dirsync

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// fsnotifyBackend watches every directory of the tree individually and adds
// watches for directories as they appear
type fsnotifyBackend struct {
	watcher *fsnotify.Watcher
	root    string
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

func (b *fsnotifyBackend) Watch(root string, out chan<- watchEvent) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify: %w", err)
	}
	b.watcher = watcher
	b.root = root
	b.done = make(chan struct{})

	if err := b.recursivelyAddWatch(root); err != nil {
		watcher.Close()
		return err
	}

	b.wg.Add(1)
	go b.loop(out)
	return nil
}

func (b *fsnotifyBackend) loop(out chan<- watchEvent) {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case event, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			op, forward := b.handleEvent(event)
			if !forward {
				continue
			}
			if !b.send(out, watchEvent{path: event.Name, op: op}) {
				return
			}
		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				slog.Warn("fsnotify queue overflow, rescanning", "root", b.root)
				if !b.send(out, watchEvent{path: b.root, op: opOverflow}) {
					return
				}
				continue
			}
			slog.Warn("fsnotify error", "error", err)
		}
	}
}

func (b *fsnotifyBackend) send(out chan<- watchEvent, ev watchEvent) bool {
	select {
	case out <- ev:
		return true
	case <-b.done:
		return false
	}
}

func (b *fsnotifyBackend) handleEvent(event fsnotify.Event) (watchOp, bool) {
	switch {
	case event.Has(fsnotify.Create):
		if err := b.onCreate(event.Name); err != nil {
			slog.Warn("failed to watch new directory", "path", event.Name, "error", err)
		}
		return opCreate, true
	case event.Has(fsnotify.Write):
		return opWrite, true
	case event.Has(fsnotify.Remove):
		b.onRemove(event.Name)
		return opRemove, true
	case event.Has(fsnotify.Rename):
		b.onRemove(event.Name)
		return opRename, true
	}
	// chmod only
	return 0, false
}

func (b *fsnotifyBackend) onCreate(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		// already gone again
		return nil
	}
	if info.IsDir() {
		return b.recursivelyAddWatch(path)
	}
	return nil
}

func (b *fsnotifyBackend) onRemove(path string) {
	if err := b.watcher.Remove(path); err != nil && !errors.Is(err, fsnotify.ErrNonExistentWatch) {
		slog.Debug("remove watch", "path", path, "error", err)
	}
}

func (b *fsnotifyBackend) recursivelyAddWatch(dir string) error {
	slog.Debug("watcher add", "dir", dir)
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("walk dir: %w", err)
		}
		if d.IsDir() {
			if err := b.watcher.Add(path); err != nil {
				return fmt.Errorf("fsnotify add watch: %w", err)
			}
		}
		return nil
	})
}

func (b *fsnotifyBackend) Close() error {
	var err error
	b.once.Do(func() {
		if b.watcher == nil {
			return
		}
		close(b.done)
		err = b.watcher.Close()
		b.wg.Wait()
		slog.Debug("fsnotify backend stopped")
	})
	return err
}
