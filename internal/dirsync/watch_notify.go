package dirsync

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/rjeczalik/notify"
)

// notifyBackend uses the platform's native recursive watch where one exists
type notifyBackend struct {
	raw  chan notify.EventInfo
	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func (b *notifyBackend) Watch(root string, out chan<- watchEvent) error {
	b.raw = make(chan notify.EventInfo, eventBufferSize)
	b.done = make(chan struct{})

	recursivePath := filepath.Join(root, "...")
	if err := notify.Watch(recursivePath, b.raw, notify.Create, notify.Write, notify.Remove, notify.Rename); err != nil {
		return fmt.Errorf("notify watch %s: %w", root, err)
	}

	b.wg.Add(1)
	go b.forward(out)
	return nil
}

func (b *notifyBackend) forward(out chan<- watchEvent) {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case ev := <-b.raw:
			var op watchOp
			switch ev.Event() {
			case notify.Create:
				op = opCreate
			case notify.Write:
				op = opWrite
			case notify.Remove:
				op = opRemove
			case notify.Rename:
				op = opRename
			default:
				continue
			}
			select {
			case out <- watchEvent{path: ev.Path(), op: op}:
			case <-b.done:
				return
			}
		}
	}
}

func (b *notifyBackend) Close() error {
	b.once.Do(func() {
		if b.raw == nil {
			return
		}
		// notify.Stop does not close the channel
		notify.Stop(b.raw)
		close(b.done)
		b.wg.Wait()
		slog.Debug("notify backend stopped")
	})
	return nil
}
