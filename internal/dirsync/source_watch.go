package dirsync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/openmined/dirsync/internal/utils"
)

const (
	DefaultDebounce = 500 * time.Millisecond
	MinDebounce     = 10 * time.Millisecond
	MaxDebounce     = time.Minute
)

// WatchSource turns filesystem events under the source root into passes.
// Events are coalesced by a single whole-tree debounce timer: a burst of
// events yields one pass once the tree has been quiet for the debounce
// window. Deletions seen as events are routed straight to the pass so the
// destination counterparts are archived even when nothing else changed.
type WatchSource struct {
	differ   *Differ
	backend  watchBackend
	debounce time.Duration

	events   chan watchEvent
	triggers chan Trigger

	mu             sync.Mutex
	timer          *time.Timer
	pendingDeletes mapset.Set[string]

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

type WatchOption func(*WatchSource) error

func WithDebounce(d time.Duration) WatchOption {
	return func(w *WatchSource) error {
		if d < MinDebounce || d > MaxDebounce {
			return fmt.Errorf("debounce %s not within [%s, %s]", d, MinDebounce, MaxDebounce)
		}
		w.debounce = d
		return nil
	}
}

// WithWatchBackend selects "notify" (default) or "fsnotify"
func WithWatchBackend(name string) WatchOption {
	return func(w *WatchSource) error {
		backend, err := newWatchBackend(name)
		if err != nil {
			return err
		}
		w.backend = backend
		return nil
	}
}

func NewWatchSource(differ *Differ, opts ...WatchOption) (*WatchSource, error) {
	w := &WatchSource{
		differ:         differ,
		backend:        &notifyBackend{},
		debounce:       DefaultDebounce,
		events:         make(chan watchEvent, eventBufferSize),
		triggers:       make(chan Trigger, 1),
		pendingDeletes: mapset.NewSet[string](),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		if err := opt(w); err != nil {
			return nil, err
		}
	}
	return w, nil
}

func (w *WatchSource) Mode() string {
	return "watch"
}

// Start subscribes to the source tree. The first pass is triggered right
// away so the mirror catches up with anything that changed while no one
// was watching.
func (w *WatchSource) Start(ctx context.Context) error {
	root := w.differ.Pair().SourceRoot
	if err := checkSourceRoot(w.differ.fs, root); err != nil {
		return err
	}
	w.differ.ignore.Load()
	if err := w.backend.Watch(root, w.events); err != nil {
		return fmt.Errorf("%w: %v", ErrWatchSubscription, err)
	}
	slog.Info("watch start", "source", root, "debounce", w.debounce)

	offer(w.triggers, newTrigger(TriggerStartup))

	w.wg.Add(1)
	go w.loop(ctx)
	return nil
}

func (w *WatchSource) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ev := <-w.events:
			w.handle(ev)
		}
	}
}

func (w *WatchSource) handle(ev watchEvent) {
	root := w.differ.Pair().SourceRoot

	if ev.op != opOverflow {
		rel, err := filepath.Rel(root, ev.path)
		if err != nil || !utils.IsWithin(root, ev.path) {
			return
		}
		rel = utils.NormPath(rel)
		if rel != "." {
			if w.differ.ignore.ShouldIgnore(rel) {
				return
			}
			if w.differ.Prunes() && (ev.op == opRemove || ev.op == opRename) {
				w.mu.Lock()
				w.pendingDeletes.Add(rel)
				w.mu.Unlock()
			}
		}
		slog.Debug("watch event", "op", ev.op, "path", rel)
	}

	w.schedule()
}

// schedule (re)arms the debounce timer
func (w *WatchSource) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer == nil {
		w.timer = time.AfterFunc(w.debounce, w.fire)
		return
	}
	w.timer.Reset(w.debounce)
}

func (w *WatchSource) fire() {
	select {
	case <-w.done:
		return
	default:
	}
	if !offer(w.triggers, newTrigger(TriggerEvent)) {
		slog.Debug("watch trigger coalesced")
	}
}

func (w *WatchSource) Triggers() <-chan Trigger {
	return w.triggers
}

// Scan returns deletions collected from events first, then the result of a
// full diff with those deletions (and anything below them) removed.
func (w *WatchSource) Scan(ctx context.Context) ([]Change, error) {
	w.mu.Lock()
	pending := w.pendingDeletes.ToSlice()
	w.pendingDeletes.Clear()
	w.mu.Unlock()

	pair := w.differ.Pair()
	sort.Strings(pending)

	var changes []Change
	covered := mapset.NewThreadUnsafeSet[string]()
	for _, rel := range pending {
		if underAny(rel, covered) {
			continue
		}
		// re-created since the event
		if _, err := lstat(w.differ.fs, pair.SourcePath(rel)); !errors.Is(err, fs.ErrNotExist) {
			continue
		}
		dst := lookupRecord(w.differ.fs, pair.DestinationRoot, rel)
		if dst == nil {
			continue
		}
		changes = append(changes, Change{Kind: Deleted, RelPath: rel, IsDir: dst.IsDir})
		covered.Add(rel)
	}

	diff, err := w.differ.Diff(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range diff {
		if c.Kind == Deleted && (covered.Contains(c.RelPath) || underAny(c.RelPath, covered)) {
			continue
		}
		changes = append(changes, c)
	}
	return changes, nil
}

func (w *WatchSource) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.backend.Close()

		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()

		w.wg.Wait()
		slog.Info("watch stopped")
	})
	return err
}
