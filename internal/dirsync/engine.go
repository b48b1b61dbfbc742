package dirsync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/openmined/dirsync/internal/transfer"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

const DefaultCopyWorkers = 4

// PassState is the lifecycle state of the current or last pass
type PassState string

const (
	StateIdle      PassState = "idle"
	StateScanning  PassState = "scanning"
	StateApplying  PassState = "applying"
	StateCompleted PassState = "completed"
	StateFailed    PassState = "failed"

	// StateStopped ends a pass interrupted by a stop request. Operations
	// applied before the stop remain in place.
	StateStopped PassState = "stopped"
)

// OpFailure is one change that could not be applied
type OpFailure struct {
	RelPath string
	Kind    ChangeKind
	Err     error
}

// PassResult summarizes one pass. Counters are only stable once the pass
// has finished.
type PassResult struct {
	ID         string
	Trigger    string
	State      PassState
	StartedAt  time.Time
	FinishedAt time.Time
	Created    int
	Modified   int
	Deleted    int
	Transfers  int
	Failures   []OpFailure
	Backups    []BackupEntry
	Err        error

	mu sync.Mutex
}

func (r *PassResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Applied is the number of changes that took effect
func (r *PassResult) Applied() int {
	return r.Created + r.Modified + r.Deleted
}

func (r *PassResult) count(kind ChangeKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch kind {
	case Created:
		r.Created++
	case Modified:
		r.Modified++
	case Deleted:
		r.Deleted++
	}
}

func (r *PassResult) fail(c Change, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Failures = append(r.Failures, OpFailure{RelPath: c.RelPath, Kind: c.Kind, Err: err})
}

func (r *PassResult) backedUp(entry *BackupEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Backups = append(r.Backups, *entry)
}

func (r *PassResult) transferred() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Transfers++
}

// JobSubmitter queues outbound transfers
type JobSubmitter interface {
	Submit(job transfer.Job) error
}

// Recorder persists finished passes
type Recorder interface {
	RecordPass(res *PassResult) error
}

// Engine applies the changes of a pass to the destination. Passes never
// overlap: a pass started while another runs waits for it.
type Engine struct {
	pair        SyncPair
	fs          afero.Fs
	copier      *Copier
	vault       *Vault
	transmitter JobSubmitter
	recorder    Recorder
	copyWorkers int

	passMu sync.Mutex

	stateMu sync.RWMutex
	state   PassState
	last    *PassResult
}

type EngineOption func(*Engine)

func WithCopyWorkers(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.copyWorkers = n
		}
	}
}

func WithTransmitter(t JobSubmitter) EngineOption {
	return func(e *Engine) {
		e.transmitter = t
	}
}

func WithRecorder(r Recorder) EngineOption {
	return func(e *Engine) {
		e.recorder = r
	}
}

func NewEngine(pair SyncPair, fsys afero.Fs, opts ...EngineOption) *Engine {
	e := &Engine{
		pair:        pair,
		fs:          fsys,
		copier:      NewCopier(fsys),
		vault:       NewVault(pair, fsys),
		copyWorkers: DefaultCopyWorkers,
		state:       StateIdle,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Pair() SyncPair {
	return e.pair
}

func (e *Engine) State() PassState {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.state
}

// LastResult returns the most recently finished pass, or nil
func (e *Engine) LastResult() *PassResult {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.last
}

func (e *Engine) setState(s PassState) {
	e.stateMu.Lock()
	e.state = s
	e.stateMu.Unlock()
}

// RunPass scans with scanner and applies the result. Individual operation
// failures are collected in the result; only failures that make the whole
// pass meaningless (missing source, uncreatable roots, failed scan) mark it
// Failed. A pass cut short by ctx ends Stopped.
func (e *Engine) RunPass(ctx context.Context, scanner Scanner, trigger Trigger) *PassResult {
	e.passMu.Lock()
	defer e.passMu.Unlock()

	res := &PassResult{
		ID:        uuid.NewString(),
		Trigger:   trigger.Reason,
		StartedAt: time.Now(),
		State:     StateScanning,
	}
	log := slog.With("pass", res.ID[:8])
	log.Info("pass start", "trigger", trigger.Reason, "source", e.pair.SourceRoot, "destination", e.pair.DestinationRoot)
	e.setState(StateScanning)

	if err := e.prepare(); err != nil {
		return e.finish(log, res, err)
	}

	changes, err := scanner.Scan(ctx)
	if err != nil {
		return e.finish(log, res, fmt.Errorf("scan: %w", err))
	}

	e.setState(StateApplying)
	res.State = StateApplying
	log.Debug("pass applying", "changes", len(changes))

	e.apply(ctx, log, changes, res)
	return e.finish(log, res, ctx.Err())
}

func (e *Engine) prepare() error {
	if err := checkSourceRoot(e.fs, e.pair.SourceRoot); err != nil {
		return err
	}
	if err := e.fs.MkdirAll(e.pair.DestinationRoot, 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrDestinationUncreatable, err)
	}
	if e.pair.HasBackup() {
		if err := e.fs.MkdirAll(e.pair.BackupRoot, 0o755); err != nil {
			return fmt.Errorf("%w: %v", ErrBackupUncreatable, err)
		}
	}
	return nil
}

func (e *Engine) finish(log *slog.Logger, res *PassResult, err error) *PassResult {
	res.FinishedAt = time.Now()
	res.Err = err
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		res.State = StateStopped
		log.Info("pass stopped", "applied", res.Applied(), "failures", len(res.Failures))
	case err != nil:
		res.State = StateFailed
		log.Error("pass failed", "error", err, "applied", res.Applied(), "failures", len(res.Failures))
	default:
		res.State = StateCompleted
		log.Info("pass end",
			"created", res.Created,
			"modified", res.Modified,
			"deleted", res.Deleted,
			"transfers", res.Transfers,
			"failures", len(res.Failures),
			"took", res.Duration().Round(time.Millisecond),
		)
	}

	if e.recorder != nil {
		if err := e.recorder.RecordPass(res); err != nil {
			log.Warn("pass not recorded", "error", err)
		}
	}

	e.stateMu.Lock()
	e.state = res.State
	e.last = res
	e.stateMu.Unlock()
	return res
}

// apply runs deletions first, then directories in walk order, then files
// on the copy pool. Cancellation is honored between operations.
func (e *Engine) apply(ctx context.Context, log *slog.Logger, changes []Change, res *PassResult) {
	var deletes, dirs, files []Change
	for _, c := range changes {
		switch {
		case c.Kind == Deleted:
			deletes = append(deletes, c)
		case c.IsDir:
			dirs = append(dirs, c)
		default:
			files = append(files, c)
		}
	}

	for _, c := range deletes {
		if ctx.Err() != nil {
			return
		}
		e.applyDelete(log, c, res)
	}

	for _, c := range dirs {
		if ctx.Err() != nil {
			return
		}
		e.applyDir(log, c, res)
	}

	var eg errgroup.Group
	eg.SetLimit(e.copyWorkers)
	for _, c := range files {
		if ctx.Err() != nil {
			break
		}
		eg.Go(func() error {
			e.applyFile(log, c, res)
			return nil
		})
	}
	eg.Wait()
}

func (e *Engine) applyDelete(log *slog.Logger, c Change, res *PassResult) {
	entry, err := e.vault.Archive(c.RelPath)
	if errors.Is(err, fs.ErrNotExist) {
		log.Debug("already gone", "path", c.RelPath)
		return
	}
	if err != nil {
		res.fail(c, err)
		log.Error("delete failed", "path", c.RelPath, "error", err)
		return
	}
	e.logArchived(log, entry)
	res.backedUp(entry)
	res.count(Deleted)
}

func (e *Engine) applyDir(log *slog.Logger, c Change, res *PassResult) {
	dst := e.pair.DestinationPath(c.RelPath)
	if err := e.replaceKind(log, c.RelPath, true, res); err != nil {
		res.fail(c, err)
		log.Error("directory failed", "path", c.RelPath, "error", err)
		return
	}
	if err := e.fs.MkdirAll(dst, c.Record.Mode.Perm()|0o700); err != nil {
		res.fail(c, err)
		log.Error("directory failed", "path", c.RelPath, "error", err)
		return
	}
	res.count(c.Kind)
	log.Info("created directory", "path", c.RelPath)
}

func (e *Engine) applyFile(log *slog.Logger, c Change, res *PassResult) {
	defer e.submitTransfer(log, c, res)

	dst := e.pair.DestinationPath(c.RelPath)
	if err := e.replaceKind(log, c.RelPath, false, res); err != nil {
		res.fail(c, err)
		log.Error("copy failed", "path", c.RelPath, "error", err)
		return
	}

	n, err := e.copier.CopyFile(c.Record, dst)
	if err != nil {
		res.fail(c, err)
		log.Error("copy failed", "path", c.RelPath, "error", err)
		return
	}
	res.count(c.Kind)
	log.Info("copied", "path", c.RelPath, "change", c.Kind, "size", humanize.Bytes(uint64(n)))
}

// submitTransfer queues the source file for the peer whatever the outcome
// of the local copy
func (e *Engine) submitTransfer(log *slog.Logger, c Change, res *PassResult) {
	if e.transmitter == nil {
		return
	}
	job := transfer.Job{LocalPath: c.Record.Path, RelPath: c.RelPath, Size: c.Record.Size}
	if err := e.transmitter.Submit(job); err != nil {
		log.Warn("transfer not queued", "path", c.RelPath, "error", err)
		return
	}
	res.transferred()
}

// replaceKind archives a destination entry whose kind differs from the
// incoming one, so a file can replace a directory and vice versa
func (e *Engine) replaceKind(log *slog.Logger, rel string, wantDir bool, res *PassResult) error {
	info, err := lstat(e.fs, e.pair.DestinationPath(rel))
	if err != nil {
		return nil
	}
	isSymlink := info.Mode()&fs.ModeSymlink != 0
	if info.IsDir() == wantDir && !isSymlink {
		return nil
	}
	entry, err := e.vault.Archive(rel)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("replace %s: %w", rel, err)
	}
	if entry != nil {
		e.logArchived(log, entry)
		res.backedUp(entry)
	}
	return nil
}

func (e *Engine) logArchived(log *slog.Logger, entry *BackupEntry) {
	if entry.Removed {
		log.Info("removed", "path", entry.RelPath)
		return
	}
	log.Info("backed up", "path", entry.RelPath, "backup", entry.BackupPath)
}
