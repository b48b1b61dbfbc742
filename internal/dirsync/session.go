package dirsync

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

var (
	ErrSessionStopped = errors.New("session stopped")
	ErrSessionRunning = errors.New("session already started")
)

// Session owns one sync pair for its lifetime. A single loop consumes
// triggers from the change source and manual requests, and runs one pass
// at a time through the engine.
type Session struct {
	engine  *Engine
	source  ChangeSource
	closers []io.Closer
	onPass  func(*PassResult)

	kick chan Trigger
	done chan struct{}

	mu       sync.Mutex
	cancel   context.CancelFunc
	started  bool
	stopped  bool
	stopOnce sync.Once
	stopErr  error
	passes   int
}

type SessionOption func(*Session)

// WithPassHook is called on the session loop after every pass
func WithPassHook(fn func(*PassResult)) SessionOption {
	return func(s *Session) {
		s.onPass = fn
	}
}

// WithCloser registers a resource closed after the loop has exited, in
// registration order
func WithCloser(c io.Closer) SessionOption {
	return func(s *Session) {
		s.closers = append(s.closers, c)
	}
}

func NewSession(engine *Engine, source ChangeSource, opts ...SessionOption) *Session {
	s := &Session{
		engine: engine,
		source: source,
		kick:   make(chan Trigger, 1),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start subscribes the change source and launches the loop. The first pass
// follows promptly.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrSessionStopped
	}
	if s.started {
		return ErrSessionRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	if err := s.source.Start(loopCtx); err != nil {
		cancel()
		return err
	}
	s.cancel = cancel
	s.started = true

	slog.Info("session start", "mode", s.source.Mode(), "pair", s.engine.Pair().String())
	go s.loop(loopCtx)
	return nil
}

func (s *Session) loop(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-s.source.Triggers():
			s.run(ctx, t)
		case t := <-s.kick:
			s.run(ctx, t)
		}
	}
}

func (s *Session) run(ctx context.Context, t Trigger) {
	if ctx.Err() != nil {
		return
	}
	res := s.engine.RunPass(ctx, s.source, t)

	s.mu.Lock()
	s.passes++
	s.mu.Unlock()

	if s.onPass != nil {
		s.onPass(res)
	}
}

// StartPass requests an immediate pass. While one is already queued the
// request is absorbed by it.
func (s *Session) StartPass() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrSessionStopped
	}
	if !offer(s.kick, newTrigger(TriggerManual)) {
		slog.Debug("manual pass already queued")
	}
	return nil
}

// SetInterval retunes a polling session. Event-driven sessions return
// ErrIntervalUnsupported.
func (s *Session) SetInterval(d time.Duration) error {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return ErrSessionStopped
	}

	setter, ok := s.source.(IntervalSetter)
	if !ok {
		return ErrIntervalUnsupported
	}
	return setter.SetInterval(d)
}

// Stop closes the change source first so no new passes are triggered, lets
// the loop finish the operation in progress, then closes the registered
// resources. Calling it more than once returns the first result.
func (s *Session) Stop() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		started := s.started
		cancel := s.cancel
		s.mu.Unlock()

		slog.Info("session stopping")
		var errs []error
		if err := s.source.Close(); err != nil {
			errs = append(errs, err)
		}
		if started {
			cancel()
			<-s.done
		} else {
			close(s.done)
		}
		for _, c := range s.closers {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		s.stopErr = errors.Join(errs...)
		slog.Info("session stopped")
	})
	return s.stopErr
}

// Done is closed once the session has stopped
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// SessionStatus is a snapshot for the control plane
type SessionStatus struct {
	Mode     string        `json:"mode"`
	Source   string        `json:"source"`
	Dest     string        `json:"destination"`
	Backup   string        `json:"backup,omitempty"`
	State    PassState     `json:"state"`
	Running  bool          `json:"running"`
	Passes   int           `json:"passes"`
	Interval string        `json:"interval,omitempty"`
	LastPass *PassSummary  `json:"last_pass,omitempty"`
}

// PassSummary is the serializable view of a PassResult
type PassSummary struct {
	ID         string    `json:"id"`
	Trigger    string    `json:"trigger"`
	State      PassState `json:"state"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Created    int       `json:"created"`
	Modified   int       `json:"modified"`
	Deleted    int       `json:"deleted"`
	Transfers  int       `json:"transfers"`
	Failures   int       `json:"failures"`
	Error      string    `json:"error,omitempty"`
}

func (r *PassResult) Summary() *PassSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	sum := &PassSummary{
		ID:         r.ID,
		Trigger:    r.Trigger,
		State:      r.State,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Created:    r.Created,
		Modified:   r.Modified,
		Deleted:    r.Deleted,
		Transfers:  r.Transfers,
		Failures:   len(r.Failures),
	}
	if r.Err != nil {
		sum.Error = r.Err.Error()
	}
	return sum
}

func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	running := s.started && !s.stopped
	passes := s.passes
	s.mu.Unlock()

	pair := s.engine.Pair()
	status := SessionStatus{
		Mode:    s.source.Mode(),
		Source:  pair.SourceRoot,
		Dest:    pair.DestinationRoot,
		Backup:  pair.BackupRoot,
		State:   s.engine.State(),
		Running: running,
		Passes:  passes,
	}
	if setter, ok := s.source.(IntervalSetter); ok {
		status.Interval = setter.Interval().String()
	}
	if last := s.engine.LastResult(); last != nil {
		status.LastPass = last.Summary()
	}
	return status
}
