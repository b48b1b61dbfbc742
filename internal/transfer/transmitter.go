package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/openmined/dirsync/internal/queue"
)

const (
	DefaultPort        = 65432
	DefaultWorkers     = 4
	DefaultDialTimeout = 5 * time.Second
	DefaultIOTimeout   = 30 * time.Second
)

var ErrTransmitterClosed = errors.New("transmitter closed")

// Job is one file to stream to the peer over its own connection
type Job struct {
	LocalPath   string
	RelPath     string
	PeerAddress string
	Size        int64
}

// Result reports the outcome of one job
type Result struct {
	Job      Job
	Bytes    int64
	Duration time.Duration
	Err      error
}

// Transmitter streams files to a single peer from a bounded worker pool.
// Smaller files are sent first. Failures are logged and never retried.
type Transmitter struct {
	peer        string
	framing     Framing
	workers     int
	dialTimeout time.Duration
	ioTimeout   time.Duration
	onResult    func(Result)

	jobs      *queue.JobQueue[Job]
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
	closed    atomic.Bool
	sent      atomic.Int64
	failed    atomic.Int64
}

type Option func(*Transmitter)

func WithFraming(f Framing) Option {
	return func(t *Transmitter) {
		t.framing = f
	}
}

func WithWorkers(n int) Option {
	return func(t *Transmitter) {
		if n > 0 {
			t.workers = n
		}
	}
}

func WithDialTimeout(d time.Duration) Option {
	return func(t *Transmitter) {
		if d > 0 {
			t.dialTimeout = d
		}
	}
}

func WithIOTimeout(d time.Duration) Option {
	return func(t *Transmitter) {
		if d > 0 {
			t.ioTimeout = d
		}
	}
}

// WithResultHook is called from the worker after every job
func WithResultHook(fn func(Result)) Option {
	return func(t *Transmitter) {
		t.onResult = fn
	}
}

func NewTransmitter(peer string, opts ...Option) (*Transmitter, error) {
	addr, err := NormalizePeer(peer)
	if err != nil {
		return nil, err
	}
	t := &Transmitter{
		peer:        addr,
		framing:     FramingFramed,
		workers:     DefaultWorkers,
		dialTimeout: DefaultDialTimeout,
		ioTimeout:   DefaultIOTimeout,
		jobs:        queue.NewJobQueue[Job](),
	}
	for _, opt := range opts {
		opt(t)
	}
	if _, err := ParseFraming(string(t.framing)); err != nil {
		return nil, err
	}
	return t, nil
}

// NormalizePeer adds the default port when the address carries none
func NormalizePeer(addr string) (string, error) {
	if addr == "" {
		return "", errors.New("peer address is empty")
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		host, port = addr, strconv.Itoa(DefaultPort)
	}
	if host == "" {
		return "", fmt.Errorf("peer address %q has no host", addr)
	}
	if n, err := strconv.Atoi(port); err != nil || n <= 0 || n > 65535 {
		return "", fmt.Errorf("peer address %q has invalid port", addr)
	}
	return net.JoinHostPort(host, port), nil
}

func (t *Transmitter) Peer() string {
	return t.peer
}

// Start launches the worker pool. Calling it again is a no-op.
func (t *Transmitter) Start() {
	t.startOnce.Do(func() {
		slog.Info("transmitter start", "peer", t.peer, "workers", t.workers, "framing", t.framing)
		for i := 0; i < t.workers; i++ {
			t.wg.Add(1)
			go t.worker()
		}
	})
}

// Submit queues a job without blocking
func (t *Transmitter) Submit(job Job) error {
	if t.closed.Load() {
		return ErrTransmitterClosed
	}
	job.PeerAddress = t.peer
	if err := t.jobs.Push(job, job.Size); err != nil {
		return ErrTransmitterClosed
	}
	return nil
}

func (t *Transmitter) worker() {
	defer t.wg.Done()
	for {
		job, err := t.jobs.Pop(context.Background())
		if err != nil {
			return
		}
		res := t.run(job)
		if t.onResult != nil {
			t.onResult(res)
		}
	}
}

func (t *Transmitter) run(job Job) Result {
	start := time.Now()
	n, err := t.Send(context.Background(), job)
	res := Result{Job: job, Bytes: n, Duration: time.Since(start), Err: err}

	if err != nil {
		t.failed.Add(1)
		slog.Error("transfer failed", "path", job.RelPath, "peer", t.peer, "error", err)
		return res
	}
	t.sent.Add(1)
	slog.Info("transfer sent", "path", job.RelPath, "peer", t.peer, "size", humanize.Bytes(uint64(n)), "took", res.Duration.Round(time.Millisecond))
	return res
}

// Send streams one file over a fresh connection and returns the payload
// bytes written
func (t *Transmitter) Send(ctx context.Context, job Job) (int64, error) {
	f, err := os.Open(job.LocalPath)
	if err != nil {
		return 0, fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat: %w", err)
	}
	size := info.Size()

	dialer := net.Dialer{Timeout: t.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.peer)
	if err != nil {
		return 0, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(t.ioTimeout)); err != nil {
		return 0, fmt.Errorf("set deadline: %w", err)
	}
	w := &deadlineWriter{conn: conn, timeout: t.ioTimeout}

	var n int64
	switch t.framing {
	case FramingRaw:
		n, err = io.Copy(w, f)
	default:
		if err := WriteHeader(w, Header{RelPath: job.RelPath, Size: uint64(size)}); err != nil {
			return 0, fmt.Errorf("write header: %w", err)
		}
		n, err = io.CopyN(w, f, size)
	}
	if err != nil {
		return n, fmt.Errorf("write payload: %w", err)
	}

	if err := conn.Close(); err != nil {
		return n, fmt.Errorf("close: %w", err)
	}
	return n, nil
}

// deadlineWriter extends the connection deadline on every write so that
// large files only fail when the peer stalls
type deadlineWriter struct {
	conn    net.Conn
	timeout time.Duration
}

func (w *deadlineWriter) Write(p []byte) (int, error) {
	if err := w.conn.SetWriteDeadline(time.Now().Add(w.timeout)); err != nil {
		return 0, err
	}
	return w.conn.Write(p)
}

// Stats returns the number of successful and failed jobs
func (t *Transmitter) Stats() (sent, failed int64) {
	return t.sent.Load(), t.failed.Load()
}

func (t *Transmitter) Pending() int {
	return t.jobs.Len()
}

// Close stops intake and waits for queued and in-flight jobs to finish
func (t *Transmitter) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		t.jobs.Close()
		t.Start()
		t.wg.Wait()
		sent, failed := t.Stats()
		slog.Info("transmitter stopped", "sent", sent, "failed", failed)
	})
	return nil
}
