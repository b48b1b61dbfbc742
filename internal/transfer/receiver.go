package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultMaxConns = 16
	tempMarker      = ".dirsync-tmp-"
)

// ReceivedFile describes one file written by the receiver
type ReceivedFile struct {
	RelPath string
	Path    string
	Size    int64
	From    string
}

// Receiver accepts framed transfers and writes them below its root. Paths
// from the wire are joined with symlink-aware scoping, so no transfer can
// write outside the root.
type Receiver struct {
	root      string
	ioTimeout time.Duration
	maxSize   uint64
	sem       *semaphore.Weighted
	onFile    func(ReceivedFile)

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

type ReceiverOption func(*Receiver)

func WithReceiverIOTimeout(d time.Duration) ReceiverOption {
	return func(r *Receiver) {
		if d > 0 {
			r.ioTimeout = d
		}
	}
}

// WithMaxFileSize rejects frames announcing more than n bytes; zero means no limit
func WithMaxFileSize(n uint64) ReceiverOption {
	return func(r *Receiver) {
		r.maxSize = n
	}
}

func WithMaxConns(n int64) ReceiverOption {
	return func(r *Receiver) {
		if n > 0 {
			r.sem = semaphore.NewWeighted(n)
		}
	}
}

func WithFileHook(fn func(ReceivedFile)) ReceiverOption {
	return func(r *Receiver) {
		r.onFile = fn
	}
}

func NewReceiver(root string, opts ...ReceiverOption) *Receiver {
	r := &Receiver{
		root:      root,
		ioTimeout: DefaultIOTimeout,
		sem:       semaphore.NewWeighted(DefaultMaxConns),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Listen binds the receiver. Use ":0" to pick a free port.
func (r *Receiver) Listen(addr string) error {
	if err := os.MkdirAll(r.root, 0o755); err != nil {
		return fmt.Errorf("create receive root: %w", err)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	r.mu.Lock()
	r.listener = ln
	r.mu.Unlock()
	slog.Info("receiver listening", "addr", ln.Addr().String(), "root", r.root)
	return nil
}

func (r *Receiver) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

// Serve accepts connections until ctx is done or Close is called
func (r *Receiver) Serve(ctx context.Context) error {
	r.mu.Lock()
	ln := r.listener
	r.mu.Unlock()
	if ln == nil {
		return errors.New("receiver is not listening")
	}

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				r.wg.Wait()
				return nil
			}
			slog.Warn("receiver accept", "error", err)
			continue
		}

		if err := r.sem.Acquire(ctx, 1); err != nil {
			conn.Close()
			continue
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			defer r.sem.Release(1)
			r.handle(conn)
		}()
	}
}

func (r *Receiver) handle(conn net.Conn) {
	defer conn.Close()
	from := conn.RemoteAddr().String()

	file, err := r.receive(conn)
	if err != nil {
		slog.Error("receive failed", "from", from, "error", err)
		return
	}
	file.From = from
	slog.Info("received", "path", file.RelPath, "size", humanize.Bytes(uint64(file.Size)), "from", from)
	if r.onFile != nil {
		r.onFile(file)
	}
}

func (r *Receiver) receive(conn net.Conn) (ReceivedFile, error) {
	if err := conn.SetReadDeadline(time.Now().Add(r.ioTimeout)); err != nil {
		return ReceivedFile{}, err
	}

	h, err := ReadHeader(conn)
	if err != nil {
		return ReceivedFile{}, err
	}
	if r.maxSize > 0 && h.Size > r.maxSize {
		return ReceivedFile{}, fmt.Errorf("%w: %s announces %d bytes", ErrInvalidFrame, h.RelPath, h.Size)
	}

	target, err := securejoin.SecureJoin(r.root, filepath.FromSlash(h.RelPath))
	if err != nil {
		return ReceivedFile{}, fmt.Errorf("%w: %v", ErrUnsafePath, err)
	}

	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ReceivedFile{}, fmt.Errorf("create parent: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(target)+tempMarker+"*")
	if err != nil {
		return ReceivedFile{}, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	src := &deadlineReader{conn: conn, timeout: r.ioTimeout}
	n, err := io.CopyN(tmp, src, int64(h.Size))
	if err != nil {
		return ReceivedFile{}, fmt.Errorf("payload for %s truncated after %d of %d bytes: %w", h.RelPath, n, h.Size, err)
	}
	if err := tmp.Sync(); err != nil {
		return ReceivedFile{}, fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return ReceivedFile{}, fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		return ReceivedFile{}, fmt.Errorf("rename temp file: %w", err)
	}

	success = true
	return ReceivedFile{RelPath: h.RelPath, Path: target, Size: n}, nil
}

type deadlineReader struct {
	conn    net.Conn
	timeout time.Duration
}

func (r *deadlineReader) Read(p []byte) (int, error) {
	if err := r.conn.SetReadDeadline(time.Now().Add(r.timeout)); err != nil {
		return 0, err
	}
	return r.conn.Read(p)
}

func (r *Receiver) Close() error {
	r.mu.Lock()
	ln := r.listener
	r.mu.Unlock()
	if ln == nil {
		return nil
	}
	err := ln.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
