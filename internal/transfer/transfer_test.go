package transfer

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startReceiver(t *testing.T, opts ...ReceiverOption) (*Receiver, string, <-chan ReceivedFile) {
	t.Helper()
	root := t.TempDir()
	files := make(chan ReceivedFile, 16)
	opts = append(opts, WithFileHook(func(f ReceivedFile) { files <- f }))

	r := NewReceiver(root, opts...)
	require.NoError(t, r.Listen("127.0.0.1:0"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("receiver did not stop")
		}
	})
	return r, root, files
}

func waitFile(t *testing.T, files <-chan ReceivedFile) ReceivedFile {
	t.Helper()
	select {
	case f := <-files:
		return f
	case <-time.After(5 * time.Second):
		require.FailNow(t, "timeout waiting for received file")
	}
	return ReceivedFile{}
}

func localFile(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payload.bin")
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path
}

func TestNormalizePeer(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"10.0.0.5", "10.0.0.5:65432", false},
		{"10.0.0.5:9000", "10.0.0.5:9000", false},
		{"peer.local", "peer.local:65432", false},
		{"[::1]:7000", "[::1]:7000", false},
		{"", "", true},
		{":9000", "", true},
		{"host:notaport", "", true},
		{"host:70000", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizePeer(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSendFramedToReceiver(t *testing.T) {
	r, root, files := startReceiver(t)

	payload := bytes.Repeat([]byte("dirsync"), 10000)
	tx, err := NewTransmitter(r.Addr().String())
	require.NoError(t, err)

	n, err := tx.Send(context.Background(), Job{LocalPath: localFile(t, payload), RelPath: "deep/dir/data.bin"})
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)

	got := waitFile(t, files)
	assert.Equal(t, "deep/dir/data.bin", got.RelPath)
	data, err := os.ReadFile(filepath.Join(root, "deep", "dir", "data.bin"))
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestSendRawWritesBytesOnly(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	received := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		data, _ := io.ReadAll(conn)
		received <- data
	}()

	tx, err := NewTransmitter(ln.Addr().String(), WithFraming(FramingRaw))
	require.NoError(t, err)
	_, err = tx.Send(context.Background(), Job{LocalPath: localFile(t, []byte("just bytes")), RelPath: "x.txt"})
	require.NoError(t, err)

	select {
	case data := <-received:
		assert.Equal(t, "just bytes", string(data))
	case <-time.After(5 * time.Second):
		require.FailNow(t, "timeout waiting for raw payload")
	}
}

func TestTransmitterPoolDrainsOnClose(t *testing.T) {
	r, root, _ := startReceiver(t)

	var mu sync.Mutex
	var results []Result
	tx, err := NewTransmitter(r.Addr().String(), WithWorkers(2), WithResultHook(func(res Result) {
		mu.Lock()
		results = append(results, res)
		mu.Unlock()
	}))
	require.NoError(t, err)
	tx.Start()

	names := []string{"a.txt", "b.txt", "c.txt", "d.txt", "e.txt"}
	for _, name := range names {
		require.NoError(t, tx.Submit(Job{LocalPath: localFile(t, []byte(name)), RelPath: name, Size: int64(len(name))}))
	}
	require.NoError(t, tx.Close())

	sent, failed := tx.Stats()
	assert.Equal(t, int64(len(names)), sent)
	assert.Zero(t, failed)
	assert.Len(t, results, len(names))
	for _, res := range results {
		assert.Equal(t, r.Addr().String(), res.Job.PeerAddress)
	}

	// the receiver may still be renaming the last file
	for _, name := range names {
		assert.Eventually(t, func() bool {
			data, err := os.ReadFile(filepath.Join(root, name))
			return err == nil && string(data) == name
		}, 5*time.Second, 20*time.Millisecond)
	}

	assert.ErrorIs(t, tx.Submit(Job{RelPath: "late.txt"}), ErrTransmitterClosed)
}

func TestTransmitterUnreachablePeer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	var res Result
	tx, err := NewTransmitter(addr, WithDialTimeout(time.Second), WithResultHook(func(r Result) { res = r }))
	require.NoError(t, err)
	tx.Start()

	require.NoError(t, tx.Submit(Job{LocalPath: localFile(t, []byte("x")), RelPath: "x.txt"}))
	require.NoError(t, tx.Close())

	_, failed := tx.Stats()
	assert.Equal(t, int64(1), failed)
	assert.Error(t, res.Err)
}

func TestTransmitterMissingLocalFile(t *testing.T) {
	tx, err := NewTransmitter("127.0.0.1:1")
	require.NoError(t, err)

	_, err = tx.Send(context.Background(), Job{LocalPath: filepath.Join(t.TempDir(), "nope"), RelPath: "nope"})
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestReceiverRejectsTruncatedPayload(t *testing.T) {
	r, root, files := startReceiver(t)

	conn, err := net.Dial("tcp", r.Addr().String())
	require.NoError(t, err)
	require.NoError(t, WriteHeader(conn, Header{RelPath: "short.txt", Size: 100}))
	_, err = conn.Write([]byte("only a few bytes"))
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	select {
	case f := <-files:
		assert.Failf(t, "truncated payload accepted", "%+v", f)
	case <-time.After(300 * time.Millisecond):
	}
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries, "temp file removed after truncation")
}

func TestReceiverMaxFileSize(t *testing.T) {
	r, root, files := startReceiver(t, WithMaxFileSize(4))

	tx, err := NewTransmitter(r.Addr().String())
	require.NoError(t, err)
	// the receiver closes early; the write may or may not notice
	tx.Send(context.Background(), Job{LocalPath: localFile(t, []byte("too large")), RelPath: "big.txt"})

	select {
	case <-files:
		assert.Fail(t, "oversized file accepted")
	case <-time.After(300 * time.Millisecond):
	}
	assert.NoFileExists(t, filepath.Join(root, "big.txt"))
}

func TestReceiverScopesSymlinks(t *testing.T) {
	r, root, files := startReceiver(t)
	outside := t.TempDir()
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "link")))

	tx, err := NewTransmitter(r.Addr().String())
	require.NoError(t, err)
	_, err = tx.Send(context.Background(), Job{LocalPath: localFile(t, []byte("contained")), RelPath: "link/file.txt"})
	require.NoError(t, err)

	waitFile(t, files)
	assert.NoFileExists(t, filepath.Join(outside, "file.txt"), "write escaped the receive root")
}
