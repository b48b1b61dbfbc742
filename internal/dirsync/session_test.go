package dirsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type closeRecorder struct {
	name string
	log  *[]string
}

func (c *closeRecorder) Close() error {
	*c.log = append(*c.log, c.name)
	return nil
}

func newTestSession(t *testing.T, pair SyncPair, source ChangeSource, passes chan *PassResult, opts ...SessionOption) *Session {
	t.Helper()
	engine := NewEngine(pair, afero.NewOsFs())
	opts = append(opts, WithPassHook(func(res *PassResult) {
		select {
		case passes <- res:
		default:
		}
	}))
	return NewSession(engine, source, opts...)
}

func waitPass(t *testing.T, passes <-chan *PassResult) *PassResult {
	t.Helper()
	select {
	case res := <-passes:
		return res
	case <-time.After(5 * time.Second):
		require.FailNow(t, "timeout waiting for pass")
	}
	return nil
}

func TestSessionPollingLifecycle(t *testing.T) {
	pair := newTestPair(t, true)
	writeFile(t, pair.SourceRoot, "a.txt", "a")

	passes := make(chan *PassResult, 8)
	source := newPollingSource(newTestDiffer(pair), time.Hour)
	s := newTestSession(t, pair, source, passes)
	require.NoError(t, s.Start(context.Background()))

	first := waitPass(t, passes)
	assert.Equal(t, TriggerStartup, first.Trigger)
	assert.Equal(t, StateCompleted, first.State)
	assert.Equal(t, "a", readFile(t, pair.DestinationRoot, "a.txt"))

	writeFile(t, pair.SourceRoot, "b.txt", "b")
	require.NoError(t, s.StartPass())
	second := waitPass(t, passes)
	assert.Equal(t, TriggerManual, second.Trigger)
	assert.Equal(t, 1, second.Created)

	require.NoError(t, s.SetInterval(2*time.Second))
	status := s.Status()
	assert.True(t, status.Running)
	assert.Equal(t, "poll", status.Mode)
	assert.Equal(t, "2s", status.Interval)
	assert.Equal(t, 2, status.Passes)
	require.NotNil(t, status.LastPass)
	assert.Equal(t, second.ID, status.LastPass.ID)

	require.NoError(t, s.Stop())
	select {
	case <-s.Done():
	default:
		assert.Fail(t, "session not done after stop")
	}
	assert.False(t, s.Status().Running)
}

func TestSessionStoppedRejectsRequests(t *testing.T) {
	pair := newTestPair(t, false)
	s := newTestSession(t, pair, newPollingSource(newTestDiffer(pair), time.Hour), make(chan *PassResult, 4))
	require.NoError(t, s.Start(context.Background()))

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop(), "stop is idempotent")

	assert.ErrorIs(t, s.StartPass(), ErrSessionStopped)
	assert.ErrorIs(t, s.SetInterval(time.Minute), ErrSessionStopped)
	assert.ErrorIs(t, s.Start(context.Background()), ErrSessionStopped)
}

func TestSessionStartTwice(t *testing.T) {
	pair := newTestPair(t, false)
	s := newTestSession(t, pair, newPollingSource(newTestDiffer(pair), time.Hour), make(chan *PassResult, 4))
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.ErrorIs(t, s.Start(context.Background()), ErrSessionRunning)
}

func TestSessionWatchRejectsInterval(t *testing.T) {
	pair := newTestPair(t, false)
	source, err := NewWatchSource(newTestDiffer(pair), WithDebounce(50*time.Millisecond))
	require.NoError(t, err)

	passes := make(chan *PassResult, 4)
	s := newTestSession(t, pair, source, passes)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	waitPass(t, passes)
	assert.ErrorIs(t, s.SetInterval(10*time.Second), ErrIntervalUnsupported)
	assert.Empty(t, s.Status().Interval)
}

func TestSessionWatchMirrorsEdits(t *testing.T) {
	pair := newTestPair(t, true)
	writeFile(t, pair.SourceRoot, "doc.txt", "one")

	source, err := NewWatchSource(newTestDiffer(pair), WithDebounce(50*time.Millisecond))
	require.NoError(t, err)
	passes := make(chan *PassResult, 4)
	s := newTestSession(t, pair, source, passes)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	waitPass(t, passes)
	assert.Equal(t, "one", readFile(t, pair.DestinationRoot, "doc.txt"))

	writeFile(t, pair.SourceRoot, "doc.txt", "two")
	res := waitPass(t, passes)
	assert.Equal(t, TriggerEvent, res.Trigger)
	assert.Equal(t, "two", readFile(t, pair.DestinationRoot, "doc.txt"))
}

func TestSessionFailedSubscription(t *testing.T) {
	pair := newTestPair(t, false)
	source, err := NewWatchSource(newTestDiffer(pair))
	require.NoError(t, err)
	source.backend = failingBackend{}

	s := newTestSession(t, pair, source, make(chan *PassResult, 1))
	err = s.Start(context.Background())
	assert.ErrorIs(t, err, ErrWatchSubscription)
	assert.False(t, s.Status().Running)
	assert.NoError(t, s.Stop())
}

func TestSessionStopOrder(t *testing.T) {
	pair := newTestPair(t, false)
	var order []string
	source := newPollingSource(newTestDiffer(pair), time.Hour)
	s := newTestSession(t, pair, source, make(chan *PassResult, 4),
		WithCloser(&closeRecorder{name: "transmitter", log: &order}),
		WithCloser(&closeRecorder{name: "history", log: &order}),
	)
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop())

	assert.Equal(t, []string{"transmitter", "history"}, order)
}

func TestSessionParentContextCancel(t *testing.T) {
	pair := newTestPair(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	s := newTestSession(t, pair, newPollingSource(newTestDiffer(pair), time.Hour), make(chan *PassResult, 4))
	require.NoError(t, s.Start(ctx))

	cancel()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		require.FailNow(t, "loop did not exit on cancel")
	}
	assert.False(t, errors.Is(s.Stop(), context.Canceled))
}
