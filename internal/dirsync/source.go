package dirsync

import (
	"context"
	"errors"
	"time"
)

var (
	ErrIntervalUnsupported = errors.New("interval is not supported by this change source")
	ErrInvalidInterval     = errors.New("invalid interval")
	ErrWatchSubscription   = errors.New("cannot subscribe to filesystem events")
)

// Trigger reasons
const (
	TriggerStartup = "startup"
	TriggerTick    = "tick"
	TriggerEvent   = "event"
	TriggerManual  = "manual"
)

// Trigger asks the session to run one pass
type Trigger struct {
	Reason string
	At     time.Time
}

func newTrigger(reason string) Trigger {
	return Trigger{Reason: reason, At: time.Now()}
}

// ChangeSource decides when a pass runs and which changes it carries
type ChangeSource interface {
	Scanner
	// Start begins producing triggers; the first one arrives promptly
	Start(ctx context.Context) error
	// Triggers is buffered with capacity one, so bursts coalesce into a
	// single queued pass
	Triggers() <-chan Trigger
	// Close stops trigger production. It is safe to call more than once.
	Close() error
	Mode() string
}

// IntervalSetter is implemented by sources whose cadence can be retuned
type IntervalSetter interface {
	SetInterval(d time.Duration) error
	Interval() time.Duration
}

// offer does a non-blocking send; a trigger already waiting covers this one
func offer(ch chan Trigger, t Trigger) bool {
	select {
	case ch <- t:
		return true
	default:
		return false
	}
}
