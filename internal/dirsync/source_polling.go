package dirsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	MinInterval = time.Second
	MaxInterval = 24 * time.Hour
)

// PollingSource triggers a full-tree diff on a fixed cadence. The next tick
// is scheduled only after the previous one is handed over, so slow passes
// never cause ticks to pile up.
type PollingSource struct {
	differ *Differ

	mu       sync.Mutex
	interval time.Duration

	triggers  chan Trigger
	reset     chan struct{}
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewPollingSource(differ *Differ, interval time.Duration) (*PollingSource, error) {
	if err := ValidateInterval(interval); err != nil {
		return nil, err
	}
	return newPollingSource(differ, interval), nil
}

func newPollingSource(differ *Differ, interval time.Duration) *PollingSource {
	return &PollingSource{
		differ:   differ,
		interval: interval,
		triggers: make(chan Trigger, 1),
		reset:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func ValidateInterval(d time.Duration) error {
	if d < MinInterval || d > MaxInterval {
		return fmt.Errorf("%w: %s not within [%s, %s]", ErrInvalidInterval, d, MinInterval, MaxInterval)
	}
	return nil
}

func (p *PollingSource) Mode() string {
	return "poll"
}

func (p *PollingSource) Start(ctx context.Context) error {
	slog.Info("polling start", "source", p.differ.Pair().SourceRoot, "interval", p.Interval())
	offer(p.triggers, newTrigger(TriggerStartup))

	p.wg.Add(1)
	go p.loop(ctx)
	return nil
}

func (p *PollingSource) loop(ctx context.Context) {
	defer p.wg.Done()

	timer := time.NewTimer(p.Interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case <-p.reset:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(p.Interval())
		case <-timer.C:
			offer(p.triggers, newTrigger(TriggerTick))
			timer.Reset(p.Interval())
		}
	}
}

func (p *PollingSource) Triggers() <-chan Trigger {
	return p.triggers
}

func (p *PollingSource) Scan(ctx context.Context) ([]Change, error) {
	return p.differ.Diff(ctx)
}

func (p *PollingSource) Interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interval
}

// SetInterval applies from the next scheduled tick; a pass in progress is
// not affected
func (p *PollingSource) SetInterval(d time.Duration) error {
	if err := ValidateInterval(d); err != nil {
		return err
	}
	p.mu.Lock()
	p.interval = d
	p.mu.Unlock()

	select {
	case p.reset <- struct{}{}:
	default:
	}
	slog.Info("polling interval changed", "interval", d)
	return nil
}

func (p *PollingSource) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
		p.wg.Wait()
		slog.Info("polling stopped")
	})
	return nil
}
