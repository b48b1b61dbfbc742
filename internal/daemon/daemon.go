// Package daemon assembles one sync pair from a validated config and runs it
// either as a single pass or as a long-lived session.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/openmined/dirsync/internal/config"
	"github.com/openmined/dirsync/internal/controlplane"
	"github.com/openmined/dirsync/internal/dirsync"
	"github.com/openmined/dirsync/internal/history"
	"github.com/openmined/dirsync/internal/transfer"
)

const shutdownTimeout = 10 * time.Second

type Mode string

const (
	ModePoll  Mode = "poll"
	ModeWatch Mode = "watch"
)

var ErrPassFailed = errors.New("pass failed")

type Daemon struct {
	cfg    *config.Config
	pair   dirsync.SyncPair
	lock   *dirsync.PairLock
	hist   *history.History
	tx     *transfer.Transmitter
	differ *dirsync.Differ
	engine *dirsync.Engine
	logs   controlplane.LogSource
}

// New locks the pair and opens everything a pass needs. The caller must
// Close the daemon.
func New(cfg *config.Config, logs controlplane.LogSource) (_ *Daemon, err error) {
	pair, err := cfg.Pair()
	if err != nil {
		return nil, err
	}

	d := &Daemon{cfg: cfg, pair: pair, logs: logs}
	defer func() {
		if err != nil {
			d.Close()
		}
	}()

	lock := dirsync.NewPairLock(cfg.StateDir, pair)
	if err := lock.Lock(); err != nil {
		return nil, fmt.Errorf("%s: %w", pair.DestinationRoot, err)
	}
	d.lock = lock

	if cfg.History {
		hist := history.New(cfg.HistoryPath())
		if err := hist.Open(); err != nil {
			return nil, err
		}
		d.hist = hist
	}

	if cfg.Peer != "" {
		tx, err := transfer.NewTransmitter(cfg.Peer,
			transfer.WithFraming(transfer.Framing(cfg.Framing)),
			transfer.WithWorkers(cfg.TransferWorkers),
			transfer.WithDialTimeout(cfg.DialTimeout),
			transfer.WithIOTimeout(cfg.IOTimeout),
		)
		if err != nil {
			return nil, fmt.Errorf("transmitter: %w", err)
		}
		tx.Start()
		d.tx = tx
	}

	mode, err := dirsync.ParseCompareMode(cfg.CompareMode)
	if err != nil {
		return nil, err
	}
	fsys := afero.NewOsFs()

	var differOpts []dirsync.DifferOption
	if cfg.KeepExtraneous {
		differOpts = append(differOpts, dirsync.WithoutDeletions())
	}
	d.differ = dirsync.NewDiffer(pair, fsys,
		dirsync.NewComparator(fsys, mode),
		dirsync.NewIgnoreList(pair.SourceRoot, cfg.Ignore...),
		differOpts...,
	)

	engineOpts := []dirsync.EngineOption{dirsync.WithCopyWorkers(cfg.CopyWorkers)}
	if d.tx != nil {
		engineOpts = append(engineOpts, dirsync.WithTransmitter(d.tx))
	}
	if d.hist != nil {
		engineOpts = append(engineOpts, dirsync.WithRecorder(d.hist))
	}
	d.engine = dirsync.NewEngine(pair, fsys, engineOpts...)

	return d, nil
}

func (d *Daemon) Pair() dirsync.SyncPair {
	return d.pair
}

// RunOnce performs a single pass and waits for its transfers to drain
func (d *Daemon) RunOnce(ctx context.Context) (*dirsync.PassResult, error) {
	res := d.engine.RunPass(ctx, d.differ, dirsync.Trigger{Reason: dirsync.TriggerManual, At: time.Now()})
	d.afterPass(res)

	if d.tx != nil {
		d.tx.Close()
	}
	switch res.State {
	case dirsync.StateFailed:
		return res, fmt.Errorf("%w: %v", ErrPassFailed, res.Err)
	case dirsync.StateStopped:
		return res, res.Err
	}
	return res, nil
}

// Run keeps the pair in sync until ctx is done or the session is stopped
// through the control plane
func (d *Daemon) Run(ctx context.Context, mode Mode) error {
	source, err := d.newSource(mode)
	if err != nil {
		return err
	}

	sessionOpts := []dirsync.SessionOption{dirsync.WithPassHook(d.afterPass)}
	if d.tx != nil {
		sessionOpts = append(sessionOpts, dirsync.WithCloser(d.tx))
	}
	session := dirsync.NewSession(d.engine, source, sessionOpts...)

	var cps *controlplane.Server
	if d.cfg.HTTPAddr != "" {
		var hist controlplane.HistorySource
		if d.hist != nil {
			hist = d.hist
		}
		cps, err = controlplane.NewServer(&controlplane.Config{
			Addr:  d.cfg.HTTPAddr,
			Token: d.cfg.HTTPToken,
		}, session, d.logs, hist)
		if err != nil {
			return err
		}
		if err := cps.Listen(); err != nil {
			return err
		}
	}

	slog.Info("daemon start", "mode", mode, "pair", d.pair.String())
	eg, egCtx := errgroup.WithContext(ctx)

	if err := session.Start(egCtx); err != nil {
		if cps != nil {
			cps.Stop(context.Background())
		}
		return err
	}

	if cps != nil {
		eg.Go(func() error {
			return cps.Start(egCtx)
		})
	}

	eg.Go(func() error {
		select {
		case <-egCtx.Done():
			slog.Info("received interrupt signal, stopping daemon")
		case <-session.Done():
			slog.Info("session stopped remotely, stopping daemon")
		}

		err := session.Stop()
		if cps != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if stopErr := cps.Stop(shutdownCtx); stopErr != nil {
				err = errors.Join(err, fmt.Errorf("failed to stop control plane: %w", stopErr))
			}
		}
		return err
	})

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("daemon failure", "error", err)
		return err
	}

	slog.Info("daemon stopped")
	return nil
}

func (d *Daemon) newSource(mode Mode) (dirsync.ChangeSource, error) {
	switch mode {
	case ModePoll:
		return dirsync.NewPollingSource(d.differ, d.cfg.Interval)
	case ModeWatch:
		return dirsync.NewWatchSource(d.differ,
			dirsync.WithDebounce(d.cfg.Debounce),
			dirsync.WithWatchBackend(d.cfg.WatchBackend),
		)
	}
	return nil, fmt.Errorf("unknown mode %q", mode)
}

func (d *Daemon) afterPass(res *dirsync.PassResult) {
	if d.hist == nil || d.cfg.HistoryKeep <= 0 {
		return
	}
	if n, err := d.hist.Prune(d.cfg.HistoryKeep); err != nil {
		slog.Warn("history prune", "error", err)
	} else if n > 0 {
		slog.Debug("history pruned", "passes", n, "last", res.ID)
	}
}

// Close releases the transmitter, history and pair lock
func (d *Daemon) Close() error {
	var errs []error
	if d.tx != nil {
		errs = append(errs, d.tx.Close())
	}
	if d.hist != nil {
		errs = append(errs, d.hist.Close())
		d.hist = nil
	}
	if d.lock != nil {
		errs = append(errs, d.lock.Unlock())
		d.lock = nil
	}
	return errors.Join(errs...)
}
