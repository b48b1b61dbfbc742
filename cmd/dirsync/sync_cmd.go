package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/openmined/dirsync/internal/config"
	"github.com/openmined/dirsync/internal/daemon"
	"github.com/openmined/dirsync/internal/dirsync"
	"github.com/openmined/dirsync/internal/transfer"
	"github.com/openmined/dirsync/internal/version"
)

func addPairFlags(cmd *cobra.Command) {
	d := config.Default()
	f := cmd.Flags()
	f.SortFlags = false
	f.StringP("source", "s", "", "Directory to mirror")
	f.StringP("destination", "d", "", "Mirror directory")
	f.StringP("backup", "b", "", "Directory receiving replaced and removed entries")
	f.String("compare", d.CompareMode, "File comparison (content, metadata)")
	f.Bool("keep-extraneous", d.KeepExtraneous, "Keep destination entries that are not in the source")
	f.StringSlice("ignore", nil, "Extra gitignore patterns")
	f.Int("copy-workers", d.CopyWorkers, "Concurrent file copies per pass")
	f.String("peer", "", fmt.Sprintf("Replicate copied files to host[:port] (default port %d)", transfer.DefaultPort))
	f.String("framing", d.Framing, "Peer wire format (framed, raw)")
	f.Int("transfer-workers", d.TransferWorkers, "Concurrent peer connections")
	f.String("log-file", "", "Log file (default <state-dir>/sync_log.txt)")
	f.Bool("history", d.History, "Record passes in the history database")
}

func addControlPlaneFlags(cmd *cobra.Command) {
	cmd.Flags().String("http-addr", "", "Serve the control plane on this address")
	cmd.Flags().String("http-token", "", "Bearer token for the control plane")
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a single sync pass",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, closeLogs, err := prepareDaemon(cmd)
			if err != nil {
				return err
			}
			defer closeLogs()
			defer d.Close()

			res, err := d.RunOnce(cmd.Context())
			printSummary(cmd, res)
			return err
		},
	}
	addPairFlags(cmd)
	return cmd
}

func newPollCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Sync on a fixed interval",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, daemon.ModePoll)
		},
	}
	addPairFlags(cmd)
	cmd.Flags().DurationP("interval", "i", config.DefaultInterval,
		fmt.Sprintf("Time between passes (%s to %s)", dirsync.MinInterval, dirsync.MaxInterval))
	addControlPlaneFlags(cmd)
	return cmd
}

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Sync whenever the source changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, daemon.ModeWatch)
		},
	}
	addPairFlags(cmd)
	cmd.Flags().Duration("debounce", dirsync.DefaultDebounce, "Quiet period before a pass")
	cmd.Flags().String("watch-backend", dirsync.BackendNotify, "Event backend (notify, fsnotify)")
	addControlPlaneFlags(cmd)
	return cmd
}

// prepareDaemon returns the daemon and a func closing the log file, to be
// deferred before the daemon's own Close
func prepareDaemon(cmd *cobra.Command) (*daemon.Daemon, func(), error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	cmd.SilenceUsage = true

	sinks, err := setupLogging(cmd, cfg)
	if err != nil {
		return nil, nil, err
	}
	closeLogs := func() { sinks.Close() }

	slog.Info("dirsync", "version", version.ShortWithApp(), "config", cfg.Path, "log", cfg.LogFile)
	d, err := daemon.New(cfg, sinks.Memory)
	if err != nil {
		closeLogs()
		return nil, nil, err
	}
	return d, closeLogs, nil
}

func runDaemon(cmd *cobra.Command, mode daemon.Mode) error {
	d, closeLogs, err := prepareDaemon(cmd)
	if err != nil {
		return err
	}
	defer closeLogs()
	defer d.Close()

	defer slog.Info("Bye!")
	return d.Run(cmd.Context(), mode)
}

func printSummary(cmd *cobra.Command, res *dirsync.PassResult) {
	if res == nil {
		return
	}
	sum := res.Summary()
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %d created, %d modified, %d deleted, %d transfers, %d failures in %s\n",
		sum.State, sum.Created, sum.Modified, sum.Deleted, sum.Transfers, sum.Failures,
		res.Duration().Round(time.Millisecond))
	for _, f := range res.Failures {
		fmt.Fprintf(cmd.ErrOrStderr(), "  %s %s: %v\n", f.Kind, f.RelPath, f.Err)
	}
}
