package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/openmined/dirsync/internal/config"
	"github.com/openmined/dirsync/internal/logging"
	"github.com/openmined/dirsync/internal/version"
)

const envPrefix = "DIRSYNC"

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "dirsync",
		Short:         "Mirror a directory into another, keeping what it replaces",
		Version:       version.Detailed(),
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringP("config", "c", config.DefaultConfigPath, "dirsync config file")
	rootCmd.PersistentFlags().String("state-dir", config.DefaultStateDir, "Directory for logs, locks and history")
	rootCmd.PersistentFlags().String("log-level", config.DefaultLogLevel, "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(
		newRunCmd(),
		newPollCmd(),
		newWatchCmd(),
		newReceiveCmd(),
		newHistoryCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Failed to load .env: %v\n", err)
	}

	// console only until a command knows where its log file goes
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      slog.LevelInfo,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		slog.Error("dirsync", "error", err)
		os.Exit(1)
	}
}

// configDefaults lists every config key with its default. Flags use the same
// names with dashes.
func configDefaults(c *config.Config) map[string]any {
	return map[string]any{
		"source":           c.Source,
		"destination":      c.Destination,
		"backup":           c.Backup,
		"interval":         c.Interval,
		"debounce":         c.Debounce,
		"watch_backend":    c.WatchBackend,
		"compare":          c.CompareMode,
		"keep_extraneous":  c.KeepExtraneous,
		"ignore":           c.Ignore,
		"copy_workers":     c.CopyWorkers,
		"peer":             c.Peer,
		"framing":          c.Framing,
		"transfer_workers": c.TransferWorkers,
		"dial_timeout":     c.DialTimeout,
		"io_timeout":       c.IOTimeout,
		"state_dir":        c.StateDir,
		"log_file":         c.LogFile,
		"log_level":        c.LogLevel,
		"memory_lines":     c.MemoryLines,
		"history":          c.History,
		"history_keep":     c.HistoryKeep,
		"http_addr":        c.HTTPAddr,
		"http_token":       c.HTTPToken,
	}
}

// loadConfig layers flags over DIRSYNC_* env over the config file over
// defaults. The result is not validated.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v := viper.New()
	cfg := config.Default()

	for key, value := range configDefaults(cfg) {
		v.SetDefault(key, value)
		if flag := cmd.Flag(strings.ReplaceAll(key, "_", "-")); flag != nil {
			if err := v.BindPFlag(key, flag); err != nil {
				return nil, err
			}
		}
	}

	configPath := config.DefaultConfigPath
	if flag := cmd.Flag("config"); flag != nil && flag.Value.String() != "" {
		configPath = flag.Value.String()
	}
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		_, ok := err.(viper.ConfigFileNotFoundError)
		if !enoent && !ok {
			return nil, fmt.Errorf("config read '%s': %w", configPath, err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config decode: %w", err)
	}
	cfg.Path = configPath
	return cfg, nil
}

// setupLogging replaces the console-only logger with the file, memory and
// console handlers
func setupLogging(cmd *cobra.Command, cfg *config.Config) (*logging.Sinks, error) {
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	return logging.Setup(logging.Options{
		FilePath:    cfg.LogFile,
		Level:       level,
		Console:     cmd.ErrOrStderr(),
		MemoryLines: cfg.MemoryLines,
	})
}
