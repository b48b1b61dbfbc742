// Package config holds the validated settings of one dirsync process
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openmined/dirsync/internal/dirsync"
	"github.com/openmined/dirsync/internal/transfer"
	"github.com/openmined/dirsync/internal/utils"
	"gopkg.in/yaml.v3"
)

var (
	home, _           = os.UserHomeDir()
	DefaultStateDir   = filepath.Join(home, ".dirsync")
	DefaultConfigPath = filepath.Join(DefaultStateDir, "config.yaml")
)

const (
	DefaultInterval        = 30 * time.Second
	DefaultLogFileName     = "sync_log.txt"
	DefaultMemoryLines     = 1000
	DefaultLogLevel        = "info"
	DefaultHistoryKeep     = 500
	MinWorkers, MaxWorkers = 1, 64
)

// Config mirrors the config file, environment and flags. Keys are the same
// in all three (env vars are upper-cased and prefixed with DIRSYNC_).
type Config struct {
	Source      string `mapstructure:"source" yaml:"source"`
	Destination string `mapstructure:"destination" yaml:"destination"`
	Backup      string `mapstructure:"backup" yaml:"backup,omitempty"`

	Interval       time.Duration `mapstructure:"interval" yaml:"interval"`
	Debounce       time.Duration `mapstructure:"debounce" yaml:"debounce"`
	WatchBackend   string        `mapstructure:"watch_backend" yaml:"watch_backend"`
	CompareMode    string        `mapstructure:"compare" yaml:"compare"`
	KeepExtraneous bool          `mapstructure:"keep_extraneous" yaml:"keep_extraneous"`
	Ignore         []string      `mapstructure:"ignore" yaml:"ignore,omitempty"`
	CopyWorkers    int           `mapstructure:"copy_workers" yaml:"copy_workers"`

	Peer            string        `mapstructure:"peer" yaml:"peer,omitempty"`
	Framing         string        `mapstructure:"framing" yaml:"framing"`
	TransferWorkers int           `mapstructure:"transfer_workers" yaml:"transfer_workers"`
	DialTimeout     time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	IOTimeout       time.Duration `mapstructure:"io_timeout" yaml:"io_timeout"`

	StateDir    string `mapstructure:"state_dir" yaml:"state_dir"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file,omitempty"`
	LogLevel    string `mapstructure:"log_level" yaml:"log_level"`
	MemoryLines int    `mapstructure:"memory_lines" yaml:"memory_lines"`
	History     bool   `mapstructure:"history" yaml:"history"`
	HistoryKeep int    `mapstructure:"history_keep" yaml:"history_keep"`

	HTTPAddr  string `mapstructure:"http_addr" yaml:"http_addr,omitempty"`
	HTTPToken string `mapstructure:"http_token" yaml:"-"`

	Path string `mapstructure:"-" yaml:"-"`
}

// Default returns a config with every optional field populated
func Default() *Config {
	return &Config{
		Interval:        DefaultInterval,
		Debounce:        dirsync.DefaultDebounce,
		WatchBackend:    dirsync.BackendNotify,
		CompareMode:     string(dirsync.CompareContent),
		CopyWorkers:     dirsync.DefaultCopyWorkers,
		Framing:         string(transfer.FramingFramed),
		TransferWorkers: transfer.DefaultWorkers,
		DialTimeout:     transfer.DefaultDialTimeout,
		IOTimeout:       transfer.DefaultIOTimeout,
		StateDir:        DefaultStateDir,
		LogLevel:        DefaultLogLevel,
		MemoryLines:     DefaultMemoryLines,
		History:         true,
		HistoryKeep:     DefaultHistoryKeep,
		Path:            DefaultConfigPath,
	}
}

// Validate normalizes paths and checks ranges. It collects every problem
// instead of stopping at the first.
func (c *Config) Validate() error {
	var errs []error

	if c.Source == "" {
		errs = append(errs, errors.New("source is required"))
	}
	if c.Destination == "" {
		errs = append(errs, errors.New("destination is required"))
	}
	for _, p := range []*string{&c.Source, &c.Destination, &c.Backup, &c.StateDir, &c.LogFile, &c.Path} {
		if *p == "" {
			continue
		}
		resolved, err := utils.ResolvePath(*p)
		if err != nil {
			errs = append(errs, fmt.Errorf("path %q: %w", *p, err))
			continue
		}
		*p = resolved
	}
	if c.StateDir == "" {
		c.StateDir = DefaultStateDir
	}
	if c.LogFile == "" {
		c.LogFile = filepath.Join(c.StateDir, DefaultLogFileName)
	}

	if err := dirsync.ValidateInterval(c.Interval); err != nil {
		errs = append(errs, err)
	}
	if c.Debounce < dirsync.MinDebounce || c.Debounce > dirsync.MaxDebounce {
		errs = append(errs, fmt.Errorf("debounce %s not within [%s, %s]", c.Debounce, dirsync.MinDebounce, dirsync.MaxDebounce))
	}
	if c.CopyWorkers < MinWorkers || c.CopyWorkers > MaxWorkers {
		errs = append(errs, fmt.Errorf("copy workers %d not within [%d, %d]", c.CopyWorkers, MinWorkers, MaxWorkers))
	}
	if c.TransferWorkers < MinWorkers || c.TransferWorkers > MaxWorkers {
		errs = append(errs, fmt.Errorf("transfer workers %d not within [%d, %d]", c.TransferWorkers, MinWorkers, MaxWorkers))
	}

	c.WatchBackend = strings.ToLower(c.WatchBackend)
	if c.WatchBackend != dirsync.BackendNotify && c.WatchBackend != dirsync.BackendFsnotify {
		errs = append(errs, fmt.Errorf("unknown watch backend %q", c.WatchBackend))
	}
	if mode, err := dirsync.ParseCompareMode(c.CompareMode); err != nil {
		errs = append(errs, err)
	} else {
		c.CompareMode = string(mode)
	}
	if framing, err := transfer.ParseFraming(c.Framing); err != nil {
		errs = append(errs, err)
	} else {
		c.Framing = string(framing)
	}
	if c.Peer != "" {
		peer, err := transfer.NormalizePeer(c.Peer)
		if err != nil {
			errs = append(errs, err)
		} else {
			c.Peer = peer
		}
	}
	if c.MemoryLines <= 0 {
		c.MemoryLines = DefaultMemoryLines
	}
	if c.HTTPAddr != "" && c.HTTPToken == "" {
		errs = append(errs, errors.New("http token is required when the control plane is enabled"))
	}

	return errors.Join(errs...)
}

// Pair builds the sync pair described by the config
func (c *Config) Pair() (dirsync.SyncPair, error) {
	return dirsync.NewSyncPair(c.Source, c.Destination, c.Backup)
}

func (c *Config) HistoryPath() string {
	return filepath.Join(c.StateDir, "history.db")
}

// Save writes the config as YAML. The control plane token is never persisted.
func (c *Config) Save(path string) error {
	if err := utils.EnsureParent(path); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Load reads a YAML config file on top of the defaults
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Path = path
	return cfg, nil
}
