package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/evolset/internal/cron"
	"github.com/loykin/evolset/internal/logger"
	"github.com/loykin/evolset/internal/record"
	"github.com/loykin/evolset/internal/seed"
	"github.com/loykin/evolset/internal/supervisor"
)

// EnvPrefix prefixes environment overrides: store.path is EVOLSET_STORE_PATH.
const EnvPrefix = "EVOLSET"

// Config represents the top-level TOML structure.
type Config struct {
	Env      []string       `mapstructure:"env"`
	EnvFiles []string       `mapstructure:"env_files"`
	UseOSEnv bool           `mapstructure:"use_os_env"`
	Store    StoreConfig    `mapstructure:"store"`
	Seed     SeedConfig     `mapstructure:"seed"`
	Tasks    []TaskConfig   `mapstructure:"tasks"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Handoff  HandoffConfig  `mapstructure:"handoff"`
	Log      logger.Config  `mapstructure:"log"`
	History  HistoryConfig  `mapstructure:"history"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Server   ServerConfig   `mapstructure:"server"`
}

type StoreConfig struct {
	Path              string `mapstructure:"path"`
	SaveCountInterval int    `mapstructure:"save_count_interval"`
	// SaveTimeInterval is in seconds; fractions are allowed.
	SaveTimeInterval float64  `mapstructure:"save_time_interval"`
	Resume           bool     `mapstructure:"resume"`
	Mirrors          []string `mapstructure:"mirrors"`
	// FlushSchedule is a cron expression ("@every 30s", "*/5 * * * *")
	// evaluating the checkpoint policy while the store is idle.
	FlushSchedule string `mapstructure:"flush_schedule"`
}

// SaveTime returns the time interval as a duration.
func (s StoreConfig) SaveTime() time.Duration {
	return time.Duration(s.SaveTimeInterval * float64(time.Second))
}

type SeedConfig struct {
	Path   string `mapstructure:"path"`
	Format string `mapstructure:"format"`
}

// TaskConfig is one background task. Log overrides the top-level
// log.file rotation for this task only.
type TaskConfig struct {
	Name            string             `mapstructure:"name"`
	Command         string             `mapstructure:"command"`
	Args            []string           `mapstructure:"args"`
	WorkDir         string             `mapstructure:"workdir"`
	Env             []string           `mapstructure:"env"`
	TolerateFailure bool               `mapstructure:"tolerate_failure"`
	Log             *logger.FileConfig `mapstructure:"log"`
}

type PipelineConfig struct {
	FailFast bool          `mapstructure:"fail_fast"`
	KillWait time.Duration `mapstructure:"kill_wait"`
}

// HandoffConfig names the downstream command run after a successful flush.
// "{output}" in Args is replaced with the persisted path. An empty Command
// logs a summary instead.
type HandoffConfig struct {
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
	WorkDir string   `mapstructure:"workdir"`
}

type HistoryConfig struct {
	DSNs []string `mapstructure:"dsns"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type ServerConfig struct {
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("use_os_env", true)
	v.SetDefault("store.path", "dataset.json")
	v.SetDefault("store.save_count_interval", record.DefaultSaveCountInterval)
	v.SetDefault("store.save_time_interval", record.DefaultSaveTimeInterval.Seconds())
	v.SetDefault("store.resume", false)
	v.SetDefault("store.flush_schedule", "")
	v.SetDefault("seed.path", "")
	v.SetDefault("seed.format", "")
	v.SetDefault("pipeline.fail_fast", true)
	v.SetDefault("pipeline.kill_wait", "5s")
	v.SetDefault("handoff.command", "")
	v.SetDefault("log.slog.level", logger.LevelInfo)
	v.SetDefault("log.slog.format", logger.FormatText)
	v.SetDefault("log.slog.color", false)
	v.SetDefault("log.slog.timestamps", true)
	v.SetDefault("log.slog.path", "")
	v.SetDefault("log.file.dir", "")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("server.listen", "")
	v.SetDefault("server.base_path", "/api")
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Load reads the TOML file at path, applies defaults and EVOLSET_*
// environment overrides, and validates the result. An empty path yields the
// defaults plus environment.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks every section; the error names the offending key.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Store.Path) == "" {
		errs = append(errs, errors.New("store.path is required"))
	}
	if c.Store.SaveTimeInterval < 0 {
		errs = append(errs, fmt.Errorf("store.save_time_interval must be >= 0, got %v", c.Store.SaveTimeInterval))
	}
	if c.Store.FlushSchedule != "" {
		if err := cron.ValidateSchedule(c.Store.FlushSchedule); err != nil {
			errs = append(errs, fmt.Errorf("store.flush_schedule: %w", err))
		}
	}
	if c.Seed.Format != "" {
		switch seed.Format(c.Seed.Format) {
		case seed.FormatJSON, seed.FormatJSONL, seed.FormatYAML:
		default:
			errs = append(errs, fmt.Errorf("seed.format %q is not one of json, jsonl, yaml", c.Seed.Format))
		}
	} else if c.Seed.Path != "" {
		if _, err := seed.DetectFormat(c.Seed.Path); err != nil {
			errs = append(errs, fmt.Errorf("seed.path: %w", err))
		}
	}
	seen := make(map[string]int, len(c.Tasks))
	for i, t := range c.Tasks {
		if strings.TrimSpace(t.Command) == "" {
			errs = append(errs, fmt.Errorf("tasks[%d].command is required", i))
			continue
		}
		name := t.spec().Name
		if j, dup := seen[name]; dup {
			errs = append(errs, fmt.Errorf("tasks[%d].name %q duplicates tasks[%d]", i, name, j))
		}
		seen[name] = i
	}
	if c.Pipeline.KillWait < 0 {
		errs = append(errs, fmt.Errorf("pipeline.kill_wait must be >= 0, got %s", c.Pipeline.KillWait))
	}
	if c.Server.Listen != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		errs = append(errs, fmt.Errorf("server.base_path must start with '/', got %q", c.Server.BasePath))
	}
	return errors.Join(errs...)
}

func (t TaskConfig) spec() supervisor.Spec {
	s := supervisor.Spec{
		Name:            t.Name,
		Command:         t.Command,
		Args:            t.Args,
		WorkDir:         t.WorkDir,
		Env:             t.Env,
		TolerateFailure: t.TolerateFailure,
	}
	_ = s.Validate()
	return s
}

// TaskSpecs converts the tasks to supervisor specs. Task output goes under
// log.file.dir unless the task overrides its own log settings.
func (c *Config) TaskSpecs() []supervisor.Spec {
	out := make([]supervisor.Spec, 0, len(c.Tasks))
	for _, t := range c.Tasks {
		s := t.spec()
		fc := logger.FileConfig{
			Dir:        c.Log.File.Dir,
			MaxSizeMB:  c.Log.File.MaxSizeMB,
			MaxBackups: c.Log.File.MaxBackups,
			MaxAgeDays: c.Log.File.MaxAgeDays,
			Compress:   c.Log.File.Compress,
		}
		if o := t.Log; o != nil {
			if o.Dir != "" {
				fc.Dir = o.Dir
			}
			fc.StdoutPath = o.StdoutPath
			fc.StderrPath = o.StderrPath
			if o.MaxSizeMB != 0 {
				fc.MaxSizeMB = o.MaxSizeMB
			}
			if o.MaxBackups != 0 {
				fc.MaxBackups = o.MaxBackups
			}
			if o.MaxAgeDays != 0 {
				fc.MaxAgeDays = o.MaxAgeDays
			}
			if o.Compress {
				fc.Compress = true
			}
		}
		s.Log = logger.Config{File: fc}
		out = append(out, s)
	}
	return out
}

// SeedSource returns the configured seed, or nil when none is set.
func (c *Config) SeedSource() seed.Source {
	if c.Seed.Path == "" {
		return nil
	}
	return seed.File{Path: c.Seed.Path, Format: seed.Format(c.Seed.Format)}
}
