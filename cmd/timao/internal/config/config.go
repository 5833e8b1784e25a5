// Package config defines the timao server configuration loaded from YAML.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/jsontime"
)

// Window cadence bounds. Values outside this range are rejected so a
// misconfigured server cannot flood the model or starve the host of advice.
const (
	MinWindowEvery = 30 * time.Second
	MaxWindowEvery = 60 * time.Second
)

// LogLevel is the server log verbosity.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// IsValid reports whether the level is one of the known values.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	}
	return false
}

// Slog maps the level onto the slog scale.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the top-level server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Analysis AnalysisConfig `yaml:"analysis"`
	Storage  StorageConfig  `yaml:"storage"`
	Persona  PersonaConfig  `yaml:"persona"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	ListenAddr string   `yaml:"listen_addr"`
	LogLevel   LogLevel `yaml:"log_level"`
}

// AnalysisConfig controls the workflow engine.
type AnalysisConfig struct {
	// Model names the generation model, as configured in ModelsDir.
	Model string `yaml:"model"`
	// ModelsDir holds per-provider model config files. Empty means
	// ~/.timao/models.
	ModelsDir string `yaml:"models_dir"`
	// WindowEvery is the default analysis cadence for new sessions.
	WindowEvery jsontime.Duration `yaml:"window_every"`
	// RunTimeout bounds one full workflow run.
	RunTimeout jsontime.Duration `yaml:"run_timeout"`
	// GenerateTimeout bounds the model call inside a run.
	GenerateTimeout jsontime.Duration `yaml:"generate_timeout"`
	// TopSignals caps how many chat signals a window carries into a run.
	TopSignals int `yaml:"top_signals"`
	// Sequential disables the concurrent stage groups inside a run.
	Sequential bool `yaml:"sequential"`
}

// PersonaConfig controls persona memory.
type PersonaConfig struct {
	// NoteCap bounds highlight and setback notes per entity. Zero means
	// the built-in default.
	NoteCap int `yaml:"note_cap"`
}

// StorageConfig controls persistence.
type StorageConfig struct {
	// DataDir holds the persona database. Empty means ~/.timao/data.
	DataDir string        `yaml:"data_dir"`
	Archive ArchiveConfig `yaml:"archive"`
}

// ArchiveConfig controls where finished analysis windows are archived.
type ArchiveConfig struct {
	// Kind selects the sink: "none", "local" or "s3".
	Kind string `yaml:"kind"`
	// Dir is the local archive root. Empty means ~/.timao/archive.
	Dir string   `yaml:"dir"`
	S3  S3Config `yaml:"s3"`
}

// S3Config points the archive at an S3 compatible object store.
// Credentials come from the standard AWS environment variables.
type S3Config struct {
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

// Default returns a config with built-in defaults applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8300",
			LogLevel:   LogLevelInfo,
		},
		Analysis: AnalysisConfig{
			WindowEvery:     jsontime.Duration(45 * time.Second),
			RunTimeout:      jsontime.Duration(60 * time.Second),
			GenerateTimeout: jsontime.Duration(30 * time.Second),
			TopSignals:      5,
		},
		Storage: StorageConfig{
			Archive: ArchiveConfig{Kind: "local"},
		},
	}
}

// Load reads and validates a config file. A missing file yields the
// defaults, so a fresh install can start without any setup.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			if err := cfg.Validate(); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()
	return LoadFromReader(f)
}

// LoadFromReader parses and validates a config document.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration and returns all problems at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr must not be empty"))
	}
	if c.Server.LogLevel != "" && !c.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is not one of debug, info, warn, error", c.Server.LogLevel))
	}

	if every := c.Analysis.WindowEvery.Duration(); every != 0 {
		if every < MinWindowEvery || every > MaxWindowEvery {
			errs = append(errs, fmt.Errorf("analysis.window_every %s outside [%s, %s]", every, MinWindowEvery, MaxWindowEvery))
		}
	}
	if c.Analysis.RunTimeout.Duration() < 0 {
		errs = append(errs, errors.New("analysis.run_timeout must not be negative"))
	}
	if c.Analysis.GenerateTimeout.Duration() < 0 {
		errs = append(errs, errors.New("analysis.generate_timeout must not be negative"))
	}
	if rt, gt := c.Analysis.RunTimeout.Duration(), c.Analysis.GenerateTimeout.Duration(); rt > 0 && gt > rt {
		slog.Warn("generate_timeout exceeds run_timeout, runs will be cut short",
			"run_timeout", rt, "generate_timeout", gt)
	}
	if c.Analysis.TopSignals < 0 {
		errs = append(errs, errors.New("analysis.top_signals must not be negative"))
	}

	switch c.Storage.Archive.Kind {
	case "", "none", "local":
	case "s3":
		if c.Storage.Archive.S3.Bucket == "" {
			errs = append(errs, errors.New("storage.archive.s3.bucket required for s3 archive"))
		}
		if c.Storage.Archive.S3.Region == "" && c.Storage.Archive.S3.Endpoint == "" {
			errs = append(errs, errors.New("storage.archive.s3 needs a region or an endpoint"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.archive.kind %q is not one of none, local, s3", c.Storage.Archive.Kind))
	}

	if c.Persona.NoteCap < 0 {
		errs = append(errs, errors.New("persona.note_cap must not be negative"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}
