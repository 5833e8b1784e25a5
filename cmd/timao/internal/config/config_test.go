package config

import (
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/jsontime"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Server.ListenAddr != ":8300" {
		t.Errorf("ListenAddr = %q, want :8300", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != LogLevelInfo {
		t.Errorf("LogLevel = %q, want info", cfg.Server.LogLevel)
	}
	if got := cfg.Analysis.WindowEvery.Duration(); got != 45*time.Second {
		t.Errorf("WindowEvery = %s, want 45s", got)
	}
	if got := cfg.Analysis.RunTimeout.Duration(); got != 60*time.Second {
		t.Errorf("RunTimeout = %s, want 60s", got)
	}
	if got := cfg.Analysis.GenerateTimeout.Duration(); got != 30*time.Second {
		t.Errorf("GenerateTimeout = %s, want 30s", got)
	}
	if cfg.Analysis.TopSignals != 5 {
		t.Errorf("TopSignals = %d, want 5", cfg.Analysis.TopSignals)
	}
	if cfg.Storage.Archive.Kind != "local" {
		t.Errorf("Archive.Kind = %q, want local", cfg.Storage.Archive.Kind)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadFromReader(t *testing.T) {
	doc := `
server:
  listen_addr: ":9000"
  log_level: debug
analysis:
  model: doubao-pro
  window_every: 30s
  run_timeout: 90s
  generate_timeout: 20s
  top_signals: 3
  sequential: true
storage:
  data_dir: /var/lib/timao
  archive:
    kind: s3
    s3:
      bucket: timao-archive
      prefix: live/
      region: cn-north-1
persona:
  note_cap: 200
`
	cfg, err := LoadFromReader(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("LoadFromReader() error = %v", err)
	}
	if cfg.Server.ListenAddr != ":9000" {
		t.Errorf("ListenAddr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != LogLevelDebug {
		t.Errorf("LogLevel = %q", cfg.Server.LogLevel)
	}
	if cfg.Analysis.Model != "doubao-pro" {
		t.Errorf("Model = %q", cfg.Analysis.Model)
	}
	if got := cfg.Analysis.WindowEvery.Duration(); got != 30*time.Second {
		t.Errorf("WindowEvery = %s, want 30s", got)
	}
	if got := cfg.Analysis.RunTimeout.Duration(); got != 90*time.Second {
		t.Errorf("RunTimeout = %s, want 90s", got)
	}
	if !cfg.Analysis.Sequential {
		t.Error("Sequential should be true")
	}
	if cfg.Storage.DataDir != "/var/lib/timao" {
		t.Errorf("DataDir = %q", cfg.Storage.DataDir)
	}
	if cfg.Storage.Archive.Kind != "s3" {
		t.Errorf("Archive.Kind = %q", cfg.Storage.Archive.Kind)
	}
	if cfg.Storage.Archive.S3.Bucket != "timao-archive" {
		t.Errorf("S3.Bucket = %q", cfg.Storage.Archive.S3.Bucket)
	}
	if cfg.Persona.NoteCap != 200 {
		t.Errorf("NoteCap = %d", cfg.Persona.NoteCap)
	}
}

func TestLoadFromReader_PartialKeepsDefaults(t *testing.T) {
	doc := `
analysis:
  model: qwen-plus
`
	cfg, err := LoadFromReader(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("LoadFromReader() error = %v", err)
	}
	if cfg.Analysis.Model != "qwen-plus" {
		t.Errorf("Model = %q", cfg.Analysis.Model)
	}
	if cfg.Server.ListenAddr != ":8300" {
		t.Errorf("ListenAddr = %q, want default :8300", cfg.Server.ListenAddr)
	}
	if got := cfg.Analysis.WindowEvery.Duration(); got != 45*time.Second {
		t.Errorf("WindowEvery = %s, want default 45s", got)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.ListenAddr != ":8300" {
		t.Errorf("ListenAddr = %q, want default", cfg.Server.ListenAddr)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "empty listen addr",
			mutate:  func(c *Config) { c.Server.ListenAddr = "" },
			wantErr: "listen_addr",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Server.LogLevel = "chatty" },
			wantErr: "log_level",
		},
		{
			name:    "window too short",
			mutate:  func(c *Config) { c.Analysis.WindowEvery = jsontime.Duration(10 * time.Second) },
			wantErr: "window_every",
		},
		{
			name:    "window too long",
			mutate:  func(c *Config) { c.Analysis.WindowEvery = jsontime.Duration(5 * time.Minute) },
			wantErr: "window_every",
		},
		{
			name:    "negative top signals",
			mutate:  func(c *Config) { c.Analysis.TopSignals = -1 },
			wantErr: "top_signals",
		},
		{
			name: "s3 without bucket",
			mutate: func(c *Config) {
				c.Storage.Archive.Kind = "s3"
				c.Storage.Archive.S3.Region = "cn-north-1"
			},
			wantErr: "bucket",
		},
		{
			name: "s3 without region or endpoint",
			mutate: func(c *Config) {
				c.Storage.Archive.Kind = "s3"
				c.Storage.Archive.S3.Bucket = "b"
			},
			wantErr: "region or an endpoint",
		},
		{
			name:    "unknown archive kind",
			mutate:  func(c *Config) { c.Storage.Archive.Kind = "tape" },
			wantErr: "archive.kind",
		},
		{
			name:    "negative note cap",
			mutate:  func(c *Config) { c.Persona.NoteCap = -5 },
			wantErr: "note_cap",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() should fail")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Server.ListenAddr = ""
	cfg.Server.LogLevel = "chatty"
	cfg.Analysis.TopSignals = -1
	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() should fail")
	}
	for _, want := range []string{"listen_addr", "log_level", "top_signals"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Validate() error missing %q: %v", want, err)
		}
	}
}

func TestLogLevelSlog(t *testing.T) {
	tests := []struct {
		level LogLevel
		want  slog.Level
	}{
		{LogLevelDebug, slog.LevelDebug},
		{LogLevelInfo, slog.LevelInfo},
		{LogLevelWarn, slog.LevelWarn},
		{LogLevelError, slog.LevelError},
		{LogLevel(""), slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := tt.level.Slog(); got != tt.want {
			t.Errorf("Slog(%q) = %v, want %v", tt.level, got, tt.want)
		}
	}
}
