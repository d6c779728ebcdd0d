package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loykin/evolset/internal/record"
	"github.com/loykin/evolset/internal/seed"
)

func writeConfig(t *testing.T, data string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "evolset.toml")
	if err := os.WriteFile(p, []byte(data), 0o644); err != nil {
		t.Fatalf("write toml: %v", err)
	}
	return p
}

func TestLoad_Defaults(t *testing.T) {
	c, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Store.Path != "dataset.json" {
		t.Errorf("store.path = %q", c.Store.Path)
	}
	if c.Store.SaveCountInterval != record.DefaultSaveCountInterval {
		t.Errorf("save_count_interval = %d", c.Store.SaveCountInterval)
	}
	if c.Store.SaveTime() != record.DefaultSaveTimeInterval {
		t.Errorf("save_time_interval = %s", c.Store.SaveTime())
	}
	if !c.Pipeline.FailFast {
		t.Error("fail_fast should default to true")
	}
	if c.Pipeline.KillWait != 5*time.Second {
		t.Errorf("kill_wait = %s", c.Pipeline.KillWait)
	}
	if c.Server.BasePath != "/api" {
		t.Errorf("base_path = %q", c.Server.BasePath)
	}
	if c.SeedSource() != nil {
		t.Error("no seed configured, expected nil source")
	}
}

func TestLoad_Full(t *testing.T) {
	p := writeConfig(t, `
env = ["TOP=1"]

[store]
path = "out/dataset.json"
save_count_interval = 10
save_time_interval = 1.5
resume = true
mirrors = ["sqlite:///tmp/m.db", "redis://localhost:6379/0"]
flush_schedule = "@every 30s"

[seed]
path = "seed.jsonl"

[pipeline]
fail_fast = false
kill_wait = "250ms"

[handoff]
command = "./train.sh"
args = ["--data", "{output}"]

[log.slog]
level = "debug"
format = "json"

[log.file]
dir = "/var/log/evolset"
max_size_mb = 50

[history]
dsns = ["sqlite:///tmp/h.db"]

[metrics]
enabled = true

[server]
listen = ":8080"
base_path = "/evolset"

[[tasks]]
name = "prep"
command = "./prep.sh"
args = ["-O", "models"]
workdir = "/srv/models"
env = ["A=1"]

[[tasks]]
command = "/opt/bin/download"
tolerate_failure = true
  [tasks.log]
  dir = "/tmp/dl"
  max_backups = 9
`)
	c, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Store.Path != "out/dataset.json" || c.Store.SaveCountInterval != 10 || !c.Store.Resume {
		t.Fatalf("unexpected store: %+v", c.Store)
	}
	if c.Store.SaveTime() != 1500*time.Millisecond {
		t.Errorf("save time = %s", c.Store.SaveTime())
	}
	if len(c.Store.Mirrors) != 2 || c.Store.FlushSchedule != "@every 30s" {
		t.Errorf("unexpected mirrors/schedule: %+v", c.Store)
	}
	if c.Pipeline.FailFast || c.Pipeline.KillWait != 250*time.Millisecond {
		t.Errorf("unexpected pipeline: %+v", c.Pipeline)
	}
	if c.Handoff.Command != "./train.sh" || strings.Join(c.Handoff.Args, " ") != "--data {output}" {
		t.Errorf("unexpected handoff: %+v", c.Handoff)
	}
	if c.Log.Slog.Level != "debug" || c.Log.Slog.Format != "json" {
		t.Errorf("unexpected slog: %+v", c.Log.Slog)
	}
	if len(c.History.DSNs) != 1 || !c.Metrics.Enabled || c.Server.Listen != ":8080" || c.Server.BasePath != "/evolset" {
		t.Errorf("unexpected outer sections: %+v %+v %+v", c.History, c.Metrics, c.Server)
	}

	src, ok := c.SeedSource().(seed.File)
	if !ok || src.Path != "seed.jsonl" {
		t.Errorf("unexpected seed source: %#v", c.SeedSource())
	}

	specs := c.TaskSpecs()
	if len(specs) != 2 {
		t.Fatalf("expected 2 specs, got %d", len(specs))
	}
	prep := specs[0]
	if prep.Name != "prep" || prep.Command != "./prep.sh" || prep.WorkDir != "/srv/models" || len(prep.Args) != 2 || len(prep.Env) != 1 {
		t.Errorf("unexpected prep spec: %+v", prep)
	}
	if prep.Log.File.Dir != "/var/log/evolset" || prep.Log.File.MaxSizeMB != 50 {
		t.Errorf("prep should inherit log.file: %+v", prep.Log.File)
	}
	dl := specs[1]
	if dl.Name != "download" || !dl.TolerateFailure {
		t.Errorf("unexpected download spec: %+v", dl)
	}
	if dl.Log.File.Dir != "/tmp/dl" || dl.Log.File.MaxBackups != 9 || dl.Log.File.MaxSizeMB != 50 {
		t.Errorf("download log override not applied: %+v", dl.Log.File)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	p := writeConfig(t, `
[store]
path = "from-file.json"
save_count_interval = 3
`)
	t.Setenv("EVOLSET_STORE_PATH", "from-env.json")
	t.Setenv("EVOLSET_STORE_SAVE_TIME_INTERVAL", "0.25")
	t.Setenv("EVOLSET_PIPELINE_FAIL_FAST", "false")

	c, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Store.Path != "from-env.json" {
		t.Errorf("env should override file, got %q", c.Store.Path)
	}
	if c.Store.SaveCountInterval != 3 {
		t.Errorf("file value lost: %d", c.Store.SaveCountInterval)
	}
	if c.Store.SaveTime() != 250*time.Millisecond {
		t.Errorf("save time = %s", c.Store.SaveTime())
	}
	if c.Pipeline.FailFast {
		t.Error("fail_fast should be overridden to false")
	}
}

func TestLoad_ValidationNamesKey(t *testing.T) {
	tests := []struct {
		name string
		toml string
		key  string
	}{
		{"negative time", "[store]\nsave_time_interval = -1\n", "store.save_time_interval"},
		{"empty path", "[store]\npath = \"  \"\n", "store.path"},
		{"bad seed format", "[seed]\npath = \"s.csv\"\nformat = \"csv\"\n", "seed.format"},
		{"undetectable seed", "[seed]\npath = \"s.csv\"\n", "seed.path"},
		{"task without command", "[[tasks]]\nname = \"x\"\n", "tasks[0].command"},
		{"duplicate task", "[[tasks]]\ncommand = \"/bin/a\"\n[[tasks]]\ncommand = \"/usr/bin/a\"\n", "tasks[1].name"},
		{"bad schedule", "[store]\nflush_schedule = \"every day\"\n", "store.flush_schedule"},
		{"bad base path", "[server]\nlisten = \":0\"\nbase_path = \"api\"\n", "server.base_path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.toml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.key) {
				t.Fatalf("error %q should name %s", err, tt.key)
			}
		})
	}
}

func TestLoad_ZeroCountIntervalAllowed(t *testing.T) {
	c, err := Load(writeConfig(t, "[store]\nsave_count_interval = 0\n"))
	if err != nil {
		t.Fatalf("K below 1 is normalized by the store, not rejected: %v", err)
	}
	if c.Store.SaveCountInterval != 0 {
		t.Fatalf("got %d", c.Store.SaveCountInterval)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
