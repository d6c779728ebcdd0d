package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func envMap(pairs []string) map[string]string {
	m := make(map[string]string)
	for _, kv := range pairs {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

func TestBaseEnv_Merge(t *testing.T) {
	dir := t.TempDir()
	dotenv := filepath.Join(dir, ".env")
	t.Setenv("OS_ONLY", "osv")
	t.Setenv("OVERRIDDEN", "os")
	if err := os.WriteFile(dotenv, []byte("FILE_ONLY=fv\n#comment\nOVERRIDDEN=file\n"), 0o644); err != nil {
		t.Fatalf("write env: %v", err)
	}
	c := &Config{UseOSEnv: true, EnvFiles: []string{dotenv}, Env: []string{"TOP=tv", "OVERRIDDEN=top"}}
	pairs, err := c.BaseEnv()
	if err != nil {
		t.Fatalf("BaseEnv: %v", err)
	}
	m := envMap(pairs)
	if m["OS_ONLY"] != "osv" || m["FILE_ONLY"] != "fv" || m["TOP"] != "tv" {
		t.Fatalf("missing entries: %v", m)
	}
	if m["OVERRIDDEN"] != "top" {
		t.Fatalf("env list should win, got %q", m["OVERRIDDEN"])
	}
}

func TestBaseEnv_WithoutOSEnv(t *testing.T) {
	t.Setenv("OS_ONLY", "osv")
	c := &Config{Env: []string{"B=2", "A=1"}}
	pairs, err := c.BaseEnv()
	if err != nil {
		t.Fatalf("BaseEnv: %v", err)
	}
	if strings.Join(pairs, ",") != "A=1,B=2" {
		t.Fatalf("unexpected env: %v", pairs)
	}
}

func TestBaseEnv_MissingFile(t *testing.T) {
	c := &Config{EnvFiles: []string{filepath.Join(t.TempDir(), "missing.env")}}
	if _, err := c.BaseEnv(); err == nil {
		t.Fatal("expected error for missing env file")
	}
}
