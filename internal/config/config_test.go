package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("config", "", "config file")
	fs.String("server-host", "", "")
	fs.Int("server-port", 0, "")
	fs.Int("metrics-port", 0, "")
	fs.String("redis-url", "", "")
	fs.String("log-level", "", "")
	fs.String("log-format", "", "")
	fs.Int("agents-max", 0, "")
	fs.Duration("agents-idle-timeout", 0, "")
	return fs
}

func TestLoadAppliesDefaultsWithNoOverrides(t *testing.T) {
	fs := newFlagSet()
	cfg, err := Load(fs, "config")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want default 8080", cfg.Server.Port)
	}
	if cfg.Log.Format != "text" {
		t.Errorf("Log.Format = %q, want default text", cfg.Log.Format)
	}
}

func TestLoadFilePrecedesEnvPrecedesFlag(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "raibid.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 9000\nlog:\n  level: warn\n"), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	t.Setenv("RAIBID_SERVER_PORT", "9100")
	t.Setenv("RAIBID_LOG_LEVEL", "")

	fs := newFlagSet()
	fs.Set("config", path)

	cfg, err := Load(fs, "config")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	// env overrides file
	if cfg.Server.Port != 9100 {
		t.Errorf("Server.Port = %d, want env override 9100", cfg.Server.Port)
	}
	// file value survives where env did not override it
	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want file value warn", cfg.Log.Level)
	}

	// flag overrides both
	fs.Set("server-port", "9200")
	cfg2, err := Load(fs, "config")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg2.Server.Port != 9200 {
		t.Errorf("Server.Port = %d, want flag override 9200", cfg2.Server.Port)
	}
}

func TestLoadEnvWebhookSecret(t *testing.T) {
	t.Setenv("RAIBID_WEBHOOK_GITHUB_SECRET", "s3cr3t")
	fs := newFlagSet()
	cfg, err := Load(fs, "config")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Webhook["github"].Secret != "s3cr3t" {
		t.Errorf("Webhook[github].Secret = %q, want s3cr3t", cfg.Webhook["github"].Secret)
	}
}

func TestLoadDurationFlag(t *testing.T) {
	fs := newFlagSet()
	fs.Set("agents-idle-timeout", "45s")
	cfg, err := Load(fs, "config")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agents.IdleTimeout != 45*time.Second {
		t.Errorf("Agents.IdleTimeout = %v, want 45s", cfg.Agents.IdleTimeout)
	}
}
