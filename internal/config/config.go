// Package config is raibid-ci's one configuration type: a fixed,
// enumerated Go struct rather than a free-form key/value layer. Load
// applies, lowest to highest precedence, compiled-in defaults, a YAML
// file, environment variables under the RAIBID_ prefix, and finally
// command-line flags — exactly the "flag > env > file > default"
// precedence a dynamic config library's own key space tends to blur.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config is the complete, fixed set of options raibid-ci recognizes.
type Config struct {
	Server  ServerConfig             `yaml:"server"`
	Redis   RedisConfig              `yaml:"redis"`
	Agents  AgentsConfig             `yaml:"agents"`
	Webhook map[string]WebhookConfig `yaml:"webhook"`
	Log     LogConfig                `yaml:"log"`
}

// ServerConfig configures the dispatcher's two HTTP listeners.
type ServerConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	MetricsPort int    `yaml:"metrics-port"`
}

// RedisConfig configures the queue/status-store connection.
type RedisConfig struct {
	URL           string `yaml:"url"`
	Stream        string `yaml:"stream"`
	ConsumerGroup string `yaml:"consumer-group"`
}

// AgentsConfig bounds the worker pool's behavior.
type AgentsConfig struct {
	Max           int           `yaml:"max"`
	IdleTimeout   time.Duration `yaml:"idle-timeout"`
	BuildDeadline time.Duration `yaml:"build-deadline"`
}

// WebhookConfig holds one provider's shared secret.
type WebhookConfig struct {
	Secret string `yaml:"secret"`
}

// LogConfig configures the shared zap logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the compiled-in baseline every other layer overrides.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        8080,
			MetricsPort: 9090,
		},
		Redis: RedisConfig{
			URL:           "redis://localhost:6379",
			Stream:        "raibid:jobs",
			ConsumerGroup: "raibid-agents",
		},
		Agents: AgentsConfig{
			Max:           10,
			IdleTimeout:   30 * time.Second,
			BuildDeadline: 30 * time.Minute,
		},
		Webhook: map[string]WebhookConfig{},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// envPrefix is the fixed environment-variable prefix every override must
// carry, e.g. RAIBID_SERVER_PORT, RAIBID_REDIS_URL.
const envPrefix = "RAIBID_"

// Load builds a Config by layering, in ascending precedence: Default(),
// the YAML file at fileFlag's value (if set and the file exists), RAIBID_
// environment variables, then any flags set on flagSet.
func Load(flagSet *pflag.FlagSet, fileFlag string) (*Config, error) {
	cfg := Default()

	if path, _ := flagSet.GetString(fileFlag); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return nil, err
		}
	}

	applyEnv(&cfg)

	if err := applyFlags(&cfg, flagSet); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(envPrefix + "SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v, ok := envInt(envPrefix + "SERVER_PORT"); ok {
		cfg.Server.Port = v
	}
	if v, ok := envInt(envPrefix + "SERVER_METRICS_PORT"); ok {
		cfg.Server.MetricsPort = v
	}
	if v := os.Getenv(envPrefix + "REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv(envPrefix + "REDIS_STREAM"); v != "" {
		cfg.Redis.Stream = v
	}
	if v := os.Getenv(envPrefix + "REDIS_CONSUMER_GROUP"); v != "" {
		cfg.Redis.ConsumerGroup = v
	}
	if v, ok := envInt(envPrefix + "AGENTS_MAX"); ok {
		cfg.Agents.Max = v
	}
	if v, ok := envDuration(envPrefix + "AGENTS_IDLE_TIMEOUT"); ok {
		cfg.Agents.IdleTimeout = v
	}
	if v, ok := envDuration(envPrefix + "AGENTS_BUILD_DEADLINE"); ok {
		cfg.Agents.BuildDeadline = v
	}
	if v := os.Getenv(envPrefix + "WEBHOOK_GITHUB_SECRET"); v != "" {
		setWebhookSecret(cfg, "github", v)
	}
	if v := os.Getenv(envPrefix + "WEBHOOK_GENERIC_SECRET"); v != "" {
		setWebhookSecret(cfg, "generic", v)
	}
	if v := os.Getenv(envPrefix + "LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv(envPrefix + "LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

func applyFlags(cfg *Config, flagSet *pflag.FlagSet) error {
	flagApplies := map[string]func(string) error{
		"server-host": func(v string) error { cfg.Server.Host = v; return nil },
		"server-port": func(v string) error { return assignInt(&cfg.Server.Port, v) },
		"metrics-port": func(v string) error {
			return assignInt(&cfg.Server.MetricsPort, v)
		},
		"redis-url":            func(v string) error { cfg.Redis.URL = v; return nil },
		"redis-stream":         func(v string) error { cfg.Redis.Stream = v; return nil },
		"redis-consumer-group": func(v string) error { cfg.Redis.ConsumerGroup = v; return nil },
		"agents-max":           func(v string) error { return assignInt(&cfg.Agents.Max, v) },
		"agents-idle-timeout":  func(v string) error { return assignDuration(&cfg.Agents.IdleTimeout, v) },
		"agents-build-deadline": func(v string) error {
			return assignDuration(&cfg.Agents.BuildDeadline, v)
		},
		"log-level":  func(v string) error { cfg.Log.Level = v; return nil },
		"log-format": func(v string) error { cfg.Log.Format = v; return nil },
	}

	var applyErr error
	flagSet.Visit(func(f *pflag.Flag) {
		if applyErr != nil {
			return
		}
		if apply, ok := flagApplies[f.Name]; ok {
			applyErr = apply(f.Value.String())
		}
	})
	return applyErr
}

func setWebhookSecret(cfg *Config, provider, secret string) {
	if cfg.Webhook == nil {
		cfg.Webhook = map[string]WebhookConfig{}
	}
	cfg.Webhook[provider] = WebhookConfig{Secret: secret}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envDuration(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}

func assignInt(dst *int, raw string) error {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("invalid integer %q: %w", raw, err)
	}
	*dst = n
	return nil
}

func assignDuration(dst *time.Duration, raw string) error {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*dst = d
	return nil
}
