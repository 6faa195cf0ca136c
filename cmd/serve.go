// cmd/serve.go
package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/raibid-ci/raibid/internal/config"
	"github.com/raibid-ci/raibid/internal/dispatcher"
	"github.com/raibid-ci/raibid/internal/logging"
	"github.com/raibid-ci/raibid/internal/redisqueue"
	"github.com/raibid-ci/raibid/internal/webhook"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the job dispatch server",
	Long:  `serve runs the Job Dispatch Server: webhook ingress, job status/listing API, live log fan-out, health, and metrics.`,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	flags := serveCmd.Flags()
	flags.String("server-host", "", "bind host for the API listener")
	flags.Int("server-port", 0, "bind port for the API listener")
	flags.Int("metrics-port", 0, "bind port for the Prometheus metrics listener")
	flags.String("redis-url", "", "redis connection URL")
	flags.String("redis-stream", "", "job queue stream name")
	flags.String("redis-consumer-group", "", "consumer group name")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("log-format", "", "log format (text, json)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cmd.Flags(), "config")
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.Log.Level, logging.Format(cfg.Log.Format))
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	queue := redisqueue.New(rdb, redisqueue.Config{
		Stream: cfg.Redis.Stream,
		Group:  cfg.Redis.ConsumerGroup,
	})
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := queue.EnsureGroup(ctx); err != nil {
		return fmt.Errorf("ensure consumer group: %w", err)
	}
	store := redisqueue.NewStatusStore(rdb)

	providers, secrets := buildWebhookProviders(cfg)

	srv := dispatcher.NewServer(dispatcher.Config{
		Host:        cfg.Server.Host,
		Port:        cfg.Server.Port,
		MetricsPort: cfg.Server.MetricsPort,
	}, dispatcher.Deps{
		Store:     store,
		Queue:     queue,
		Providers: providers,
		Secrets:   secrets,
		Logger:    logger,
	})

	return srv.Start(ctx)
}

// buildWebhookProviders turns the configured webhook secrets into
// provider adapters: "github" gets the go-github-backed GitHub provider;
// any other configured name is treated as a generic push-compatible host
// with this CLI's default header names.
func buildWebhookProviders(cfg *config.Config) (map[string]webhook.Provider, map[string][]byte) {
	providers := make(map[string]webhook.Provider, len(cfg.Webhook))
	secrets := make(map[string][]byte, len(cfg.Webhook))

	for name, wc := range cfg.Webhook {
		secrets[name] = []byte(wc.Secret)
		if name == "github" {
			providers[name] = webhook.GitHub{}
			continue
		}
		providers[name] = webhook.Generic{
			SignatureHeader:  "X-Signature-256",
			DeliveryIDHeader: "X-Delivery-ID",
			EventHeader:      "X-Event-Type",
			PushEventValue:   "push",
		}
	}
	return providers, secrets
}
