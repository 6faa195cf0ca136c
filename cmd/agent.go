// cmd/agent.go
package cmd

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/raibid-ci/raibid/internal/agent"
	"github.com/raibid-ci/raibid/internal/config"
	"github.com/raibid-ci/raibid/internal/logging"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run a worker agent",
	Long:  `agent runs one Worker Agent process: it registers a consumer name, drains the shared consumer group one entry at a time, clones and builds in an ephemeral sandbox, streams logs back, and acknowledges exactly once the terminal status is durably written.`,
	RunE:  runAgent,
}

func init() {
	rootCmd.AddCommand(agentCmd)

	flags := agentCmd.Flags()
	flags.String("redis-url", "", "redis connection URL")
	flags.String("redis-stream", "", "job queue stream name")
	flags.String("redis-consumer-group", "", "consumer group name")
	flags.String("agent-id", "", "stable consumer name for this process; generated if empty")
	flags.String("workspace-root", "", "parent directory for per-job sandboxes; OS temp dir if empty")
	flags.String("entrypoint", "", "build entrypoint invoked in the workspace root")
	flags.Duration("agents-build-deadline", 0, "wall-clock deadline for one build")
	flags.Duration("drain-grace", 0, "how long an in-flight build may finish naturally after a termination signal")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("log-format", "", "log format (text, json)")
}

func runAgent(cmd *cobra.Command, args []string) error {
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

	agentID, _ := cmd.Flags().GetString("agent-id")
	workspaceRoot, _ := cmd.Flags().GetString("workspace-root")
	entrypoint, _ := cmd.Flags().GetString("entrypoint")

	runnerCfg := agent.DefaultConfig()
	runnerCfg.AgentID = agentID
	runnerCfg.Stream = cfg.Redis.Stream
	runnerCfg.ConsumerGroup = cfg.Redis.ConsumerGroup
	runnerCfg.WorkspaceRoot = workspaceRoot
	runnerCfg.Entrypoint = entrypoint
	if cfg.Agents.BuildDeadline > 0 {
		runnerCfg.BuildDeadline = cfg.Agents.BuildDeadline
	}
	if cfg.Agents.IdleTimeout > 0 {
		runnerCfg.IdleTimeout = cfg.Agents.IdleTimeout
	}
	if d, _ := cmd.Flags().GetDuration("agents-build-deadline"); d > 0 {
		runnerCfg.BuildDeadline = d
	}
	if d, _ := cmd.Flags().GetDuration("drain-grace"); d > 0 {
		runnerCfg.DrainGrace = d
	}

	// Runner.Run handles SIGINT/SIGTERM itself by draining; a signal-bound
	// context here would kill the in-flight build before the drain grace.
	ctx := cmd.Context()

	runner := agent.NewRunner(rdb, runnerCfg, logger)
	logger.Info("starting worker agent", zap.Duration("build_deadline", runnerCfg.BuildDeadline))
	return runner.Run(ctx)
}
