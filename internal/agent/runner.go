package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/raibid-ci/raibid/internal/agent/sandbox"
	"github.com/raibid-ci/raibid/internal/job"
	"github.com/raibid-ci/raibid/internal/redisqueue"
	"github.com/raibid-ci/raibid/internal/retry"
)

// Config bounds one Runner's behavior.
type Config struct {
	// AgentID is the stable, unique-per-process id that becomes the
	// stream consumer name. Left empty, Runner generates one.
	AgentID string

	Stream        string
	ConsumerGroup string

	// WorkspaceRoot is the parent directory sandboxes are created under;
	// empty selects the OS temp directory.
	WorkspaceRoot string
	Entrypoint    string
	BuildDeadline time.Duration

	// PollBlock bounds each blocking consumer-group read.
	PollBlock time.Duration
	// IdleTimeout, when positive, makes the agent exit after this much
	// continuous idle polling with no entry delivered, so an idle pool
	// can shrink toward zero on its own.
	IdleTimeout time.Duration
	// DrainGrace is how long an in-flight build may keep running after a
	// termination signal before it is killed and the job marked
	// interrupted. A build that finishes within the grace window reaches
	// its natural terminal state. Zero kills immediately.
	DrainGrace time.Duration
	// ReclaimMinIdle is the orphan-reclaim threshold: an entry pending
	// longer than this with no progress is claimable by another consumer.
	ReclaimMinIdle time.Duration

	// CPUSaturationPercent and MemSaturationPercent gate the soft
	// self-throttle backoff between POLLs.
	CPUSaturationPercent float64
	MemSaturationPercent float64

	// HostHeadroomFn is overridable in tests; defaults to HostHeadroom.
	HostHeadroomFn func() (cpuPercent, memPercent float64)

	RetryBudget retry.Budget
}

// DefaultConfig fills in the defaults a bare Config leaves unset.
func DefaultConfig() Config {
	return Config{
		BuildDeadline:        30 * time.Minute,
		PollBlock:            5 * time.Second,
		ReclaimMinIdle:       time.Minute,
		DrainGrace:           30 * time.Second,
		CPUSaturationPercent: 95,
		MemSaturationPercent: 95,
		RetryBudget:          retry.Budget{MaxElapsed: 30 * time.Second, MaxAttempts: 5},
	}
}

// Runner drives one agent process through its lifecycle.
type Runner struct {
	rdb    *redis.Client
	logger *zap.Logger
	cfg    Config

	agentID string
	queue   *redisqueue.Queue
	store   *redisqueue.StatusStore

	state      atomic.Value // State
	draining   atomic.Bool
	drainStart atomic.Value // time.Time
}

// NewRunner constructs a Runner against an already-connected Redis client.
func NewRunner(rdb *redis.Client, cfg Config, logger *zap.Logger) *Runner {
	r := &Runner{rdb: rdb, cfg: cfg, logger: logger}
	r.setState(StateInit)
	return r
}

// State returns the agent's current lifecycle state.
func (r *Runner) State() State {
	v, _ := r.state.Load().(State)
	return v
}

func (r *Runner) setState(s State) {
	r.state.Store(s)
	r.logger.Debug("agent state transition", zap.String("state", string(s)))
}

// AgentID returns the consumer name this Runner registered, valid only
// after Run has started.
func (r *Runner) AgentID() string { return r.agentID }

// Run blocks, processing one job at a time, until ctx is cancelled or the
// process receives SIGINT/SIGTERM. A signal starts a drain: no new entry is
// polled, any in-flight job finishes to its natural terminal state (or to
// "interrupted" if the build does not finish within the grace window), and
// Run exits cleanly. Cancelling ctx instead kills any in-flight build.
func (r *Runner) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		select {
		case sig := <-sigs:
			r.logger.Info("received termination signal, draining",
				zap.String("signal", sig.String()), zap.Duration("drain_grace", r.cfg.DrainGrace))
			// Stamp the grace clock before raising the flag so a reader
			// never sees draining with no start time.
			r.drainStart.Store(time.Now())
			r.draining.Store(true)
		case <-ctx.Done():
		}
	}()

	r.setState(StateRegister)
	if r.cfg.AgentID != "" {
		r.agentID = r.cfg.AgentID
	} else {
		hostname, _ := os.Hostname()
		r.agentID = fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8])
	}
	r.logger.Info("agent registered", zap.String("agent_id", r.agentID))

	r.queue = redisqueue.New(r.rdb, redisqueue.Config{
		Stream:   r.cfg.Stream,
		Group:    r.cfg.ConsumerGroup,
		Consumer: r.agentID,
	})
	r.store = redisqueue.NewStatusStore(r.rdb)

	if err := r.queue.EnsureGroup(ctx); err != nil {
		return fmt.Errorf("ensure consumer group: %w", err)
	}

	headroom := r.cfg.HostHeadroomFn
	if headroom == nil {
		headroom = HostHeadroom
	}

	backoffDelay := time.Second
	const maxBackoff = 30 * time.Second

	lastEntry := time.Now()
	for {
		if r.draining.Load() {
			break
		}
		if ctx.Err() != nil {
			break
		}

		if cpuPct, memPct := headroom(); Saturated(cpuPct, memPct, r.cfg.CPUSaturationPercent, r.cfg.MemSaturationPercent) {
			r.logger.Warn("host saturated, backing off before next poll",
				zap.Float64("cpu_percent", cpuPct), zap.Float64("mem_percent", memPct))
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
			continue
		}

		reclaimed, err := r.queue.ReclaimOrphans(ctx, r.cfg.ReclaimMinIdle, 10)
		if err != nil {
			r.logger.Warn("orphan reclaim failed", zap.Error(err))
		}
		for i := range reclaimed {
			if r.draining.Load() || ctx.Err() != nil {
				break
			}
			r.setState(StateClaimed)
			r.processEntry(ctx, &reclaimed[i])
		}

		r.setState(StatePoll)
		entry, err := r.queue.Next(ctx, r.cfg.PollBlock)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			r.logger.Warn("poll failed, backing off", zap.Error(err), zap.Duration("backoff", backoffDelay))
			select {
			case <-time.After(backoffDelay):
			case <-ctx.Done():
			}
			backoffDelay *= 2
			if backoffDelay > maxBackoff {
				backoffDelay = maxBackoff
			}
			continue
		}
		backoffDelay = time.Second

		if entry == nil {
			if r.cfg.IdleTimeout > 0 && time.Since(lastEntry) >= r.cfg.IdleTimeout {
				r.logger.Info("idle timeout reached, exiting", zap.Duration("idle_timeout", r.cfg.IdleTimeout))
				break
			}
			continue
		}
		lastEntry = time.Now()

		r.setState(StateClaimed)
		r.processEntry(ctx, entry)
	}

	r.setState(StateDrain)
	r.setState(StateExit)
	return nil
}

// processEntry runs one claimed job to completion or failure. It never
// returns an error: every failure mode here is recorded on the Job record
// itself, per the error taxonomy.
func (r *Runner) processEntry(ctx context.Context, entry *job.StreamEntry) {
	j := entry.Job
	logger := r.logger.With(zap.String("job_id", j.ID), zap.String("agent_id", r.agentID))

	startedAt := time.Now().UTC()
	err := r.store.UpdateStatus(ctx, j.ID, job.StatusRunning, func(cur *job.Job) {
		cur.StartedAt = &startedAt
		cur.AgentID = r.agentID
	})
	if errors.Is(err, redisqueue.ErrLostRace) {
		// Another consumer already moved this job past pending; it is
		// not ours to run. Ack our copy of the entry and move on.
		logger.Info("lost running-transition race, another agent owns this job")
		r.ackEntry(ctx, entry.EntryID, logger)
		return
	}
	if err != nil {
		// A reclaimed entry for a job the first agent already finished
		// (crashed after the status write, before the ack) must not be
		// re-run or left pending forever; ack it away.
		if cur, gerr := r.store.GetJob(ctx, j.ID); gerr == nil && cur.Status.Terminal() {
			logger.Info("job already terminal, acking stale entry", zap.String("status", string(cur.Status)))
			r.ackEntry(ctx, entry.EntryID, logger)
			return
		}
		logger.Error("failed to transition job to running, leaving entry pending for reclaim", zap.Error(err))
		return
	}

	r.setState(StateRunning)
	exitCode, status, reason := r.runBuild(ctx, &j, logger)

	r.setState(StateFinalize)

	// Completion marker: appended before the terminal status so any
	// subscriber that observes the terminal state also sees it on a
	// drain to current end.
	level := job.LevelInfo
	if status != job.StatusSuccess {
		level = job.LevelError
	}
	_, _ = r.store.AppendLog(ctx, j.ID, job.LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   fmt.Sprintf("build finished: status=%s exit_code=%d", status, exitCode),
	})

	finishedAt := time.Now().UTC()
	var updateErr error
	retryErr := retry.Do(ctx, r.cfg.RetryBudget, func() error {
		updateErr = r.store.UpdateStatus(ctx, j.ID, status, func(cur *job.Job) {
			cur.FinishedAt = &finishedAt
			cur.ExitCode = &exitCode
			cur.Reason = reason
		})
		if errors.Is(updateErr, redisqueue.ErrLostRace) {
			// Permanent: another agent reclaimed and finalized this job.
			return nil
		}
		return updateErr
	})
	if errors.Is(updateErr, redisqueue.ErrLostRace) {
		logger.Warn("lost finalize race, another agent already finalized this job, aborting ack")
		return
	}
	if retryErr != nil {
		logger.Error("failed to write terminal status within retry budget, leaving entry pending for reclaim", zap.Error(retryErr))
		return
	}

	r.ackEntry(ctx, entry.EntryID, logger)
}

// drainExpired reports whether a drain is in progress and its grace window
// has run out — the point at which an in-flight build stops being allowed
// to finish naturally.
func (r *Runner) drainExpired() bool {
	if !r.draining.Load() {
		return false
	}
	if r.cfg.DrainGrace <= 0 {
		return true
	}
	start, _ := r.drainStart.Load().(time.Time)
	if start.IsZero() {
		return true
	}
	return time.Since(start) >= r.cfg.DrainGrace
}

func (r *Runner) ackEntry(ctx context.Context, entryID string, logger *zap.Logger) {
	err := retry.Do(ctx, r.cfg.RetryBudget, func() error {
		return r.queue.Ack(ctx, entryID)
	})
	if err != nil {
		logger.Error("failed to ack entry within retry budget", zap.Error(err))
	}
}

// runBuild executes the sandbox lifecycle for one job: workspace creation,
// clone, build, and log pump. It returns the outcome to finalize, never an
// error — every failure path resolves to a (status, reason) pair.
func (r *Runner) runBuild(ctx context.Context, j *job.Job, logger *zap.Logger) (exitCode int, status job.Status, reason job.Reason) {
	ws, err := sandbox.NewWorkspace(r.cfg.WorkspaceRoot, j.ID)
	if err != nil {
		logger.Error("failed to create workspace", zap.Error(err))
		return 1, job.StatusFailed, job.ReasonBuildError
	}
	defer func() {
		if err := ws.Close(); err != nil {
			logger.Warn("failed to remove workspace", zap.Error(err))
		}
	}()

	resolvedSHA, err := sandbox.Clone(ctx, ws.Dir, j.Repo, j.Branch, j.Commit)
	if err != nil {
		logger.Error("clone failed", zap.Error(err))
		return 1, job.StatusFailed, job.ReasonCloneError
	}
	if j.Commit == "" || j.Commit == "HEAD" {
		if err := r.store.UpdateFields(ctx, j.ID, func(cur *job.Job) { cur.Commit = resolvedSHA }); err != nil {
			logger.Warn("failed to persist resolved commit SHA", zap.Error(err))
		}
		j.Commit = resolvedSHA
	}

	var logPipeBroken atomic.Bool
	onLine := func(stream, line string) {
		level := job.LevelInfo
		if stream == sandbox.StreamStderr {
			level = job.LevelWarn
		}
		appendErr := retry.Do(ctx, r.cfg.RetryBudget, func() error {
			_, err := r.store.AppendLog(ctx, j.ID, job.LogEntry{
				Timestamp: time.Now().UTC(),
				Level:     level,
				Message:   line,
			})
			return err
		})
		if appendErr != nil {
			logger.Error("log append exhausted retry budget", zap.Error(appendErr))
			logPipeBroken.Store(true)
		}
	}

	cancelled := func() bool {
		if r.drainExpired() || logPipeBroken.Load() {
			return true
		}
		requested, err := r.store.CancelRequested(ctx, j.ID)
		if err != nil {
			return false
		}
		return requested
	}

	code, buildErr := sandbox.Run(ctx, ws.Dir, r.cfg.Entrypoint, os.Environ(), r.cfg.BuildDeadline, cancelled, onLine)

	switch {
	case logPipeBroken.Load():
		return code, job.StatusFailed, job.ReasonLogPipe
	case buildErr == nil && code == 0:
		return 0, job.StatusSuccess, job.ReasonNone
	case buildErr == nil:
		return code, job.StatusFailed, job.ReasonBuildError
	case r.drainExpired():
		return job.TimeoutExitCode, job.StatusFailed, job.ReasonInterrupted
	case errors.Is(buildErr, context.DeadlineExceeded):
		return job.TimeoutExitCode, job.StatusFailed, job.ReasonTimeout
	case errors.Is(buildErr, context.Canceled):
		return job.TimeoutExitCode, job.StatusCancelled, job.ReasonCancelled
	default:
		logger.Error("build process error", zap.Error(buildErr))
		return code, job.StatusFailed, job.ReasonBuildError
	}
}
