package sandbox

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultEntrypoint is the build procedure invoked in the workspace root
// when the repository does not declare a different one.
const DefaultEntrypoint = "./ci.sh"

// TimeoutExitCode is the sentinel exit code Run reports when the deadline
// expires or the process tree is killed rather than exiting on its own.
const TimeoutExitCode = -1

// LineFunc receives one captured line of build output.
type LineFunc func(stream, line string)

const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// Run starts entrypoint in workDir, with cmdEnv as its complete
// environment, and blocks until it exits, the deadline elapses, or
// cancelled reports true. Stdout and stderr are each line-framed through
// onLine. The process runs in its own process group (Setpgid) so the
// entire tree — not just the direct child — can be killed on expiry.
func Run(ctx context.Context, workDir, entrypoint string, cmdEnv []string, deadline time.Duration, cancelled func() bool, onLine LineFunc) (exitCode int, err error) {
	if entrypoint == "" {
		entrypoint = DefaultEntrypoint
	}

	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	// Plain Command, not CommandContext: the escalation below owns the
	// kill, and CommandContext's default cancel would SIGKILL the direct
	// child immediately, skipping the soft SIGTERM window.
	cmd := exec.Command(entrypoint)
	cmd.Dir = workDir
	cmd.Env = cmdEnv
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, fmt.Errorf("attach stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return 0, fmt.Errorf("attach stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start build: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go scanLines(&wg, stdout, StreamStdout, onLine)
	go scanLines(&wg, stderr, StreamStderr, onLine)

	done := make(chan error, 1)
	// cmd.Wait closes the pipes, so it must not run until both scanners
	// have read to EOF; otherwise trailing lines can be lost.
	go func() {
		wg.Wait()
		done <- cmd.Wait()
	}()

	cancelCheck := time.NewTicker(200 * time.Millisecond)
	defer cancelCheck.Stop()

	for {
		select {
		case waitErr := <-done:
			wg.Wait()
			var exitErr *exec.ExitError
			if errors.As(waitErr, &exitErr) {
				// A non-zero exit is a normal build outcome, reported
				// through the code, not the error.
				return exitErr.ExitCode(), nil
			}
			return waitStatusExitCode(cmd), waitErr

		case <-runCtx.Done():
			killProcessGroup(cmd, done)
			wg.Wait()
			return TimeoutExitCode, runCtx.Err()

		case <-cancelCheck.C:
			if cancelled != nil && cancelled() {
				killProcessGroup(cmd, done)
				wg.Wait()
				return TimeoutExitCode, context.Canceled
			}
		}
	}
}

// scanLines reads newline-framed output from r and emits one onLine call
// per line; it returns when r reaches EOF (the process closed the pipe).
func scanLines(wg *sync.WaitGroup, r interface{ Read([]byte) (int, error) }, stream string, onLine LineFunc) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if onLine != nil {
			onLine(stream, scanner.Text())
		}
	}
}

// killGrace is how long killProcessGroup waits after SIGTERM before
// escalating to SIGKILL.
const killGrace = 5 * time.Second

// killProcessGroup sends SIGTERM to the whole process group, waits up to
// killGrace for the process to exit, then escalates to SIGKILL and blocks
// until cmd.Wait has reaped it. Killing the group, not just the direct
// child, takes the entire subprocess tree down with it.
func killProcessGroup(cmd *exec.Cmd, done <-chan error) {
	if cmd.Process == nil {
		<-done
		return
	}
	pgid := cmd.Process.Pid
	_ = unix.Kill(-pgid, unix.SIGTERM)
	select {
	case <-done:
		return
	case <-time.After(killGrace):
	}
	_ = unix.Kill(-pgid, unix.SIGKILL)
	<-done
}

func waitStatusExitCode(cmd *exec.Cmd) int {
	if cmd.ProcessState == nil {
		return TimeoutExitCode
	}
	return cmd.ProcessState.ExitCode()
}
