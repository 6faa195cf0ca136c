package sselog

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/raibid-ci/raibid/internal/job"
	"github.com/raibid-ci/raibid/internal/redisqueue"
)

func setupStore(t *testing.T) (*redisqueue.StatusStore, *goredis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return redisqueue.NewStatusStore(rdb), rdb
}

func collectBatches(t *testing.T, sub *Subscription, timeout time.Duration) []job.LogEntry {
	t.Helper()
	deadline := time.After(timeout)
	var got []job.LogEntry
	for {
		select {
		case batch, ok := <-sub.Batches():
			if !ok {
				return got
			}
			got = append(got, batch...)
		case <-sub.Done():
			// Drain whatever is already buffered before returning.
			for {
				select {
				case batch := <-sub.Batches():
					got = append(got, batch...)
				default:
					return got
				}
			}
		case <-deadline:
			return got
		}
	}
}

func TestSubscriptionDeliversHistoryThenClosesOnTerminalJob(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	j := &job.Job{ID: "J1", Status: job.StatusRunning}
	if _, _, err := store.CreateJob(ctx, "d1", j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	for _, msg := range []string{"cloning", "building"} {
		if _, err := store.AppendLog(ctx, "J1", job.LogEntry{Timestamp: time.Now(), Level: job.LevelInfo, Message: msg}); err != nil {
			t.Fatalf("AppendLog: %v", err)
		}
	}

	subCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	sub := Subscribe(subCtx, store, "J1")

	// Mark the job terminal shortly after subscribing, simulating the
	// build finishing while a subscriber is already tailing.
	go func() {
		time.Sleep(100 * time.Millisecond)
		code := 0
		_ = store.UpdateStatus(ctx, "J1", job.StatusSuccess, func(j *job.Job) { j.ExitCode = &code })
	}()

	entries := collectBatches(t, sub, 4*time.Second)
	if len(entries) != 2 || entries[0].Message != "cloning" || entries[1].Message != "building" {
		t.Fatalf("entries = %+v, want [cloning building]", entries)
	}

	select {
	case <-sub.Done():
	case <-time.After(4 * time.Second):
		t.Fatal("subscription did not close after terminal job drained")
	}
	if sub.State() != StateClosed {
		t.Errorf("final state = %s, want closed", sub.State())
	}
}

func TestSubscriptionJoiningAfterTerminalSeesFullHistoryThenCloses(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	j := &job.Job{ID: "J2", Status: job.StatusPending}
	if _, _, err := store.CreateJob(ctx, "d2", j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if _, err := store.AppendLog(ctx, "J2", job.LogEntry{Timestamp: time.Now(), Level: job.LevelInfo, Message: "done"}); err != nil {
		t.Fatalf("AppendLog: %v", err)
	}
	if err := store.UpdateStatus(ctx, "J2", job.StatusRunning, nil); err != nil {
		t.Fatalf("UpdateStatus running: %v", err)
	}
	code := 0
	if err := store.UpdateStatus(ctx, "J2", job.StatusSuccess, func(j *job.Job) { j.ExitCode = &code }); err != nil {
		t.Fatalf("UpdateStatus success: %v", err)
	}

	subCtx, cancel := context.WithTimeout(ctx, 4*time.Second)
	defer cancel()
	sub := Subscribe(subCtx, store, "J2")

	entries := collectBatches(t, sub, 3*time.Second)
	if len(entries) != 1 || entries[0].Message != "done" {
		t.Fatalf("entries = %+v, want [done]", entries)
	}

	select {
	case <-sub.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("subscription did not close for an already-terminal job")
	}
}

func TestSubscriptionReleasesOnContextCancel(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	j := &job.Job{ID: "J3", Status: job.StatusRunning}
	if _, _, err := store.CreateJob(ctx, "d3", j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := Subscribe(subCtx, store, "J3")

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not release promptly on cancellation")
	}
}
