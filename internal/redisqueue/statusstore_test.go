package redisqueue

import (
	"context"
	"testing"
	"time"

	"github.com/raibid-ci/raibid/internal/job"
)

func TestCreateJobIsIdempotentPerKey(t *testing.T) {
	_, rdb := setupMiniredis(t)
	ctx := context.Background()
	store := NewStatusStore(rdb)

	j1 := &job.Job{ID: "J1", Repo: "owner/name", Branch: "main", Commit: "abc", Status: job.StatusPending}
	id, created, err := store.CreateJob(ctx, "delivery-1", j1)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if !created || id != "J1" {
		t.Fatalf("CreateJob() = (%q, %v), want (\"J1\", true)", id, created)
	}

	// Replaying the same delivery must return the original job id and not
	// overwrite the record.
	j2 := &job.Job{ID: "J2", Repo: "owner/name", Branch: "main", Commit: "abc", Status: job.StatusPending}
	id2, created2, err := store.CreateJob(ctx, "delivery-1", j2)
	if err != nil {
		t.Fatalf("CreateJob (replay): %v", err)
	}
	if created2 || id2 != "J1" {
		t.Fatalf("replay CreateJob() = (%q, %v), want (\"J1\", false)", id2, created2)
	}
}

func TestGetJobRoundTrip(t *testing.T) {
	_, rdb := setupMiniredis(t)
	ctx := context.Background()
	store := NewStatusStore(rdb)

	started := time.Now().UTC().Truncate(time.Second)
	original := &job.Job{
		ID:        "J1",
		Repo:      "owner/name",
		Branch:    "main",
		Commit:    "abc123",
		Status:    job.StatusRunning,
		AgentID:   "agent-1",
		StartedAt: &started,
	}
	if _, _, err := store.CreateJob(ctx, "delivery-1", original); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	got, err := store.GetJob(ctx, "J1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.ID != original.ID || got.Status != original.Status || got.AgentID != original.AgentID {
		t.Errorf("GetJob() = %+v, want %+v", *got, *original)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(*original.StartedAt) {
		t.Errorf("GetJob().StartedAt = %v, want %v", got.StartedAt, original.StartedAt)
	}
}

func TestGetJobNotFound(t *testing.T) {
	_, rdb := setupMiniredis(t)
	ctx := context.Background()
	store := NewStatusStore(rdb)

	if _, err := store.GetJob(ctx, "nonexistent"); err != ErrNotFound {
		t.Errorf("GetJob() err = %v, want ErrNotFound", err)
	}
}

func TestUpdateStatusEnforcesLegalTransitions(t *testing.T) {
	_, rdb := setupMiniredis(t)
	ctx := context.Background()
	store := NewStatusStore(rdb)

	j := &job.Job{ID: "J1", Status: job.StatusPending}
	if _, _, err := store.CreateJob(ctx, "d1", j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	if err := store.UpdateStatus(ctx, "J1", job.StatusRunning, func(j *job.Job) {
		j.AgentID = "agent-1"
	}); err != nil {
		t.Fatalf("UpdateStatus pending->running: %v", err)
	}

	got, err := store.GetJob(ctx, "J1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != job.StatusRunning || got.AgentID != "agent-1" {
		t.Errorf("after transition: status=%s agent=%s", got.Status, got.AgentID)
	}

	code := 0
	err = store.UpdateStatus(ctx, "J1", job.StatusSuccess, func(j *job.Job) {
		j.ExitCode = &code
	})
	if err != nil {
		t.Fatalf("UpdateStatus running->success: %v", err)
	}

	// success is terminal: a further transition must be rejected.
	if err := store.UpdateStatus(ctx, "J1", job.StatusFailed, nil); err == nil {
		t.Error("expected error transitioning out of a terminal status")
	}
}

func TestRequestCancelAndCancelRequested(t *testing.T) {
	_, rdb := setupMiniredis(t)
	ctx := context.Background()
	store := NewStatusStore(rdb)

	j := &job.Job{ID: "J1", Status: job.StatusPending}
	if _, _, err := store.CreateJob(ctx, "d1", j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	cancelled, err := store.CancelRequested(ctx, "J1")
	if err != nil {
		t.Fatalf("CancelRequested: %v", err)
	}
	if cancelled {
		t.Error("expected CancelRequested to start false")
	}

	if err := store.RequestCancel(ctx, "J1"); err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}
	cancelled, err = store.CancelRequested(ctx, "J1")
	if err != nil {
		t.Fatalf("CancelRequested: %v", err)
	}
	if !cancelled {
		t.Error("expected CancelRequested to be true after RequestCancel")
	}
}

func TestAppendLogAndReadLogsOrdering(t *testing.T) {
	_, rdb := setupMiniredis(t)
	ctx := context.Background()
	store := NewStatusStore(rdb)

	for i, msg := range []string{"cloning repo", "running build", "build passed"} {
		_, err := store.AppendLog(ctx, "J1", job.LogEntry{
			Timestamp: time.Now().UTC().Add(time.Duration(i) * time.Millisecond),
			Level:     job.LevelInfo,
			Message:   msg,
		})
		if err != nil {
			t.Fatalf("AppendLog %d: %v", i, err)
		}
	}

	entries, err := store.ReadLogs(ctx, "J1", "")
	if err != nil {
		t.Fatalf("ReadLogs: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("ReadLogs returned %d entries, want 3", len(entries))
	}
	if entries[0].Message != "cloning repo" || entries[2].Message != "build passed" {
		t.Errorf("ReadLogs order wrong: %+v", entries)
	}

	// A subscriber resuming after the first entry sees only the rest.
	rest, err := store.ReadLogs(ctx, "J1", entries[0].ID)
	if err != nil {
		t.Fatalf("ReadLogs (resume): %v", err)
	}
	if len(rest) != 2 {
		t.Fatalf("ReadLogs (resume) returned %d entries, want 2", len(rest))
	}
}

func TestListJobsFilterOffsetAndCursorPaging(t *testing.T) {
	_, rdb := setupMiniredis(t)
	ctx := context.Background()
	store := NewStatusStore(rdb)

	for i := 0; i < 5; i++ {
		j := &job.Job{
			ID:     string(rune('A' + i)),
			Repo:   "owner/name",
			Branch: "main",
			Commit: "abc",
			Status: job.StatusPending,
		}
		if _, _, err := store.CreateJob(ctx, "d-"+j.ID, j); err != nil {
			t.Fatalf("CreateJob %s: %v", j.ID, err)
		}
	}
	if err := store.UpdateStatus(ctx, "E", job.StatusRunning, nil); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	// Offset paging over the 4 still-pending jobs, newest first.
	page1, total, cursor, err := store.ListJobs(ctx, ListFilter{Status: job.StatusPending}, 0, 2, "")
	if err != nil {
		t.Fatalf("ListJobs page 1: %v", err)
	}
	if total != 4 {
		t.Fatalf("total = %d, want 4", total)
	}
	if len(page1) != 2 || cursor == "" {
		t.Fatalf("page 1 = %d jobs, cursor %q; want 2 jobs and a cursor", len(page1), cursor)
	}

	// Resuming from the cursor yields the remainder with no overlap.
	page2, _, cursor2, err := store.ListJobs(ctx, ListFilter{Status: job.StatusPending}, 0, 2, cursor)
	if err != nil {
		t.Fatalf("ListJobs page 2: %v", err)
	}
	if len(page2) != 2 {
		t.Fatalf("page 2 = %d jobs, want 2", len(page2))
	}
	if cursor2 != "" {
		t.Errorf("cursor after final page = %q, want empty", cursor2)
	}
	seen := map[string]bool{}
	for _, j := range append(page1, page2...) {
		if seen[j.ID] {
			t.Fatalf("job %s returned on both pages", j.ID)
		}
		seen[j.ID] = true
	}

	// A cursor whose job left the filtered set yields an empty final page.
	gone, _, _, err := store.ListJobs(ctx, ListFilter{Status: job.StatusPending}, 0, 2, "E")
	if err != nil {
		t.Fatalf("ListJobs stale cursor: %v", err)
	}
	if len(gone) != 0 {
		t.Errorf("stale cursor returned %d jobs, want 0", len(gone))
	}
}
