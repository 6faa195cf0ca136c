package redisqueue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/raibid-ci/raibid/internal/job"
)

// StatusStore is the keyed mapping from job id to Job record, plus each
// job's append-only log substream. It is owned exclusively by itself:
// dispatchers and agents hold read snapshots and submit field-level
// updates, never replace the whole record out from under a concurrent
// writer.
type StatusStore struct {
	rdb *redis.Client
}

// NewStatusStore wraps an already-connected go-redis client.
func NewStatusStore(rdb *redis.Client) *StatusStore {
	return &StatusStore{rdb: rdb}
}

func jobKey(id string) string          { return "job:" + id }
func logKey(id string) string          { return "job:" + id + ":logs" }
func idempotencyKey(key string) string { return "idempotency:" + key }

// jobIndexKey is the sorted set recording every job id ever created, scored
// by creation order, so list-jobs can page newest-first without a SCAN over
// the whole keyspace.
const jobIndexKey = "jobs:index"

// ErrNotFound is returned when a job id has no record.
var ErrNotFound = fmt.Errorf("redisqueue: job not found")

// CreateJob attempts to create j's record keyed by idempotencyKey. If a job
// already exists for that key, its id is returned with created=false and j
// is left untouched — the idempotent-replay path of webhook acceptance.
func (s *StatusStore) CreateJob(ctx context.Context, idemKey string, j *job.Job) (existingID string, created bool, err error) {
	ok, err := s.rdb.SetNX(ctx, idempotencyKey(idemKey), j.ID, 0).Result()
	if err != nil {
		return "", false, fmt.Errorf("claim idempotency key: %w", err)
	}
	if !ok {
		existing, err := s.rdb.Get(ctx, idempotencyKey(idemKey)).Result()
		if err != nil {
			return "", false, fmt.Errorf("read existing idempotency mapping: %w", err)
		}
		return existing, false, nil
	}

	if err := s.rdb.HSet(ctx, jobKey(j.ID), marshalFields(j)).Err(); err != nil {
		return "", false, fmt.Errorf("write job record %s: %w", j.ID, err)
	}
	if err := s.rdb.ZAdd(ctx, jobIndexKey, redis.Z{Score: float64(time.Now().UnixNano()), Member: j.ID}).Err(); err != nil {
		return "", false, fmt.Errorf("index job %s: %w", j.ID, err)
	}
	return j.ID, true, nil
}

// Ping reports whether the underlying Redis connection is reachable; the
// dispatcher's readiness check uses it to decide whether the status-store
// dependency is healthy.
func (s *StatusStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// GetJob fetches the current snapshot of a job record.
func (s *StatusStore) GetJob(ctx context.Context, id string) (*job.Job, error) {
	fields, err := s.rdb.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("read job %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return unmarshalFields(fields)
}

// ListFilter narrows ListJobs to a subset of the index; a zero-value field
// means "unfiltered" on that dimension.
type ListFilter struct {
	Status job.Status
	Repo   string
	Branch string
}

// ListJobs returns a newest-first page of jobs matching filter, plus the
// total count of matching jobs across the whole index (for the response's
// "total" field) and the id to resume from as next-cursor, empty once
// exhausted. offset/limit page over the filtered result, not the raw
// index. A non-empty cursor — a next-cursor value from a previous page —
// overrides offset and resumes at the job it names; a cursor pointing at
// a job no longer in the filtered result (garbage-collected, or its
// status moved out of the filter) yields an empty final page.
func (s *StatusStore) ListJobs(ctx context.Context, filter ListFilter, offset, limit int, cursor string) (jobs []*job.Job, total int, nextCursor string, err error) {
	ids, err := s.rdb.ZRevRange(ctx, jobIndexKey, 0, -1).Result()
	if err != nil {
		return nil, 0, "", fmt.Errorf("list job index: %w", err)
	}

	matched := make([]*job.Job, 0, len(ids))
	for _, id := range ids {
		j, err := s.GetJob(ctx, id)
		if err != nil {
			if err == ErrNotFound {
				continue
			}
			return nil, 0, "", err
		}
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		if filter.Repo != "" && j.Repo != filter.Repo {
			continue
		}
		if filter.Branch != "" && j.Branch != filter.Branch {
			continue
		}
		matched = append(matched, j)
	}

	total = len(matched)
	if cursor != "" {
		offset = total
		for i, j := range matched {
			if j.ID == cursor {
				offset = i
				break
			}
		}
	}
	if offset >= total {
		return []*job.Job{}, total, "", nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	page := matched[offset:end]
	if end < total {
		nextCursor = matched[end].ID
	}
	return page, total, nextCursor, nil
}

// TransitionFn mutates a job snapshot in place; UpdateStatus calls it after
// validating the status edge and before writing the result back.
type TransitionFn func(j *job.Job)

// UpdateStatus performs a compare-and-set transition: it reads the current
// record, validates cur -> next is legal, and writes the mutated record
// back inside a WATCH/MULTI transaction so a concurrent writer (a second
// agent that reclaimed and already finished the same entry) is detected
// and rejected rather than silently overwritten. Losing the race returns
// ErrLostRace.
func (s *StatusStore) UpdateStatus(ctx context.Context, id string, next job.Status, mutate TransitionFn) error {
	key := jobKey(id)
	txf := func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("read job %s: %w", id, err)
		}
		if len(fields) == 0 {
			return ErrNotFound
		}
		current, err := unmarshalFields(fields)
		if err != nil {
			return err
		}
		if err := job.ValidateTransition(current.Status, next); err != nil {
			return err
		}
		current.Status = next
		if mutate != nil {
			mutate(current)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, marshalFields(current))
			return nil
		})
		return err
	}

	err := s.rdb.Watch(ctx, txf, key)
	if err == redis.TxFailedErr {
		return ErrLostRace
	}
	return err
}

// UpdateFields mutates fields on a job record without transitioning its
// status — used for in-flight updates like persisting the commit SHA
// resolved from a "HEAD" pointer while the job is still RUNNING.
func (s *StatusStore) UpdateFields(ctx context.Context, id string, mutate TransitionFn) error {
	key := jobKey(id)
	txf := func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("read job %s: %w", id, err)
		}
		if len(fields) == 0 {
			return ErrNotFound
		}
		current, err := unmarshalFields(fields)
		if err != nil {
			return err
		}
		if mutate != nil {
			mutate(current)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, marshalFields(current))
			return nil
		})
		return err
	}

	err := s.rdb.Watch(ctx, txf, key)
	if err == redis.TxFailedErr {
		return ErrLostRace
	}
	return err
}

// ErrLostRace is returned by UpdateStatus when another writer committed a
// conflicting transition to the same job between the read and the write.
var ErrLostRace = fmt.Errorf("redisqueue: lost compare-and-set race on job status")

// RequestCancel sets the cooperative cancel flag an agent's sandbox polls.
func (s *StatusStore) RequestCancel(ctx context.Context, id string) error {
	return s.rdb.HSet(ctx, jobKey(id), "cancel_requested", "1").Err()
}

// CancelRequested reports whether cancellation has been requested for id.
func (s *StatusStore) CancelRequested(ctx context.Context, id string) (bool, error) {
	v, err := s.rdb.HGet(ctx, jobKey(id), "cancel_requested").Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read cancel flag for %s: %w", id, err)
	}
	return v == "1", nil
}

// AppendLog appends one line to a job's log substream and returns the
// stream-assigned entry id.
func (s *StatusStore) AppendLog(ctx context.Context, id string, entry job.LogEntry) (string, error) {
	entryID, err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: logKey(id),
		Values: map[string]interface{}{
			"timestamp": entry.Timestamp.UTC().Format(time.RFC3339Nano),
			"level":     entry.Level,
			"message":   entry.Message,
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("append log for job %s: %w", id, err)
	}
	return entryID, nil
}

// ReadLogs returns the log entries for id strictly after afterID (use "0"
// for the beginning), in append order.
func (s *StatusStore) ReadLogs(ctx context.Context, id, afterID string) ([]job.LogEntry, error) {
	start := afterID
	if start == "" {
		start = "0"
	} else {
		start = "(" + start
	}

	msgs, err := s.rdb.XRange(ctx, logKey(id), start, "+").Result()
	if err != nil {
		return nil, fmt.Errorf("read logs for job %s: %w", id, err)
	}

	entries := make([]job.LogEntry, 0, len(msgs))
	for _, msg := range msgs {
		ts, _ := time.Parse(time.RFC3339Nano, fmt.Sprint(msg.Values["timestamp"]))
		entries = append(entries, job.LogEntry{
			ID:        msg.ID,
			Timestamp: ts,
			Level:     fmt.Sprint(msg.Values["level"]),
			Message:   fmt.Sprint(msg.Values["message"]),
		})
	}
	return entries, nil
}

// TailLogs blocks up to block waiting for log entries strictly after
// afterID, returning immediately once at least one arrives. It returns a
// nil slice, not an error, when the wait times out with nothing new — the
// fan-out reader's cue to re-check whether the job has gone terminal.
func (s *StatusStore) TailLogs(ctx context.Context, id, afterID string, block time.Duration) ([]job.LogEntry, error) {
	start := afterID
	if start == "" {
		start = "0"
	}

	streams, err := s.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{logKey(id), start},
		Block:   block,
		Count:   100,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("tail logs for job %s: %w", id, err)
	}
	if len(streams) == 0 {
		return nil, nil
	}

	entries := make([]job.LogEntry, 0, len(streams[0].Messages))
	for _, msg := range streams[0].Messages {
		ts, _ := time.Parse(time.RFC3339Nano, fmt.Sprint(msg.Values["timestamp"]))
		entries = append(entries, job.LogEntry{
			ID:        msg.ID,
			Timestamp: ts,
			Level:     fmt.Sprint(msg.Values["level"]),
			Message:   fmt.Sprint(msg.Values["message"]),
		})
	}
	return entries, nil
}

func marshalFields(j *job.Job) map[string]interface{} {
	fields := map[string]interface{}{
		"id":     j.ID,
		"repo":   j.Repo,
		"branch": j.Branch,
		"commit": j.Commit,
		"status": string(j.Status),
	}
	if j.Reason != job.ReasonNone {
		fields["reason"] = string(j.Reason)
	}
	if j.StartedAt != nil {
		fields["started_at"] = j.StartedAt.UTC().Format(time.RFC3339Nano)
	}
	if j.FinishedAt != nil {
		fields["finished_at"] = j.FinishedAt.UTC().Format(time.RFC3339Nano)
	}
	if j.AgentID != "" {
		fields["agent_id"] = j.AgentID
	}
	if j.ExitCode != nil {
		fields["exit_code"] = strconv.Itoa(*j.ExitCode)
	}
	if j.CancelRequested {
		fields["cancel_requested"] = "1"
	}
	return fields
}

func unmarshalFields(fields map[string]string) (*job.Job, error) {
	j := &job.Job{
		ID:     fields["id"],
		Repo:   fields["repo"],
		Branch: fields["branch"],
		Commit: fields["commit"],
		Status: job.Status(fields["status"]),
		Reason: job.Reason(fields["reason"]),
	}
	if v, ok := fields["started_at"]; ok && v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		j.StartedAt = &t
	}
	if v, ok := fields["finished_at"]; ok && v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("parse finished_at: %w", err)
		}
		j.FinishedAt = &t
	}
	j.AgentID = fields["agent_id"]
	if v, ok := fields["exit_code"]; ok && v != "" {
		code, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("parse exit_code: %w", err)
		}
		j.ExitCode = &code
	}
	j.CancelRequested = fields["cancel_requested"] == "1"
	return j, nil
}
