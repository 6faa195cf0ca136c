// Package redisqueue wraps Redis Streams with consumer-group semantics into
// the two primitives the rest of raibid-ci needs: a durable, ordered queue
// of job.StreamEntry values, and the pending/orphan-claim operations an
// external autoscaler and the agent pool's recovery path both depend on.
package redisqueue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/raibid-ci/raibid/internal/job"
)

// jobField is the single stream field name carrying the serialized Job, per
// the queue format: "each entry has a single field `job`".
const jobField = "job"

// Queue wraps one Redis stream and one consumer group on it.
type Queue struct {
	rdb      *redis.Client
	stream   string
	group    string
	consumer string
}

// Config configures a Queue.
type Config struct {
	// Stream is the Redis key of the queue stream, e.g. "raibid:jobs".
	Stream string
	// Group is the consumer group name, e.g. "raibid-agents".
	Group string
	// Consumer is this process's consumer name within Group. The
	// dispatcher, which only ever enqueues, may leave this empty.
	Consumer string
}

// New wraps an already-connected go-redis client.
func New(rdb *redis.Client, cfg Config) *Queue {
	return &Queue{
		rdb:      rdb,
		stream:   cfg.Stream,
		group:    cfg.Group,
		consumer: cfg.Consumer,
	}
}

// EnsureGroup creates the consumer group, and the stream if it does not yet
// exist, idempotently.
func (q *Queue) EnsureGroup(ctx context.Context) error {
	err := q.rdb.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s on %s: %w", q.group, q.stream, err)
	}
	return nil
}

// Enqueue appends j to the stream, returning the assigned entry id.
func (q *Queue) Enqueue(ctx context.Context, j *job.Job) (string, error) {
	encoded, err := j.Encode()
	if err != nil {
		return "", fmt.Errorf("encode job %s: %w", j.ID, err)
	}
	id, err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]interface{}{jobField: string(encoded)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("enqueue job %s: %w", j.ID, err)
	}
	return id, nil
}

// Next blocks up to block for the next entry delivered to this queue's
// consumer, returning nil if none arrives within the window. The consumer
// name must have been set via Config.
func (q *Queue) Next(ctx context.Context, block time.Duration) (*job.StreamEntry, error) {
	if q.consumer == "" {
		return nil, fmt.Errorf("redisqueue: Next called with no consumer name configured")
	}

	streams, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("read from stream %s: %w", q.stream, err)
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return nil, nil
	}
	return parseMessage(streams[0].Messages[0])
}

// Ack acknowledges a successfully (or terminally) processed entry.
func (q *Queue) Ack(ctx context.Context, entryID string) error {
	return q.rdb.XAck(ctx, q.stream, q.group, entryID).Err()
}

// PendingCount returns the number of entries delivered to the group but not
// yet acknowledged — the authoritative outstanding-demand signal an
// external autoscaler sizes the agent pool from.
func (q *Queue) PendingCount(ctx context.Context) (int64, error) {
	summary, err := q.rdb.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("xpending %s/%s: %w", q.stream, q.group, err)
	}
	return summary.Count, nil
}

// ReclaimOrphans claims entries that have been pending for at least minIdle
// and hands them to this Queue's consumer, returning the reclaimed
// StreamEntry values so the caller can run them from scratch. This is the
// mechanism behind orphan recovery: an agent that crashed mid-build leaves
// its entry pending under its own consumer name forever, and a live
// consumer steals it here.
func (q *Queue) ReclaimOrphans(ctx context.Context, minIdle time.Duration, count int64) ([]job.StreamEntry, error) {
	if q.consumer == "" {
		return nil, fmt.Errorf("redisqueue: ReclaimOrphans called with no consumer name configured")
	}

	messages, _, err := q.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: q.consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("xautoclaim %s/%s: %w", q.stream, q.group, err)
	}

	entries := make([]job.StreamEntry, 0, len(messages))
	for _, msg := range messages {
		entry, err := parseMessage(msg)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, nil
}

// parseMessage decodes a raw stream message into a StreamEntry.
func parseMessage(msg redis.XMessage) (*job.StreamEntry, error) {
	raw, ok := msg.Values[jobField].(string)
	if !ok {
		return nil, fmt.Errorf("stream entry %s missing %q field", msg.ID, jobField)
	}
	j, err := job.Decode([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("stream entry %s: %w", msg.ID, err)
	}
	return &job.StreamEntry{EntryID: msg.ID, Job: *j}, nil
}
