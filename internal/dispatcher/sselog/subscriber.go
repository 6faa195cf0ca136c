// Package sselog fans a job's append-only log substream out to HTTP
// subscribers. Each subscription is a tagged union of states
// {catchingUp, tailing, draining, closed}, transitioned only by its own
// reader goroutine; the goroutine that writes to the socket never touches
// shared state, it only drains the subscription's channel.
package sselog

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/raibid-ci/raibid/internal/job"
)

// State is a subscription's position in its lifecycle.
type State string

const (
	// StateCatchingUp is replaying history from the beginning of the log
	// substream.
	StateCatchingUp State = "catching_up"
	// StateTailing is blocked waiting for new entries on a live job.
	StateTailing State = "tailing"
	// StateDraining has observed the job reach a terminal status and is
	// reading any entries appended before the final ack.
	StateDraining State = "draining"
	// StateClosed has delivered the complete history and will emit no
	// further batches.
	StateClosed State = "closed"
)

// JobStatusReader is the minimal dependency a Subscription needs to decide
// when to stop tailing: whether the job has reached a terminal status.
type JobStatusReader interface {
	GetJob(ctx context.Context, id string) (*job.Job, error)
}

// LogReader is the minimal dependency a Subscription needs to read a job's
// log substream.
type LogReader interface {
	ReadLogs(ctx context.Context, id, afterID string) ([]job.LogEntry, error)
	TailLogs(ctx context.Context, id, afterID string, block time.Duration) ([]job.LogEntry, error)
}

// Store is the combined dependency a Subscription needs; *redisqueue.StatusStore
// satisfies it without modification.
type Store interface {
	JobStatusReader
	LogReader
}

// tailBlock bounds each blocking tail read; it is also the keep-alive
// period, since the reader emits a keep-alive whenever a tail read times
// out with nothing new.
const tailBlock = 800 * time.Millisecond

// Subscription drives one subscriber's reader goroutine. Batches delivers
// groups of log entries in append order; KeepAlive fires when nothing new
// arrived within one tail window; Done closes once the subscription has
// delivered the complete history of a terminal job.
type Subscription struct {
	jobID string

	batches   chan []job.LogEntry
	keepAlive chan struct{}
	done      chan struct{}

	state atomic.Value // State
}

// Subscribe starts a Subscription's reader goroutine against jobID. The
// caller's ctx governs the subscription's lifetime: cancelling it (the
// HTTP handler's request context on client disconnect) releases the
// reader promptly.
func Subscribe(ctx context.Context, store Store, jobID string) *Subscription {
	s := &Subscription{
		jobID:     jobID,
		batches:   make(chan []job.LogEntry, 16),
		keepAlive: make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	s.setState(StateCatchingUp)
	go s.run(ctx, store)
	return s
}

// Batches yields each delivered batch of log entries, in append order.
func (s *Subscription) Batches() <-chan []job.LogEntry { return s.batches }

// KeepAlive fires once per idle tail window; the HTTP writer goroutine
// turns each firing into one SSE comment frame.
func (s *Subscription) KeepAlive() <-chan struct{} { return s.keepAlive }

// Done closes once the subscription has delivered a terminal job's
// complete history, or its context was cancelled.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// State reports the subscription's current lifecycle position.
func (s *Subscription) State() State {
	v, _ := s.state.Load().(State)
	return v
}

func (s *Subscription) setState(st State) { s.state.Store(st) }

func (s *Subscription) run(ctx context.Context, store Store) {
	defer close(s.done)

	lastID := ""

	history, err := store.ReadLogs(ctx, s.jobID, "")
	if err != nil {
		return
	}
	if len(history) > 0 {
		lastID = history[len(history)-1].ID
		if !s.deliver(ctx, history) {
			return
		}
	}

	if s.jobTerminal(ctx, store) {
		s.setState(StateDraining)
	} else {
		s.setState(StateTailing)
	}

	for {
		if ctx.Err() != nil {
			return
		}

		entries, err := store.TailLogs(ctx, s.jobID, lastID, tailBlock)
		if err != nil {
			return
		}

		if len(entries) == 0 {
			select {
			case s.keepAlive <- struct{}{}:
			default:
			}

			if s.State() == StateDraining {
				// A draining subscription with nothing left to read has
				// delivered the complete history of a terminal job.
				s.setState(StateClosed)
				return
			}
			if s.jobTerminal(ctx, store) {
				s.setState(StateDraining)
			}
			continue
		}

		lastID = entries[len(entries)-1].ID
		if !s.deliver(ctx, entries) {
			return
		}

		if s.State() != StateDraining && s.jobTerminal(ctx, store) {
			s.setState(StateDraining)
		}
	}
}

func (s *Subscription) deliver(ctx context.Context, batch []job.LogEntry) bool {
	select {
	case s.batches <- batch:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Subscription) jobTerminal(ctx context.Context, store JobStatusReader) bool {
	j, err := store.GetJob(ctx, s.jobID)
	if err != nil {
		return false
	}
	return j.Status.Terminal()
}
