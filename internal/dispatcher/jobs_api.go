package dispatcher

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/raibid-ci/raibid/internal/apierr"
	"github.com/raibid-ci/raibid/internal/dispatcher/metrics"
	"github.com/raibid-ci/raibid/internal/dispatcher/sselog"
	"github.com/raibid-ci/raibid/internal/job"
	"github.com/raibid-ci/raibid/internal/redisqueue"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

type jobsHandler struct {
	deps Deps
}

type listJobsResponse struct {
	Jobs       []*job.Job `json:"jobs"`
	Total      int        `json:"total"`
	Offset     int        `json:"offset"`
	Limit      int        `json:"limit"`
	NextCursor string     `json:"next_cursor,omitempty"`
}

// List implements GET /jobs: optional status/repo/branch filters, paged by
// limit plus either an offset or a cursor (a next_cursor echoed back from
// a previous page, which takes precedence over offset).
func (h *jobsHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := redisqueue.ListFilter{
		Status: job.Status(q.Get("status")),
		Repo:   q.Get("repo"),
		Branch: q.Get("branch"),
	}
	if filter.Status != "" {
		switch filter.Status {
		case job.StatusPending, job.StatusRunning, job.StatusSuccess, job.StatusFailed, job.StatusCancelled:
		default:
			apierr.WriteJSON(w, apierr.BadRequest("invalid status filter "+string(filter.Status)))
			return
		}
	}

	limit := defaultPageLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			apierr.WriteJSON(w, apierr.BadRequest("invalid limit"))
			return
		}
		limit = n
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	offset := 0
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			apierr.WriteJSON(w, apierr.BadRequest("invalid offset"))
			return
		}
		offset = n
	}

	cursor := q.Get("cursor")

	jobs, total, nextCursor, err := h.deps.Store.ListJobs(r.Context(), filter, offset, limit, cursor)
	if err != nil {
		h.deps.Logger.Error("list jobs failed", zap.Error(err))
		apierr.WriteJSON(w, apierr.ServiceUnavailable("status store unavailable"))
		return
	}

	writeJSON(w, http.StatusOK, listJobsResponse{
		Jobs:       jobs,
		Total:      total,
		Offset:     offset,
		Limit:      limit,
		NextCursor: nextCursor,
	})
}

// Get implements GET /jobs/{id}.
func (h *jobsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	j, err := h.deps.Store.GetJob(r.Context(), id)
	if errors.Is(err, redisqueue.ErrNotFound) {
		apierr.WriteJSON(w, apierr.NotFound("job not found"))
		return
	}
	if err != nil {
		h.deps.Logger.Error("get job failed", zap.Error(err))
		apierr.WriteJSON(w, apierr.ServiceUnavailable("status store unavailable"))
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// Logs implements GET /jobs/{id}/logs: a text/event-stream of LogEntry
// batches, backed by one sselog.Subscription per connection. The request
// context (cancelled on client disconnect by net/http) is the subscription's
// lifetime, so a subscriber disconnect releases the reader promptly.
func (h *jobsHandler) Logs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := h.deps.Store.GetJob(r.Context(), id); errors.Is(err, redisqueue.ErrNotFound) {
		apierr.WriteJSON(w, apierr.NotFound("job not found"))
		return
	} else if err != nil {
		apierr.WriteJSON(w, apierr.ServiceUnavailable("status store unavailable"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		apierr.WriteJSON(w, apierr.Internal("streaming unsupported by this connection"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := sselog.Subscribe(r.Context(), h.deps.Store, id)
	metrics.IncLogSubscribersActive()
	defer metrics.DecLogSubscribersActive()

	for {
		select {
		case batch, ok := <-sub.Batches():
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "event: logs\ndata: %s\n\n", mustJSON(batch)); err != nil {
				return
			}
			flusher.Flush()
		case <-sub.KeepAlive():
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-sub.Done():
			return
		case <-r.Context().Done():
			return
		}
	}
}
