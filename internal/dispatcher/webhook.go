package dispatcher

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/raibid-ci/raibid/internal/apierr"
	"github.com/raibid-ci/raibid/internal/dispatcher/metrics"
	"github.com/raibid-ci/raibid/internal/job"
	"github.com/raibid-ci/raibid/internal/retry"
	"github.com/raibid-ci/raibid/internal/webhook"
)

// dispatchRetryBudget bounds the transient-fault retries on the webhook
// acceptance path; exhaustion surfaces as 503 and the provider retries the
// delivery itself.
var dispatchRetryBudget = retry.Budget{
	MaxElapsed:      2 * time.Second,
	MaxAttempts:     3,
	InitialInterval: 100 * time.Millisecond,
}

type webhookHandler struct {
	deps Deps
}

type acceptResponse struct {
	JobID string `json:"job_id"`
}

// Accept implements the accept-webhook algorithm: read the raw body,
// validate the signature, extract the push fields, compute the idempotency
// key, create-or-replay the job record, enqueue it, and return 202 — or
// the appropriate 204/400/401/503 along the way.
func (h *webhookHandler) Accept(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	providerName := chi.URLParam(r, "provider")
	logger := h.deps.Logger.With(zap.String("provider", providerName))

	provider, ok := h.deps.Providers[providerName]
	if !ok {
		apierr.WriteJSON(w, apierr.NotFound("unknown webhook provider "+providerName))
		return
	}
	secret := h.deps.Secrets[providerName]

	body, err := io.ReadAll(r.Body)
	if err != nil {
		apierr.WriteJSON(w, apierr.BadRequest("failed to read request body"))
		return
	}

	event, err := provider.Validate(body, r.Header, secret)
	switch {
	case errors.Is(err, webhook.ErrInvalidSignature):
		metrics.ObserveWebhookRejected(providerName, "invalid_signature")
		apierr.WriteJSON(w, apierr.Unauthorized("invalid webhook signature"))
		return
	case errors.Is(err, webhook.ErrUnsupportedEvent):
		metrics.ObserveWebhookRejected(providerName, "unsupported_event")
		w.WriteHeader(http.StatusNoContent)
		return
	case err != nil:
		metrics.ObserveWebhookRejected(providerName, "malformed_body")
		apierr.WriteJSON(w, apierr.BadRequest("failed to decode webhook payload: "+err.Error()))
		return
	}

	idemKey := webhook.IdempotencyKey(event.DeliveryID, event.Repo, event.Ref, event.After)

	j := &job.Job{
		ID:     uuid.New().String(),
		Repo:   event.Repo,
		Branch: event.Branch(),
		Commit: event.After,
		Status: job.StatusPending,
	}

	var (
		jobID   string
		created bool
	)
	err = retry.Do(ctx, dispatchRetryBudget, func() error {
		var createErr error
		jobID, created, createErr = h.deps.Store.CreateJob(ctx, idemKey, j)
		return createErr
	})
	if err != nil {
		logger.Error("failed to create job record", zap.Error(err))
		metrics.ObserveWebhookRejected(providerName, "unavailable")
		apierr.WriteJSON(w, apierr.ServiceUnavailable("status store unavailable"))
		return
	}
	if !created {
		writeJSON(w, http.StatusAccepted, acceptResponse{JobID: jobID})
		return
	}

	err = retry.Do(ctx, dispatchRetryBudget, func() error {
		_, enqueueErr := h.deps.Queue.Enqueue(ctx, j)
		return enqueueErr
	})
	if err != nil {
		// Record-created-but-not-enqueued is a dispatch-error terminal
		// failure, not a silent record.
		logger.Error("job record created but stream append failed", zap.Error(err), zap.String("job_id", j.ID))
		metrics.ObserveWebhookRejected(providerName, "unavailable")
		finishedAt := time.Now().UTC()
		_ = h.deps.Store.UpdateStatus(ctx, j.ID, job.StatusFailed, func(cur *job.Job) {
			cur.Reason = job.ReasonDispatchError
			cur.FinishedAt = &finishedAt
		})
		apierr.WriteJSON(w, apierr.ServiceUnavailable("failed to enqueue job"))
		return
	}

	metrics.ObserveJobEnqueued(providerName)
	writeJSON(w, http.StatusAccepted, acceptResponse{JobID: jobID})
}
