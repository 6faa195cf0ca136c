// Package webhook validates inbound Git-provider push deliveries and turns
// them into the minimal facts the dispatcher needs to enqueue a job:
// repository, ref, resolved commit, and a stable delivery identifier.
package webhook

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
)

// ErrUnsupportedEvent signals a delivery whose event type is not a
// push-equivalent; the caller returns 204 with no enqueue.
var ErrUnsupportedEvent = errors.New("webhook: unsupported event type")

// ErrInvalidSignature signals a body/signature mismatch; the caller returns
// 401 and never retries the delivery internally.
var ErrInvalidSignature = errors.New("webhook: invalid signature")

// PushEvent is the subset of a provider payload the dispatcher acts on.
type PushEvent struct {
	Repo       string
	Ref        string
	After      string
	DeliveryID string
}

// Branch extracts the branch name from a "refs/heads/<branch>" ref. If Ref
// does not carry that prefix, it is returned unchanged.
func (e PushEvent) Branch() string {
	const prefix = "refs/heads/"
	if len(e.Ref) > len(prefix) && e.Ref[:len(prefix)] == prefix {
		return e.Ref[len(prefix):]
	}
	return e.Ref
}

// Provider validates one Git provider's webhook wire format and extracts a
// PushEvent from a raw delivery.
type Provider interface {
	// Name identifies the provider, matching the {provider} path segment
	// of POST /webhooks/{provider}.
	Name() string
	// Validate authenticates body against the signature carried in
	// headers using secret, then decodes it into a PushEvent. It returns
	// ErrInvalidSignature on a signature mismatch and ErrUnsupportedEvent
	// for a recognized-but-irrelevant event type.
	Validate(body []byte, headers http.Header, secret []byte) (*PushEvent, error)
}

// IdempotencyKey computes the stable identifier used to deduplicate
// enqueues for one delivery: the provider's delivery id when present,
// otherwise a hash of (repo, ref, after).
func IdempotencyKey(deliveryID, repo, ref, after string) string {
	if deliveryID != "" {
		return deliveryID
	}
	sum := sha256.Sum256([]byte(repo + "\x00" + ref + "\x00" + after))
	return hex.EncodeToString(sum[:])
}
