package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
)

// Generic is the provider-agnostic fallback for a Git server that is not
// GitHub (a GitLab-style host, or a bespoke mirror): HMAC-SHA256 over the
// raw body, constant-time compare via hmac.Equal. go-github's own
// ValidatePayload is a thin wrapper over the same stdlib call.
type Generic struct {
	// SignatureHeader is the header carrying the hex-encoded HMAC, e.g.
	// "X-Gitlab-Token" or a bespoke "X-Signature-256".
	SignatureHeader string
	// DeliveryIDHeader is the header carrying a stable per-delivery id, if
	// the provider sends one. May be empty.
	DeliveryIDHeader string
	// EventHeader and PushEventValue identify a push-equivalent event;
	// anything else is ErrUnsupportedEvent.
	EventHeader    string
	PushEventValue string
}

// genericPushPayload is the minimal JSON shape Generic expects: enough
// fields to extract (repo, ref, after) without committing to any one
// provider's full schema.
type genericPushPayload struct {
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	Ref   string `json:"ref"`
	After string `json:"after"`
}

// Name implements Provider.
func (g Generic) Name() string { return "generic" }

// Validate implements Provider. The signature is verified before anything
// else is looked at: a delivery that fails authentication is rejected even
// when its event type would have made it a no-op.
func (g Generic) Validate(body []byte, headers http.Header, secret []byte) (*PushEvent, error) {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))

	got := headers.Get(g.SignatureHeader)
	if !hmac.Equal([]byte(got), []byte(want)) {
		return nil, ErrInvalidSignature
	}

	if g.EventHeader != "" {
		if headers.Get(g.EventHeader) != g.PushEventValue {
			return nil, ErrUnsupportedEvent
		}
	}

	var payload genericPushPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode generic push payload: %w", err)
	}

	var deliveryID string
	if g.DeliveryIDHeader != "" {
		deliveryID = headers.Get(g.DeliveryIDHeader)
	}

	return &PushEvent{
		Repo:       payload.Repository.FullName,
		Ref:        payload.Ref,
		After:      payload.After,
		DeliveryID: deliveryID,
	}, nil
}
