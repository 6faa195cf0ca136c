package webhook

import (
	"bytes"
	"fmt"
	"io"
	"net/http"

	"github.com/google/go-github/v69/github"
)

// GitHub validates and decodes GitHub's push webhook using go-github's own
// signature verification and event decoder.
type GitHub struct{}

// Name implements Provider.
func (GitHub) Name() string { return "github" }

// Validate implements Provider. go-github's ValidatePayload reads
// X-Hub-Signature-256, computes HMAC-SHA256 over the body with secret, and
// compares in constant time; it returns an error on mismatch, which this
// method maps to ErrInvalidSignature.
func (GitHub) Validate(body []byte, headers http.Header, secret []byte) (*PushEvent, error) {
	req := &http.Request{
		Header: headers,
		Body:   io.NopCloser(bytes.NewReader(body)),
	}
	payload, err := github.ValidatePayload(req, secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	eventType := github.WebHookType(req)
	rawEvent, err := github.ParseWebHook(eventType, payload)
	if err != nil {
		return nil, fmt.Errorf("parse github webhook: %w", err)
	}

	pushEvent, ok := rawEvent.(*github.PushEvent)
	if !ok {
		return nil, ErrUnsupportedEvent
	}

	var repo string
	if pushEvent.Repo != nil && pushEvent.Repo.FullName != nil {
		repo = *pushEvent.Repo.FullName
	}

	return &PushEvent{
		Repo:       repo,
		Ref:        pushEvent.GetRef(),
		After:      pushEvent.GetAfter(),
		DeliveryID: headers.Get("X-GitHub-Delivery"),
	}, nil
}
