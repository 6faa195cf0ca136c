package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"testing"
)

func TestIdempotencyKeyPrefersDeliveryID(t *testing.T) {
	got := IdempotencyKey("delivery-123", "owner/repo", "refs/heads/main", "abc")
	if got != "delivery-123" {
		t.Errorf("IdempotencyKey() = %q, want delivery id", got)
	}
}

func TestIdempotencyKeyHashesWhenDeliveryIDAbsent(t *testing.T) {
	a := IdempotencyKey("", "owner/repo", "refs/heads/main", "abc")
	b := IdempotencyKey("", "owner/repo", "refs/heads/main", "abc")
	if a != b {
		t.Error("expected deterministic hash for identical inputs")
	}
	c := IdempotencyKey("", "owner/repo", "refs/heads/main", "def")
	if a == c {
		t.Error("expected different hashes for different commits")
	}
	if len(a) != 64 {
		t.Errorf("expected a hex sha256 digest (64 chars), got %d", len(a))
	}
}

func TestPushEventBranch(t *testing.T) {
	e := PushEvent{Ref: "refs/heads/main"}
	if got := e.Branch(); got != "main" {
		t.Errorf("Branch() = %q, want main", got)
	}

	e2 := PushEvent{Ref: "main"}
	if got := e2.Branch(); got != "main" {
		t.Errorf("Branch() on bare ref = %q, want main", got)
	}
}

func sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestGenericValidateAcceptsCorrectSignature(t *testing.T) {
	secret := []byte("shared-secret")
	payload := map[string]any{
		"repository": map[string]any{"full_name": "owner/repo"},
		"ref":        "refs/heads/main",
		"after":      "abc123",
	}
	body, _ := json.Marshal(payload)

	headers := http.Header{}
	headers.Set("X-Signature-256", sign(secret, body))
	headers.Set("X-Event-Type", "push")
	headers.Set("X-Delivery-ID", "d-1")

	provider := Generic{
		SignatureHeader:  "X-Signature-256",
		DeliveryIDHeader: "X-Delivery-ID",
		EventHeader:      "X-Event-Type",
		PushEventValue:   "push",
	}

	event, err := provider.Validate(body, headers, secret)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if event.Repo != "owner/repo" || event.Ref != "refs/heads/main" || event.After != "abc123" {
		t.Errorf("Validate() = %+v, want owner/repo@refs/heads/main after abc123", *event)
	}
	if event.DeliveryID != "d-1" {
		t.Errorf("DeliveryID = %q, want d-1", event.DeliveryID)
	}
}

func TestGenericValidateRejectsBadSignature(t *testing.T) {
	secret := []byte("shared-secret")
	body := []byte(`{"repository":{"full_name":"owner/repo"},"ref":"refs/heads/main","after":"abc123"}`)

	headers := http.Header{}
	headers.Set("X-Signature-256", "not-a-valid-signature")

	provider := Generic{SignatureHeader: "X-Signature-256"}
	_, err := provider.Validate(body, headers, secret)
	if err == nil {
		t.Fatal("expected an error for a tampered/missing signature")
	}
}

func TestGenericValidateUnsupportedEvent(t *testing.T) {
	secret := []byte("shared-secret")
	body := []byte(`{}`)
	headers := http.Header{}
	headers.Set("X-Signature-256", sign(secret, body))
	headers.Set("X-Event-Type", "issue_comment")

	provider := Generic{
		SignatureHeader: "X-Signature-256",
		EventHeader:     "X-Event-Type",
		PushEventValue:  "push",
	}
	_, err := provider.Validate(body, headers, secret)
	if err != ErrUnsupportedEvent {
		t.Errorf("Validate() err = %v, want ErrUnsupportedEvent", err)
	}
}

func TestGenericValidateChecksSignatureBeforeEventType(t *testing.T) {
	secret := []byte("shared-secret")
	body := []byte(`{}`)

	// Bad signature AND a non-push event type: authentication failure
	// wins; the delivery must be rejected, not silently no-op'd.
	headers := http.Header{}
	headers.Set("X-Signature-256", "not-a-valid-signature")
	headers.Set("X-Event-Type", "issue_comment")

	provider := Generic{
		SignatureHeader: "X-Signature-256",
		EventHeader:     "X-Event-Type",
		PushEventValue:  "push",
	}
	_, err := provider.Validate(body, headers, secret)
	if err != ErrInvalidSignature {
		t.Errorf("Validate() err = %v, want ErrInvalidSignature", err)
	}
}
