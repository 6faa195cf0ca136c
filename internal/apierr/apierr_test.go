package apierr

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
)

func TestWriteJSONSetsStatusAndEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, NotFound("job J1 not found"))

	if rec.Code != 404 {
		t.Errorf("status = %d, want 404", rec.Code)
	}

	var got envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if got.Error.Code != CodeResourceNotFound {
		t.Errorf("code = %q, want %q", got.Error.Code, CodeResourceNotFound)
	}
	if got.Error.Message != "job J1 not found" {
		t.Errorf("message = %q", got.Error.Message)
	}
}

func TestWithDetailsDoesNotMutateOriginal(t *testing.T) {
	base := BadRequest("bad filter")
	withDetails := base.WithDetails("status must be one of pending|running|success|failed|cancelled")

	if base.Details != "" {
		t.Error("WithDetails mutated the receiver")
	}
	if withDetails.Details == "" {
		t.Error("expected the clone to carry details")
	}
}

func TestAllCodesMapToAStatus(t *testing.T) {
	for _, e := range []*Error{
		BadRequest("x"), Unauthorized("x"), Forbidden("x"),
		NotFound("x"), Conflict("x"), Internal("x"), ServiceUnavailable("x"),
	} {
		if e.Status() == 0 {
			t.Errorf("code %s has no mapped HTTP status", e.Code)
		}
	}
}
