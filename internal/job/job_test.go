package job

import (
	"reflect"
	"testing"
	"time"
)

func TestStatusCanTransitionTo(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusSuccess, false},
		{StatusRunning, StatusSuccess, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusCancelled, true},
		{StatusRunning, StatusPending, false},
		{StatusSuccess, StatusRunning, false},
		{StatusFailed, StatusPending, false},
		{StatusCancelled, StatusRunning, false},
	}
	for _, c := range cases {
		if got := c.from.CanTransitionTo(c.to); got != c.want {
			t.Errorf("%s->%s: got %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestValidateTransitionRejectsTerminal(t *testing.T) {
	if err := ValidateTransition(StatusSuccess, StatusRunning); err == nil {
		t.Fatal("expected error moving out of a terminal status")
	}
	if err := ValidateTransition(StatusPending, StatusRunning); err != nil {
		t.Fatalf("unexpected error for legal transition: %v", err)
	}
}

func TestStatusTerminal(t *testing.T) {
	for _, s := range []Status{StatusSuccess, StatusFailed, StatusCancelled} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{StatusPending, StatusRunning} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestJobEncodeDecodeRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	code := 0
	original := Job{
		ID:        "J1",
		Repo:      "owner/name",
		Branch:    "main",
		Commit:    "abc123",
		Status:    StatusSuccess,
		Reason:    ReasonNone,
		StartedAt: &now,
		AgentID:   "agent-1",
		ExitCode:  &code,
	}

	encoded, err := original.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !reflect.DeepEqual(*decoded, original) {
		t.Errorf("round-trip mismatch: got %+v, want %+v", *decoded, original)
	}
}

func TestJobDurationBeforeTerminal(t *testing.T) {
	j := Job{StartedAt: nil}
	if _, ok := j.Duration(); ok {
		t.Error("expected no duration before StartedAt is set")
	}

	start := time.Now()
	j.StartedAt = &start
	if _, ok := j.Duration(); ok {
		t.Error("expected no duration before FinishedAt is set")
	}

	finish := start.Add(5 * time.Second)
	j.FinishedAt = &finish
	d, ok := j.Duration()
	if !ok {
		t.Fatal("expected a duration once both timestamps are set")
	}
	if d != 5*time.Second {
		t.Errorf("Duration() = %v, want 5s", d)
	}
}
