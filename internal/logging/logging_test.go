package logging

import "testing"

func TestNewJSONFormat(t *testing.T) {
	logger, err := New("info", FormatJSON)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer logger.Sync()
	if logger == nil {
		t.Fatal("expected a non-nil logger")
	}
}

func TestNewTextFormat(t *testing.T) {
	logger, err := New("debug", FormatText)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer logger.Sync()
	logger.Info("hello")
}

func TestNewRejectsInvalidLevel(t *testing.T) {
	if _, err := New("not-a-level", FormatJSON); err == nil {
		t.Fatal("expected an error for an invalid log level")
	}
}
