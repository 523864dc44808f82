package resilience

import (
	"errors"
	"testing"
)

func TestDLQEntryCanRetry(t *testing.T) {
	e := &DLQEntry{RetryCount: 0, MaxRetries: 3}
	if !e.CanRetry() {
		t.Error("expected fresh entry to be retryable")
	}

	e.RetryCount = 3
	if e.CanRetry() {
		t.Error("expected exhausted entry to not be retryable")
	}
}

func TestClassifyError(t *testing.T) {
	if got := ClassifyError(NewTransientError(errors.New("503"), 503)); got != "transient" {
		t.Errorf("expected transient, got %s", got)
	}
	if got := ClassifyError(errors.New("schema violation")); got != "permanent" {
		t.Errorf("expected permanent, got %s", got)
	}
}
