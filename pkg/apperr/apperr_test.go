package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOfWrapped(t *testing.T) {
	sentinel := New(KindConflict, "listing is no longer active")
	wrapped := fmt.Errorf("execute trade: %w", sentinel)

	if got := KindOf(wrapped); got != KindConflict {
		t.Fatalf("KindOf = %v, want %v", got, KindConflict)
	}
	if got := MessageOf(wrapped); got != "listing is no longer active" {
		t.Fatalf("MessageOf = %q", got)
	}
	if !errors.Is(wrapped, sentinel) {
		t.Fatal("errors.Is should match the sentinel")
	}
}

func TestKindOfPlainError(t *testing.T) {
	if got := KindOf(errors.New("boom")); got != KindUnknown {
		t.Fatalf("KindOf = %v, want unknown", got)
	}
	if MessageOf(nil) != "" {
		t.Fatal("MessageOf(nil) should be empty")
	}
}
