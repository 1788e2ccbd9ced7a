package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestSentinelWithStateKeepsIdentity(t *testing.T) {
	sentinel := New(CodeInvalidState, "escrow already settled")
	derived := sentinel.With(WithState("completed"), WithMetadata("escrow_id", "e-1"))

	if !stdErrors.Is(derived, sentinel) {
		t.Fatalf("derived error should match sentinel by code")
	}
	if sentinel.State() != "" {
		t.Fatalf("sentinel must stay untouched, got state %q", sentinel.State())
	}
	if derived.State() != "completed" {
		t.Fatalf("unexpected state: %q", derived.State())
	}
	if derived.Metadata()["escrow_id"] != "e-1" {
		t.Fatalf("metadata not attached: %+v", derived.Metadata())
	}
}

func TestKindAndStateThroughWrapping(t *testing.T) {
	base := New(CodeUnauthorized, "only the requester may approve", WithState("awaiting_confirmation"))
	wrapped := fmt.Errorf("approve: %w", base)

	if KindOf(wrapped) != KindAuthorization {
		t.Fatalf("unexpected kind: %s", KindOf(wrapped))
	}
	if StateOf(wrapped) != "awaiting_confirmation" {
		t.Fatalf("unexpected state: %s", StateOf(wrapped))
	}
	if KindOf(stdErrors.New("plain")) != KindInternal {
		t.Fatalf("plain errors should be internal")
	}
}

func TestRegisterDefaultsKind(t *testing.T) {
	code := Code("TEST_REGISTER_DEFAULT")
	Register(code, Attributes{Message: "x"})
	if AttributesOf(code).Kind != KindInternal {
		t.Fatalf("expected internal kind for unclassified code")
	}
	if AttributesOf(Code("NEVER_REGISTERED")).Kind != KindInternal {
		t.Fatalf("unregistered code should fall back to UNKNOWN")
	}
}

func TestErrorString(t *testing.T) {
	err := Wrap(CodeStorageFailure, stdErrors.New("conn reset"), "update escrow", WithState("active"))
	want := "[STORAGE_FAILURE] update escrow (state=active): conn reset"
	if err.Error() != want {
		t.Fatalf("got %q want %q", err.Error(), want)
	}
	if !RetryableError(err) || !ShouldAlert(err) {
		t.Fatalf("storage failure should be retryable and alerting")
	}
}
