package core

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestExecutionError_Error(t *testing.T) {
	err := &ExecutionError{
		Category: ErrCategoryAssertion,
		Code:     "test_error",
		Message:  "test message",
	}

	if got := err.Error(); got != "test message" {
		t.Errorf("Error() = %q, want %q", got, "test message")
	}
}

func TestExecutionError_ErrorWithCause(t *testing.T) {
	err := ErrActionFailed.WithCause(errors.New("element is detached"))

	got := err.Error()
	if !strings.Contains(got, "action failed") {
		t.Errorf("Error() = %q, should contain 'action failed'", got)
	}
	if !strings.Contains(got, "element is detached") {
		t.Errorf("Error() = %q, should contain 'element is detached'", got)
	}
}

func TestExecutionError_Unwrap(t *testing.T) {
	cause := errors.New("underlying error")
	err := &ExecutionError{Message: "wrapper", Cause: cause}

	if got := err.Unwrap(); got != cause {
		t.Errorf("Unwrap() = %v, want %v", got, cause)
	}
}

func TestExecutionError_CopyOnWrite(t *testing.T) {
	original := ErrElementNotFound

	withCause := original.WithCause(errors.New("x"))
	withMsg := original.WithMessage("custom message")
	withDetails := original.WithDetails(map[string]interface{}{"reason": "hidden"})

	if original.Cause != nil || original.Message != "element not found" || original.Details != nil {
		t.Errorf("predefined error was mutated: %+v", original)
	}
	if withCause.Code != original.Code || withCause.Kind != KindElementNotFound {
		t.Errorf("WithCause() lost code/kind: %+v", withCause)
	}
	if withMsg.Message != "custom message" {
		t.Errorf("Message = %s, want 'custom message'", withMsg.Message)
	}
	if withDetails.Details["reason"] != "hidden" {
		t.Errorf("Details = %v", withDetails.Details)
	}

	merged := withDetails.WithDetails(map[string]interface{}{"matches": 2})
	if merged.Details["reason"] != "hidden" || merged.Details["matches"] != 2 {
		t.Errorf("WithDetails() did not merge: %v", merged.Details)
	}
	if _, ok := withDetails.Details["matches"]; ok {
		t.Error("WithDetails() mutated the receiver's details")
	}
}

func TestExecutionError_WithMessagef(t *testing.T) {
	err := ErrPostConditionTimeout.WithMessagef("waited %dms", 500)
	if err.Message != "waited 500ms" {
		t.Errorf("Message = %q", err.Message)
	}
}

func TestExecutionError_ErrorsIs(t *testing.T) {
	cause := errors.New("root cause")
	err := ErrInvalidFlow.WithCause(cause).WithMessage("steps: empty")

	if !errors.Is(err, cause) {
		t.Error("errors.Is() should find the cause")
	}
	if !errors.Is(err, ErrInvalidFlow) {
		t.Error("errors.Is() should match the predefined error by code")
	}
	if errors.Is(err, ErrTargetBusy) {
		t.Error("errors.Is() matched a different code")
	}

	wrapped := fmt.Errorf("run: %w", ErrTargetBusy)
	if !errors.Is(wrapped, ErrTargetBusy) {
		t.Error("errors.Is() should see through fmt wrapping")
	}
}

func TestFailureKind_String(t *testing.T) {
	tests := []struct {
		kind FailureKind
		want string
	}{
		{KindNone, "None"},
		{KindElementNotFound, "ElementNotFound"},
		{KindActionFailed, "ActionFailed"},
		{KindPostConditionTimeout, "PostConditionTimeout"},
		{KindUnexpectedTargetState, "UnexpectedTargetState"},
		{KindCancelled, "Cancelled"},
		{FailureKind(42), "Unknown"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
		if tt.want != "Unknown" && ParseFailureKind(tt.want) != tt.kind {
			t.Errorf("ParseFailureKind(%q) = %v, want %v", tt.want, ParseFailureKind(tt.want), tt.kind)
		}
	}
}

func TestFailureKind_Retryable(t *testing.T) {
	retryable := map[FailureKind]bool{
		KindElementNotFound:       true,
		KindActionFailed:          true,
		KindPostConditionTimeout:  true,
		KindUnexpectedTargetState: false,
		KindCancelled:             false,
		KindNone:                  false,
	}
	for k, want := range retryable {
		if got := k.Retryable(); got != want {
			t.Errorf("%s.Retryable() = %v, want %v", k, got, want)
		}
	}
}

func TestErrorForKind(t *testing.T) {
	for _, k := range []FailureKind{KindElementNotFound, KindActionFailed, KindPostConditionTimeout, KindUnexpectedTargetState, KindCancelled} {
		err := ErrorForKind(k)
		if err == nil {
			t.Fatalf("ErrorForKind(%s) = nil", k)
		}
		if err.Kind != k {
			t.Errorf("ErrorForKind(%s).Kind = %s", k, err.Kind)
		}
		if err.Category != k.Category() {
			t.Errorf("ErrorForKind(%s).Category = %s, want %s", k, err.Category, k.Category())
		}
	}
	if ErrorForKind(KindNone) != nil {
		t.Error("ErrorForKind(KindNone) should be nil")
	}
}

func TestLocateMiss_Error(t *testing.T) {
	tests := []struct {
		miss *LocateMiss
		want string
	}{
		{&LocateMiss{Reason: MissAbsent}, "no element matches"},
		{&LocateMiss{Reason: MissAmbiguous, Matches: 3}, "locator is ambiguous (3 matches)"},
		{&LocateMiss{Reason: MissHidden, Matches: 1}, "element is not visible (1 matches)"},
		{&LocateMiss{Reason: MissDisabled, Matches: 1}, "element is disabled"},
	}
	for _, tt := range tests {
		if got := tt.miss.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}

	var miss *LocateMiss
	if !errors.As(fmt.Errorf("locate: %w", &LocateMiss{Reason: MissHidden}), &miss) || miss.Reason != MissHidden {
		t.Error("errors.As() should find *LocateMiss")
	}
}
