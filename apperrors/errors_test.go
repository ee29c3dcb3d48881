package apperrors

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindString(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{KindValidation, "validation"},
		{KindPermission, "permission"},
		{KindNotFound, "not_found"},
		{KindDelivery, "delivery"},
		{KindStateMismatch, "state_mismatch"},
		{KindUnknown, "unknown"},
		{Kind(999), "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.kind.String(); got != tt.want {
				t.Errorf("Kind.String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestKindOfWrapped(t *testing.T) {
	base := NotFound("chat %d is not registered", -1001)
	wrapped := fmt.Errorf("manage chat: %w", base)
	if got := KindOf(wrapped); got != KindNotFound {
		t.Errorf("KindOf(wrapped) = %v, want %v", got, KindNotFound)
	}
	if got := KindOf(errors.New("boom")); got != KindUnknown {
		t.Errorf("KindOf(plain) = %v, want %v", got, KindUnknown)
	}
}

func TestUserMessage(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantShow bool
		wantMsg  string
	}{
		{"validation", Validation("room id must be a number"), true, "room id must be a number"},
		{"permission", Permission("not allowed"), true, "not allowed"},
		{"not found", NotFound("missing"), true, "missing"},
		{"delivery", Delivery(errors.New("timeout"), "send to %d", 1), false, ""},
		{"state mismatch", StateMismatch("idle"), false, ""},
		{"plain", errors.New("db down"), false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, show := UserMessage(tt.err)
			if show != tt.wantShow {
				t.Fatalf("UserMessage show = %v, want %v", show, tt.wantShow)
			}
			if msg != tt.wantMsg {
				t.Errorf("UserMessage msg = %q, want %q", msg, tt.wantMsg)
			}
		})
	}
}

func TestDeliveryUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := Delivery(cause, "send to %d", -1002)
	if !errors.Is(err, cause) {
		t.Error("expected Delivery error to unwrap to its cause")
	}
	if err.Error() != "send to -1002: connection reset" {
		t.Errorf("Error() = %q", err.Error())
	}
}
