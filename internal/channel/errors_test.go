package channel

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Reason
	}{
		{"nil means clean exit", nil, ReasonConnectionLost},
		{"untagged", errors.New("socket closed"), ReasonUnknown},
		{"tagged logged out", Classified(ReasonLoggedOut, errors.New("401 from server")), ReasonLoggedOut},
		{"tagged replaced", Classified(ReasonReplaced, nil), ReasonReplaced},
		{"wrapped tag survives", fmt.Errorf("start: %w", Classified(ReasonConnectionLost, errors.New("eof"))), ReasonConnectionLost},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestReasonFatal(t *testing.T) {
	if !ReasonLoggedOut.Fatal() || !ReasonReplaced.Fatal() {
		t.Error("logged-out and replaced must be fatal")
	}
	if ReasonConnectionLost.Fatal() || ReasonUnknown.Fatal() {
		t.Error("connection-lost and unknown must not be fatal")
	}
}

func TestErrorString(t *testing.T) {
	e := Classified(ReasonReplaced, errors.New("conflict stream"))
	if got := e.Error(); got != "replaced: conflict stream" {
		t.Errorf("Error() = %q", got)
	}
	bare := &Error{Reason: ReasonLoggedOut}
	if got := bare.Error(); got != "logged-out" {
		t.Errorf("Error() = %q", got)
	}
	if !errors.Is(e, e) {
		t.Error("errors.Is self-identity failed")
	}
	if got := errors.Unwrap(e); got == nil || got.Error() != "conflict stream" {
		t.Errorf("Unwrap() = %v", got)
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		want bool
	}{
		{"network tag", "NETWORK_FAILURE: dial tcp: timeout", true},
		{"unregistered tag", "UNREGISTERED_FAILURE", false},
		{"identity tag", "IDENTITY_FAILURE: key changed", false},
		{"proof tag", "PROOF_REQUIRED_FAILURE", false},
		{"not on whatsapp", "recipient is Not On WhatsApp", false},
		{"not found", "chat not found", false},
		{"blocked", "sender was blocked by recipient", false},
		{"unregistered word", "user unregistered from service", false},
		{"generic", "temporary failure, try again", true},
		{"empty", "", true},
		// A network tag wins even when the message also contains a hint
		// fragment, since tags are authoritative.
		{"tag beats hint", "NETWORK_FAILURE: route not found", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Retryable(tt.msg); got != tt.want {
				t.Errorf("Retryable(%q) = %v, want %v", tt.msg, got, tt.want)
			}
		})
	}
}

func TestKnown(t *testing.T) {
	for _, name := range []Name{WhatsApp, Signal, IMessage} {
		if !Known(name) {
			t.Errorf("Known(%q) = false", name)
		}
	}
	if Known("telegram") || Known("") {
		t.Error("Known accepted an unsupported channel")
	}
}
