package channel

import (
	"errors"
	"fmt"
	"strings"
)

// Reason classifies why a plugin connection ended. The supervisor
// treats logged-out and replaced as fatal (no reconnect); everything
// else is transient.
type Reason string

const (
	// ReasonLoggedOut means the platform invalidated our session
	// (user unlinked the device, credentials revoked).
	ReasonLoggedOut Reason = "logged-out"

	// ReasonReplaced means another relay instance took over this
	// session and we must not fight it for the connection.
	ReasonReplaced Reason = "replaced"

	// ReasonConnectionLost is any recoverable transport failure.
	ReasonConnectionLost Reason = "connection-lost"

	// ReasonUnknown is the classification of last resort.
	ReasonUnknown Reason = "unknown"
)

// Fatal reports whether the supervisor should stop reconnecting.
func (r Reason) Fatal() bool {
	return r == ReasonLoggedOut || r == ReasonReplaced
}

// Error is a classified plugin failure. Adapters tag the errors they
// return from Start so the supervisor can decide between reconnecting
// and giving up without understanding platform specifics.
type Error struct {
	Reason Reason
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Classified wraps err with a reason tag.
func Classified(reason Reason, err error) *Error {
	return &Error{Reason: reason, Err: err}
}

// Classify extracts the reason tag from err. Untagged errors classify
// as unknown; a nil error classifies as connection-lost, matching a
// Start that returned cleanly while the supervisor still wants to run.
func Classify(err error) Reason {
	if err == nil {
		return ReasonConnectionLost
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Reason
	}
	return ReasonUnknown
}

// Adapter failure tags used in DeliveryResult.Error. Tags are checked
// before any substring heuristics when deciding retryability.
const (
	TagNetworkFailure       = "NETWORK_FAILURE"
	TagUnregisteredFailure  = "UNREGISTERED_FAILURE"
	TagIdentityFailure      = "IDENTITY_FAILURE"
	TagProofRequiredFailure = "PROOF_REQUIRED_FAILURE"
)

// nonRetryableHints are platform error fragments that indicate retrying
// the same send can never succeed. Substring matching is the fallback
// for adapters that surface raw platform strings instead of tags.
var nonRetryableHints = []string{
	"not found",
	"blocked",
	"not on whatsapp",
	"not on signal",
	"unregistered",
	"recipient unknown",
}

// Retryable decides whether a failed delivery should be re-queued by
// the server. Tagged errors are authoritative; untagged messages fall
// back to the hint scan; anything unrecognized is retryable.
func Retryable(errMsg string) bool {
	switch {
	case strings.Contains(errMsg, TagNetworkFailure):
		return true
	case strings.Contains(errMsg, TagUnregisteredFailure),
		strings.Contains(errMsg, TagIdentityFailure),
		strings.Contains(errMsg, TagProofRequiredFailure):
		return false
	}

	lower := strings.ToLower(errMsg)
	for _, hint := range nonRetryableHints {
		if strings.Contains(lower, hint) {
			return false
		}
	}
	return true
}
