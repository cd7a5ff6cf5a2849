package cloud

import (
	"errors"
	"fmt"
	"time"
)

// Code is the coarse error classification callers branch on. The
// owning loop decides retry behavior from the code, never from the
// message text.
type Code string

const (
	// CodeUnauthorized: the cloud rejected the credential and a
	// refresh did not help (or was impossible).
	CodeUnauthorized Code = "UNAUTHORIZED"

	// CodeDeviceTokenExpired: token refresh itself failed. Fatal to
	// the relay session; the user must re-register.
	CodeDeviceTokenExpired Code = "DEVICE_TOKEN_EXPIRED"

	// CodeRateLimited: the cloud asked us to back off and the client
	// exhausted its transparent retries.
	CodeRateLimited Code = "RATE_LIMITED"

	// CodeAPIError: the cloud answered with a server-side failure.
	CodeAPIError Code = "API_ERROR"

	// CodeNetworkError: the request never produced an HTTP response.
	CodeNetworkError Code = "NETWORK_ERROR"
)

// APIError is the error type returned by every Client method.
type APIError struct {
	Code       Code
	Status     int // HTTP status, 0 when no response was received
	Message    string
	RetryAfter time.Duration // populated for CodeRateLimited
	Err        error
}

func (e *APIError) Error() string {
	switch {
	case e.Message != "" && e.Status != 0:
		return fmt.Sprintf("%s: HTTP %d: %s", e.Code, e.Status, e.Message)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	default:
		return string(e.Code)
	}
}

func (e *APIError) Unwrap() error { return e.Err }

// IsCode reports whether err is an *APIError carrying code.
func IsCode(err error, code Code) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Code == code
}
