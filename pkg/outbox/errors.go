package outbox

import (
	"errors"
	"fmt"
)

// Error kinds. Callers classify failures with errors.Is.
//
// A gateway failure is ErrGatewayRejected when the gateway refused the message or token and
// ErrGatewayUnavailable when it could not be reached or failed on its side (transport errors,
// 429, 5xx).
var (
	ErrConfig             = errors.New("configuration error")
	ErrStore              = errors.New("store error")
	ErrCrypto             = errors.New("crypto error")
	ErrAuthExchange       = errors.New("auth exchange error")
	ErrGatewayRejected    = errors.New("gateway rejected")
	ErrGatewayUnavailable = errors.New("gateway unavailable")
	ErrNoActiveTarget     = errors.New("no active delivery target")
)

// RemoteError is returned when a remote HTTP endpoint answers with a non-success status.
// It unwraps to its Kind.
type RemoteError struct {
	Kind       error
	StatusCode int
	Body       string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%v: status %d: %s", e.Kind, e.StatusCode, e.Body)
}

func (e *RemoteError) Unwrap() error {
	return e.Kind
}
