package dispatch

import (
	"context"
	"time"

	"github.com/tinywideclouds/go-outbox-dispatcher/pkg/outbox"
)

// Sender defines the contract for a component that delivers one notification to one
// device token (e.g., the FCM HTTP v1 API).
type Sender interface {
	// Send performs exactly one delivery attempt. It does not retry.
	Send(ctx context.Context, token string, n outbox.Notification) error
}

// TokenSource hands out a bearer token for the gateway, minting a new one when needed.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TargetResolver maps a recipient to the device tokens it can be reached on.
type TargetResolver interface {
	// Resolve returns the active targets for a recipient. A recipient with no active
	// targets yields an empty slice and a nil error.
	Resolve(ctx context.Context, recipientID string) ([]outbox.Target, error)
}

// OutboxStore claims pending records and persists their outcome.
type OutboxStore interface {
	// ClaimBatch returns up to limit pending records whose retry count is below
	// maxRetries, oldest first. It does not lock or mutate rows.
	ClaimBatch(ctx context.Context, limit, maxRetries int) ([]outbox.Record, error)

	// MarkSent moves a record to sent. Calling it on a record that is already sent
	// leaves the original sent_at in place.
	MarkSent(ctx context.Context, id string, sentAt time.Time) error

	// MarkFailed moves a record to the terminal failed state.
	MarkFailed(ctx context.Context, id string, errMsg string, retryCount int) error
}
