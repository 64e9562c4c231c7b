package fcm

import (
	"context"
	"fmt"
	"log/slog"

	"firebase.google.com/go/v4/messaging"
	"github.com/tinywideclouds/go-outbox-dispatcher/pkg/outbox"
)

// MessagingClient defines the subset of the Firebase Messaging API we use.
// *messaging.Client satisfies it.
type MessagingClient interface {
	Send(ctx context.Context, msg *messaging.Message) (string, error)
}

// SDKClient sends the same envelope as Client through the Firebase Admin SDK, which
// handles token minting itself.
type SDKClient struct {
	client MessagingClient
	opts   MessageOptions
	logger *slog.Logger
}

func NewSDKClient(client MessagingClient, opts MessageOptions, logger *slog.Logger) *SDKClient {
	return &SDKClient{
		client: client,
		opts:   opts,
		logger: logger.With("component", "FCMSDKClient"),
	}
}

func (d *SDKClient) Send(ctx context.Context, token string, n outbox.Notification) error {
	id, err := d.client.Send(ctx, BuildMessage(token, n, d.opts))
	if err != nil {
		if rejected(err) {
			d.logger.Warn("FCM rejected token", "token", shortToken(token), "err", err)
			return fmt.Errorf("%w: %v", outbox.ErrGatewayRejected, err)
		}
		return fmt.Errorf("%w: %v", outbox.ErrGatewayUnavailable, err)
	}
	d.logger.Debug("FCM accepted message", "message_id", id)
	return nil
}

// rejected matches the SDK error codes that mean FCM refused this message or token. Anything
// else, transport failures included, is treated as the gateway being unavailable.
func rejected(err error) bool {
	return messaging.IsInvalidArgument(err) ||
		messaging.IsRegistrationTokenNotRegistered(err) ||
		messaging.IsSenderIDMismatch(err) ||
		messaging.IsThirdPartyAuthError(err)
}
