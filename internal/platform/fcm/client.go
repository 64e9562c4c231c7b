// Package fcm delivers push messages through Firebase Cloud Messaging.
package fcm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"firebase.google.com/go/v4/messaging"
	"github.com/tinywideclouds/go-outbox-dispatcher/pkg/dispatch"
	"github.com/tinywideclouds/go-outbox-dispatcher/pkg/outbox"
)

const DefaultBaseURL = "https://fcm.googleapis.com"

// ClientConfig configures the HTTP v1 client.
type ClientConfig struct {
	BaseURL   string
	ProjectID string
	Timeout   time.Duration
	Options   MessageOptions
}

// Client calls the FCM HTTP v1 send endpoint directly with a bearer token taken from a
// TokenSource. It performs exactly one request per Send.
type Client struct {
	httpClient *http.Client
	tokens     dispatch.TokenSource
	endpoint   string
	opts       MessageOptions
	logger     *slog.Logger
}

type sendRequest struct {
	Message *messaging.Message `json:"message"`
}

// invalidator is implemented by token sources that cache.
type invalidator interface {
	Invalidate()
}

func NewClient(cfg ClientConfig, tokens dispatch.TokenSource, httpClient *http.Client, logger *slog.Logger) (*Client, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("%w: fcm project id is required", outbox.ErrConfig)
	}
	if tokens == nil {
		return nil, fmt.Errorf("%w: fcm client needs a token source", outbox.ErrConfig)
	}
	base := cfg.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		httpClient: httpClient,
		tokens:     tokens,
		endpoint:   fmt.Sprintf("%s/v1/projects/%s/messages:send", strings.TrimRight(base, "/"), cfg.ProjectID),
		opts:       cfg.Options,
		logger:     logger.With("component", "FCMClient"),
	}, nil
}

// Send delivers n to one device token.
func (c *Client) Send(ctx context.Context, token string, n outbox.Notification) error {
	bearer, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(sendRequest{Message: BuildMessage(token, n, c.opts)})
	if err != nil {
		return fmt.Errorf("failed to marshal fcm message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build fcm request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: fcm transport failed: %v", outbox.ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if resp.StatusCode == http.StatusUnauthorized {
			// The next send mints a fresh token.
			if inv, ok := c.tokens.(invalidator); ok {
				inv.Invalidate()
			}
		}
		kind := statusKind(resp.StatusCode)
		c.logger.Warn("FCM did not accept message", "status", resp.StatusCode, "kind", kind, "token", shortToken(token))
		return &outbox.RemoteError{Kind: kind, StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	c.logger.Debug("FCM accepted message", "token", shortToken(token))
	return nil
}

func statusKind(code int) error {
	if code == http.StatusTooManyRequests || code >= http.StatusInternalServerError {
		return outbox.ErrGatewayUnavailable
	}
	return outbox.ErrGatewayRejected
}
