package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tinywideclouds/go-outbox-dispatcher/pkg/outbox"
)

const (
	defaultTokenLifetime = time.Hour
	maxResponseBody      = 64 << 10
)

// AccessToken is a bearer credential for the gateway.
type AccessToken struct {
	Value     string
	ExpiresAt time.Time
}

// LogValue keeps the bearer value out of structured logs.
func (t *AccessToken) LogValue() slog.Value {
	return slog.GroupValue(slog.Time("expires_at", t.ExpiresAt))
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// Minter exchanges a self-signed assertion for an access token. Every call to Mint performs
// one token exchange; wrap it in a CachingTokenSource to reuse tokens.
type Minter struct {
	key    *ServiceAccountKey
	client *http.Client
	now    func() time.Time
	logger *slog.Logger
}

// NewMinter creates a Minter. A nil client falls back to a client with a 10s timeout.
func NewMinter(key *ServiceAccountKey, client *http.Client, logger *slog.Logger) *Minter {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Minter{
		key:    key,
		client: client,
		now:    time.Now,
		logger: logger.With("component", "CredentialMinter"),
	}
}

// Mint signs a fresh assertion and exchanges it at the key's token endpoint.
func (m *Minter) Mint(ctx context.Context) (*AccessToken, error) {
	if m.key == nil || m.key.PrivateKey == nil {
		return nil, fmt.Errorf("%w: no service account key loaded", outbox.ErrConfig)
	}

	issuedAt := m.now()
	assertion, err := SignAssertion(m.key.PrivateKey, NewClaims(m.key, issuedAt))
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("grant_type", JWTBearerGrantType)
	form.Set("assertion", assertion)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.key.TokenURI, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: build token request: %v", outbox.ErrAuthExchange, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: token request failed: %v", outbox.ErrAuthExchange, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("%w: read token response: %v", outbox.ErrAuthExchange, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		m.logger.Warn("Token exchange rejected", "status", resp.StatusCode)
		return nil, &outbox.RemoteError{Kind: outbox.ErrAuthExchange, StatusCode: resp.StatusCode, Body: string(body)}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("%w: decode token response: %v", outbox.ErrAuthExchange, err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("%w: token response has no access_token", outbox.ErrAuthExchange)
	}

	lifetime := defaultTokenLifetime
	if tr.ExpiresIn > 0 {
		lifetime = time.Duration(tr.ExpiresIn) * time.Second
	}

	token := &AccessToken{Value: tr.AccessToken, ExpiresAt: issuedAt.Add(lifetime)}
	m.logger.Debug("Access token minted", "token", token)
	return token, nil
}
