// Package credentials mints short-lived OAuth2 access tokens for the FCM HTTP v1 API from a
// Google service-account key.
package credentials

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tinywideclouds/go-outbox-dispatcher/pkg/outbox"
)

// ServiceAccountKey is the parsed signing identity. The private key never leaves this package
// in any printable form.
type ServiceAccountKey struct {
	ClientEmail string
	ProjectID   string
	TokenURI    string
	PrivateKey  *rsa.PrivateKey
}

type serviceAccountFile struct {
	Type        string `json:"type"`
	ProjectID   string `json:"project_id"`
	PrivateKey  string `json:"private_key"`
	ClientEmail string `json:"client_email"`
	TokenURI    string `json:"token_uri"`
}

// ParseServiceAccountKey decodes the JSON key file Google issues for a service account.
func ParseServiceAccountKey(raw []byte) (*ServiceAccountKey, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, fmt.Errorf("%w: service account key is empty", outbox.ErrConfig)
	}

	var f serviceAccountFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: service account key is not valid json: %v", outbox.ErrConfig, err)
	}

	var missing []string
	if f.ClientEmail == "" {
		missing = append(missing, "client_email")
	}
	if f.PrivateKey == "" {
		missing = append(missing, "private_key")
	}
	if f.ProjectID == "" {
		missing = append(missing, "project_id")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: service account key missing %s", outbox.ErrConfig, strings.Join(missing, ", "))
	}

	pk, err := decodePrivateKey(f.PrivateKey)
	if err != nil {
		return nil, err
	}

	tokenURI := f.TokenURI
	if tokenURI == "" {
		tokenURI = DefaultTokenURI
	}

	return &ServiceAccountKey{
		ClientEmail: f.ClientEmail,
		ProjectID:   f.ProjectID,
		TokenURI:    tokenURI,
		PrivateKey:  pk,
	}, nil
}

// LogValue keeps the private key out of structured logs.
func (k *ServiceAccountKey) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("client_email", k.ClientEmail),
		slog.String("project_id", k.ProjectID),
	)
}

// decodePrivateKey strips the PEM armour by hand rather than with encoding/pem so that keys
// whose newlines were flattened to spaces or to literal `\n` sequences still decode.
func decodePrivateKey(pemText string) (*rsa.PrivateKey, error) {
	body := strings.ReplaceAll(pemText, `\n`, "\n")
	if i := strings.Index(body, "-----BEGIN"); i >= 0 {
		rest := body[i+len("-----BEGIN"):]
		j := strings.Index(rest, "-----")
		if j < 0 {
			return nil, fmt.Errorf("%w: malformed PEM header", outbox.ErrCrypto)
		}
		body = rest[j+len("-----"):]
	}
	if i := strings.Index(body, "-----END"); i >= 0 {
		body = body[:i]
	}
	body = strings.Join(strings.Fields(body), "")

	der, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return nil, fmt.Errorf("%w: private key is not valid base64: %v", outbox.ErrCrypto, err)
	}

	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		rsaKey, pkcs1Err := x509.ParsePKCS1PrivateKey(der)
		if pkcs1Err != nil {
			return nil, fmt.Errorf("%w: parse private key: %v", outbox.ErrCrypto, err)
		}
		return rsaKey, nil
	}

	rsaKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: private key is %T, want RSA", outbox.ErrCrypto, parsed)
	}
	return rsaKey, nil
}
