package credentials

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tinywideclouds/go-outbox-dispatcher/pkg/outbox"
)

const (
	MessagingScope     = "https://www.googleapis.com/auth/firebase.messaging"
	DefaultTokenURI    = "https://oauth2.googleapis.com/token"
	JWTBearerGrantType = "urn:ietf:params:oauth:grant-type:jwt-bearer"

	assertionLifetime = time.Hour
)

type assertionHeader struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
}

// Claims is the claim set of the self-signed assertion sent to the token endpoint.
type Claims struct {
	Issuer    string `json:"iss"`
	Scope     string `json:"scope"`
	Audience  string `json:"aud"`
	ExpiresAt int64  `json:"exp"`
	IssuedAt  int64  `json:"iat"`
}

// NewClaims builds the messaging-scoped claim set for key, valid for one hour from now.
func NewClaims(key *ServiceAccountKey, now time.Time) Claims {
	iat := now.Unix()
	return Claims{
		Issuer:    key.ClientEmail,
		Scope:     MessagingScope,
		Audience:  key.TokenURI,
		IssuedAt:  iat,
		ExpiresAt: iat + int64(assertionLifetime/time.Second),
	}
}

// SignAssertion produces header.claims.signature, each segment base64url without padding,
// signed with RSASSA-PKCS1-v1_5 over SHA-256.
func SignAssertion(pk *rsa.PrivateKey, claims Claims) (string, error) {
	header, err := json.Marshal(assertionHeader{Alg: "RS256", Typ: "JWT"})
	if err != nil {
		return "", fmt.Errorf("%w: encode header: %v", outbox.ErrCrypto, err)
	}
	body, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("%w: encode claims: %v", outbox.ErrCrypto, err)
	}

	signingInput := base64.RawURLEncoding.EncodeToString(header) + "." + base64.RawURLEncoding.EncodeToString(body)

	digest := sha256.Sum256([]byte(signingInput))
	sig, err := rsa.SignPKCS1v15(rand.Reader, pk, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("%w: sign assertion: %v", outbox.ErrCrypto, err)
	}

	return signingInput + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}
