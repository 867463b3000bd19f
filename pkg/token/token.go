// Package token implements the magic-link capability tokens that let a
// backer manage their own pledge and vote without a login system. Issuance is
// owned by an external collaborator; the engine both signs (for that
// collaborator and for tests) and verifies.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

// devPrefix marks the development bypass tokens some local tooling mints.
// They carry no signature and must never be honored outside test mode.
const devPrefix = "dev."

type Claims struct {
	OrderID      string `json:"order_id"`
	CampaignSlug string `json:"campaign_slug"`
	Email        string `json:"email"`
	Exp          int64  `json:"exp"`
}

type Codec struct {
	secret   []byte
	allowDev bool
	now      func() time.Time
}

func New(secret string) *Codec {
	return &Codec{secret: []byte(secret), now: time.Now}
}

// NewTestMode returns a codec that additionally accepts dev bypass tokens.
// Only test wiring may call this.
func NewTestMode(secret string) *Codec {
	c := New(secret)
	c.allowDev = true
	return c
}

// Sign produces an opaque token: base64url(payload) "." base64url(hmac).
func (c *Codec) Sign(claims Claims) (string, error) {
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	body := base64.RawURLEncoding.EncodeToString(payload)
	return body + "." + c.mac(body), nil
}

// Verify checks the signature and expiry and returns the decoded claims.
func (c *Codec) Verify(tok string) (Claims, error) {
	tok = strings.TrimSpace(tok)
	if tok == "" {
		return Claims{}, ErrInvalidToken
	}
	if strings.HasPrefix(tok, devPrefix) {
		if !c.allowDev {
			return Claims{}, ErrInvalidToken
		}
		return c.decodeBody(strings.TrimPrefix(tok, devPrefix))
	}
	body, sig, found := strings.Cut(tok, ".")
	if !found {
		return Claims{}, ErrInvalidToken
	}
	if !hmac.Equal([]byte(sig), []byte(c.mac(body))) {
		return Claims{}, ErrInvalidToken
	}
	return c.decodeBody(body)
}

func (c *Codec) decodeBody(body string) (Claims, error) {
	raw, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	var claims Claims
	if err := json.Unmarshal(raw, &claims); err != nil {
		return Claims{}, ErrInvalidToken
	}
	if claims.OrderID == "" || claims.Email == "" || claims.CampaignSlug == "" {
		return Claims{}, ErrInvalidToken
	}
	if claims.Exp > 0 && !c.now().Before(time.Unix(claims.Exp, 0)) {
		return Claims{}, ErrExpiredToken
	}
	return claims, nil
}

func (c *Codec) mac(body string) string {
	h := hmac.New(sha256.New, c.secret)
	h.Write([]byte(body))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

// HashKey returns the hex-free digest used to compare admin bearer keys
// without keeping the plaintext around.
func HashKey(key string) [32]byte {
	return sha256.Sum256([]byte(key))
}

// ParseBearer extracts the credential from an Authorization header.
func ParseBearer(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	tok := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if tok == "" {
		return "", false
	}
	return tok, true
}
