// Package credentials issues the short-lived execution credential that user
// code presents on the callback API.
package credentials

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/watzon/tracery/internal/config"
)

var (
	ErrInvalidToken     = errors.New("invalid credential")
	ErrExpiredToken     = errors.New("credential has expired")
	ErrInvalidIssuer    = errors.New("invalid credential issuer")
	ErrMissingExecution = errors.New("credential missing execution id")
	ErrInvalidSignature = errors.New("invalid credential signature")
)

// ExecutionContext is created once per top-level invocation. It is immutable
// except for credential refresh, which keeps the execution id.
type ExecutionContext struct {
	ExecutionID   string    `json:"execution_id"`
	UserID        string    `json:"user_id"`
	Credential    string    `json:"credential"`
	ExpiresAt     time.Time `json:"expires_at"`
	Trigger       string    `json:"trigger"`
	TriggerRef    string    `json:"trigger_ref,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	// CallbackURL is the base URL of the platform API reachable from the
	// runtime.
	CallbackURL string `json:"callback_url,omitempty"`
}

// Map returns the fields user code may read.
func (c ExecutionContext) Map() map[string]any {
	return map[string]any{
		"execution_id":   c.ExecutionID,
		"user_id":        c.UserID,
		"trigger":        c.Trigger,
		"trigger_ref":    c.TriggerRef,
		"correlation_id": c.CorrelationID,
	}
}

// NeedsRefresh reports whether the credential expires within margin.
func (c ExecutionContext) NeedsRefresh(margin time.Duration) bool {
	return c.Credential == "" || time.Until(c.ExpiresAt) < margin
}

type claims struct {
	jwt.RegisteredClaims
	UserID        string `json:"uid,omitempty"`
	Trigger       string `json:"trg"`
	TriggerRef    string `json:"ref,omitempty"`
	CorrelationID string `json:"cid,omitempty"`
}

// Issuer signs execution credentials with HS256.
type Issuer struct {
	secret      []byte
	issuer      string
	ttl         time.Duration
	callbackURL string
}

// NewIssuer creates an issuer from config. An empty secret is replaced by a
// random one, which invalidates credentials across restarts.
func NewIssuer(cfg config.CredentialsConfig, callbackURL string) *Issuer {
	secret := []byte(cfg.Secret)
	if len(secret) == 0 {
		buf := make([]byte, 32)
		_, _ = rand.Read(buf)
		secret = []byte(hex.EncodeToString(buf))
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = config.DefaultCredentialTTL
	}
	issuer := cfg.Issuer
	if issuer == "" {
		issuer = "tracery"
	}
	return &Issuer{secret: secret, issuer: issuer, ttl: ttl, callbackURL: callbackURL}
}

// Issue creates the context for a new execution.
func (s *Issuer) Issue(_ context.Context, executionID, userID, trigger, ref, correlationID string) (ExecutionContext, error) {
	ec := ExecutionContext{
		ExecutionID:   executionID,
		UserID:        userID,
		Trigger:       trigger,
		TriggerRef:    ref,
		CorrelationID: correlationID,
		CallbackURL:   s.callbackURL,
	}
	return s.sign(ec)
}

// Refresh returns ec with a new credential and expiry.
func (s *Issuer) Refresh(_ context.Context, ec ExecutionContext) (ExecutionContext, error) {
	return s.sign(ec)
}

func (s *Issuer) sign(ec ExecutionContext) (ExecutionContext, error) {
	now := time.Now()
	expiresAt := now.Add(s.ttl)

	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   ec.ExecutionID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Second)),
		},
		UserID:        ec.UserID,
		Trigger:       ec.Trigger,
		TriggerRef:    ec.TriggerRef,
		CorrelationID: ec.CorrelationID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return ExecutionContext{}, err
	}

	ec.Credential = signed
	ec.ExpiresAt = expiresAt
	return ec, nil
}

// Verify parses a credential and returns the context it was issued for.
func (s *Issuer) Verify(tokenString string) (ExecutionContext, error) {
	token, err := jwt.ParseWithClaims(tokenString, &claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidSignature
		}
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ExecutionContext{}, ErrExpiredToken
		}
		return ExecutionContext{}, ErrInvalidToken
	}

	c, ok := token.Claims.(*claims)
	if !ok || !token.Valid {
		return ExecutionContext{}, ErrInvalidToken
	}
	if c.Issuer != s.issuer {
		return ExecutionContext{}, ErrInvalidIssuer
	}
	if c.Subject == "" {
		return ExecutionContext{}, ErrMissingExecution
	}

	var expiresAt time.Time
	if c.ExpiresAt != nil {
		expiresAt = c.ExpiresAt.Time
	}

	return ExecutionContext{
		ExecutionID:   c.Subject,
		UserID:        c.UserID,
		Credential:    tokenString,
		ExpiresAt:     expiresAt,
		Trigger:       c.Trigger,
		TriggerRef:    c.TriggerRef,
		CorrelationID: c.CorrelationID,
		CallbackURL:   s.callbackURL,
	}, nil
}

// TTL returns the credential lifetime.
func (s *Issuer) TTL() time.Duration {
	return s.ttl
}
