// Package auth resolves a request's principal. A validated wallet session
// always wins over an API key; the resulting Context flows into every
// orchestrator and decides whether chain writes are server-signed or handed
// back as pending signatures.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"

	"github.com/fusevault/fusevault/apikey"
)

var (
	// ErrNoCredentials means the request carried nothing usable.
	ErrNoCredentials = errors.New("auth: no credentials")

	// ErrInvalidSession rejects malformed, expired or mis-signed session
	// tokens.
	ErrInvalidSession = errors.New("auth: invalid session token")
)

// Method is how the principal authenticated.
type Method string

const (
	MethodWallet Method = "wallet"
	MethodAPIKey Method = "api_key"
)

// SessionCookie is the cookie carrying the wallet session JWT.
const SessionCookie = "fv_session"

// Context is the resolved principal of one request.
type Context struct {
	WalletAddress string   `json:"wallet_address"`
	AuthMethod    Method   `json:"auth_method"`
	Permissions   []string `json:"permissions"`
}

// IsWallet reports whether the principal holds a full wallet session.
func (c *Context) IsWallet() bool { return c != nil && c.AuthMethod == MethodWallet }

// Can reports whether the principal holds the permission. Wallet sessions
// hold everything.
func (c *Context) Can(perm string) bool {
	if c == nil {
		return false
	}
	if c.AuthMethod == MethodWallet {
		return true
	}
	for _, p := range c.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// KeyValidator is the API-key side of the dispatcher. *apikey.Service
// satisfies it.
type KeyValidator interface {
	Validate(ctx context.Context, rawKey string) (*apikey.Identity, error)
}

// Config configures the dispatcher.
type Config struct {
	// SessionSecret signs wallet-session JWTs (HS256). Sessions are issued
	// by the login flow, outside this service; only validation lives here.
	SessionSecret string `toml:",omitempty"`

	// APIKeysEnabled gates the API-key fallback.
	APIKeysEnabled bool `toml:",omitempty"`
}

// Dispatcher selects the auth mechanism per request.
type Dispatcher struct {
	sessionSecret []byte
	keys          KeyValidator
	keysEnabled   bool
	log           *zap.Logger
}

// NewDispatcher builds a dispatcher. keys may be nil when API keys are
// disabled.
func NewDispatcher(cfg Config, keys KeyValidator, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		sessionSecret: []byte(cfg.SessionSecret),
		keys:          keys,
		keysEnabled:   cfg.APIKeysEnabled && keys != nil,
		log:           log,
	}
}

// Resolve inspects the request and returns the principal. Wallet sessions
// strictly precede API keys; a present-but-invalid session token falls
// through to the API key rather than silently authenticating.
func (d *Dispatcher) Resolve(ctx context.Context, r *http.Request) (*Context, error) {
	if token := sessionToken(r); token != "" {
		wallet, err := d.validateSession(token)
		if err == nil {
			return &Context{
				WalletAddress: wallet,
				AuthMethod:    MethodWallet,
				Permissions:   []string{apikey.PermRead, apikey.PermWrite, apikey.PermDelete},
			}, nil
		}
		d.log.Debug("session token rejected", zap.Error(err))
	}

	if d.keysEnabled {
		if raw := apiKeyFrom(r); raw != "" {
			id, err := d.keys.Validate(ctx, raw)
			if err != nil {
				return nil, err
			}
			return &Context{
				WalletAddress: id.WalletAddress,
				AuthMethod:    MethodAPIKey,
				Permissions:   id.Permissions,
			}, nil
		}
	}
	return nil, ErrNoCredentials
}

func sessionToken(r *http.Request) string {
	if c, err := r.Cookie(SessionCookie); err == nil && c.Value != "" {
		return c.Value
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return ""
}

func apiKeyFrom(r *http.Request) string {
	if k := strings.TrimSpace(r.Header.Get("X-API-Key")); k != "" {
		return k
	}
	// Streaming endpoints cannot set headers from the browser WebSocket
	// API, so the key may ride the query string there.
	return strings.TrimSpace(r.URL.Query().Get("key"))
}

// sessionClaims is the JWT payload of a wallet session.
type sessionClaims struct {
	WalletAddress string `json:"wallet_address"`
	jwt.RegisteredClaims
}

func (d *Dispatcher) validateSession(token string) (string, error) {
	var claims sessionClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return d.sessionSecret, nil
	})
	if err != nil || !parsed.Valid {
		return "", fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	wallet := claims.WalletAddress
	if wallet == "" {
		wallet = claims.Subject
	}
	if wallet == "" {
		return "", fmt.Errorf("%w: no wallet claim", ErrInvalidSession)
	}
	return strings.ToLower(wallet), nil
}
