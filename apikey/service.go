package apikey

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fusevault/fusevault/params"
	"github.com/fusevault/fusevault/store"
)

var (
	// ErrInactive rejects revoked or expired keys.
	ErrInactive = errors.New("apikey: key inactive")

	// ErrRateLimited rejects requests over the wallet's minute budget, and
	// requests the limiter backend could not meter (fail closed).
	ErrRateLimited = errors.New("apikey: rate limited")

	// ErrTooManyKeys rejects creation past the per-wallet cap.
	ErrTooManyKeys = errors.New("apikey: active key limit reached")

	// ErrBadPermission rejects permissions outside {read, write, delete}.
	ErrBadPermission = errors.New("apikey: unknown permission")
)

// Permissions an API key may carry.
const (
	PermRead   = "read"
	PermWrite  = "write"
	PermDelete = "delete"
)

func validPermissions(perms []string) error {
	for _, p := range perms {
		switch p {
		case PermRead, PermWrite, PermDelete:
		default:
			return fmt.Errorf("%w: %q", ErrBadPermission, p)
		}
	}
	return nil
}

// KeyStore is the persistence surface the service needs. *store.APIKeyRepo
// satisfies it.
type KeyStore interface {
	Insert(ctx context.Context, k *store.APIKeyRecord) error
	FindByHash(ctx context.Context, keyHash string) (*store.APIKeyRecord, error)
	ListByWallet(ctx context.Context, wallet string) ([]*store.APIKeyRecord, error)
	CountActive(ctx context.Context, wallet string) (int, error)
	Deactivate(ctx context.Context, keyHash string) error
	RevokeByName(ctx context.Context, wallet, name string) error
	UpdatePermissions(ctx context.Context, wallet, name string, perms store.JSONStrings) error
	TouchUsed(ctx context.Context, keyHash string) error
}

// WalletLimiter meters requests per wallet. *ratelimit.Limiter satisfies it.
type WalletLimiter interface {
	Allow(ctx context.Context, wallet string) (bool, error)
}

// Config configures the API-key subsystem.
type Config struct {
	// Enabled gates API-key authentication entirely.
	Enabled bool `toml:",omitempty"`

	// Secret is the HMAC signing secret. Required when Enabled.
	Secret string `toml:",omitempty"`

	// MaxKeysPerWallet caps active keys per wallet.
	MaxKeysPerWallet int `toml:",omitempty"`

	// RatePerMinute is the shared per-wallet request budget.
	RatePerMinute int `toml:",omitempty"`
}

// DefaultConfig holds the API-key defaults.
var DefaultConfig = Config{
	MaxKeysPerWallet: params.DefaultMaxKeysPerWallet,
	RatePerMinute:    params.DefaultRateLimitPerMinute,
}

// Service issues, validates and manages API keys.
type Service struct {
	secret  []byte
	keys    KeyStore
	limiter WalletLimiter
	maxKeys int
	log     *zap.Logger
}

// NewService wires the subsystem together.
func NewService(cfg Config, keys KeyStore, limiter WalletLimiter, log *zap.Logger) *Service {
	maxKeys := cfg.MaxKeysPerWallet
	if maxKeys <= 0 {
		maxKeys = params.DefaultMaxKeysPerWallet
	}
	return &Service{
		secret:  []byte(cfg.Secret),
		keys:    keys,
		limiter: limiter,
		maxKeys: maxKeys,
		log:     log,
	}
}

// CreateResult carries the one-time key material back to the caller.
type CreateResult struct {
	Key    string              `json:"api_key"`
	Record *store.APIKeyRecord `json:"record"`
}

// Create mints a key for the wallet and stores its hash. The returned key
// string is the only copy that will ever exist.
func (s *Service) Create(ctx context.Context, wallet, name string, perms []string, expiresAt *time.Time, metadata map[string]interface{}) (*CreateResult, error) {
	if name = strings.TrimSpace(name); name == "" {
		return nil, fmt.Errorf("%w: empty name", ErrMalformed)
	}
	if len(perms) == 0 {
		perms = []string{PermRead}
	}
	if err := validPermissions(perms); err != nil {
		return nil, err
	}
	n, err := s.keys.CountActive(ctx, wallet)
	if err != nil {
		return nil, err
	}
	if n >= s.maxKeys {
		return nil, fmt.Errorf("%w: %d active", ErrTooManyKeys, n)
	}
	key, err := Generate(s.secret, wallet)
	if err != nil {
		return nil, err
	}
	rec := &store.APIKeyRecord{
		KeyHash:       Hash(key),
		WalletAddress: wallet,
		Name:          name,
		Permissions:   store.JSONStrings(perms),
		ExpiresAt:     expiresAt,
		Metadata:      store.JSONMap(metadata),
	}
	if err := s.keys.Insert(ctx, rec); err != nil {
		return nil, err
	}
	return &CreateResult{Key: key, Record: rec}, nil
}

// Identity is the outcome of a successful validation.
type Identity struct {
	WalletAddress string
	Permissions   []string
}

// HasPermission reports whether the identity carries the permission.
func (id *Identity) HasPermission(perm string) bool {
	for _, p := range id.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// Validate runs the full per-request pipeline: structural parse,
// constant-time HMAC check, record lookup with active/expiry enforcement,
// per-wallet rate limit, and a best-effort last-used stamp. Expired records
// are deactivated as a side effect. Limiter failures reject the request.
func (s *Service) Validate(ctx context.Context, rawKey string) (*Identity, error) {
	if _, err := Verify(s.secret, rawKey); err != nil {
		return nil, err
	}
	hash := Hash(rawKey)
	rec, err := s.keys.FindByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	if !rec.IsActive {
		return nil, ErrInactive
	}
	if rec.Expired(time.Now().UTC()) {
		if derr := s.keys.Deactivate(ctx, hash); derr != nil {
			s.log.Warn("deactivating expired key failed", zap.Error(derr))
		}
		return nil, fmt.Errorf("%w: expired", ErrInactive)
	}
	ok, err := s.limiter.Allow(ctx, rec.WalletAddress)
	if err != nil {
		// Fail closed: no meter, no admission.
		return nil, fmt.Errorf("%w: %v", ErrRateLimited, err)
	}
	if !ok {
		return nil, ErrRateLimited
	}
	if err := s.keys.TouchUsed(ctx, hash); err != nil {
		s.log.Warn("last-used stamp failed", zap.Error(err))
	}
	return &Identity{
		WalletAddress: rec.WalletAddress,
		Permissions:   append([]string(nil), rec.Permissions...),
	}, nil
}

// List returns the wallet's key records. Key material is never stored, so
// none can be returned.
func (s *Service) List(ctx context.Context, wallet string) ([]*store.APIKeyRecord, error) {
	return s.keys.ListByWallet(ctx, wallet)
}

// Revoke deactivates the wallet's named key.
func (s *Service) Revoke(ctx context.Context, wallet, name string) error {
	return s.keys.RevokeByName(ctx, wallet, name)
}

// UpdatePermissions replaces the permission set of the wallet's named key.
func (s *Service) UpdatePermissions(ctx context.Context, wallet, name string, perms []string) error {
	if err := validPermissions(perms); err != nil {
		return err
	}
	if len(perms) == 0 {
		perms = []string{PermRead}
	}
	return s.keys.UpdatePermissions(ctx, wallet, name, store.JSONStrings(perms))
}
