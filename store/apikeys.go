package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// APIKeyRecord is the stored half of an API key. The key string itself is
// never persisted; key_hash is SHA-256 of the full external form.
type APIKeyRecord struct {
	KeyHash       string      `db:"key_hash" json:"-"`
	WalletAddress string      `db:"wallet_address" json:"wallet_address"`
	Name          string      `db:"name" json:"name"`
	Permissions   JSONStrings `db:"permissions" json:"permissions"`
	ExpiresAt     *time.Time  `db:"expires_at" json:"expires_at,omitempty"`
	CreatedAt     time.Time   `db:"created_at" json:"created_at"`
	LastUsedAt    *time.Time  `db:"last_used_at" json:"last_used_at,omitempty"`
	IsActive      bool        `db:"is_active" json:"is_active"`
	Metadata      JSONMap     `db:"metadata" json:"metadata"`
}

// Expired reports whether the record carries a passed expiry.
func (k *APIKeyRecord) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

const apiKeyColumns = `key_hash, wallet_address, name, permissions, expires_at,
created_at, last_used_at, is_active, metadata`

// APIKeyRepo owns the api_keys table.
type APIKeyRepo struct {
	db  *sqlx.DB
	log *zap.Logger
}

// Insert stores a new key record. Duplicate (wallet, name) pairs surface as
// ErrDuplicate.
func (r *APIKeyRepo) Insert(ctx context.Context, k *APIKeyRecord) error {
	k.WalletAddress = lower(k.WalletAddress)
	k.CreatedAt = time.Now().UTC()
	k.IsActive = true
	if k.Permissions == nil {
		k.Permissions = JSONStrings{"read"}
	}
	if k.Metadata == nil {
		k.Metadata = JSONMap{}
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO api_keys
(key_hash, wallet_address, name, permissions, expires_at, created_at, is_active, metadata)
VALUES ($1,$2,$3,$4,$5,$6,TRUE,$7)`,
		k.KeyHash, k.WalletAddress, k.Name, k.Permissions, k.ExpiresAt,
		k.CreatedAt, k.Metadata)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: api key %q for %s", ErrDuplicate, k.Name, k.WalletAddress)
		}
		return fmt.Errorf("store: insert api key: %w", err)
	}
	r.log.Info("api key created",
		zap.String("wallet", k.WalletAddress), zap.String("name", k.Name))
	return nil
}

// FindByHash looks a key record up by its stored hash.
func (r *APIKeyRepo) FindByHash(ctx context.Context, keyHash string) (*APIKeyRecord, error) {
	var k APIKeyRecord
	err := r.db.GetContext(ctx, &k,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash = $1`, keyHash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: api key", ErrNotFound)
		}
		return nil, fmt.Errorf("store: find api key: %w", err)
	}
	return &k, nil
}

// ListByWallet returns the wallet's key records, newest first. Key material
// is not stored, so nothing secret can leak here.
func (r *APIKeyRepo) ListByWallet(ctx context.Context, wallet string) ([]*APIKeyRecord, error) {
	var out []*APIKeyRecord
	err := r.db.SelectContext(ctx, &out, `SELECT `+apiKeyColumns+`
FROM api_keys WHERE wallet_address = $1 ORDER BY created_at DESC`, lower(wallet))
	if err != nil {
		return nil, fmt.Errorf("store: list api keys: %w", err)
	}
	return out, nil
}

// CountActive returns how many active keys the wallet holds, for the
// per-wallet issuance cap.
func (r *APIKeyRepo) CountActive(ctx context.Context, wallet string) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM api_keys WHERE wallet_address = $1 AND is_active = TRUE`,
		lower(wallet))
	if err != nil {
		return 0, fmt.Errorf("store: count api keys: %w", err)
	}
	return n, nil
}

// Deactivate flips is_active off for one key hash. Used both for explicit
// revocation and for the expiry side effect during validation.
func (r *APIKeyRepo) Deactivate(ctx context.Context, keyHash string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE api_keys SET is_active = FALSE WHERE key_hash = $1`, keyHash)
	if err != nil {
		return fmt.Errorf("store: deactivate api key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: api key", ErrNotFound)
	}
	return nil
}

// RevokeByName deactivates the wallet's key with the given name.
func (r *APIKeyRepo) RevokeByName(ctx context.Context, wallet, name string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE api_keys SET is_active = FALSE
WHERE wallet_address = $1 AND name = $2 AND is_active = TRUE`, lower(wallet), name)
	if err != nil {
		return fmt.Errorf("store: revoke api key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: api key %q", ErrNotFound, name)
	}
	r.log.Info("api key revoked", zap.String("wallet", lower(wallet)), zap.String("name", name))
	return nil
}

// UpdatePermissions replaces the permission set of the wallet's named key.
func (r *APIKeyRepo) UpdatePermissions(ctx context.Context, wallet, name string, perms JSONStrings) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE api_keys SET permissions = $3
WHERE wallet_address = $1 AND name = $2 AND is_active = TRUE`, lower(wallet), name, perms)
	if err != nil {
		return fmt.Errorf("store: update api key permissions: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: api key %q", ErrNotFound, name)
	}
	return nil
}

// TouchUsed stamps last_used_at. Best effort; a failed stamp never blocks an
// authenticated request.
func (r *APIKeyRepo) TouchUsed(ctx context.Context, keyHash string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = $2 WHERE key_hash = $1`,
		keyHash, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store: touch api key: %w", err)
	}
	return nil
}
