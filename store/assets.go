package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// AssetVersion is one immutable snapshot of an asset. Exactly one row per
// asset carries is_current=true; soft deletion marks every row of the asset
// at once.
type AssetVersion struct {
	ID                  string      `db:"id" json:"id"`
	AssetID             string      `db:"asset_id" json:"asset_id"`
	OwnerAddress        string      `db:"owner_address" json:"owner_address"`
	VersionNumber       int64       `db:"version_number" json:"version_number"`
	IPFSVersion         int64       `db:"ipfs_version" json:"ipfs_version"`
	CriticalMetadata    JSONMap     `db:"critical_metadata" json:"critical_metadata"`
	NonCriticalMetadata JSONMap     `db:"non_critical_metadata" json:"non_critical_metadata"`
	IPFSHash            string      `db:"ipfs_hash" json:"ipfs_hash"`
	ChainTxID           string      `db:"chain_tx_id" json:"chain_tx_id"`
	IsCurrent           bool        `db:"is_current" json:"is_current"`
	IsDeleted           bool        `db:"is_deleted" json:"is_deleted"`
	DeletedBy           *string     `db:"deleted_by" json:"deleted_by,omitempty"`
	DeletedAt           *time.Time  `db:"deleted_at" json:"deleted_at,omitempty"`
	PreviousVersionID   *string     `db:"previous_version_id" json:"previous_version_id,omitempty"`
	DocumentHistory     JSONStrings `db:"document_history" json:"document_history"`
	PerformedBy         *string     `db:"performed_by" json:"performed_by,omitempty"`
	IsDelegatedAction   bool        `db:"is_delegated_action" json:"is_delegated_action"`
	CreatedAt           time.Time   `db:"created_at" json:"created_at"`
	LastUpdated         time.Time   `db:"last_updated" json:"last_updated"`
	LastVerified        *time.Time  `db:"last_verified" json:"last_verified,omitempty"`
}

const assetColumns = `id, asset_id, owner_address, version_number, ipfs_version,
critical_metadata, non_critical_metadata, ipfs_hash, chain_tx_id,
is_current, is_deleted, deleted_by, deleted_at,
previous_version_id, document_history, performed_by, is_delegated_action,
created_at, last_updated, last_verified`

// NewVersion carries the fields of a version-create. Nil metadata maps and an
// empty IPFSHash mean "carry forward from the current version"; the latter is
// the non-critical-only update path where no new anchor exists.
type NewVersion struct {
	CriticalMetadata    JSONMap
	NonCriticalMetadata JSONMap
	IPFSHash            string
	ChainTxID           string
	IPFSVersion         int64
	OwnerAddress        string // non-empty only for ownership transfer re-anchors
	PerformedBy         string
	IsDelegated         bool
}

// AssetRepo owns the asset_versions table.
type AssetRepo struct {
	db  *sqlx.DB
	log *zap.Logger
}

// Insert writes a fresh version-1 record and returns its id.
func (r *AssetRepo) Insert(ctx context.Context, v *AssetVersion) (string, error) {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.VersionNumber == 0 {
		v.VersionNumber = 1
	}
	if v.IPFSVersion == 0 {
		v.IPFSVersion = 1
	}
	now := time.Now().UTC()
	v.OwnerAddress = lower(v.OwnerAddress)
	v.IsCurrent = true
	v.CreatedAt = now
	v.LastUpdated = now
	if v.DocumentHistory == nil {
		v.DocumentHistory = JSONStrings{}
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO asset_versions
(id, asset_id, owner_address, version_number, ipfs_version,
 critical_metadata, non_critical_metadata, ipfs_hash, chain_tx_id,
 is_current, is_deleted, previous_version_id, document_history,
 performed_by, is_delegated_action, created_at, last_updated)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		v.ID, v.AssetID, v.OwnerAddress, v.VersionNumber, v.IPFSVersion,
		v.CriticalMetadata, v.NonCriticalMetadata, v.IPFSHash, v.ChainTxID,
		v.IsCurrent, v.IsDeleted, v.PreviousVersionID, v.DocumentHistory,
		v.PerformedBy, v.IsDelegatedAction, v.CreatedAt, v.LastUpdated)
	if err != nil {
		if isUniqueViolation(err) {
			return "", fmt.Errorf("%w: asset %s", ErrDuplicate, v.AssetID)
		}
		return "", fmt.Errorf("store: insert asset: %w", err)
	}
	r.log.Debug("asset version inserted",
		zap.String("asset", v.AssetID), zap.Int64("version", v.VersionNumber))
	return v.ID, nil
}

// FindCurrent returns the asset's current version. Soft-deleted assets are
// invisible unless includeDeleted is set.
func (r *AssetRepo) FindCurrent(ctx context.Context, assetID string, includeDeleted bool) (*AssetVersion, error) {
	q := `SELECT ` + assetColumns + ` FROM asset_versions
WHERE asset_id = $1 AND is_current = TRUE`
	if !includeDeleted {
		q += ` AND is_deleted = FALSE`
	}
	var v AssetVersion
	if err := r.db.GetContext(ctx, &v, q, assetID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: asset %s", ErrNotFound, assetID)
		}
		return nil, fmt.Errorf("store: find current: %w", err)
	}
	return &v, nil
}

// FindVersion returns one specific historical version, deleted or not.
func (r *AssetRepo) FindVersion(ctx context.Context, assetID string, version int64) (*AssetVersion, error) {
	var v AssetVersion
	err := r.db.GetContext(ctx, &v, `SELECT `+assetColumns+` FROM asset_versions
WHERE asset_id = $1 AND version_number = $2`, assetID, version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: asset %s version %d", ErrNotFound, assetID, version)
		}
		return nil, fmt.Errorf("store: find version: %w", err)
	}
	return &v, nil
}

// FindAnyIncludingDeleted returns the newest version row regardless of
// deletion or currency, for existence checks.
func (r *AssetRepo) FindAnyIncludingDeleted(ctx context.Context, assetID string) (*AssetVersion, error) {
	var v AssetVersion
	err := r.db.GetContext(ctx, &v, `SELECT `+assetColumns+` FROM asset_versions
WHERE asset_id = $1 ORDER BY version_number DESC LIMIT 1`, assetID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: asset %s", ErrNotFound, assetID)
		}
		return nil, fmt.Errorf("store: find any: %w", err)
	}
	return &v, nil
}

// ListByOwner returns the owner's assets, current versions only unless
// includeHistory is set. Owner matching is case-insensitive.
func (r *AssetRepo) ListByOwner(ctx context.Context, owner string, includeHistory, includeDeleted bool) ([]*AssetVersion, error) {
	q := `SELECT ` + assetColumns + ` FROM asset_versions WHERE owner_address = $1`
	if !includeHistory {
		q += ` AND is_current = TRUE`
	}
	if !includeDeleted {
		q += ` AND is_deleted = FALSE`
	}
	q += ` ORDER BY asset_id, version_number DESC`
	var out []*AssetVersion
	if err := r.db.SelectContext(ctx, &out, q, lower(owner)); err != nil {
		return nil, fmt.Errorf("store: list by owner: %w", err)
	}
	return out, nil
}

// CreateNewVersion supersedes the current version with a new one in a single
// transaction. The flip of the old row is a compare-and-swap on its identity:
// losing the race returns ErrConcurrentUpdate and the caller re-reads.
// ipfs_version moves only when a new anchor (IPFSHash) is supplied.
func (r *AssetRepo) CreateNewVersion(ctx context.Context, assetID string, next NewVersion) (*AssetVersion, error) {
	cur, err := r.FindCurrent(ctx, assetID, false)
	if err != nil {
		return nil, err
	}

	v := &AssetVersion{
		ID:                  uuid.NewString(),
		AssetID:             assetID,
		OwnerAddress:        cur.OwnerAddress,
		VersionNumber:       cur.VersionNumber + 1,
		CriticalMetadata:    next.CriticalMetadata,
		NonCriticalMetadata: next.NonCriticalMetadata,
		IPFSHash:            next.IPFSHash,
		ChainTxID:           next.ChainTxID,
		IPFSVersion:         next.IPFSVersion,
		IsCurrent:           true,
		PreviousVersionID:   &cur.ID,
		DocumentHistory:     append(append(JSONStrings{}, cur.DocumentHistory...), cur.ID),
		PerformedBy:         nullable(lower(next.PerformedBy)),
		IsDelegatedAction:   next.IsDelegated,
	}
	if next.OwnerAddress != "" {
		v.OwnerAddress = lower(next.OwnerAddress)
	}
	if v.CriticalMetadata == nil {
		v.CriticalMetadata = cur.CriticalMetadata
	}
	if v.NonCriticalMetadata == nil {
		v.NonCriticalMetadata = cur.NonCriticalMetadata
	}
	if v.IPFSHash == "" {
		// Non-critical-only update: the anchor did not move.
		v.IPFSHash = cur.IPFSHash
		v.ChainTxID = cur.ChainTxID
		v.IPFSVersion = cur.IPFSVersion
	} else if v.IPFSVersion == 0 {
		v.IPFSVersion = cur.IPFSVersion + 1
	}
	now := time.Now().UTC()
	v.CreatedAt = now
	v.LastUpdated = now

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE asset_versions SET is_current = FALSE, last_updated = $2
WHERE id = $1 AND is_current = TRUE`, cur.ID, now)
	if err != nil {
		return nil, fmt.Errorf("store: flip current: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("store: flip current: %w", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: asset %s version %d superseded concurrently",
			ErrConcurrentUpdate, assetID, cur.VersionNumber)
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO asset_versions
(id, asset_id, owner_address, version_number, ipfs_version,
 critical_metadata, non_critical_metadata, ipfs_hash, chain_tx_id,
 is_current, is_deleted, previous_version_id, document_history,
 performed_by, is_delegated_action, created_at, last_updated)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,TRUE,FALSE,$10,$11,$12,$13,$14,$15)`,
		v.ID, v.AssetID, v.OwnerAddress, v.VersionNumber, v.IPFSVersion,
		v.CriticalMetadata, v.NonCriticalMetadata, v.IPFSHash, v.ChainTxID,
		v.PreviousVersionID, v.DocumentHistory,
		v.PerformedBy, v.IsDelegatedAction, v.CreatedAt, v.LastUpdated)
	if err != nil {
		return nil, fmt.Errorf("store: insert new version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit: %w", err)
	}
	r.log.Debug("asset version created",
		zap.String("asset", assetID), zap.Int64("version", v.VersionNumber))
	return v, nil
}

// SoftDeleteAll marks every version of the asset deleted with one shared
// timestamp and returns how many rows were touched. Zero means the asset was
// already deleted or never existed.
func (r *AssetRepo) SoftDeleteAll(ctx context.Context, assetID, deletedBy string) (int64, error) {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx,
		`UPDATE asset_versions SET is_deleted = TRUE, deleted_by = $2, deleted_at = $3, last_updated = $3
WHERE asset_id = $1 AND is_deleted = FALSE`, assetID, lower(deletedBy), now)
	if err != nil {
		return 0, fmt.Errorf("store: soft delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: soft delete: %w", err)
	}
	return n, nil
}

// PurgeDeleted hard-removes the asset's soft-deleted rows. Only the
// owner-recreate path calls this.
func (r *AssetRepo) PurgeDeleted(ctx context.Context, assetID string) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM asset_versions WHERE asset_id = $1 AND is_deleted = TRUE`, assetID)
	if err != nil {
		return 0, fmt.Errorf("store: purge deleted: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: purge deleted: %w", err)
	}
	if n > 0 {
		r.log.Info("purged soft-deleted versions",
			zap.String("asset", assetID), zap.Int64("rows", n))
	}
	return n, nil
}

// UpdateNonCritical mutates the current version's non-critical metadata in
// place without a version bump. Administrative path only.
func (r *AssetRepo) UpdateNonCritical(ctx context.Context, assetID string, m JSONMap) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE asset_versions SET non_critical_metadata = $2, last_updated = $3
WHERE asset_id = $1 AND is_current = TRUE AND is_deleted = FALSE`,
		assetID, m, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store: update non-critical: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: update non-critical: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: asset %s", ErrNotFound, assetID)
	}
	return nil
}

// TouchVerified stamps last_verified on one version row.
func (r *AssetRepo) TouchVerified(ctx context.Context, versionID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE asset_versions SET last_verified = $2 WHERE id = $1`,
		versionID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store: touch verified: %w", err)
	}
	return nil
}
