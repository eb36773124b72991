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

// Transfer is a pending ownership hand-over. At most one exists per asset;
// it lives until the recipient accepts or the owner cancels.
type Transfer struct {
	AssetID          string    `db:"asset_id" json:"asset_id"`
	OwnerAddress     string    `db:"owner_address" json:"owner_address"`
	RecipientAddress string    `db:"recipient_address" json:"recipient_address"`
	InitiatedAt      time.Time `db:"initiated_at" json:"initiated_at"`
}

// TransferRepo owns the asset_transfers table.
type TransferRepo struct {
	db  *sqlx.DB
	log *zap.Logger
}

// Create records a pending transfer. A transfer already pending for the
// asset surfaces as ErrDuplicate.
func (r *TransferRepo) Create(ctx context.Context, assetID, owner, recipient string) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO asset_transfers
(asset_id, owner_address, recipient_address, initiated_at)
VALUES ($1,$2,$3,$4)`, assetID, lower(owner), lower(recipient), time.Now().UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: transfer pending for asset %s", ErrDuplicate, assetID)
		}
		return fmt.Errorf("store: create transfer: %w", err)
	}
	r.log.Info("transfer initiated",
		zap.String("asset", assetID), zap.String("owner", lower(owner)),
		zap.String("recipient", lower(recipient)))
	return nil
}

// Find returns the asset's pending transfer, if any.
func (r *TransferRepo) Find(ctx context.Context, assetID string) (*Transfer, error) {
	var t Transfer
	err := r.db.GetContext(ctx, &t, `SELECT asset_id, owner_address,
recipient_address, initiated_at FROM asset_transfers WHERE asset_id = $1`, assetID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: transfer for asset %s", ErrNotFound, assetID)
		}
		return nil, fmt.Errorf("store: find transfer: %w", err)
	}
	return &t, nil
}

// ListByWallet returns transfers where the wallet is either side.
func (r *TransferRepo) ListByWallet(ctx context.Context, wallet string) ([]*Transfer, error) {
	var out []*Transfer
	err := r.db.SelectContext(ctx, &out, `SELECT asset_id, owner_address,
recipient_address, initiated_at FROM asset_transfers
WHERE owner_address = $1 OR recipient_address = $1
ORDER BY initiated_at DESC`, lower(wallet))
	if err != nil {
		return nil, fmt.Errorf("store: list transfers: %w", err)
	}
	return out, nil
}

// Delete removes the pending transfer after acceptance or cancellation.
func (r *TransferRepo) Delete(ctx context.Context, assetID string) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM asset_transfers WHERE asset_id = $1`, assetID)
	if err != nil {
		return fmt.Errorf("store: delete transfer: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: transfer for asset %s", ErrNotFound, assetID)
	}
	return nil
}
