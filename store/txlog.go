package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// Action enumerates every state change the transaction log records.
type Action string

const (
	ActionCreate            Action = "CREATE"
	ActionUpdate            Action = "UPDATE"
	ActionVersionCreate     Action = "VERSION_CREATE"
	ActionRecreateDeleted   Action = "RECREATE_DELETED"
	ActionDelete            Action = "DELETE"
	ActionVerify            Action = "VERIFY"
	ActionIntegrityRecovery Action = "INTEGRITY_RECOVERY"
	ActionDeletionRestored  Action = "DELETION_STATUS_RESTORED"
	ActionTransferInitiated Action = "TRANSFER_INITIATED"
	ActionTransferCompleted Action = "TRANSFER_COMPLETED"
	ActionTransferCancelled Action = "TRANSFER_CANCELLED"
)

var validActions = map[Action]bool{
	ActionCreate: true, ActionUpdate: true, ActionVersionCreate: true,
	ActionRecreateDeleted: true, ActionDelete: true, ActionVerify: true,
	ActionIntegrityRecovery: true, ActionDeletionRestored: true,
	ActionTransferInitiated: true, ActionTransferCompleted: true,
	ActionTransferCancelled: true,
}

// Valid reports whether a is in the enumerated action set.
func (a Action) Valid() bool { return validActions[a] }

// TxRecord is one append-only audit entry. WalletAddress is the asset owner
// at the time of the action; PerformedBy differs from it for delegated
// actions.
type TxRecord struct {
	ID            string    `db:"id" json:"id"`
	AssetID       string    `db:"asset_id" json:"asset_id"`
	Action        Action    `db:"action" json:"action"`
	WalletAddress string    `db:"wallet_address" json:"wallet_address"`
	PerformedBy   *string   `db:"performed_by" json:"performed_by,omitempty"`
	Metadata      JSONMap   `db:"metadata" json:"metadata"`
	CreatedAt     time.Time `db:"created_at" json:"-"`

	// Timestamp is CreatedAt rendered as ISO-8601 for API responses.
	Timestamp string `db:"-" json:"timestamp"`
}

func (t *TxRecord) format() {
	t.Timestamp = t.CreatedAt.UTC().Format(time.RFC3339)
}

// TxLogRepo owns the asset_transactions table. Append-only: there is no
// update or delete path.
type TxLogRepo struct {
	db  *sqlx.DB
	log *zap.Logger
}

// Record appends one entry and returns its id. Unknown actions are rejected
// before touching the database.
func (r *TxLogRepo) Record(ctx context.Context, action Action, assetID, owner, performedBy string, metadata JSONMap) (string, error) {
	if !action.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	id := uuid.NewString()
	if metadata == nil {
		metadata = JSONMap{}
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO asset_transactions
(id, asset_id, action, wallet_address, performed_by, metadata, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		id, assetID, action, lower(owner), nullable(lower(performedBy)),
		metadata, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("store: record transaction: %w", err)
	}
	r.log.Debug("transaction recorded",
		zap.String("asset", assetID), zap.String("action", string(action)))
	return id, nil
}

// ListByAsset returns the asset's audit trail, newest first. A non-nil
// version restricts to entries whose metadata carries that version number.
func (r *TxLogRepo) ListByAsset(ctx context.Context, assetID string, version *int64) ([]*TxRecord, error) {
	q := `SELECT id, asset_id, action, wallet_address, performed_by, metadata, created_at
FROM asset_transactions WHERE asset_id = $1`
	args := []interface{}{assetID}
	if version != nil {
		q += ` AND (metadata->>'version')::bigint = $2`
		args = append(args, *version)
	}
	q += ` ORDER BY created_at DESC`
	var out []*TxRecord
	if err := r.db.SelectContext(ctx, &out, q, args...); err != nil {
		return nil, fmt.Errorf("store: list transactions: %w", err)
	}
	for _, t := range out {
		t.format()
	}
	return out, nil
}

// ListByWallet returns entries where the wallet is the owner or, when
// includeHistory is set, also where it merely performed the action as a
// delegate. Limit 0 means no limit.
func (r *TxLogRepo) ListByWallet(ctx context.Context, wallet string, includeHistory bool, limit int) ([]*TxRecord, error) {
	q := `SELECT id, asset_id, action, wallet_address, performed_by, metadata, created_at
FROM asset_transactions WHERE wallet_address = $1`
	if includeHistory {
		q = `SELECT id, asset_id, action, wallet_address, performed_by, metadata, created_at
FROM asset_transactions WHERE wallet_address = $1 OR performed_by = $1`
	}
	q += ` ORDER BY created_at DESC`
	args := []interface{}{lower(wallet)}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	var out []*TxRecord
	if err := r.db.SelectContext(ctx, &out, q, args...); err != nil {
		return nil, fmt.Errorf("store: list wallet transactions: %w", err)
	}
	for _, t := range out {
		t.format()
	}
	return out, nil
}

// ActionCount is one row of a wallet summary.
type ActionCount struct {
	Action Action `db:"action" json:"action"`
	Count  int64  `db:"count" json:"count"`
}

// Summarize returns per-action counts for everything recorded against the
// wallet's assets.
func (r *TxLogRepo) Summarize(ctx context.Context, wallet string) ([]ActionCount, error) {
	var out []ActionCount
	err := r.db.SelectContext(ctx, &out, `SELECT action, COUNT(*) AS count
FROM asset_transactions WHERE wallet_address = $1
GROUP BY action ORDER BY action`, lower(wallet))
	if err != nil {
		return nil, fmt.Errorf("store: summarize: %w", err)
	}
	return out, nil
}
