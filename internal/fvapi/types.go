// Package fvapi is the typed API surface the HTTP adapter mounts. Every
// operation takes a validated args struct plus the caller's auth context and
// delegates to the vault engine or one of the supporting services; handlers
// stay mechanical.
package fvapi

import "time"

// UploadArgs is a single create-or-update request.
type UploadArgs struct {
	AssetID             string                 `json:"asset_id" validate:"required,max=256"`
	WalletAddress       string                 `json:"wallet_address" validate:"required,eth_addr"`
	CriticalMetadata    map[string]interface{} `json:"critical_metadata" validate:"required"`
	NonCriticalMetadata map[string]interface{} `json:"non_critical_metadata,omitempty"`
}

// BatchUploadArgs anchors several assets of one owner in one transaction.
type BatchUploadArgs struct {
	Assets []UploadArgs `json:"assets" validate:"required,min=1,max=50,dive"`
}

// CompleteArgs resumes a suspended orchestration. TxHash carries the hash
// the wallet broadcast; SignedTransaction carries raw bytes when the server
// should broadcast instead. Exactly one of the two is set.
type CompleteArgs struct {
	PendingTxID       string `json:"pending_tx_id" validate:"required"`
	TxHash            string `json:"tx_hash,omitempty" validate:"omitempty,len=66,startswith=0x"`
	SignedTransaction string `json:"signed_transaction,omitempty" validate:"omitempty,startswith=0x"`
}

// DeleteArgs soft-deletes one asset.
type DeleteArgs struct {
	AssetID string `json:"asset_id" validate:"required,max=256"`
	Reason  string `json:"reason,omitempty" validate:"max=512"`
}

// BatchDeleteArgs soft-deletes several assets in one transaction.
type BatchDeleteArgs struct {
	AssetIDs []string `json:"asset_ids" validate:"required,min=1,max=50,dive,required"`
	Reason   string   `json:"reason,omitempty" validate:"max=512"`
}

// RetrieveArgs selects a version of an asset and the recovery behavior.
// Filled from query parameters, not a JSON body.
type RetrieveArgs struct {
	AssetID     string `validate:"required,max=256"`
	Version     *int64 `validate:"omitempty,min=1"`
	AutoRecover bool
}

// TransferInitiateArgs opens an ownership hand-over.
type TransferInitiateArgs struct {
	AssetID   string `json:"asset_id" validate:"required,max=256"`
	Recipient string `json:"recipient_address" validate:"required,eth_addr"`
}

// TransferAssetArgs names the asset for accept and cancel.
type TransferAssetArgs struct {
	AssetID string `json:"asset_id" validate:"required,max=256"`
}

// DelegationSetArgs prepares a setDelegate transaction for the caller to
// sign.
type DelegationSetArgs struct {
	DelegateAddress string `json:"delegate_address" validate:"required,eth_addr"`
	Status          bool   `json:"status"`
}

// DelegationConfirmArgs finishes a delegation change: the server broadcasts
// the signed transaction and syncs the cache from the receipt's events.
type DelegationConfirmArgs struct {
	PendingTxID       string `json:"pending_tx_id" validate:"required"`
	SignedTransaction string `json:"signed_transaction" validate:"required,startswith=0x"`
}

// DelegationCheckArgs asks whether delegate may act for owner.
type DelegationCheckArgs struct {
	OwnerAddress    string `validate:"required,eth_addr"`
	DelegateAddress string `validate:"required,eth_addr"`
}

// KeyCreateArgs mints an API key for the session wallet.
type KeyCreateArgs struct {
	Name        string                 `json:"name" validate:"required,max=64"`
	Permissions []string               `json:"permissions,omitempty" validate:"omitempty,dive,oneof=read write delete"`
	ExpiresAt   *time.Time             `json:"expires_at,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// KeyPermissionsArgs replaces a key's permission set.
type KeyPermissionsArgs struct {
	Permissions []string `json:"permissions" validate:"required,min=1,dive,oneof=read write delete"`
}

// HistoryArgs selects a transaction-log slice.
type HistoryArgs struct {
	Wallet         string `validate:"omitempty,eth_addr"`
	AssetID        string `validate:"omitempty,max=256"`
	Version        *int64 `validate:"omitempty,min=1"`
	IncludeHistory bool
	Limit          int `validate:"omitempty,min=1,max=1000"`
}
