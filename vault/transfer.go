package vault

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/fusevault/fusevault/auth"
	"github.com/fusevault/fusevault/chain"
	"github.com/fusevault/fusevault/pending"
	"github.com/fusevault/fusevault/store"
)

// TransferResult is the outcome of a transfer operation.
type TransferResult struct {
	Status      Status            `json:"status"`
	AssetID     string            `json:"asset_id"`
	Owner       string            `json:"owner_address,omitempty"`
	Recipient   string            `json:"recipient_address,omitempty"`
	Version     int64             `json:"version,omitempty"`
	IPFSHash    string            `json:"ipfs_hash,omitempty"`
	ChainTxID   string            `json:"chain_tx_id,omitempty"`
	PendingTxID string            `json:"pending_tx_id,omitempty"`
	Transaction *chain.UnsignedTx `json:"transaction,omitempty"`
}

// TransferInitiate opens a pending ownership hand-over. Owner only; at most
// one per asset.
func (s *Service) TransferInitiate(ctx context.Context, assetID, recipient string, ac *auth.Context) (*TransferResult, error) {
	initiator := lowerAddr(ac.WalletAddress)
	recipient = lowerAddr(recipient)
	if recipient == "" || recipient == initiator {
		return nil, errf(KindValidation, nil, "recipient must be another wallet")
	}
	doc, err := s.assets.FindCurrent(ctx, assetID, false)
	if err != nil {
		return nil, classify(err, "lookup asset")
	}
	if doc.OwnerAddress != initiator {
		return nil, errf(KindUnauthorized, nil, "only the owner may initiate a transfer")
	}
	if err := s.transfers.Create(ctx, assetID, doc.OwnerAddress, recipient); err != nil {
		return nil, classify(err, "create transfer")
	}
	if _, err := s.txlog.Record(ctx, store.ActionTransferInitiated, assetID, doc.OwnerAddress, initiator, store.JSONMap{
		"recipient": recipient,
	}); err != nil {
		s.log.Warn("transaction log append failed", zap.Error(err))
	}
	return &TransferResult{
		Status:    StatusSuccess,
		AssetID:   assetID,
		Owner:     doc.OwnerAddress,
		Recipient: recipient,
	}, nil
}

// TransferAccept completes a hand-over as the recipient. The owner address
// is part of the anchoring triple, so acceptance re-canonicalizes the
// critical payload under the new owner, stores it to IPFS and re-anchors
// before the database row changes hands. Wallet sessions suspend on the
// user's signature like any other anchor.
func (s *Service) TransferAccept(ctx context.Context, assetID string, ac *auth.Context) (*TransferResult, error) {
	initiator := lowerAddr(ac.WalletAddress)
	transfer, err := s.transfers.Find(ctx, assetID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errf(KindNotFound, err, "no pending transfer for asset %s", assetID)
	}
	if err != nil {
		return nil, classify(err, "lookup transfer")
	}
	if transfer.RecipientAddress != initiator {
		return nil, errf(KindUnauthorized, nil, "only the recipient may accept")
	}
	doc, err := s.assets.FindCurrent(ctx, assetID, false)
	if err != nil {
		return nil, classify(err, "lookup asset")
	}

	newCID, err := s.content.ComputeCID(ctx, assetID, initiator, doc.CriticalMetadata)
	if err != nil {
		return nil, classify(err, "compute cid")
	}
	storedCID, err := s.content.Store(ctx, assetID, initiator, doc.CriticalMetadata)
	if err != nil {
		return nil, classify(err, "store critical metadata")
	}
	if storedCID != newCID {
		return nil, errf(KindInternal, nil, "cid mismatch: computed %s, stored %s", newCID, storedCID)
	}

	if ac.IsWallet() {
		unsigned, err := s.chain.BuildTransaction(ctx, initiator,
			"updateIPFSFor", addrOf(initiator), assetID, newCID)
		if err != nil {
			return nil, classify(err, "build transfer transaction")
		}
		rawTx, err := json.Marshal(unsigned)
		if err != nil {
			return nil, errf(KindInternal, err, "encode unsigned transaction")
		}
		txID, err := s.pending.Store(ctx, pending.Record{
			InitiatorAddress: initiator,
			Operation:        pending.OpTransfer,
			Transaction:      rawTx,
			Payload: map[string]interface{}{
				"asset_id":  assetID,
				"old_owner": transfer.OwnerAddress,
				"new_owner": initiator,
				"cid":       newCID,
			},
		}, 0)
		if err != nil {
			return nil, classify(err, "store pending transfer")
		}
		return &TransferResult{
			Status:      StatusPendingSignature,
			AssetID:     assetID,
			Owner:       transfer.OwnerAddress,
			Recipient:   initiator,
			IPFSHash:    newCID,
			PendingTxID: txID,
			Transaction: unsigned,
		}, nil
	}

	receipt, err := s.chain.Execute(ctx, "updateIPFSFor", addrOf(initiator), assetID, newCID)
	if err != nil {
		return nil, classify(err, "anchor transfer on chain")
	}
	return s.commitTransfer(ctx, assetID, transfer.OwnerAddress, initiator, newCID, receipt.TxHash)
}

// CompleteTransfer resumes a suspended acceptance after the user signature.
func (s *Service) CompleteTransfer(ctx context.Context, pendingTxID, signedTxHash string, ac *auth.Context) (*TransferResult, error) {
	rec, err := s.reclaimPending(ctx, pendingTxID, pending.OpTransfer, ac)
	if err != nil {
		return nil, err
	}
	receipt, err := s.chain.WaitForReceipt(ctx, signedTxHash)
	if err != nil {
		return nil, classify(err, "confirm transfer transaction")
	}
	if receipt.Status != 1 {
		return nil, errf(KindValidation, chain.ErrRevert, "transaction %s did not succeed", signedTxHash)
	}
	assetID := str(rec.Payload["asset_id"])
	oldOwner := str(rec.Payload["old_owner"])
	newOwner := str(rec.Payload["new_owner"])
	cid := str(rec.Payload["cid"])
	if assetID == "" || newOwner == "" || cid == "" {
		return nil, errf(KindInternal, nil, "pending transfer payload incomplete")
	}
	res, err := s.commitTransfer(ctx, assetID, oldOwner, newOwner, cid, receipt.TxHash)
	if err != nil {
		return nil, err
	}
	if _, err := s.pending.Remove(ctx, pendingTxID); err != nil {
		s.log.Warn("pending record cleanup failed", zap.String("pending_tx", pendingTxID))
	}
	return res, nil
}

// commitTransfer writes the new-owner version, retires the transfer row and
// logs on both wallets' audit trails. The contract keys its version counter
// per (owner, asset), so the anchored version under the new owner restarts
// rather than continuing the old owner's count; the row takes the chain's
// number, not a local increment, or every later verifyCID would fail.
func (s *Service) commitTransfer(ctx context.Context, assetID, oldOwner, newOwner, cid, txHash string) (*TransferResult, error) {
	info, err := s.chain.GetIPFSInfo(ctx, addrOf(newOwner), assetID)
	if err != nil {
		return nil, classify(err, "read anchored version")
	}
	doc, err := s.createVersion(ctx, assetID, store.NewVersion{
		IPFSHash:     cid,
		ChainTxID:    txHash,
		IPFSVersion:  int64(info.Version),
		OwnerAddress: newOwner,
		PerformedBy:  newOwner,
	})
	if err != nil {
		return nil, classify(err, "write transferred version")
	}
	if err := s.transfers.Delete(ctx, assetID); err != nil {
		s.log.Warn("transfer row cleanup failed", zap.Error(err))
	}
	meta := store.JSONMap{
		"previous_owner":    oldOwner,
		"new_owner":         newOwner,
		"version":           doc.VersionNumber,
		"smartContractTxId": txHash,
	}
	// One entry under each wallet so both audit trails show the hand-over.
	if _, err := s.txlog.Record(ctx, store.ActionTransferCompleted, assetID, oldOwner, newOwner, meta); err != nil {
		s.log.Warn("transaction log append failed", zap.Error(err))
	}
	if _, err := s.txlog.Record(ctx, store.ActionTransferCompleted, assetID, newOwner, newOwner, meta); err != nil {
		s.log.Warn("transaction log append failed", zap.Error(err))
	}
	return &TransferResult{
		Status:    StatusSuccess,
		AssetID:   assetID,
		Owner:     newOwner,
		Recipient: newOwner,
		Version:   doc.VersionNumber,
		IPFSHash:  doc.IPFSHash,
		ChainTxID: doc.ChainTxID,
	}, nil
}

// TransferCancel withdraws a pending transfer. Initiating owner only.
func (s *Service) TransferCancel(ctx context.Context, assetID string, ac *auth.Context) (*TransferResult, error) {
	initiator := lowerAddr(ac.WalletAddress)
	transfer, err := s.transfers.Find(ctx, assetID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errf(KindNotFound, err, "no pending transfer for asset %s", assetID)
	}
	if err != nil {
		return nil, classify(err, "lookup transfer")
	}
	if transfer.OwnerAddress != initiator {
		return nil, errf(KindUnauthorized, nil, "only the initiating owner may cancel")
	}
	if err := s.transfers.Delete(ctx, assetID); err != nil {
		return nil, classify(err, "cancel transfer")
	}
	if _, err := s.txlog.Record(ctx, store.ActionTransferCancelled, assetID, transfer.OwnerAddress, initiator, store.JSONMap{
		"recipient": transfer.RecipientAddress,
	}); err != nil {
		s.log.Warn("transaction log append failed", zap.Error(err))
	}
	return &TransferResult{
		Status:    StatusSuccess,
		AssetID:   assetID,
		Owner:     transfer.OwnerAddress,
		Recipient: transfer.RecipientAddress,
	}, nil
}

// ListTransfers returns transfers where the wallet is either side.
func (s *Service) ListTransfers(ctx context.Context, wallet string) ([]*store.Transfer, error) {
	out, err := s.transfers.ListByWallet(ctx, wallet)
	if err != nil {
		return nil, classify(err, "list transfers")
	}
	return out, nil
}
