package vault

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/fusevault/fusevault/auth"
	"github.com/fusevault/fusevault/chain"
	"github.com/fusevault/fusevault/metrics"
	"github.com/fusevault/fusevault/pending"
	"github.com/fusevault/fusevault/store"
)

// DeleteOutcome is the per-asset result inside a delete orchestration.
type DeleteOutcome struct {
	AssetID string `json:"asset_id"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// DeleteResult is the outcome of a single or batch delete.
type DeleteResult struct {
	Status      Status            `json:"status"`
	Results     []DeleteOutcome   `json:"results"`
	ChainTxID   string            `json:"chain_tx_id,omitempty"`
	PendingTxID string            `json:"pending_tx_id,omitempty"`
	Transaction *chain.UnsignedTx `json:"transaction,omitempty"`
}

// validatedDelete is one asset cleared for deletion, snapshotted into the
// pending record for wallet-signed flows.
type validatedDelete struct {
	AssetID string
	Owner   string
	Synced  bool // chain already reports deleted; DB sync only
}

// Delete runs the delete state machine over one or more assets. Assets
// already deleted in the database yield warnings without failing the batch;
// assets the chain already reports deleted are DB-synced without a new
// transaction.
func (s *Service) Delete(ctx context.Context, assetIDs []string, reason string, ac *auth.Context) (*DeleteResult, error) {
	if len(assetIDs) == 0 {
		return nil, errf(KindValidation, nil, "no assets to delete")
	}
	if len(assetIDs) > s.batchLimit {
		return nil, errf(KindValidation, nil, "batch of %d exceeds limit %d", len(assetIDs), s.batchLimit)
	}
	initiator := lowerAddr(ac.WalletAddress)

	out := &DeleteResult{Status: StatusSuccess}
	var validated []validatedDelete
	for _, assetID := range assetIDs {
		doc, err := s.assets.FindCurrent(ctx, assetID, true)
		if errors.Is(err, store.ErrNotFound) {
			return nil, errf(KindNotFound, err, "asset %s", assetID)
		}
		if err != nil {
			return nil, classify(err, "lookup asset")
		}
		if doc.IsDeleted {
			out.Results = append(out.Results, DeleteOutcome{
				AssetID: assetID,
				Status:  StatusWarning,
				Message: "asset is already deleted",
			})
			metrics.Deletes.WithLabelValues("warning").Inc()
			continue
		}
		if err := s.authorizeDelete(ctx, doc.OwnerAddress, initiator, ac); err != nil {
			return nil, err
		}

		// Stale-state check: the contract may already consider the asset
		// deleted (e.g. deleted through another node). No new transaction
		// then, just bring the database in line.
		info, err := s.chain.GetIPFSInfo(ctx, addrOf(doc.OwnerAddress), assetID)
		if err != nil {
			return nil, classify(err, "read chain state")
		}
		validated = append(validated, validatedDelete{
			AssetID: assetID,
			Owner:   doc.OwnerAddress,
			Synced:  info.IsDeleted,
		})
	}

	var toChain, synced []validatedDelete
	for _, v := range validated {
		if v.Synced {
			synced = append(synced, v)
		} else {
			toChain = append(toChain, v)
		}
	}

	// Chain-side deletion already happened for the synced assets, so the
	// database sync needs no signature and commits now under either auth
	// mode.
	if len(synced) > 0 {
		if _, err := s.commitDelete(ctx, out, synced, initiator, reason, ""); err != nil {
			return nil, err
		}
	}

	if len(toChain) == 0 {
		return out, nil
	}

	for _, v := range toChain[1:] {
		if v.Owner != toChain[0].Owner {
			return nil, errf(KindValidation, nil, "batch delete spans multiple owners")
		}
	}

	method, args := deleteCall(toChain, initiator, !ac.IsWallet())
	if ac.IsWallet() {
		unsigned, err := s.chain.BuildTransaction(ctx, initiator, method, args...)
		if err != nil {
			return nil, classify(err, "build delete transaction")
		}
		rawTx, err := json.Marshal(unsigned)
		if err != nil {
			return nil, errf(KindInternal, err, "encode unsigned transaction")
		}
		op := pending.OpDelete
		if len(assetIDs) > 1 {
			op = pending.OpBatchDelete
		}
		txID, err := s.pending.Store(ctx, pending.Record{
			InitiatorAddress: initiator,
			Operation:        op,
			Transaction:      rawTx,
			Payload: map[string]interface{}{
				"validated_assets": encodeValidated(toChain),
				"settled_results":  encodeOutcomes(out.Results),
				"reason":           reason,
			},
		}, 0)
		if err != nil {
			return nil, classify(err, "store pending delete")
		}
		metrics.ChainTransactions.WithLabelValues(method, "user").Inc()
		out.Status = StatusPendingSignature
		out.PendingTxID = txID
		out.Transaction = unsigned
		return out, nil
	}

	receipt, err := s.chain.Execute(ctx, method, args...)
	if err != nil {
		metrics.Deletes.WithLabelValues("error").Inc()
		return nil, classify(err, "delete on chain")
	}
	metrics.ChainTransactions.WithLabelValues(method, "server").Inc()
	return s.commitDelete(ctx, out, toChain, initiator, reason, receipt.TxHash)
}

// authorizeDelete enforces the delete rule: the owner may always delete; a
// delegate needs a live on-chain grant; and on the API-key path the owner
// must have delegated both the initiator and the server wallet, since the
// server signs what the initiator asked for.
func (s *Service) authorizeDelete(ctx context.Context, owner, initiator string, ac *auth.Context) error {
	if initiator != owner {
		ok, err := s.delegates.Check(ctx, owner, initiator)
		if err != nil {
			return classify(err, "delegation check")
		}
		if !ok {
			return errf(KindUnauthorized, nil, "%s is not a delegate of %s", initiator, owner)
		}
	}
	if !ac.IsWallet() {
		server, loaded := s.chain.ServerWallet()
		if !loaded {
			return errf(KindUnavailable, chain.ErrNoSigner, "server wallet not configured")
		}
		if !strings.EqualFold(server.Hex(), owner) {
			ok, err := s.delegates.Check(ctx, owner, lowerAddr(server.Hex()))
			if err != nil {
				return classify(err, "server delegation check")
			}
			if !ok {
				return errf(KindUnauthorized, nil,
					"owner %s has not delegated the server wallet", owner)
			}
		}
	}
	return nil
}

// deleteCall picks the contract method for the assets going to chain. Mixed
// ownership within one call is only possible through delegates, which the
// For variants cover one owner at a time; the planner groups per owner
// upstream by rejecting multi-owner wallet batches.
func deleteCall(toChain []validatedDelete, initiator string, serverSigned bool) (string, []interface{}) {
	owner := toChain[0].Owner
	onBehalf := serverSigned || owner != initiator
	if len(toChain) == 1 {
		if onBehalf {
			return "deleteAssetFor", []interface{}{addrOf(owner), toChain[0].AssetID}
		}
		return "deleteAsset", []interface{}{toChain[0].AssetID}
	}
	ids := make([]string, len(toChain))
	for i, v := range toChain {
		ids[i] = v.AssetID
	}
	if onBehalf {
		return "batchDeleteAssetsFor", []interface{}{addrOf(owner), ids}
	}
	return "batchDeleteAssets", []interface{}{ids}
}

// CompleteDelete resumes a suspended delete after the user's signature,
// verifying the receipt and then soft-deleting per the validated snapshot.
func (s *Service) CompleteDelete(ctx context.Context, pendingTxID, signedTxHash string, ac *auth.Context) (*DeleteResult, error) {
	rec, err := s.pending.Get(ctx, pendingTxID)
	if err != nil {
		return nil, classify(err, "load pending transaction")
	}
	if rec.Operation != pending.OpDelete && rec.Operation != pending.OpBatchDelete {
		return nil, errf(KindValidation, nil, "pending transaction is a %s, not a delete", rec.Operation)
	}
	if !ac.IsWallet() {
		return nil, errf(KindUnauthorized, nil, "completion requires a wallet session")
	}
	initiator := lowerAddr(ac.WalletAddress)
	if rec.InitiatorAddress != initiator {
		return nil, errf(KindUnauthorized, nil, "pending transaction belongs to another wallet")
	}

	receipt, err := s.chain.WaitForReceipt(ctx, signedTxHash)
	if err != nil {
		return nil, classify(err, "confirm delete transaction")
	}
	if receipt.Status != 1 {
		return nil, errf(KindValidation, chain.ErrRevert, "transaction %s did not succeed", signedTxHash)
	}

	validated, err := decodeValidated(rec)
	if err != nil {
		return nil, err
	}
	reason := str(rec.Payload["reason"])
	// Outcomes settled at submission time (already-deleted warnings, chain
	// syncs) ride along in the payload so the completed batch reads whole.
	out := &DeleteResult{Status: StatusSuccess, Results: decodeOutcomes(rec)}
	res, err := s.commitDelete(ctx, out, validated, initiator, reason, receipt.TxHash)
	if err != nil {
		return nil, err
	}
	if _, err := s.pending.Remove(ctx, pendingTxID); err != nil {
		s.log.Warn("pending record cleanup failed", zap.String("pending_tx", pendingTxID))
	}
	return res, nil
}

// commitDelete soft-deletes every validated asset with a shared timestamp
// per asset and records one DELETE transaction each. Synced assets carry
// StatusSynced so clients can tell "deleted now" from "discovered deleted".
func (s *Service) commitDelete(ctx context.Context, out *DeleteResult, validated []validatedDelete, initiator, reason, txHash string) (*DeleteResult, error) {
	for _, v := range validated {
		if _, err := s.assets.SoftDeleteAll(ctx, v.AssetID, initiator); err != nil {
			return nil, classify(err, "soft delete")
		}
		meta := store.JSONMap{"owner_address": v.Owner}
		if reason != "" {
			meta["reason"] = reason
		}
		if txHash != "" && !v.Synced {
			meta["smartContractTxId"] = txHash
		}
		if v.Synced {
			meta["synced_from_chain"] = true
		}
		if _, err := s.txlog.Record(ctx, store.ActionDelete, v.AssetID, v.Owner, initiator, meta); err != nil {
			s.log.Warn("transaction log append failed",
				zap.String("asset", v.AssetID), zap.Error(err))
		}
		status := StatusSuccess
		if v.Synced {
			status = StatusSynced
		}
		out.Results = append(out.Results, DeleteOutcome{AssetID: v.AssetID, Status: status})
		metrics.Deletes.WithLabelValues(string(status)).Inc()
	}
	if txHash != "" {
		out.ChainTxID = txHash
	}
	return out, nil
}

func encodeValidated(validated []validatedDelete) []interface{} {
	out := make([]interface{}, len(validated))
	for i, v := range validated {
		out[i] = map[string]interface{}{
			"asset_id": v.AssetID,
			"owner":    v.Owner,
			"synced":   v.Synced,
		}
	}
	return out
}

func encodeOutcomes(results []DeleteOutcome) []interface{} {
	out := make([]interface{}, len(results))
	for i, r := range results {
		out[i] = map[string]interface{}{
			"asset_id": r.AssetID,
			"status":   string(r.Status),
			"message":  r.Message,
		}
	}
	return out
}

func decodeOutcomes(rec *pending.Record) []DeleteOutcome {
	raw, ok := rec.Payload["settled_results"].([]interface{})
	if !ok {
		return nil
	}
	out := make([]DeleteOutcome, 0, len(raw))
	for _, entry := range raw {
		m, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		out = append(out, DeleteOutcome{
			AssetID: str(m["asset_id"]),
			Status:  Status(str(m["status"])),
			Message: str(m["message"]),
		})
	}
	return out
}

func decodeValidated(rec *pending.Record) ([]validatedDelete, error) {
	raw, ok := rec.Payload["validated_assets"].([]interface{})
	if !ok {
		return nil, errf(KindInternal, nil, "pending delete payload incomplete")
	}
	out := make([]validatedDelete, 0, len(raw))
	for _, entry := range raw {
		m, ok := entry.(map[string]interface{})
		if !ok {
			return nil, errf(KindInternal, nil, "pending delete entry malformed")
		}
		v := validatedDelete{AssetID: str(m["asset_id"]), Owner: str(m["owner"])}
		v.Synced, _ = m["synced"].(bool)
		out = append(out, v)
	}
	return out, nil
}
