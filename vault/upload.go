package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fusevault/fusevault/auth"
	"github.com/fusevault/fusevault/chain"
	"github.com/fusevault/fusevault/metrics"
	"github.com/fusevault/fusevault/pending"
	"github.com/fusevault/fusevault/store"
)

// UploadRequest is one asset's create-or-update input.
type UploadRequest struct {
	AssetID     string                 `json:"asset_id"`
	Owner       string                 `json:"wallet_address"`
	Critical    map[string]interface{} `json:"critical_metadata"`
	NonCritical map[string]interface{} `json:"non_critical_metadata"`
}

// UploadResult is the outcome of an upload orchestration. With
// StatusPendingSignature only PendingTxID and Transaction are meaningful;
// the remaining fields are filled by the completion call.
type UploadResult struct {
	Status      Status            `json:"status"`
	AssetID     string            `json:"asset_id"`
	Action      store.Action      `json:"action,omitempty"`
	Version     int64             `json:"version,omitempty"`
	IPFSVersion int64             `json:"ipfs_version,omitempty"`
	IPFSHash    string            `json:"ipfs_hash,omitempty"`
	ChainTxID   string            `json:"chain_tx_id,omitempty"`
	DocumentID  string            `json:"document_id,omitempty"`
	PendingTxID string            `json:"pending_tx_id,omitempty"`
	Transaction *chain.UnsignedTx `json:"transaction,omitempty"`
}

// uploadPlan is the resolved branch of the state machine before any side
// effect happens.
type uploadPlan struct {
	req       UploadRequest
	initiator string
	delegated bool

	action    store.Action
	recreate  bool
	newCID    string
	carryOver bool // non-critical-only update: anchor does not move
	current   *store.AssetVersion
}

func lowerAddr(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

// Upload runs the create/update state machine for one asset. Wallet-auth
// requests that need a chain anchor suspend with a pending transaction;
// API-key requests are server-signed end to end.
func (s *Service) Upload(ctx context.Context, req UploadRequest, ac *auth.Context) (*UploadResult, error) {
	plan, err := s.planUpload(ctx, req, ac)
	if err != nil {
		return nil, err
	}

	// Non-critical-only updates never touch IPFS or the chain, so both auth
	// modes complete synchronously.
	if plan.carryOver {
		return s.commitCarryOver(ctx, plan)
	}

	cid, err := s.content.Store(ctx, plan.req.AssetID, plan.req.Owner, plan.req.Critical)
	if err != nil {
		return nil, classify(err, "store critical metadata")
	}
	if cid != plan.newCID {
		// compute_cid and store disagreeing means the canonicalization
		// contract is broken; nothing downstream can be trusted.
		return nil, errf(KindInternal, nil, "cid mismatch: computed %s, stored %s", plan.newCID, cid)
	}

	if ac.IsWallet() {
		return s.suspendUpload(ctx, plan)
	}
	return s.executeUpload(ctx, plan)
}

// planUpload is steps 1–3 of the state machine: lookup, authorization,
// fingerprint and branch selection. No side effects.
func (s *Service) planUpload(ctx context.Context, req UploadRequest, ac *auth.Context) (*uploadPlan, error) {
	if req.AssetID == "" || req.Owner == "" {
		return nil, errf(KindValidation, nil, "asset_id and wallet_address are required")
	}
	if req.Critical == nil {
		return nil, errf(KindValidation, nil, "critical_metadata is required")
	}
	plan := &uploadPlan{
		req:       req,
		initiator: lowerAddr(ac.WalletAddress),
	}
	plan.req.Owner = lowerAddr(req.Owner)

	current, err := s.assets.FindCurrent(ctx, req.AssetID, true)
	switch {
	case errors.Is(err, store.ErrNotFound):
		plan.action = store.ActionCreate
	case err != nil:
		return nil, classify(err, "lookup asset")
	case current.IsDeleted:
		// Recreate branch: only the recorded owner may resurrect, even
		// through a delegate-free wallet session.
		if plan.req.Owner != current.OwnerAddress || plan.initiator != current.OwnerAddress {
			return nil, errf(KindUnauthorized, nil,
				"asset %s was deleted by its owner and may only be recreated by them", req.AssetID)
		}
		plan.action = store.ActionRecreateDeleted
		plan.recreate = true
	default:
		if plan.req.Owner != current.OwnerAddress {
			return nil, errf(KindConflict, nil, "asset %s already exists under another owner", req.AssetID)
		}
		plan.current = current
	}

	if err := s.authorizeWrite(ctx, plan.req.Owner, plan.initiator, ac); err != nil {
		return nil, err
	}
	plan.delegated = plan.initiator != plan.req.Owner

	newCID, err := s.content.ComputeCID(ctx, req.AssetID, plan.req.Owner, req.Critical)
	if err != nil {
		return nil, classify(err, "compute cid")
	}
	plan.newCID = newCID

	if plan.current != nil {
		if newCID == plan.current.IPFSHash {
			plan.action = store.ActionUpdate
			plan.carryOver = true
		} else {
			plan.action = store.ActionVersionCreate
		}
	}
	return plan, nil
}

// authorizeWrite enforces the write rule: the owner may always write; anyone
// else must be a chain-verified delegate, and server-signed (API key) writes
// additionally require the owner to have delegated the server wallet, since
// the contract sees the server as msg.sender.
func (s *Service) authorizeWrite(ctx context.Context, owner, initiator string, ac *auth.Context) error {
	if initiator != owner {
		ok, err := s.delegates.Check(ctx, owner, initiator)
		if err != nil {
			return classify(err, "delegation check")
		}
		if !ok {
			return errf(KindUnauthorized, nil,
				"%s is not a delegate of %s", initiator, owner)
		}
	}
	if !ac.IsWallet() {
		// The contract sees the server as msg.sender on API-key writes, so
		// the owner must have delegated the server wallet too.
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

// anchorCall picks the contract method for one asset's anchor.
func anchorCall(plan *uploadPlan, serverSigned bool) (method string, args []interface{}) {
	if serverSigned || plan.delegated {
		return "updateIPFSFor", []interface{}{addrOf(plan.req.Owner), plan.req.AssetID, plan.newCID}
	}
	if plan.action == store.ActionCreate || plan.recreate {
		return "storeCIDDigest", []interface{}{plan.req.AssetID, plan.newCID}
	}
	return "updateIPFS", []interface{}{plan.req.AssetID, plan.newCID}
}

// suspendUpload parks the state machine for a wallet signature.
func (s *Service) suspendUpload(ctx context.Context, plan *uploadPlan) (*UploadResult, error) {
	method, args := anchorCall(plan, false)
	unsigned, err := s.chain.BuildTransaction(ctx, plan.initiator, method, args...)
	if err != nil {
		return nil, classify(err, "build anchor transaction")
	}
	rawTx, err := json.Marshal(unsigned)
	if err != nil {
		return nil, errf(KindInternal, err, "encode unsigned transaction")
	}
	txID, err := s.pending.Store(ctx, pending.Record{
		InitiatorAddress: plan.initiator,
		Operation:        pending.OpUpload,
		Transaction:      rawTx,
		Payload: map[string]interface{}{
			"asset_id":     plan.req.AssetID,
			"owner":        plan.req.Owner,
			"cid":          plan.newCID,
			"critical":     plan.req.Critical,
			"non_critical": plan.req.NonCritical,
			"action":       string(plan.action),
			"recreate":     plan.recreate,
			"delegated":    plan.delegated,
		},
	}, 0)
	if err != nil {
		return nil, classify(err, "store pending transaction")
	}
	metrics.Uploads.WithLabelValues(string(plan.action), "pending").Inc()
	metrics.ChainTransactions.WithLabelValues(method, "user").Inc()
	s.log.Info("upload suspended for signature",
		zap.String("asset", plan.req.AssetID), zap.String("pending_tx", txID))
	return &UploadResult{
		Status:      StatusPendingSignature,
		AssetID:     plan.req.AssetID,
		Action:      plan.action,
		IPFSHash:    plan.newCID,
		PendingTxID: txID,
		Transaction: unsigned,
	}, nil
}

// executeUpload is the server-signed path: anchor synchronously, then write
// the database and the audit log.
func (s *Service) executeUpload(ctx context.Context, plan *uploadPlan) (*UploadResult, error) {
	method, args := anchorCall(plan, true)
	receipt, err := s.chain.Execute(ctx, method, args...)
	if err != nil {
		// IPFS content already stored is harmless garbage; the database was
		// never touched, so there is no partial state to unwind.
		metrics.Uploads.WithLabelValues(string(plan.action), "error").Inc()
		return nil, classify(err, "anchor on chain")
	}
	metrics.ChainTransactions.WithLabelValues(method, "server").Inc()
	return s.commitUpload(ctx, plan, receipt.TxHash)
}

// CompleteUpload resumes a suspended upload after the user broadcast the
// signed transaction. It verifies the receipt, writes the database version
// and retires the pending record.
func (s *Service) CompleteUpload(ctx context.Context, pendingTxID, signedTxHash string, ac *auth.Context) (*UploadResult, error) {
	rec, err := s.reclaimPending(ctx, pendingTxID, pending.OpUpload, ac)
	if err != nil {
		return nil, err
	}
	receipt, err := s.chain.WaitForReceipt(ctx, signedTxHash)
	if err != nil {
		return nil, classify(err, "confirm anchor transaction")
	}
	if receipt.Status != 1 {
		return nil, errf(KindValidation, chain.ErrRevert,
			"transaction %s did not succeed", signedTxHash)
	}

	plan, err := planFromPending(rec)
	if err != nil {
		return nil, err
	}
	res, err := s.commitUpload(ctx, plan, receipt.TxHash)
	if err != nil {
		return nil, err
	}
	if _, err := s.pending.Remove(ctx, pendingTxID); err != nil {
		s.log.Warn("pending record cleanup failed", zap.String("pending_tx", pendingTxID))
	}
	return res, nil
}

// reclaimPending loads and authorizes a pending record for completion.
func (s *Service) reclaimPending(ctx context.Context, pendingTxID string, op pending.OperationType, ac *auth.Context) (*pending.Record, error) {
	if !ac.IsWallet() {
		return nil, errf(KindUnauthorized, nil, "completion requires a wallet session")
	}
	rec, err := s.pending.Get(ctx, pendingTxID)
	if err != nil {
		return nil, classify(err, "load pending transaction")
	}
	if rec.InitiatorAddress != lowerAddr(ac.WalletAddress) {
		return nil, errf(KindUnauthorized, nil, "pending transaction belongs to another wallet")
	}
	if rec.Operation != op {
		return nil, errf(KindValidation, nil,
			"pending transaction is a %s, not a %s", rec.Operation, op)
	}
	return rec, nil
}

func planFromPending(rec *pending.Record) (*uploadPlan, error) {
	p := rec.Payload
	critical, _ := p["critical"].(map[string]interface{})
	nonCritical, _ := p["non_critical"].(map[string]interface{})
	plan := &uploadPlan{
		req: UploadRequest{
			AssetID:     str(p["asset_id"]),
			Owner:       str(p["owner"]),
			Critical:    critical,
			NonCritical: nonCritical,
		},
		initiator: rec.InitiatorAddress,
		action:    store.Action(str(p["action"])),
		newCID:    str(p["cid"]),
	}
	plan.recreate, _ = p["recreate"].(bool)
	plan.delegated, _ = p["delegated"].(bool)
	if plan.req.AssetID == "" || plan.newCID == "" {
		return nil, errf(KindInternal, nil, "pending record payload incomplete")
	}
	return plan, nil
}

func str(v interface{}) string {
	s, _ := v.(string)
	return s
}

// commitUpload writes the database version and audit entry after a
// successful anchor. Fresh creates and recreates insert version 1; critical
// updates supersede the current version.
func (s *Service) commitUpload(ctx context.Context, plan *uploadPlan, txHash string) (*UploadResult, error) {
	var (
		doc *store.AssetVersion
		err error
	)
	switch plan.action {
	case store.ActionCreate, store.ActionRecreateDeleted:
		if plan.recreate {
			if _, err := s.assets.PurgeDeleted(ctx, plan.req.AssetID); err != nil {
				return nil, classify(err, "purge deleted versions")
			}
		}
		doc = &store.AssetVersion{
			AssetID:             plan.req.AssetID,
			OwnerAddress:        plan.req.Owner,
			CriticalMetadata:    store.JSONMap(plan.req.Critical),
			NonCriticalMetadata: store.JSONMap(plan.req.NonCritical),
			IPFSHash:            plan.newCID,
			ChainTxID:           txHash,
			PerformedBy:         performedBy(plan),
			IsDelegatedAction:   plan.delegated,
		}
		if _, err = s.assets.Insert(ctx, doc); err != nil {
			return nil, classify(err, "insert asset version")
		}
	default:
		doc, err = s.createVersion(ctx, plan.req.AssetID, store.NewVersion{
			CriticalMetadata:    store.JSONMap(plan.req.Critical),
			NonCriticalMetadata: store.JSONMap(plan.req.NonCritical),
			IPFSHash:            plan.newCID,
			ChainTxID:           txHash,
			PerformedBy:         plan.initiator,
			IsDelegated:         plan.delegated,
		})
		if err != nil {
			return nil, classify(err, "create new version")
		}
	}

	meta := store.JSONMap{
		"version":           doc.VersionNumber,
		"ipfs_version":      doc.IPFSVersion,
		"ipfs_hash":         doc.IPFSHash,
		"smartContractTxId": txHash,
	}
	if plan.action == store.ActionRecreateDeleted {
		meta["wasDeleted"] = true
	}
	if _, err := s.txlog.Record(ctx, plan.action, plan.req.AssetID, plan.req.Owner, plan.initiator, meta); err != nil {
		// The log is advisory; the committed state stands.
		s.log.Warn("transaction log append failed",
			zap.String("asset", plan.req.AssetID), zap.Error(err))
	}
	metrics.Uploads.WithLabelValues(string(plan.action), "success").Inc()
	return &UploadResult{
		Status:      StatusSuccess,
		AssetID:     plan.req.AssetID,
		Action:      plan.action,
		Version:     doc.VersionNumber,
		IPFSVersion: doc.IPFSVersion,
		IPFSHash:    doc.IPFSHash,
		ChainTxID:   doc.ChainTxID,
		DocumentID:  doc.ID,
	}, nil
}

// commitCarryOver is the non-critical-only update: a new database version
// that reuses the existing anchor. No content store, no chain.
func (s *Service) commitCarryOver(ctx context.Context, plan *uploadPlan) (*UploadResult, error) {
	doc, err := s.createVersion(ctx, plan.req.AssetID, store.NewVersion{
		CriticalMetadata:    store.JSONMap(plan.req.Critical),
		NonCriticalMetadata: store.JSONMap(plan.req.NonCritical),
		PerformedBy:         plan.initiator,
		IsDelegated:         plan.delegated,
	})
	if err != nil {
		return nil, classify(err, "create carry-over version")
	}
	meta := store.JSONMap{
		"version":      doc.VersionNumber,
		"ipfs_version": doc.IPFSVersion,
		"ipfs_hash":    doc.IPFSHash,
	}
	if _, err := s.txlog.Record(ctx, store.ActionUpdate, plan.req.AssetID, plan.req.Owner, plan.initiator, meta); err != nil {
		s.log.Warn("transaction log append failed",
			zap.String("asset", plan.req.AssetID), zap.Error(err))
	}
	metrics.Uploads.WithLabelValues(string(store.ActionUpdate), "success").Inc()
	return &UploadResult{
		Status:      StatusSuccess,
		AssetID:     plan.req.AssetID,
		Action:      store.ActionUpdate,
		Version:     doc.VersionNumber,
		IPFSVersion: doc.IPFSVersion,
		IPFSHash:    doc.IPFSHash,
		ChainTxID:   doc.ChainTxID,
		DocumentID:  doc.ID,
	}, nil
}

func performedBy(plan *uploadPlan) *string {
	if !plan.delegated {
		return nil
	}
	v := plan.initiator
	return &v
}

// BatchUploadResult is the outcome of a batch prepare or completion.
type BatchUploadResult struct {
	Status      Status            `json:"status"`
	Results     []*UploadResult   `json:"results,omitempty"`
	PendingTxID string            `json:"pending_tx_id,omitempty"`
	Transaction *chain.UnsignedTx `json:"transaction,omitempty"`
}

// BatchUpload prepares up to MaxBatchSize uploads for one owner: every
// asset's critical payload goes to IPFS concurrently, then one aggregate
// chain transaction anchors them all. A single IPFS failure aborts the batch
// before any chain work.
func (s *Service) BatchUpload(ctx context.Context, reqs []UploadRequest, ac *auth.Context) (*BatchUploadResult, error) {
	if len(reqs) == 0 {
		return nil, errf(KindValidation, nil, "empty batch")
	}
	if len(reqs) > s.batchLimit {
		return nil, errf(KindValidation, nil, "batch of %d exceeds limit %d", len(reqs), s.batchLimit)
	}
	owner := lowerAddr(reqs[0].Owner)
	seen := make(map[string]bool, len(reqs))
	for _, r := range reqs {
		if lowerAddr(r.Owner) != owner {
			return nil, errf(KindValidation, nil, "batch spans multiple owners")
		}
		if seen[r.AssetID] {
			return nil, errf(KindValidation, nil, "duplicate asset %s in batch", r.AssetID)
		}
		seen[r.AssetID] = true
	}

	plans := make([]*uploadPlan, len(reqs))
	for i, r := range reqs {
		plan, err := s.planUpload(ctx, r, ac)
		if err != nil {
			return nil, err
		}
		plans[i] = plan
	}

	// Concurrent IPFS stores, bounded to the batch size. Carry-over entries
	// have nothing to store.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.batchLimit)
	for _, plan := range plans {
		if plan.carryOver {
			continue
		}
		plan := plan
		g.Go(func() error {
			cid, err := s.content.Store(gctx, plan.req.AssetID, plan.req.Owner, plan.req.Critical)
			if err != nil {
				return fmt.Errorf("asset %s: %w", plan.req.AssetID, err)
			}
			if cid != plan.newCID {
				return fmt.Errorf("asset %s: cid mismatch", plan.req.AssetID)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, classify(err, "batch content store")
	}

	var assetIDs, cids []string
	for _, plan := range plans {
		if plan.carryOver {
			continue
		}
		assetIDs = append(assetIDs, plan.req.AssetID)
		cids = append(cids, plan.newCID)
	}

	// A batch of pure carry-over updates needs no chain work at all.
	if len(assetIDs) == 0 {
		out := &BatchUploadResult{Status: StatusSuccess}
		for _, plan := range plans {
			res, err := s.commitCarryOver(ctx, plan)
			if err != nil {
				return nil, err
			}
			out.Results = append(out.Results, res)
		}
		return out, nil
	}

	initiator := lowerAddr(ac.WalletAddress)
	delegated := initiator != owner
	method := "batchUpdateIPFS"
	args := []interface{}{assetIDs, cids}
	if !ac.IsWallet() || delegated {
		method = "batchUpdateIPFSFor"
		args = []interface{}{addrOf(owner), assetIDs, cids}
	}

	if ac.IsWallet() {
		unsigned, err := s.chain.BuildTransaction(ctx, initiator, method, args...)
		if err != nil {
			return nil, classify(err, "build batch transaction")
		}
		rawTx, err := json.Marshal(unsigned)
		if err != nil {
			return nil, errf(KindInternal, err, "encode unsigned transaction")
		}
		txID, err := s.pending.Store(ctx, pending.Record{
			InitiatorAddress: initiator,
			Operation:        pending.OpBatchUpload,
			Transaction:      rawTx,
			Payload:          map[string]interface{}{"plans": encodePlans(plans)},
		}, 0)
		if err != nil {
			return nil, classify(err, "store pending batch")
		}
		metrics.ChainTransactions.WithLabelValues(method, "user").Inc()
		return &BatchUploadResult{
			Status:      StatusPendingSignature,
			PendingTxID: txID,
			Transaction: unsigned,
		}, nil
	}

	receipt, err := s.chain.Execute(ctx, method, args...)
	if err != nil {
		return nil, classify(err, "batch anchor on chain")
	}
	metrics.ChainTransactions.WithLabelValues(method, "server").Inc()
	return s.commitBatch(ctx, plans, receipt.TxHash)
}

// CompleteBatchUpload resumes a suspended batch after the user's signature.
func (s *Service) CompleteBatchUpload(ctx context.Context, pendingTxID, signedTxHash string, ac *auth.Context) (*BatchUploadResult, error) {
	rec, err := s.reclaimPending(ctx, pendingTxID, pending.OpBatchUpload, ac)
	if err != nil {
		return nil, err
	}
	receipt, err := s.chain.WaitForReceipt(ctx, signedTxHash)
	if err != nil {
		return nil, classify(err, "confirm batch transaction")
	}
	if receipt.Status != 1 {
		return nil, errf(KindValidation, chain.ErrRevert,
			"transaction %s did not succeed", signedTxHash)
	}
	plans, err := decodePlans(rec)
	if err != nil {
		return nil, err
	}
	res, err := s.commitBatch(ctx, plans, receipt.TxHash)
	if err != nil {
		return nil, err
	}
	if _, err := s.pending.Remove(ctx, pendingTxID); err != nil {
		s.log.Warn("pending record cleanup failed", zap.String("pending_tx", pendingTxID))
	}
	return res, nil
}

func (s *Service) commitBatch(ctx context.Context, plans []*uploadPlan, txHash string) (*BatchUploadResult, error) {
	out := &BatchUploadResult{Status: StatusSuccess}
	for _, plan := range plans {
		var (
			res *UploadResult
			err error
		)
		if plan.carryOver {
			res, err = s.commitCarryOver(ctx, plan)
		} else {
			res, err = s.commitUpload(ctx, plan, txHash)
		}
		if err != nil {
			return nil, err
		}
		out.Results = append(out.Results, res)
	}
	return out, nil
}

func encodePlans(plans []*uploadPlan) []interface{} {
	out := make([]interface{}, len(plans))
	for i, p := range plans {
		out[i] = map[string]interface{}{
			"asset_id":     p.req.AssetID,
			"owner":        p.req.Owner,
			"cid":          p.newCID,
			"critical":     p.req.Critical,
			"non_critical": p.req.NonCritical,
			"action":       string(p.action),
			"recreate":     p.recreate,
			"delegated":    p.delegated,
			"carry_over":   p.carryOver,
		}
	}
	return out
}

func decodePlans(rec *pending.Record) ([]*uploadPlan, error) {
	raw, ok := rec.Payload["plans"].([]interface{})
	if !ok {
		return nil, errf(KindInternal, nil, "pending batch payload incomplete")
	}
	plans := make([]*uploadPlan, 0, len(raw))
	for _, entry := range raw {
		m, ok := entry.(map[string]interface{})
		if !ok {
			return nil, errf(KindInternal, nil, "pending batch entry malformed")
		}
		critical, _ := m["critical"].(map[string]interface{})
		nonCritical, _ := m["non_critical"].(map[string]interface{})
		plan := &uploadPlan{
			req: UploadRequest{
				AssetID:     str(m["asset_id"]),
				Owner:       str(m["owner"]),
				Critical:    critical,
				NonCritical: nonCritical,
			},
			initiator: rec.InitiatorAddress,
			action:    store.Action(str(m["action"])),
			newCID:    str(m["cid"]),
		}
		plan.recreate, _ = m["recreate"].(bool)
		plan.delegated, _ = m["delegated"].(bool)
		plan.carryOver, _ = m["carry_over"].(bool)
		plans = append(plans, plan)
	}
	return plans, nil
}
