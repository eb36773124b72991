package vault

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fusevault/fusevault/chain"
	"github.com/fusevault/fusevault/metrics"
	"github.com/fusevault/fusevault/store"
)

// Verification is the verdict the read path attaches to every retrieval.
// A failed verification is data, not an error: the client always gets as
// much of the record as exists, plus the red flags.
type Verification struct {
	Verified               bool   `json:"verified"`
	CIDMatch               bool   `json:"cid_match"`
	IPFSHashVerified       bool   `json:"ipfs_hash_verified"`
	TxSenderVerified       bool   `json:"tx_sender_verified"`
	DeletionStatusTampered bool   `json:"deletion_status_tampered"`
	RecoveryNeeded         bool   `json:"recovery_needed"`
	RecoveryAttempted      bool   `json:"recovery_attempted,omitempty"`
	RecoverySuccessful     bool   `json:"recovery_successful,omitempty"`
	NewVersionCreated      bool   `json:"new_version_created,omitempty"`
	Message                string `json:"message,omitempty"`
}

// RetrieveResult is a document plus its verification verdict.
type RetrieveResult struct {
	Asset        *store.AssetVersion `json:"asset"`
	Verification Verification        `json:"verification"`
}

// Progress reports verification steps for streaming UIs.
type Progress func(step, total int, message string)

const verifySteps = 9

func report(p Progress, step int, msg string) {
	if p != nil {
		p(step, verifySteps, msg)
	}
}

// Retrieve is the load-bearing integrity check: fetch the requested version,
// compare it against the chain and the recomputed content address, and, when
// the current version fails and autoRecover is set, rebuild the authentic
// state from on-chain and IPFS evidence.
func (s *Service) Retrieve(ctx context.Context, assetID string, version *int64, autoRecover bool, progress Progress) (*RetrieveResult, error) {
	started := time.Now()
	defer func() { metrics.VerifyDuration.Observe(time.Since(started).Seconds()) }()

	// Step 1: existence. "Asset unknown" and "version invisible" are
	// different answers.
	report(progress, 1, "loading document")
	var (
		doc *store.AssetVersion
		err error
	)
	if version == nil {
		doc, err = s.assets.FindCurrent(ctx, assetID, true)
	} else {
		doc, err = s.assets.FindVersion(ctx, assetID, *version)
	}
	if errors.Is(err, store.ErrNotFound) {
		if version != nil {
			if _, aerr := s.assets.FindAnyIncludingDeleted(ctx, assetID); aerr == nil {
				return nil, errf(KindNotFound, err, "asset %s has no version %d", assetID, *version)
			}
		}
		return nil, errf(KindNotFound, err, "asset %s", assetID)
	}
	if err != nil {
		return nil, classify(err, "lookup asset")
	}
	isCurrent := doc.IsCurrent

	owner := addrOf(doc.OwnerAddress)
	verdict := Verification{}

	// Step 2: chain ground truth.
	report(progress, 2, "reading chain state")
	info, err := s.chain.GetIPFSInfo(ctx, owner, assetID)
	if err != nil {
		return nil, classify(err, "read chain state")
	}

	// Step 3: contract's verdict on the stored (cid, version) pair.
	report(progress, 3, "verifying stored cid on chain")
	check, err := s.chain.VerifyCID(ctx, owner, assetID, doc.IPFSHash, uint64(doc.IPFSVersion))
	if err != nil {
		return nil, classify(err, "verify cid")
	}
	verdict.IPFSHashVerified = check.Valid

	// Step 4: cross-check against the anchoring transaction's calldata.
	report(progress, 4, "decoding anchor transaction")
	var calldataCID string
	details, derr := s.chain.GetTransactionDetails(ctx, doc.ChainTxID, assetID)
	if derr == nil {
		calldataCID = details.CID
		if server, ok := s.chain.ServerWallet(); ok {
			verdict.TxSenderVerified = strings.EqualFold(details.Sender.Hex(), server.Hex())
		}
	}

	// Step 5: recompute the content address from the database copy.
	report(progress, 5, "recomputing content address")
	computedCID, err := s.content.ComputeCID(ctx, assetID, doc.OwnerAddress, doc.CriticalMetadata)
	if err != nil {
		return nil, classify(err, "compute cid")
	}
	verdict.CIDMatch = calldataCID != "" && computedCID == calldataCID

	// Step 6: deletion-state cross-check.
	report(progress, 6, "checking deletion state")
	verdict.DeletionStatusTampered = info.IsDeleted && !doc.IsDeleted

	// Step 7: verdict. Historical versions trust the server's past signing
	// when CIDs line up; the current version must satisfy the contract too.
	report(progress, 7, "computing verdict")
	if isCurrent {
		verdict.Verified = verdict.IPFSHashVerified && verdict.CIDMatch && !verdict.DeletionStatusTampered
	} else {
		verdict.Verified = verdict.CIDMatch && verdict.TxSenderVerified && !verdict.DeletionStatusTampered
	}

	if verdict.Verified {
		report(progress, 9, "verified")
		metrics.Verifications.WithLabelValues("verified").Inc()
		if err := s.assets.TouchVerified(ctx, doc.ID); err != nil {
			s.log.Warn("last-verified stamp failed", zap.Error(err))
		}
		return &RetrieveResult{Asset: doc, Verification: verdict}, nil
	}

	metrics.Verifications.WithLabelValues("tampered").Inc()
	verdict.RecoveryNeeded = true
	if !autoRecover {
		report(progress, 9, "verification failed")
		verdict.Message = "verification failed; auto-recovery disabled"
		return &RetrieveResult{Asset: doc, Verification: verdict}, nil
	}

	// Step 8: recovery.
	report(progress, 8, "recovering authentic state")
	verdict.RecoveryAttempted = true

	if verdict.DeletionStatusTampered {
		return s.recoverDeletion(ctx, doc, verdict, progress)
	}
	if !isCurrent {
		// Historical versions are immutable evidence; report, never rewrite.
		report(progress, 9, "historical version failed verification")
		verdict.RecoveryAttempted = false
		verdict.Message = "historical version failed verification; stored data returned as-is"
		return &RetrieveResult{Asset: doc, Verification: verdict}, nil
	}
	return s.recoverCID(ctx, doc, info, details, derr, verdict, progress)
}

// recoverDeletion handles an on-chain deleted asset the database still shows
// live: restore the deletion in the database and log it.
func (s *Service) recoverDeletion(ctx context.Context, doc *store.AssetVersion, verdict Verification, progress Progress) (*RetrieveResult, error) {
	server, _ := s.chain.ServerWallet()
	if _, err := s.assets.SoftDeleteAll(ctx, doc.AssetID, lowerAddr(server.Hex())); err != nil {
		metrics.Recoveries.WithLabelValues("deletion", "failure").Inc()
		return nil, classify(err, "restore deletion state")
	}
	if _, err := s.txlog.Record(ctx, store.ActionDeletionRestored, doc.AssetID, doc.OwnerAddress, lowerAddr(server.Hex()), store.JSONMap{
		"reason": "chain reports asset deleted",
	}); err != nil {
		s.log.Warn("transaction log append failed", zap.Error(err))
	}
	metrics.Recoveries.WithLabelValues("deletion", "success").Inc()
	s.log.Info("deletion state restored", zap.String("asset", doc.AssetID))

	doc.IsDeleted = true
	verdict.RecoverySuccessful = true
	verdict.Message = "deletion state restored from chain"
	report(progress, 9, "deletion state restored")
	return &RetrieveResult{Asset: doc, Verification: verdict}, nil
}

// recoverCID handles tampered critical metadata on the current version: find
// the authentic CID (calldata first, event scan as last resort), pull the
// payload back from IPFS, and write it as a fresh version.
func (s *Service) recoverCID(ctx context.Context, doc *store.AssetVersion, info *chain.IPFSInfo, details *chain.TxDetails, detailsErr error, verdict Verification, progress Progress) (*RetrieveResult, error) {
	authenticCID := ""
	correctedTx := doc.ChainTxID
	if detailsErr == nil && details.CID != "" {
		authenticCID = details.CID
	} else {
		// The stored tx hash itself is suspect; the event history is the
		// oracle of last resort and also yields the correct hash.
		match, err := s.chain.RecoverFromEvents(ctx, addrOf(doc.OwnerAddress), doc.AssetID)
		if err != nil {
			metrics.Recoveries.WithLabelValues("cid", "failure").Inc()
			s.recordFailedRecovery(ctx, doc, "no authentic cid reachable")
			verdict.Message = "recovery failed: no authentic cid reachable"
			report(progress, 9, "recovery failed")
			return &RetrieveResult{Asset: doc, Verification: verdict}, nil
		}
		authenticCID = match.CID
		correctedTx = match.TxHash.Hex()
	}

	payload, err := s.content.Retrieve(ctx, authenticCID)
	if err != nil {
		metrics.Recoveries.WithLabelValues("cid", "failure").Inc()
		s.recordFailedRecovery(ctx, doc, "authentic content unavailable")
		verdict.Message = "recovery failed: authentic content unavailable"
		report(progress, 9, "recovery failed")
		return &RetrieveResult{Asset: doc, Verification: verdict}, nil
	}
	if !payload.Valid() {
		metrics.Recoveries.WithLabelValues("cid", "failure").Inc()
		s.recordFailedRecovery(ctx, doc, "retrieved metadata invalid")
		verdict.Message = "recovery failed: retrieved metadata invalid"
		report(progress, 9, "recovery failed")
		return &RetrieveResult{Asset: doc, Verification: verdict}, nil
	}
	_, _, critical, ok := payload.Triple()
	if !ok || critical == nil {
		critical = payload.Object
	}

	server, _ := s.chain.ServerWallet()
	recovered, err := s.createVersion(ctx, doc.AssetID, store.NewVersion{
		CriticalMetadata: store.JSONMap(critical),
		IPFSHash:         authenticCID,
		ChainTxID:        correctedTx,
		IPFSVersion:      int64(info.Version),
		PerformedBy:      lowerAddr(server.Hex()),
	})
	if err != nil {
		metrics.Recoveries.WithLabelValues("cid", "failure").Inc()
		return nil, classify(err, "write recovered version")
	}
	if _, err := s.txlog.Record(ctx, store.ActionIntegrityRecovery, doc.AssetID, doc.OwnerAddress, lowerAddr(server.Hex()), store.JSONMap{
		"tampered_cid":  doc.IPFSHash,
		"authentic_cid": authenticCID,
		"tampered_tx":   doc.ChainTxID,
		"authentic_tx":  correctedTx,
		"version":       recovered.VersionNumber,
	}); err != nil {
		s.log.Warn("transaction log append failed", zap.Error(err))
	}
	metrics.Recoveries.WithLabelValues("cid", "success").Inc()
	s.log.Info("integrity recovery completed",
		zap.String("asset", doc.AssetID),
		zap.String("authentic_cid", authenticCID),
		zap.Int64("version", recovered.VersionNumber))

	verdict.RecoverySuccessful = true
	verdict.NewVersionCreated = true
	verdict.Message = "critical metadata recovered from ipfs"
	report(progress, 9, "recovered")
	return &RetrieveResult{Asset: recovered, Verification: verdict}, nil
}

func (s *Service) recordFailedRecovery(ctx context.Context, doc *store.AssetVersion, reason string) {
	server, _ := s.chain.ServerWallet()
	if _, err := s.txlog.Record(ctx, store.ActionIntegrityRecovery, doc.AssetID, doc.OwnerAddress, lowerAddr(server.Hex()), store.JSONMap{
		"success": false,
		"reason":  reason,
	}); err != nil {
		s.log.Warn("transaction log append failed", zap.Error(err))
	}
}
