// Package vault holds the orchestration engine: the create/update, delete
// and transfer state machines that coordinate the content store, the chain
// and the database, and the verification-and-recovery pipeline on the read
// path. Orchestrations either finish synchronously (server-signed), park a
// pending transaction for the user to sign, or fail with a tagged error.
package vault

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/fusevault/fusevault/chain"
	"github.com/fusevault/fusevault/ipfs"
	"github.com/fusevault/fusevault/params"
	"github.com/fusevault/fusevault/pending"
	"github.com/fusevault/fusevault/store"
)

// Status is the outcome tag on every orchestration result.
type Status string

const (
	// StatusSuccess means the state change is committed everywhere.
	StatusSuccess Status = "success"

	// StatusPendingSignature means the orchestration is suspended on the
	// user's wallet signature; the result carries the unsigned transaction.
	StatusPendingSignature Status = "pending_signature"

	// StatusWarning means the request was a no-op worth flagging, like
	// deleting an already-deleted asset.
	StatusWarning Status = "warning"

	// StatusSynced means the database was brought in line with chain state
	// that already existed; no transaction was sent in this call.
	StatusSynced Status = "synced"
)

// ContentStore is the IPFS-facing surface. *ipfs.Client satisfies it.
type ContentStore interface {
	Store(ctx context.Context, assetID, owner string, critical map[string]interface{}) (string, error)
	ComputeCID(ctx context.Context, assetID, owner string, critical map[string]interface{}) (string, error)
	Retrieve(ctx context.Context, cid string) (*ipfs.Payload, error)
}

// Chain is the contract surface. *chain.Client satisfies it.
type Chain interface {
	Execute(ctx context.Context, method string, args ...interface{}) (*chain.Receipt, error)
	BuildTransaction(ctx context.Context, from, method string, args ...interface{}) (*chain.UnsignedTx, error)
	BroadcastSigned(ctx context.Context, rawHex string) (*chain.Receipt, error)
	WaitForReceipt(ctx context.Context, txHash string) (*chain.Receipt, error)
	GetIPFSInfo(ctx context.Context, owner common.Address, assetID string) (*chain.IPFSInfo, error)
	VerifyCID(ctx context.Context, owner common.Address, assetID, cid string, claimedVersion uint64) (*chain.CIDCheck, error)
	GetTransactionDetails(ctx context.Context, txHash, expectedAssetID string) (*chain.TxDetails, error)
	RecoverFromEvents(ctx context.Context, owner common.Address, assetID string) (*chain.EventMatch, error)
	ServerWallet() (common.Address, bool)
}

// AssetStore is the versioned document surface. *store.AssetRepo satisfies
// it.
type AssetStore interface {
	Insert(ctx context.Context, v *store.AssetVersion) (string, error)
	FindCurrent(ctx context.Context, assetID string, includeDeleted bool) (*store.AssetVersion, error)
	FindVersion(ctx context.Context, assetID string, version int64) (*store.AssetVersion, error)
	FindAnyIncludingDeleted(ctx context.Context, assetID string) (*store.AssetVersion, error)
	ListByOwner(ctx context.Context, owner string, includeHistory, includeDeleted bool) ([]*store.AssetVersion, error)
	CreateNewVersion(ctx context.Context, assetID string, next store.NewVersion) (*store.AssetVersion, error)
	SoftDeleteAll(ctx context.Context, assetID, deletedBy string) (int64, error)
	PurgeDeleted(ctx context.Context, assetID string) (int64, error)
	TouchVerified(ctx context.Context, versionID string) error
}

// TxLog is the append-only audit surface. *store.TxLogRepo satisfies it.
type TxLog interface {
	Record(ctx context.Context, action store.Action, assetID, owner, performedBy string, metadata store.JSONMap) (string, error)
}

// PendingStore parks suspended orchestrations. *pending.Coordinator
// satisfies it.
type PendingStore interface {
	Store(ctx context.Context, rec pending.Record, ttl time.Duration) (string, error)
	Get(ctx context.Context, txID string) (*pending.Record, error)
	Remove(ctx context.Context, txID string) (bool, error)
	ListByUser(ctx context.Context, initiator string) ([]*pending.Record, error)
}

// DelegateChecker answers live delegation questions. *delegation.Service
// satisfies it.
type DelegateChecker interface {
	Check(ctx context.Context, owner, delegate string) (bool, error)
}

// TransferStore holds pending ownership transfers. *store.TransferRepo
// satisfies it.
type TransferStore interface {
	Create(ctx context.Context, assetID, owner, recipient string) error
	Find(ctx context.Context, assetID string) (*store.Transfer, error)
	ListByWallet(ctx context.Context, wallet string) ([]*store.Transfer, error)
	Delete(ctx context.Context, assetID string) error
}

// Service is the orchestration engine. All dependencies are consumer-side
// interfaces so the state machines are testable with fakes.
type Service struct {
	content   ContentStore
	chain     Chain
	assets    AssetStore
	txlog     TxLog
	pending   PendingStore
	delegates DelegateChecker
	transfers TransferStore
	log       *zap.Logger

	batchLimit int
}

// NewService wires the engine together.
func NewService(content ContentStore, ch Chain, assets AssetStore, txlog TxLog,
	pendingStore PendingStore, delegates DelegateChecker, transfers TransferStore,
	log *zap.Logger) *Service {
	return &Service{
		content:    content,
		chain:      ch,
		assets:     assets,
		txlog:      txlog,
		pending:    pendingStore,
		delegates:  delegates,
		transfers:  transfers,
		log:        log,
		batchLimit: params.MaxBatchSize,
	}
}

func addrOf(hexAddr string) common.Address { return common.HexToAddress(hexAddr) }

// casRetries bounds how often a lost current-version race is retried before
// the error surfaces as a conflict.
const casRetries = 3

// createVersion supersedes the current version, retrying when the
// compare-and-swap loses a race. CreateNewVersion re-reads the current row
// on every call, so a retry builds on the winner's write instead of the
// stale one.
func (s *Service) createVersion(ctx context.Context, assetID string, next store.NewVersion) (*store.AssetVersion, error) {
	var (
		doc *store.AssetVersion
		err error
	)
	for attempt := 1; attempt <= casRetries; attempt++ {
		doc, err = s.assets.CreateNewVersion(ctx, assetID, next)
		if err == nil || !errors.Is(err, store.ErrConcurrentUpdate) {
			return doc, err
		}
		s.log.Warn("version race lost, re-reading",
			zap.String("asset", assetID), zap.Int("attempt", attempt))
	}
	return nil, err
}

// ListAssets returns the owner's assets from the operational store. No
// verification happens on list reads; the read path verifies individual
// retrievals.
func (s *Service) ListAssets(ctx context.Context, owner string, includeHistory, includeDeleted bool) ([]*store.AssetVersion, error) {
	docs, err := s.assets.ListByOwner(ctx, owner, includeHistory, includeDeleted)
	if err != nil {
		return nil, classify(err, "list assets")
	}
	return docs, nil
}

// PendingForUser lists the initiator's live pending transactions.
func (s *Service) PendingForUser(ctx context.Context, initiator string) ([]*pending.Record, error) {
	recs, err := s.pending.ListByUser(ctx, initiator)
	if err != nil {
		return nil, classify(err, "list pending transactions")
	}
	return recs, nil
}

// CancelPending removes a parked transaction the initiator no longer wants
// to sign.
func (s *Service) CancelPending(ctx context.Context, initiator, pendingTxID string) error {
	rec, err := s.pending.Get(ctx, pendingTxID)
	if err != nil {
		return classify(err, "cancel pending transaction")
	}
	if rec.InitiatorAddress != lowerAddr(initiator) {
		return errf(KindUnauthorized, nil, "pending transaction belongs to another wallet")
	}
	if _, err := s.pending.Remove(ctx, pendingTxID); err != nil {
		return classify(err, "cancel pending transaction")
	}
	return nil
}
