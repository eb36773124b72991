package delegation

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/fusevault/fusevault/chain"
)

// Chain is the contract surface the delegation service needs.
// *chain.Client satisfies it.
type Chain interface {
	Delegates(ctx context.Context, owner, delegate common.Address) (bool, error)
	FilterDelegateEvents(ctx context.Context, fromBlock, toBlock uint64) ([]chain.DelegateEvent, error)
	HeadBlock(ctx context.Context) (uint64, error)
}

// Service answers delegation questions. Check always goes to the chain; the
// registry only accelerates listing and keeps the UI responsive.
type Service struct {
	chain    Chain
	registry *Registry
	log      *zap.Logger
}

// NewService wires the service over an opened registry.
func NewService(c Chain, registry *Registry, log *zap.Logger) *Service {
	return &Service{chain: c, registry: registry, log: log}
}

// Registry exposes the cache for listing endpoints.
func (s *Service) Registry() *Registry { return s.registry }

// Check re-queries the contract and upserts the cache with the live answer.
// The returned bool is the chain's word, never the cache's.
func (s *Service) Check(ctx context.Context, owner, delegate string) (bool, error) {
	active, err := s.chain.Delegates(ctx,
		common.HexToAddress(owner), common.HexToAddress(delegate))
	if err != nil {
		return false, err
	}
	s.registry.Upsert(Record{
		OwnerAddress:    owner,
		DelegateAddress: delegate,
		IsActive:        active,
		UpdatedAt:       time.Now().UTC(),
	})
	return active, nil
}

// Cached returns the cache's view without touching the chain. Callers must
// treat a miss or a stale answer as "unknown", not "denied".
func (s *Service) Cached(owner, delegate string) (Record, bool) {
	return s.registry.Get(owner, delegate)
}

// ListByOwner returns the owner's cached delegate set.
func (s *Service) ListByOwner(owner string) []Record {
	return s.registry.ListByOwner(owner)
}

// SyncFromEvents applies receipt-extracted DelegateStatusChanged events, the
// path taken right after a confirmed delegation transaction.
func (s *Service) SyncFromEvents(events []chain.DelegateEvent) {
	for _, ev := range events {
		s.registry.Upsert(Record{
			OwnerAddress:    ev.Owner.Hex(),
			DelegateAddress: ev.Delegate.Hex(),
			IsActive:        ev.Active,
			LastTxHash:      ev.TxHash.Hex(),
			BlockNumber:     ev.Block,
			UpdatedAt:       time.Now().UTC(),
		})
		s.log.Info("delegation synced from event",
			zap.Stringer("owner", ev.Owner), zap.Stringer("delegate", ev.Delegate),
			zap.Bool("active", ev.Active))
	}
}
