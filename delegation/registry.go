// Package delegation caches on-chain delegate relationships. The cache is a
// UX convenience only: every security decision re-queries the contract, and
// the whole cache can be rebuilt from DelegateStatusChanged logs. It is kept
// warm three ways: confirmed delegation transactions push their receipt
// events in, discrepancies observed at the API layer trigger a live re-read,
// and a background sweeper walks the log history in block-ranged batches.
package delegation

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"
)

// Record is one cached (owner, delegate) relationship.
type Record struct {
	OwnerAddress    string    `json:"owner_address"`
	DelegateAddress string    `json:"delegate_address"`
	IsActive        bool      `json:"is_active"`
	LastTxHash      string    `json:"last_tx_hash"`
	BlockNumber     uint64    `json:"block_number"`
	UpdatedAt       time.Time `json:"updated_at"`
}

const (
	recordPrefix  = "delegate:"
	checkpointKey = "sweep_checkpoint"
)

// Registry is the in-memory index with leveldb persistence underneath.
// Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record

	db  *leveldb.DB
	log *zap.Logger
}

// OpenRegistry loads the cache from the leveldb directory at path. An empty
// path keeps the registry memory-only, which tests use.
func OpenRegistry(path string, log *zap.Logger) (*Registry, error) {
	var (
		db  *leveldb.DB
		err error
	)
	if path == "" {
		db, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("delegation: open cache: %w", err)
	}
	r := &Registry{records: make(map[string]*Record), db: db, log: log}
	if err := r.load(); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

// Close flushes and releases the underlying database.
func (r *Registry) Close() error { return r.db.Close() }

func (r *Registry) load() error {
	iter := r.db.NewIterator(util.BytesPrefix([]byte(recordPrefix)), nil)
	defer iter.Release()
	for iter.Next() {
		var rec Record
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			r.log.Warn("dropping undecodable cache record",
				zap.ByteString("key", iter.Key()), zap.Error(err))
			continue
		}
		r.records[key(rec.OwnerAddress, rec.DelegateAddress)] = &rec
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("delegation: load cache: %w", err)
	}
	r.log.Info("delegation cache loaded", zap.Int("records", len(r.records)))
	return nil
}

func key(owner, delegate string) string {
	return strings.ToLower(owner) + ":" + strings.ToLower(delegate)
}

// Upsert inserts or replaces a relationship. Stale updates (older block than
// the cached one) are ignored so event replay order cannot regress state.
func (r *Registry) Upsert(rec Record) {
	rec.OwnerAddress = strings.ToLower(rec.OwnerAddress)
	rec.DelegateAddress = strings.ToLower(rec.DelegateAddress)
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	k := key(rec.OwnerAddress, rec.DelegateAddress)

	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.records[k]; ok && rec.BlockNumber != 0 && rec.BlockNumber < prev.BlockNumber {
		return
	}
	clone := rec
	r.records[k] = &clone

	raw, err := json.Marshal(&clone)
	if err == nil {
		err = r.db.Put([]byte(recordPrefix+k), raw, nil)
	}
	if err != nil {
		r.log.Warn("persisting cache record failed", zap.String("key", k), zap.Error(err))
	}
}

// Get returns the cached relationship, or false when unknown.
func (r *Registry) Get(owner, delegate string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.records[key(owner, delegate)]
	if !ok {
		return Record{}, false
	}
	return *p, true
}

// ListByOwner returns the owner's cached delegates, active or not.
func (r *Registry) ListByOwner(owner string) []Record {
	prefix := strings.ToLower(owner) + ":"
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Record
	for k, rec := range r.records {
		if strings.HasPrefix(k, prefix) {
			out = append(out, *rec)
		}
	}
	return out
}

// Checkpoint returns the last block the sweeper has fully processed.
func (r *Registry) Checkpoint() uint64 {
	raw, err := r.db.Get([]byte(checkpointKey), nil)
	if err != nil || len(raw) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(raw)
}

// SetCheckpoint persists the sweeper's progress.
func (r *Registry) SetCheckpoint(block uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], block)
	if err := r.db.Put([]byte(checkpointKey), buf[:], nil); err != nil {
		r.log.Warn("persisting sweep checkpoint failed", zap.Error(err))
	}
}
