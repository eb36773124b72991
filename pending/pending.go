// Package pending is the TTL'd coordinator for user-signed transaction
// intents. An orchestrator that cannot finish a state change without the
// user's wallet signature parks everything it needs to resume here, hands
// the opaque record key to the client, and picks the record back up on the
// completion call. Records expire on their own; an abandoned signature
// leaves no durable state behind.
package pending

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fusevault/fusevault/params"
)

var (
	// ErrNotFound is returned for unknown or expired pending transactions.
	ErrNotFound = errors.New("pending: transaction not found or expired")

	// ErrUnavailable is returned when the backing store cannot be reached.
	ErrUnavailable = errors.New("pending: store unavailable")
)

// OperationType tags a pending record so the completion path can dispatch
// without guessing.
type OperationType string

const (
	OpUpload      OperationType = "upload"
	OpBatchUpload OperationType = "batch_upload"
	OpDelete      OperationType = "delete"
	OpBatchDelete OperationType = "batch_delete"
	OpDelegation  OperationType = "delegation"
	OpTransfer    OperationType = "transfer"
)

// Record is everything a suspended orchestration needs to resume. Payload is
// operation-specific: the upload path stores asset IDs and IPFS results, the
// delete path stores its validated-assets snapshot.
type Record struct {
	TxID             string                 `json:"tx_id"`
	InitiatorAddress string                 `json:"initiator_address"`
	Operation        OperationType          `json:"operation_type"`
	Transaction      json.RawMessage        `json:"transaction"`
	Payload          map[string]interface{} `json:"payload,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
}

// Config configures the coordinator's Redis connection.
type Config struct {
	Addr     string        `toml:",omitempty"`
	Password string        `toml:",omitempty"`
	DB       int           `toml:",omitempty"`
	TTL      time.Duration `toml:",omitempty"`
}

// DefaultConfig holds the coordinator defaults.
var DefaultConfig = Config{
	Addr: "127.0.0.1:6379",
	TTL:  params.DefaultPendingTxTTL,
}

// Coordinator stores pending transactions in Redis under
// pending_tx:{initiator_lower}:{uuid} keys; the full key is the opaque id
// handed to clients.
type Coordinator struct {
	rdb *redis.Client
	ttl time.Duration
	log *zap.Logger
}

// New builds a coordinator over its own Redis client.
func New(cfg Config, log *zap.Logger) *Coordinator {
	if cfg.Addr == "" {
		cfg.Addr = DefaultConfig.Addr
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewWithClient(rdb, cfg.TTL, log)
}

// NewWithClient wraps an existing Redis client, used by tests with miniredis.
func NewWithClient(rdb *redis.Client, ttl time.Duration, log *zap.Logger) *Coordinator {
	if ttl <= 0 {
		ttl = DefaultConfig.TTL
	}
	return &Coordinator{rdb: rdb, ttl: ttl, log: log}
}

// Close releases the Redis connection.
func (c *Coordinator) Close() error { return c.rdb.Close() }

// Ping verifies connectivity, used by the health endpoint.
func (c *Coordinator) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func keyFor(initiator, id string) string {
	return fmt.Sprintf("%s:%s:%s", params.PendingTxKeyPrefix,
		strings.ToLower(strings.TrimSpace(initiator)), id)
}

// Store parks a new pending record and returns its opaque id. A zero ttl
// uses the coordinator default.
func (c *Coordinator) Store(ctx context.Context, rec Record, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	rec.TxID = keyFor(rec.InitiatorAddress, uuid.NewString())
	rec.InitiatorAddress = strings.ToLower(strings.TrimSpace(rec.InitiatorAddress))
	rec.CreatedAt = time.Now().UTC()
	raw, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("pending: encode record: %w", err)
	}
	if err := c.rdb.Set(ctx, rec.TxID, raw, ttl).Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	c.log.Debug("pending tx stored",
		zap.String("tx", rec.TxID), zap.String("op", string(rec.Operation)))
	return rec.TxID, nil
}

// Get returns the record for txID.
func (c *Coordinator) Get(ctx context.Context, txID string) (*Record, error) {
	raw, err := c.rdb.Get(ctx, txID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, txID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("pending: decode record: %w", err)
	}
	return &rec, nil
}

// Update merges patch into the record's payload. With extendTTL the record
// gets a fresh full TTL, otherwise the remaining TTL is preserved.
func (c *Coordinator) Update(ctx context.Context, txID string, patch map[string]interface{}, extendTTL bool) (bool, error) {
	rec, err := c.Get(ctx, txID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if rec.Payload == nil {
		rec.Payload = map[string]interface{}{}
	}
	for k, v := range patch {
		rec.Payload[k] = v
	}
	ttl := c.ttl
	if !extendTTL {
		remaining, err := c.rdb.TTL(ctx, txID).Result()
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if remaining <= 0 {
			return false, nil
		}
		ttl = remaining
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("pending: encode record: %w", err)
	}
	if err := c.rdb.Set(ctx, txID, raw, ttl).Err(); err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return true, nil
}

// Remove deletes the record, reporting whether it existed.
func (c *Coordinator) Remove(ctx context.Context, txID string) (bool, error) {
	n, err := c.rdb.Del(ctx, txID).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n > 0, nil
}

// ListByUser returns the user's live pending records, oldest first.
func (c *Coordinator) ListByUser(ctx context.Context, initiator string) ([]*Record, error) {
	pattern := keyFor(initiator, "*")
	var out []*Record
	iter := c.rdb.Scan(ctx, 0, pattern, 64).Iterator()
	for iter.Next(ctx) {
		rec, err := c.Get(ctx, iter.Val())
		if errors.Is(err, ErrNotFound) {
			continue // expired between SCAN and GET
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	sortRecords(out)
	return out, nil
}

// Stats counts live pending records per operation type.
func (c *Coordinator) Stats(ctx context.Context) (map[OperationType]int, error) {
	out := map[OperationType]int{}
	iter := c.rdb.Scan(ctx, 0, params.PendingTxKeyPrefix+":*", 256).Iterator()
	for iter.Next(ctx) {
		rec, err := c.Get(ctx, iter.Val())
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[rec.Operation]++
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return out, nil
}

func sortRecords(recs []*Record) {
	for i := 1; i < len(recs); i++ {
		for j := i; j > 0 && recs[j].CreatedAt.Before(recs[j-1].CreatedAt); j-- {
			recs[j], recs[j-1] = recs[j-1], recs[j]
		}
	}
}
