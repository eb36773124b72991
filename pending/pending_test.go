package pending

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewWithClient(rdb, 300*time.Second, zap.NewNop()), mr
}

func TestStoreAndGetRoundTrip(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	id, err := c.Store(ctx, Record{
		InitiatorAddress: "0xAAAA000000000000000000000000000000000001",
		Operation:        OpUpload,
		Transaction:      json.RawMessage(`{"to":"0xcontract"}`),
		Payload:          map[string]interface{}{"asset_id": "doc-1", "cid": "bafy-1"},
	}, 0)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if !strings.HasPrefix(id, "pending_tx:0xaaaa") {
		t.Fatalf("key form %q", id)
	}

	rec, err := c.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.InitiatorAddress != "0xaaaa000000000000000000000000000000000001" {
		t.Fatalf("initiator not lowercased: %s", rec.InitiatorAddress)
	}
	if rec.Operation != OpUpload || rec.Payload["asset_id"] != "doc-1" {
		t.Fatalf("payload mangled: %+v", rec)
	}
}

func TestGetExpired(t *testing.T) {
	c, mr := newTestCoordinator(t)
	ctx := context.Background()

	id, err := c.Store(ctx, Record{InitiatorAddress: "0xa1", Operation: OpDelete}, 10*time.Second)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	mr.FastForward(11 * time.Second)

	if _, err := c.Get(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound after expiry, got %v", err)
	}
}

func TestUpdatePreservesTTLUnlessExtended(t *testing.T) {
	c, mr := newTestCoordinator(t)
	ctx := context.Background()

	id, _ := c.Store(ctx, Record{InitiatorAddress: "0xa1", Operation: OpUpload}, 60*time.Second)
	mr.FastForward(50 * time.Second)

	ok, err := c.Update(ctx, id, map[string]interface{}{"stage": "signed"}, false)
	if err != nil || !ok {
		t.Fatalf("Update: ok=%v err=%v", ok, err)
	}
	// Remaining budget was ~10s; without extension the record still dies on
	// the original schedule.
	mr.FastForward(11 * time.Second)
	if _, err := c.Get(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("record outlived its TTL: %v", err)
	}

	id2, _ := c.Store(ctx, Record{InitiatorAddress: "0xa1", Operation: OpUpload}, 60*time.Second)
	mr.FastForward(50 * time.Second)
	if ok, err := c.Update(ctx, id2, nil, true); err != nil || !ok {
		t.Fatalf("Update extend: ok=%v err=%v", ok, err)
	}
	mr.FastForward(60 * time.Second)
	rec, err := c.Get(ctx, id2)
	if err != nil {
		t.Fatalf("extended record expired early: %v", err)
	}
	if rec.Payload != nil && rec.Payload["stage"] == "signed" {
		t.Fatal("patch leaked across records")
	}
}

func TestRemove(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	id, _ := c.Store(ctx, Record{InitiatorAddress: "0xa1", Operation: OpDelete}, 0)
	if ok, err := c.Remove(ctx, id); err != nil || !ok {
		t.Fatalf("Remove: ok=%v err=%v", ok, err)
	}
	if ok, _ := c.Remove(ctx, id); ok {
		t.Fatal("second Remove reported existing record")
	}
}

func TestListByUserIsScopedAndOrdered(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	a, _ := c.Store(ctx, Record{InitiatorAddress: "0xAA01", Operation: OpUpload}, 0)
	b, _ := c.Store(ctx, Record{InitiatorAddress: "0xAA01", Operation: OpDelete}, 0)
	c.Store(ctx, Record{InitiatorAddress: "0xBB02", Operation: OpUpload}, 0)

	recs, err := c.ListByUser(ctx, "0xaa01")
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	got := map[string]bool{recs[0].TxID: true, recs[1].TxID: true}
	if !got[a] || !got[b] {
		t.Fatalf("wrong records: %v", got)
	}
}

func TestStats(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	c.Store(ctx, Record{InitiatorAddress: "0xa1", Operation: OpUpload}, 0)
	c.Store(ctx, Record{InitiatorAddress: "0xa2", Operation: OpUpload}, 0)
	c.Store(ctx, Record{InitiatorAddress: "0xa3", Operation: OpBatchDelete}, 0)

	stats, err := c.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats[OpUpload] != 2 || stats[OpBatchDelete] != 1 {
		t.Fatalf("stats = %v", stats)
	}
}

func TestUnavailableBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewWithClient(rdb, 0, zap.NewNop())
	mr.Close()

	if _, err := c.Store(context.Background(), Record{InitiatorAddress: "0xa1"}, 0); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("want ErrUnavailable, got %v", err)
	}
}
