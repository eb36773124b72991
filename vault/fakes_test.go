package vault

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/fusevault/fusevault/apikey"
	"github.com/fusevault/fusevault/auth"
	"github.com/fusevault/fusevault/canonical"
	"github.com/fusevault/fusevault/chain"
	"github.com/fusevault/fusevault/ipfs"
	"github.com/fusevault/fusevault/pending"
	"github.com/fusevault/fusevault/store"
)

// fakeContent is an in-memory content store whose CIDs are derived from the
// canonical payload, so compute/store/retrieve agree the way the real
// service does.
type fakeContent struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeContent() *fakeContent {
	return &fakeContent{objects: map[string][]byte{}}
}

func cidOf(payload []byte) string {
	sum := sha256.Sum256(payload)
	return "bafy" + hex.EncodeToString(sum[:])[:16]
}

func (f *fakeContent) ComputeCID(_ context.Context, assetID, owner string, critical map[string]interface{}) (string, error) {
	payload, err := canonical.MarshalPayload(assetID, owner, critical)
	if err != nil {
		return "", err
	}
	return cidOf(payload), nil
}

func (f *fakeContent) Store(ctx context.Context, assetID, owner string, critical map[string]interface{}) (string, error) {
	payload, err := canonical.MarshalPayload(assetID, owner, critical)
	if err != nil {
		return "", err
	}
	cid := cidOf(payload)
	f.mu.Lock()
	f.objects[cid] = payload
	f.mu.Unlock()
	return cid, nil
}

func (f *fakeContent) Retrieve(_ context.Context, cid string) (*ipfs.Payload, error) {
	f.mu.Lock()
	raw, ok := f.objects[cid]
	f.mu.Unlock()
	if !ok {
		return nil, ipfs.ErrContentUnavailable
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return &ipfs.Payload{
			Raw:            raw,
			Object:         map[string]interface{}{"recovered_content": string(raw)},
			RetrievalError: err.Error(),
		}, nil
	}
	return &ipfs.Payload{Raw: raw, Object: obj}, nil
}

// corrupt replaces a stored object with non-JSON bytes.
func (f *fakeContent) corrupt(cid string) {
	f.mu.Lock()
	f.objects[cid] = []byte("\x00not json")
	f.mu.Unlock()
}

// anchorState is the fake contract's per-asset record.
type anchorState struct {
	cid     string
	version uint64
	deleted bool
}

type anchorEvent struct {
	assetID string
	cid     string
	txHash  string
	version uint64
}

// fakeChain emulates the registry contract: anchors per (owner, asset),
// decodable calldata per transaction hash, and an event history for the
// recovery oracle. User-signed transactions are applied when the receipt is
// awaited, mimicking a user broadcasting what BuildTransaction prepared.
type fakeChain struct {
	mu      sync.Mutex
	server  common.Address
	anchors map[string]*anchorState // owner|asset → state
	txs     map[string]*chain.TxDetails
	events  map[string][]anchorEvent // asset → events, oldest first
	txSeq   int

	// prepared holds BuildTransaction intents keyed by the hash a signer
	// would produce; tests hand that hash to the completion call.
	prepared map[string]func() *chain.Receipt

	execErr error // forced failure of the next server-signed Execute
}

func newFakeChain(server string) *fakeChain {
	return &fakeChain{
		server:   common.HexToAddress(server),
		anchors:  map[string]*anchorState{},
		txs:      map[string]*chain.TxDetails{},
		events:   map[string][]anchorEvent{},
		prepared: map[string]func() *chain.Receipt{},
	}
}

func anchorKey(owner common.Address, assetID string) string {
	return strings.ToLower(owner.Hex()) + "|" + assetID
}

func (f *fakeChain) ServerWallet() (common.Address, bool) { return f.server, true }

// nextTx mints full-width hashes so they survive common.HexToHash round
// trips during event recovery.
func (f *fakeChain) nextTx() string {
	f.txSeq++
	return fmt.Sprintf("0x%064x", f.txSeq)
}

// apply executes an anchoring or deleting method against the fake state and
// returns the receipt. Caller holds the lock.
func (f *fakeChain) apply(sender common.Address, method string, args []interface{}) (*chain.Receipt, error) {
	txHash := f.nextTx()
	switch method {
	case "storeCIDDigest", "updateIPFS":
		assetID, cid := args[0].(string), args[1].(string)
		f.anchor(sender, sender, assetID, cid, txHash)
	case "updateIPFSFor":
		owner := args[0].(common.Address)
		assetID, cid := args[1].(string), args[2].(string)
		f.anchor(owner, sender, assetID, cid, txHash)
	case "batchUpdateIPFS":
		ids, cids := args[0].([]string), args[1].([]string)
		for i := range ids {
			f.anchor(sender, sender, ids[i], cids[i], txHash)
		}
	case "batchUpdateIPFSFor":
		owner := args[0].(common.Address)
		ids, cids := args[1].([]string), args[2].([]string)
		for i := range ids {
			f.anchor(owner, sender, ids[i], cids[i], txHash)
		}
	case "deleteAsset":
		f.markDeleted(sender, args[0].(string))
	case "deleteAssetFor":
		f.markDeleted(args[0].(common.Address), args[1].(string))
	case "batchDeleteAssets":
		for _, id := range args[0].([]string) {
			f.markDeleted(sender, id)
		}
	case "batchDeleteAssetsFor":
		owner := args[0].(common.Address)
		for _, id := range args[1].([]string) {
			f.markDeleted(owner, id)
		}
	case "setDelegate":
		// state tracked by the delegation fake in these tests
	default:
		return nil, fmt.Errorf("fake chain: unknown method %s", method)
	}
	return &chain.Receipt{TxHash: txHash, Status: 1, GasUsed: 21_000}, nil
}

func (f *fakeChain) anchor(owner, sender common.Address, assetID, cid, txHash string) {
	k := anchorKey(owner, assetID)
	st := f.anchors[k]
	if st == nil {
		st = &anchorState{}
		f.anchors[k] = st
	}
	st.cid = cid
	st.version++
	st.deleted = false
	f.txs[txHash] = &chain.TxDetails{CID: cid, Sender: sender, Method: "anchor"}
	f.events[assetID] = append(f.events[assetID], anchorEvent{
		assetID: assetID, cid: cid, txHash: txHash, version: st.version,
	})
}

func (f *fakeChain) markDeleted(owner common.Address, assetID string) {
	if st := f.anchors[anchorKey(owner, assetID)]; st != nil {
		st.deleted = true
	}
}

func (f *fakeChain) Execute(_ context.Context, method string, args ...interface{}) (*chain.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.execErr != nil {
		err := f.execErr
		f.execErr = nil
		return nil, err
	}
	return f.apply(f.server, method, args)
}

func (f *fakeChain) BuildTransaction(_ context.Context, from, method string, args ...interface{}) (*chain.UnsignedTx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sender := common.HexToAddress(from)
	hash := fmt.Sprintf("0x%064x", 0xf0000+len(f.prepared)+1)
	methodCopy, argsCopy := method, args
	f.prepared[hash] = func() *chain.Receipt {
		rec, _ := f.apply(sender, methodCopy, argsCopy)
		// apply keyed the calldata and events under an internal hash; the
		// caller only knows the signed hash, so remap.
		if details, ok := f.txs[rec.TxHash]; ok {
			delete(f.txs, rec.TxHash)
			f.txs[hash] = details
			for _, evs := range f.events {
				for i := range evs {
					if evs[i].txHash == rec.TxHash {
						evs[i].txHash = hash
					}
				}
			}
		}
		rec.TxHash = hash
		return rec
	}
	return &chain.UnsignedTx{
		From:         from,
		To:           "0xc0ffee00000000000000000000000000000000cc",
		Gas:          125_000,
		GasPrice:     "1000000000",
		FunctionName: method,
	}, nil
}

func (f *fakeChain) BroadcastSigned(ctx context.Context, rawHex string) (*chain.Receipt, error) {
	return f.WaitForReceipt(ctx, rawHex)
}

func (f *fakeChain) WaitForReceipt(_ context.Context, txHash string) (*chain.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if applyFn, ok := f.prepared[txHash]; ok {
		delete(f.prepared, txHash)
		return applyFn(), nil
	}
	if _, ok := f.txs[txHash]; ok {
		return &chain.Receipt{TxHash: txHash, Status: 1}, nil
	}
	return nil, chain.ErrTxNotFound
}

func (f *fakeChain) GetIPFSInfo(_ context.Context, owner common.Address, assetID string) (*chain.IPFSInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.anchors[anchorKey(owner, assetID)]
	if st == nil {
		return &chain.IPFSInfo{}, nil
	}
	return &chain.IPFSInfo{CID: st.cid, Version: st.version, IsDeleted: st.deleted}, nil
}

func (f *fakeChain) VerifyCID(_ context.Context, owner common.Address, assetID, cid string, claimedVersion uint64) (*chain.CIDCheck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.anchors[anchorKey(owner, assetID)]
	if st == nil {
		return &chain.CIDCheck{Message: "no anchor"}, nil
	}
	return &chain.CIDCheck{
		Valid:         st.cid == cid && st.version == claimedVersion,
		ActualVersion: st.version,
		IsDeleted:     st.deleted,
	}, nil
}

func (f *fakeChain) GetTransactionDetails(_ context.Context, txHash, expectedAssetID string) (*chain.TxDetails, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	details, ok := f.txs[txHash]
	if !ok {
		return nil, chain.ErrTxNotFound
	}
	// A transaction is a match only when its event history includes the
	// expected asset; a foreign-but-valid hash is a mismatch.
	for _, ev := range f.events[expectedAssetID] {
		if ev.txHash == txHash {
			return details, nil
		}
	}
	return nil, chain.ErrTxMismatch
}

func (f *fakeChain) RecoverFromEvents(_ context.Context, owner common.Address, assetID string) (*chain.EventMatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	evs := f.events[assetID]
	if len(evs) == 0 {
		return nil, chain.ErrNoEvents
	}
	last := evs[len(evs)-1]
	return &chain.EventMatch{
		CID:     last.cid,
		TxHash:  common.HexToHash(last.txHash),
		Version: last.version,
	}, nil
}

// fakeAssets is an in-memory versioned asset store with the same invariants
// as the Postgres repository.
type fakeAssets struct {
	mu   sync.Mutex
	rows []*store.AssetVersion

	// raceLosses makes the next N CreateNewVersion calls lose the
	// current-version compare-and-swap.
	raceLosses int
}

func newFakeAssets() *fakeAssets { return &fakeAssets{} }

func (f *fakeAssets) clone(v *store.AssetVersion) *store.AssetVersion {
	raw, _ := json.Marshal(v)
	var out store.AssetVersion
	json.Unmarshal(raw, &out)
	return &out
}

func (f *fakeAssets) Insert(_ context.Context, v *store.AssetVersion) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.VersionNumber == 0 {
		v.VersionNumber = 1
	}
	if v.IPFSVersion == 0 {
		v.IPFSVersion = 1
	}
	v.OwnerAddress = strings.ToLower(v.OwnerAddress)
	v.IsCurrent = true
	now := time.Now().UTC()
	v.CreatedAt = now
	v.LastUpdated = now
	f.rows = append(f.rows, f.clone(v))
	return v.ID, nil
}

func (f *fakeAssets) FindCurrent(_ context.Context, assetID string, includeDeleted bool) (*store.AssetVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rows {
		if r.AssetID == assetID && r.IsCurrent && (includeDeleted || !r.IsDeleted) {
			return f.clone(r), nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeAssets) FindVersion(_ context.Context, assetID string, version int64) (*store.AssetVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rows {
		if r.AssetID == assetID && r.VersionNumber == version {
			return f.clone(r), nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeAssets) FindAnyIncludingDeleted(_ context.Context, assetID string) (*store.AssetVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var best *store.AssetVersion
	for _, r := range f.rows {
		if r.AssetID == assetID && (best == nil || r.VersionNumber > best.VersionNumber) {
			best = r
		}
	}
	if best == nil {
		return nil, store.ErrNotFound
	}
	return f.clone(best), nil
}

func (f *fakeAssets) ListByOwner(_ context.Context, owner string, includeHistory, includeDeleted bool) ([]*store.AssetVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	owner = strings.ToLower(owner)
	var out []*store.AssetVersion
	for _, r := range f.rows {
		if r.OwnerAddress != owner {
			continue
		}
		if !includeHistory && !r.IsCurrent {
			continue
		}
		if !includeDeleted && r.IsDeleted {
			continue
		}
		out = append(out, f.clone(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AssetID != out[j].AssetID {
			return out[i].AssetID < out[j].AssetID
		}
		return out[i].VersionNumber > out[j].VersionNumber
	})
	return out, nil
}

func (f *fakeAssets) CreateNewVersion(_ context.Context, assetID string, next store.NewVersion) (*store.AssetVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.raceLosses > 0 {
		f.raceLosses--
		return nil, fmt.Errorf("%w: asset %s superseded concurrently", store.ErrConcurrentUpdate, assetID)
	}
	var cur *store.AssetVersion
	for _, r := range f.rows {
		if r.AssetID == assetID && r.IsCurrent && !r.IsDeleted {
			cur = r
			break
		}
	}
	if cur == nil {
		return nil, store.ErrNotFound
	}
	v := &store.AssetVersion{
		ID:                  uuid.NewString(),
		AssetID:             assetID,
		OwnerAddress:        cur.OwnerAddress,
		VersionNumber:       cur.VersionNumber + 1,
		CriticalMetadata:    next.CriticalMetadata,
		NonCriticalMetadata: next.NonCriticalMetadata,
		IPFSHash:            next.IPFSHash,
		ChainTxID:           next.ChainTxID,
		IPFSVersion:         next.IPFSVersion,
		IsCurrent:           true,
		PreviousVersionID:   &cur.ID,
		DocumentHistory:     append(append(store.JSONStrings{}, cur.DocumentHistory...), cur.ID),
		IsDelegatedAction:   next.IsDelegated,
	}
	if next.PerformedBy != "" {
		pb := strings.ToLower(next.PerformedBy)
		v.PerformedBy = &pb
	}
	if next.OwnerAddress != "" {
		v.OwnerAddress = strings.ToLower(next.OwnerAddress)
	}
	if v.CriticalMetadata == nil {
		v.CriticalMetadata = cur.CriticalMetadata
	}
	if v.NonCriticalMetadata == nil {
		v.NonCriticalMetadata = cur.NonCriticalMetadata
	}
	if v.IPFSHash == "" {
		v.IPFSHash = cur.IPFSHash
		v.ChainTxID = cur.ChainTxID
		v.IPFSVersion = cur.IPFSVersion
	} else if v.IPFSVersion == 0 {
		v.IPFSVersion = cur.IPFSVersion + 1
	}
	now := time.Now().UTC()
	v.CreatedAt = now
	v.LastUpdated = now
	cur.IsCurrent = false
	f.rows = append(f.rows, f.clone(v))
	return f.clone(v), nil
}

func (f *fakeAssets) SoftDeleteAll(_ context.Context, assetID, deletedBy string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	deletedBy = strings.ToLower(deletedBy)
	var n int64
	for _, r := range f.rows {
		if r.AssetID == assetID && !r.IsDeleted {
			r.IsDeleted = true
			r.DeletedBy = &deletedBy
			ts := now
			r.DeletedAt = &ts
			n++
		}
	}
	return n, nil
}

func (f *fakeAssets) PurgeDeleted(_ context.Context, assetID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var kept []*store.AssetVersion
	var n int64
	for _, r := range f.rows {
		if r.AssetID == assetID && r.IsDeleted {
			n++
			continue
		}
		kept = append(kept, r)
	}
	f.rows = kept
	return n, nil
}

func (f *fakeAssets) TouchVerified(_ context.Context, versionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rows {
		if r.ID == versionID {
			now := time.Now().UTC()
			r.LastVerified = &now
		}
	}
	return nil
}

// tamper mutates a stored version in place, simulating adversarial database
// access behind the repository's back.
func (f *fakeAssets) tamper(assetID string, version int64, mutate func(*store.AssetVersion)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rows {
		if r.AssetID == assetID && r.VersionNumber == version {
			mutate(r)
		}
	}
}

func (f *fakeAssets) all(assetID string) []*store.AssetVersion {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.AssetVersion
	for _, r := range f.rows {
		if r.AssetID == assetID {
			out = append(out, f.clone(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VersionNumber < out[j].VersionNumber })
	return out
}

// fakeTxLog appends to a slice.
type fakeTxLog struct {
	mu      sync.Mutex
	entries []store.TxRecord
}

func (f *fakeTxLog) Record(_ context.Context, action store.Action, assetID, owner, performedBy string, metadata store.JSONMap) (string, error) {
	if !action.Valid() {
		return "", store.ErrUnknownAction
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id := uuid.NewString()
	pb := strings.ToLower(performedBy)
	f.entries = append(f.entries, store.TxRecord{
		ID: id, AssetID: assetID, Action: action,
		WalletAddress: strings.ToLower(owner), PerformedBy: &pb,
		Metadata: metadata, CreatedAt: time.Now().UTC(),
	})
	return id, nil
}

func (f *fakeTxLog) byAction(action store.Action) []store.TxRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.TxRecord
	for _, e := range f.entries {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

// fakePending is an in-memory coordinator.
type fakePending struct {
	mu   sync.Mutex
	recs map[string]*pending.Record
}

func newFakePending() *fakePending { return &fakePending{recs: map[string]*pending.Record{}} }

func (f *fakePending) Store(_ context.Context, rec pending.Record, _ time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec.InitiatorAddress = strings.ToLower(rec.InitiatorAddress)
	rec.TxID = "pending_tx:" + rec.InitiatorAddress + ":" + uuid.NewString()
	rec.CreatedAt = time.Now().UTC()

	// Round-trip through JSON like the Redis coordinator, so payload typing
	// in completion paths matches production.
	raw, err := json.Marshal(&rec)
	if err != nil {
		return "", err
	}
	var stored pending.Record
	if err := json.Unmarshal(raw, &stored); err != nil {
		return "", err
	}
	f.recs[rec.TxID] = &stored
	return rec.TxID, nil
}

func (f *fakePending) Get(_ context.Context, txID string) (*pending.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recs[txID]
	if !ok {
		return nil, pending.ErrNotFound
	}
	return rec, nil
}

func (f *fakePending) Remove(_ context.Context, txID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.recs[txID]
	delete(f.recs, txID)
	return ok, nil
}

func (f *fakePending) ListByUser(_ context.Context, initiator string) ([]*pending.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*pending.Record
	for _, rec := range f.recs {
		if rec.InitiatorAddress == strings.ToLower(initiator) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// fakeDelegates answers delegation checks from a map and counts queries so
// tests can assert the live-recheck behavior.
type fakeDelegates struct {
	mu     sync.Mutex
	grants map[string]bool
	checks int
}

func newFakeDelegates() *fakeDelegates { return &fakeDelegates{grants: map[string]bool{}} }

func (f *fakeDelegates) grant(owner, delegate string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.grants[strings.ToLower(owner)+":"+strings.ToLower(delegate)] = true
}

func (f *fakeDelegates) revoke(owner, delegate string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.grants, strings.ToLower(owner)+":"+strings.ToLower(delegate))
}

func (f *fakeDelegates) Check(_ context.Context, owner, delegate string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks++
	return f.grants[strings.ToLower(owner)+":"+strings.ToLower(delegate)], nil
}

// fakeTransfers is an in-memory transfer table.
type fakeTransfers struct {
	mu   sync.Mutex
	rows map[string]*store.Transfer
}

func newFakeTransfers() *fakeTransfers { return &fakeTransfers{rows: map[string]*store.Transfer{}} }

func (f *fakeTransfers) Create(_ context.Context, assetID, owner, recipient string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[assetID]; ok {
		return store.ErrDuplicate
	}
	f.rows[assetID] = &store.Transfer{
		AssetID:          assetID,
		OwnerAddress:     strings.ToLower(owner),
		RecipientAddress: strings.ToLower(recipient),
		InitiatedAt:      time.Now().UTC(),
	}
	return nil
}

func (f *fakeTransfers) Find(_ context.Context, assetID string) (*store.Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.rows[assetID]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *t
	return &clone, nil
}

func (f *fakeTransfers) ListByWallet(_ context.Context, wallet string) ([]*store.Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wallet = strings.ToLower(wallet)
	var out []*store.Transfer
	for _, t := range f.rows {
		if t.OwnerAddress == wallet || t.RecipientAddress == wallet {
			clone := *t
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (f *fakeTransfers) Delete(_ context.Context, assetID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[assetID]; !ok {
		return store.ErrNotFound
	}
	delete(f.rows, assetID)
	return nil
}

func walletCtx(addr string) *auth.Context {
	return &auth.Context{
		WalletAddress: addr,
		AuthMethod:    auth.MethodWallet,
		Permissions:   []string{apikey.PermRead, apikey.PermWrite, apikey.PermDelete},
	}
}

func apiKeyCtx(addr string, perms ...string) *auth.Context {
	if len(perms) == 0 {
		perms = []string{apikey.PermRead, apikey.PermWrite, apikey.PermDelete}
	}
	return &auth.Context{
		WalletAddress: addr,
		AuthMethod:    auth.MethodAPIKey,
		Permissions:   perms,
	}
}
