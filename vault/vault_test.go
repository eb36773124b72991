package vault

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/fusevault/fusevault/pending"
	"github.com/fusevault/fusevault/store"
)

const (
	serverAddr = "0x5e10000000000000000000000000000000000001"
	aliceAddr  = "0xa11ce00000000000000000000000000000000002"
	bobAddr    = "0xb0b0000000000000000000000000000000000003"
	carolAddr  = "0xca201000000000000000000000000000000000a4"
)

type fixture struct {
	svc       *Service
	content   *fakeContent
	chain     *fakeChain
	assets    *fakeAssets
	txlog     *fakeTxLog
	pend      *fakePending
	delegates *fakeDelegates
	transfers *fakeTransfers
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		content:   newFakeContent(),
		chain:     newFakeChain(serverAddr),
		assets:    newFakeAssets(),
		txlog:     &fakeTxLog{},
		pend:      newFakePending(),
		delegates: newFakeDelegates(),
		transfers: newFakeTransfers(),
	}
	f.svc = NewService(f.content, f.chain, f.assets, f.txlog,
		f.pend, f.delegates, f.transfers, zap.NewNop())
	return f
}

// grantServer lets the owner use API-key (server-signed) writes.
func (f *fixture) grantServer(owner string) { f.delegates.grant(owner, serverAddr) }

// seedAsset creates one asset through the server-signed path and returns
// the result.
func (f *fixture) seedAsset(t *testing.T, assetID, owner string, critical, nonCritical map[string]interface{}) *UploadResult {
	t.Helper()
	res, err := f.svc.Upload(context.Background(), UploadRequest{
		AssetID:     assetID,
		Owner:       owner,
		Critical:    critical,
		NonCritical: nonCritical,
	}, apiKeyCtx(owner))
	if err != nil {
		t.Fatalf("seed upload: %v", err)
	}
	return res
}

func kindOfT(t *testing.T, err error) Kind {
	t.Helper()
	if err == nil {
		t.Fatalf("expected an error")
	}
	return KindOf(err)
}

func TestUploadCreateAndVersioning(t *testing.T) {
	f := newFixture(t)
	f.grantServer(aliceAddr)
	ctx := context.Background()

	// Create.
	v1 := f.seedAsset(t, "doc-1", aliceAddr,
		map[string]interface{}{"title": "A"},
		map[string]interface{}{"note": "first"})
	if v1.Status != StatusSuccess || v1.Action != store.ActionCreate {
		t.Fatalf("create: status %s action %s", v1.Status, v1.Action)
	}
	if v1.Version != 1 || v1.IPFSVersion != 1 {
		t.Fatalf("create: version %d ipfs_version %d", v1.Version, v1.IPFSVersion)
	}
	if v1.IPFSHash == "" || v1.ChainTxID == "" {
		t.Fatalf("create: missing anchor fields: %+v", v1)
	}

	// Non-critical-only update: same anchor, new database version.
	v2, err := f.svc.Upload(ctx, UploadRequest{
		AssetID:     "doc-1",
		Owner:       aliceAddr,
		Critical:    map[string]interface{}{"title": "A"},
		NonCritical: map[string]interface{}{"note": "second"},
	}, apiKeyCtx(aliceAddr))
	if err != nil {
		t.Fatalf("non-critical update: %v", err)
	}
	if v2.Action != store.ActionUpdate || v2.Version != 2 {
		t.Fatalf("non-critical update: action %s version %d", v2.Action, v2.Version)
	}
	if v2.IPFSVersion != 1 || v2.IPFSHash != v1.IPFSHash || v2.ChainTxID != v1.ChainTxID {
		t.Fatalf("non-critical update moved the anchor: %+v", v2)
	}
	if f.chain.txSeq != 1 {
		t.Fatalf("non-critical update sent a chain transaction")
	}

	// Critical update: new anchor, everything advances.
	v3, err := f.svc.Upload(ctx, UploadRequest{
		AssetID:  "doc-1",
		Owner:    aliceAddr,
		Critical: map[string]interface{}{"title": "B"},
	}, apiKeyCtx(aliceAddr))
	if err != nil {
		t.Fatalf("critical update: %v", err)
	}
	if v3.Action != store.ActionVersionCreate || v3.Version != 3 || v3.IPFSVersion != 2 {
		t.Fatalf("critical update: %+v", v3)
	}
	if v3.IPFSHash == v1.IPFSHash || v3.ChainTxID == v1.ChainTxID {
		t.Fatalf("critical update reused the old anchor: %+v", v3)
	}

	cur, err := f.assets.FindCurrent(ctx, "doc-1", false)
	if err != nil {
		t.Fatalf("find current: %v", err)
	}
	if cur.VersionNumber != 3 || len(cur.DocumentHistory) != 2 {
		t.Fatalf("current: version %d history %v", cur.VersionNumber, cur.DocumentHistory)
	}
	if old, _ := f.assets.FindVersion(ctx, "doc-1", 1); old.IsCurrent {
		t.Fatalf("version 1 still current")
	}
}

func TestUploadRetriesLostVersionRace(t *testing.T) {
	f := newFixture(t)
	f.grantServer(aliceAddr)
	ctx := context.Background()

	f.seedAsset(t, "doc-1", aliceAddr, map[string]interface{}{"title": "A"}, nil)

	// One lost compare-and-swap: the commit re-reads and succeeds.
	f.assets.raceLosses = 1
	v2, err := f.svc.Upload(ctx, UploadRequest{
		AssetID:  "doc-1",
		Owner:    aliceAddr,
		Critical: map[string]interface{}{"title": "B"},
	}, apiKeyCtx(aliceAddr))
	if err != nil {
		t.Fatalf("update after one lost race: %v", err)
	}
	if v2.Status != StatusSuccess || v2.Version != 2 {
		t.Fatalf("update after one lost race: %+v", v2)
	}

	// A race lost on every attempt surfaces as a conflict, not an
	// internal error.
	f.assets.raceLosses = casRetries
	_, err = f.svc.Upload(ctx, UploadRequest{
		AssetID:     "doc-1",
		Owner:       aliceAddr,
		Critical:    map[string]interface{}{"title": "B"},
		NonCritical: map[string]interface{}{"note": "x"},
	}, apiKeyCtx(aliceAddr))
	if kind := kindOfT(t, err); kind != KindConflict {
		t.Fatalf("exhausted retries: kind = %s, want %s", kind, KindConflict)
	}
	if f.assets.raceLosses != 0 {
		t.Fatalf("retry loop stopped early: %d losses unconsumed", f.assets.raceLosses)
	}
}

func TestUploadRejectsForeignOwner(t *testing.T) {
	f := newFixture(t)
	f.grantServer(aliceAddr)
	f.grantServer(bobAddr)
	f.seedAsset(t, "doc-1", aliceAddr, map[string]interface{}{"title": "A"}, nil)

	_, err := f.svc.Upload(context.Background(), UploadRequest{
		AssetID:  "doc-1",
		Owner:    bobAddr,
		Critical: map[string]interface{}{"title": "hijack"},
	}, apiKeyCtx(bobAddr))
	if kindOfT(t, err) != KindConflict {
		t.Fatalf("kind = %s, want conflict", KindOf(err))
	}
}

func TestRecreateDeletedAsset(t *testing.T) {
	f := newFixture(t)
	f.grantServer(aliceAddr)
	ctx := context.Background()

	f.seedAsset(t, "doc-1", aliceAddr, map[string]interface{}{"title": "A"}, nil)
	if _, err := f.svc.Upload(ctx, UploadRequest{
		AssetID:  "doc-1",
		Owner:    aliceAddr,
		Critical: map[string]interface{}{"title": "B"},
	}, apiKeyCtx(aliceAddr)); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := f.svc.Delete(ctx, []string{"doc-1"}, "", apiKeyCtx(aliceAddr)); err != nil {
		t.Fatalf("delete: %v", err)
	}

	// Only the recorded owner may resurrect.
	f.grantServer(bobAddr)
	_, err := f.svc.Upload(ctx, UploadRequest{
		AssetID:  "doc-1",
		Owner:    bobAddr,
		Critical: map[string]interface{}{"title": "squat"},
	}, apiKeyCtx(bobAddr))
	if kindOfT(t, err) != KindUnauthorized {
		t.Fatalf("stranger recreate: kind = %s, want unauthorized", KindOf(err))
	}

	res, err := f.svc.Upload(ctx, UploadRequest{
		AssetID:  "doc-1",
		Owner:    aliceAddr,
		Critical: map[string]interface{}{"title": "back"},
	}, apiKeyCtx(aliceAddr))
	if err != nil {
		t.Fatalf("owner recreate: %v", err)
	}
	if res.Action != store.ActionRecreateDeleted || res.Version != 1 {
		t.Fatalf("recreate: action %s version %d", res.Action, res.Version)
	}

	// The deleted lineage is purged; the asset starts over.
	if rows := f.assets.all("doc-1"); len(rows) != 1 || rows[0].IsDeleted {
		t.Fatalf("expected a single fresh row, got %d", len(rows))
	}
	recs := f.txlog.byAction(store.ActionRecreateDeleted)
	if len(recs) != 1 || recs[0].Metadata["wasDeleted"] != true {
		t.Fatalf("recreate log: %+v", recs)
	}
}

func TestWalletUploadSuspendsForSignature(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Upload(ctx, UploadRequest{
		AssetID:  "doc-1",
		Owner:    aliceAddr,
		Critical: map[string]interface{}{"title": "A"},
	}, walletCtx(aliceAddr))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if res.Status != StatusPendingSignature || res.PendingTxID == "" || res.Transaction == nil {
		t.Fatalf("expected suspension: %+v", res)
	}
	if res.Transaction.FunctionName != "storeCIDDigest" {
		t.Fatalf("method = %s, want storeCIDDigest", res.Transaction.FunctionName)
	}
	if _, err := f.assets.FindCurrent(ctx, "doc-1", true); err != store.ErrNotFound {
		t.Fatalf("database written before signature")
	}

	// The user signs and broadcasts; the fake applies the prepared call on
	// receipt confirmation.
	signedHash := firstPreparedHash(f.chain)

	// Another wallet cannot claim the pending transaction.
	if _, err := f.svc.CompleteUpload(ctx, res.PendingTxID, signedHash, walletCtx(bobAddr)); KindOf(err) != KindUnauthorized {
		t.Fatalf("foreign completion: %v", err)
	}

	done, err := f.svc.CompleteUpload(ctx, res.PendingTxID, signedHash, walletCtx(aliceAddr))
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != StatusSuccess || done.Version != 1 || done.ChainTxID != signedHash {
		t.Fatalf("complete: %+v", done)
	}
	if _, err := f.pend.Get(ctx, res.PendingTxID); err != pending.ErrNotFound {
		t.Fatalf("pending record not retired")
	}
}

func firstPreparedHash(c *fakeChain) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for h := range c.prepared {
		return h
	}
	return ""
}

func TestAPIKeyWriteRequiresServerDelegation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := UploadRequest{
		AssetID:  "doc-1",
		Owner:    aliceAddr,
		Critical: map[string]interface{}{"title": "A"},
	}

	// No delegation to the server wallet: the contract would reject the
	// server's call, so the orchestrator refuses up front.
	if _, err := f.svc.Upload(ctx, req, apiKeyCtx(aliceAddr)); KindOf(err) != KindUnauthorized {
		t.Fatalf("undelegated server write: %v", err)
	}

	f.grantServer(aliceAddr)
	if _, err := f.svc.Upload(ctx, req, apiKeyCtx(aliceAddr)); err != nil {
		t.Fatalf("delegated server write: %v", err)
	}
}

func TestDelegatedWrite(t *testing.T) {
	f := newFixture(t)
	f.grantServer(aliceAddr)
	ctx := context.Background()
	f.seedAsset(t, "doc-1", aliceAddr, map[string]interface{}{"title": "A"}, nil)

	req := UploadRequest{
		AssetID:  "doc-1",
		Owner:    aliceAddr,
		Critical: map[string]interface{}{"title": "B"},
	}

	// Carol holds Alice's API key but no on-chain delegation.
	if _, err := f.svc.Upload(ctx, req, apiKeyCtx(carolAddr)); KindOf(err) != KindUnauthorized {
		t.Fatalf("undelegated initiator: %v", err)
	}

	f.delegates.grant(aliceAddr, carolAddr)
	res, err := f.svc.Upload(ctx, req, apiKeyCtx(carolAddr))
	if err != nil {
		t.Fatalf("delegated write: %v", err)
	}
	doc, _ := f.assets.FindVersion(ctx, "doc-1", res.Version)
	if !doc.IsDelegatedAction || doc.PerformedBy == nil || *doc.PerformedBy != carolAddr {
		t.Fatalf("delegated attribution missing: %+v", doc)
	}
	if doc.OwnerAddress != aliceAddr {
		t.Fatalf("owner moved on delegated write: %s", doc.OwnerAddress)
	}

	// Revocation takes effect on the next write; no caching shields the
	// old grant.
	f.delegates.revoke(aliceAddr, carolAddr)
	req.Critical = map[string]interface{}{"title": "C"}
	if _, err := f.svc.Upload(ctx, req, apiKeyCtx(carolAddr)); KindOf(err) != KindUnauthorized {
		t.Fatalf("revoked initiator: %v", err)
	}
}

func TestDeleteLifecycle(t *testing.T) {
	f := newFixture(t)
	f.grantServer(aliceAddr)
	ctx := context.Background()
	f.seedAsset(t, "doc-1", aliceAddr, map[string]interface{}{"title": "A"}, nil)

	res, err := f.svc.Delete(ctx, []string{"doc-1"}, "cleanup", apiKeyCtx(aliceAddr))
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(res.Results) != 1 || res.Results[0].Status != StatusSuccess || res.ChainTxID == "" {
		t.Fatalf("delete result: %+v", res)
	}
	if _, err := f.assets.FindCurrent(ctx, "doc-1", false); err != store.ErrNotFound {
		t.Fatalf("asset visible after delete")
	}
	doc, err := f.assets.FindCurrent(ctx, "doc-1", true)
	if err != nil || !doc.IsDeleted || doc.DeletedBy == nil || *doc.DeletedBy != aliceAddr {
		t.Fatalf("soft delete state: %+v err %v", doc, err)
	}
	logs := f.txlog.byAction(store.ActionDelete)
	if len(logs) != 1 || logs[0].Metadata["reason"] != "cleanup" {
		t.Fatalf("delete log: %+v", logs)
	}

	// Deleting again warns without touching the chain.
	again, err := f.svc.Delete(ctx, []string{"doc-1"}, "", apiKeyCtx(aliceAddr))
	if err != nil {
		t.Fatalf("repeat delete: %v", err)
	}
	if again.Results[0].Status != StatusWarning {
		t.Fatalf("repeat delete: %+v", again.Results[0])
	}
}

func TestDeleteSyncsChainDeletedAsset(t *testing.T) {
	f := newFixture(t)
	f.grantServer(aliceAddr)
	ctx := context.Background()
	f.seedAsset(t, "doc-1", aliceAddr, map[string]interface{}{"title": "A"}, nil)

	// The contract already shows the asset deleted, e.g. through another
	// node. The delete call becomes a database sync.
	f.chain.mu.Lock()
	f.chain.markDeleted(addrOf(aliceAddr), "doc-1")
	txBefore := f.chain.txSeq
	f.chain.mu.Unlock()

	res, err := f.svc.Delete(ctx, []string{"doc-1"}, "", apiKeyCtx(aliceAddr))
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if res.Results[0].Status != StatusSynced {
		t.Fatalf("status = %s, want synced", res.Results[0].Status)
	}
	if f.chain.txSeq != txBefore {
		t.Fatalf("sync sent a chain transaction")
	}
	logs := f.txlog.byAction(store.ActionDelete)
	if len(logs) != 1 || logs[0].Metadata["synced_from_chain"] != true {
		t.Fatalf("sync log: %+v", logs)
	}
}

func TestWalletDeleteSuspendsAndCompletes(t *testing.T) {
	f := newFixture(t)
	f.grantServer(aliceAddr)
	ctx := context.Background()
	f.seedAsset(t, "doc-1", aliceAddr, map[string]interface{}{"title": "A"}, nil)
	f.seedAsset(t, "doc-2", aliceAddr, map[string]interface{}{"title": "B"}, nil)

	res, err := f.svc.Delete(ctx, []string{"doc-1", "doc-2"}, "", walletCtx(aliceAddr))
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if res.Status != StatusPendingSignature || res.Transaction.FunctionName != "batchDeleteAssets" {
		t.Fatalf("suspension: %+v", res)
	}

	done, err := f.svc.CompleteDelete(ctx, res.PendingTxID, firstPreparedHash(f.chain), walletCtx(aliceAddr))
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if len(done.Results) != 2 {
		t.Fatalf("results: %+v", done.Results)
	}
	for _, id := range []string{"doc-1", "doc-2"} {
		if _, err := f.assets.FindCurrent(ctx, id, false); err != store.ErrNotFound {
			t.Fatalf("%s visible after delete", id)
		}
	}
}

func TestWalletDeleteSettlesWarningsAndSyncsBeforeSignature(t *testing.T) {
	f := newFixture(t)
	f.grantServer(aliceAddr)
	ctx := context.Background()
	f.seedAsset(t, "doc-live", aliceAddr, map[string]interface{}{"title": "A"}, nil)
	f.seedAsset(t, "doc-gone", aliceAddr, map[string]interface{}{"title": "B"}, nil)
	f.seedAsset(t, "doc-synced", aliceAddr, map[string]interface{}{"title": "C"}, nil)

	if _, err := f.svc.Delete(ctx, []string{"doc-gone"}, "", apiKeyCtx(aliceAddr)); err != nil {
		t.Fatalf("pre-delete: %v", err)
	}
	f.chain.mu.Lock()
	f.chain.markDeleted(addrOf(aliceAddr), "doc-synced")
	f.chain.mu.Unlock()

	res, err := f.svc.Delete(ctx, []string{"doc-live", "doc-gone", "doc-synced"}, "", walletCtx(aliceAddr))
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if res.Status != StatusPendingSignature || res.Transaction.FunctionName != "deleteAsset" {
		t.Fatalf("only doc-live should need a signature: %+v", res)
	}
	byAsset := map[string]DeleteOutcome{}
	for _, r := range res.Results {
		byAsset[r.AssetID] = r
	}
	if byAsset["doc-gone"].Status != StatusWarning {
		t.Fatalf("already-deleted outcome: %+v", byAsset["doc-gone"])
	}
	if byAsset["doc-synced"].Status != StatusSynced {
		t.Fatalf("chain-deleted outcome: %+v", byAsset["doc-synced"])
	}
	// The chain-side deletion already happened, so the database sync must
	// not wait on the signature.
	if doc, err := f.assets.FindCurrent(ctx, "doc-synced", true); err != nil || !doc.IsDeleted {
		t.Fatalf("doc-synced not synced at submission: %+v err %v", doc, err)
	}
	if doc, err := f.assets.FindCurrent(ctx, "doc-live", false); err != nil || doc.IsDeleted {
		t.Fatalf("doc-live deleted before signature: %+v err %v", doc, err)
	}

	done, err := f.svc.CompleteDelete(ctx, res.PendingTxID, firstPreparedHash(f.chain), walletCtx(aliceAddr))
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	byAsset = map[string]DeleteOutcome{}
	for _, r := range done.Results {
		byAsset[r.AssetID] = r
	}
	if len(done.Results) != 3 {
		t.Fatalf("completion dropped settled outcomes: %+v", done.Results)
	}
	if got := byAsset["doc-gone"]; got.Status != StatusWarning || got.Message == "" {
		t.Fatalf("warning not echoed through completion: %+v", got)
	}
	if byAsset["doc-synced"].Status != StatusSynced {
		t.Fatalf("sync not echoed through completion: %+v", byAsset["doc-synced"])
	}
	if byAsset["doc-live"].Status != StatusSuccess {
		t.Fatalf("live delete outcome: %+v", byAsset["doc-live"])
	}
	if _, err := f.assets.FindCurrent(ctx, "doc-live", false); err != store.ErrNotFound {
		t.Fatalf("doc-live visible after completion")
	}
}

func TestRetrieveVerifiesIntactAsset(t *testing.T) {
	f := newFixture(t)
	f.grantServer(aliceAddr)
	ctx := context.Background()
	f.seedAsset(t, "doc-1", aliceAddr, map[string]interface{}{"title": "A"}, nil)

	var lastStep int
	res, err := f.svc.Retrieve(ctx, "doc-1", nil, true, func(step, total int, _ string) {
		if total != verifySteps {
			t.Fatalf("total = %d", total)
		}
		lastStep = step
	})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	v := res.Verification
	if !v.Verified || !v.CIDMatch || !v.IPFSHashVerified || !v.TxSenderVerified {
		t.Fatalf("verdict: %+v", v)
	}
	if v.RecoveryNeeded || lastStep != verifySteps {
		t.Fatalf("verdict: %+v lastStep %d", v, lastStep)
	}

	doc, _ := f.assets.FindCurrent(ctx, "doc-1", false)
	if doc.LastVerified == nil {
		t.Fatalf("last_verified not stamped")
	}
}

func TestRetrieveUnknownAssetAndVersion(t *testing.T) {
	f := newFixture(t)
	f.grantServer(aliceAddr)
	ctx := context.Background()
	f.seedAsset(t, "doc-1", aliceAddr, map[string]interface{}{"title": "A"}, nil)

	if _, err := f.svc.Retrieve(ctx, "ghost", nil, false, nil); KindOf(err) != KindNotFound {
		t.Fatalf("unknown asset: %v", err)
	}
	seven := int64(7)
	_, err := f.svc.Retrieve(ctx, "doc-1", &seven, false, nil)
	if KindOf(err) != KindNotFound {
		t.Fatalf("unknown version: %v", err)
	}
}

func TestTamperedCriticalMetadataRecovers(t *testing.T) {
	f := newFixture(t)
	f.grantServer(aliceAddr)
	ctx := context.Background()

	f.seedAsset(t, "doc-1", aliceAddr, map[string]interface{}{"title": "A"}, nil)
	v2, err := f.svc.Upload(ctx, UploadRequest{
		AssetID:  "doc-1",
		Owner:    aliceAddr,
		Critical: map[string]interface{}{"title": "B"},
	}, apiKeyCtx(aliceAddr))
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	// An attacker edits the database copy directly.
	f.assets.tamper("doc-1", 2, func(v *store.AssetVersion) {
		v.CriticalMetadata = store.JSONMap{"title": "FORGED"}
	})

	res, err := f.svc.Retrieve(ctx, "doc-1", nil, true, nil)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	v := res.Verification
	if v.CIDMatch || !v.RecoveryNeeded || !v.RecoveryAttempted || !v.RecoverySuccessful || !v.NewVersionCreated {
		t.Fatalf("verdict: %+v", v)
	}
	if got := res.Asset.CriticalMetadata["title"]; got != "B" {
		t.Fatalf("recovered title = %v, want B", got)
	}
	if res.Asset.VersionNumber != 3 || res.Asset.IPFSHash != v2.IPFSHash || res.Asset.ChainTxID != v2.ChainTxID {
		t.Fatalf("recovered version: %+v", res.Asset)
	}
	if res.Asset.IPFSVersion != v2.IPFSVersion {
		t.Fatalf("ipfs_version = %d, want %d", res.Asset.IPFSVersion, v2.IPFSVersion)
	}
	logs := f.txlog.byAction(store.ActionIntegrityRecovery)
	if len(logs) != 1 || logs[0].Metadata["authentic_cid"] != v2.IPFSHash {
		t.Fatalf("recovery log: %+v", logs)
	}
}

func TestTamperedTxHashRecoversFromEvents(t *testing.T) {
	f := newFixture(t)
	f.grantServer(aliceAddr)
	f.grantServer(bobAddr)
	ctx := context.Background()

	v1 := f.seedAsset(t, "doc-1", aliceAddr, map[string]interface{}{"title": "A"}, nil)
	decoy := f.seedAsset(t, "doc-2", bobAddr, map[string]interface{}{"title": "X"}, nil)

	// Point doc-1 at doc-2's perfectly valid transaction. Calldata checks
	// must refuse it and the event scan must yield the authentic anchor.
	f.assets.tamper("doc-1", 1, func(v *store.AssetVersion) {
		v.ChainTxID = decoy.ChainTxID
	})

	res, err := f.svc.Retrieve(ctx, "doc-1", nil, true, nil)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if !res.Verification.RecoverySuccessful || !res.Verification.NewVersionCreated {
		t.Fatalf("verdict: %+v", res.Verification)
	}
	if res.Asset.ChainTxID != v1.ChainTxID {
		t.Fatalf("corrected tx = %s, want %s", res.Asset.ChainTxID, v1.ChainTxID)
	}
	if res.Asset.CriticalMetadata["title"] != "A" {
		t.Fatalf("recovered metadata: %+v", res.Asset.CriticalMetadata)
	}
}

func TestTamperedDeletionStatusRestored(t *testing.T) {
	f := newFixture(t)
	f.grantServer(aliceAddr)
	ctx := context.Background()

	f.seedAsset(t, "doc-1", aliceAddr, map[string]interface{}{"title": "A"}, nil)
	if _, err := f.svc.Delete(ctx, []string{"doc-1"}, "", apiKeyCtx(aliceAddr)); err != nil {
		t.Fatalf("delete: %v", err)
	}

	// An attacker flips the deletion flag back in the database.
	f.assets.tamper("doc-1", 1, func(v *store.AssetVersion) {
		v.IsDeleted = false
		v.DeletedBy = nil
		v.DeletedAt = nil
	})

	res, err := f.svc.Retrieve(ctx, "doc-1", nil, true, nil)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if !res.Verification.DeletionStatusTampered || !res.Verification.RecoverySuccessful {
		t.Fatalf("verdict: %+v", res.Verification)
	}
	if !res.Asset.IsDeleted {
		t.Fatalf("deletion state not restored")
	}
	if logs := f.txlog.byAction(store.ActionDeletionRestored); len(logs) != 1 {
		t.Fatalf("restore log: %+v", logs)
	}
}

func TestHistoricalVersionNeverRewritten(t *testing.T) {
	f := newFixture(t)
	f.grantServer(aliceAddr)
	ctx := context.Background()

	f.seedAsset(t, "doc-1", aliceAddr, map[string]interface{}{"title": "A"}, nil)
	if _, err := f.svc.Upload(ctx, UploadRequest{
		AssetID:  "doc-1",
		Owner:    aliceAddr,
		Critical: map[string]interface{}{"title": "B"},
	}, apiKeyCtx(aliceAddr)); err != nil {
		t.Fatalf("update: %v", err)
	}

	f.assets.tamper("doc-1", 1, func(v *store.AssetVersion) {
		v.CriticalMetadata = store.JSONMap{"title": "FORGED"}
	})

	one := int64(1)
	rowsBefore := len(f.assets.all("doc-1"))
	res, err := f.svc.Retrieve(ctx, "doc-1", &one, true, nil)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	v := res.Verification
	if v.Verified || !v.RecoveryNeeded || v.RecoveryAttempted || v.NewVersionCreated {
		t.Fatalf("verdict: %+v", v)
	}
	if len(f.assets.all("doc-1")) != rowsBefore {
		t.Fatalf("historical verification wrote a version")
	}
}

func TestRecoveryFailsWhenContentUnavailable(t *testing.T) {
	f := newFixture(t)
	f.grantServer(aliceAddr)
	ctx := context.Background()

	v1 := f.seedAsset(t, "doc-1", aliceAddr, map[string]interface{}{"title": "A"}, nil)
	f.assets.tamper("doc-1", 1, func(v *store.AssetVersion) {
		v.CriticalMetadata = store.JSONMap{"title": "FORGED"}
	})
	f.content.corrupt(v1.IPFSHash)

	res, err := f.svc.Retrieve(ctx, "doc-1", nil, true, nil)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	v := res.Verification
	if !v.RecoveryAttempted || v.RecoverySuccessful || v.NewVersionCreated {
		t.Fatalf("verdict: %+v", v)
	}
	// The tampered copy comes back flagged rather than silently dropped.
	if res.Asset.CriticalMetadata["title"] != "FORGED" {
		t.Fatalf("asset: %+v", res.Asset.CriticalMetadata)
	}
	logs := f.txlog.byAction(store.ActionIntegrityRecovery)
	if len(logs) != 1 || logs[0].Metadata["success"] != false {
		t.Fatalf("failed-recovery log: %+v", logs)
	}
}

func TestBatchUploadServerSigned(t *testing.T) {
	f := newFixture(t)
	f.grantServer(aliceAddr)
	ctx := context.Background()

	reqs := []UploadRequest{
		{AssetID: "doc-1", Owner: aliceAddr, Critical: map[string]interface{}{"n": float64(1)}},
		{AssetID: "doc-2", Owner: aliceAddr, Critical: map[string]interface{}{"n": float64(2)}},
		{AssetID: "doc-3", Owner: aliceAddr, Critical: map[string]interface{}{"n": float64(3)}},
	}
	res, err := f.svc.BatchUpload(ctx, reqs, apiKeyCtx(aliceAddr))
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if res.Status != StatusSuccess || len(res.Results) != 3 {
		t.Fatalf("batch result: %+v", res)
	}
	// One aggregate anchor transaction for the whole batch.
	if f.chain.txSeq != 1 {
		t.Fatalf("tx count = %d, want 1", f.chain.txSeq)
	}
	for _, r := range res.Results {
		if r.Status != StatusSuccess || r.Version != 1 || r.ChainTxID != res.Results[0].ChainTxID {
			t.Fatalf("batch member: %+v", r)
		}
	}
}

func TestBatchUploadRejectsMixedOwners(t *testing.T) {
	f := newFixture(t)
	f.grantServer(aliceAddr)
	f.grantServer(bobAddr)

	_, err := f.svc.BatchUpload(context.Background(), []UploadRequest{
		{AssetID: "doc-1", Owner: aliceAddr, Critical: map[string]interface{}{"n": float64(1)}},
		{AssetID: "doc-2", Owner: bobAddr, Critical: map[string]interface{}{"n": float64(2)}},
	}, apiKeyCtx(aliceAddr))
	if KindOf(err) != KindValidation {
		t.Fatalf("mixed owners: %v", err)
	}
}

func TestTransferLifecycle(t *testing.T) {
	f := newFixture(t)
	f.grantServer(aliceAddr)
	f.grantServer(bobAddr)
	ctx := context.Background()

	v1 := f.seedAsset(t, "doc-1", aliceAddr, map[string]interface{}{"title": "A"}, nil)

	// Only the owner may initiate.
	if _, err := f.svc.TransferInitiate(ctx, "doc-1", carolAddr, walletCtx(bobAddr)); KindOf(err) != KindUnauthorized {
		t.Fatalf("foreign initiate: %v", err)
	}
	init, err := f.svc.TransferInitiate(ctx, "doc-1", bobAddr, walletCtx(aliceAddr))
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if init.Recipient != bobAddr {
		t.Fatalf("initiate: %+v", init)
	}
	// One open transfer per asset.
	if _, err := f.svc.TransferInitiate(ctx, "doc-1", carolAddr, walletCtx(aliceAddr)); KindOf(err) != KindConflict {
		t.Fatalf("duplicate initiate: %v", err)
	}

	// Only the recipient may accept.
	if _, err := f.svc.TransferAccept(ctx, "doc-1", apiKeyCtx(carolAddr)); KindOf(err) != KindUnauthorized {
		t.Fatalf("foreign accept: %v", err)
	}

	res, err := f.svc.TransferAccept(ctx, "doc-1", apiKeyCtx(bobAddr))
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if res.Status != StatusSuccess || res.Owner != bobAddr {
		t.Fatalf("accept: %+v", res)
	}

	doc, err := f.assets.FindCurrent(ctx, "doc-1", false)
	if err != nil {
		t.Fatalf("find current: %v", err)
	}
	if doc.OwnerAddress != bobAddr || doc.VersionNumber != 2 {
		t.Fatalf("post-transfer doc: %+v", doc)
	}
	// The anchor moved: owner is part of the content address.
	if doc.IPFSHash == v1.IPFSHash {
		t.Fatalf("anchor did not move with the owner")
	}
	if _, err := f.transfers.Find(ctx, "doc-1"); err != store.ErrNotFound {
		t.Fatalf("transfer row not retired")
	}
	if logs := f.txlog.byAction(store.ActionTransferCompleted); len(logs) != 2 {
		t.Fatalf("completion logs: %d, want one per wallet", len(logs))
	}
}

func TestTransferredAssetVerifies(t *testing.T) {
	f := newFixture(t)
	f.grantServer(aliceAddr)
	f.grantServer(bobAddr)
	ctx := context.Background()

	f.seedAsset(t, "doc-1", aliceAddr, map[string]interface{}{"title": "A"}, nil)
	if _, err := f.svc.TransferInitiate(ctx, "doc-1", bobAddr, walletCtx(aliceAddr)); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if _, err := f.svc.TransferAccept(ctx, "doc-1", apiKeyCtx(bobAddr)); err != nil {
		t.Fatalf("accept: %v", err)
	}

	// The contract counts versions per (owner, asset), so the anchored
	// version under the new owner restarts at 1. The row must carry the
	// chain's number, not a continuation of the old owner's count.
	doc, err := f.assets.FindCurrent(ctx, "doc-1", false)
	if err != nil {
		t.Fatalf("find current: %v", err)
	}
	info, _ := f.chain.GetIPFSInfo(ctx, addrOf(bobAddr), "doc-1")
	if doc.IPFSVersion != int64(info.Version) {
		t.Fatalf("ipfs_version = %d, chain says %d", doc.IPFSVersion, info.Version)
	}

	res, err := f.svc.Retrieve(ctx, "doc-1", nil, true, nil)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	v := res.Verification
	if !v.Verified || !v.CIDMatch || !v.IPFSHashVerified {
		t.Fatalf("transferred asset failed verification: %+v", v)
	}
	if v.RecoveryNeeded || v.RecoveryAttempted {
		t.Fatalf("spurious recovery on untampered transfer: %+v", v)
	}
}

func TestTransferCancel(t *testing.T) {
	f := newFixture(t)
	f.grantServer(aliceAddr)
	ctx := context.Background()

	f.seedAsset(t, "doc-1", aliceAddr, map[string]interface{}{"title": "A"}, nil)
	if _, err := f.svc.TransferInitiate(ctx, "doc-1", bobAddr, walletCtx(aliceAddr)); err != nil {
		t.Fatalf("initiate: %v", err)
	}

	if _, err := f.svc.TransferCancel(ctx, "doc-1", walletCtx(bobAddr)); KindOf(err) != KindUnauthorized {
		t.Fatalf("recipient cancel: %v", err)
	}
	if _, err := f.svc.TransferCancel(ctx, "doc-1", walletCtx(aliceAddr)); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := f.transfers.Find(ctx, "doc-1"); err != store.ErrNotFound {
		t.Fatalf("transfer row survived cancel")
	}
	if logs := f.txlog.byAction(store.ActionTransferCancelled); len(logs) != 1 {
		t.Fatalf("cancel log: %d", len(logs))
	}
}

func TestCancelPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Upload(ctx, UploadRequest{
		AssetID:  "doc-1",
		Owner:    aliceAddr,
		Critical: map[string]interface{}{"title": "A"},
	}, walletCtx(aliceAddr))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}

	if err := f.svc.CancelPending(ctx, bobAddr, res.PendingTxID); KindOf(err) != KindUnauthorized {
		t.Fatalf("foreign cancel: %v", err)
	}
	if err := f.svc.CancelPending(ctx, aliceAddr, res.PendingTxID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	recs, _ := f.svc.PendingForUser(ctx, aliceAddr)
	if len(recs) != 0 {
		t.Fatalf("pending not cleared: %d", len(recs))
	}
}
