package fvapi

import (
	"context"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/fusevault/fusevault/apikey"
	"github.com/fusevault/fusevault/auth"
	"github.com/fusevault/fusevault/chain"
	"github.com/fusevault/fusevault/delegation"
	"github.com/fusevault/fusevault/pending"
	"github.com/fusevault/fusevault/store"
	"github.com/fusevault/fusevault/vault"
)

// TxHistory is the audit-log read surface. *store.TxLogRepo satisfies it.
type TxHistory interface {
	ListByAsset(ctx context.Context, assetID string, version *int64) ([]*store.TxRecord, error)
	ListByWallet(ctx context.Context, wallet string, includeHistory bool, limit int) ([]*store.TxRecord, error)
	Summarize(ctx context.Context, wallet string) ([]store.ActionCount, error)
}

// API is the operation surface the HTTP adapter mounts.
type API struct {
	vault    *vault.Service
	keys     *apikey.Service
	deleg    *delegation.Service
	chain    *chain.Client
	pend     vault.PendingStore
	history  TxHistory
	validate *validator.Validate
	log      *zap.Logger
}

// New assembles the API over the already-wired services.
func New(v *vault.Service, keys *apikey.Service, deleg *delegation.Service,
	ch *chain.Client, pend vault.PendingStore, history TxHistory, log *zap.Logger) *API {
	return &API{
		vault:    v,
		keys:     keys,
		deleg:    deleg,
		chain:    ch,
		pend:     pend,
		history:  history,
		validate: validator.New(),
		log:      log,
	}
}

func (a *API) check(args interface{}) error {
	if err := a.validate.Struct(args); err != nil {
		return &vault.Error{Kind: vault.KindValidation, Message: validationMessage(err), Err: err}
	}
	return nil
}

// validationMessage flattens validator output into one client-facing line.
func validationMessage(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fe.Field()+" failed "+fe.Tag())
	}
	return "invalid request: " + strings.Join(parts, ", ")
}

func requirePerm(ac *auth.Context, perm string) error {
	if !ac.Can(perm) {
		return &vault.Error{Kind: vault.KindUnauthorized,
			Message: "credential lacks the " + perm + " permission"}
	}
	return nil
}

func requireWallet(ac *auth.Context) error {
	if !ac.IsWallet() {
		return &vault.Error{Kind: vault.KindUnauthorized,
			Message: "operation requires a wallet session"}
	}
	return nil
}

// Upload runs a single create-or-update.
func (a *API) Upload(ctx context.Context, args UploadArgs, ac *auth.Context) (*vault.UploadResult, error) {
	if err := a.check(args); err != nil {
		return nil, err
	}
	if err := requirePerm(ac, apikey.PermWrite); err != nil {
		return nil, err
	}
	return a.vault.Upload(ctx, vault.UploadRequest{
		AssetID:     args.AssetID,
		Owner:       args.WalletAddress,
		Critical:    args.CriticalMetadata,
		NonCritical: args.NonCriticalMetadata,
	}, ac)
}

// BatchUpload prepares a one-transaction anchor for several assets.
func (a *API) BatchUpload(ctx context.Context, args BatchUploadArgs, ac *auth.Context) (*vault.BatchUploadResult, error) {
	if err := a.check(args); err != nil {
		return nil, err
	}
	if err := requirePerm(ac, apikey.PermWrite); err != nil {
		return nil, err
	}
	reqs := make([]vault.UploadRequest, len(args.Assets))
	for i, in := range args.Assets {
		reqs[i] = vault.UploadRequest{
			AssetID:     in.AssetID,
			Owner:       in.WalletAddress,
			Critical:    in.CriticalMetadata,
			NonCritical: in.NonCriticalMetadata,
		}
	}
	return a.vault.BatchUpload(ctx, reqs, ac)
}

// CompleteUpload resumes a suspended upload. The wallet either broadcast the
// signed transaction itself (TxHash) or hands the raw bytes over for the
// server to broadcast.
func (a *API) CompleteUpload(ctx context.Context, args CompleteArgs, ac *auth.Context) (*vault.UploadResult, error) {
	txHash, err := a.resolveTxHash(ctx, args, ac)
	if err != nil {
		return nil, err
	}
	return a.vault.CompleteUpload(ctx, args.PendingTxID, txHash, ac)
}

// CompleteBatchUpload resumes a suspended batch upload.
func (a *API) CompleteBatchUpload(ctx context.Context, args CompleteArgs, ac *auth.Context) (*vault.BatchUploadResult, error) {
	txHash, err := a.resolveTxHash(ctx, args, ac)
	if err != nil {
		return nil, err
	}
	return a.vault.CompleteBatchUpload(ctx, args.PendingTxID, txHash, ac)
}

// resolveTxHash validates completion args and broadcasts raw bytes when the
// wallet did not broadcast itself.
func (a *API) resolveTxHash(ctx context.Context, args CompleteArgs, ac *auth.Context) (string, error) {
	if err := a.check(args); err != nil {
		return "", err
	}
	if err := requireWallet(ac); err != nil {
		return "", err
	}
	if (args.TxHash == "") == (args.SignedTransaction == "") {
		return "", &vault.Error{Kind: vault.KindValidation,
			Message: "exactly one of tx_hash and signed_transaction is required"}
	}
	if args.TxHash != "" {
		return args.TxHash, nil
	}
	receipt, err := a.chain.BroadcastSigned(ctx, args.SignedTransaction)
	if err != nil {
		return "", &vault.Error{Kind: vault.KindOf(err), Message: "broadcast signed transaction", Err: err}
	}
	return receipt.TxHash, nil
}

// Retrieve fetches and verifies one asset version.
func (a *API) Retrieve(ctx context.Context, args RetrieveArgs, ac *auth.Context, progress vault.Progress) (*vault.RetrieveResult, error) {
	if err := a.check(args); err != nil {
		return nil, err
	}
	if err := requirePerm(ac, apikey.PermRead); err != nil {
		return nil, err
	}
	return a.vault.Retrieve(ctx, args.AssetID, args.Version, args.AutoRecover, progress)
}

// ListAssets returns the wallet's current documents.
func (a *API) ListAssets(ctx context.Context, wallet string, includeHistory, includeDeleted bool, ac *auth.Context) ([]*store.AssetVersion, error) {
	if err := requirePerm(ac, apikey.PermRead); err != nil {
		return nil, err
	}
	return a.vault.ListAssets(ctx, wallet, includeHistory, includeDeleted)
}

// Delete soft-deletes one asset.
func (a *API) Delete(ctx context.Context, args DeleteArgs, ac *auth.Context) (*vault.DeleteResult, error) {
	if err := a.check(args); err != nil {
		return nil, err
	}
	if err := requirePerm(ac, apikey.PermDelete); err != nil {
		return nil, err
	}
	return a.vault.Delete(ctx, []string{args.AssetID}, args.Reason, ac)
}

// BatchDelete soft-deletes several assets in one transaction.
func (a *API) BatchDelete(ctx context.Context, args BatchDeleteArgs, ac *auth.Context) (*vault.DeleteResult, error) {
	if err := a.check(args); err != nil {
		return nil, err
	}
	if err := requirePerm(ac, apikey.PermDelete); err != nil {
		return nil, err
	}
	return a.vault.Delete(ctx, args.AssetIDs, args.Reason, ac)
}

// CompleteDelete resumes a suspended delete.
func (a *API) CompleteDelete(ctx context.Context, args CompleteArgs, ac *auth.Context) (*vault.DeleteResult, error) {
	txHash, err := a.resolveTxHash(ctx, args, ac)
	if err != nil {
		return nil, err
	}
	return a.vault.CompleteDelete(ctx, args.PendingTxID, txHash, ac)
}

// TransferInitiate opens a hand-over.
func (a *API) TransferInitiate(ctx context.Context, args TransferInitiateArgs, ac *auth.Context) (*vault.TransferResult, error) {
	if err := a.check(args); err != nil {
		return nil, err
	}
	if err := requirePerm(ac, apikey.PermWrite); err != nil {
		return nil, err
	}
	return a.vault.TransferInitiate(ctx, args.AssetID, args.Recipient, ac)
}

// TransferAccept completes a hand-over as the recipient.
func (a *API) TransferAccept(ctx context.Context, args TransferAssetArgs, ac *auth.Context) (*vault.TransferResult, error) {
	if err := a.check(args); err != nil {
		return nil, err
	}
	if err := requirePerm(ac, apikey.PermWrite); err != nil {
		return nil, err
	}
	return a.vault.TransferAccept(ctx, args.AssetID, ac)
}

// TransferCancel withdraws a pending hand-over.
func (a *API) TransferCancel(ctx context.Context, args TransferAssetArgs, ac *auth.Context) (*vault.TransferResult, error) {
	if err := a.check(args); err != nil {
		return nil, err
	}
	if err := requirePerm(ac, apikey.PermWrite); err != nil {
		return nil, err
	}
	return a.vault.TransferCancel(ctx, args.AssetID, ac)
}

// CompleteTransfer resumes a suspended acceptance.
func (a *API) CompleteTransfer(ctx context.Context, args CompleteArgs, ac *auth.Context) (*vault.TransferResult, error) {
	txHash, err := a.resolveTxHash(ctx, args, ac)
	if err != nil {
		return nil, err
	}
	return a.vault.CompleteTransfer(ctx, args.PendingTxID, txHash, ac)
}

// ListTransfers returns transfers touching the wallet.
func (a *API) ListTransfers(ctx context.Context, wallet string, ac *auth.Context) ([]*store.Transfer, error) {
	if err := requirePerm(ac, apikey.PermRead); err != nil {
		return nil, err
	}
	return a.vault.ListTransfers(ctx, wallet)
}

// AssetHistory returns the audit trail of one asset.
func (a *API) AssetHistory(ctx context.Context, args HistoryArgs, ac *auth.Context) ([]*store.TxRecord, error) {
	if err := a.check(args); err != nil {
		return nil, err
	}
	if err := requirePerm(ac, apikey.PermRead); err != nil {
		return nil, err
	}
	recs, err := a.history.ListByAsset(ctx, args.AssetID, args.Version)
	if err != nil {
		return nil, &vault.Error{Kind: vault.KindOf(err), Message: "list asset history", Err: err}
	}
	return recs, nil
}

// WalletHistory returns the audit trail touching one wallet.
func (a *API) WalletHistory(ctx context.Context, args HistoryArgs, ac *auth.Context) ([]*store.TxRecord, error) {
	if err := a.check(args); err != nil {
		return nil, err
	}
	if err := requirePerm(ac, apikey.PermRead); err != nil {
		return nil, err
	}
	recs, err := a.history.ListByWallet(ctx, args.Wallet, args.IncludeHistory, args.Limit)
	if err != nil {
		return nil, &vault.Error{Kind: vault.KindOf(err), Message: "list wallet history", Err: err}
	}
	return recs, nil
}

// WalletSummary aggregates a wallet's audit trail per action.
func (a *API) WalletSummary(ctx context.Context, wallet string, ac *auth.Context) ([]store.ActionCount, error) {
	if err := requirePerm(ac, apikey.PermRead); err != nil {
		return nil, err
	}
	counts, err := a.history.Summarize(ctx, wallet)
	if err != nil {
		return nil, &vault.Error{Kind: vault.KindOf(err), Message: "summarize wallet history", Err: err}
	}
	return counts, nil
}

// PendingForUser lists the caller's suspended transactions.
func (a *API) PendingForUser(ctx context.Context, ac *auth.Context) ([]*pending.Record, error) {
	if err := requireWallet(ac); err != nil {
		return nil, err
	}
	return a.vault.PendingForUser(ctx, ac.WalletAddress)
}

// CancelPending drops a suspended transaction the caller owns.
func (a *API) CancelPending(ctx context.Context, pendingTxID string, ac *auth.Context) error {
	if err := requireWallet(ac); err != nil {
		return err
	}
	if pendingTxID == "" {
		return &vault.Error{Kind: vault.KindValidation, Message: "pending_tx_id is required"}
	}
	return a.vault.CancelPending(ctx, ac.WalletAddress, pendingTxID)
}
