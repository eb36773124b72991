package fvapi

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/fusevault/fusevault/apikey"
	"github.com/fusevault/fusevault/auth"
	"github.com/fusevault/fusevault/chain"
	"github.com/fusevault/fusevault/delegation"
	"github.com/fusevault/fusevault/pending"
	"github.com/fusevault/fusevault/vault"
)

// DelegationSetResult carries the unsigned setDelegate transaction the
// wallet must sign.
type DelegationSetResult struct {
	Status          vault.Status      `json:"status"`
	OwnerAddress    string            `json:"owner_address"`
	DelegateAddress string            `json:"delegate_address"`
	Active          bool              `json:"active"`
	PendingTxID     string            `json:"pending_tx_id"`
	Transaction     *chain.UnsignedTx `json:"transaction"`
}

// DelegationConfirmResult reports the confirmed change.
type DelegationConfirmResult struct {
	Status vault.Status          `json:"status"`
	TxHash string                `json:"tx_hash"`
	Events []chain.DelegateEvent `json:"events"`
}

// DelegationCheckResult answers one (owner, delegate) question from chain
// ground truth.
type DelegationCheckResult struct {
	OwnerAddress    string `json:"owner_address"`
	DelegateAddress string `json:"delegate_address"`
	IsDelegated     bool   `json:"is_delegated"`
}

// DelegationSet prepares a setDelegate transaction. Delegation changes are
// always user-signed: only the owner's wallet can bind or revoke a
// delegate on chain.
func (a *API) DelegationSet(ctx context.Context, args DelegationSetArgs, ac *auth.Context) (*DelegationSetResult, error) {
	if err := a.check(args); err != nil {
		return nil, err
	}
	if err := requireWallet(ac); err != nil {
		return nil, err
	}
	owner := strings.ToLower(ac.WalletAddress)
	delegate := strings.ToLower(args.DelegateAddress)
	if delegate == owner {
		return nil, &vault.Error{Kind: vault.KindValidation, Message: "cannot delegate to yourself"}
	}

	unsigned, err := a.chain.BuildTransaction(ctx, owner, "setDelegate",
		common.HexToAddress(delegate), args.Status)
	if err != nil {
		return nil, &vault.Error{Kind: vault.KindOf(err), Message: "build setDelegate transaction", Err: err}
	}
	rawTx, err := json.Marshal(unsigned)
	if err != nil {
		return nil, &vault.Error{Kind: vault.KindInternal, Message: "encode unsigned transaction", Err: err}
	}
	txID, err := a.pend.Store(ctx, pending.Record{
		InitiatorAddress: owner,
		Operation:        pending.OpDelegation,
		Transaction:      rawTx,
		Payload: map[string]interface{}{
			"delegate": delegate,
			"status":   args.Status,
		},
	}, 0)
	if err != nil {
		return nil, &vault.Error{Kind: vault.KindOf(err), Message: "store pending delegation", Err: err}
	}
	return &DelegationSetResult{
		Status:          vault.StatusPendingSignature,
		OwnerAddress:    owner,
		DelegateAddress: delegate,
		Active:          args.Status,
		PendingTxID:     txID,
		Transaction:     unsigned,
	}, nil
}

// DelegationConfirm broadcasts the signed setDelegate transaction and syncs
// the local mirror from the receipt's DelegateStatusChanged events.
func (a *API) DelegationConfirm(ctx context.Context, args DelegationConfirmArgs, ac *auth.Context) (*DelegationConfirmResult, error) {
	if err := a.check(args); err != nil {
		return nil, err
	}
	if err := requireWallet(ac); err != nil {
		return nil, err
	}
	rec, err := a.pend.Get(ctx, args.PendingTxID)
	if err != nil {
		return nil, &vault.Error{Kind: vault.KindOf(err), Message: "load pending delegation", Err: err}
	}
	if rec.InitiatorAddress != strings.ToLower(ac.WalletAddress) {
		return nil, &vault.Error{Kind: vault.KindUnauthorized, Message: "pending transaction belongs to another wallet"}
	}
	if rec.Operation != pending.OpDelegation {
		return nil, &vault.Error{Kind: vault.KindValidation,
			Message: "pending transaction is a " + string(rec.Operation) + ", not a delegation"}
	}

	receipt, err := a.chain.BroadcastSigned(ctx, args.SignedTransaction)
	if err != nil {
		return nil, &vault.Error{Kind: vault.KindOf(err), Message: "broadcast setDelegate", Err: err}
	}
	if receipt.Status != 1 {
		return nil, &vault.Error{Kind: vault.KindValidation, Err: chain.ErrRevert,
			Message: "transaction " + receipt.TxHash + " did not succeed"}
	}

	events := a.chain.DelegateEventsFromLogs(receipt.Logs)
	a.deleg.SyncFromEvents(events)
	if _, err := a.pend.Remove(ctx, args.PendingTxID); err != nil {
		a.log.Warn("pending record cleanup failed", zap.String("pending_tx", args.PendingTxID))
	}
	return &DelegationConfirmResult{
		Status: vault.StatusSuccess,
		TxHash: receipt.TxHash,
		Events: events,
	}, nil
}

// DelegationCheck answers from chain ground truth and refreshes the mirror.
func (a *API) DelegationCheck(ctx context.Context, args DelegationCheckArgs, ac *auth.Context) (*DelegationCheckResult, error) {
	if err := a.check(args); err != nil {
		return nil, err
	}
	ok, err := a.deleg.Check(ctx, args.OwnerAddress, args.DelegateAddress)
	if err != nil {
		return nil, &vault.Error{Kind: vault.KindOf(err), Message: "delegation check", Err: err}
	}
	return &DelegationCheckResult{
		OwnerAddress:    strings.ToLower(args.OwnerAddress),
		DelegateAddress: strings.ToLower(args.DelegateAddress),
		IsDelegated:     ok,
	}, nil
}

// DelegationList returns the mirror's view of an owner's delegates. The
// mirror may trail the chain by one sweep interval; Check is the
// authoritative call.
func (a *API) DelegationList(owner string, ac *auth.Context) ([]delegation.Record, error) {
	if err := requirePerm(ac, apikey.PermRead); err != nil {
		return nil, err
	}
	return a.deleg.ListByOwner(owner), nil
}
