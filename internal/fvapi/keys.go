package fvapi

import (
	"context"

	"github.com/fusevault/fusevault/apikey"
	"github.com/fusevault/fusevault/auth"
	"github.com/fusevault/fusevault/store"
	"github.com/fusevault/fusevault/vault"
)

// Key management is wallet-session only: an API key must never mint, list
// or revoke keys, compromised keys would otherwise be self-extending.

// CreateKey mints a key for the session wallet. The key string in the
// result is the only copy that will ever exist.
func (a *API) CreateKey(ctx context.Context, args KeyCreateArgs, ac *auth.Context) (*apikey.CreateResult, error) {
	if err := a.check(args); err != nil {
		return nil, err
	}
	if err := requireWallet(ac); err != nil {
		return nil, err
	}
	res, err := a.keys.Create(ctx, ac.WalletAddress, args.Name, args.Permissions, args.ExpiresAt, args.Metadata)
	if err != nil {
		return nil, &vault.Error{Kind: vault.KindOf(err), Message: "create api key", Err: err}
	}
	return res, nil
}

// ListKeys returns the wallet's keys. Hashes only, never key strings.
func (a *API) ListKeys(ctx context.Context, ac *auth.Context) ([]*store.APIKeyRecord, error) {
	if err := requireWallet(ac); err != nil {
		return nil, err
	}
	recs, err := a.keys.List(ctx, ac.WalletAddress)
	if err != nil {
		return nil, &vault.Error{Kind: vault.KindOf(err), Message: "list api keys", Err: err}
	}
	return recs, nil
}

// RevokeKey deactivates one key by name.
func (a *API) RevokeKey(ctx context.Context, name string, ac *auth.Context) error {
	if err := requireWallet(ac); err != nil {
		return err
	}
	if name == "" {
		return &vault.Error{Kind: vault.KindValidation, Message: "key name is required"}
	}
	if err := a.keys.Revoke(ctx, ac.WalletAddress, name); err != nil {
		return &vault.Error{Kind: vault.KindOf(err), Message: "revoke api key", Err: err}
	}
	return nil
}

// UpdateKeyPermissions replaces one key's permission set.
func (a *API) UpdateKeyPermissions(ctx context.Context, name string, args KeyPermissionsArgs, ac *auth.Context) error {
	if err := a.check(args); err != nil {
		return err
	}
	if err := requireWallet(ac); err != nil {
		return err
	}
	if name == "" {
		return &vault.Error{Kind: vault.KindValidation, Message: "key name is required"}
	}
	if err := a.keys.UpdatePermissions(ctx, ac.WalletAddress, name, args.Permissions); err != nil {
		return &vault.Error{Kind: vault.KindOf(err), Message: "update api key permissions", Err: err}
	}
	return nil
}
