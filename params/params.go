// Package params holds the protocol constants shared across the FuseVault
// subsystems: API-key grammar, pending-transaction TTLs, batch limits and
// outbound call budgets. Values here are defaults; most are overridable via
// node configuration.
package params

import "time"

// API-key grammar. Keys have the external form
//
//	fv.v1.{wallet_tag8}.{nonce_b64url}.{sig_b64url}
//
// and are validated structurally before any cryptographic work happens.
const (
	// APIKeyPrefix is the fixed scheme tag of every issued key.
	APIKeyPrefix = "fv"

	// APIKeyVersion is the grammar version; bump on incompatible changes.
	APIKeyVersion = "v1"

	// APIKeyWalletTagLen is the number of trailing address hex chars
	// embedded in the key for operator-facing attribution.
	APIKeyWalletTagLen = 8

	// APIKeyNonceBytes is the size of the random nonce component.
	APIKeyNonceBytes = 16

	// APIKeySigBytes is the truncated HMAC-SHA256 length (240 bits).
	APIKeySigBytes = 30
)

// API-key issuance and throttling defaults.
const (
	// DefaultMaxKeysPerWallet caps active keys a single wallet may hold.
	DefaultMaxKeysPerWallet = 10

	// DefaultRateLimitPerMinute is the per-wallet request budget shared by
	// every key the wallet owns. The bucket is a one-minute window.
	DefaultRateLimitPerMinute = 100

	// RateLimitBucketTTL is how long a minute-bucket counter survives in the
	// limiter backend. Two minutes covers clock skew between bucket rollover
	// and counter expiry.
	RateLimitBucketTTL = 2 * time.Minute
)

// Pending-transaction coordination.
const (
	// PendingTxKeyPrefix namespaces coordinator keys in the TTL store.
	PendingTxKeyPrefix = "pending_tx"

	// DefaultPendingTxTTL is the signature window granted to a user before
	// an unsigned transaction intent expires.
	DefaultPendingTxTTL = 300 * time.Second
)

// Upload and delete orchestration.
const (
	// MaxBatchSize bounds batch upload/delete requests and the concurrent
	// IPFS worker pool that serves them.
	MaxBatchSize = 50

	// GasEstimateMarginPercent is added on top of eth_estimateGas results
	// for user-signed transactions.
	GasEstimateMarginPercent = 25
)

// Outbound call budgets.
const (
	// ChainCallTimeout bounds read-only contract calls.
	ChainCallTimeout = 10 * time.Second

	// ChainReceiptTimeout bounds waiting for a transaction receipt.
	ChainReceiptTimeout = 120 * time.Second

	// ContentStoreTimeout bounds content-store HTTP round trips. IPFS
	// pinning gateways are slow on first upload, hence the generous budget.
	ContentStoreTimeout = 90 * time.Second
)

// Event recovery.
const (
	// EventScanWindow is how far back RecoverFromEvents looks for anchoring
	// events before giving up. Recovery only needs recent history: anything
	// older has a DB-resident transaction hash that decodes cleanly.
	EventScanWindow = uint64(10_000)

	// EventScanBatch is the block span of a single getLogs call.
	EventScanBatch = uint64(1_000)

	// DelegateSweepInterval is how often the delegation sweeper polls for
	// new DelegateStatusChanged logs.
	DelegateSweepInterval = 30 * time.Second
)

// Version is the FuseVault release version reported by the daemon.
const Version = "1.2.0"
