package chain

import (
	"time"

	"github.com/fusevault/fusevault/params"
)

// Config configures the registry contract client.
type Config struct {
	// RPCURL is the Ethereum JSON-RPC endpoint.
	RPCURL string `toml:",omitempty"`

	// ContractAddress is the deployed registry contract.
	ContractAddress string `toml:",omitempty"`

	// ServerKeyHex is the server wallet's private key as hex. Optional; when
	// absent (and no keystore is given) the client is read/build-only and
	// server-signed execution returns ErrNoSigner.
	ServerKeyHex string `toml:",omitempty"`

	// KeystoreFile and KeystorePassword load the server wallet from an
	// encrypted keystore JSON file instead of a raw hex key.
	KeystoreFile     string `toml:",omitempty"`
	KeystorePassword string `toml:",omitempty"`

	// CallTimeout bounds read-only contract calls.
	CallTimeout time.Duration `toml:",omitempty"`

	// ReceiptTimeout bounds waiting for a transaction receipt.
	ReceiptTimeout time.Duration `toml:",omitempty"`

	// EventScanWindow is how many blocks back event recovery will look.
	EventScanWindow uint64 `toml:",omitempty"`

	// EventScanBatch is the block span of one getLogs query.
	EventScanBatch uint64 `toml:",omitempty"`
}

// DefaultConfig holds the defaults for the chain client.
var DefaultConfig = Config{
	RPCURL:          "http://127.0.0.1:8545",
	CallTimeout:     params.ChainCallTimeout,
	ReceiptTimeout:  params.ChainReceiptTimeout,
	EventScanWindow: params.EventScanWindow,
	EventScanBatch:  params.EventScanBatch,
}

func (cfg *Config) withDefaults() Config {
	out := *cfg
	if out.RPCURL == "" {
		out.RPCURL = DefaultConfig.RPCURL
	}
	if out.CallTimeout <= 0 {
		out.CallTimeout = DefaultConfig.CallTimeout
	}
	if out.ReceiptTimeout <= 0 {
		out.ReceiptTimeout = DefaultConfig.ReceiptTimeout
	}
	if out.EventScanWindow == 0 {
		out.EventScanWindow = DefaultConfig.EventScanWindow
	}
	if out.EventScanBatch == 0 {
		out.EventScanBatch = DefaultConfig.EventScanBatch
	}
	return out
}
