package node

import (
	"path/filepath"
	"time"

	"github.com/fusevault/fusevault/apikey"
	"github.com/fusevault/fusevault/auth"
	"github.com/fusevault/fusevault/chain"
	"github.com/fusevault/fusevault/ipfs"
	"github.com/fusevault/fusevault/metrics"
	"github.com/fusevault/fusevault/params"
	"github.com/fusevault/fusevault/pending"
	"github.com/fusevault/fusevault/store"
)

// HTTPConfig configures the API server.
type HTTPConfig struct {
	// Addr is the listen address.
	Addr string `toml:",omitempty"`

	// CORSOrigins are the allowed cross-origin hosts. Empty disables CORS.
	CORSOrigins []string `toml:",omitempty"`

	ReadTimeout  time.Duration `toml:",omitempty"`
	WriteTimeout time.Duration `toml:",omitempty"`
	IdleTimeout  time.Duration `toml:",omitempty"`

	// ShutdownTimeout bounds the graceful drain on Stop.
	ShutdownTimeout time.Duration `toml:",omitempty"`
}

// DelegationConfig configures the on-chain delegation mirror.
type DelegationConfig struct {
	// SweepInterval is the spacing between background event sweeps. Zero
	// disables the sweeper; Check still queries the chain live.
	SweepInterval time.Duration `toml:",omitempty"`

	// SweepBatch is the block span of one sweep query.
	SweepBatch uint64 `toml:",omitempty"`
}

// Config is the top-level node configuration, one section per subsystem.
type Config struct {
	// DataDir holds node-local state, currently the delegation mirror.
	DataDir string `toml:",omitempty"`

	HTTP       HTTPConfig       `toml:",omitempty"`
	Chain      chain.Config     `toml:",omitempty"`
	Store      store.Config     `toml:",omitempty"`
	Redis      pending.Config   `toml:",omitempty"`
	IPFS       ipfs.Config      `toml:",omitempty"`
	APIKeys    apikey.Config    `toml:",omitempty"`
	Auth       auth.Config      `toml:",omitempty"`
	Metrics    metrics.Config   `toml:",omitempty"`
	Delegation DelegationConfig `toml:",omitempty"`
}

// DefaultConfig is the node's default configuration.
var DefaultConfig = Config{
	DataDir: "fusevault-data",
	HTTP: HTTPConfig{
		Addr:            "127.0.0.1:8555",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    90 * time.Second,
		IdleTimeout:     2 * time.Minute,
		ShutdownTimeout: 15 * time.Second,
	},
	Chain:   chain.DefaultConfig,
	Store:   store.DefaultConfig,
	Redis:   pending.DefaultConfig,
	IPFS:    ipfs.DefaultConfig,
	APIKeys: apikey.DefaultConfig,
	Metrics: metrics.DefaultConfig,
	Delegation: DelegationConfig{
		SweepInterval: params.DelegateSweepInterval,
		SweepBatch:    params.EventScanBatch,
	},
}

// registryPath is where the delegation mirror lives under DataDir.
func (c *Config) registryPath() string {
	if c.DataDir == "" {
		return ""
	}
	return filepath.Join(c.DataDir, "delegation")
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.HTTP.Addr == "" {
		out.HTTP.Addr = DefaultConfig.HTTP.Addr
	}
	if out.HTTP.ReadTimeout <= 0 {
		out.HTTP.ReadTimeout = DefaultConfig.HTTP.ReadTimeout
	}
	if out.HTTP.WriteTimeout <= 0 {
		out.HTTP.WriteTimeout = DefaultConfig.HTTP.WriteTimeout
	}
	if out.HTTP.IdleTimeout <= 0 {
		out.HTTP.IdleTimeout = DefaultConfig.HTTP.IdleTimeout
	}
	if out.HTTP.ShutdownTimeout <= 0 {
		out.HTTP.ShutdownTimeout = DefaultConfig.HTTP.ShutdownTimeout
	}
	if out.Redis.Addr == "" {
		out.Redis.Addr = DefaultConfig.Redis.Addr
	}
	if out.Delegation.SweepBatch == 0 {
		out.Delegation.SweepBatch = DefaultConfig.Delegation.SweepBatch
	}
	return out
}
