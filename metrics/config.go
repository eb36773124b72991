package metrics

// Config contains the configuration for metric collection.
type Config struct {
	Enabled bool `toml:",omitempty"`

	// Path is where the Prometheus handler is mounted on the API server.
	Path string `toml:",omitempty"`
}

// DefaultConfig is the default config for metrics used in FuseVault.
var DefaultConfig = Config{
	Enabled: true,
	Path:    "/metrics",
}
