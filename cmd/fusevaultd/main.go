// fusevaultd is the FuseVault daemon: the metadata registry API over
// Postgres, Redis, IPFS and the registry contract.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/fusevault/fusevault/internal/flags"
	"github.com/fusevault/fusevault/node"
)

// Git SHA1 commit hash of the release (set via linker flags)
var gitCommit = ""

var app = flags.NewApp(gitCommit, "the FuseVault metadata registry daemon")

var (
	configFileFlag = &cli.StringFlag{
		Name:     "config",
		Usage:    "TOML configuration file",
		Category: flags.MiscCategory,
	}
	dataDirFlag = &cli.StringFlag{
		Name:     "datadir",
		Usage:    "Directory for node-local state (delegation mirror)",
		Category: flags.MiscCategory,
	}

	httpAddrFlag = &cli.StringFlag{
		Name:     "http.addr",
		Usage:    "API server listen address",
		Category: flags.APICategory,
	}
	httpCORSFlag = &cli.StringSliceFlag{
		Name:     "http.corsdomain",
		Usage:    "Comma separated list of origins allowed for cross-origin requests",
		Category: flags.APICategory,
	}

	chainRPCFlag = &cli.StringFlag{
		Name:     "chain.rpc",
		Usage:    "Ethereum JSON-RPC endpoint",
		Category: flags.ChainCategory,
	}
	chainContractFlag = &cli.StringFlag{
		Name:     "chain.contract",
		Usage:    "Registry contract address",
		Category: flags.ChainCategory,
	}
	chainKeystoreFlag = &cli.StringFlag{
		Name:     "chain.keystore",
		Usage:    "Encrypted keystore file holding the server wallet",
		Category: flags.ChainCategory,
	}
	chainKeyPasswordFlag = &cli.StringFlag{
		Name:     "chain.keystore.password",
		Usage:    "Password for the server wallet keystore",
		Category: flags.ChainCategory,
	}

	dbDSNFlag = &cli.StringFlag{
		Name:     "db.dsn",
		Usage:    "Postgres connection string",
		Category: flags.StoreCategory,
	}
	dbNoMigrateFlag = &cli.BoolFlag{
		Name:     "db.nomigrate",
		Usage:    "Skip applying the schema on startup",
		Category: flags.StoreCategory,
	}

	redisAddrFlag = &cli.StringFlag{
		Name:     "redis.addr",
		Usage:    "Redis address for pending transactions and rate limiting",
		Category: flags.RedisCategory,
	}
	redisPasswordFlag = &cli.StringFlag{
		Name:     "redis.password",
		Usage:    "Redis password",
		Category: flags.RedisCategory,
	}

	ipfsAPIFlag = &cli.StringFlag{
		Name:     "ipfs.api",
		Usage:    "Content store API endpoint",
		Category: flags.IPFSCategory,
	}
	ipfsTokenFlag = &cli.StringFlag{
		Name:     "ipfs.token",
		Usage:    "Content store API token",
		Category: flags.IPFSCategory,
	}

	sessionSecretFlag = &cli.StringFlag{
		Name:     "auth.sessionsecret",
		Usage:    "HS256 secret validating wallet session tokens",
		Category: flags.AuthCategory,
	}
	apiKeysEnabledFlag = &cli.BoolFlag{
		Name:     "auth.apikeys",
		Usage:    "Enable API-key authentication",
		Category: flags.AuthCategory,
	}
	apiKeySecretFlag = &cli.StringFlag{
		Name:     "auth.apikeysecret",
		Usage:    "HMAC secret signing API keys",
		Category: flags.AuthCategory,
	}

	metricsDisabledFlag = &cli.BoolFlag{
		Name:     "metrics.disable",
		Usage:    "Disable the Prometheus endpoint",
		Category: flags.MetricsCategory,
	}

	logJSONFlag = &cli.BoolFlag{
		Name:     "log.json",
		Usage:    "Emit logs as JSON",
		Category: flags.LoggingCategory,
	}
	logDebugFlag = &cli.BoolFlag{
		Name:     "log.debug",
		Usage:    "Lower the log level to debug",
		Category: flags.LoggingCategory,
	}
)

func init() {
	app.Action = run
	app.Flags = []cli.Flag{
		configFileFlag, dataDirFlag,
		httpAddrFlag, httpCORSFlag,
		chainRPCFlag, chainContractFlag, chainKeystoreFlag, chainKeyPasswordFlag,
		dbDSNFlag, dbNoMigrateFlag,
		redisAddrFlag, redisPasswordFlag,
		ipfsAPIFlag, ipfsTokenFlag,
		sessionSecretFlag, apiKeysEnabledFlag, apiKeySecretFlag,
		metricsDisabledFlag,
		logJSONFlag, logDebugFlag,
	}
	app.Commands = []*cli.Command{dumpConfigCommand}
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(ctx *cli.Context) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if !ctx.Bool(logJSONFlag.Name) {
		cfg.Encoding = "console"
	}
	if ctx.Bool(logDebugFlag.Name) {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}

func run(ctx *cli.Context) error {
	log, err := newLogger(ctx)
	if err != nil {
		return err
	}
	defer log.Sync()

	cfg, err := buildConfig(ctx)
	if err != nil {
		return err
	}

	n, err := node.New(ctx.Context, cfg, log)
	if err != nil {
		return err
	}
	if err := n.Start(); err != nil {
		n.Stop()
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Info("shutting down", zap.String("signal", s.String()))
	return n.Stop()
}
