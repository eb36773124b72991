package main

import (
	"errors"
	"fmt"
	"os"
	"reflect"

	"github.com/naoina/toml"
	"github.com/urfave/cli/v2"

	"github.com/fusevault/fusevault/node"
)

// These settings ensure that TOML keys use the same names as Go struct
// fields.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string {
		return key
	},
	FieldToKey: func(rt reflect.Type, field string) string {
		return field
	},
	MissingField: func(rt reflect.Type, field string) error {
		return fmt.Errorf("field '%s' is not defined in %s", field, rt.String())
	},
}

var dumpConfigCommand = &cli.Command{
	Action:      dumpConfig,
	Name:        "dumpconfig",
	Usage:       "Print the effective configuration as TOML",
	Description: "Merges defaults, config file and flags, then writes the result to stdout.",
}

func loadConfigFile(path string, cfg *node.Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	err = tomlSettings.NewDecoder(f).Decode(cfg)
	// Add file name to errors that have a line number.
	var line *toml.LineError
	if errors.As(err, &line) {
		err = errors.New(path + ", " + err.Error())
	}
	return err
}

// buildConfig layers defaults, the config file and command line flags, in
// that order.
func buildConfig(ctx *cli.Context) (node.Config, error) {
	cfg := node.DefaultConfig
	if path := ctx.String(configFileFlag.Name); path != "" {
		if err := loadConfigFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	applyFlags(ctx, &cfg)
	return cfg, nil
}

func applyFlags(ctx *cli.Context, cfg *node.Config) {
	if ctx.IsSet(dataDirFlag.Name) {
		cfg.DataDir = ctx.String(dataDirFlag.Name)
	}
	if ctx.IsSet(httpAddrFlag.Name) {
		cfg.HTTP.Addr = ctx.String(httpAddrFlag.Name)
	}
	if ctx.IsSet(httpCORSFlag.Name) {
		cfg.HTTP.CORSOrigins = ctx.StringSlice(httpCORSFlag.Name)
	}
	if ctx.IsSet(chainRPCFlag.Name) {
		cfg.Chain.RPCURL = ctx.String(chainRPCFlag.Name)
	}
	if ctx.IsSet(chainContractFlag.Name) {
		cfg.Chain.ContractAddress = ctx.String(chainContractFlag.Name)
	}
	if ctx.IsSet(chainKeystoreFlag.Name) {
		cfg.Chain.KeystoreFile = ctx.String(chainKeystoreFlag.Name)
	}
	if ctx.IsSet(chainKeyPasswordFlag.Name) {
		cfg.Chain.KeystorePassword = ctx.String(chainKeyPasswordFlag.Name)
	}
	if ctx.IsSet(dbDSNFlag.Name) {
		cfg.Store.DSN = ctx.String(dbDSNFlag.Name)
	}
	if ctx.IsSet(dbNoMigrateFlag.Name) {
		cfg.Store.Migrate = !ctx.Bool(dbNoMigrateFlag.Name)
	}
	if ctx.IsSet(redisAddrFlag.Name) {
		cfg.Redis.Addr = ctx.String(redisAddrFlag.Name)
	}
	if ctx.IsSet(redisPasswordFlag.Name) {
		cfg.Redis.Password = ctx.String(redisPasswordFlag.Name)
	}
	if ctx.IsSet(ipfsAPIFlag.Name) {
		cfg.IPFS.APIURL = ctx.String(ipfsAPIFlag.Name)
	}
	if ctx.IsSet(ipfsTokenFlag.Name) {
		cfg.IPFS.APIToken = ctx.String(ipfsTokenFlag.Name)
	}
	if ctx.IsSet(sessionSecretFlag.Name) {
		cfg.Auth.SessionSecret = ctx.String(sessionSecretFlag.Name)
	}
	if ctx.IsSet(apiKeysEnabledFlag.Name) {
		enabled := ctx.Bool(apiKeysEnabledFlag.Name)
		cfg.APIKeys.Enabled = enabled
		cfg.Auth.APIKeysEnabled = enabled
	}
	if ctx.IsSet(apiKeySecretFlag.Name) {
		cfg.APIKeys.Secret = ctx.String(apiKeySecretFlag.Name)
	}
	if ctx.IsSet(metricsDisabledFlag.Name) {
		cfg.Metrics.Enabled = !ctx.Bool(metricsDisabledFlag.Name)
	}
}

// dumpConfig prints the merged configuration, secrets included, so it only
// goes to stdout on explicit request.
func dumpConfig(ctx *cli.Context) error {
	cfg, err := buildConfig(ctx)
	if err != nil {
		return err
	}
	out, err := tomlSettings.Marshal(&cfg)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(out)
	return err
}
