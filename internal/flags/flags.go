// Package flags holds shared CLI plumbing for the fusevault binaries.
package flags

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/fusevault/fusevault/params"
)

// Flag categories, grouped the way --help renders them.
const (
	ChainCategory   = "CHAIN"
	StoreCategory   = "DATABASE"
	RedisCategory   = "REDIS"
	IPFSCategory    = "IPFS"
	APICategory     = "API SERVER"
	AuthCategory    = "AUTHENTICATION"
	LoggingCategory = "LOGGING"
	MetricsCategory = "METRICS"
	MiscCategory    = "MISC"
)

func init() {
	cli.HelpFlag.(*cli.BoolFlag).Category = MiscCategory
	cli.VersionFlag.(*cli.BoolFlag).Category = MiscCategory
}

// NewApp creates a cli app with the fusevault version and sane defaults.
func NewApp(gitCommit, usage string) *cli.App {
	app := cli.NewApp()
	app.Name = filepath.Base(os.Args[0])
	app.Version = version(gitCommit)
	app.Usage = usage
	app.EnableBashCompletion = true
	return app
}

func version(gitCommit string) string {
	v := params.Version
	if len(gitCommit) >= 8 {
		v += "-" + gitCommit[:8]
	}
	return v
}
