// fvkey is an offline FuseVault API key tool: it mints, inspects and
// attributes key strings without touching the daemon or its database. Keys
// minted here still need a matching record server-side before they validate.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/fusevault/fusevault/internal/flags"
)

// Git SHA1 commit hash of the release (set via linker flags)
var gitCommit = ""

var app = flags.NewApp(gitCommit, "a FuseVault API key tool")

var secretFlag = &cli.StringFlag{
	Name:  "secret",
	Usage: "HMAC signing secret (or set FUSEVAULT_API_KEY_SECRET)",
	EnvVars: []string{
		"FUSEVAULT_API_KEY_SECRET",
	},
}

func init() {
	app.Commands = []*cli.Command{
		commandGenerate,
		commandInspect,
		commandTag,
	}
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func secretOrFail(ctx *cli.Context) ([]byte, error) {
	s := ctx.String(secretFlag.Name)
	if s == "" {
		return nil, fmt.Errorf("no signing secret: pass --secret or set FUSEVAULT_API_KEY_SECRET")
	}
	return []byte(s), nil
}
