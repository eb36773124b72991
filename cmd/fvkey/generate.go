package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"

	"github.com/fusevault/fusevault/apikey"
)

var commandGenerate = &cli.Command{
	Name:      "generate",
	Usage:     "mint a new API key for a wallet",
	ArgsUsage: "<wallet-address>",
	Description: `
Mints a key string for the given wallet, signed with the provided secret.
The key is printed exactly once and cannot be reconstructed: only its hash
is ever stored server-side.`,
	Flags: []cli.Flag{
		secretFlag,
		&cli.BoolFlag{
			Name:  "quiet",
			Usage: "print only the key string",
		},
	},
	Action: generateKey,
}

func generateKey(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("usage: fvkey generate <wallet-address>")
	}
	secret, err := secretOrFail(ctx)
	if err != nil {
		return err
	}
	wallet := ctx.Args().First()

	key, err := apikey.Generate(secret, wallet)
	if err != nil {
		return err
	}
	if ctx.Bool("quiet") {
		fmt.Println(key)
		return nil
	}
	fmt.Println(key)
	color.New(color.FgYellow).Fprintln(color.Error,
		"store this key now: it is shown once and only its hash survives")
	return nil
}
