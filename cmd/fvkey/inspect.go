package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"

	"github.com/fusevault/fusevault/apikey"
)

var commandInspect = &cli.Command{
	Name:      "inspect",
	Usage:     "parse a key string and verify its signature",
	ArgsUsage: "<key>",
	Description: `
Decomposes a key string into its parts and, when a secret is provided,
verifies the HMAC signature against it.`,
	Flags:  []cli.Flag{secretFlag},
	Action: inspectKey,
}

func inspectKey(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("usage: fvkey inspect <key>")
	}
	raw := ctx.Args().First()

	p, err := apikey.Parse(raw)
	if err != nil {
		return err
	}

	signature := "not checked (no secret given)"
	if s := ctx.String(secretFlag.Name); s != "" {
		if _, err := apikey.Verify([]byte(s), raw); err != nil {
			if errors.Is(err, apikey.ErrBadSignature) {
				signature = color.RedString("INVALID")
			} else {
				return err
			}
		} else {
			signature = color.GreenString("valid")
		}
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Field", "Value"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.Append([]string{"Wallet tag", p.WalletTag})
	table.Append([]string{"Nonce", p.Nonce})
	table.Append([]string{"Signature", signature})
	table.Append([]string{"Storage hash", apikey.Hash(raw)})
	table.Render()
	return nil
}
