package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/fusevault/fusevault/apikey"
)

var commandTag = &cli.Command{
	Name:      "tag",
	Usage:     "print the wallet tag embedded in keys of an address",
	ArgsUsage: "<wallet-address>",
	Description: `
Prints the 8-character tag keys of this wallet carry, useful for matching a
leaked or logged key string back to its wallet.`,
	Action: tagWallet,
}

func tagWallet(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("usage: fvkey tag <wallet-address>")
	}
	tag, err := apikey.WalletTag(ctx.Args().First())
	if err != nil {
		return err
	}
	fmt.Println(tag)
	return nil
}
