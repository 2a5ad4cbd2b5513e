package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/tokligence/tokligence-credits/internal/version"
)

func main() {
	if err := newApp(os.Stdout).Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "creditsctl:", err)
		os.Exit(1)
	}
}

// newApp builds the command tree; results are written to out as JSON.
func newApp(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:    "creditsctl",
		Usage:   "administer the Tokligence credit ledger",
		Version: version.FullInfo(),
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "root", Value: ".", Usage: "directory holding .env and config/"},
		},
		Commands: []*cli.Command{
			initCommand(out),
			balanceCommand(out),
			grantCommand(out),
			entitleCommand(out),
			historyCommand(out),
			exemptCommand(out),
			tokenCommand(out),
		},
	}
}
