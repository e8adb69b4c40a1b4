// Command supplycore manages supply lots against a supply-chain ledger.
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"supplycore/internal/cli"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	cmd := cli.NewRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(stderr, "supplycore:", err)
		return 1
	}
	return 0
}
