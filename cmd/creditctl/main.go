package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"soundswap/internal/cli"
)

func main() {
	root, cleanup := cli.NewRootCommand(cli.OpenDatabase)
	err := root.ExecuteContext(context.Background())
	cleanup()
	if err != nil {
		fmt.Fprintln(os.Stderr, "creditctl:", err)
		if errors.Is(err, cli.ErrLedgerMismatch) {
			os.Exit(3)
		}
		os.Exit(1)
	}
}
