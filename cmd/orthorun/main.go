// orthorun runs alignment and orthology job plans.
package main

import (
	"context"
	"log/slog"
	"orthorun/internal/cli"
	"os"
)

func main() {
	if err := run(); err != nil {
		slog.Error("orthorun failed", "error", err)
		os.Exit(cli.ExitCode(err))
	}
}

func run() error {
	return cli.NewRootCommand().ExecuteContext(context.Background())
}
