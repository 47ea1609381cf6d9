package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/cpmkit/cpm/cmd/cpm/cmd"
	cpmerrors "github.com/cpmkit/cpm/internal/errors"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	root := cmd.NewRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		cpmerrors.Format(os.Stderr, err)
		os.Exit(cpmerrors.ExitCode(err))
	}
}
