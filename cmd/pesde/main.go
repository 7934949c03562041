package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/Paficent/pesde/internal/cli"
	"github.com/Paficent/pesde/pkg/buildinfo"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cli.SetVersion(buildinfo.Version, buildinfo.Commit, buildinfo.Date)
	code := cli.ExecuteContext(ctx)
	if ctx.Err() != nil {
		code = 130 // standard shell convention for SIGINT
	}
	os.Exit(code)
}
