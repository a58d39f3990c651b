package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jhurlocker/s3ui"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer cancel()
	var cli s3ui.CLI
	os.Exit(cli.Run(ctx))
}
