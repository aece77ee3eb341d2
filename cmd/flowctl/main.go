package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/skupperproject/flowcache/internal/cmd/flowctl"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := flowctl.NewRootCommand(&flowctl.Globals{})
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
