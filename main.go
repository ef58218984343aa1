package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/docker/folderindex/cmd/root"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := root.Execute(ctx, os.Stdout, os.Stderr, os.Args[1:]...); err != nil {
		os.Exit(1)
	}
}
