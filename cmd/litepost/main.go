// Package main is the litepost command: the live-blog notification server and its
// operator tooling.
//
// Start the server:
//
//	litepost serve --config litepost.yaml
//
// Apply migrations without serving:
//
//	litepost migrate
//
// Every setting can also come from LITEPOST_* environment variables or a .env file.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
