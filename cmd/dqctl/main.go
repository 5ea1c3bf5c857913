package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"dq-rule-engine/internal/app"
	"dq-rule-engine/internal/cli"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli.Execute(ctx, os.Args[1:], os.Stdout, os.Stderr, app.Open)
	cancel()
	os.Exit(code)
}
