package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/infobloxopen/sheets-etl/command"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := command.Execute(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}
