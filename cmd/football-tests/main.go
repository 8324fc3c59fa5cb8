// Command football-tests starts the football microservices and drives them
// with recorded seasons and acceptance scenarios.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sangdongvan/football-events/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli.Execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
