// Command ogconnect drives a connector against a live peer. It is a
// diagnostic tool for checking that a peer runtime answers calls and pushes
// messages as expected.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/smnsjas/go-ogconnector/logging"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		logging.Logger().Error("fatal error", "err", err)
		cancel()
		os.Exit(1)
	}
}
