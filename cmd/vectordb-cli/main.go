// Command vectordb-cli manages indexes and entries on a vectordb server and
// runs an embedded demo.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error: "+formatCLIError(err))
		stop()
		os.Exit(1)
	}
}
