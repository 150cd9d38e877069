// Command annbench runs vector search benchmarks and queries their catalog.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hupe1980/annbench"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(exitCode(err))
	}
}

// exitCode maps an error category onto a process exit status.
func exitCode(err error) int {
	switch {
	case errors.Is(err, context.Canceled):
		return 130
	case errors.Is(err, annbench.ErrConfig),
		errors.Is(err, annbench.ErrGroundTruthDepth),
		errors.Is(err, annbench.ErrInputMissing):
		return 2
	case errors.Is(err, annbench.ErrDataIntegrity),
		errors.Is(err, annbench.ErrOutOfBounds):
		return 3
	default:
		return 1
	}
}
