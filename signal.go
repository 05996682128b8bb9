package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// shutdownContext returns a context canceled by the first SIGINT or SIGTERM.
// Long-running commands (put --watch, status --watch) finish the request in
// flight and return. The signal handler is then released, so a second signal
// gets the default disposition and kills the process if it hangs.
//
// The returned cancel func releases the handler without logging an
// interruption.
func shutdownContext(parent context.Context, logger *slog.Logger) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)

	released := make(chan struct{})

	var once sync.Once

	release := func() {
		once.Do(func() { close(released) })
		stop()
	}

	go func() {
		<-ctx.Done()

		select {
		case <-released:
			return
		default:
		}

		if parent.Err() == nil {
			logger.Info("interrupted, stopping after the current request (interrupt again to force exit)")
		}

		stop()
	}()

	return ctx, release
}
