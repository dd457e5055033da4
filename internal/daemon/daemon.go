// Package daemon is the process entry point: it sets the process title,
// installs signal handling and runs the router until shutdown.
package daemon

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/erikdubbelboer/gspt"

	"github.com/Biometria-se/grizzly-sub007/internal/pkg/event"
	"github.com/Biometria-se/grizzly-sub007/internal/pkg/logger"
	"github.com/Biometria-se/grizzly-sub007/internal/router"
)

// ProcessTitle is what the daemon shows up as in the process table.
const ProcessTitle = "grizzly-async-messaged"

// Run starts the router on the given bind address and blocks until a
// termination signal arrives or the router fails. The returned code is
// the intended process exit code.
func Run(ctx context.Context, bind string) int {
	gspt.SetProcTitle(ProcessTitle)

	abort := event.New()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)

	go func() {
		sig := <-signals
		logger.Info("received signal, shutting down", "signal", sig.String())
		abort.Set()
	}()

	r := router.New(bind, abort)

	if err := r.Run(ctx); err != nil {
		logger.Error("router failed", "error", err)
		abort.Set()
		return 1
	}

	logger.Info("daemon stopped")

	return 0
}
