// Package shutdown wires OS signals to a graceful-shutdown channel.
package shutdown

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// CreateGracefulShutdownChannel returns a channel that receives SIGINT/SIGTERM.
func CreateGracefulShutdownChannel() chan os.Signal {
	gracefulShutdown := make(chan os.Signal, 1)
	signal.Notify(gracefulShutdown, syscall.SIGINT, syscall.SIGTERM)
	return gracefulShutdown
}

// ListenForShutdown blocks until a signal arrives, invokes the shutdown
// callback, then waits for the grace period before returning.
func ListenForShutdown(
	gracefulShutdown chan os.Signal,
	done chan bool,
	shutdownFunc func(),
	gracePeriod time.Duration,
	l *zap.Logger,
) {
	go func() {
		<-gracefulShutdown
		l.Sugar().Infow("Received shutdown signal")

		shutdownFunc()

		time.Sleep(gracePeriod)
		done <- true
	}()
	<-done
}
