package conductor

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// StartupTimeout bounds how long each service may take to report ready.
func StartupTimeout(d time.Duration) func(*Conductor) {
	return func(c *Conductor) {
		c.startTimeout = d
	}
}

// ShutdownTimeout bounds how long Stop waits for services to finish.
func ShutdownTimeout(d time.Duration) func(*Conductor) {
	return func(c *Conductor) {
		c.stopTimeout = d
	}
}

// Noisy logs service start and stop through the global zap logger.
func Noisy() func(*Conductor) {
	return func(c *Conductor) {
		c.log = zap.L().Named("conductor")
	}
}

// HookSignals stops the conductor on SIGTERM or SIGINT.
func HookSignals() func(*Conductor) {
	return func(c *Conductor) {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		go func() {
			defer signal.Stop(sigCh)
			select {
			case sig := <-sigCh:
				c.log.Info("caught signal, shutting down", zap.Stringer("signal", sig))
				c.Stop()
			case <-c.shutdown:
			}
		}()
	}
}
