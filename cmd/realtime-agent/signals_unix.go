//go:build unix

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"chat_realtime/internal/presence"

	"github.com/sirupsen/logrus"
)

// watchSignals maps process signals onto the app lifecycle: SIGUSR1 pauses,
// SIGUSR2 resumes, SIGINT and SIGTERM terminate and stop the process.
func watchSignals(ctx context.Context, lifecycle *presence.ManualLifecycle, stop context.CancelFunc, logger *logrus.Logger) {
	sigs := make(chan os.Signal, 4)
	signal.Notify(sigs, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigs:
			logger.WithField("signal", sig.String()).Info("signal received")
			switch sig {
			case syscall.SIGUSR1:
				lifecycle.Set(presence.LifecyclePaused)
			case syscall.SIGUSR2:
				lifecycle.Set(presence.LifecycleResumed)
			default:
				lifecycle.Set(presence.LifecycleTerminated)
				stop()
				return
			}
		}
	}
}
