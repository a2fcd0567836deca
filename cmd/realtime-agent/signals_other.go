//go:build !unix

package main

import (
	"context"
	"os"
	"os/signal"

	"chat_realtime/internal/presence"

	"github.com/sirupsen/logrus"
)

// watchSignals only supports termination where SIGUSR1/2 do not exist.
func watchSignals(ctx context.Context, lifecycle *presence.ManualLifecycle, stop context.CancelFunc, logger *logrus.Logger) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	defer signal.Stop(sigs)

	select {
	case <-ctx.Done():
	case sig := <-sigs:
		logger.WithField("signal", sig.String()).Info("signal received")
		lifecycle.Set(presence.LifecycleTerminated)
		stop()
	}
}
