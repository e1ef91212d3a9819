//go:build !windows

package cmd

import (
	"os"
	"os/signal"
	"syscall"
)

// notifySessionBoundary calls endSession on every SIGUSR1 until stop is called.
func notifySessionBoundary(endSession func()) (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ch:
				endSession()
			case <-done:
				return
			}
		}
	}()
	return func() {
		signal.Stop(ch)
		close(done)
	}
}
