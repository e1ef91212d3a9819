//go:build windows

package cmd

// notifySessionBoundary is a no-op on Windows, which has no SIGUSR1; sessions
// close on the timer only.
func notifySessionBoundary(endSession func()) (stop func()) {
	return func() {}
}
