//go:build unix

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"steinline/internal/workflow"
)

// watchSignals turns the first SIGINT/SIGTERM into a cooperative stop and a
// second one into cancellation. SIGUSR1 toggles pause.
func watchSignals(mgr *workflow.Manager, cancel context.CancelFunc, out io.Writer) func() {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	done := make(chan struct{})
	go func() {
		stopping := false
		for {
			select {
			case <-done:
				return
			case sig := <-sigs:
				if sig == syscall.SIGUSR1 {
					if mgr.Toggle() {
						fmt.Fprintln(out, "Paused (send SIGUSR1 again to resume)")
					} else {
						fmt.Fprintln(out, "Resumed")
					}
					continue
				}
				if stopping {
					cancel()
					continue
				}
				stopping = true
				mgr.Stop()
				fmt.Fprintln(out, "Stopping after the current unit of work (signal again to abort)")
			}
		}
	}()
	return func() {
		signal.Stop(sigs)
		close(done)
	}
}
