//go:build !unix

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"

	"steinline/internal/workflow"
)

func watchSignals(mgr *workflow.Manager, cancel context.CancelFunc, out io.Writer) func() {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt)
	done := make(chan struct{})
	go func() {
		stopping := false
		for {
			select {
			case <-done:
				return
			case <-sigs:
				if stopping {
					cancel()
					continue
				}
				stopping = true
				mgr.Stop()
				fmt.Fprintln(out, "Stopping after the current unit of work (interrupt again to abort)")
			}
		}
	}()
	return func() {
		signal.Stop(sigs)
		close(done)
	}
}
