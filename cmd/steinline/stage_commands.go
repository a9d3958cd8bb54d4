package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"steinline/internal/workflow"
)

const eventSubscriberBuffer = 256

func newStageCommands(ctx *commandContext) []*cobra.Command {
	return []*cobra.Command{
		{
			Use:   "scan",
			Short: "Fingerprint every unregistered file under the source root",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runStage(cmd, ctx, workflow.ModeScan)
			},
		},
		{
			Use:   "reason",
			Short: "Extract intelligence from registered files until the backlog is empty",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runStage(cmd, ctx, workflow.ModeReason)
			},
		},
		{
			Use:   "run",
			Short: "Scan and reason concurrently",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runStage(cmd, ctx, workflow.ModeRun)
			},
		},
	}
}

func runStage(cmd *cobra.Command, ctx *commandContext, mode string) error {
	rt, err := ctx.openRuntime(cmd.Context(), true)
	if err != nil {
		return err
	}
	defer rt.Close()

	out := cmd.OutOrStdout()
	colorize := shouldColorize(out)

	runCtx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	printerCtx, stopPrinter := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		printEvents(out, rt.hub.Subscribe(printerCtx, eventSubscriberBuffer), colorize)
	}()

	stopSignals := watchSignals(rt.manager, cancel, out)
	defer stopSignals()

	var sum workflow.Summary
	switch mode {
	case workflow.ModeScan:
		sum, err = rt.manager.Scan(runCtx)
	case workflow.ModeReason:
		sum, err = rt.manager.Reason(runCtx)
	default:
		sum, err = rt.manager.Run(runCtx)
	}

	stopPrinter()
	wg.Wait()

	printSummary(out, sum, colorize)
	return err
}

func printSummary(out io.Writer, sum workflow.Summary, colorize bool) {
	for _, line := range renderSectionHeader("Summary", colorize) {
		fmt.Fprintln(out, line)
	}
	if sum.RunID != "" {
		fmt.Fprintln(out, renderStatusLine("Run", statusInfo, sum.RunID, colorize))
	}
	if s := sum.Scan; s != nil {
		msg := fmt.Sprintf("%s new, %s registered, %s failed, %s already known (%s)",
			humanize.Comma(s.Discovered), humanize.Comma(s.Registered),
			humanize.Comma(s.Failed), humanize.Comma(s.Skipped), s.State)
		kind := statusOK
		if s.Failed > 0 {
			kind = statusWarn
		}
		fmt.Fprintln(out, renderStatusLine("Scanner", kind, msg, colorize))
	}
	if r := sum.Reason; r != nil {
		msg := fmt.Sprintf("%s files, %s facts, %s placeholders, %s dropped (%s, chunk %d)",
			humanize.Comma(r.Processed), humanize.Comma(r.Facts),
			humanize.Comma(r.Placeholders), humanize.Comma(r.Dropped), r.State, r.ChunkSize)
		kind := statusOK
		if r.Dropped > 0 || r.Abandoned > 0 {
			kind = statusWarn
		}
		fmt.Fprintln(out, renderStatusLine("Reasoner", kind, msg, colorize))
	}
	if sum.Duration > 0 {
		fmt.Fprintln(out, renderStatusLine("Duration", statusInfo, sum.Duration.Round(time.Second).String(), colorize))
	}
}
