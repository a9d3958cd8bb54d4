package main

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"

	"steinline/internal/logging"
	"steinline/internal/telemetry"
)

const progressBucketPercent = 5

// printEvents renders hub events as status lines until events is closed.
// Progress is sampled per stage so long runs do not flood the terminal.
func printEvents(out io.Writer, events <-chan telemetry.Event, colorize bool) {
	samplers := make(map[string]*logging.ProgressSampler)
	for evt := range events {
		line, ok := renderEvent(evt, samplers, colorize)
		if ok {
			fmt.Fprintln(out, line)
		}
	}
}

func renderEvent(evt telemetry.Event, samplers map[string]*logging.ProgressSampler, colorize bool) (string, bool) {
	label := evt.Stage
	if label == "" {
		label = "pipeline"
	}
	switch evt.Kind {
	case telemetry.KindStatus:
		return renderStatusLine(label, statusInfo, evt.Message, colorize), true
	case telemetry.KindProgress:
		sampler, ok := samplers[evt.Stage]
		if !ok {
			sampler = logging.NewProgressSampler(progressBucketPercent)
			samplers[evt.Stage] = sampler
		}
		if !sampler.ShouldLog(int(evt.Processed), int(evt.Total)) {
			return "", false
		}
		return renderStatusLine(label, statusInfo, progressMessage(evt), colorize), true
	case telemetry.KindFacts:
		if len(evt.Facts) == 0 {
			return "", false
		}
		top := evt.Facts[0]
		msg := fmt.Sprintf("%d new facts; latest from %s: %s", len(evt.Facts), top.Filename, top.Summary)
		return renderStatusLine(label, statusOK, msg, colorize), true
	case telemetry.KindDone:
		return renderStatusLine(label, statusOK, evt.Message, colorize), true
	case telemetry.KindError:
		return renderStatusLine(label, statusError, evt.Message, colorize), true
	default:
		return "", false
	}
}

func progressMessage(evt telemetry.Event) string {
	if pct := evt.Percent(); pct >= 0 {
		return fmt.Sprintf("%s / %s (%.0f%%)", humanize.Comma(evt.Processed), humanize.Comma(evt.Total), pct)
	}
	return fmt.Sprintf("%s processed", humanize.Comma(evt.Processed))
}
