package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"steinline/internal/deps"
	"steinline/internal/preflight"
	"steinline/internal/store"
	"steinline/internal/workflow"
)

type statusReport struct {
	workflow.StatusSummary
	Checks  []preflight.Result
	Content *workflow.ContentDetail `json:",omitempty"`
}

const factSummaryWidth = 60

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var (
		jsonOut        bool
		checkInference bool
		fingerprint    string
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show store counts, backlog, checkpoint and dependency health",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := ctx.openRuntime(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer rt.Close()

			report := statusReport{
				StatusSummary: rt.manager.Status(cmd.Context()),
				Checks:        preflight.RunAll(cmd.Context(), rt.cfg, checkInference),
			}
			if fingerprint != "" {
				detail, err := rt.manager.Inspect(cmd.Context(), fingerprint)
				if err != nil {
					return err
				}
				report.Content = &detail
			}
			if jsonOut {
				return writeJSON(cmd, report)
			}
			out := cmd.OutOrStdout()
			renderStatus(out, report, ctx.configPath, shouldColorize(out))
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Emit the report as JSON")
	cmd.Flags().BoolVar(&checkInference, "check-inference", false, "Probe the inference endpoint")
	cmd.Flags().StringVar(&fingerprint, "fingerprint", "", "Show paths and facts recorded for one fingerprint")
	return cmd
}

func renderStatus(out io.Writer, report statusReport, configPath string, colorize bool) {
	for _, line := range renderSectionHeader("Pipeline", colorize) {
		fmt.Fprintln(out, line)
	}
	if configPath != "" {
		fmt.Fprintln(out, renderStatusLine("Config", statusInfo, configPath, colorize))
	}
	if report.LockHeld {
		fmt.Fprintln(out, renderStatusLine("Run lock", statusWarn, "held by an active run", colorize))
	} else {
		fmt.Fprintln(out, renderStatusLine("Run lock", statusOK, "free", colorize))
	}
	if report.LastError != "" {
		fmt.Fprintln(out, renderStatusLine("Last error", statusError, report.LastError, colorize))
	}
	if cp := report.Checkpoint; cp != nil {
		msg := fmt.Sprintf("%s files, %s facts, %s", humanize.Comma(cp.Processed), humanize.Comma(cp.TotalFacts),
			humanAge(cp.Timestamp))
		if cp.RunID != "" {
			msg += " (run " + cp.RunID + ")"
		}
		fmt.Fprintln(out, renderStatusLine("Checkpoint", statusInfo, msg, colorize))
	} else {
		fmt.Fprintln(out, renderStatusLine("Checkpoint", statusInfo, "none", colorize))
	}
	fmt.Fprintln(out)

	st := report.Stats
	rows := [][]string{
		{"Registered paths", humanize.Comma(st.RegistryRows)},
		{"Unique fingerprints", humanize.Comma(st.UniqueFingerprints)},
		{"Duplicate paths", humanize.Comma(st.DuplicatePaths)},
		{"Processed files", humanize.Comma(st.ProcessedFiles)},
		{"Facts", humanize.Comma(st.FactRows)},
		{"Placeholders", humanize.Comma(st.Placeholders)},
		{"Backlog", humanize.Comma(report.Backlog)},
	}
	fmt.Fprintln(out, renderTable("Content store", []string{"Metric", "Count"}, rows, []columnAlignment{alignLeft, alignRight}))
	fmt.Fprintln(out)

	if len(report.RecentFacts) > 0 {
		fmt.Fprintln(out, renderTable("Recent facts", []string{"File", "Category", "Severity", "Summary"},
			factRows(report.RecentFacts), []columnAlignment{alignLeft, alignLeft, alignRight, alignLeft}))
		fmt.Fprintln(out)
	}
	if c := report.Content; c != nil {
		renderContent(out, c)
	}

	if len(report.JournalModes) > 0 {
		schemas := make([]string, 0, len(report.JournalModes))
		for name := range report.JournalModes {
			schemas = append(schemas, name)
		}
		sort.Strings(schemas)
		parts := make([]string, 0, len(schemas))
		for _, name := range schemas {
			parts = append(parts, name+"="+report.JournalModes[name])
		}
		fmt.Fprintln(out, renderStatusLine("Journal", statusInfo, strings.Join(parts, ", "), colorize))
	}

	for _, line := range renderSectionHeader("Checks", colorize) {
		fmt.Fprintln(out, line)
	}
	for _, check := range report.Checks {
		kind := statusOK
		if !check.Passed {
			kind = statusError
		}
		fmt.Fprintln(out, renderStatusLine(check.Name, kind, check.Detail, colorize))
	}
	for _, dep := range report.Dependencies {
		fmt.Fprintln(out, dependencyLine(dep, colorize))
	}
}

func renderContent(out io.Writer, c *workflow.ContentDetail) {
	paths := make([][]string, 0, len(c.Entries))
	for _, e := range c.Entries {
		role := "duplicate"
		if e.IsPrimary {
			role = "primary"
		}
		paths = append(paths, []string{e.Path, role, humanize.IBytes(uint64(max(e.SizeBytes, 0))), humanAge(e.RegisteredAt)})
	}
	fmt.Fprintln(out, renderTable("Content "+c.Fingerprint, []string{"Path", "Role", "Size", "Registered"},
		paths, []columnAlignment{alignLeft, alignLeft, alignRight, alignLeft}))
	fmt.Fprintln(out)
	if len(c.Facts) == 0 {
		fmt.Fprintln(out, "No intelligence recorded for this content yet.")
		fmt.Fprintln(out)
		return
	}
	fmt.Fprintln(out, renderTable("Facts", []string{"File", "Category", "Severity", "Summary"},
		factRows(c.Facts), []columnAlignment{alignLeft, alignLeft, alignRight, alignLeft}))
	fmt.Fprintln(out)
}

func factRows(facts []store.FactRecord) [][]string {
	rows := make([][]string, 0, len(facts))
	for _, f := range facts {
		rows = append(rows, []string{
			f.Filename,
			f.Category,
			fmt.Sprintf("%d", f.SeverityScore),
			truncate(f.FactSummary, factSummaryWidth),
		})
	}
	return rows
}

// truncate shortens s to at most width runes, marking the cut with an ellipsis.
func truncate(s string, width int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= width {
		return s
	}
	return string(runes[:width-1]) + "…"
}

func dependencyLine(dep deps.Status, colorize bool) string {
	if dep.Available {
		return renderStatusLine(dep.Name, statusOK, dep.Command, colorize)
	}
	kind := statusError
	if dep.Optional {
		kind = statusWarn
	}
	detail := dep.Detail
	if dep.Description != "" {
		detail = fmt.Sprintf("%s; %s", detail, strings.ToLower(dep.Description[:1])+dep.Description[1:])
	}
	return renderStatusLine(dep.Name, kind, detail, colorize)
}

// humanAge renders how long ago t was, or "never" for the zero time.
func humanAge(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.Time(t)
}
