package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"steinline/internal/checkpoint"
)

func newCheckpointCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect or reset the reasoner checkpoint ledger",
	}
	cmd.AddCommand(newCheckpointShowCommand(ctx))
	cmd.AddCommand(newCheckpointClearCommand(ctx))
	return cmd
}

func newCheckpointShowCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the last saved checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			ledger := checkpoint.New(cfg.CheckpointPath())
			state, ok, err := ledger.Load()
			if err != nil {
				return fmt.Errorf("load checkpoint: %w", err)
			}
			out := cmd.OutOrStdout()
			if !ok {
				fmt.Fprintf(out, "No checkpoint at %s\n", ledger.Path())
				return nil
			}
			if jsonOut {
				return writeJSON(cmd, state)
			}
			rows := [][]string{
				{"Processed", humanize.Comma(state.Processed)},
				{"Total facts", humanize.Comma(state.TotalFacts)},
				{"Last fingerprint", state.LastFingerprint},
				{"Saved", fmt.Sprintf("%s (%s)", state.Timestamp.Local().Format("2006-01-02 15:04:05"), humanAge(state.Timestamp))},
				{"Run", state.RunID},
			}
			fmt.Fprintln(out, renderTable(ledger.Path(), []string{"Field", "Value"}, rows, nil))
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Emit the checkpoint as JSON")
	return cmd
}

func newCheckpointClearCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete the checkpoint ledger; the store is left untouched",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			ledger := checkpoint.New(cfg.CheckpointPath())
			if err := ledger.Clear(); err != nil {
				return fmt.Errorf("clear checkpoint: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cleared checkpoint %s\n", ledger.Path())
			return nil
		},
	}
}
