package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/openmined/dirsync/internal/history"
	"github.com/openmined/dirsync/internal/utils"
)

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history [pass-id]",
		Short: "Show recorded passes, or the failures of one pass",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			limit, _ := cmd.Flags().GetInt("limit")
			cmd.SilenceUsage = true

			stateDir, err := utils.ResolvePath(cfg.StateDir)
			if err != nil {
				return err
			}
			cfg.StateDir = stateDir

			if !utils.FileExists(cfg.HistoryPath()) {
				fmt.Fprintln(cmd.OutOrStdout(), "no passes recorded")
				return nil
			}

			hist := history.New(cfg.HistoryPath())
			if err := hist.Open(); err != nil {
				return err
			}
			defer hist.Close()

			if len(args) == 1 {
				return printFailures(cmd, hist, args[0])
			}
			return printPasses(cmd, hist, limit)
		},
	}
	cmd.Flags().IntP("limit", "n", 20, "Number of passes to show")
	return cmd
}

func printPasses(cmd *cobra.Command, hist *history.History, limit int) error {
	records, err := hist.Recent(limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTRIGGER\tSTATE\tSTARTED\tCREATED\tMODIFIED\tDELETED\tTRANSFERS\tFAILURES")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\n",
			r.ID, r.Trigger, r.State, humanize.Time(r.StartedAt),
			r.Created, r.Modified, r.Deleted, r.Transfers, r.Failures)
	}
	return w.Flush()
}

func printFailures(cmd *cobra.Command, hist *history.History, passID string) error {
	failures, err := hist.Failures(passID)
	if err != nil {
		return err
	}
	if len(failures) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "no failures for pass %s\n", passID)
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KIND\tPATH\tERROR")
	for _, f := range failures {
		fmt.Fprintf(w, "%s\t%s\t%s\n", f.Kind, f.Path, f.Error)
	}
	return w.Flush()
}
