package cli

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// HistoryCmd shows the run journal.
func HistoryCmd() *cobra.Command {
	var (
		targetID string
		limit    int
		output   string
	)
	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "List recent step runs, or show one run's steps",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()
			st, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			if st == nil {
				return errors.New("the run journal is disabled (store.disabled)")
			}
			w := cmd.OutOrStdout()

			if len(args) == 1 {
				run, err := st.GetRun(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				recs, err := st.RunSteps(cmd.Context(), run.ID)
				if err != nil {
					return err
				}
				if output != "table" {
					return printOut(w, output, map[string]any{"run": run, "steps": recs})
				}
				fmt.Fprintf(w, "run %s on %s: %s (%d steps)\n\n", run.ID, run.Target, run.Status, run.Steps)
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "#\tKIND\tOK\tDURATION\tERROR")
				for _, r := range recs {
					fmt.Fprintf(tw, "%d\t%s\t%t\t%s\t%s\n", r.Index, r.Kind, r.OK, time.Duration(r.DurationMS)*time.Millisecond, r.Error)
				}
				return tw.Flush()
			}

			runs, err := st.ListRuns(cmd.Context(), targetID, limit)
			if err != nil {
				return err
			}
			if output != "table" {
				return printOut(w, output, runs)
			}
			if len(runs) == 0 {
				fmt.Fprintln(w, "No runs found.")
				return nil
			}
			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tTARGET\tSTATUS\tSTEPS\tSTARTED")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", r.ID, r.Target, r.Status, r.Steps, r.StartedAt.Format("2006-01-02 15:04:05"))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&targetID, "target", "", "only runs against this target ID")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs")
	cmd.Flags().StringVarP(&output, "output", "o", "table", "table, json or yaml")

	var olderThan time.Duration
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete runs older than --older-than",
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return errors.New("--older-than must be positive")
			}
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()
			st, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			if st == nil {
				return errors.New("the run journal is disabled (store.disabled)")
			}
			n, err := st.PruneRuns(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d runs\n", n)
			return nil
		},
	}
	prune.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "age of runs to delete")
	cmd.AddCommand(prune)

	return cmd
}
