package cli

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/chromedp/cdproto/target"
	"github.com/spf13/cobra"

	"github.com/neboloop/webpilot/internal/pilot"
)

// TargetsCmd lists, opens and closes tabs.
func TargetsCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "targets",
		Short: "List the browser's tabs",
		RunE: func(cmd *cobra.Command, args []string) error {
			keepBrowser = true
			return withPilot(cmd, func(ctx context.Context, _ *app, p *pilot.Pilot) error {
				ts, err := p.Targets(ctx)
				if err != nil {
					return err
				}
				if output != "table" {
					return printOut(cmd.OutOrStdout(), output, map[string]any{"targets": ts})
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tTITLE\tURL")
				for _, t := range ts {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", t.ID, t.Title, t.URL)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "table", "table, json or yaml")

	cmd.AddCommand(&cobra.Command{
		Use:   "new [url]",
		Short: "Open a tab and print its target ID",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keepBrowser = true
			url := ""
			if len(args) == 1 {
				url = args[0]
			}
			return withPilot(cmd, func(ctx context.Context, _ *app, p *pilot.Pilot) error {
				pg, err := p.NewPage(ctx, url)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), pg.ID())
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "close <id>",
		Short: "Close a tab",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keepBrowser = true
			return withPilot(cmd, func(ctx context.Context, _ *app, p *pilot.Pilot) error {
				return p.ClosePage(ctx, target.ID(args[0]))
			})
		},
	})
	return cmd
}

// BrowserCmd reports browser profiles.
func BrowserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "browser",
		Short: "Inspect browser profiles",
	}
	var output string
	status := &cobra.Command{
		Use:   "status",
		Short: "Show whether each profile's browser is reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			statuses := a.manager.ProfileStatuses(cmd.Context())
			if output != "table" {
				return printOut(cmd.OutOrStdout(), output, statuses)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PROFILE\tDRIVER\tCDP\tRUNNING\tBROWSER")
			for _, s := range statuses {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n", s.Name, s.Driver, s.CDPUrl, s.Running, s.Browser)
			}
			return tw.Flush()
		},
	}
	status.Flags().StringVarP(&output, "output", "o", "table", "table, json or yaml")
	cmd.AddCommand(status)
	return cmd
}
