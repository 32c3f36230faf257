package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/neboloop/webpilot/internal/page"
	"github.com/neboloop/webpilot/internal/pilot"
	"github.com/neboloop/webpilot/internal/snapshot"
)

// SnapshotCmd prints an accessibility snapshot.
func SnapshotCmd() *cobra.Command {
	var (
		pageID string
		detail string
		opts   snapshot.Options
		output string
	)
	cmd := &cobra.Command{
		Use:   "snapshot [url]",
		Short: "Print the accessibility snapshot of a tab",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, ok := snapshot.ParseDetail(detail)
			if !ok {
				return fmt.Errorf("unknown detail %q", detail)
			}
			opts.Detail = d

			return withPilot(cmd, func(ctx context.Context, _ *app, p *pilot.Pilot) error {
				var (
					pg  *pilot.Page
					err error
				)
				if len(args) == 1 && pageID == "" {
					pg, err = p.NewPage(ctx, "")
				} else {
					pg, err = pickPage(ctx, p, pageID)
				}
				if err != nil {
					return err
				}
				if len(args) == 1 {
					if _, err := pg.Navigate(ctx, args[0], page.NavigateOptions{WaitUntil: page.WaitNetworkIdle}); err != nil {
						return err
					}
				}

				res, err := pg.Snapshot(ctx, opts)
				if err != nil {
					return err
				}
				if output == "text" {
					w := cmd.OutOrStdout()
					fmt.Fprintf(w, "# %s\n# %s (snapshot %d, %d refs)\n", res.Title, res.URL, res.SnapshotID, res.Refs)
					_, err := io.WriteString(w, res.Text)
					return err
				}
				return printOut(cmd.OutOrStdout(), output, res)
			})
		},
	}
	cmd.Flags().StringVar(&pageID, "page", "", "target ID of the tab to read")
	cmd.Flags().StringVar(&detail, "detail", "", "full, interactive or summary")
	cmd.Flags().StringVar(&opts.Root, "root", "", "CSS selector or role=X to scope the snapshot")
	cmd.Flags().IntVar(&opts.MaxDepth, "max-depth", 0, "limit nesting depth")
	cmd.Flags().IntVar(&opts.MaxElements, "max-elements", 0, "limit emitted nodes")
	cmd.Flags().IntVar(&opts.MaxChars, "max-chars", 0, "truncate the text")
	cmd.Flags().BoolVar(&opts.ViewportOnly, "viewport-only", false, "only nodes in the viewport")
	cmd.Flags().BoolVar(&opts.IncludeFrames, "frames", false, "descend into iframes")
	cmd.Flags().StringVarP(&output, "output", "o", "text", "text, json or yaml")
	return cmd
}
