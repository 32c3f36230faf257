package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/neboloop/webpilot/internal/page"
	"github.com/neboloop/webpilot/internal/pilot"
	"github.com/neboloop/webpilot/internal/steps"
)

// RunCmd runs a steps file against a page.
func RunCmd() *cobra.Command {
	var (
		pageID      string
		startURL    string
		stopOnError bool
		output      string
	)
	cmd := &cobra.Command{
		Use:   "run <steps.json|->",
		Short: "Run a list of steps and print the report",
		Long: `Run reads a JSON step list (an array, or an object with a "steps" array)
from a file or stdin and runs it against a tab. The tab is --page, or the
first open tab, or a new one. The command fails when any step fails.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			// Validate before touching the browser.
			list, err := steps.Parse(data)
			if err != nil {
				return err
			}

			return withPilot(cmd, func(ctx context.Context, _ *app, p *pilot.Pilot) error {
				pg, err := pickPage(ctx, p, pageID)
				if err != nil {
					return err
				}
				if startURL != "" {
					if _, err := pg.Navigate(ctx, startURL, page.NavigateOptions{}); err != nil {
						return err
					}
				}

				report, err := pg.Run(ctx, list, steps.RunOptions{StopOnError: stopOnError})
				if err != nil {
					return err
				}
				if err := printOut(cmd.OutOrStdout(), output, report); err != nil {
					return err
				}
				if !report.OK {
					return fmt.Errorf("%d of %d steps failed", report.Failed, len(list))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&pageID, "page", "", "target ID of the tab to drive")
	cmd.Flags().StringVar(&startURL, "url", "", "navigate here before the first step")
	cmd.Flags().BoolVar(&stopOnError, "stop-on-error", true, "stop at the first failed step")
	cmd.Flags().StringVarP(&output, "output", "o", "json", "report format: json or yaml")
	return cmd
}

func readInput(stdin io.Reader, name string) ([]byte, error) {
	if name == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(name)
}

// withPilot connects, runs fn and tears everything down.
func withPilot(cmd *cobra.Command, fn func(ctx context.Context, a *app, p *pilot.Pilot) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	p, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer p.Close()
	return fn(ctx, a, p)
}
