package commands

import (
	"github.com/spf13/cobra"

	"github.com/NeuralForge6000/goop-utilities/cli/internal/output"
	"github.com/NeuralForge6000/goop-utilities/internal/analytics"
	"github.com/NeuralForge6000/goop-utilities/internal/chat"
	"github.com/NeuralForge6000/goop-utilities/internal/model"
)

// costsJSON is the --json output of goop costs
type costsJSON struct {
	Report  model.Report            `json:"report"`
	Groups  []model.AggregatedUsage `json:"groups,omitempty"`
	Total   *model.AggregatedUsage  `json:"total,omitempty"`
	Warning string                  `json:"warning,omitempty"`
}

var groupTitles = map[string]string{
	"day":     "Date",
	"month":   "Month",
	"block":   "Block (UTC)",
	"session": "Session",
}

func newCostsCommand(a *app) *cobra.Command {
	var (
		jsonOut  bool
		by       string
		since    string
		until    string
		timezone string
		compact  bool
	)

	cmd := &cobra.Command{
		Use:   "costs",
		Short: "Analyze the usage ledger",
		Long: `Replay the usage ledger and report total spend, tokens, messages and the
per-model breakdown. The monthly projection treats the whole ledger as one
day of usage.

Use --by to group by day, month, 5-hour block or session.`,
		Example: `  goop costs
  goop costs --by day --since 20250501
  goop costs --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			if err := a.loadPricing(); err != nil {
				return err
			}

			opts, err := analytics.ParseOptions(since, until, timezone)
			if err != nil {
				return err
			}

			l, err := a.ledger()
			if err != nil {
				return err
			}
			defer func() { _ = l.Close() }()

			report := analytics.Summarize(ctx, l)
			warning := chat.ProjectionAlert(report, a.cfg.Alerts)

			var groups []model.AggregatedUsage
			if by != "" {
				groups, err = analytics.Group(by, l.Events(ctx), opts)
				if err != nil {
					return err
				}
			}

			if jsonOut {
				res := costsJSON{Report: report, Groups: groups, Warning: warning}
				if groups != nil {
					total := analytics.CalculateTotal(groups)
					res.Total = &total
				}
				return output.PrintJSON(out, res)
			}

			if by != "" {
				output.PrintTable(out, groups, groupTitles[by], output.TableOptions{ForceCompact: compact})
			}
			output.PrintReport(out, report, a.table, warning)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "output as JSON")
	cmd.Flags().StringVar(&by, "by", "", "group by day, month, block or session")
	cmd.Flags().StringVar(&since, "since", "", "start date filter for --by (YYYYMMDD)")
	cmd.Flags().StringVar(&until, "until", "", "end date filter for --by (YYYYMMDD)")
	cmd.Flags().StringVar(&timezone, "timezone", "", "timezone for date grouping (e.g. America/New_York)")
	cmd.Flags().BoolVar(&compact, "compact", false, "force compact table output")

	return cmd
}
