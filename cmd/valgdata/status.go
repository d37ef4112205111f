package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/valgresultat/downloader/pkg/runs"
)

func newStatusCmd(c *cli) *cobra.Command {
	var (
		kind  string
		tier  string
		state string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show recent runs",
		Long: `List the most recent discovery passes, monitor tier passes and retention
sweeps recorded in the state database, newest first.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := runs.ListFilter{Kind: runs.Kind(kind), Tier: tier, State: runs.State(state)}
			records, _, total, err := c.app.Runs.List(filter, limit, "")
			if err != nil {
				return err
			}

			if c.format != outputTable {
				return printOutput(c.stdout, c.format, map[string]any{
					"runs":      records,
					"totalSize": total,
				}, nil, nil)
			}

			rows := make([][]string, 0, len(records))
			for _, r := range records {
				rows = append(rows, []string{
					r.StartedAt.Local().Format(time.DateTime),
					string(r.Kind),
					r.Tier,
					string(r.State),
					(time.Duration(r.DurationMs) * time.Millisecond).String(),
					fmt.Sprint(r.Processed),
					fmt.Sprint(r.Changed),
					fmt.Sprint(r.Failed),
					fmt.Sprint(r.Deleted),
					truncate(r.LastError, 40),
				})
			}
			if err := printOutput(c.stdout, c.format, nil,
				[]string{"started", "kind", "tier", "state", "duration", "processed", "changed", "failed", "deleted", "error"}, rows); err != nil {
				return err
			}
			fmt.Fprintf(c.stdout, "\nShowing %d of %d runs\n", len(records), total)
			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "", "Filter by kind: discovery, monitor, retention")
	cmd.Flags().StringVar(&tier, "tier", "", "Filter by tier")
	cmd.Flags().StringVar(&state, "state", "", "Filter by state: running, succeeded, partial, failed")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs to show")

	return cmd
}
