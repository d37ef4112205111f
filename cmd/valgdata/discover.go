package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/valgresultat/downloader/internal/app"
	"github.com/valgresultat/downloader/pkg/discovery"
	"github.com/valgresultat/downloader/pkg/entity"
)

type discoverSummary struct {
	Status   discovery.Status `json:"status" yaml:"status"`
	Added    int              `json:"added" yaml:"added"`
	Skipped  int              `json:"skipped" yaml:"skipped"`
	Fylke    int              `json:"fylke" yaml:"fylke"`
	Kommune  int              `json:"kommune" yaml:"kommune"`
	Krets    int              `json:"krets" yaml:"krets"`
	Failures []string         `json:"failures,omitempty" yaml:"failures,omitempty"`
	DryRun   bool             `json:"dryRun" yaml:"dryRun"`
}

func newDiscoverCmd(c *cli) *cobra.Command {
	var opts app.DiscoverOptions

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Discover entities and update the registry",
		Long: `Walk the election API hierarchy for every configured year and append new
entity IDs to the registry file. Known entities are not walked again unless
--full is given, which recovers subtrees that failed in an earlier pass.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, res, err := c.app.Discover(cmd.Context(), opts)

			summary := discoverSummary{
				Status:  res.Status,
				Added:   res.Added,
				Skipped: res.Skipped,
				Fylke:   reg.Count(entity.TierRegion),
				Kommune: reg.Count(entity.TierMunicipality),
				Krets:   reg.Count(entity.TierDistrict),
				DryRun:  opts.DryRun,
			}
			for _, f := range res.Failures {
				summary.Failures = append(summary.Failures, f.Error())
			}

			rows := [][]string{{
				string(summary.Status),
				fmt.Sprint(summary.Added),
				fmt.Sprint(summary.Fylke),
				fmt.Sprint(summary.Kommune),
				fmt.Sprint(summary.Krets),
				fmt.Sprint(len(summary.Failures)),
			}}
			if perr := printOutput(c.stdout, c.format, summary,
				[]string{"status", "new", "fylke", "kommune", "krets", "failures"}, rows); perr != nil {
				return perr
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "Discover without writing the registry file")
	cmd.Flags().BoolVar(&opts.Full, "full", false, "Walk subtrees of known entities too")

	return cmd
}
