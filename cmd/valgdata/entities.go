package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/valgresultat/downloader/pkg/entity"
)

type entityRow struct {
	Year string      `json:"year" yaml:"year"`
	Tier entity.Tier `json:"tier" yaml:"tier"`
	ID   string      `json:"id" yaml:"id"`
}

func newEntitiesCmd(c *cli) *cobra.Command {
	var (
		year string
		tier string
	)

	cmd := &cobra.Command{
		Use:   "entities",
		Short: "List registered entities",
		RunE: func(cmd *cobra.Command, args []string) error {
			tiers := entity.RegistryTiers
			if tier != "" {
				t, err := entity.ParseTier(tier)
				if err != nil {
					return err
				}
				tiers = []entity.Tier{t}
			}

			reg, _, err := c.app.Registry.Load(cmd.Context())
			if err != nil {
				return err
			}

			var items []entityRow
			var rows [][]string
			for _, y := range reg.Years() {
				if year != "" && y != year {
					continue
				}
				for _, t := range tiers {
					for _, id := range reg.IDs(y, t) {
						items = append(items, entityRow{Year: y, Tier: t, ID: id})
						path, _ := entity.Endpoint(t, y, id)
						rows = append(rows, []string{y, string(t), id, path})
					}
				}
			}
			if items == nil {
				items = []entityRow{}
			}
			if err := printOutput(c.stdout, c.format, items, []string{"year", "tier", "id", "endpoint"}, rows); err != nil {
				return err
			}
			if c.format == outputTable {
				fmt.Fprintf(c.stdout, "\n%d entities\n", len(items))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&year, "year", "", "Only list this election year")
	cmd.Flags().StringVar(&tier, "tier", "", "Only list this tier: fylke, kommune, krets")

	return cmd
}
