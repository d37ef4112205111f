package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/valgresultat/downloader/pkg/retention"
)

func newCleanupCmd(c *cli) *cobra.Command {
	var (
		dryRun bool
		every  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Prune snapshots by the retention policy",
		Long: `Run one retention sweep over every year directory. The newest snapshot
of an entity is never deleted, and files whose name is not a snapshot
timestamp are kept and reported. With --every the sweep repeats until
interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr := c.app.NewRetentionManager(dryRun)
			if every > 0 {
				retention.NewWorker(mgr, every, c.app.Logger).Run(cmd.Context())
				return nil
			}

			rep, err := mgr.Run(cmd.Context())
			if err != nil {
				return err
			}
			rows := [][]string{{
				fmt.Sprint(rep.Active),
				fmt.Sprint(rep.Years),
				fmt.Sprint(rep.Entities),
				fmt.Sprint(rep.Deleted),
				fmt.Sprint(rep.Kept),
				fmt.Sprint(rep.Malformed),
				fmt.Sprint(rep.Failed),
			}}
			return printOutput(c.stdout, c.format, rep,
				[]string{"election active", "years", "entities", "deleted", "kept", "malformed", "failed"}, rows)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report what would be deleted without deleting")
	cmd.Flags().DurationVar(&every, "every", 0, "Repeat the sweep at this interval until interrupted")

	return cmd
}
