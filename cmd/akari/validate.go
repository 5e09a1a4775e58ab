package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"akari/internal/app"
)

func newValidateCmd(opts *rootOptions) *cobra.Command {
	var next int
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the config file and preview upcoming fires",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			jobs, err := cfg.BuildJobs()
			if err != nil {
				return err
			}
			s, err := app.NewOfflineScheduler(cfg, opts.logger())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSCHEDULE\tENABLED\tNEXT")
			for _, j := range jobs {
				fires := "-"
				if j.Enabled && next > 0 {
					var parts []string
					for _, t := range s.Preview(j.Schedule, next) {
						parts = append(parts, t.Format(time.DateTime))
					}
					fires = strings.Join(parts, ", ")
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%t\t%s\n", j.ID, j.Name, j.Schedule.Describe(), j.Enabled, fires)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d jobs)\n", opts.config, len(jobs))
			return nil
		},
	}
	cmd.Flags().IntVarP(&next, "next", "n", 3, "number of upcoming fires to show per job")
	return cmd
}
