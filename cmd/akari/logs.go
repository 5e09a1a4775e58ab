package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"akari/internal/app"
	"akari/internal/job"
	"akari/internal/storage"
)

func newLogsCmd(opts *rootOptions) *cobra.Command {
	var (
		jobID  int64
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "List recorded executions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f := storage.Filter{JobID: job.ID(jobID), Limit: limit}
			if status != "" {
				st, err := job.ParseStatus(status)
				if err != nil {
					return err
				}
				f.Status = st
			}
			return withStore(opts, func(st storage.Store) error {
				execs, err := st.List(cmd.Context(), f)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tJOB\tSTATUS\tSTARTED\tDURATION\tEXIT")
				for _, e := range execs {
					fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\n",
						e.ID, e.JobID, e.Status, e.StartedAt.Local().Format(time.DateTime), e.Duration.Round(time.Millisecond), exitText(e.ExitCode))
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().Int64VarP(&jobID, "job", "j", 0, "only executions of this job id")
	cmd.Flags().StringVarP(&status, "status", "s", "", "only executions in this status (e.g. failed, timeout)")
	cmd.Flags().IntVarP(&limit, "limit", "l", storage.DefaultListLimit, "maximum number of rows")

	cmd.AddCommand(newLogsShowCmd(opts), newLogsPruneCmd(opts))
	return cmd
}

func newLogsShowCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <execution-id>",
		Short: "Print one execution with its captured output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(opts, func(st storage.Store) error {
				e, err := st.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "id:       %s\n", e.ID)
				fmt.Fprintf(out, "job:      %d\n", e.JobID)
				fmt.Fprintf(out, "command:  %s\n", e.CommandLine)
				fmt.Fprintf(out, "status:   %s\n", e.Status)
				fmt.Fprintf(out, "started:  %s\n", e.StartedAt.Local().Format(time.RFC3339))
				if !e.FinishedAt.IsZero() {
					fmt.Fprintf(out, "finished: %s (%s)\n", e.FinishedAt.Local().Format(time.RFC3339), e.Duration.Round(time.Millisecond))
				}
				fmt.Fprintf(out, "exit:     %s\n", exitText(e.ExitCode))
				if e.ErrorMessage != nil {
					fmt.Fprintf(out, "error:    %s\n", *e.ErrorMessage)
				}
				fmt.Fprintf(out, "--- stdout\n%s", e.Stdout)
				fmt.Fprintf(out, "--- stderr\n%s", e.Stderr)
				return nil
			})
		},
	}
}

func newLogsPruneCmd(opts *rootOptions) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete executions that started before a cutoff",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if olderThan <= 0 {
				return errors.New("--older-than must be positive")
			}
			return withStore(opts, func(st storage.Store) error {
				n, err := st.Prune(cmd.Context(), time.Now().Add(-olderThan))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "pruned %d executions\n", n)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "age cutoff")
	return cmd
}

func exitText(code *int) string {
	if code == nil {
		return "-"
	}
	return strconv.Itoa(*code)
}

func withStore(opts *rootOptions, fn func(storage.Store) error) error {
	cfg, err := opts.load()
	if err != nil {
		return err
	}
	st, err := app.OpenStore(cfg, opts.logger())
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(st)
}
