package main

import (
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/kballard/go-shellquote"
	"github.com/spf13/cobra"

	"akari/internal/app"
	"akari/internal/config"
	"akari/internal/task"
	"akari/internal/task/runner"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "run [flags] -- command [args...]",
		Short: "Run a command once, the way a job would, without recording it",
		Long: `Run a command once through the process runner and print its output.
A single argument is split with shell quoting rules, so both forms work:

  akari run -- tar czf /tmp/x.tgz /etc
  akari run "tar czf /tmp/x.tgz /etc"

The exit code of the command becomes the exit code of akari.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			argv := args
			if len(args) == 1 {
				split, err := shellquote.Split(args[0])
				if err != nil {
					return errors.Wrap(err, "parse command")
				}
				argv = split
			}
			if len(argv) == 0 {
				return errors.New("command is empty")
			}

			// Runner settings come from the config file only when one was asked for.
			cfg := &config.Config{}
			if cmd.Flags().Changed("config") {
				loaded, err := opts.load()
				if err != nil {
					return err
				}
				cfg = loaded
			}
			s, err := app.NewOfflineScheduler(cfg, opts.logger())
			if err != nil {
				return err
			}

			res, err := s.DryRun(cmd.Context(), argv[0], argv[1:], timeout)
			if errors.Is(err, runner.ErrTimedOut) {
				fmt.Fprintf(cmd.ErrOrStderr(), "timed out after %s\n", timeout)
				return exitCodeError{code: 124}
			}
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), res.Stdout)
			fmt.Fprint(cmd.ErrOrStderr(), res.Stderr)
			if res.ExitCode != 0 {
				return exitCodeError{code: shellExitCode(res.ExitCode)}
			}
			return nil
		},
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", task.DefaultDryRunTimeout, "kill the command after this long")
	return cmd
}

// shellExitCode turns a runner exit code into a process exit status. The
// runner reports death by signal N as -N; shells report it as 128+N.
func shellExitCode(code int) int {
	if code < 0 {
		return 128 - code
	}
	return code
}
