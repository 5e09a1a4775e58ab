package main

import (
	"strconv"

	"github.com/spf13/cobra"

	"akari/internal/config"
	logx "akari/pkg/logx"
)

type rootOptions struct {
	config   string
	logLevel string
}

// exitCodeError makes the process exit with code without printing anything.
type exitCodeError struct{ code int }

func (e exitCodeError) Error() string { return "exit status " + strconv.Itoa(e.code) }

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "akari",
		Short: "akari runs shell commands on cron and interval schedules",
		Long: `akari is a small job scheduler. Jobs are declared in a config file
(JSON, YAML or TOML) and run as child processes on cron expressions or fixed
intervals. Every execution is recorded in the configured execution log.

Common workflows:

  Run the scheduler:
    akari serve --config ./akari.yaml

  Check a config file and preview upcoming fires:
    akari validate --config ./akari.yaml

  Try a command the way a job would run it:
    akari run --timeout 10s -- pg_dump mydb

  Inspect recorded executions:
    akari logs --job 3 --status failed`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.config, "config", "c", "./config.json", "path to config file (.json, .yaml, .yml, .toml)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "log level for one-shot commands")

	root.AddCommand(
		newServeCmd(opts),
		newRunCmd(opts),
		newValidateCmd(opts),
		newLogsCmd(opts),
	)
	return root
}

func (o *rootOptions) logger() logx.Logger {
	return logx.NewConsole(o.logLevel)
}

func (o *rootOptions) load() (*config.Config, error) {
	return config.Load(o.config)
}
