package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"akari/internal/app"
)

const stopTimeout = 30 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler until interrupted",
		Long: `Run the scheduler in the foreground. The config file is watched and
reloaded on change. Under systemd (Type=notify) readiness, watchdog and
stopping are reported through sd_notify.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), opts.config)
		},
	}
}

func serve(ctx context.Context, cfgPath string) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	a, err := app.NewApp(cfgPath)
	if err != nil {
		return errors.Wrap(err, "init")
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := a.Start(runCtx); err != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
		defer stopCancel()
		_ = a.Stop(stopCtx, app.StopFatalError)
		return errors.Wrap(err, "start")
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	var tick <-chan time.Time
	if iv, err := daemon.SdWatchdogEnabled(false); err == nil && iv > 0 {
		t := time.NewTicker(iv / 2)
		defer t.Stop()
		tick = t.C
	}

	reason := app.StopUnknown
loop:
	for {
		select {
		case s := <-sigs:
			reason = stopReasonFor(s)
			break loop
		case <-a.Done():
			reason = app.StopFatalError
			break loop
		case <-ctx.Done():
			reason = app.StopAppStop
			break loop
		case <-tick:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)

	if reason == app.StopFatalError {
		if err := a.Err(); err != nil {
			return err
		}
	}
	return nil
}

func stopReasonFor(s os.Signal) app.StopReason {
	switch s {
	case os.Interrupt:
		return app.StopSIGINT
	case syscall.SIGTERM:
		return app.StopSIGTERM
	}
	return app.StopUnknown
}
