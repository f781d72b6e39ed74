package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"qcron/internal/app"
	logx "qcron/pkg/logx"
)

var stopTimeout time.Duration

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the dispatcher and the worker pool until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := app.NewApp(cfgPath)
		if err != nil {
			return err
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigCh)

		if err := a.Start(context.Background()); err != nil {
			return err
		}
		// Not running under systemd is fine: SdNotify is a no-op then.
		if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
			a.Logger().Warn("sd_notify ready failed", logx.Err(err))
		}

		reason := app.StopUnknown
		select {
		case sig := <-sigCh:
			reason = app.StopSIGINT
			if sig == syscall.SIGTERM {
				reason = app.StopSIGTERM
			}
		case <-a.Done():
			reason = app.StopFatalError
		}
		_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		_ = a.Stop(ctx, reason)
		return a.Err()
	},
}

func init() {
	runCmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 15*time.Second, "upper bound for a graceful shutdown")
}
