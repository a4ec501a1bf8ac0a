package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/flowrun/schedule"
)

func newPollerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "poller",
		Short: "Run the schedule poller",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			poller := schedule.NewPoller(rt.store, rt.execution,
				schedule.WithPollInterval(time.Duration(rt.cfg.Poller.IntervalSeconds)*time.Second),
				schedule.WithLogger(rt.logger),
			)
			rt.logger.Info().
				Int("intervalSeconds", rt.cfg.Poller.IntervalSeconds).
				Msg("schedule poller starting")
			if err := poller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			rt.logger.Info().Msg("schedule poller stopped")
			return nil
		},
	}
}
