package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/flowrun/worker"
)

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the execution and ingestion workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			execWorker := worker.NewExecutionWorker(rt.store, rt.queue, rt.engine,
				worker.WithQueueName(rt.cfg.Worker.QueueName),
				worker.WithConcurrency(rt.cfg.Worker.Concurrency),
				worker.WithWorkerLogger(rt.logger),
			)
			ingestWorker := worker.NewIngestionWorker(rt.knowledge, rt.queue,
				worker.WithIngestionConcurrency(rt.cfg.Worker.Concurrency),
				worker.WithIngestionLogger(rt.logger),
			)

			rt.logger.Info().
				Int("concurrency", rt.cfg.Worker.Concurrency).
				Str("queue", rt.cfg.Worker.QueueName).
				Msg("workers starting")

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return execWorker.Run(gctx) })
			g.Go(func() error { return ingestWorker.Run(gctx) })
			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			rt.logger.Info().Msg("workers stopped")
			return nil
		},
	}
}
