package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tbourn/go-negotiation-backend/internal/outbox"
	"github.com/tbourn/go-negotiation-backend/internal/queue"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the job worker and the outbox sweeper",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, closeLog, err := loadConfig()
		if err != nil {
			return err
		}
		defer closeLog()
		if cfg.Queue.Driver != queue.DriverNATS {
			return errors.New("a standalone worker needs QUEUE_DRIVER=nats; other drivers run inside serve")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg, "worker")
		if err != nil {
			return err
		}
		defer a.close()

		g, gctx := errgroup.WithContext(ctx)
		runWorker(gctx, g, a)
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		log.Info().Msg("worker stopped")
		return nil
	},
}

// runWorker registers every job handler, then consumes the queue and runs the
// outbox sweeper on g.
func runWorker(ctx context.Context, g *errgroup.Group, a *app) {
	a.worker.Register(a.queue)
	sweeper := outbox.NewSweeper(a.relay, a.cfg.Queue.SweepCron)

	g.Go(func() error {
		log.Info().Str("driver", a.cfg.Queue.Driver).Msg("job worker started")
		return a.queue.Run(ctx)
	})
	g.Go(func() error { return sweeper.Run(ctx) })
}
