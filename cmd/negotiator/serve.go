package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	_ "github.com/tbourn/go-negotiation-backend/docs"
	httpapi "github.com/tbourn/go-negotiation-backend/internal/http"
	"github.com/tbourn/go-negotiation-backend/internal/http/middleware"
	"github.com/tbourn/go-negotiation-backend/internal/outbox"
	"github.com/tbourn/go-negotiation-backend/internal/queue"
	"github.com/tbourn/go-negotiation-backend/internal/repo"
)

const shutdownGrace = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Run the HTTP API. Unless WORKER_EMBEDDED=false (QUEUE_DRIVER=nats only),
the job worker and the outbox sweeper run in the same process.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, closeLog, err := loadConfig()
		if err != nil {
			return err
		}
		defer closeLog()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg, "api")
		if err != nil {
			return err
		}
		defer a.close()

		if cfg.DB.Driver == repo.DriverSQLite {
			// Single-node setups migrate on boot; postgres deployments run `migrate`.
			if err := repo.AutoMigrate(a.db); err != nil {
				return err
			}
		}

		auth, err := middleware.NewAuthenticator(ctx, middleware.AuthOptions{
			Mode:     cfg.Auth.Mode,
			Secret:   cfg.Auth.JWTSecret,
			JWKSURL:  cfg.Auth.JWKSURL,
			Issuer:   cfg.Auth.Issuer,
			Audience: cfg.Auth.Audience,
		})
		if err != nil {
			return err
		}
		defer auth.Close()

		gin.SetMode(cfg.GinMode)
		r := gin.New()
		httpapi.RegisterRoutes(r, httpapi.Deps{
			DB:          a.db,
			Turns:       a.turns,
			Invitations: a.invitations,
			Users:       a.users,
			Quota:       a.quota,
			Auth:        auth,
			Ready:       a.ping,
		}, cfg)

		srv := &http.Server{
			Addr:              cfg.Addr(),
			Handler:           r,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
			WriteTimeout:      cfg.WriteTimeout,
			IdleTimeout:       cfg.IdleTimeout,
			MaxHeaderBytes:    cfg.MaxHeaderBytes,
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			log.Info().Str("addr", srv.Addr).Str("version", version).Msg("http server listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			log.Info().Msg("shutting down http server")
			return srv.Shutdown(sctx)
		})

		// memory and inline queues only deliver inside this process.
		if cfg.Queue.WorkerEmbedded || cfg.Queue.Driver != queue.DriverNATS {
			runWorker(gctx, g, a)
		} else {
			// The worker process consumes; this one still sweeps its own outbox rows.
			sweeper := outbox.NewSweeper(a.relay, cfg.Queue.SweepCron)
			g.Go(func() error { return sweeper.Run(gctx) })
		}

		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		log.Info().Msg("server stopped")
		return nil
	},
}
