package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/warp/leave-engine/api"
	"github.com/warp/leave-engine/scheduler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and the scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer func() {
			if err := a.Close(); err != nil {
				a.log.WithError(err).Error("close failed")
			}
		}()
		return serve(a)
	},
}

func serve(a *app) error {
	cfg := a.cfg
	log := a.log

	sched := scheduler.New(log, a.metrics)
	if cfg.Escalation.Enabled {
		sched.Register(scheduler.EscalationJob(a.sweeper, cfg.Escalation.Interval))
	}
	if cfg.YearEnd.Enabled {
		sched.Register(scheduler.YearEndJob(a.ledger, cfg.YearEnd.Interval,
			func() time.Time { return time.Now().UTC() }, log))
	}

	handler := api.NewHandler(api.Deps{
		Workflow:    a.workflow,
		Delegations: a.delegations,
		Ledger:      a.ledger,
		Scheduler:   sched,
		Directory:   a.store,
		Health:      a.store,
		Log:         log,
	})
	router, err := api.NewRouter(handler, api.RouterOptions{
		JWTSecret:   cfg.Auth.JWTSecret,
		JWTIssuer:   cfg.Auth.Issuer,
		CORSOrigins: cfg.Server.CORSOrigins,
		RateLimit:   cfg.Server.RateLimit,
		Gatherer:    a.registry,
		Metrics:     a.metrics,
		Log:         log,
	})
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)

	serverErr := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.Server.Addr).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.WithField("signal", sig.String()).Info("shutting down server")
	case err := <-serverErr:
		sched.Stop()
		return err
	}

	sched.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info("server stopped")
	return nil
}
