package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/planb/internal/config"
	"github.com/SirClappington/planb/internal/engine"
	"github.com/SirClappington/planb/internal/logging"
)

// The scheduler process always holds the master role. Run exactly one.
func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "planb-scheduler:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	cfg.Master = true

	logger, err := logging.New(cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := engine.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		// A second signal kills the process while Close waits.
		stop()
		if err := eng.Close(); err != nil {
			logger.Error("shutdown", zap.Error(err))
		}
	}()

	rtr := chi.NewRouter()
	rtr.Handle("/metrics", promhttp.Handler())
	rtr.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	srv := &http.Server{Addr: cfg.SchedAddr, Handler: rtr, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("scheduler metrics listening", zap.String("addr", cfg.SchedAddr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "metrics server")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return eng.Manager.Start(gctx) })
	return g.Wait()
}
