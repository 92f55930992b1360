// Command chanscraped is the chanscrape job service.
// It serves the job API, Prometheus metrics and a health check, and runs
// started jobs in the background.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/chanscrape/chanscrape/internal/api"
	"github.com/chanscrape/chanscrape/internal/ingestion"
	"github.com/chanscrape/chanscrape/internal/job"
	"github.com/chanscrape/chanscrape/internal/logging"
	"github.com/chanscrape/chanscrape/internal/platform"
	"github.com/chanscrape/chanscrape/internal/source"
	"github.com/chanscrape/chanscrape/internal/source/tgexport"
	"github.com/chanscrape/chanscrape/pkg/config"
)

const shutdownTimeout = 15 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Getenv("CHANSCRAPE_CONFIG")); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	if configPath == "" {
		if wd, err := os.Getwd(); err == nil {
			configPath = config.FindConfigFile(wd)
		}
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log, err := logging.New(logging.Config{Level: cfg.Logging.Level, Development: cfg.Logging.Development})
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	store, closeStore, err := platform.OpenJobStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer func() { _ = closeStore() }()
	if cfg.Database.URL == "" {
		log.Warn("no database configured, jobs are kept in memory")
	}
	jobs := job.NewManager(cfg.Server.JobManagerName, store)

	comps, err := ingestion.Build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = comps.Close() }()
	pipeline := comps.Pipeline(log, ingestion.WithRecorder(jobs), ingestion.WithMetrics(ingestion.NewMetrics(nil)))

	exportDir := cfg.Source.ExportDir
	sourceLog := log.With(logging.String("component", "source"))
	newSource := func() source.Source { return tgexport.New(exportDir, tgexport.WithLogger(sourceLog)) }
	handler := api.NewHandler(ctx, jobs, pipeline, newSource, log.With(logging.String("component", "api")))

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           handler.Router(cfg.Server.APIKey, nil),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting chanscraped", logging.String("addr", srv.Addr),
			logging.String("protocol", string(cfg.StorageProtocol())))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	err = g.Wait()
	// Runs share ctx, so they are already cancelled by the signal.
	handler.Wait()
	return err
}
