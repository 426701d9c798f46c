/*
Package main runs the job feed importer.

The importer pulls job listings from RSS and Atom feeds on a cron schedule or
on demand, normalizes each item into a Job, upserts it by external id and
records every run as an ImportLog. Runs fan out through a queue so each item
is processed and retried independently.

Run the application:

	$ go run . serve --env .env

Commands:
  - serve: HTTP API, import workers and the scheduler in one process.
  - worker: import workers and the scheduler without the HTTP API.
  - enqueue: enqueue runs for one feed or for every configured feed, then exit.

Endpoints:
  - GET /jobs, GET /jobs/{id}: Imported jobs.
  - GET /imports/logs, GET /imports/logs/{id}: Import run history.
  - POST /imports/run: Trigger an import.
  - GET /health, /health/live, /health/ready, /metrics, /swagger/.
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Nexora-Open-Source/job-feed-importer/config"
	"github.com/Nexora-Open-Source/job-feed-importer/container"
	_ "github.com/Nexora-Open-Source/job-feed-importer/docs"
	"github.com/Nexora-Open-Source/job-feed-importer/handlers/health"
	"github.com/Nexora-Open-Source/job-feed-importer/middleware"
	"github.com/Nexora-Open-Source/job-feed-importer/monitoring"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const (
	serviceName     = "job-feed-importer"
	shutdownTimeout = 30 * time.Second
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func envFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "env",
		Usage: "path to a .env file",
		Value: ".env",
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.Command{
		Name:    serviceName,
		Usage:   "Import job listings from RSS and Atom feeds",
		Version: version,
		Flags:   []cli.Flag{envFlag()},
		Action:  serveAction,
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Run the HTTP API, import workers and scheduler",
				Flags: []cli.Flag{
					envFlag(),
					&cli.BoolFlag{
						Name:  "no-workers",
						Usage: "serve the API only; runs are processed by separate worker processes",
					},
				},
				Action: serveAction,
			},
			{
				Name:  "worker",
				Usage: "Run import workers without the HTTP API",
				Flags: []cli.Flag{
					envFlag(),
					&cli.BoolFlag{
						Name:  "no-scheduler",
						Usage: "do not fire the recurring feed imports from this process",
					},
				},
				Action: workerAction,
			},
			{
				Name:  "enqueue",
				Usage: "Enqueue import runs and exit",
				Flags: []cli.Flag{
					envFlag(),
					&cli.StringFlag{
						Name:  "url",
						Usage: "feed URL (default: every configured feed)",
					},
				},
				Action: enqueueAction,
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		logrus.WithError(err).Fatal("Job feed importer exited")
	}
}

// runtime is the state shared by every command
type runtime struct {
	cfg    *config.Config
	logger *logrus.Logger
	c      *container.Container
	tp     *sdktrace.TracerProvider
}

func bootstrap(ctx context.Context, cmd *cli.Command) (*runtime, error) {
	if err := config.LoadEnv(cmd.String("env")); err != nil {
		return nil, err
	}
	cfg := config.NewConfig()

	logger := middleware.InitLogger(cfg.LogLevel, cfg.LogFormat)
	health.Version = version

	tp, err := monitoring.InitTracing(serviceName, cfg.TraceSampleRatio)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	c, err := container.Build(ctx, cfg, logger)
	if err != nil {
		monitoring.ShutdownTracing(context.Background(), tp, logger)
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	return &runtime{cfg: cfg, logger: logger, c: c, tp: tp}, nil
}

func (rt *runtime) close() {
	if err := rt.c.Close(); err != nil {
		rt.logger.WithError(err).Error("Failed to close services")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	monitoring.ShutdownTracing(ctx, rt.tp, rt.logger)
}

// startWorkers runs the pipeline until ctx is cancelled. The returned
// function waits for in-flight messages to finish.
func (rt *runtime) startWorkers(ctx context.Context, withScheduler bool) func() {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := rt.c.Pipeline.Run(ctx); err != nil {
			rt.logger.WithError(err).Error("Import workers stopped with error")
		}
	}()

	if withScheduler {
		rt.c.Scheduler.Start()
	}
	rt.c.Alerts.Start()

	return func() {
		rt.c.Alerts.Stop()
		if withScheduler {
			rt.c.Scheduler.Stop()
		}
		wg.Wait()
	}
}

func serveAction(ctx context.Context, cmd *cli.Command) error {
	rt, err := bootstrap(ctx, cmd)
	if err != nil {
		return err
	}
	defer rt.close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	waitWorkers := func() {}
	if !cmd.Bool("no-workers") {
		waitWorkers = rt.startWorkers(runCtx, true)
	}

	go rt.c.Limiter.RunCleanup(runCtx, rt.cfg.RateLimitCleanupInterval)

	srv := &http.Server{
		Addr:              ":" + rt.cfg.ServerPort,
		Handler:           rt.c.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		rt.logger.WithFields(logrus.Fields{
			"port":        rt.cfg.ServerPort,
			"environment": rt.cfg.Environment,
			"version":     version,
		}).Info("Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		rt.logger.Info("Shutdown signal received")
	case runErr = <-serverErr:
		rt.logger.WithError(runErr).Error("Server failed")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		rt.logger.WithError(err).Error("Server shutdown failed")
	}

	cancel()
	waitWorkers()
	rt.logger.Info("Server stopped")
	return runErr
}

func workerAction(ctx context.Context, cmd *cli.Command) error {
	rt, err := bootstrap(ctx, cmd)
	if err != nil {
		return err
	}
	defer rt.close()

	withScheduler := !cmd.Bool("no-scheduler")
	waitWorkers := rt.startWorkers(ctx, withScheduler)

	rt.logger.WithFields(logrus.Fields{
		"scheduler":     withScheduler,
		"queue_backend": rt.cfg.Queue.Backend,
	}).Info("Worker started")

	<-ctx.Done()
	rt.logger.Info("Shutdown signal received")
	waitWorkers()
	return nil
}

func enqueueAction(ctx context.Context, cmd *cli.Command) error {
	rt, err := bootstrap(ctx, cmd)
	if err != nil {
		return err
	}
	defer rt.close()

	if rt.cfg.Queue.Backend != config.BackendRedis {
		return fmt.Errorf("enqueue needs a shared broker; set QUEUE_BACKEND=redis")
	}

	feeds, err := rt.c.Scheduler.RunNow(ctx, cmd.String("url"))
	if err != nil {
		return err
	}

	rt.logger.WithFields(logrus.Fields{
		"feeds_count": len(feeds),
		"feeds":       feeds,
	}).Info("Import runs enqueued")
	return nil
}
