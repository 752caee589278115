package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ffqueue/api"
	"ffqueue/ffmpeg"
	"ffqueue/intake"
	"ffqueue/metrics"
	"ffqueue/task"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCommand(logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the queue behind the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *logLevel)
		},
	}
}

func runServe(parent context.Context, logLevel string) error {
	cfg, log, err := setup(logLevel, os.Stderr)
	if err != nil {
		return err
	}

	prober, err := ffmpeg.NewProber(cfg)
	if err != nil {
		return fmt.Errorf("initialize ffprobe: %w", err)
	}
	converter, err := ffmpeg.NewConverter(cfg, log)
	if err != nil {
		return fmt.Errorf("initialize ffmpeg: %w", err)
	}
	defer converter.Close()

	builder, err := intake.NewBuilder(cfg)
	if err != nil {
		return fmt.Errorf("default options: %w", err)
	}

	board := api.NewBoard()
	m := metrics.New(prometheus.NewRegistry())
	queue := task.NewController(prober, converter,
		task.WithLogger(log),
		task.WithPresenter(board),
		task.WithListener(board),
		task.WithListener(m),
		task.WithProbeTimeout(cfg.ProbeTimeout),
	)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	router := api.SetupRouter(api.NewHandler(queue, board, builder, log), m, cfg)
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
		// Open event streams end when the group shuts down.
		BaseContext: func(net.Listener) context.Context { return gctx },
	}

	g.Go(func() error {
		queue.Run(gctx)
		return nil
	})
	if cfg.WatchDir != "" {
		w := &intake.Watcher{
			Dir:       cfg.WatchDir,
			Builder:   builder,
			Queue:     queue,
			AutoStart: cfg.AutoStart,
			Log:       log,
		}
		g.Go(func() error { return w.Run(gctx) })
	}
	g.Go(func() error {
		log.WithField("port", cfg.Port).Info("Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		// Restore default signal behavior so a second Ctrl+C kills the process.
		stop()
		log.Info("Shutting down gracefully, press Ctrl+C again to force")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	err = g.Wait()
	log.Info("Server exiting")
	return err
}
