package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"sync"
	"syscall"

	"ffqueue/ffmpeg"
	"ffqueue/intake"
	"ffqueue/task"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var errNothingToConvert = errors.New("nothing to convert")

type convertOptions struct {
	outputDir string
	outputExt string
	options   string
}

func newConvertCommand(logLevel *string) *cobra.Command {
	var opts convertOptions

	cmd := &cobra.Command{
		Use:   "convert [files...]",
		Short: "Convert files one after another and print a summary",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(*logLevel, cmd.ErrOrStderr())
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
			builder, err = builder.Override(opts.outputDir, opts.outputExt, opts.options)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return convertFiles(ctx, cmd.OutOrStdout(), log, builder, func(l task.Listener) *task.Controller {
				return task.NewController(prober, converter,
					task.WithLogger(log),
					task.WithListener(l),
					task.WithProbeTimeout(cfg.ProbeTimeout),
				)
			}, args)
		},
	}

	cmd.Flags().StringVarP(&opts.outputDir, "output-dir", "o", "", "Directory for converted files (default: next to the source)")
	cmd.Flags().StringVarP(&opts.outputExt, "ext", "e", "", "Output container extension")
	cmd.Flags().StringVar(&opts.options, "options", "", "ffmpeg output options, replacing the configured defaults")
	return cmd
}

// convertFiles queues paths, runs the queue to completion and prints a summary.
// It fails when nothing could be queued or any conversion failed.
func convertFiles(ctx context.Context, out io.Writer, log logrus.FieldLogger, builder *intake.Builder, newQueue func(task.Listener) *task.Controller, paths []string) error {
	params, err := builder.Build(paths)
	if err != nil {
		log.WithError(err).Warn("Some inputs were skipped")
	}

	printer := newProgressPrinter(out, len(params))
	queue := newQueue(printer)
	for _, p := range params {
		if _, err := queue.AddTask(ctx, p); err != nil {
			log.WithError(err).WithField("source", p.Source).Warn("Skipping file")
		}
	}
	if queue.IsEmpty() {
		return errNothingToConvert
	}
	printer.total = queue.Count()

	runCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		queue.Run(runCtx)
	}()

	queue.Start()
	select {
	case <-printer.done:
	case <-ctx.Done():
	}
	cancel()
	wg.Wait()

	tasks := queue.Tasks()
	fmt.Fprintln(out, renderSummary(tasks))

	if err := ctx.Err(); err != nil {
		return err
	}
	if failed := countStatus(tasks, task.StatusFailed); failed > 0 {
		return fmt.Errorf("%d of %d conversions failed", failed, len(tasks))
	}
	return nil
}
