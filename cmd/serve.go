package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/andresmejia3/facecollect/internal/api"
	"github.com/andresmejia3/facecollect/internal/pipeline"
	"github.com/andresmejia3/facecollect/internal/scheduler"
	"github.com/andresmejia3/facecollect/internal/transcode"
	"github.com/andresmejia3/facecollect/internal/video"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// shutdownTimeout bounds how long in-flight HTTP requests get on exit.
const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the capture HTTP service and the extraction workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runServe(cmd.Context())
	},
}

func init() {
	f := serveCmd.Flags()
	f.String("addr", ":5000", "HTTP listen address")
	f.Int("workers", scheduler.DefaultWorkers, "Concurrent extraction jobs")
	f.Int("queue-size", scheduler.DefaultQueueSize, "Extraction jobs that may wait for a worker")
	f.Duration("job-timeout", 0, "Upper bound for one extraction job (0 = unbounded)")
	f.Float64("confidence", 0.5, "Minimum detection confidence for a tile")
	f.Float64("padding", 0.2, "Box padding as a fraction of its width/height")

	bindFlag(serveCmd, "http.addr", "addr")
	bindFlag(serveCmd, "workers", "workers")
	bindFlag(serveCmd, "queue_size", "queue-size")
	bindFlag(serveCmd, "job_timeout", "job-timeout")
	bindFlag(serveCmd, "confidence_threshold", "confidence")
	bindFlag(serveCmd, "padding_ratio", "padding")

	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	log := Logger.Named("serve")

	if err := os.MkdirAll(Cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	registry := newRegistry()
	if _, err := registry.Load(); err != nil {
		return err
	}

	extractor := pipeline.New(video.NewFFmpeg(Logger), newDetectorLoader(), Logger)
	sched := scheduler.New(scheduler.Config{
		Workers:    Cfg.Workers,
		QueueSize:  Cfg.QueueSize,
		JobTimeout: Cfg.JobTimeout,
	}, extractor.Extract, registry, Logger)

	server := api.New(registry,
		transcode.New(Cfg.Transcode.Binary, Cfg.Transcode.Timeout, Logger),
		sched,
		api.JobSettings{ConfidenceThreshold: Cfg.ConfidenceThreshold, PaddingRatio: Cfg.PaddingRatio},
		Logger)

	// Jobs are not tied to the signal context: on shutdown the queue drains
	// and Stop waits for it.
	sched.Start(context.WithoutCancel(ctx))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(Cfg.HTTP.Addr)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := server.Shutdown(shutdownCtx)

		st := sched.Stats()
		if st.Queued+st.Running > 0 {
			fmt.Fprintf(os.Stderr, "⏳ Waiting for %d extraction job(s) to finish...\n", st.Queued+st.Running)
		}
		sched.Stop()
		return err
	})

	fmt.Fprintf(os.Stderr, "🚀 facecollect listening on %s (data: %s)\n", Cfg.HTTP.Addr, Cfg.DataDir)
	if err := g.Wait(); err != nil {
		log.Error("server stopped with error", zap.Error(err))
		return err
	}
	return nil
}
