// Command browserd is the headless-browser automation service: it accepts
// scripts over HTTP, queues them, runs them in pooled browsers with video
// recording, and delivers completion webhooks.
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

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/browserd/browserd/internal/browser"
	"github.com/browserd/browserd/internal/cleanup"
	"github.com/browserd/browserd/internal/config"
	"github.com/browserd/browserd/internal/executor"
	"github.com/browserd/browserd/internal/health"
	"github.com/browserd/browserd/internal/metrics"
	"github.com/browserd/browserd/internal/queue"
	"github.com/browserd/browserd/internal/script"
	"github.com/browserd/browserd/internal/server"
	"github.com/browserd/browserd/internal/store"
	"github.com/browserd/browserd/internal/validate"
	"github.com/browserd/browserd/internal/video"
	"github.com/browserd/browserd/internal/webhook"
)

const shutdownGrace = 30 * time.Second

func main() {
	var configPath string

	root := &cobra.Command{
		Use:          "browserd",
		Short:        "Headless-browser script execution service",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cfg *config.Settings) error {
	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer log.Sync()

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer st.Close()

	if cfg.AdminAPIKey != "" {
		if _, err := st.EnsureAdminKey(cfg.AdminAPIKey); err != nil {
			return err
		}
	}

	videos, err := video.NewStore(cfg.VideoDir, log.Named("video"))
	if err != nil {
		return err
	}

	m := metrics.New()
	q := queue.New(cfg.MaxQueueSize)
	breaker := executor.NewBreaker()

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := browser.NewPool(rootCtx, cfg.BrowserPoolSize, browser.NewRodFactory(log.Named("browser")), log.Named("pool"))
	if err != nil {
		return fmt.Errorf("starting browser pool: %w", err)
	}
	defer pool.Close()
	pool.Warmup(rootCtx, cfg.BrowserWarmupPages)
	m.BrowsersAvailable.Set(float64(pool.Available()))

	dispatcher := webhook.NewDispatcher(
		time.Duration(cfg.WebhookTimeout)*time.Second, cfg.MaxWebhookRetries,
		st, m, log.Named("webhook"))
	dispatchCtx, stopDispatch := context.WithCancel(context.Background())
	defer stopDispatch()
	dispatcher.Start(dispatchCtx)

	exec, err := executor.New(executor.Config{
		Workers:          cfg.MaxConcurrentExecutions,
		MaxExecutionTime: time.Duration(cfg.MaxExecutionTime) * time.Second,
		ViewportWidth:    cfg.VideoWidth,
		ViewportHeight:   cfg.VideoHeight,
	}, q, st, pool, script.NewEngine(cfg.ScriptMemoryLimitMB), videos,
		breaker, dispatcher, m, log.Named("executor"))
	if err != nil {
		return err
	}

	// Durable QUEUED rows re-enter the queue before any traffic is
	// accepted, so a crash between restarts abandons nothing.
	recovered, err := st.RecoverQueued()
	if err != nil {
		return fmt.Errorf("recovering queued jobs: %w", err)
	}
	for _, job := range recovered {
		if err := q.Enqueue(job); err != nil {
			log.Warn("re-enqueueing recovered job",
				zap.String("request_id", job.RequestID), zap.Error(err))
		}
	}
	if len(recovered) > 0 {
		log.Info("recovered queued jobs", zap.Int("count", len(recovered)))
	}

	exec.Start(rootCtx)

	sched := cleanup.NewScheduler(videos, st, cfg.VideoRetentionDays, cfg.VideoCleanupHour, log.Named("cleanup"))
	go sched.Start(rootCtx)

	checker := health.NewAggregator(st, pool, q, cfg.VideoDir)

	srv := server.New(server.Config{Workers: cfg.MaxConcurrentExecutions}, st, q,
		validate.New(cfg.MaxScriptSize), breaker, videos, checker, sched, m, log.Named("http"))
	mux := http.NewServeMux()
	srv.Register(mux)

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", cfg.ListenAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-rootCtx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		stop()
		log.Error("http server failed", zap.Error(err))
	}

	// Stop intake first, then drain workers, then tear down the rest.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}

	q.Close()
	exec.Shutdown(shutdownGrace)
	stopDispatch()
	dispatcher.Wait()

	log.Info("shutdown complete")
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log_level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
