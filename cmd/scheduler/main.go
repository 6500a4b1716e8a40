// Command scheduler runs the crawler batch on a cron schedule, serving a
// /healthz and /metrics endpoint while idle, grounded on Tangerg-lynx's
// CronTrigger (a cron.Cron started once, stopped on context cancellation)
// and the donor pack's cmd/api signal-driven shutdown.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nativescout/crawler/internal/batch"
	"github.com/nativescout/crawler/internal/config"
	"github.com/nativescout/crawler/internal/metrics"
	"github.com/nativescout/crawler/pkg/mid"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	configPath := flag.String("config", "config.ini", "path to the INI configuration file")
	outputDir := flag.String("output", "data/output", "directory each batch writes into")
	credentialFile := flag.String("credential-file", "", "fallback .env-style SFN credential file")
	healthAddr := flag.String("health-addr", ":8080", "address for the /healthz and /metrics endpoints")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("scheduler: config load failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	state := &schedulerState{}

	srv := &http.Server{
		Addr:    *healthAddr,
		Handler: buildMux(state, m, logger),
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("scheduler: health server failed", "error", err)
		}
	}()

	c := cron.New()
	var mu sync.Mutex // serializes batches: a cron tick that fires mid-batch is skipped, not queued
	_, err = c.AddFunc(cfg.Crawler.Schedule, func() {
		if !mu.TryLock() {
			logger.Warn("scheduler: previous batch still running, skipping this tick")
			return
		}
		defer mu.Unlock()

		state.running.Store(true)
		defer state.running.Store(false)

		logger.Info("scheduler: batch starting")
		manifest, err := batch.Run(ctx, batch.Options{
			ConfigPath:     *configPath,
			OutputDir:      *outputDir,
			CredentialFile: *credentialFile,
		}, m, logger)
		if err != nil {
			logger.Error("scheduler: batch failed", "error", err)
			state.lastError.Store(err.Error())
			return
		}
		state.lastError.Store("")
		state.lastRunAt.Store(time.Now().UTC().Format(time.RFC3339))
		logger.Info("scheduler: batch complete", "total_posts", manifest.Stats.TotalPosts)
	})
	if err != nil {
		logger.Error("scheduler: invalid cron schedule", "schedule", cfg.Crawler.Schedule, "error", err)
		os.Exit(1)
	}

	c.Start()
	logger.Info("scheduler: started", "schedule", cfg.Crawler.Schedule, "health_addr", *healthAddr)

	<-ctx.Done()
	logger.Info("scheduler: signal received, stopping cron (in-flight batch finishes draining)")
	cronCtx := c.Stop()
	<-cronCtx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	logger.Info("scheduler: exited")
}

// schedulerState is the process-wide status surfaced at /healthz, threaded
// explicitly rather than kept as package-level globals (§10).
type schedulerState struct {
	running   atomic.Bool
	lastRunAt atomic.Value
	lastError atomic.Value
}

func buildMux(state *schedulerState, m *metrics.Registry, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "application/json")
		lastRun, _ := state.lastRunAt.Load().(string)
		lastErr, _ := state.lastError.Load().(string)
		status := "ok"
		if lastErr != "" {
			status = "degraded"
		}
		w.Write([]byte(`{"status":"` + status + `","running":` + boolString(state.running.Load()) + `,"last_run_at":"` + lastRun + `","last_error":"` + lastErr + `"}`))
	})
	mux.Handle("/metrics", m.Handler())
	return mid.Chain(mux, mid.Recover(logger), mid.Logger(logger))
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
