// Command crawler runs one batch of the fetch/enrich/organize/write
// pipeline and exits, grounded on the donor pack's scraper-sources binary
// (flag-parsed config, signal.NotifyContext shutdown, per-source summary
// log) adapted to this module's INI config and streaming stage set.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nativescout/crawler/internal/batch"
	"github.com/nativescout/crawler/internal/metrics"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	configPath := flag.String("config", "config.ini", "path to the INI configuration file")
	outputDir := flag.String("output", "data/output", "directory the batch writes By-Domain/By-Entity trees into")
	credentialFile := flag.String("credential-file", "", "fallback .env-style SFN credential file, used when [x_scraper].auth_credentials is empty")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	manifest, err := batch.Run(ctx, batch.Options{
		ConfigPath:     *configPath,
		OutputDir:      *outputDir,
		CredentialFile: *credentialFile,
	}, metrics.New(), logger)
	if err != nil {
		logger.Error("crawler: batch failed to start", "error", err)
		os.Exit(1)
	}

	logger.Info("crawler: batch complete",
		"total_posts", manifest.Stats.TotalPosts,
		"high", manifest.Stats.QualityDistribution.High,
		"pending", manifest.Stats.QualityDistribution.Pending,
		"excluded", manifest.Stats.QualityDistribution.Excluded,
		"domains", manifest.Stats.DomainCount,
	)
}
