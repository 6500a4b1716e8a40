// Package batch assembles one run of the fetch/enrich/organize/write
// pipeline from a loaded Config, the shared entry point cmd/crawler (one
// run) and cmd/scheduler (one run per cron tick) both call into.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/nativescout/crawler/internal/config"
	"github.com/nativescout/crawler/internal/domain"
	"github.com/nativescout/crawler/internal/enrich"
	"github.com/nativescout/crawler/internal/fetch"
	"github.com/nativescout/crawler/internal/metrics"
	"github.com/nativescout/crawler/internal/organize"
	"github.com/nativescout/crawler/internal/pipeline"
	"github.com/nativescout/crawler/internal/sfn"
	"github.com/nativescout/crawler/internal/write"
)

// Options are the per-process knobs that do not live in the INI file.
type Options struct {
	ConfigPath     string
	OutputDir      string
	CredentialFile string
}

// Run loads cfg, wires every stage, and executes one full batch.
func Run(ctx context.Context, opts Options, m *metrics.Registry, logger *slog.Logger) (domain.BatchManifest, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return domain.BatchManifest{}, fmt.Errorf("batch: load config: %w", err)
	}

	batchID := time.Now().UTC().Format("20060102_150405")
	rawDir := fmt.Sprintf("data/raw_%s", batchID)

	sfnClient, err := buildSFNClient(cfg, opts.CredentialFile, logger)
	if err != nil {
		logger.Warn("batch: SFN client unavailable, SFN sources will be skipped", "error", err)
	}

	fetcher := fetch.New(fetch.Config{
		DaysLookback:     cfg.Crawler.DaysLookback,
		RawDir:           rawDir,
		GeneralWorkers:   fetch.GeneralWorkers,
		MaxTweetsPerUser: cfg.XScraper.MaxTweetsPerUser,
		IncludeReplies:   cfg.XScraper.IncludeReplies,
		IncludeRetweets:  cfg.XScraper.IncludeRetweets,
		RequestDelay: sfn.PageDelay{
			Min: time.Duration(cfg.XScraper.RequestDelayMin) * time.Second,
			Max: time.Duration(cfg.XScraper.RequestDelayMax) * time.Second,
		},
		UserSwitchDelay: sfn.PageDelay{
			Min: time.Duration(cfg.Crawler.XRequestDelayMin) * time.Second,
			Max: time.Duration(cfg.Crawler.XRequestDelayMax) * time.Second,
		},
	}, sfnClient, nil, logger)

	sources := buildSources(cfg)
	raw := fetcher.Run(ctx, sources)

	enricher := enrich.New(enrich.Config{OutputDir: rawDir}, nil, nil, logger)

	llmCfg := openai.DefaultConfig(cfg.LLM.APIKey)
	if cfg.LLM.BaseURL != "" {
		llmCfg.BaseURL = cfg.LLM.BaseURL
	}
	llmClient := openai.NewClientWithConfig(llmCfg)

	promptTemplate, err := os.ReadFile(cfg.LLM.PromptTemplate)
	if err != nil {
		return domain.BatchManifest{}, fmt.Errorf("batch: read prompt template: %w", err)
	}

	organizer, err := organize.New(organize.Config{
		Model:          cfg.LLM.Model,
		PromptTemplate: string(promptTemplate),
		EntityList:     entityListString(cfg),
		MaxConcurrency: cfg.LLM.MaxConcurrency,
	}, llmClient, logger)
	if err != nil {
		return domain.BatchManifest{}, fmt.Errorf("batch: build organizer: %w", err)
	}

	entityMapping, knownEntities := flattenEntityMapping(cfg.EntityMapping)
	writer := write.New(write.Config{
		OutputDir:     opts.OutputDir,
		BatchID:       batchID,
		EntityMapping: entityMapping,
		KnownEntities: knownEntities,
	}, logger)

	return pipeline.Run(ctx, pipeline.Config{
		EnrichWorkers:   cfg.Crawler.EnrichWorkers,
		OrganizeWorkers: cfg.Crawler.OrganizeWorkers,
	}, raw, enricher, organizer, writer, m, logger)
}

// Schedule loads just the [crawler].schedule value, for the scheduler
// binary to build its cron.Cron before the first tick fires.
func Schedule(configPath string) (string, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return "", fmt.Errorf("batch: load config: %w", err)
	}
	return cfg.Crawler.Schedule, nil
}

func buildSFNClient(cfg *config.Config, credentialFile string, logger *slog.Logger) (*sfn.Client, error) {
	var pairs [][2]string
	if cfg.XScraper.AuthCredentials != "" {
		pairs = sfn.ParseConfigString(cfg.XScraper.AuthCredentials, logger)
	} else if credentialFile != "" {
		authToken, csrfToken, err := config.LoadCredentialFile(credentialFile)
		if err != nil {
			return nil, err
		}
		pairs = [][2]string{{authToken, csrfToken}}
	}
	if len(pairs) == 0 {
		return nil, domain.ErrNoCredentials
	}

	pool, err := sfn.NewPool(pairs, logger)
	if err != nil {
		return nil, err
	}

	httpClient := sfn.NewImpersonatingTransport(time.Duration(cfg.XScraper.RequestTimeout) * time.Second)
	return sfn.NewClient(pool, httpClient, logger, sfn.ClientOpts{
		Timeout:                 time.Duration(cfg.XScraper.RequestTimeout) * time.Second,
		MaxRetries:              cfg.XScraper.MaxRetries,
		CircuitBreakerThreshold: cfg.XScraper.CircuitBreakerThreshold,
		CircuitBreakerCooldown:  time.Duration(cfg.XScraper.CircuitBreakerCooldown) * time.Second,
		QueryIDs:                cfg.XScraper.QueryIDs,
		Features:                cfg.XScraper.Features,
		MinRequestInterval:      time.Duration(cfg.XScraper.RequestDelayMin) * time.Second,
	}), nil
}

func buildSources(cfg *config.Config) []fetch.Source {
	var sources []fetch.Source
	for name, url := range cfg.WeixinAccounts {
		sources = append(sources, fetch.Source{Type: domain.SourceWeixin, Name: name, URL: url})
	}
	for name, url := range cfg.YouTubeChannels {
		sources = append(sources, fetch.Source{Type: domain.SourceVideo, Name: name, URL: url})
	}
	for name, handle := range cfg.XAccounts {
		sources = append(sources, fetch.Source{Type: domain.SourceSFN, Name: name, URL: handle})
	}
	return sources
}

// entityListString renders the configured canonical entity names as a
// comma-separated list for the organize prompt's {{.EntityList}} slot.
func entityListString(cfg *config.Config) string {
	var names []string
	for canonical := range cfg.EntityMapping {
		names = append(names, canonical)
	}
	return strings.Join(names, ", ")
}

// flattenEntityMapping turns the config's canonical->aliases map into the
// Writer's alias(lowercased)->canonical reverse index plus the known-entity
// set the Organize stage's primary_entity is constrained against.
func flattenEntityMapping(cfg map[string][]string) (map[string]string, map[string]bool) {
	mapping := map[string]string{}
	known := map[string]bool{}
	for canonical, aliases := range cfg {
		known[canonical] = true
		for _, alias := range aliases {
			mapping[strings.ToLower(alias)] = canonical
		}
	}
	return mapping, known
}
