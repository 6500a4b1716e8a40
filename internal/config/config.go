// Package config loads the INI-style configuration file (§6) and the
// fallback .env-style SFN credential file, the way the donor pack's
// cmd/*/main.go binaries load their flags: parsed once at startup and
// passed explicitly, never through a package-level singleton.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"gopkg.in/ini.v1"
)

// LLMConfig is the [llm] section.
type LLMConfig struct {
	APIKey                     string
	BaseURL                    string
	Model                      string
	OptModel                   string
	MaxConcurrency             int
	EnableSubtitleOptimization bool
	PromptTemplate             string
}

// CrawlerConfig is the [crawler] section.
type CrawlerConfig struct {
	DaysLookback     int
	OrganizeWorkers  int
	EnrichWorkers    int
	XRequestDelayMin int
	XRequestDelayMax int
	Schedule         string
}

// XScraperConfig is the [x_scraper] section (SFN client tuning).
//
// user_switch_delay_min/_max is accepted in the ini file (§6) but
// intentionally has no corresponding field here: in donor source_fetcher.py,
// the per-user-switch pacing for X/SFN sources is the restricted single-
// worker pool's pre-task sleep, read from [crawler].x_request_delay_min/_max
// (CrawlerConfig.XRequestDelayMin/Max, wired into fetch.Config.UserSwitchDelay
// by internal/batch.Run) — [x_scraper]'s own user_switch_delay belonged to
// x_scraper.py's standalone per-user loop, which this architecture's single
// FetcherStage-style wrapper already supersedes, so a second live knob for
// the same pacing would just be dead configuration.
type XScraperConfig struct {
	AuthCredentials         string
	MaxTweetsPerUser        int
	RequestDelayMin         int
	RequestDelayMax         int
	RequestTimeout          int
	MaxRetries              int
	IncludeRetweets         bool
	IncludeReplies          bool
	CircuitBreakerThreshold int
	CircuitBreakerCooldown  int
	QueryIDs                map[string]string
	Features                map[string]bool
}

// Config is the fully parsed configuration file.
type Config struct {
	LLM             LLMConfig
	Crawler         CrawlerConfig
	WeixinAccounts  map[string]string
	XAccounts       map[string]string
	YouTubeChannels map[string]string
	RSSHubBaseURL   string
	XScraper        XScraperConfig
	// EntityMapping maps canonical entity name -> aliases (source names), as
	// written in the file apart from surrounding whitespace.
	EntityMapping map[string][]string
}

// Load parses the INI file at path. Keys are case-preserving per §6, so the
// file is loaded without ini's default key-folding.
func Load(path string) (*Config, error) {
	f, err := ini.LoadSources(ini.LoadOptions{
		IgnoreInlineComment: true,
		KeyValueDelimiters:  "=",
	}, path)
	if err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}
	f.NameMapper = ini.SnackCase

	cfg := &Config{
		WeixinAccounts:  map[string]string{},
		XAccounts:       map[string]string{},
		YouTubeChannels: map[string]string{},
		EntityMapping:   map[string][]string{},
	}

	llm := f.Section("llm")
	cfg.LLM = LLMConfig{
		APIKey:                     llm.Key("api_key").String(),
		BaseURL:                    llm.Key("base_url").String(),
		Model:                      llm.Key("model").String(),
		OptModel:                   llm.Key("opt_model").String(),
		MaxConcurrency:             llm.Key("max_concurrency").MustInt(10),
		EnableSubtitleOptimization: llm.Key("enable_subtitle_optimization").MustBool(false),
		PromptTemplate:             llm.Key("prompt_template").MustString("prompts/organizer_prompt.md"),
	}

	crawler := f.Section("crawler")
	cfg.Crawler = CrawlerConfig{
		DaysLookback:     crawler.Key("days_lookback").MustInt(7),
		OrganizeWorkers:  crawler.Key("organize_workers").MustInt(5),
		EnrichWorkers:    crawler.Key("enrich_workers").MustInt(5),
		XRequestDelayMin: crawler.Key("x_request_delay_min").MustInt(30),
		XRequestDelayMax: crawler.Key("x_request_delay_max").MustInt(60),
		Schedule:         crawler.Key("schedule").MustString("0 */6 * * *"),
	}

	for _, key := range f.Section("weixin_accounts").Keys() {
		cfg.WeixinAccounts[key.Name()] = key.String()
	}
	for _, key := range f.Section("x_accounts").Keys() {
		cfg.XAccounts[key.Name()] = key.String()
	}
	for _, key := range f.Section("youtube_channels").Keys() {
		cfg.YouTubeChannels[key.Name()] = key.String()
	}
	cfg.RSSHubBaseURL = f.Section("rsshub").Key("base_url").String()

	xs := f.Section("x_scraper")
	cfg.XScraper = XScraperConfig{
		AuthCredentials:         xs.Key("auth_credentials").String(),
		MaxTweetsPerUser:        xs.Key("max_tweets_per_user").MustInt(100),
		RequestDelayMin:         xs.Key("request_delay_min").MustInt(2),
		RequestDelayMax:         xs.Key("request_delay_max").MustInt(5),
		RequestTimeout:          xs.Key("request_timeout").MustInt(30),
		MaxRetries:              xs.Key("max_retries").MustInt(3),
		IncludeRetweets:         xs.Key("include_retweets").MustBool(false),
		IncludeReplies:          xs.Key("include_replies").MustBool(false),
		CircuitBreakerThreshold: xs.Key("circuit_breaker_threshold").MustInt(5),
		CircuitBreakerCooldown:  xs.Key("circuit_breaker_cooldown").MustInt(60),
	}
	if raw := xs.Key("query_ids").String(); raw != "" {
		m, err := parseJSONStringMap(raw)
		if err != nil {
			return nil, fmt.Errorf("config: x_scraper.query_ids: %w", err)
		}
		cfg.XScraper.QueryIDs = m
	}
	if raw := xs.Key("features").String(); raw != "" {
		m, err := parseJSONBoolMap(raw)
		if err != nil {
			return nil, fmt.Errorf("config: x_scraper.features: %w", err)
		}
		cfg.XScraper.Features = m
	}

	em := f.Section("entity_mapping")
	for _, key := range em.Keys() {
		var aliases []string
		for _, a := range strings.Split(key.String(), ",") {
			a = strings.TrimSpace(a)
			if a != "" {
				aliases = append(aliases, a)
			}
		}
		cfg.EntityMapping[key.Name()] = aliases
	}

	return cfg, nil
}

// LoadCredentialFile parses the .env-style fallback credential file (§6).
// Key matching is exact: TWITTER_AUTH_TOKEN_BACKUP is never mistaken for
// TWITTER_AUTH_TOKEN. XCSRF_TOKEN is an explicit fallback name for CT0, not
// a suffix match.
func LoadCredentialFile(path string) (authToken, csrfToken string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", "", fmt.Errorf("config: open credential file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || !strings.Contains(line, "=") {
			continue
		}
		key, value, _ := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"'`)

		switch key {
		case "TWITTER_AUTH_TOKEN":
			authToken = value
		case "TWITTER_CT0", "XCSRF_TOKEN":
			if csrfToken == "" {
				csrfToken = value
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return "", "", fmt.Errorf("config: scan credential file: %w", err)
	}
	if authToken == "" || csrfToken == "" {
		return "", "", fmt.Errorf("config: credential file %s missing TWITTER_AUTH_TOKEN or TWITTER_CT0/XCSRF_TOKEN", path)
	}
	return authToken, csrfToken, nil
}
