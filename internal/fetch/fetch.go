// Package fetch implements the pipeline's producer stage: pulling the three
// configured source families (micro-blog/weixin and video-platform feeds via
// RSS/Atom, SFN via the authenticated GraphQL client in internal/sfn) into a
// single stream of normalized domain.RawPost values, grounded on
// source_fetcher.py's two-pool concurrency policy.
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/nativescout/crawler/internal/domain"
	"github.com/nativescout/crawler/internal/sfn"
)

// Source is one configured feed or SFN handle to fetch.
type Source struct {
	Type domain.SourceType // SourceWeixin, SourceVideo, or SourceSFN
	Name string            // display name, e.g. "36kr" or "OpenAI"
	URL  string            // feed URL for weixin/video; SFN screen name for SFN
}

// GeneralWorkers is the parallel pool size for weixin+video feed fetches,
// matching the donor's fixed general_workers=5.
const GeneralWorkers = 5

// Config tunes a Fetcher.
type Config struct {
	DaysLookback     int
	RawDir           string // e.g. data/raw_<batch_id>; empty disables snapshotting
	GeneralWorkers   int
	FeedTimeout      time.Duration
	MaxTweetsPerUser int
	IncludeReplies   bool
	IncludeRetweets  bool
	RequestDelay     sfn.PageDelay // delay between SFN pagination pages
	UserSwitchDelay  sfn.PageDelay // delay before each new SFN source's first request
}

// Fetcher runs the Fetch stage: a parallel pool for weixin/video RSS feeds
// and a single-worker restricted pool for SFN, fanned into one output
// channel of domain.RawPost.
type Fetcher struct {
	cfg        Config
	sfnClient  *sfn.Client
	httpClient *http.Client
	log        *slog.Logger
}

// New builds a Fetcher. sfnClient may be nil if no SFN sources are configured.
func New(cfg Config, sfnClient *sfn.Client, httpClient *http.Client, log *slog.Logger) *Fetcher {
	if cfg.GeneralWorkers <= 0 {
		cfg.GeneralWorkers = GeneralWorkers
	}
	if cfg.FeedTimeout <= 0 {
		cfg.FeedTimeout = 30 * time.Second
	}
	if cfg.DaysLookback <= 0 {
		cfg.DaysLookback = 7
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.FeedTimeout}
	}
	return &Fetcher{cfg: cfg, sfnClient: sfnClient, httpClient: httpClient, log: log}
}

// Run fetches every source concurrently (general pool parallel, SFN serial)
// and returns a channel of RawPost that closes once every source has been
// attempted. A failed source is logged and skipped; it never aborts the run.
func (f *Fetcher) Run(ctx context.Context, sources []Source) <-chan domain.RawPost {
	var general, restricted []Source
	for _, s := range sources {
		if s.Type == domain.SourceSFN {
			restricted = append(restricted, s)
		} else {
			general = append(general, s)
		}
	}

	out := make(chan domain.RawPost, 1000)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		f.runGeneral(ctx, general, out)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		f.runRestricted(ctx, restricted, out)
	}()

	go func() {
		wg.Wait()
		close(out)
	}()

	return out
}

// runGeneral fans weixin/video sources across cfg.GeneralWorkers goroutines.
func (f *Fetcher) runGeneral(ctx context.Context, sources []Source, out chan<- domain.RawPost) {
	if len(sources) == 0 {
		return
	}
	sem := make(chan struct{}, f.cfg.GeneralWorkers)
	var wg sync.WaitGroup
	for _, src := range sources {
		src := src
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			posts := f.fetchFeed(ctx, src)
			f.saveRawBackup(src, posts)
			for _, p := range posts {
				select {
				case out <- p:
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	wg.Wait()
}

// runRestricted fetches SFN sources one at a time, sleeping a random
// user-switch delay before each, so the single-worker pool enforces a
// mandatory gap between requests.
func (f *Fetcher) runRestricted(ctx context.Context, sources []Source, out chan<- domain.RawPost) {
	if len(sources) == 0 {
		return
	}
	if f.sfnClient == nil {
		f.log.Error("fetch: SFN sources configured but no SFN client provided, skipping", "count", len(sources))
		return
	}
	for _, src := range sources {
		if ctx.Err() != nil {
			return
		}
		sleepRandom(ctx, f.cfg.UserSwitchDelay)
		posts := f.fetchSFN(ctx, src)
		f.saveRawBackup(src, posts)
		for _, p := range posts {
			select {
			case out <- p:
			case <-ctx.Done():
				return
			}
		}
	}
}

func sleepRandom(ctx context.Context, delay sfn.PageDelay) {
	if delay.Max <= 0 {
		return
	}
	d := delay.Min
	if delay.Max > delay.Min {
		d += time.Duration(rand.Int63n(int64(delay.Max - delay.Min)))
	}
	f := time.NewTimer(d)
	defer f.Stop()
	select {
	case <-f.C:
	case <-ctx.Done():
	}
}

// fetchFeed pulls and normalizes one RSS/Atom source (weixin or video).
func (f *Fetcher) fetchFeed(ctx context.Context, src Source) []domain.RawPost {
	f.log.Info("fetch: fetching feed", "type", src.Type, "name", src.Name, "url", src.URL)

	reqCtx, cancel := context.WithTimeout(ctx, f.cfg.FeedTimeout)
	defer cancel()

	parser := gofeed.NewParser()
	parser.Client = f.httpClient
	feed, err := parser.ParseURLWithContext(src.URL, reqCtx)
	if err != nil {
		f.log.Info("fetch: feed fetch failed", "name", src.Name, "error", err)
		return nil
	}
	if feed == nil || len(feed.Items) == 0 {
		return nil
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -f.cfg.DaysLookback)
	var posts []domain.RawPost
	for _, item := range feed.Items {
		publishedAt := itemPublishedAt(item)
		if publishedAt.IsZero() {
			continue
		}
		if publishedAt.Before(cutoff) {
			continue
		}

		content := itemContent(item, src.Type)
		posts = append(posts, domain.RawPost{
			Title:       item.Title,
			PublishDate: publishedAt.Format("2006-01-02"),
			Link:        item.Link,
			SourceType:  src.Type,
			SourceName:  src.Name,
			Content:     content,
		})
	}

	if len(posts) > 0 {
		f.log.Info("fetch: fetched posts", "type", src.Type, "name", src.Name, "count", len(posts))
	}
	return posts
}

// itemPublishedAt prefers the parsed timestamp; a timestamp lacking a zone is
// coerced to UTC rather than the local zone (§4.2 date parsing rule).
func itemPublishedAt(item *gofeed.Item) time.Time {
	if item.PublishedParsed != nil {
		return item.PublishedParsed.UTC()
	}
	if item.UpdatedParsed != nil {
		return item.UpdatedParsed.UTC()
	}
	return time.Time{}
}

// itemContent picks the feed's content list for micro-blog feeds, falling
// back to the description for the SFN-bridge/video families where the
// content list is unreliable (§4.2 feed-library quirks).
func itemContent(item *gofeed.Item, sourceType domain.SourceType) string {
	if sourceType == domain.SourceWeixin && item.Content != "" {
		return item.Content
	}
	return item.Description
}

// fetchSFN resolves a screen name and paginates its timeline via the SFN
// client, converting each Tweet into a RawPost.
func (f *Fetcher) fetchSFN(ctx context.Context, src Source) []domain.RawPost {
	f.log.Info("fetch: fetching SFN user", "name", src.Name, "handle", src.URL)

	userID, err := f.sfnClient.GetUserID(ctx, src.URL)
	if err != nil {
		f.log.Warn("fetch: SFN user lookup failed", "handle", src.URL, "error", err)
		return nil
	}
	if userID == "" {
		f.log.Warn("fetch: SFN user unavailable", "handle", src.URL)
		return nil
	}

	sinceDate := time.Now().UTC().AddDate(0, 0, -f.cfg.DaysLookback).Format("2006-01-02")
	limit := f.cfg.MaxTweetsPerUser
	if limit <= 0 {
		limit = 100
	}

	tweets := f.sfnClient.GetUserTweetsAll(ctx, userID, limit, sinceDate, f.cfg.IncludeReplies, f.cfg.IncludeRetweets, f.cfg.RequestDelay)

	posts := make([]domain.RawPost, 0, len(tweets))
	for _, t := range tweets {
		posts = append(posts, t.ToRawPost(src.Name))
	}
	if len(posts) > 0 {
		f.log.Info("fetch: fetched SFN posts", "name", src.Name, "count", len(posts))
	}
	return posts
}

// saveRawBackup persists a forensic snapshot of one source's fetched posts
// under cfg.RawDir, named "<source_type>_<safe_name>.json". A no-op when
// RawDir is empty or posts is empty.
func (f *Fetcher) saveRawBackup(src Source, posts []domain.RawPost) {
	if f.cfg.RawDir == "" || len(posts) == 0 {
		return
	}
	if err := os.MkdirAll(f.cfg.RawDir, 0o755); err != nil {
		f.log.Warn("fetch: raw backup mkdir failed", "error", err)
		return
	}
	filename := fmt.Sprintf("%s_%s.json", src.Type, safeFilename(src.Name))
	raw, err := json.MarshalIndent(posts, "", "  ")
	if err != nil {
		f.log.Warn("fetch: raw backup marshal failed", "error", err)
		return
	}
	if err := os.WriteFile(filepath.Join(f.cfg.RawDir, filename), raw, 0o644); err != nil {
		f.log.Warn("fetch: raw backup write failed", "error", err)
	}
}

func safeFilename(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
