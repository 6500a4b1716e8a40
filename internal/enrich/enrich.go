package enrich

import (
	"context"
	"log/slog"
	"strings"

	"github.com/nativescout/crawler/internal/domain"
	"github.com/nativescout/crawler/pkg/fn"
)

// MaxArticleContentLength truncates fetched article text, matching
// BlogFetcher.MAX_CONTENT_LENGTH.
const MaxArticleContentLength = 50000

// WebContent is the external blog fetcher's result (§6).
type WebContent struct {
	Title   string
	Link    string
	Content string
}

// WebFetcher resolves a URL to cleaned article text. It returns a nil
// *WebContent (no error) when the page yields nothing worth keeping.
type WebFetcher func(ctx context.Context, url string) (*WebContent, error)

// Transcriber resolves a video URL to transcript text, writing any ASR
// artifacts under outputDir. A "no audio codec" error (silent video) is the
// caller's responsibility to map to an empty transcript (§4.3), but this
// type also lets Transcriber implementations do so themselves.
type Transcriber func(ctx context.Context, videoURL, outputDir string) (string, error)

// Config tunes an Enricher.
type Config struct {
	OutputDir               string // base dir for transcript artifacts, e.g. data/raw_<batch_id>
	MaxArticleContentLength int
}

// Enricher runs the Enrich stage: classifying embedded links and invoking
// the external blog fetcher / transcriber collaborators.
type Enricher struct {
	cfg         Config
	webFetcher  WebFetcher
	transcriber Transcriber
	log         *slog.Logger
}

// New builds an Enricher. Either collaborator may be nil, in which case the
// corresponding link kind is skipped (logged, not fatal).
func New(cfg Config, webFetcher WebFetcher, transcriber Transcriber, log *slog.Logger) *Enricher {
	if cfg.MaxArticleContentLength <= 0 {
		cfg.MaxArticleContentLength = MaxArticleContentLength
	}
	return &Enricher{cfg: cfg, webFetcher: webFetcher, transcriber: transcriber, log: log}
}

// Process enriches a single RawPost per §4.3's per-source-type contract. It
// never returns an error: any per-URL enrichment failure is logged and the
// post is forwarded with whatever partial extras were gathered.
func (e *Enricher) Process(ctx context.Context, post domain.RawPost) domain.EnrichedPost {
	switch post.SourceType {
	case domain.SourceSFN:
		return e.enrichSFN(ctx, post)
	case domain.SourceVideo:
		return e.enrichVideo(ctx, post)
	default:
		return domain.EnrichedPost{RawPost: post}
	}
}

// RunStage adapts Process to pipeline.RunStage's one-in/many-out shape.
func (e *Enricher) RunStage(ctx context.Context, post domain.RawPost) []domain.EnrichedPost {
	return []domain.EnrichedPost{e.Process(ctx, post)}
}

// enrichSFN classifies every embedded URL into article/video/media buckets
// first (content_fetcher.py's LinkExtractor.categorize), fetches video
// content then article content (fetch_embedded_content's own order), and
// records extra_urls as the grouped concatenation article+video+media —
// NOT the order URLs physically appear in the source text.
func (e *Enricher) enrichSFN(ctx context.Context, post domain.RawPost) domain.EnrichedPost {
	urls := ExtractURLs(post.Content)

	var articleURLs, videoURLs, mediaURLs []string
	for _, u := range urls {
		switch Classify(u) {
		case KindArticle:
			articleURLs = append(articleURLs, u)
		case KindVideo:
			videoURLs = append(videoURLs, u)
		case KindMedia:
			mediaURLs = append(mediaURLs, u)
		case KindSelf:
			// self-references are neither fetched nor recorded in extra_urls.
		}
	}

	var videoParts []string
	for _, u := range videoURLs {
		if IsSilentVideo(u) {
			e.log.Info("enrich: skipping silent video by url pattern", "url", u)
			continue
		}
		if transcript := e.transcribe(ctx, u); transcript != "" {
			videoParts = append(videoParts, transcript)
		}
	}

	var articleParts []string
	for _, u := range articleURLs {
		if text := e.fetchArticle(ctx, u, post.Title); text != "" {
			articleParts = append(articleParts, text)
		}
	}

	var parts []string
	parts = append(parts, videoParts...)
	parts = append(parts, articleParts...)

	orderedURLs := append(append([]string{}, articleURLs...), videoURLs...)
	orderedURLs = append(orderedURLs, mediaURLs...)

	enriched := domain.EnrichedPost{RawPost: post}
	enriched.ExtraContent = strings.Join(parts, "\n\n")
	enriched.ExtraURLs = fn.Unique(orderedURLs)
	return enriched
}

func (e *Enricher) enrichVideo(ctx context.Context, post domain.RawPost) domain.EnrichedPost {
	enriched := domain.EnrichedPost{RawPost: post}
	if post.Link == "" {
		return enriched
	}
	enriched.ExtraContent = e.transcribe(ctx, post.Link)
	return enriched
}

// fetchArticle invokes the external blog fetcher and truncates its content,
// logging (not failing the post) on error.
func (e *Enricher) fetchArticle(ctx context.Context, url, title string) string {
	if e.webFetcher == nil {
		return ""
	}
	content, err := e.webFetcher(ctx, url)
	if err != nil {
		e.log.Warn("enrich: article fetch failed", "url", url, "title", title, "error", err)
		return ""
	}
	if content == nil || content.Content == "" {
		return ""
	}
	text := content.Content
	if len(text) > e.cfg.MaxArticleContentLength {
		text = text[:e.cfg.MaxArticleContentLength] + "..."
	}
	return text
}

// transcribe invokes the external transcriber, mapping a "no audio codec"
// failure to an empty transcript rather than an error (§4.3).
func (e *Enricher) transcribe(ctx context.Context, videoURL string) string {
	if e.transcriber == nil {
		return ""
	}
	text, err := e.transcriber(ctx, videoURL, e.cfg.OutputDir)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "audio codec") {
			e.log.Info("enrich: silent video, empty transcript", "url", videoURL)
			return ""
		}
		e.log.Warn("enrich: transcription failed", "url", videoURL, "error", err)
		return ""
	}
	return text
}
