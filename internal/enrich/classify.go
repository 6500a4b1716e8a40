// Package enrich implements the pipeline's second stage: resolving the
// embedded links inside a RawPost's content into article text and video
// transcripts, grounded on content_fetcher.py's LinkExtractor/BlogFetcher/
// GenericVideoFetcher split.
package enrich

import (
	"net/url"
	"regexp"
	"strings"
)

// LinkKind classifies an extracted URL per §4.3's classification rules.
type LinkKind int

const (
	KindArticle LinkKind = iota
	KindVideo
	KindMedia
	KindSelf
)

// videoDomains are the canonical hosts of recognized video platforms.
var videoDomains = []string{
	"youtube.com", "youtu.be", "www.youtube.com", "m.youtube.com",
	"video.twimg.com",
}

var videoExtensions = []string{".mp4", ".mov", ".webm", ".mkv"}

// mediaDomains serve images/thumbnails for the SFN; collected but never fetched.
var mediaDomains = []string{"twimg.com", "pbs.twimg.com"}

// selfDomains are the SFN itself, its URL shortener, and its image host.
var selfDomains = []string{"twitter.com", "x.com", "t.co", "pic.twitter.com"}

// silentVideoPatterns match known GIF-to-MP4 rewrites that carry no audio
// track; the transcriber is never invoked for these (§4.3 silent-video skip).
var silentVideoPatterns = []string{"/tweet_video/"}

var urlPattern = regexp.MustCompile(`https?://[^\s<>"{}|\\^` + "`" + `\[\]]+`)

// ExtractURLs pulls every http(s) URL out of text, deduplicated in
// first-occurrence order, with trailing punctuation trimmed.
func ExtractURLs(text string) []string {
	if text == "" {
		return nil
	}
	raw := urlPattern.FindAllString(text, -1)
	seen := make(map[string]struct{}, len(raw))
	var out []string
	for _, u := range raw {
		u = strings.TrimRight(u, ".,;:!?")
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

// Classify applies the §4.3 URL classification rules: video domain/extension
// match, then media CDN, then self-reference, else article.
func Classify(rawURL string) LinkKind {
	u, err := url.Parse(rawURL)
	if err != nil {
		return KindArticle
	}
	host := strings.ToLower(u.Host)
	path := strings.ToLower(u.Path)

	if containsAny(host, videoDomains) || hasAnySuffix(path, videoExtensions) {
		return KindVideo
	}
	if containsAny(host, mediaDomains) {
		return KindMedia
	}
	if containsAny(host, selfDomains) {
		return KindSelf
	}
	return KindArticle
}

// IsSilentVideo reports whether a video URL matches a known GIF-to-MP4
// rewrite pattern and should be skipped without invoking the transcriber.
func IsSilentVideo(rawURL string) bool {
	for _, p := range silentVideoPatterns {
		if strings.Contains(rawURL, p) {
			return true
		}
	}
	return false
}

func containsAny(host string, domains []string) bool {
	for _, d := range domains {
		if strings.Contains(host, d) {
			return true
		}
	}
	return false
}

func hasAnySuffix(path string, suffixes []string) bool {
	for _, s := range suffixes {
		if strings.HasSuffix(path, s) {
			return true
		}
	}
	return false
}
