package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nativescout/crawler/internal/domain"
	"github.com/nativescout/crawler/internal/sfn"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func rssFeed(items ...string) string {
	return `<?xml version="1.0"?><rss version="2.0"><channel><title>feed</title>` +
		joinStrings(items) + `</channel></rss>`
}

func joinStrings(items []string) string {
	out := ""
	for _, i := range items {
		out += i
	}
	return out
}

func rssItem(title, link, pubDate, content string) string {
	return fmt.Sprintf(`<item><title>%s</title><link>%s</link><pubDate>%s</pubDate><description>%s</description></item>`,
		title, link, pubDate, content)
}

func TestFetchFeedFiltersByLookbackWindow(t *testing.T) {
	recent := time.Now().UTC().Add(-24 * time.Hour).Format(time.RFC1123Z)
	stale := time.Now().UTC().AddDate(0, 0, -30).Format(time.RFC1123Z)

	body := rssFeed(
		rssItem("Recent post", "https://example.com/1", recent, "recent content"),
		rssItem("Stale post", "https://example.com/2", stale, "stale content"),
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "application/rss+xml")
		w.Write([]byte(body))
	}))
	defer srv.Close()

	f := New(Config{DaysLookback: 7}, nil, srv.Client(), testLogger())
	posts := f.fetchFeed(context.Background(), Source{Type: domain.SourceWeixin, Name: "acme", URL: srv.URL})

	if len(posts) != 1 {
		t.Fatalf("expected 1 post within lookback window, got %d", len(posts))
	}
	if posts[0].Title != "Recent post" {
		t.Fatalf("unexpected post: %+v", posts[0])
	}
	if posts[0].SourceType != domain.SourceWeixin || posts[0].SourceName != "acme" {
		t.Fatalf("unexpected source fields: %+v", posts[0])
	}
}

func TestFetchFeedSkipsEntriesWithoutPublishDate(t *testing.T) {
	body := `<?xml version="1.0"?><rss version="2.0"><channel><title>feed</title>` +
		`<item><title>No date</title><link>https://example.com/x</link><description>x</description></item>` +
		`</channel></rss>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	defer srv.Close()

	f := New(Config{DaysLookback: 7}, nil, srv.Client(), testLogger())
	posts := f.fetchFeed(context.Background(), Source{Type: domain.SourceVideo, Name: "chan", URL: srv.URL})
	if len(posts) != 0 {
		t.Fatalf("expected entries without a publish date to be skipped, got %d", len(posts))
	}
}

func TestFetchFeedHandlesFetchFailureGracefully(t *testing.T) {
	f := New(Config{DaysLookback: 7}, nil, http.DefaultClient, testLogger())
	posts := f.fetchFeed(context.Background(), Source{Type: domain.SourceWeixin, Name: "broken", URL: "http://127.0.0.1:0/nope"})
	if posts != nil {
		t.Fatalf("expected nil posts on fetch failure, got %+v", posts)
	}
}

func TestRunMergesGeneralAndRestrictedSources(t *testing.T) {
	recent := time.Now().UTC().Add(-time.Hour).Format(time.RFC1123Z)
	feedBody := rssFeed(rssItem("Weixin post", "https://example.com/w1", recent, "content"))
	feedSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(feedBody))
	}))
	defer feedSrv.Close()

	sfnSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		switch {
		case contains(r.URL.String(), "UserByScreenName"):
			w.Write([]byte(`{"data":{"user":{"result":{"__typename":"User","rest_id":"1"}}}}`))
		default:
			w.Write([]byte(`{"data":{"user":{"result":{"timeline_v2":{"timeline":{"instructions":[]}}}}}}`))
		}
	}))
	defer sfnSrv.Close()

	pool, err := sfn.NewPool([][2]string{{"tok", "csrf"}}, testLogger())
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	client := sfn.NewClient(pool, sfnSrv.Client(), testLogger(), sfn.ClientOpts{BaseURL: sfnSrv.URL})

	f := New(Config{
		DaysLookback:     7,
		MaxTweetsPerUser: 10,
		RequestDelay:     sfn.PageDelay{Min: time.Millisecond, Max: 2 * time.Millisecond},
		UserSwitchDelay:  sfn.PageDelay{Min: time.Millisecond, Max: 2 * time.Millisecond},
	}, client, feedSrv.Client(), testLogger())

	sources := []Source{
		{Type: domain.SourceWeixin, Name: "acme", URL: feedSrv.URL},
		{Type: domain.SourceSFN, Name: "someone", URL: "someone"},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var posts []domain.RawPost
	for p := range f.Run(ctx, sources) {
		posts = append(posts, p)
	}

	if len(posts) != 1 {
		t.Fatalf("expected 1 post (the weixin one, SFN user has empty timeline), got %d: %+v", len(posts), posts)
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && (func() bool {
		for i := 0; i+len(needle) <= len(haystack); i++ {
			if haystack[i:i+len(needle)] == needle {
				return true
			}
		}
		return false
	})()
}
