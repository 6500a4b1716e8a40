package enrich

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/nativescout/crawler/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestExtractURLsDedupesPreservingOrder(t *testing.T) {
	text := "see https://a.example.com/1 and https://b.example.com/2, also https://a.example.com/1."
	got := ExtractURLs(text)
	want := []string{"https://a.example.com/1", "https://b.example.com/2"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestClassify(t *testing.T) {
	cases := map[string]LinkKind{
		"https://youtube.com/watch?v=abc":      KindVideo,
		"https://video.twimg.com/clip.mp4":     KindVideo,
		"https://cdn.example.com/file.webm":    KindVideo,
		"https://pbs.twimg.com/media/photo.jpg": KindMedia,
		"https://x.com/someone/status/1":        KindSelf,
		"https://t.co/abcd":                     KindSelf,
		"https://blog.example.com/post":         KindArticle,
	}
	for url, want := range cases {
		if got := Classify(url); got != want {
			t.Errorf("Classify(%q) = %v, want %v", url, got, want)
		}
	}
}

func TestIsSilentVideo(t *testing.T) {
	if !IsSilentVideo("https://video.twimg.com/tweet_video/abc.mp4") {
		t.Fatal("expected silent video match")
	}
	if IsSilentVideo("https://video.twimg.com/ext_tw_video/abc.mp4") {
		t.Fatal("expected no match")
	}
}

func TestProcessPassesThroughNonSFNNonVideo(t *testing.T) {
	e := New(Config{}, nil, nil, testLogger())
	post := domain.RawPost{SourceType: domain.SourceWeb, Content: "https://example.com"}
	got := e.Process(context.Background(), post)
	if got.ExtraContent != "" || len(got.ExtraURLs) != 0 {
		t.Fatalf("expected empty extras, got %+v", got)
	}
}

func TestProcessSFNFetchesArticleAndSkipsSilentVideo(t *testing.T) {
	var fetchedURL string
	webFetcher := func(_ context.Context, url string) (*WebContent, error) {
		fetchedURL = url
		return &WebContent{Content: "article body"}, nil
	}
	transcribeCalled := false
	transcriber := func(_ context.Context, url, _ string) (string, error) {
		transcribeCalled = true
		return "should not be reached", nil
	}

	e := New(Config{}, webFetcher, transcriber, testLogger())
	post := domain.RawPost{
		SourceType: domain.SourceSFN,
		Content:    `<p><a href="https://blog.example.com/x">link</a> <a href="https://video.twimg.com/tweet_video/silent.mp4">vid</a></p>`,
	}

	got := e.Process(context.Background(), post)
	if fetchedURL != "https://blog.example.com/x" {
		t.Fatalf("expected article fetch, got url %q", fetchedURL)
	}
	if transcribeCalled {
		t.Fatal("transcriber should not be invoked for a silent video match")
	}
	if got.ExtraContent != "article body" {
		t.Fatalf("unexpected extra content: %q", got.ExtraContent)
	}
	if len(got.ExtraURLs) != 2 {
		t.Fatalf("expected both urls recorded, got %v", got.ExtraURLs)
	}
}

func TestProcessSFNGroupsExtraURLsByKindNotTextOrder(t *testing.T) {
	webFetcher := func(_ context.Context, _ string) (*WebContent, error) {
		return &WebContent{Content: "article body"}, nil
	}
	transcriber := func(_ context.Context, _ string, _ string) (string, error) {
		return "video transcript", nil
	}
	e := New(Config{}, webFetcher, transcriber, testLogger())

	// media, then video, then article — the reverse of the required grouping.
	post := domain.RawPost{
		SourceType: domain.SourceSFN,
		Content: `<p>
			<a href="https://pbs.twimg.com/media/photo.jpg">media</a>
			<a href="https://video.twimg.com/ext_tw_video/clip.mp4">vid</a>
			<a href="https://blog.example.com/x">article</a>
		</p>`,
	}

	got := e.Process(context.Background(), post)
	want := []string{
		"https://blog.example.com/x",
		"https://video.twimg.com/ext_tw_video/clip.mp4",
		"https://pbs.twimg.com/media/photo.jpg",
	}
	if len(got.ExtraURLs) != len(want) {
		t.Fatalf("got %v, want %v", got.ExtraURLs, want)
	}
	for i := range want {
		if got.ExtraURLs[i] != want[i] {
			t.Fatalf("extra_urls not grouped article/video/media: got %v, want %v", got.ExtraURLs, want)
		}
	}
	if got.ExtraContent != "video transcript\n\narticle body" {
		t.Fatalf("expected video-then-article content order, got %q", got.ExtraContent)
	}
}

func TestProcessSFNIgnoresSelfReferences(t *testing.T) {
	e := New(Config{}, nil, nil, testLogger())
	post := domain.RawPost{
		SourceType: domain.SourceSFN,
		Content:    `<p>check <a href="https://x.com/user/status/99">this</a></p>`,
	}
	got := e.Process(context.Background(), post)
	if len(got.ExtraURLs) != 0 {
		t.Fatalf("expected self-reference to be dropped, got %v", got.ExtraURLs)
	}
}

func TestProcessVideoInvokesTranscriber(t *testing.T) {
	transcriber := func(_ context.Context, url, _ string) (string, error) {
		if url != "https://www.youtube.com/watch?v=abc" {
			t.Fatalf("unexpected url %q", url)
		}
		return "transcript text", nil
	}
	e := New(Config{}, nil, transcriber, testLogger())
	post := domain.RawPost{SourceType: domain.SourceVideo, Link: "https://www.youtube.com/watch?v=abc"}
	got := e.Process(context.Background(), post)
	if got.ExtraContent != "transcript text" {
		t.Fatalf("expected transcript, got %q", got.ExtraContent)
	}
}

func TestTranscribeMapsNoAudioCodecToEmptyTranscript(t *testing.T) {
	transcriber := func(_ context.Context, _ string, _ string) (string, error) {
		return "", errors.New("unable to obtain file audio codec")
	}
	e := New(Config{}, nil, transcriber, testLogger())
	post := domain.RawPost{SourceType: domain.SourceVideo, Link: "https://example.com/silent.mp4"}
	got := e.Process(context.Background(), post)
	if got.ExtraContent != "" {
		t.Fatalf("expected empty transcript on silent video error, got %q", got.ExtraContent)
	}
}

func TestArticleContentTruncatedAtCap(t *testing.T) {
	long := make([]byte, 100)
	for i := range long {
		long[i] = 'x'
	}
	webFetcher := func(_ context.Context, _ string) (*WebContent, error) {
		return &WebContent{Content: string(long)}, nil
	}
	e := New(Config{MaxArticleContentLength: 10}, webFetcher, nil, testLogger())
	post := domain.RawPost{
		SourceType: domain.SourceSFN,
		Content:    `<a href="https://blog.example.com/x">x</a>`,
	}
	got := e.Process(context.Background(), post)
	if got.ExtraContent != "xxxxxxxxxx..." {
		t.Fatalf("expected truncated content, got %q", got.ExtraContent)
	}
}
