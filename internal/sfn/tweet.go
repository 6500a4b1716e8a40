package sfn

import (
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/nativescout/crawler/internal/domain"
)

// Media is a photo/video/gif attachment on a post.
type Media struct {
	Type        string // "photo", "video", "animated_gif"
	URL         string
	PreviewURL  string
	AltText     string
	Width       int
	Height      int
	DurationMS  int
}

// Tweet is the parsed representation of one SFN timeline entry.
type Tweet struct {
	ID          string
	Text        string
	CreatedAt   time.Time
	UserID      string
	Username    string
	DisplayName string

	ReplyCount    int
	RetweetCount  int
	LikeCount     int
	ViewCount     int
	BookmarkCount int
	QuoteCount    int

	URLs  []string
	Media []Media

	IsRetweet      bool
	IsQuote        bool
	QuotedTweet    *Tweet
	RetweetedTweet *Tweet

	InReplyToID       string
	InReplyToUsername string
	ConversationID    string

	Lang   string
	Source string
}

// Permalink is the tweet's canonical public URL.
func (t Tweet) Permalink() string {
	return fmt.Sprintf("https://x.com/%s/status/%s", t.Username, t.ID)
}

// DateStr renders CreatedAt as YYYY-MM-DD, or "" if unset.
func (t Tweet) DateStr() string {
	if t.CreatedAt.IsZero() {
		return ""
	}
	return t.CreatedAt.Format("2006-01-02")
}

// buildContentHTML mirrors the donor's HTML reconstruction so the Enrich
// stage's link-extraction logic (built for RSSHub output) works unmodified
// against SFN posts too.
func (t Tweet) buildContentHTML() string {
	var parts []string

	text := html.EscapeString(t.Text)
	for _, u := range t.URLs {
		escaped := html.EscapeString(u)
		if strings.Contains(text, escaped) {
			text = strings.ReplaceAll(text, escaped, fmt.Sprintf(`<a href="%s">%s</a>`, escaped, escaped))
		} else {
			parts = append(parts, fmt.Sprintf(`<a href="%s">%s</a>`, escaped, escaped))
		}
	}
	parts = append([]string{fmt.Sprintf("<p>%s</p>", text)}, parts...)

	for _, m := range t.Media {
		switch m.Type {
		case "photo":
			parts = append(parts, fmt.Sprintf(`<img src="%s" />`, html.EscapeString(m.URL)))
		case "video", "animated_gif":
			parts = append(parts, fmt.Sprintf(`<video src="%s"></video>`, html.EscapeString(m.URL)))
		}
	}

	if t.QuotedTweet != nil {
		qt := t.QuotedTweet
		preview := qt.Text
		if len(preview) > 200 {
			preview = preview[:200]
		}
		parts = append(parts, fmt.Sprintf(
			`<blockquote><p><b>@%s</b>: %s</p><a href="%s">%s</a></blockquote>`,
			html.EscapeString(qt.Username), html.EscapeString(preview),
			html.EscapeString(qt.Permalink()), html.EscapeString(qt.Permalink()),
		))
	}

	return strings.Join(parts, "\n")
}

// ToRawPost converts a Tweet into the pipeline's normalized RawPost (§4.5.7).
func (t Tweet) ToRawPost(sourceName string) domain.RawPost {
	title := t.Text
	if len(title) > 100 {
		title = title[:100]
	}
	if title == "" {
		title = "(No text)"
	}
	if t.IsRetweet && t.RetweetedTweet != nil {
		rtText := t.RetweetedTweet.Text
		if len(rtText) > 80 {
			rtText = rtText[:80]
		}
		title = fmt.Sprintf("RT @%s: %s", t.RetweetedTweet.Username, rtText)
	}

	return domain.RawPost{
		Title:       title,
		PublishDate: t.DateStr(),
		Link:        t.Permalink(),
		SourceType:  domain.SourceSFN,
		SourceName:  sourceName,
		Content:     t.buildContentHTML(),
		ExtraURLs:   append([]string(nil), t.URLs...),
	}
}
