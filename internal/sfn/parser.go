package sfn

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// twitterDateFormat is the fixed timestamp format used across the GraphQL
// API: "Mon Feb 10 12:34:56 +0000 2026".
const twitterDateFormat = "Mon Jan 02 15:04:05 -0700 2006"

// jsonObj is a loosely-typed JSON object, used the way the donor parser
// walks nested dicts: read what's there, tolerate what's missing.
type jsonObj = map[string]any

// Parser turns UserByScreenName/UserTweets GraphQL responses into Tweets.
type Parser struct {
	sourceRe *regexp.Regexp
}

// NewParser builds a Parser.
func NewParser() *Parser {
	return &Parser{sourceRe: regexp.MustCompile(`>(.+?)</a>`)}
}

func asObj(v any) jsonObj {
	if m, ok := v.(jsonObj); ok {
		return m
	}
	return jsonObj{}
}

func asSlice(v any) []any {
	if s, ok := v.([]any); ok {
		return s
	}
	return nil
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case string:
		var i int
		fmt.Sscanf(n, "%d", &i)
		return i
	default:
		return 0
	}
}

func dig(root jsonObj, path ...string) any {
	var cur any = root
	for _, key := range path {
		obj, ok := cur.(jsonObj)
		if !ok {
			return nil
		}
		cur = obj[key]
	}
	return cur
}

func unmarshalObj(body []byte) (jsonObj, error) {
	var out jsonObj
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("sfn: unmarshal response: %w", err)
	}
	return out, nil
}

// ParseUserID extracts rest_id from a UserByScreenName response.
func (p *Parser) ParseUserID(body []byte) (string, error) {
	root, err := unmarshalObj(body)
	if err != nil {
		return "", err
	}
	userResult := asObj(dig(root, "data", "user", "result"))
	if len(userResult) == 0 {
		return "", fmt.Errorf("sfn: unexpected UserByScreenName response shape")
	}
	if asString(userResult["__typename"]) == "UserUnavailable" {
		return "", nil
	}
	return asString(userResult["rest_id"]), nil
}

// ParseTimeline extracts tweets and the next pagination cursor from a
// UserTweets response, deduplicating by ID the way pinned tweets can
// otherwise double-appear.
func (p *Parser) ParseTimeline(body []byte) ([]Tweet, string, error) {
	root, err := unmarshalObj(body)
	if err != nil {
		return nil, "", err
	}

	var tweets []Tweet
	var nextCursor string
	seen := map[string]bool{}

	appendUnique := func(t *Tweet) {
		if t == nil || seen[t.ID] {
			return
		}
		seen[t.ID] = true
		tweets = append(tweets, *t)
	}

	instructions := asSlice(dig(root, "data", "user", "result", "timeline_v2", "timeline", "instructions"))
	for _, raw := range instructions {
		instruction := asObj(raw)
		switch asString(instruction["type"]) {
		case "TimelineAddEntries":
			for _, rawEntry := range asSlice(instruction["entries"]) {
				entry := asObj(rawEntry)
				entryID := asString(entry["entryId"])

				switch {
				case strings.HasPrefix(entryID, "tweet-"):
					appendUnique(p.parseTweetEntry(entry))
				case strings.HasPrefix(entryID, "cursor-bottom-"):
					if v := asString(dig(entry, "content", "value")); v != "" {
						nextCursor = v
					}
				case strings.HasPrefix(entryID, "profile-conversation-"), strings.HasPrefix(entryID, "homeConversation-"):
					for _, t := range p.parseModuleEntry(entry) {
						tCopy := t
						appendUnique(&tCopy)
					}
				}
			}
		case "TimelinePinEntry":
			appendUnique(p.parseTweetEntry(asObj(instruction["entry"])))
		}
	}

	return tweets, nextCursor, nil
}

func (p *Parser) parseTweetEntry(entry jsonObj) *Tweet {
	itemContent := asObj(dig(entry, "content", "itemContent"))
	if itemContent["promotedMetadata"] != nil {
		return nil
	}
	result := asObj(dig(itemContent, "tweet_results", "result"))
	return p.parseTweetResult(result)
}

func (p *Parser) parseModuleEntry(entry jsonObj) []Tweet {
	var tweets []Tweet
	for _, rawItem := range asSlice(dig(entry, "content", "items")) {
		item := asObj(rawItem)
		itemContent := asObj(dig(item, "item", "itemContent"))
		result := asObj(dig(itemContent, "tweet_results", "result"))
		if t := p.parseTweetResult(result); t != nil {
			tweets = append(tweets, *t)
		}
	}
	return tweets
}

// parseTweetResult parses a tweet_results.result object, unwrapping the
// TweetWithVisibilityResults wrapper and skipping tombstoned/unavailable
// tweets.
func (p *Parser) parseTweetResult(result jsonObj) *Tweet {
	if len(result) == 0 {
		return nil
	}

	typename := asString(result["__typename"])
	if typename == "TweetWithVisibilityResults" {
		result = asObj(result["tweet"])
	}
	if typename == "TweetTombstone" || typename == "TweetUnavailable" {
		return nil
	}

	legacy := asObj(result["legacy"])
	if len(legacy) == 0 {
		return nil
	}

	id := asString(legacy["id_str"])
	if id == "" {
		id = asString(result["rest_id"])
	}

	t := &Tweet{
		ID:                 id,
		Text:               p.extractFullText(result, legacy),
		CreatedAt:           p.parseDate(asString(legacy["created_at"])),
		Lang:               asString(legacy["lang"]),
		Source:             p.cleanSource(asString(result["source"])),
		ConversationID:     asString(legacy["conversation_id_str"]),
		InReplyToID:        asString(legacy["in_reply_to_status_id_str"]),
		InReplyToUsername:  asString(legacy["in_reply_to_screen_name"]),
	}

	userResult := asObj(dig(result, "core", "user_results", "result"))
	userLegacy := asObj(userResult["legacy"])
	t.UserID = asString(userResult["rest_id"])
	t.Username = asString(userLegacy["screen_name"])
	t.DisplayName = asString(userLegacy["name"])

	t.ReplyCount = asInt(legacy["reply_count"])
	t.RetweetCount = asInt(legacy["retweet_count"])
	t.LikeCount = asInt(legacy["favorite_count"])
	t.QuoteCount = asInt(legacy["quote_count"])
	t.BookmarkCount = asInt(legacy["bookmark_count"])

	views := asObj(result["views"])
	if views["count"] != nil {
		t.ViewCount = asInt(views["count"])
	}

	t.URLs = p.extractURLs(legacy)
	t.Media = p.extractMedia(legacy)

	if retweetedResult := asObj(dig(legacy, "retweeted_status_result", "result")); len(retweetedResult) > 0 {
		t.IsRetweet = true
		t.RetweetedTweet = p.parseTweetResult(retweetedResult)
	}
	if quotedResult := asObj(dig(result, "quoted_status_result", "result")); len(quotedResult) > 0 {
		t.IsQuote = true
		t.QuotedTweet = p.parseTweetResult(quotedResult)
	}

	return t
}

// extractFullText prefers a note_tweet's long-form body (Premium/Blue
// long posts) over legacy.full_text.
func (p *Parser) extractFullText(result, legacy jsonObj) string {
	noteTweet := asObj(dig(result, "note_tweet", "note_tweet_results", "result"))
	if text := asString(noteTweet["text"]); text != "" {
		return text
	}
	return asString(legacy["full_text"])
}

func (p *Parser) parseDate(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(twitterDateFormat, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// cleanSource extracts the client name out of the HTML anchor tag the API
// wraps it in, e.g. `<a href="..." rel="nofollow">Twitter Web App</a>`.
func (p *Parser) cleanSource(sourceHTML string) string {
	if sourceHTML == "" {
		return ""
	}
	m := p.sourceRe.FindStringSubmatch(sourceHTML)
	if m == nil {
		return sourceHTML
	}
	return m[1]
}

// extractURLs pulls expanded external links out of entities.urls, filtering
// the tweet's own self-referencing status link while keeping quote-tweet
// links to other statuses.
func (p *Parser) extractURLs(legacy jsonObj) []string {
	var urls []string
	entities := asObj(legacy["entities"])
	selfID := asString(legacy["id_str"])

	for _, raw := range asSlice(entities["urls"]) {
		entry := asObj(raw)
		expanded := asString(entry["expanded_url"])
		if expanded == "" {
			continue
		}
		if strings.Contains(expanded, "/status/") && (strings.Contains(expanded, "x.com") || strings.Contains(expanded, "twitter.com")) {
			statusID := expanded
			if idx := strings.Index(statusID, "/status/"); idx != -1 {
				statusID = statusID[idx+len("/status/"):]
			}
			if idx := strings.IndexAny(statusID, "?"); idx != -1 {
				statusID = statusID[:idx]
			}
			if statusID == selfID {
				continue
			}
		}
		urls = append(urls, expanded)
	}
	return urls
}

// extractMedia pulls photo/video/gif attachments, selecting the
// highest-bitrate mp4 variant for videos.
func (p *Parser) extractMedia(legacy jsonObj) []Media {
	var out []Media
	extended := asObj(legacy["extended_entities"])

	for _, raw := range asSlice(extended["media"]) {
		item := asObj(raw)
		m := Media{
			Type:    asString(item["type"]),
			AltText: asString(item["ext_alt_text"]),
		}

		switch m.Type {
		case "photo":
			m.URL = asString(item["media_url_https"])
			m.PreviewURL = m.URL
		case "video", "animated_gif":
			videoInfo := asObj(item["video_info"])
			bestBitrate := -1
			for _, rawVariant := range asSlice(videoInfo["variants"]) {
				variant := asObj(rawVariant)
				if asString(variant["content_type"]) != "video/mp4" {
					continue
				}
				if bitrate := asInt(variant["bitrate"]); bitrate > bestBitrate {
					bestBitrate = bitrate
					m.URL = asString(variant["url"])
				}
			}
			m.PreviewURL = asString(item["media_url_https"])
			m.DurationMS = asInt(videoInfo["duration_millis"])
		}

		original := asObj(item["original_info"])
		m.Width = asInt(original["width"])
		m.Height = asInt(original["height"])

		out = append(out, m)
	}
	return out
}
