package sfn

import "testing"

func TestParseUserID(t *testing.T) {
	body := []byte(`{"data":{"user":{"result":{"__typename":"User","rest_id":"12345"}}}}`)
	id, err := NewParser().ParseUserID(body)
	if err != nil {
		t.Fatalf("ParseUserID: %v", err)
	}
	if id != "12345" {
		t.Fatalf("expected 12345, got %q", id)
	}
}

func TestParseUserIDUnavailable(t *testing.T) {
	body := []byte(`{"data":{"user":{"result":{"__typename":"UserUnavailable"}}}}`)
	id, err := NewParser().ParseUserID(body)
	if err != nil {
		t.Fatalf("ParseUserID: %v", err)
	}
	if id != "" {
		t.Fatalf("expected empty id for unavailable user, got %q", id)
	}
}

func tweetResultJSON(id, text, createdAt string) string {
	return `{
		"__typename": "Tweet",
		"rest_id": "` + id + `",
		"source": "<a href=\"https://example.com\" rel=\"nofollow\">Test Client</a>",
		"core": {"user_results": {"result": {"rest_id": "u1", "legacy": {"screen_name": "alice", "name": "Alice"}}}},
		"legacy": {
			"id_str": "` + id + `",
			"full_text": "` + text + `",
			"created_at": "` + createdAt + `",
			"lang": "en",
			"reply_count": 1,
			"retweet_count": 2,
			"favorite_count": 3,
			"quote_count": 0,
			"bookmark_count": 0,
			"entities": {"urls": []},
			"extended_entities": {}
		}
	}`
}

func TestParseTimelineBasic(t *testing.T) {
	body := []byte(`{
		"data": {"user": {"result": {"timeline_v2": {"timeline": {"instructions": [
			{"type": "TimelineAddEntries", "entries": [
				{"entryId": "tweet-1", "content": {"itemContent": {"tweet_results": {"result": ` + tweetResultJSON("1", "hello world", "Mon Feb 10 12:34:56 +0000 2026") + `}}}},
				{"entryId": "cursor-bottom-1", "content": {"value": "CURSOR123"}}
			]}
		]}}}}}
	}`)

	tweets, cursor, err := NewParser().ParseTimeline(body)
	if err != nil {
		t.Fatalf("ParseTimeline: %v", err)
	}
	if len(tweets) != 1 {
		t.Fatalf("expected 1 tweet, got %d", len(tweets))
	}
	if tweets[0].Text != "hello world" || tweets[0].Username != "alice" {
		t.Fatalf("unexpected tweet: %+v", tweets[0])
	}
	if tweets[0].CreatedAt.Year() != 2026 {
		t.Fatalf("expected date parsed, got %v", tweets[0].CreatedAt)
	}
	if cursor != "CURSOR123" {
		t.Fatalf("expected cursor CURSOR123, got %q", cursor)
	}
	if tweets[0].Source != "Test Client" {
		t.Fatalf("expected cleaned source 'Test Client', got %q", tweets[0].Source)
	}
}

func TestParseTimelineDedupesPinnedAgainstRegular(t *testing.T) {
	body := []byte(`{
		"data": {"user": {"result": {"timeline_v2": {"timeline": {"instructions": [
			{"type": "TimelinePinEntry", "entry": {"content": {"itemContent": {"tweet_results": {"result": ` + tweetResultJSON("1", "pinned", "Mon Feb 10 12:34:56 +0000 2026") + `}}}}},
			{"type": "TimelineAddEntries", "entries": [
				{"entryId": "tweet-1", "content": {"itemContent": {"tweet_results": {"result": ` + tweetResultJSON("1", "pinned", "Mon Feb 10 12:34:56 +0000 2026") + `}}}}
			]}
		]}}}}}
	}`)

	tweets, _, err := NewParser().ParseTimeline(body)
	if err != nil {
		t.Fatalf("ParseTimeline: %v", err)
	}
	if len(tweets) != 1 {
		t.Fatalf("expected pinned duplicate to be deduped, got %d tweets", len(tweets))
	}
}

func TestParseTimelineSkipsTombstone(t *testing.T) {
	body := []byte(`{
		"data": {"user": {"result": {"timeline_v2": {"timeline": {"instructions": [
			{"type": "TimelineAddEntries", "entries": [
				{"entryId": "tweet-1", "content": {"itemContent": {"tweet_results": {"result": {"__typename": "TweetTombstone"}}}}}
			]}
		]}}}}}
	}`)
	tweets, _, err := NewParser().ParseTimeline(body)
	if err != nil {
		t.Fatalf("ParseTimeline: %v", err)
	}
	if len(tweets) != 0 {
		t.Fatalf("expected tombstone to be skipped, got %d tweets", len(tweets))
	}
}

func TestExtractURLsFiltersSelfReference(t *testing.T) {
	p := NewParser()
	legacy := jsonObj{
		"id_str": "999",
		"entities": jsonObj{
			"urls": []any{
				jsonObj{"expanded_url": "https://x.com/alice/status/999"},
				jsonObj{"expanded_url": "https://x.com/bob/status/111"},
				jsonObj{"expanded_url": "https://example.com/article"},
			},
		},
	}
	urls := p.extractURLs(legacy)
	if len(urls) != 2 {
		t.Fatalf("expected 2 urls (self-ref filtered), got %+v", urls)
	}
	if urls[0] != "https://x.com/bob/status/111" || urls[1] != "https://example.com/article" {
		t.Fatalf("unexpected urls: %+v", urls)
	}
}

func TestExtractMediaPicksHighestBitrateVariant(t *testing.T) {
	p := NewParser()
	legacy := jsonObj{
		"extended_entities": jsonObj{
			"media": []any{
				jsonObj{
					"type": "video",
					"video_info": jsonObj{
						"duration_millis": float64(5000),
						"variants": []any{
							jsonObj{"content_type": "video/mp4", "bitrate": float64(256000), "url": "low.mp4"},
							jsonObj{"content_type": "video/mp4", "bitrate": float64(832000), "url": "high.mp4"},
							jsonObj{"content_type": "application/x-mpegURL", "url": "playlist.m3u8"},
						},
					},
					"media_url_https":  "preview.jpg",
					"original_info": jsonObj{"width": float64(1280), "height": float64(720)},
				},
			},
		},
	}
	media := p.extractMedia(legacy)
	if len(media) != 1 {
		t.Fatalf("expected 1 media item, got %d", len(media))
	}
	if media[0].URL != "high.mp4" {
		t.Fatalf("expected highest-bitrate variant high.mp4, got %q", media[0].URL)
	}
	if media[0].DurationMS != 5000 {
		t.Fatalf("expected duration 5000ms, got %d", media[0].DurationMS)
	}
}
