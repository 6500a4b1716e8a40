package sfn

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// PageDelay is the (min, max) random delay between pagination requests.
type PageDelay struct {
	Min time.Duration
	Max time.Duration
}

// maxEmptyAddPages caps consecutive pages that add nothing new before
// pagination gives up, guarding against pinned-tweet loops that never
// converge.
const maxEmptyAddPages = 3

// nearAllOldThreshold: if this fraction of a page is already past the
// cutoff date and nothing new was added, stop — continuing buys nothing.
const nearAllOldThreshold = 0.9

// GetUserTweetsAll paginates a user's timeline until limit is reached,
// since_date cuts it off, or one of the termination heuristics (pinned
// duplicates dominating, an all-stale page, or a cursor loop) fires.
// Results are returned in reverse-chronological order, matching the API.
func (c *Client) GetUserTweetsAll(ctx context.Context, userID string, limit int, sinceDate string, includeReplies, includeRetweets bool, delay PageDelay) []Tweet {
	var allTweets []Tweet
	var cursor string
	page := 0
	seenTweetIDs := map[string]bool{}
	seenCursors := map[string]bool{}
	duplicateHits := map[string]int{}
	emptyAddPages := 0

	var cutoff time.Time
	if sinceDate != "" {
		if t, err := time.Parse("2006-01-02", sinceDate); err == nil {
			cutoff = t
		} else {
			c.log.Warn("sfn: invalid since_date, ignoring date filter", "since_date", sinceDate)
		}
	}

	for len(allTweets) < limit {
		page++
		perPage := 20
		if remaining := limit - len(allTweets); remaining < perPage {
			perPage = remaining
		}
		requestCursor := cursor

		tweets, nextCursor, err := c.GetUserTweets(ctx, userID, perPage, cursor, includeReplies)
		if err != nil {
			c.log.Warn("sfn: page fetch failed, stopping pagination", "page", page, "error", err)
			break
		}

		if len(tweets) == 0 {
			c.log.Info("sfn: page returned 0 tweets, stopping pagination", "page", page, "cursor", requestCursor)
			break
		}

		pageHasNewEnough := false
		rawCount := len(tweets)
		skippedOld, skippedRetweet, skippedDuplicate, added := 0, 0, 0, 0
		duplicateSampleID := ""

		for _, tweet := range tweets {
			inDateRange := true
			if !cutoff.IsZero() && !tweet.CreatedAt.IsZero() && tweet.CreatedAt.Before(cutoff) {
				inDateRange = false
			}
			if inDateRange {
				pageHasNewEnough = true
			}

			if !inDateRange {
				skippedOld++
				continue
			}
			if !includeRetweets && tweet.IsRetweet {
				skippedRetweet++
				continue
			}
			if seenTweetIDs[tweet.ID] {
				skippedDuplicate++
				if tweet.ID != "" {
					duplicateHits[tweet.ID]++
					if duplicateSampleID == "" {
						duplicateSampleID = tweet.ID
					}
				}
				continue
			}

			seenTweetIDs[tweet.ID] = true
			allTweets = append(allTweets, tweet)
			added++
			if len(allTweets) >= limit {
				break
			}
		}

		c.log.Info("sfn: pagination page processed",
			"page", page, "cursor", requestCursor, "next_cursor", nextCursor,
			"raw", rawCount, "added", added, "skip_old", skippedOld,
			"skip_retweet", skippedRetweet, "skip_duplicate", skippedDuplicate,
			"total", len(allTweets), "dup_sample", duplicateSampleID,
		)

		if added == 0 {
			emptyAddPages++
		} else {
			emptyAddPages = 0
		}

		// B) pinned/duplicate entries dominate the page with no new additions.
		if added == 0 && skippedDuplicate > 0 && duplicateSampleID != "" &&
			(skippedOld+skippedRetweet+skippedDuplicate) >= rawCount {
			c.log.Info("sfn: duplicate entries dominate page with no new additions, stopping", "dup_sample", duplicateSampleID)
			break
		}

		// C) the page is almost entirely stale content with nothing new.
		oldRatio := 0.0
		if rawCount > 0 {
			oldRatio = float64(skippedOld) / float64(rawCount)
		}
		if added == 0 && !cutoff.IsZero() && oldRatio >= nearAllOldThreshold {
			c.log.Info("sfn: page mostly stale with no new additions, stopping", "old_ratio", oldRatio)
			break
		}

		if emptyAddPages >= maxEmptyAddPages {
			c.log.Info("sfn: too many consecutive empty pages, stopping", "empty_pages", emptyAddPages)
			break
		}

		// The whole page predates the cutoff: we've paged past the window.
		if !cutoff.IsZero() && !pageHasNewEnough {
			break
		}

		if nextCursor == "" {
			break
		}
		if nextCursor == cursor {
			c.log.Warn("sfn: repeated pagination cursor, stopping")
			break
		}
		if seenCursors[nextCursor] {
			c.log.Warn("sfn: cursor loop detected, stopping")
			break
		}
		seenCursors[nextCursor] = true
		cursor = nextCursor

		sleepRandom(delay)
	}

	if len(duplicateHits) > 0 {
		logTopDuplicates(c.log, duplicateHits)
	}
	c.log.Info("sfn: pagination complete", "tweets", len(allTweets), "pages", page)
	return allTweets
}

func sleepRandom(delay PageDelay) {
	if delay.Max <= delay.Min {
		time.Sleep(delay.Min)
		return
	}
	span := delay.Max - delay.Min
	time.Sleep(delay.Min + time.Duration(rand.Int63n(int64(span))))
}

func logTopDuplicates(log *slog.Logger, hits map[string]int) {
	type kv struct {
		id    string
		count int
	}
	var sorted []kv
	for id, n := range hits {
		sorted = append(sorted, kv{id, n})
	}
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			if sorted[j].count > sorted[i].count {
				sorted[i], sorted[j] = sorted[j], sorted[i]
			}
		}
	}
	if len(sorted) > 3 {
		sorted = sorted[:3]
	}
	log.Info("sfn: top cross-page duplicate ids", "top", sorted)
}
