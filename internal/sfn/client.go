package sfn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/nativescout/crawler/internal/domain"
	"github.com/nativescout/crawler/pkg/fn"
	"github.com/nativescout/crawler/pkg/resilience"
)

// GraphQLBase is the GraphQL API root the client builds query URLs against.
const GraphQLBase = "https://x.com/i/api/graphql"

// webBearerToken is the web-app's fixed, publicly shared bearer token (taken
// from the front-end JS bundle; identical for every logged-in session).
const webBearerToken = "Bearer AAAAAAAAAAAAAAAAAAAAANRILgAAAAAAnNwIzUejRCOuH5E6I8xnZz4puTs" +
	"%3D1Zv7ttfk8LF81IUq16cHjhLTvJu4FA33AGWWjCpTnA"

// DefaultQueryIDs are the GraphQL persisted-query IDs extracted from the
// browser's Network tab. These drift whenever the front end redeploys and
// are overridable via [x_scraper].query_ids.
var DefaultQueryIDs = map[string]string{
	"UserByScreenName": "xmU6X_CKVnQ5lSrCbAmJsg",
	"UserTweets":       "E3opETHurmVJflFsUBVuUQ",
}

// DefaultFeatures are the GraphQL feature flags that must exactly match
// what the real web client sends, or the API responds 400 with "features
// cannot be null". Overridable via [x_scraper].features.
var DefaultFeatures = map[string]bool{
	"rweb_tipjar_consumption_enabled":                                         true,
	"responsive_web_graphql_exclude_directive_enabled":                        true,
	"verified_phone_label_enabled":                                            false,
	"creator_subscriptions_tweet_preview_api_enabled":                         true,
	"responsive_web_graphql_timeline_navigation_enabled":                      true,
	"responsive_web_graphql_skip_user_profile_image_extensions_enabled":       false,
	"communities_web_enable_tweet_community_results_fetch":                   true,
	"c9s_tweet_anatomy_moderator_badge_enabled":                               true,
	"articles_preview_enabled":                                                true,
	"responsive_web_edit_tweet_api_enabled":                                   true,
	"graphql_is_translatable_rweb_tweet_is_translatable_enabled":              true,
	"view_counts_everywhere_api_enabled":                                      true,
	"longform_notetweets_consumption_enabled":                                 true,
	"responsive_web_twitter_article_tweet_consumption_enabled":                true,
	"tweet_awards_web_tipping_enabled":                                        false,
	"creator_subscriptions_quote_tweet_preview_enabled":                       false,
	"freedom_of_speech_not_reach_fetch_enabled":                               true,
	"standardized_nudges_misinfo":                                             true,
	"tweet_with_visibility_results_prefer_gql_limited_actions_policy_enabled": true,
	"rweb_video_timestamps_enabled":                                          true,
	"longform_notetweets_rich_text_read_enabled":                             true,
	"longform_notetweets_inline_media_enabled":                               true,
	"responsive_web_enhance_cards_enabled":                                   false,
	"profile_label_improvements_pcf_label_in_post_enabled":                   false,
	"highlights_tweets_tab_ui_enabled":                                       true,
	"subscriptions_verification_info_is_identity_verified_enabled":           true,
	"subscriptions_verification_info_verified_since_enabled":                 true,
	"hidden_profile_subscriptions_enabled":                                   true,
	"responsive_web_twitter_article_notes_tab_enabled":                       true,
	"subscriptions_feature_can_gift_premium":                                 true,
}

var defaultFieldToggles = map[string]bool{"withArticlePlainText": false}

// clientProfile pairs a User-Agent with the utls ClientHello it is sent
// alongside, so the two never mismatch (§4.5.2 TLS impersonation).
type clientProfile struct {
	userAgent   string
	impersonate string
}

var uaProfiles = []clientProfile{
	{
		userAgent:   "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
		impersonate: "chrome131",
	},
	{
		userAgent:   "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
		impersonate: "chrome131",
	},
	{
		userAgent:   "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
		impersonate: "chrome131",
	},
}

// ClientOpts configures a Client.
type ClientOpts struct {
	Timeout                 time.Duration
	MaxRetries              int
	CircuitBreakerThreshold int
	CircuitBreakerCooldown  time.Duration
	QueryIDs                map[string]string
	Features                map[string]bool

	// BaseURL overrides GraphQLBase. Empty uses the real API; tests point
	// this at an httptest server.
	BaseURL string

	// MinRequestInterval paces outbound requests as a secondary guard
	// alongside the fetcher's explicit random inter-page sleep (§4.5.6).
	// Zero disables pacing (e.g. in tests against an httptest server).
	MinRequestInterval time.Duration
}

// Client is the authenticated GraphQL client for the SFN source family. It
// impersonates a browser TLS/HTTP fingerprint, rotates credentials on
// failure, and trips a circuit breaker after too many consecutive errors.
type Client struct {
	pool       *Pool
	httpClient *http.Client
	parser     *Parser
	log        *slog.Logger

	baseURL    string
	timeout    time.Duration
	maxRetries int
	breaker    *resilience.Breaker
	limiter    *rate.Limiter
	queryIDs   map[string]string
	features   map[string]bool

	userIDCache map[string]string
}

// NewClient builds a Client over the given credential pool. httpClient
// should be a transport that impersonates a browser TLS fingerprint (see
// NewImpersonatingTransport); passing nil falls back to http.DefaultClient,
// which works against test servers but carries no TLS camouflage.
func NewClient(pool *Pool, httpClient *http.Client, log *slog.Logger, opts ClientOpts) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.CircuitBreakerThreshold <= 0 {
		opts.CircuitBreakerThreshold = 5
	}
	if opts.CircuitBreakerCooldown <= 0 {
		opts.CircuitBreakerCooldown = 60 * time.Second
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	queryIDs := mergeStringMap(DefaultQueryIDs, opts.QueryIDs)
	features := mergeBoolMap(DefaultFeatures, opts.Features)
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = GraphQLBase
	}

	var limiter *rate.Limiter
	if opts.MinRequestInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(opts.MinRequestInterval), 1)
	}

	return &Client{
		pool:       pool,
		httpClient: httpClient,
		parser:     NewParser(),
		log:        log,
		baseURL:    baseURL,
		timeout:    opts.Timeout,
		maxRetries: opts.MaxRetries,
		breaker: resilience.NewBreaker(resilience.BreakerOpts{
			FailThreshold: opts.CircuitBreakerThreshold,
			Timeout:       opts.CircuitBreakerCooldown,
			HalfOpenMax:   1,
		}),
		limiter:     limiter,
		queryIDs:    queryIDs,
		features:    features,
		userIDCache: map[string]string{},
	}
}

func mergeStringMap(base, override map[string]string) map[string]string {
	out := make(map[string]string, len(base))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

func mergeBoolMap(base, override map[string]bool) map[string]bool {
	out := make(map[string]bool, len(base))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

func pickClientProfile() clientProfile {
	return uaProfiles[rand.Intn(len(uaProfiles))]
}

func (c *Client) buildHeaders(cred *Credential, userAgent string) http.Header {
	h := http.Header{}
	h.Set("authorization", webBearerToken)
	h.Set("x-csrf-token", cred.CSRFToken)
	h.Set("x-twitter-active-user", "yes")
	h.Set("x-twitter-auth-type", "OAuth2Session")
	h.Set("x-twitter-client-language", "en")
	h.Set("content-type", "application/json")
	h.Set("user-agent", userAgent)
	h.Set("accept", "*/*")
	h.Set("accept-language", "en-US,en;q=0.9")
	h.Set("referer", "https://x.com/")
	h.Set("origin", "https://x.com")
	return h
}

func (c *Client) buildCookies(cred *Credential) []*http.Cookie {
	return []*http.Cookie{
		{Name: "auth_token", Value: cred.AuthToken},
		{Name: "ct0", Value: cred.CSRFToken},
	}
}

// graphQLError is one entry of a GraphQL response's top-level "errors" array.
type graphQLError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type graphQLEnvelope struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphQLError  `json:"errors"`
}

// makeRequest issues one GET against url with the given query params,
// classifying the response per §4.5.3/§7's error taxonomy.
func (c *Client) makeRequest(ctx context.Context, endpoint string, params url.Values, cred *Credential) (json.RawMessage, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("sfn: rate limiter wait: %w", err)
		}
	}

	profile := pickClientProfile()
	reqURL := endpoint + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("sfn: build request: %w", err)
	}
	req.Header = c.buildHeaders(cred, profile.userAgent)
	for _, ck := range c.buildCookies(cred) {
		req.AddCookie(ck)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sfn: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("sfn: read response body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		var env graphQLEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			return nil, fmt.Errorf("sfn: decode response: %w", err)
		}
		if len(env.Errors) > 0 && len(env.Data) == 0 {
			return nil, classifyGraphQLErrors(env.Errors)
		}
		return body, nil

	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := 900
		if raw := resp.Header.Get("retry-after"); raw != "" {
			if v, err := strconv.Atoi(raw); err == nil {
				retryAfter = v
			} else {
				c.log.Warn("sfn: unparseable retry-after header, using default", "raw", raw)
			}
		}
		return nil, &domain.RateLimitError{RetryAfterSeconds: retryAfter}

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: http %d", domain.ErrAuth, resp.StatusCode)

	default:
		preview := string(body)
		if len(preview) > 200 {
			preview = preview[:200]
		}
		return nil, fmt.Errorf("sfn: http %d: %s", resp.StatusCode, preview)
	}
}

// classifyGraphQLErrors inspects an HTTP-200 GraphQL error payload for the
// business-level rate-limit/auth conditions the donor implementation keys
// off of (code 88 / message "rate limit", codes 32/64/89 / auth keywords).
func classifyGraphQLErrors(errs []graphQLError) error {
	first := errs[0]
	lowerMsg := strings.ToLower(first.Message)

	var msgs []string
	for i, e := range errs {
		if i >= 3 {
			break
		}
		msgs = append(msgs, e.Message)
	}
	joined := strings.Join(msgs, "; ")

	if first.Code == 88 || strings.Contains(lowerMsg, "rate limit") {
		return &domain.RateLimitError{RetryAfterSeconds: 900}
	}
	if first.Code == 32 || first.Code == 64 || first.Code == 89 {
		return fmt.Errorf("%w: graphql error: %s", domain.ErrAuth, joined)
	}
	for _, kw := range []string{"unauthorized", "forbidden", "auth"} {
		if strings.Contains(lowerMsg, kw) {
			return fmt.Errorf("%w: graphql error: %s", domain.ErrAuth, joined)
		}
	}
	return fmt.Errorf("sfn: graphql error: %s", joined)
}

// requestWithRetry issues a GraphQL GET with credential rotation, retry
// backoff, and circuit-breaker protection (§4.5.4).
func (c *Client) requestWithRetry(ctx context.Context, endpoint string, params url.Values) (json.RawMessage, error) {
	var lastErr error

	for attempt := 0; attempt < c.maxRetries; attempt++ {
		cred := c.pool.Next()
		if cred == nil {
			cred = c.pool.WaitForAvailable(WaitForAvailableDefault, nil)
			if cred == nil {
				c.log.Error("sfn: no available credential, aborting request")
				return nil, domain.ErrNoCredentials
			}
		}

		result := resilience.CallResult(c.breaker, ctx, func(ctx context.Context) fn.Result[json.RawMessage] {
			body, err := c.makeRequest(ctx, endpoint, params, cred)
			if err != nil {
				return fn.Err[json.RawMessage](err)
			}
			return fn.Ok(body)
		})

		body, err := result.Unwrap()
		if err == nil {
			return body, nil
		}

		lastErr = err

		var rlErr *domain.RateLimitError
		switch {
		case asRateLimitError(err, &rlErr):
			c.pool.MarkRateLimited(cred, time.Duration(rlErr.RetryAfterSeconds)*time.Second)
			c.log.Warn("sfn: credential rate limited", "index", cred.Index, "attempt", attempt+1, "max_retries", c.maxRetries)
		case isAuthError(err):
			c.pool.MarkDead(cred, err.Error())
			c.log.Error("sfn: credential auth failure", "index", cred.Index, "error", err)
		case isCircuitOpen(err):
			c.log.Warn("sfn: circuit breaker open, aborting retry loop")
			return nil, domain.ErrCircuitOpen
		default:
			c.log.Warn("sfn: request failed", "attempt", attempt+1, "max_retries", c.maxRetries, "error", err)
			if attempt < c.maxRetries-1 {
				time.Sleep(time.Duration(attempt+1) * 2 * time.Second)
			}
		}
	}

	c.log.Error("sfn: request failed after retries", "max_retries", c.maxRetries, "last_error", lastErr)
	return nil, fmt.Errorf("sfn: exhausted retries: %w", lastErr)
}

func asRateLimitError(err error, target **domain.RateLimitError) bool {
	var rl *domain.RateLimitError
	if errors.As(err, &rl) {
		*target = rl
		return true
	}
	return false
}

func isAuthError(err error) bool {
	return errors.Is(err, domain.ErrAuth)
}

func isCircuitOpen(err error) bool {
	return errors.Is(err, domain.ErrCircuitOpen) || errors.Is(err, resilience.ErrCircuitOpen)
}

// GetUserID resolves a screen name to its numeric rest_id, caching results.
func (c *Client) GetUserID(ctx context.Context, username string) (string, error) {
	if id, ok := c.userIDCache[username]; ok {
		return id, nil
	}

	queryID := c.queryIDs["UserByScreenName"]
	endpoint := fmt.Sprintf("%s/%s/UserByScreenName", c.baseURL, queryID)

	variables := map[string]any{
		"screen_name":              username,
		"withSafetyModeUserFields": true,
	}
	params, err := c.buildParams(variables)
	if err != nil {
		return "", err
	}

	body, err := c.requestWithRetry(ctx, endpoint, params)
	if err != nil {
		return "", err
	}

	id, err := c.parser.ParseUserID(body)
	if err != nil {
		return "", err
	}
	if id != "" {
		c.userIDCache[username] = id
	}
	return id, nil
}

// GetUserTweets fetches a single timeline page.
func (c *Client) GetUserTweets(ctx context.Context, userID string, count int, cursor string, includeReplies bool) ([]Tweet, string, error) {
	queryID := c.queryIDs["UserTweets"]
	endpoint := fmt.Sprintf("%s/%s/UserTweets", c.baseURL, queryID)

	if count > 100 {
		count = 100
	}
	variables := map[string]any{
		"userId":                                 userID,
		"count":                                  count,
		"includePromotedContent":                 false,
		"withQuickPromoteEligibilityTweetFields": true,
		"withVoice":                              true,
		"withV2Timeline":                         true,
	}
	if cursor != "" {
		variables["cursor"] = cursor
	}
	params, err := c.buildParams(variables)
	if err != nil {
		return nil, "", err
	}

	body, err := c.requestWithRetry(ctx, endpoint, params)
	if err != nil {
		return nil, "", err
	}

	tweets, nextCursor, err := c.parser.ParseTimeline(body)
	if err != nil {
		return nil, "", err
	}

	if !includeReplies {
		filtered := tweets[:0]
		for _, t := range tweets {
			if t.InReplyToID == "" || t.InReplyToUsername == t.Username {
				filtered = append(filtered, t)
			}
		}
		tweets = filtered
	}

	return tweets, nextCursor, nil
}

func (c *Client) buildParams(variables map[string]any) (url.Values, error) {
	varJSON, err := json.Marshal(variables)
	if err != nil {
		return nil, fmt.Errorf("sfn: marshal variables: %w", err)
	}
	featJSON, err := json.Marshal(c.features)
	if err != nil {
		return nil, fmt.Errorf("sfn: marshal features: %w", err)
	}
	toggleJSON, err := json.Marshal(defaultFieldToggles)
	if err != nil {
		return nil, fmt.Errorf("sfn: marshal field toggles: %w", err)
	}

	params := url.Values{}
	params.Set("variables", string(varJSON))
	params.Set("features", string(featJSON))
	params.Set("fieldToggles", string(toggleJSON))
	return params, nil
}
