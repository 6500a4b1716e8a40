// Package organize implements the pipeline's third stage: rendering the
// fixed prompt template, calling the LLM, validating its strict-JSON reply
// against the closed taxonomy of §3, and producing a domain.OrganizedPost —
// grounded on llm_organizer.py's organize_single_post/OrganizerStage split.
package organize

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"text/template"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/nativescout/crawler/internal/domain"
	"github.com/nativescout/crawler/pkg/fn"
)

// systemPrompt is sent as the system message on every call, matching the
// donor's fixed instruction to emit only valid JSON.
const systemPrompt = "You are a helpful assistant for data organization. Output only valid JSON, no extra text."

// promptContext is the set of fields the prompt template may reference,
// mirroring organize_single_post's format(**context) dict.
type promptContext struct {
	Title        string
	Date         string
	Link         string
	SourceType   string
	SourceName   string
	Content      string
	ExtraContent string
	ExtraURLs    string
	EntityList   string
}

// llmReply is the strict-JSON schema the LLM is asked to emit (§3), plus
// the skip escape hatch.
type llmReply struct {
	Skip          bool   `json:"skip"`
	Event         string `json:"event"`
	KeyInfo       string `json:"key_info"`
	Detail        string `json:"detail"`
	Category      string `json:"category"`
	Domain        string `json:"domain"`
	QualityScore  int    `json:"quality_score"`
	QualityReason string `json:"quality_reason"`
	PrimaryEntity string `json:"primary_entity"`
}

// Config tunes an Organizer.
type Config struct {
	Model          string
	PromptTemplate string // raw template text (§9's Open Question decision)
	EntityList     string // comma-separated canonical entity names for the prompt
	MaxRetries     int
	RetryDelay     time.Duration
	MaxConcurrency int // global in-flight LLM request cap, independent of worker count
}

// Organizer runs the Organize stage.
type Organizer struct {
	cfg    Config
	client *openai.Client
	tmpl   *template.Template
	sem    chan struct{}
	log    *slog.Logger
}

// New builds an Organizer. client should be constructed with a custom
// BaseURL when pointed at an OpenAI-compatible endpoint.
func New(cfg Config, client *openai.Client, log *slog.Logger) (*Organizer, error) {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 3 * time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 10
	}
	tmpl, err := template.New("organizer_prompt").Parse(cfg.PromptTemplate)
	if err != nil {
		return nil, fmt.Errorf("organize: parse prompt template: %w", err)
	}
	return &Organizer{
		cfg:    cfg,
		client: client,
		tmpl:   tmpl,
		sem:    make(chan struct{}, cfg.MaxConcurrency),
		log:    log,
	}, nil
}

// Process submits one EnrichedPost to the LLM and returns the organized
// result. ok is false when the LLM directed a skip, or the call failed
// after retries — in both cases the item is dropped, never an error that
// crashes the worker (§4.4/§7).
func (o *Organizer) Process(ctx context.Context, post domain.EnrichedPost) (domain.OrganizedPost, bool) {
	result := o.replyStage(post)(ctx, post)
	reply, err := result.Unwrap()
	if err != nil {
		if errors.Is(err, errPromptRender) {
			o.log.Error("organize: prompt render failed", "link", post.Link, "error", err)
		} else {
			o.log.Error("organize: llm call exhausted retries, dropping item", "link", post.Link, "title", post.Title, "error", err)
		}
		return domain.OrganizedPost{}, false
	}
	if reply.Skip {
		o.log.Info("organize: llm directed skip", "link", post.Link, "title", post.Title)
		return domain.OrganizedPost{}, false
	}

	organized := domain.OrganizedPost{
		EnrichedPost:  post,
		Event:         reply.Event,
		KeyInfo:       reply.KeyInfo,
		Detail:        reply.Detail,
		Category:      domain.CoerceCategory(reply.Category),
		Domain:        domain.CoerceDomain(reply.Domain),
		QualityScore:  clampScore(reply.QualityScore),
		QualityReason: reply.QualityReason,
		PrimaryEntity: reply.PrimaryEntity,
	}
	o.log.Info("organize: organized", "domain", organized.Domain, "quality_score", organized.QualityScore, "title", post.Title)
	return organized, true
}

// errPromptRender wraps a template-execution failure so Process can tell it
// apart from an exhausted-retries LLM failure without a second return value.
var errPromptRender = errors.New("organize: prompt render failed")

// replyStage composes the prompt-render and LLM-call steps into a single
// fn.Stage via fn.Then, so a render failure short-circuits before any LLM
// call is attempted — mirroring organize_single_post's format-then-call
// order. The retrying call itself is just another Stage, built fresh per
// post so it can close over post for logging.
func (o *Organizer) replyStage(post domain.EnrichedPost) fn.Stage[domain.EnrichedPost, llmReply] {
	render := fn.Stage[domain.EnrichedPost, string](func(_ context.Context, p domain.EnrichedPost) fn.Result[string] {
		prompt, err := o.renderPrompt(p)
		if err != nil {
			return fn.Err[string](fmt.Errorf("%w: %v", errPromptRender, err))
		}
		return fn.Ok(prompt)
	})
	call := fn.Stage[string, llmReply](func(ctx context.Context, prompt string) fn.Result[llmReply] {
		return fn.Retry(ctx, fn.RetryOpts{
			MaxAttempts: o.cfg.MaxRetries + 1,
			InitialWait: o.cfg.RetryDelay,
			MaxWait:     o.cfg.RetryDelay,
			Jitter:      false,
		}, func(ctx context.Context) fn.Result[llmReply] {
			return o.callOnce(ctx, post, prompt)
		})
	})
	return fn.Then(render, call)
}

// RunStage adapts Process to pipeline.RunStage's one-in/many-out shape.
func (o *Organizer) RunStage(ctx context.Context, post domain.EnrichedPost) []domain.OrganizedPost {
	organized, ok := o.Process(ctx, post)
	if !ok {
		return nil
	}
	return []domain.OrganizedPost{organized}
}

func clampScore(score int) int {
	switch {
	case score < 1:
		return 1
	case score > 5:
		return 5
	default:
		return score
	}
}

func (o *Organizer) renderPrompt(post domain.EnrichedPost) (string, error) {
	ctx := promptContext{
		Title:        post.Title,
		Date:         post.PublishDate,
		Link:         post.Link,
		SourceType:   string(post.SourceType),
		SourceName:   post.SourceName,
		Content:      post.Content,
		ExtraContent: post.ExtraContent,
		ExtraURLs:    strings.Join(post.ExtraURLs, ", "),
		EntityList:   o.cfg.EntityList,
	}
	var buf bytes.Buffer
	if err := o.tmpl.Execute(&buf, ctx); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// callOnce issues a single chat-completion call and decodes its JSON reply.
// A blank response, an HTTP failure, or non-JSON content is an error result
// (eligible for retry); only the decoded reply is ever an Ok result.
func (o *Organizer) callOnce(ctx context.Context, post domain.EnrichedPost, prompt string) fn.Result[llmReply] {
	select {
	case o.sem <- struct{}{}:
		defer func() { <-o.sem }()
	case <-ctx.Done():
		return fn.Err[llmReply](ctx.Err())
	}

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	})
	if err != nil {
		o.log.Warn("organize: llm call failed, will retry", "link", post.Link, "error", err)
		return fn.Err[llmReply](fmt.Errorf("organize: chat completion: %w", err))
	}
	if len(resp.Choices) == 0 {
		return fn.Err[llmReply](domain.ErrEmptyLLMReply)
	}

	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		o.log.Warn("organize: empty llm response, will retry", "link", post.Link, "finish_reason", resp.Choices[0].FinishReason)
		return fn.Err[llmReply](domain.ErrEmptyLLMReply)
	}

	var reply llmReply
	if err := json.Unmarshal([]byte(text), &reply); err != nil {
		o.log.Warn("organize: non-json llm response, will retry", "link", post.Link, "error", err)
		return fn.Err[llmReply](fmt.Errorf("organize: decode reply: %w", err))
	}
	return fn.Ok(reply)
}
