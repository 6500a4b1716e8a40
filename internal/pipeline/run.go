package pipeline

import (
	"context"
	"errors"
	"log/slog"

	"github.com/nativescout/crawler/internal/domain"
	"github.com/nativescout/crawler/internal/metrics"
	"github.com/nativescout/crawler/pkg/fn"
)

// Enricher is the Enrich stage contract.
type Enricher interface {
	RunStage(ctx context.Context, post domain.RawPost) []domain.EnrichedPost
}

// Organizer is the Organize stage contract.
type Organizer interface {
	RunStage(ctx context.Context, post domain.EnrichedPost) []domain.OrganizedPost
}

// Writer is the Write stage contract.
type Writer interface {
	RunStage(post domain.OrganizedPost)
	Finalize() (domain.BatchManifest, error)
}

// Config tunes one batch Run.
type Config struct {
	EnrichWorkers   int
	OrganizeWorkers int
}

// Run wires Fetch's raw-post channel through validate/dedup, Enrich,
// Organize, and Write, starting the validate/dedup, Enrich and Organize
// workers in that upstream-to-downstream order and then draining into
// Write. The caller's Fetch is already producing into raw when Run is
// called, so items can be queued before any consumer is running. Run
// returns once every stage has drained (Go's channel-close already
// gives us the sentinel-drain shutdown protocol: closing an input channel
// only once it is fully read is exactly "process everything queued before
// the signal, then exit").
func Run(ctx context.Context, cfg Config, raw <-chan domain.RawPost, enricher Enricher, organizer Organizer, writer Writer, m *metrics.Registry, log *slog.Logger) (domain.BatchManifest, error) {
	validated := validateAndDedup(raw, m, log)

	// Each stage composes a one-in/one-out fn.Stage (adapted from the
	// collaborator's one-in/many-out RunStage) with an fn.TapStage recording
	// its metric, via fn.Then — then timed() wraps the whole thing so the
	// stage-latency histogram covers metric recording too.
	enrichStage := fn.Then(
		sliceStage[domain.RawPost](enricher.RunStage, nil),
		fn.TapStage(func(_ context.Context, p domain.EnrichedPost) {
			m.ObservePostEnriched(string(p.SourceType))
		}),
	)
	enriched := RunStage(ctx, cfg.EnrichWorkers, validated, log, "enrich", timed(m, "enrich", enrichStage))

	organizeStage := fn.Then(
		fn.Then(
			sliceStage[domain.EnrichedPost](organizer.RunStage, func() {
				m.ObservePostDropped("organize", "skip_or_retry_exhausted")
			}),
			validateOrganizedStage(log, m),
		),
		fn.TapStage(func(_ context.Context, p domain.OrganizedPost) {
			m.ObservePostOrganized(string(p.Domain), string(p.Tier()))
		}),
	)
	organized := RunStage(ctx, cfg.OrganizeWorkers, enriched, log, "organize", timed(m, "organize", organizeStage))

	Drain(organized, func(p domain.OrganizedPost) {
		stop := m.StageTimer("write")
		writer.RunStage(p)
		stop()
		m.ObservePostWritten(string(p.Domain), string(p.Tier()))
	})

	return writer.Finalize()
}

// errStageDropped marks a collaborator's one-in/many-out RunStage call that
// produced no output (organize's skip/retry-exhausted path) as an fn.Result
// error, so it composes with fn.Then/fn.NamedStage like any other stage
// failure instead of needing special-cased slice-length checks downstream.
var errStageDropped = errors.New("pipeline: stage produced no output")

// sliceStage adapts a one-in/many-out RunStage method (0 or 1 results, per
// Enrich/Organize's contract) to an fn.Stage, invoking onDrop when the
// collaborator drops the item.
func sliceStage[In, Out any](run func(context.Context, In) []Out, onDrop func()) fn.Stage[In, Out] {
	return func(ctx context.Context, in In) fn.Result[Out] {
		out := run(ctx, in)
		if len(out) == 0 {
			if onDrop != nil {
				onDrop()
			}
			return fn.Err[Out](errStageDropped)
		}
		return fn.Ok(out[0])
	}
}

// validateOrganizedStage re-checks §8 invariant 1 (domain/quality_score in
// range) on the LLM's coerced output before it reaches Write — defense in
// depth against a future taxonomy change in domain.CoerceCategory/
// CoerceDomain silently producing an out-of-range value the prompt didn't
// anticipate.
func validateOrganizedStage(log *slog.Logger, m *metrics.Registry) fn.Stage[domain.OrganizedPost, domain.OrganizedPost] {
	return func(_ context.Context, p domain.OrganizedPost) fn.Result[domain.OrganizedPost] {
		if err := domain.ValidateOrganizedPost(p); err != nil {
			log.Error("pipeline: organized post failed validation, dropping", "link", p.Link, "error", err)
			m.ObservePostDropped("organize", "invalid")
			return fn.Err[domain.OrganizedPost](err)
		}
		return fn.Ok(p)
	}
}

// timed wraps a Stage so its latency (including any composed TapStage) is
// recorded under the given stage name.
func timed[In, Out any](m *metrics.Registry, name string, stage fn.Stage[In, Out]) fn.Stage[In, Out] {
	return func(ctx context.Context, in In) fn.Result[Out] {
		stop := m.StageTimer(name)
		defer stop()
		return stage(ctx, in)
	}
}

// validateAndDedup drops posts failing §3's per-post invariants and
// collapses duplicate (source_name, link) pairs within the batch, the
// batch-wide check validate.ValidateRawPost explicitly defers to its
// caller.
func validateAndDedup(in <-chan domain.RawPost, m *metrics.Registry, log *slog.Logger) <-chan domain.RawPost {
	out := make(chan domain.RawPost, QueueCapacity)
	go func() {
		defer close(out)
		seen := map[string]bool{}
		for post := range in {
			if err := domain.ValidateRawPost(post); err != nil {
				log.Warn("pipeline: dropping invalid post", "link", post.Link, "error", err)
				m.ObservePostDropped("validate", "invalid")
				continue
			}
			key := string(post.SourceType) + "|" + post.SourceName + "|" + post.Link
			if seen[key] {
				m.ObservePostDropped("validate", "duplicate")
				continue
			}
			seen[key] = true
			m.ObservePostFetched(post.SourceName, string(post.SourceType))
			out <- post
		}
	}()
	return out
}
