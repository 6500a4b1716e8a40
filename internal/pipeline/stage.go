// Package pipeline wires the four streaming stages (Fetch, Enrich,
// Organize, Write) into one batch run, using bounded channels for
// backpressure and the shutdown ordering the donor pipeline enforces: each
// stage's output channel closes only once every upstream producer has
// drained. Consumers are started upstream-to-downstream (see Run).
//
// Each stage's per-item transform is a pkg/fn.Stage, so worker pools here
// compose the same way the donor's batch pipelines do — just run over a
// channel of unbounded length instead of a fixed slice, since §5 requires
// the four stages to be independent worker pools streaming through a
// batch rather than synchronized generations.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nativescout/crawler/pkg/fn"
)

// QueueCapacity is the bounded channel size between stages, matching the
// donor's maxsize=1000 queues.
const QueueCapacity = 1000

// RunStage fans an input channel out across workerCount goroutines, each
// running stage per item, and returns an output channel that closes once
// every worker has drained its input. stage is wrapped in fn.NamedStage so
// every dropped item is logged uniformly with the stage name; a panic
// inside stage is separately recovered so one bad item can't take down the
// whole worker.
func RunStage[In, Out any](ctx context.Context, workers int, in <-chan In, log *slog.Logger, stageName string, stage fn.Stage[In, Out]) <-chan Out {
	if workers < 1 {
		workers = 1
	}
	// Debug, not Warn: enrich/organize already log the specific reason a
	// post was dropped (render failure, retry exhaustion, LLM skip); this
	// is just a uniform trace that a stage's fn.Stage returned an error.
	named := fn.NamedStage(stageName, stage, func(name string, _ In, err error) {
		log.Debug("pipeline: stage dropped item", "stage", name, "error", err)
	})

	out := make(chan Out, QueueCapacity)
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for item := range in {
				result, ok := safeRun(log, stageName, workerID, named, ctx, item)
				if !ok {
					continue
				}
				select {
				case out <- result:
				case <-ctx.Done():
					return
				}
			}
		}(i)
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	return out
}

func safeRun[In, Out any](log *slog.Logger, stageName string, workerID int, stage fn.Stage[In, Out], ctx context.Context, item In) (out Out, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("pipeline stage worker panic recovered", "stage", stageName, "worker", workerID, "panic", fmt.Sprintf("%v", r))
			ok = false
		}
	}()
	result := stage(ctx, item)
	v, err := result.Unwrap()
	if err != nil {
		return out, false
	}
	return v, true
}

// Drain consumes every item off ch, calling sink for each, and returns once
// ch is closed and empty. Used by the Write stage, which is a true sink
// with no downstream channel.
func Drain[T any](ch <-chan T, sink func(T)) {
	for item := range ch {
		sink(item)
	}
}
