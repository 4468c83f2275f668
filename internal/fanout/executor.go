// Package fanout runs the per-URL enrichment sub-task over a candidate list
// with a fixed concurrency ceiling, isolating each URL's failure.
package fanout

import (
	"context"
	"fmt"

	"github.com/mohammad-safakhou/vooli/internal/store"
	"github.com/mohammad-safakhou/vooli/internal/telemetry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const DefaultConcurrency = 10

type Status string

const (
	StatusEnriched      Status = "enriched"
	StatusScrapeFailed  Status = "scrape_failed"
	StatusExtractFailed Status = "extract_failed"
	StatusIncomplete    Status = "incomplete"
	StatusPersistFailed Status = "persist_failed"
	StatusPanicked      Status = "panicked"
	StatusCanceled      Status = "canceled"
)

// Outcome is the independent result of enriching one URL.
type Outcome struct {
	URL     string
	Status  Status
	Product *store.Product
	Err     error
}

func (o Outcome) OK() bool { return o.Status == StatusEnriched }

// Task enriches a single URL for ownerID. It must not panic, but the executor
// recovers if it does.
type Task func(ctx context.Context, url, ownerID string) Outcome

type Executor struct {
	task    Task
	limit   int
	logger  *zap.Logger
	metrics *telemetry.Metrics
}

func NewExecutor(task Task, limit int, logger *zap.Logger, metrics *telemetry.Metrics) *Executor {
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{task: task, limit: limit, logger: logger.Named("fanout"), metrics: metrics}
}

// EnrichAll runs the task for every URL with at most e.limit in flight and
// returns once all have resolved. outcomes[i] belongs to urls[i].
func (e *Executor) EnrichAll(ctx context.Context, urls []string, ownerID string) []Outcome {
	outcomes := make([]Outcome, len(urls))
	// a plain group: one sub-task's error must not cancel its siblings
	var g errgroup.Group
	g.SetLimit(e.limit)

	for i, u := range urls {
		i, u := i, u
		if ctx.Err() != nil {
			outcomes[i] = Outcome{URL: u, Status: StatusCanceled, Err: ctx.Err()}
			continue
		}
		g.Go(func() error {
			e.metrics.EnrichStarted()
			defer e.metrics.EnrichDone()
			outcomes[i] = e.run(ctx, u, ownerID)
			e.metrics.Enriched(string(outcomes[i].Status))
			return nil
		})
	}
	_ = g.Wait()

	ok := 0
	for _, o := range outcomes {
		if o.OK() {
			ok++
		}
	}
	e.logger.Info("enrichment batch finished",
		zap.String("owner_id", ownerID),
		zap.Int("urls", len(urls)),
		zap.Int("enriched", ok),
		zap.Int("dropped", len(urls)-ok))
	return outcomes
}

func (e *Executor) run(ctx context.Context, url, ownerID string) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("enrichment task panicked", zap.String("url", url), zap.Any("panic", r))
			out = Outcome{URL: url, Status: StatusPanicked, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	out = e.task(ctx, url, ownerID)
	out.URL = url
	return out
}
