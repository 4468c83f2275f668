// Package pipeline drives one Run through the fixed stage sequence
// intent → review_search → query_derivation → product_search → enrichment → answering.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/vooli/config"
	"github.com/mohammad-safakhou/vooli/internal/fanout"
	"github.com/mohammad-safakhou/vooli/internal/helpers"
	"github.com/mohammad-safakhou/vooli/internal/metadata"
	"github.com/mohammad-safakhou/vooli/internal/store"
	"github.com/mohammad-safakhou/vooli/internal/telemetry"
	"github.com/mohammad-safakhou/vooli/provider/models"
	searchmodels "github.com/mohammad-safakhou/vooli/tools/web_search/models"
)

var pipelineTracer trace.Tracer = otel.Tracer("vooli/internal/pipeline")

var ErrEmptyMessage = errors.New("message must not be empty")

type Completer interface {
	GenerateObject(ctx context.Context, req models.ObjectRequest, out any) error
	StreamText(ctx context.Context, req models.TextRequest) (models.TextStream, error)
}

type Searcher interface {
	Search(ctx context.Context, q string, opts searchmodels.Options) (searchmodels.Response, error)
}

type Enricher interface {
	EnrichAll(ctx context.Context, urls []string, ownerID string) []fanout.Outcome
}

// Recorder is the slice of the store a run writes to.
type Recorder interface {
	CreateMessage(ctx context.Context, chatID, role, content string) (store.Message, error)
	UpdateMessageContent(ctx context.Context, messageID, content string) error
	CreateSource(ctx context.Context, src store.Source) (string, error)
	CreateRun(ctx context.Context, r store.Run) error
	SetRunMessage(ctx context.Context, runID, messageID string) error
	SetRunStage(ctx context.Context, runID, stage string) error
	FinishRun(ctx context.Context, runID, stage, outcome string, errMsg *string, swallowed int) error
}

type ChannelOpener interface {
	Open(ctx context.Context, runID string) (metadata.Channel, error)
}

type RunRequest struct {
	RunID         string
	ChatID        string
	Message       string
	UserMessageID string
}

// ProductLink is a product-search hit shown before enrichment finishes.
type ProductLink struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

type SourceLink struct {
	URL    string `json:"url"`
	Title  string `json:"title,omitempty"`
	Answer string `json:"answer,omitempty"`
}

// FinalAnswer is what a terminal run hands back to its caller.
type FinalAnswer struct {
	RunID       string          `json:"run_id"`
	MessageID   string          `json:"message_id,omitempty"`
	Outcome     Outcome         `json:"outcome"`
	Stage       Stage           `json:"stage"`
	Text        string          `json:"text"`
	Products    []store.Product `json:"products,omitempty"`
	Diagnostics Diagnostics     `json:"diagnostics"`
}

type intentPayload struct{ Queries []string }

type reviewPayload struct{ Responses []searchmodels.Response }

type queryPayload struct{ Queries []string }

type productPayload struct {
	Responses  []searchmodels.Response
	Candidates []string
}

type enrichmentPayload struct{ Outcomes []fanout.Outcome }

type answerPayload struct{ Text string }

type transition func(ctx context.Context, run *Run) (Stage, StageResult)

type Orchestrator struct {
	completer Completer
	searcher  Searcher
	enricher  Enricher
	recorder  Recorder
	channels  ChannelOpener
	cfg       config.PipelineConfig
	logger    *zap.Logger
	metrics   *telemetry.Metrics
	now       func() time.Time

	transitions map[Stage]transition
}

func NewOrchestrator(
	completer Completer,
	searcher Searcher,
	enricher Enricher,
	recorder Recorder,
	channels ChannelOpener,
	cfg config.PipelineConfig,
	logger *zap.Logger,
	metrics *telemetry.Metrics,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = 5
	}
	if cfg.MaxProductQueries <= 0 {
		cfg.MaxProductQueries = 5
	}
	if cfg.ReviewResults <= 0 {
		cfg.ReviewResults = 1
	}
	if cfg.ProductResults <= 0 {
		cfg.ProductResults = 1
	}
	o := &Orchestrator{
		completer: completer,
		searcher:  searcher,
		enricher:  enricher,
		recorder:  recorder,
		channels:  channels,
		cfg:       cfg,
		logger:    logger.Named("orchestrator"),
		metrics:   metrics,
		now:       time.Now,
	}
	o.transitions = map[Stage]transition{
		StageIntent:          o.intent,
		StageReviewSearch:    o.reviewSearch,
		StageQueryDerivation: o.queryDerivation,
		StageProductSearch:   o.productSearch,
		StageEnrichment:      o.enrichment,
		StageAnswering:       o.answering,
	}
	return o
}

// Execute runs a message through every stage and blocks until the run is terminal.
func (o *Orchestrator) Execute(ctx context.Context, req RunRequest) (FinalAnswer, error) {
	run, err := o.Begin(ctx, req)
	if err != nil {
		return FinalAnswer{}, err
	}
	return o.Drive(ctx, run), nil
}

// Begin validates the request, opens the run's metadata channel and persists
// the run row and the placeholder message. No external service is called.
func (o *Orchestrator) Begin(ctx context.Context, req RunRequest) (*Run, error) {
	msg := strings.TrimSpace(req.Message)
	if msg == "" {
		return nil, ErrEmptyMessage
	}
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	ch, err := o.channels.Open(ctx, req.RunID)
	if err != nil {
		return nil, fmt.Errorf("open run channel: %w", err)
	}
	run := newRun(req.RunID, req.ChatID, msg, ch)
	run.UserMessageID = req.UserMessageID
	run.StartedAt = o.now().UTC()
	log := o.logger.With(zap.String("run_id", run.ID), zap.String("chat_id", run.ChatID))

	if err := o.recorder.CreateRun(ctx, store.Run{
		ID:            run.ID,
		ChatID:        run.ChatID,
		UserMessageID: run.UserMessageID,
		Stage:         string(StageIntent),
	}); err != nil {
		o.swallow(run, log, "persist_run", run.ID, err)
	}
	placeholder, err := o.recorder.CreateMessage(ctx, run.ChatID, store.RoleAssistant, PlaceholderText)
	if err != nil {
		o.swallow(run, log, "persist_placeholder", run.ChatID, err)
	} else {
		run.PlaceholderID = placeholder.ID
		if err := o.recorder.SetRunMessage(ctx, run.ID, placeholder.ID); err != nil {
			o.swallow(run, log, "persist_run", run.ID, err)
		}
	}
	return run, nil
}

// Drive applies one transition per stage until the run is terminal. A stage
// that reports !OK ends the run with that stage's apology.
func (o *Orchestrator) Drive(ctx context.Context, run *Run) FinalAnswer {
	ctx, span := pipelineTracer.Start(ctx, "pipeline.execute", trace.WithAttributes(
		attribute.String("run.id", run.ID),
		attribute.String("chat.id", run.ChatID),
	))
	defer span.End()
	log := o.logger.With(zap.String("run_id", run.ID), zap.String("chat_id", run.ChatID))

	stage := StageIntent
	for stage != StageDone {
		if stage != StageIntent {
			if err := run.advance(stage); err != nil {
				log.Error("illegal stage transition", zap.Error(err))
				return o.terminate(ctx, run, stage, StageResult{Err: err}, log)
			}
		}
		o.enterStage(ctx, run, stage, log)

		next, res := o.step(ctx, run, stage)
		run.record(stage, res)
		if !res.OK {
			span.SetStatus(codes.Error, string(stage))
			return o.terminate(ctx, run, stage, res, log)
		}
		stage = next
	}
	return o.terminate(ctx, run, StageDone, StageResult{OK: true}, log)
}

func (o *Orchestrator) step(ctx context.Context, run *Run, stage Stage) (Stage, StageResult) {
	ctx, span := pipelineTracer.Start(ctx, "pipeline.stage."+string(stage))
	defer span.End()
	started := o.now()
	next, res := o.transitions[stage](ctx, run)
	o.metrics.ObserveStage(string(stage), res.OK, o.now().Sub(started))
	if res.Err != nil {
		span.RecordError(res.Err)
	}
	return next, res
}

func (o *Orchestrator) enterStage(ctx context.Context, run *Run, stage Stage, log *zap.Logger) {
	if err := run.channel.SetStatus(ctx, string(stage)); err != nil {
		o.swallow(run, log, "channel_status", string(stage), err)
	}
	if err := o.recorder.SetRunStage(ctx, run.ID, string(stage)); err != nil {
		o.swallow(run, log, "persist_stage", string(stage), err)
	}
}

func (o *Orchestrator) intent(ctx context.Context, run *Run) (Stage, StageResult) {
	var obj intentObject
	err := o.completer.GenerateObject(ctx, models.ObjectRequest{
		System: intentSystem,
		Prompt: run.Message,
		Schema: intentSchema,
	}, &obj)
	if err != nil {
		return StageDeclined, fail(err)
	}
	queries := nonBlank(obj.Queries)
	if !obj.IntentIsProductReview || len(queries) == 0 {
		return StageDeclined, fail(errors.New("message is not a product review request"))
	}
	return StageReviewSearch, succeed(intentPayload{Queries: queries})
}

func (o *Orchestrator) reviewSearch(ctx context.Context, run *Run) (Stage, StageResult) {
	prev, _ := run.result(StageIntent)
	queries := prev.Payload.(intentPayload).Queries

	responses, err := o.searchAll(ctx, queries, searchmodels.Options{MaxResults: o.cfg.ReviewResults, IncludeAnswer: true})
	if err != nil {
		return StageFailed, fail(err)
	}

	links := make([]SourceLink, 0, len(responses))
	for _, resp := range responses {
		for _, res := range resp.Results {
			links = append(links, SourceLink{URL: res.URL, Title: res.Title, Answer: resp.Answer})
			if run.PlaceholderID == "" {
				continue
			}
			if _, err := o.recorder.CreateSource(ctx, store.Source{
				MessageID:   run.PlaceholderID,
				URL:         res.URL,
				Title:       res.Title,
				Description: resp.Answer,
			}); err != nil {
				o.swallow(run, o.logger.With(zap.String("run_id", run.ID)), "persist_source", res.URL, err)
			}
		}
	}
	if err := run.channel.SetEntry(ctx, metadata.EntrySources, links); err != nil {
		o.swallow(run, o.logger.With(zap.String("run_id", run.ID)), "channel_entry", metadata.EntrySources, err)
	}
	return StageQueryDerivation, succeed(reviewPayload{Responses: responses})
}

func (o *Orchestrator) queryDerivation(ctx context.Context, run *Run) (Stage, StageResult) {
	prev, _ := run.result(StageReviewSearch)
	var obj queryObject
	if err := o.completer.GenerateObject(ctx, models.ObjectRequest{
		System: querySystem,
		Prompt: queryDerivationPrompt(prev.Payload.(reviewPayload).Responses),
		Schema: querySchema,
	}, &obj); err != nil {
		return StageFailed, fail(err)
	}
	queries := nonBlank(obj.Queries)
	if len(queries) == 0 {
		return StageFailed, fail(errors.New("no product queries derived"))
	}
	if len(queries) > o.cfg.MaxProductQueries {
		queries = queries[:o.cfg.MaxProductQueries]
	}
	return StageProductSearch, succeed(queryPayload{Queries: queries})
}

func (o *Orchestrator) productSearch(ctx context.Context, run *Run) (Stage, StageResult) {
	prev, _ := run.result(StageQueryDerivation)
	responses, err := o.searchAll(ctx, prev.Payload.(queryPayload).Queries, searchmodels.Options{MaxResults: o.cfg.ProductResults})
	if err != nil {
		return StageFailed, fail(err)
	}
	if len(responses) > o.cfg.MaxCandidates {
		responses = responses[:o.cfg.MaxCandidates]
	}

	var (
		links      []ProductLink
		candidates []string
		seen       = map[string]bool{}
	)
	for _, resp := range responses {
		for _, res := range resp.Results {
			links = append(links, ProductLink{Title: res.Title, URL: res.URL})
		}
		for _, u := range resp.URLs() {
			key, err := helpers.CanonicalURL(u)
			if err != nil {
				key = u
			}
			if !seen[key] && len(candidates) < o.cfg.MaxCandidates {
				seen[key] = true
				candidates = append(candidates, u)
			}
		}
	}
	if len(candidates) == 0 {
		return StageFailed, fail(errors.New("product search returned no results"))
	}
	if err := run.channel.SetEntry(ctx, metadata.EntryProducts, links); err != nil {
		o.swallow(run, o.logger.With(zap.String("run_id", run.ID)), "channel_entry", metadata.EntryProducts, err)
	}
	return StageEnrichment, succeed(productPayload{Responses: responses, Candidates: candidates})
}

// enrichment never fails the run: executor faults and per-URL failures are
// recorded as swallowed diagnostics.
func (o *Orchestrator) enrichment(ctx context.Context, run *Run) (Stage, StageResult) {
	prev, _ := run.result(StageProductSearch)
	candidates := prev.Payload.(productPayload).Candidates
	log := o.logger.With(zap.String("run_id", run.ID), zap.String("stage", string(StageEnrichment)))

	outcomes, err := o.enrichAll(ctx, candidates, run.PlaceholderID)
	if err != nil {
		o.swallow(run, log, "enrichment", "", err)
	}
	for _, out := range outcomes {
		if !out.OK() && out.Err != nil {
			o.swallow(run, log, string(out.Status), out.URL, out.Err)
		}
	}
	return StageAnswering, succeed(enrichmentPayload{Outcomes: outcomes})
}

func (o *Orchestrator) enrichAll(ctx context.Context, urls []string, ownerID string) (outcomes []fanout.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("enrichment executor panicked: %v", r)
		}
	}()
	return o.enricher.EnrichAll(ctx, urls, ownerID), nil
}

func (o *Orchestrator) answering(ctx context.Context, run *Run) (Stage, StageResult) {
	reviews, _ := run.result(StageReviewSearch)
	products, _ := run.result(StageProductSearch)
	prompt := answerPrompt(run.Message,
		reviews.Payload.(reviewPayload).Responses,
		products.Payload.(productPayload).Responses)

	stream, err := o.completer.StreamText(ctx, models.TextRequest{System: answerSystem, Prompt: prompt})
	if err != nil {
		return StageFailed, fail(err)
	}
	defer stream.Close()

	var text strings.Builder
	for {
		tok, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return StageFailed, fail(err)
		}
		text.WriteString(tok)
		o.metrics.Token()
		if err := run.channel.AppendStreamToken(ctx, tok); err != nil {
			o.swallow(run, o.logger.With(zap.String("run_id", run.ID)), "channel_token", "", err)
		}
	}
	if strings.TrimSpace(text.String()) == "" {
		return StageFailed, fail(errors.New("empty answer"))
	}
	return StageDone, succeed(answerPayload{Text: text.String()})
}

// searchAll runs the queries one after another; response i answers query i.
func (o *Orchestrator) searchAll(ctx context.Context, queries []string, opts searchmodels.Options) ([]searchmodels.Response, error) {
	out := make([]searchmodels.Response, 0, len(queries))
	for _, q := range queries {
		resp, err := o.searcher.Search(ctx, q, opts)
		if err != nil {
			return nil, fmt.Errorf("search %q: %w", q, err)
		}
		out = append(out, resp)
	}
	return out, nil
}

// terminate writes the answer or apology to the placeholder, closes the
// channel and records the outcome. last is the stage the run stopped in:
// done for an answered run, otherwise the failing stage. The channel status
// and the persisted stage both end on it. Persistence failures are swallowed.
func (o *Orchestrator) terminate(ctx context.Context, run *Run, last Stage, res StageResult, log *zap.Logger) FinalAnswer {
	var (
		outcome Outcome
		text    string
	)
	if res.OK {
		outcome = OutcomeAnswered
		ans, _ := run.result(StageAnswering)
		text = ans.Payload.(answerPayload).Text
	} else {
		outcome, text = failurePolicy(last)
		if res.Err != nil {
			run.mu.Lock()
			run.diag.StageError = res.Err.Error()
			run.mu.Unlock()
		}
		log.Info("run stopped", zap.String("stage", string(last)), zap.String("outcome", string(outcome)), zap.Error(res.Err))
	}
	if err := run.finish(outcome); err != nil {
		log.Error("finish run", zap.Error(err))
	}

	// the run may have been canceled; terminal writes still need to land
	wctx := context.WithoutCancel(ctx)
	if res.OK {
		if err := run.channel.SetStatus(wctx, string(StageDone)); err != nil {
			o.swallow(run, log, "channel_status", string(StageDone), err)
		}
	}
	if run.PlaceholderID != "" {
		if err := o.recorder.UpdateMessageContent(wctx, run.PlaceholderID, text); err != nil {
			o.swallow(run, log, "persist_answer", run.PlaceholderID, err)
		}
	}
	if err := run.channel.SetEntry(wctx, metadata.EntryAnswer, text); err != nil {
		o.swallow(run, log, "channel_entry", metadata.EntryAnswer, err)
	}
	if err := run.channel.Close(wctx, string(outcome)); err != nil {
		o.swallow(run, log, "channel_close", run.ID, err)
	}

	diag := run.diagnostics()
	var errMsg *string
	if diag.StageError != "" {
		errMsg = &diag.StageError
	}
	if err := o.recorder.FinishRun(wctx, run.ID, string(last), string(outcome), errMsg, diag.Count()); err != nil {
		log.Error("persist run outcome", zap.Error(err))
	}
	o.metrics.RunFinished(string(outcome))
	log.Info("run finished",
		zap.String("outcome", string(outcome)),
		zap.Int("swallowed", diag.Count()),
		zap.Duration("elapsed", o.now().Sub(run.StartedAt)),
	)

	final := FinalAnswer{
		RunID:       run.ID,
		MessageID:   run.PlaceholderID,
		Outcome:     outcome,
		Stage:       run.Stage(),
		Text:        text,
		Diagnostics: run.diagnostics(),
	}
	if enr, ok := run.result(StageEnrichment); ok {
		for _, out := range enr.Payload.(enrichmentPayload).Outcomes {
			if out.OK() && out.Product != nil {
				final.Products = append(final.Products, *out.Product)
			}
		}
	}
	return final
}

func (o *Orchestrator) swallow(run *Run, log *zap.Logger, kind, ref string, err error) {
	log.Warn("swallowed error", zap.String("kind", kind), zap.String("ref", ref), zap.Error(err))
	run.swallow(kind, ref, err)
	o.metrics.Swallowed(kind)
}

func nonBlank(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
