package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/mohammad-safakhou/vooli/config"
	"github.com/mohammad-safakhou/vooli/internal/fanout"
	"github.com/mohammad-safakhou/vooli/internal/metadata"
	"github.com/mohammad-safakhou/vooli/internal/store"
	"github.com/mohammad-safakhou/vooli/provider/models"
	fetchmodels "github.com/mohammad-safakhou/vooli/tools/web_fetch/models"
	searchmodels "github.com/mohammad-safakhou/vooli/tools/web_search/models"
)

// fakeCompleter answers structured requests by schema name.
type fakeCompleter struct {
	mu        sync.Mutex
	objects   map[string]string
	objErr    map[string]error
	tokens    []string
	streamErr error
	prompts   []string
}

func (f *fakeCompleter) GenerateObject(_ context.Context, req models.ObjectRequest, out any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, req.Prompt)
	if err := f.objErr[req.Schema.Name]; err != nil {
		return err
	}
	raw, ok := f.objects[req.Schema.Name]
	if !ok {
		return fmt.Errorf("no canned object for %s", req.Schema.Name)
	}
	return json.Unmarshal([]byte(raw), out)
}

func (f *fakeCompleter) StreamText(_ context.Context, req models.TextRequest) (models.TextStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, req.Prompt)
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	return &sliceStream{tokens: append([]string(nil), f.tokens...)}, nil
}

func (f *fakeCompleter) lastPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prompts[len(f.prompts)-1]
}

type sliceStream struct {
	tokens []string
	closed bool
}

func (s *sliceStream) Next() (string, error) {
	if len(s.tokens) == 0 {
		return "", io.EOF
	}
	tok := s.tokens[0]
	s.tokens = s.tokens[1:]
	return tok, nil
}

func (s *sliceStream) Close() error {
	s.closed = true
	return nil
}

type fakeSearcher struct {
	mu        sync.Mutex
	responses map[string]searchmodels.Response
	fail      map[string]error
	calls     []string
}

func (f *fakeSearcher) Search(_ context.Context, q string, _ searchmodels.Options) (searchmodels.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, q)
	if err := f.fail[q]; err != nil {
		return searchmodels.Response{}, err
	}
	resp, ok := f.responses[q]
	if !ok {
		return searchmodels.Response{Query: q}, nil
	}
	resp.Query = q
	return resp, nil
}

func (f *fakeSearcher) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// fakeRecorder is an in-memory store for runs, messages, sources and products.
type fakeRecorder struct {
	mu       sync.Mutex
	seq      int
	messages map[string]store.Message
	sources  []store.Source
	products []store.Product
	runs     map[string]store.Run
	stages   []string

	failPlaceholder bool
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{messages: map[string]store.Message{}, runs: map[string]store.Run{}}
}

func (f *fakeRecorder) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s-%d", prefix, f.seq)
}

func (f *fakeRecorder) CreateMessage(_ context.Context, chatID, role, content string) (store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPlaceholder && role == store.RoleAssistant {
		return store.Message{}, errors.New("db down")
	}
	m := store.Message{ID: f.nextID("msg"), ChatID: chatID, Role: role, Content: content, CreatedAt: time.Now()}
	f.messages[m.ID] = m
	return m, nil
}

func (f *fakeRecorder) UpdateMessageContent(_ context.Context, messageID, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[messageID]
	if !ok {
		return store.ErrMessageNotFound
	}
	m.Content = content
	f.messages[messageID] = m
	return nil
}

func (f *fakeRecorder) CreateSource(_ context.Context, src store.Source) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	src.ID = f.nextID("src")
	f.sources = append(f.sources, src)
	return src.ID, nil
}

func (f *fakeRecorder) CreateProduct(_ context.Context, p store.Product) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p.ID = f.nextID("prod")
	f.products = append(f.products, p)
	return p.ID, nil
}

func (f *fakeRecorder) CreateRun(_ context.Context, r store.Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[r.ID] = r
	return nil
}

func (f *fakeRecorder) SetRunMessage(_ context.Context, runID, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.runs[runID]
	r.MessageID = messageID
	f.runs[runID] = r
	return nil
}

func (f *fakeRecorder) SetRunStage(_ context.Context, runID, stage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stages = append(f.stages, stage)
	r := f.runs[runID]
	if r.Outcome == "" {
		r.Stage = stage
		f.runs[runID] = r
	}
	return nil
}

func (f *fakeRecorder) FinishRun(_ context.Context, runID, stage, outcome string, errMsg *string, swallowed int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.runs[runID]
	if r.Outcome != "" {
		return nil
	}
	r.Stage, r.Outcome, r.Swallowed = stage, outcome, swallowed
	if errMsg != nil {
		r.Error = *errMsg
	}
	f.runs[runID] = r
	return nil
}

func (f *fakeRecorder) message(id string) store.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.messages[id]
}

func (f *fakeRecorder) run(id string) store.Run {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs[id]
}

func (f *fakeRecorder) counts() (sources, products int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sources), len(f.products)
}

// recordingOpener wraps hub channels so tests can see every status and token.
type recordingOpener struct {
	hub *metadata.Hub

	mu       sync.Mutex
	statuses []string
	tokens   []string
}

func (r *recordingOpener) Open(ctx context.Context, runID string) (metadata.Channel, error) {
	ch, err := r.hub.Open(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &recordingChannel{Channel: ch, rec: r}, nil
}

type recordingChannel struct {
	metadata.Channel
	rec *recordingOpener
}

func (c *recordingChannel) SetStatus(ctx context.Context, name string) error {
	c.rec.mu.Lock()
	c.rec.statuses = append(c.rec.statuses, name)
	c.rec.mu.Unlock()
	return c.Channel.SetStatus(ctx, name)
}

func (c *recordingChannel) AppendStreamToken(ctx context.Context, tok string) error {
	c.rec.mu.Lock()
	c.rec.tokens = append(c.rec.tokens, tok)
	c.rec.mu.Unlock()
	return c.Channel.AppendStreamToken(ctx, tok)
}

type fakeScraper struct {
	pages map[string]fetchmodels.Result
}

func (f *fakeScraper) Exec(_ context.Context, url string) (fetchmodels.Result, error) {
	page, ok := f.pages[url]
	if !ok {
		return fetchmodels.Failed(url, 404, "not found"), nil
	}
	return page, nil
}

// recordingEnricher captures the candidate list handed to fan-out.
type recordingEnricher struct {
	inner Enricher
	mu    sync.Mutex
	urls  []string
	owner string
}

func (r *recordingEnricher) EnrichAll(ctx context.Context, urls []string, ownerID string) []fanout.Outcome {
	r.mu.Lock()
	r.urls = append([]string(nil), urls...)
	r.owner = ownerID
	r.mu.Unlock()
	if r.inner == nil {
		return make([]fanout.Outcome, len(urls))
	}
	return r.inner.EnrichAll(ctx, urls, ownerID)
}

type panickingEnricher struct{}

func (panickingEnricher) EnrichAll(context.Context, []string, string) []fanout.Outcome {
	panic("pool exploded")
}

type harness struct {
	completer *fakeCompleter
	searcher  *fakeSearcher
	recorder  *fakeRecorder
	opener    *recordingOpener
	hub       *metadata.Hub
	enricher  *recordingEnricher
	scraper   *fakeScraper
	cfg       config.PipelineConfig
}

func newHarness() *harness {
	hub := metadata.NewHub(metadata.MemoryBackend{}, time.Minute, nil, nil)
	h := &harness{
		completer: &fakeCompleter{objects: map[string]string{}, objErr: map[string]error{}},
		searcher:  &fakeSearcher{responses: map[string]searchmodels.Response{}, fail: map[string]error{}},
		recorder:  newFakeRecorder(),
		hub:       hub,
		opener:    &recordingOpener{hub: hub},
		scraper:   &fakeScraper{pages: map[string]fetchmodels.Result{}},
		cfg: config.PipelineConfig{
			EnrichConcurrency: 10,
			MaxCandidates:     5,
			MaxProductQueries: 5,
			ReviewResults:     1,
			ProductResults:    1,
		},
	}
	en := &fanout.Enricher{Scraper: h.scraper, Completer: h.completer, Writer: h.recorder}
	h.enricher = &recordingEnricher{inner: fanout.NewExecutor(en.Enrich, 10, nil, nil)}
	return h
}

func (h *harness) orchestrator() *Orchestrator {
	return NewOrchestrator(h.completer, h.searcher, h.enricher, h.recorder, h.opener, h.cfg, nil, nil)
}
