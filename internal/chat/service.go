// Package chat is the caller-facing surface: chats, message submission and
// run progress reads.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/vooli/internal/catalog"
	"github.com/mohammad-safakhou/vooli/internal/metadata"
	"github.com/mohammad-safakhou/vooli/internal/pipeline"
	"github.com/mohammad-safakhou/vooli/internal/runtime"
	"github.com/mohammad-safakhou/vooli/internal/store"
)

const maxChatName = 60

type Store interface {
	CreateChat(ctx context.Context, userID, name string) (store.Chat, error)
	GetChat(ctx context.Context, chatID, userID string) (store.Chat, error)
	ListChats(ctx context.Context, userID string, limit, offset uint64) ([]store.Chat, error)
	TouchChat(ctx context.Context, chatID string) error
	CreateMessage(ctx context.Context, chatID, role, content string) (store.Message, error)
	GetMessage(ctx context.Context, messageID string) (store.Message, error)
	ListMessages(ctx context.Context, chatID string) ([]store.Message, error)
	ListProductsByMessages(ctx context.Context, messageIDs []string) (map[string][]store.Product, error)
	ListSourcesByMessages(ctx context.Context, messageIDs []string) (map[string][]store.Source, error)
	GetRun(ctx context.Context, runID string) (store.Run, error)
}

type Runner interface {
	Begin(ctx context.Context, req pipeline.RunRequest) (*pipeline.Run, error)
	Drive(ctx context.Context, run *pipeline.Run) pipeline.FinalAnswer
}

type Progress interface {
	Snapshot(ctx context.Context, runID string) (metadata.Snapshot, error)
	Subscribe(ctx context.Context, runID string) (<-chan metadata.Event, error)
}

type Searcher interface {
	Search(q string, limit int) ([]catalog.Hit, error)
}

type Options struct {
	Secret     []byte
	TokenTTL   time.Duration
	RunTimeout time.Duration
}

// Handle is returned by SubmitMessage; AccessToken authorizes progress reads of RunID.
type Handle struct {
	RunID       string        `json:"run_id"`
	AccessToken string        `json:"access_token"`
	Message     store.Message `json:"message"`
}

type MessageView struct {
	store.Message
	Products []store.Product `json:"products"`
	Sources  []store.Source  `json:"sources"`
}

type Service struct {
	store    Store
	runner   Runner
	progress Progress
	catalog  Searcher
	opts     Options
	logger   *zap.Logger

	wg sync.WaitGroup
	// onFinish is a test hook.
	onFinish func(pipeline.FinalAnswer)
}

func NewService(st Store, runner Runner, progress Progress, cat Searcher, opts Options, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = 15 * time.Minute
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = time.Hour
	}
	return &Service{store: st, runner: runner, progress: progress, catalog: cat, opts: opts, logger: logger.Named("chat")}
}

// CreateChat names a new chat after its first message. When firstMessage is
// non-empty it is submitted and the run handle returned.
func (s *Service) CreateChat(ctx context.Context, userID, firstMessage string) (store.Chat, *Handle, error) {
	first := strings.TrimSpace(firstMessage)
	c, err := s.store.CreateChat(ctx, userID, chatName(first))
	if err != nil {
		return store.Chat{}, nil, err
	}
	if first == "" {
		return c, nil, nil
	}
	h, err := s.SubmitMessage(ctx, userID, c.ID, first)
	if err != nil {
		return c, nil, err
	}
	return c, &h, nil
}

func chatName(first string) string {
	if first == "" {
		return "New chat"
	}
	first = strings.Join(strings.Fields(first), " ")
	if utf8.RuneCountInString(first) <= maxChatName {
		return first
	}
	r := []rune(first)
	return strings.TrimSpace(string(r[:maxChatName])) + "…"
}

func (s *Service) ListChats(ctx context.Context, userID string, limit, offset uint64) ([]store.Chat, error) {
	if limit == 0 || limit > 100 {
		limit = 50
	}
	return s.store.ListChats(ctx, userID, limit, offset)
}

// SubmitMessage persists the user message, starts a run in the background and
// returns immediately with a handle for observing it.
func (s *Service) SubmitMessage(ctx context.Context, userID, chatID, text string) (Handle, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Handle{}, pipeline.ErrEmptyMessage
	}
	if _, err := s.store.GetChat(ctx, chatID, userID); err != nil {
		return Handle{}, err
	}
	msg, err := s.store.CreateMessage(ctx, chatID, store.RoleUser, text)
	if err != nil {
		return Handle{}, fmt.Errorf("persist message: %w", err)
	}
	if err := s.store.TouchChat(ctx, chatID); err != nil {
		s.logger.Warn("touch chat failed", zap.String("chat_id", chatID), zap.Error(err))
	}

	runID := uuid.NewString()
	token, err := runtime.IssueRunToken(runID, s.opts.Secret, s.opts.TokenTTL)
	if err != nil {
		return Handle{}, fmt.Errorf("issue run token: %w", err)
	}
	run, err := s.runner.Begin(ctx, pipeline.RunRequest{
		RunID:         runID,
		ChatID:        chatID,
		Message:       text,
		UserMessageID: msg.ID,
	})
	if err != nil {
		return Handle{}, err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		runCtx, cancel := context.WithTimeout(context.Background(), s.opts.RunTimeout)
		defer cancel()
		final := s.runner.Drive(runCtx, run)
		if s.onFinish != nil {
			s.onFinish(final)
		}
	}()

	s.logger.Info("run started", zap.String("run_id", runID), zap.String("chat_id", chatID))
	return Handle{RunID: runID, AccessToken: token, Message: msg}, nil
}

// Wait blocks until every background run has finished or ctx ends.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListChatMessages returns the chat's messages oldest first, each with the
// products and sources it owns.
func (s *Service) ListChatMessages(ctx context.Context, userID, chatID string) ([]MessageView, error) {
	if _, err := s.store.GetChat(ctx, chatID, userID); err != nil {
		return nil, err
	}
	msgs, err := s.store.ListMessages(ctx, chatID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	products, err := s.store.ListProductsByMessages(ctx, ids)
	if err != nil {
		return nil, err
	}
	sources, err := s.store.ListSourcesByMessages(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]MessageView, 0, len(msgs))
	for _, m := range msgs {
		v := MessageView{Message: m, Products: products[m.ID], Sources: sources[m.ID]}
		if v.Products == nil {
			v.Products = []store.Product{}
		}
		if v.Sources == nil {
			v.Sources = []store.Source{}
		}
		out = append(out, v)
	}
	return out, nil
}

// RunSnapshot reads live or archived progress. Runs this instance no longer
// holds are rebuilt from the persisted run row.
func (s *Service) RunSnapshot(ctx context.Context, runID string) (metadata.Snapshot, error) {
	snap, err := s.progress.Snapshot(ctx, runID)
	if err == nil {
		return snap, nil
	}
	if !errors.Is(err, metadata.ErrRunNotFound) {
		return metadata.Snapshot{}, err
	}
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			return metadata.Snapshot{}, metadata.ErrRunNotFound
		}
		return metadata.Snapshot{}, err
	}
	return s.restoreSnapshot(ctx, run), nil
}

// restoreSnapshot rebuilds a finished run's snapshot once its archive entry
// has expired. The answer and sources come back from the placeholder message;
// streamed tokens collapse into one token holding the answer.
func (s *Service) restoreSnapshot(ctx context.Context, run store.Run) metadata.Snapshot {
	snap := snapshotFromRun(run)
	if !snap.Done || run.MessageID == "" {
		return snap
	}
	log := s.logger.With(zap.String("run_id", run.ID), zap.String("message_id", run.MessageID))

	msg, err := s.store.GetMessage(ctx, run.MessageID)
	if err != nil {
		log.Warn("restore answer", zap.Error(err))
		return snap
	}
	if raw, err := json.Marshal(msg.Content); err == nil {
		snap.Entries[metadata.EntryAnswer] = raw
	}
	if run.Outcome == string(pipeline.OutcomeAnswered) {
		snap.Tokens = []string{msg.Content}
	}

	sources, err := s.store.ListSourcesByMessages(ctx, []string{run.MessageID})
	if err != nil {
		log.Warn("restore sources", zap.Error(err))
		return snap
	}
	if rows := sources[run.MessageID]; len(rows) > 0 {
		links := make([]pipeline.SourceLink, 0, len(rows))
		for _, src := range rows {
			links = append(links, pipeline.SourceLink{URL: src.URL, Title: src.Title, Answer: src.Description})
		}
		if raw, err := json.Marshal(links); err == nil {
			snap.Entries[metadata.EntrySources] = raw
		}
	}
	return snap
}

func snapshotFromRun(run store.Run) metadata.Snapshot {
	return metadata.Snapshot{
		RunID:     run.ID,
		Status:    run.Stage,
		Entries:   map[string]json.RawMessage{},
		Tokens:    []string{},
		Outcome:   run.Outcome,
		Done:      run.Outcome != "",
		UpdatedAt: run.UpdatedAt,
	}
}

func (s *Service) Subscribe(ctx context.Context, runID string) (<-chan metadata.Event, error) {
	return s.progress.Subscribe(ctx, runID)
}

func (s *Service) SearchProducts(q string, limit int) ([]catalog.Hit, error) {
	if s.catalog == nil {
		return []catalog.Hit{}, nil
	}
	if limit <= 0 || limit > 50 {
		limit = 10
	}
	return s.catalog.Search(q, limit)
}
