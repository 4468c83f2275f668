package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohammad-safakhou/vooli/internal/catalog"
	"github.com/mohammad-safakhou/vooli/internal/chat"
	"github.com/mohammad-safakhou/vooli/internal/metadata"
	"github.com/mohammad-safakhou/vooli/internal/pipeline"
	"github.com/mohammad-safakhou/vooli/internal/runtime"
	"github.com/mohammad-safakhou/vooli/internal/store"
	"github.com/mohammad-safakhou/vooli/internal/telemetry"
)

var secret = []byte("server-secret")

type fakeService struct {
	submittedBy string
	events      []metadata.Event
	snap        metadata.Snapshot
}

func (f *fakeService) CreateChat(_ context.Context, userID, first string) (store.Chat, *chat.Handle, error) {
	c := store.Chat{ID: "chat-1", UserID: userID, Name: first}
	if first == "" {
		return c, nil, nil
	}
	return c, &chat.Handle{RunID: "run-1", AccessToken: "tok"}, nil
}

func (f *fakeService) ListChats(context.Context, string, uint64, uint64) ([]store.Chat, error) {
	return nil, nil
}

func (f *fakeService) SubmitMessage(_ context.Context, userID, chatID, text string) (chat.Handle, error) {
	if chatID != "chat-1" {
		return chat.Handle{}, store.ErrChatNotFound
	}
	if strings.TrimSpace(text) == "" {
		return chat.Handle{}, pipeline.ErrEmptyMessage
	}
	f.submittedBy = userID
	return chat.Handle{RunID: "run-1", AccessToken: "tok", Message: store.Message{ID: "msg-1", Content: text}}, nil
}

func (f *fakeService) ListChatMessages(context.Context, string, string) ([]chat.MessageView, error) {
	return []chat.MessageView{}, nil
}

func (f *fakeService) RunSnapshot(_ context.Context, runID string) (metadata.Snapshot, error) {
	if runID != f.snap.RunID {
		return metadata.Snapshot{}, metadata.ErrRunNotFound
	}
	return f.snap, nil
}

func (f *fakeService) Subscribe(_ context.Context, runID string) (<-chan metadata.Event, error) {
	if runID != f.snap.RunID {
		return nil, metadata.ErrRunNotFound
	}
	out := make(chan metadata.Event, len(f.events))
	for _, ev := range f.events {
		out <- ev
	}
	close(out)
	return out, nil
}

func (f *fakeService) SearchProducts(q string, _ int) ([]catalog.Hit, error) {
	return []catalog.Hit{{ID: "p1", Name: q}}, nil
}

func newTestServer(svc *fakeService) *echo.Echo {
	return New(svc, Options{Secret: secret, Metrics: telemetry.NewMetrics(), Heartbeat: time.Hour})
}

func userToken(t *testing.T) string {
	t.Helper()
	tok, err := runtime.SignJWT("user-1", secret, time.Minute)
	require.NoError(t, err)
	return tok
}

func do(e *echo.Echo, method, target, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestSubmitMessage(t *testing.T) {
	svc := &fakeService{}
	e := newTestServer(svc)

	rec := do(e, http.MethodPost, "/api/chats/chat-1/messages", userToken(t), `{"text":"best espresso machine"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var h chat.Handle
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
	assert.Equal(t, "run-1", h.RunID)
	assert.Equal(t, "user-1", svc.submittedBy)
}

func TestSubmitMessageErrors(t *testing.T) {
	e := newTestServer(&fakeService{})
	tok := userToken(t)

	rec := do(e, http.MethodPost, "/api/chats/chat-1/messages", tok, `{"text":"  "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), `"error"`)

	rec = do(e, http.MethodPost, "/api/chats/chat-9/messages", tok, `{"text":"hi"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(e, http.MethodPost, "/api/chats/chat-1/messages", "", `{"text":"hi"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateChat(t *testing.T) {
	e := newTestServer(&fakeService{})
	rec := do(e, http.MethodPost, "/api/chats", userToken(t), `{"message":"laptops"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var body createChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "laptops", body.Chat.Name)
	require.NotNil(t, body.Run)
	assert.Equal(t, "run-1", body.Run.RunID)

	rec = do(e, http.MethodGet, "/api/chats", userToken(t), "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestRunSnapshotRequiresRunToken(t *testing.T) {
	svc := &fakeService{snap: metadata.Snapshot{RunID: "run-1", Status: "answering", Done: true, Outcome: "answered"}}
	e := newTestServer(svc)

	runTok, err := runtime.IssueRunToken("run-1", secret, time.Minute)
	require.NoError(t, err)
	rec := do(e, http.MethodGet, "/api/runs/run-1", runTok, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap metadata.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, "answered", snap.Outcome)

	assert.Equal(t, http.StatusForbidden, do(e, http.MethodGet, "/api/runs/run-1", userToken(t), "").Code)
	assert.Equal(t, http.StatusForbidden, do(e, http.MethodGet, "/api/runs/run-2", runTok, "").Code)
}

func TestRunStreamWritesSSE(t *testing.T) {
	svc := &fakeService{
		snap: metadata.Snapshot{RunID: "run-1"},
		events: []metadata.Event{
			{Kind: metadata.EventStatus, Status: "answering"},
			{Kind: metadata.EventEntry, Key: "products", Value: json.RawMessage(`[{"title":"x","url":"https://x"}]`)},
			{Kind: metadata.EventToken, Token: "Hello"},
			{Kind: metadata.EventToken, Token: " there"},
			{Kind: metadata.EventDone, Outcome: "answered"},
		},
	}
	e := newTestServer(svc)
	runTok, err := runtime.IssueRunToken("run-1", secret, time.Minute)
	require.NoError(t, err)

	rec := do(e, http.MethodGet, "/api/runs/run-1/stream?access_token="+runTok, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get(echo.HeaderContentType))

	body := rec.Body.String()
	for _, want := range []string{"event: status\n", "event: entry\n", "event: done\n", `"token":"Hello"`} {
		assert.Contains(t, body, want)
	}
	assert.Less(t, strings.Index(body, `"token":"Hello"`), strings.Index(body, `"token":" there"`))
}

func TestProductSearch(t *testing.T) {
	e := newTestServer(&fakeService{})
	rec := do(e, http.MethodGet, "/api/products/search?q=kettle", userToken(t), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"name":"kettle"`)

	rec = do(e, http.MethodGet, "/api/products/search", userToken(t), "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	e := newTestServer(&fakeService{})
	assert.Equal(t, http.StatusOK, do(e, http.MethodGet, "/healthz", "", "").Code)
	rec := do(e, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
