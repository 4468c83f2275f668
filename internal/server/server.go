package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/vooli/internal/catalog"
	"github.com/mohammad-safakhou/vooli/internal/chat"
	"github.com/mohammad-safakhou/vooli/internal/metadata"
	"github.com/mohammad-safakhou/vooli/internal/pipeline"
	"github.com/mohammad-safakhou/vooli/internal/runtime"
	"github.com/mohammad-safakhou/vooli/internal/store"
	"github.com/mohammad-safakhou/vooli/internal/telemetry"
)

// HTTPError is the body of every non-2xx response.
type HTTPError struct {
	Error string `json:"error"`
}

// ChatService is what the HTTP layer needs from internal/chat.
type ChatService interface {
	CreateChat(ctx context.Context, userID, firstMessage string) (store.Chat, *chat.Handle, error)
	ListChats(ctx context.Context, userID string, limit, offset uint64) ([]store.Chat, error)
	SubmitMessage(ctx context.Context, userID, chatID, text string) (chat.Handle, error)
	ListChatMessages(ctx context.Context, userID, chatID string) ([]chat.MessageView, error)
	RunSnapshot(ctx context.Context, runID string) (metadata.Snapshot, error)
	Subscribe(ctx context.Context, runID string) (<-chan metadata.Event, error)
	SearchProducts(q string, limit int) ([]catalog.Hit, error)
}

type Options struct {
	Secret         []byte
	AllowedOrigins []string
	Metrics        *telemetry.Metrics
	MetricsPath    string
	// DocsFile is the OpenAPI document served under /api/docs.
	DocsFile string
	Logger   *zap.Logger
	// Heartbeat is the SSE keep-alive interval.
	Heartbeat time.Duration
}

// New builds the echo instance with every route registered.
func New(svc ChatService, opts Options) *echo.Echo {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("http")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	// Unified HTTP error handler with structured JSON and logging
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code, msg := statusFor(err)
		req := c.Request()
		fields := []zap.Field{
			zap.Int("status", code),
			zap.String("method", req.Method),
			zap.String("path", req.URL.Path),
			zap.String("remote_ip", c.RealIP()),
			zap.Error(err),
		}
		if code >= http.StatusInternalServerError {
			logger.Error("request failed", fields...)
		} else {
			logger.Debug("request rejected", fields...)
		}
		if !c.Response().Committed {
			_ = c.JSON(code, HTTPError{Error: msg})
		}
	}
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     origins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{echo.HeaderContentType, echo.HeaderAuthorization, "Cookie"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	registerDocs(e, opts.DocsFile, logger)
	if opts.Metrics != nil {
		path := opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		e.GET(path, echo.WrapHandler(opts.Metrics.Handler()))
	}

	api := e.Group("/api")
	ch := &ChatsHandler{svc: svc}
	ch.Register(api.Group("/chats"), opts.Secret)

	rh := &RunsHandler{svc: svc, logger: logger, heartbeat: opts.Heartbeat}
	rh.Register(api.Group("/runs"), opts.Secret)

	ph := &ProductsHandler{svc: svc}
	ph.Register(api.Group("/products"), opts.Secret)
	return e
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) (int, string) {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg := http.StatusText(he.Code)
		if he.Message != nil {
			msg = fmt.Sprint(he.Message)
		}
		return he.Code, msg
	}
	switch {
	case errors.Is(err, store.ErrChatNotFound), errors.Is(err, metadata.ErrRunNotFound), errors.Is(err, store.ErrRunNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, pipeline.ErrEmptyMessage):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, err.Error()
	}
	return http.StatusInternalServerError, "internal error"
}

func userID(c echo.Context) string {
	if id, ok := c.Get("user_id").(string); ok {
		return id
	}
	id, _ := runtime.SubjectFromContext(c.Request().Context())
	return id
}
