package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/vooli/internal/metadata"
	"github.com/mohammad-safakhou/vooli/internal/runtime"
)

var runsTracer = otel.Tracer("vooli/internal/server/runs")

type RunsHandler struct {
	svc       ChatService
	logger    *zap.Logger
	heartbeat time.Duration
}

func (h *RunsHandler) Register(g *echo.Group, secret []byte) {
	g.Use(runtime.RunTokenMiddleware(secret))
	g.GET("/:run_id", h.snapshot)
	g.GET("/:run_id/stream", h.stream)
}

// snapshot returns the current (or frozen terminal) progress of a run.
//
//	@Summary	Run snapshot
//	@Tags		runs
//	@Security	BearerAuth
//	@Param		run_id	path	string	true	"Run ID"
//	@Produce	json
//	@Success	200	{object}	metadata.Snapshot
//	@Failure	404	{object}	HTTPError
//	@Router		/api/runs/{run_id} [get]
func (h *RunsHandler) snapshot(c echo.Context) error {
	snap, err := h.svc.RunSnapshot(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, snap)
}

// stream relays run events via Server-Sent Events until the done event.
//
//	@Summary	Run progress stream
//	@Tags		runs
//	@Security	BearerAuth
//	@Param		run_id		path	string	true	"Run ID"
//	@Param		access_token	query	string	false	"Run access token"
//	@Produce	text/event-stream
//	@Success	200	{string}	string
//	@Failure	404	{object}	HTTPError
//	@Router		/api/runs/{run_id}/stream [get]
func (h *RunsHandler) stream(c echo.Context) error {
	req := c.Request()
	runID := c.Param("run_id")
	ctx, span := runsTracer.Start(req.Context(), "RunsHandler.stream")
	defer span.End()
	span.SetAttributes(attribute.String("run_id", runID))

	events, err := h.svc.Subscribe(ctx, runID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)
	resp.Flush()

	heartbeat := h.heartbeat
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := fmt.Fprint(resp, ": ping\n\n"); err != nil {
				return nil
			}
			resp.Flush()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := writeEvent(resp, ev); err != nil {
				h.logger.Debug("stream client gone", zap.String("run_id", runID), zap.Error(err))
				return nil
			}
			resp.Flush()
			if ev.Kind == metadata.EventDone {
				return nil
			}
		}
	}
}

func writeEvent(resp *echo.Response, ev metadata.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(resp, "event: %s\ndata: %s\n\n", ev.Kind, data)
	return err
}
