package server

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/vooli/internal/chat"
	"github.com/mohammad-safakhou/vooli/internal/runtime"
	"github.com/mohammad-safakhou/vooli/internal/store"
)

type ChatsHandler struct {
	svc ChatService
}

type createChatRequest struct {
	Message string `json:"message"`
}

type createChatResponse struct {
	Chat store.Chat   `json:"chat"`
	Run  *chat.Handle `json:"run,omitempty"`
}

type submitMessageRequest struct {
	Text string `json:"text"`
}

func (h *ChatsHandler) Register(g *echo.Group, secret []byte) {
	g.Use(runtime.EchoAuthMiddleware(secret))
	g.POST("", h.create)
	g.GET("", h.list)
	g.GET("/:chat_id/messages", h.messages)
	g.POST("/:chat_id/messages", h.submit)
}

// create opens a chat, optionally submitting its first message.
//
//	@Summary	Create chat
//	@Tags		chats
//	@Security	BearerAuth
//	@Accept		json
//	@Produce	json
//	@Success	201	{object}	createChatResponse
//	@Router		/api/chats [post]
func (h *ChatsHandler) create(c echo.Context) error {
	var req createChatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	created, handle, err := h.svc.CreateChat(c.Request().Context(), userID(c), req.Message)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, createChatResponse{Chat: created, Run: handle})
}

func (h *ChatsHandler) list(c echo.Context) error {
	limit, _ := strconv.ParseUint(c.QueryParam("limit"), 10, 64)
	offset, _ := strconv.ParseUint(c.QueryParam("offset"), 10, 64)
	chats, err := h.svc.ListChats(c.Request().Context(), userID(c), limit, offset)
	if err != nil {
		return err
	}
	if chats == nil {
		chats = []store.Chat{}
	}
	return c.JSON(http.StatusOK, chats)
}

func (h *ChatsHandler) messages(c echo.Context) error {
	views, err := h.svc.ListChatMessages(c.Request().Context(), userID(c), c.Param("chat_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, views)
}

// submit starts a run for a new user message and returns its handle.
//
//	@Summary	Submit message
//	@Tags		chats
//	@Security	BearerAuth
//	@Param		chat_id	path	string	true	"Chat ID"
//	@Accept		json
//	@Produce	json
//	@Success	202	{object}	chat.Handle
//	@Failure	400	{object}	HTTPError
//	@Failure	404	{object}	HTTPError
//	@Router		/api/chats/{chat_id}/messages [post]
func (h *ChatsHandler) submit(c echo.Context) error {
	var req submitMessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	handle, err := h.svc.SubmitMessage(c.Request().Context(), userID(c), c.Param("chat_id"), req.Text)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, handle)
}
