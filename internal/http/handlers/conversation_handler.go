// Conversation HTTP handlers.
//
//   - POST   /conversations               (create or reuse the empty one)
//   - GET    /conversations               (list, paginated, ETag support)
//   - GET    /conversations/{id}          (conversation with transcript)
//   - GET    /conversations/{id}/messages (transcript page)
//   - PATCH  /conversations/{id}          (rename)
//   - DELETE /conversations/{id}          (delete with transcript)
package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-conversation-backend/internal/domain"
	"github.com/tbourn/go-conversation-backend/internal/repo"
)

// CreateConversationRequest is the optional body of POST /conversations.
type CreateConversationRequest struct {
	// Title is used only when a new conversation is inserted.
	Title string `json:"title" example:"Quarterly churn"`
}

// RenameConversationRequest is the body of PATCH /conversations/{id}.
type RenameConversationRequest struct {
	Title string `json:"title" example:"Churn by region"`
}

// ConversationDetail is a conversation with its transcript.
type ConversationDetail struct {
	domain.Conversation
	Messages []domain.Message `json:"messages"`
}

// ListConversationsResponse wraps a page of conversations.
type ListConversationsResponse struct {
	Conversations []domain.ConversationSummary `json:"conversations"`
	Pagination    Pagination                   `json:"pagination"`
}

// ListMessagesResponse wraps a page of a transcript.
type ListMessagesResponse struct {
	Messages   []domain.Message `json:"messages"`
	Pagination Pagination       `json:"pagination"`
}

// CreateConversation godoc
// @ID          createConversation
// @Summary     Create or reuse the empty conversation
// @Description Returns the caller's existing empty conversation, or creates one (rate limited per user).
// @Tags        Conversations
// @Accept      json
// @Produce     json
// @Param       body  body     handlers.CreateConversationRequest  false  "Optional title"
// @Success     201   {object} domain.Conversation
// @Failure     429   {object} handlers.ErrorResponse  "Creation cooldown active"
// @Router      /conversations [post]
func (h *Handlers) CreateConversation(c *gin.Context) {
	var req CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	conv, err := h.sessions.ResolveOrCreate(c.Request.Context(), userID(c), "", req.Title)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusCreated, conv)
}

// ListConversations godoc
// @ID          listConversations
// @Summary     List conversations (paginated)
// @Description Most recently updated first, each with its message count. Supports weak ETag via If-None-Match.
// @Tags        Conversations
// @Produce     json
// @Param       page       query  int  false  "Page number"     minimum(1) default(1)
// @Param       page_size  query  int  false  "Items per page"  minimum(1) maximum(100) default(20)
// @Success     200  {object} handlers.ListConversationsResponse
// @Success     304  {string} string "Not Modified"
// @Router      /conversations [get]
func (h *Handlers) ListConversations(c *gin.Context) {
	ctx := c.Request.Context()
	uid := userID(c)
	page, pageSize := clampPagination(c)

	if h.db != nil {
		if count, msgs, maxTS, err := repo.ConversationsStats(ctx, h.db, uid); err == nil {
			var ts int64
			if maxTS != nil {
				ts = maxTS.UnixNano()
			}
			etag := fmt.Sprintf(`W/"conversations:%s:%d:%d:%d:%d:%d"`, uid, count, msgs, ts, page, pageSize)
			c.Header("ETag", etag)
			if c.GetHeader("If-None-Match") == etag {
				c.Status(http.StatusNotModified)
				return
			}
		}
	}

	items, total, err := h.sessions.List(ctx, uid, page, pageSize)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, ListConversationsResponse{
		Conversations: items,
		Pagination:    newPagination(page, pageSize, total),
	})
}

// GetConversation godoc
// @ID          getConversation
// @Summary     Get a conversation with its transcript
// @Tags        Conversations
// @Produce     json
// @Param       id   path     string  true  "Conversation ID"
// @Success     200  {object} handlers.ConversationDetail
// @Failure     404  {object} handlers.ErrorResponse
// @Router      /conversations/{id} [get]
func (h *Handlers) GetConversation(c *gin.Context) {
	conv, msgs, err := h.sessions.Get(c.Request.Context(), userID(c), c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	ok(c, http.StatusOK, ConversationDetail{Conversation: *conv, Messages: msgs})
}

// ListMessages godoc
// @ID          listMessages
// @Summary     List a conversation's messages (paginated)
// @Tags        Conversations
// @Produce     json
// @Param       id         path   string  true   "Conversation ID"
// @Param       page       query  int     false  "Page number"     minimum(1) default(1)
// @Param       page_size  query  int     false  "Items per page"  minimum(1) maximum(100) default(20)
// @Success     200  {object} handlers.ListMessagesResponse
// @Success     304  {string} string "Not Modified"
// @Failure     404  {object} handlers.ErrorResponse
// @Router      /conversations/{id}/messages [get]
func (h *Handlers) ListMessages(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	page, pageSize := clampPagination(c)

	items, total, err := h.sessions.Messages(ctx, userID(c), id, page, pageSize)
	if err != nil {
		failErr(c, err)
		return
	}

	if h.db != nil {
		if count, latest, err := repo.MessagesStats(ctx, h.db, id); err == nil {
			var ts int64
			if latest != nil {
				ts = latest.UnixNano()
			}
			etag := fmt.Sprintf(`W/"messages:%s:%d:%d:%d:%d"`, id, count, ts, page, pageSize)
			c.Header("ETag", etag)
			if c.GetHeader("If-None-Match") == etag {
				c.Status(http.StatusNotModified)
				return
			}
		}
	}

	ok(c, http.StatusOK, ListMessagesResponse{
		Messages:   items,
		Pagination: newPagination(page, pageSize, total),
	})
}

// RenameConversation godoc
// @ID          renameConversation
// @Summary     Rename a conversation
// @Tags        Conversations
// @Accept      json
// @Produce     json
// @Param       id    path     string  true  "Conversation ID"
// @Param       body  body     handlers.RenameConversationRequest  true  "New title"
// @Success     200   {object} domain.Conversation
// @Failure     400   {object} handlers.ErrorResponse
// @Failure     404   {object} handlers.ErrorResponse
// @Router      /conversations/{id} [patch]
func (h *Handlers) RenameConversation(c *gin.Context) {
	var req RenameConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	conv, err := h.sessions.Rename(c.Request.Context(), userID(c), c.Param("id"), req.Title)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, conv)
}

// DeleteConversation godoc
// @ID          deleteConversation
// @Summary     Delete a conversation and its transcript
// @Tags        Conversations
// @Param       id   path  string  true  "Conversation ID"
// @Success     204  {string} string "No Content"
// @Failure     404  {object} handlers.ErrorResponse
// @Router      /conversations/{id} [delete]
func (h *Handlers) DeleteConversation(c *gin.Context) {
	if err := h.sessions.Delete(c.Request.Context(), userID(c), c.Param("id")); err != nil {
		failErr(c, err)
		return
	}
	noContent(c)
}
