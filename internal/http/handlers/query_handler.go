package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-conversation-backend/internal/http/middleware"
	"github.com/tbourn/go-conversation-backend/internal/repo"
	"github.com/tbourn/go-conversation-backend/internal/services"
)

// IdempotencyScopeQuery is the scope under which /query responses are stored.
const IdempotencyScopeQuery = "query"

// headerReplayed marks a response served from the idempotency store.
const headerReplayed = "Idempotency-Replayed"

// QueryRequest is the body of POST /query and POST /stream, and the JSON
// form of an inbound WebSocket message.
type QueryRequest struct {
	Question       string   `json:"question" example:"Which regions grew fastest?"`
	ConversationID string   `json:"conversation_id,omitempty" example:"3f1c0a56-4a54-4f4a-9b59-3a8f1f2d7e11"`
	Model          string   `json:"model,omitempty"`
	Temperature    *float64 `json:"temperature,omitempty" binding:"omitempty,gte=0,lte=2"`
	TopK           int      `json:"top_k,omitempty" binding:"omitempty,gte=1,lte=50"`
}

func (q QueryRequest) turn(uid string, mode services.Mode) services.TurnRequest {
	return services.TurnRequest{
		UserID:         uid,
		Question:       q.Question,
		ConversationID: strings.TrimSpace(q.ConversationID),
		Mode:           mode,
		Model:          q.Model,
		Temperature:    q.Temperature,
		TopK:           q.TopK,
	}
}

// QueryResponse is the single-response answer.
type QueryResponse struct {
	Answer         string   `json:"answer"`
	Mode           string   `json:"mode"`
	Sources        []string `json:"sources"`
	ConversationID string   `json:"conversation_id"`
}

// collectSink buffers fragments for the single-response transport.
type collectSink struct {
	b    strings.Builder
	done *services.Completion
}

func (s *collectSink) EmitFragment(_ context.Context, text string) error {
	s.b.WriteString(text)
	return nil
}

func (s *collectSink) Complete(_ context.Context, c services.Completion) error {
	s.done = &c
	return nil
}

// Query godoc
// @ID          query
// @Summary     Ask a question and receive the whole answer
// @Description Runs one turn in single mode. Retries carrying the same Idempotency-Key replay the stored response.
// @Tags        Turns
// @Accept      json
// @Produce     json
// @Param       Idempotency-Key  header  string  false  "Idempotency key"
// @Param       body  body     handlers.QueryRequest  true  "Question"
// @Success     200   {object} handlers.QueryResponse
// @Failure     400   {object} handlers.ErrorResponse
// @Failure     404   {object} handlers.ErrorResponse
// @Failure     429   {object} handlers.ErrorResponse
// @Failure     502   {object} handlers.ErrorResponse
// @Router      /query [post]
func (h *Handlers) Query(c *gin.Context) {
	ctx := c.Request.Context()
	uid := userID(c)
	key, hasKey := middleware.GetIdempotencyKey(c)

	if hasKey && h.db != nil && middleware.IsReplay(c) {
		rec, err := repo.GetIdempotency(ctx, h.db, uid, IdempotencyScopeQuery, key, time.Now().UTC())
		if err == nil {
			c.Header(headerReplayed, "true")
			c.Data(rec.Status, "application/json; charset=utf-8", rec.Body)
			return
		}
	}

	var req QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body")
		return
	}

	sink := &collectSink{}
	res, err := h.turns.Run(ctx, req.turn(uid, services.ModeSingle), sink)
	if err != nil {
		failErr(c, err)
		return
	}

	comp := res.Completion
	if sink.done != nil {
		comp = *sink.done
	}
	sources := comp.Sources
	if sources == nil {
		sources = []string{}
	}
	body, err := json.Marshal(QueryResponse{
		Answer:         sink.b.String(),
		Mode:           comp.Mode,
		Sources:        sources,
		ConversationID: comp.ConversationID,
	})
	if err != nil {
		logCause(c, err)
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "failed to encode response")
		return
	}

	if hasKey && h.db != nil {
		_, err := repo.CreateIdempotency(ctx, h.db, uid, IdempotencyScopeQuery, key, comp.ConversationID, http.StatusOK, body, h.opts.IdempotencyTTL)
		if err != nil && !errors.Is(err, repo.ErrDuplicate) {
			middleware.LoggerFrom(c).Warn().Err(err).Str("idempotency_key", key).Msg("store idempotent response")
		}
	}

	c.Data(http.StatusOK, "application/json; charset=utf-8", body)
}
