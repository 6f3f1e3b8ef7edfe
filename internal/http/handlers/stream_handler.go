package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-conversation-backend/internal/services"
)

// StreamError is the payload of the "error" event.
type StreamError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// sseSink writes a turn as an event stream. Headers are committed with the
// first fragment; before that, failures can still be sent as JSON.
type sseSink struct {
	c       *gin.Context
	started bool
}

func (s *sseSink) start() {
	if s.started {
		return
	}
	h := s.c.Writer.Header()
	h.Set("Content-Type", sse.ContentType)
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.c.Status(http.StatusOK)
	s.c.Writer.WriteHeaderNow()
	s.started = true
}

// EmitFragment writes one unnamed event. Every line of text becomes its own
// data field so newlines and leading spaces survive.
func (s *sseSink) EmitFragment(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.start()

	var b strings.Builder
	for _, line := range strings.Split(text, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	if _, err := s.c.Writer.WriteString(b.String()); err != nil {
		return err
	}
	s.c.Writer.Flush()
	return nil
}

// Complete writes the "done" event carrying the completion metadata.
func (s *sseSink) Complete(ctx context.Context, comp services.Completion) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.start()
	if comp.Sources == nil {
		comp.Sources = []string{}
	}
	return s.event("done", comp)
}

func (s *sseSink) event(name string, data any) error {
	if err := sse.Encode(s.c.Writer, sse.Event{Event: name, Data: data}); err != nil {
		return err
	}
	s.c.Writer.Flush()
	return nil
}

// Stream godoc
// @ID          stream
// @Summary     Ask a question and receive the answer as server-sent events
// @Description Fragments arrive as unnamed "data:" events, followed by one "done" event with {conversation_id, mode, sources}. Failures after the stream started arrive as an "error" event.
// @Tags        Turns
// @Accept      json
// @Produce     text/event-stream
// @Param       body  body  handlers.QueryRequest  true  "Question"
// @Success     200   {string} string "event stream"
// @Failure     400   {object} handlers.ErrorResponse
// @Failure     404   {object} handlers.ErrorResponse
// @Failure     429   {object} handlers.ErrorResponse
// @Router      /stream [post]
func (h *Handlers) Stream(c *gin.Context) {
	var req QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body")
		return
	}

	sink := &sseSink{c: c}
	_, err := h.turns.Run(c.Request.Context(), req.turn(userID(c), services.ModeIncremental), sink)
	if err == nil {
		return
	}
	if !sink.started {
		failErr(c, err)
		return
	}
	if c.Request.Context().Err() != nil {
		return
	}

	e := classify(err)
	if e.Status >= http.StatusInternalServerError {
		logCause(c, err)
	}
	_ = sink.event("error", StreamError{Code: e.Code, Message: e.Message})
}
