package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tbourn/go-conversation-backend/internal/http/middleware"
	"github.com/tbourn/go-conversation-backend/internal/services"
)

// Envelope types sent over the WebSocket.
const (
	EnvelopeToken = "token"
	EnvelopeDone  = "done"
	EnvelopeError = "error"
)

// tokenMode is the mode reported on token envelopes.
const tokenMode = "stream"

// SocketOptions tunes the WebSocket keepalive and limits.
type SocketOptions struct {
	// PongWait is how long the peer may stay silent before the read fails.
	PongWait time.Duration
	// PingInterval must be shorter than PongWait.
	PingInterval time.Duration
	// WriteWait bounds every write, including pings.
	WriteWait time.Duration
	// ReadLimit caps an inbound message in bytes.
	ReadLimit int64
	// CheckOrigin validates the Origin header. Nil accepts every origin.
	CheckOrigin func(r *http.Request) bool
}

func (o SocketOptions) withDefaults() SocketOptions {
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.PongWait {
		o.PingInterval = o.PongWait * 9 / 10
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 64 << 10
	}
	if o.CheckOrigin == nil {
		o.CheckOrigin = func(*http.Request) bool { return true }
	}
	return o
}

// Envelope is one outbound WebSocket message.
type Envelope struct {
	Type           string   `json:"type"`
	Content        string   `json:"content,omitempty"`
	Mode           string   `json:"mode,omitempty"`
	ConversationID string   `json:"conversation_id,omitempty"`
	Sources        []string `json:"sources,omitempty"`
	Code           string   `json:"code,omitempty"`
}

// inbound is the JSON form of a client message.
type inbound struct {
	Type string `json:"type"`
	QueryRequest
}

// socket serializes writes on one connection; gorilla allows a single
// concurrent writer.
type socket struct {
	conn      *websocket.Conn
	writeWait time.Duration
	mu        sync.Mutex
}

func (s *socket) send(e Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeWait))
	return s.conn.WriteJSON(e)
}

func (s *socket) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeWait))
}

// wsSink relays a turn as token envelopes followed by one done envelope.
type wsSink struct{ s *socket }

func (w wsSink) EmitFragment(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return w.s.send(Envelope{Type: EnvelopeToken, Content: text, Mode: tokenMode})
}

func (w wsSink) Complete(ctx context.Context, c services.Completion) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return w.s.send(Envelope{
		Type:           EnvelopeDone,
		ConversationID: c.ConversationID,
		Mode:           c.Mode,
		Sources:        c.Sources,
	})
}

// ChatSocket godoc
// @ID          chatSocket
// @Summary     Duplex chat channel
// @Description Upgrades to a WebSocket. Each inbound message (JSON {question, conversation_id?, model?} or raw text) runs one turn; output arrives as token envelopes followed by a done envelope. Errors are reported in-band as error envelopes.
// @Tags        Turns
// @Param       token  query  string  false  "Bearer token for clients that cannot set headers"
// @Success     101    {string} string "Switching Protocols"
// @Failure     401    {object} handlers.ErrorResponse
// @Router      /ws/chat [get]
func (h *Handlers) ChatSocket(c *gin.Context) {
	opts := h.opts.Socket
	uid := userID(c)
	lg := middleware.LoggerFrom(c)

	upgrader := websocket.Upgrader{CheckOrigin: opts.CheckOrigin}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader has already replied with an HTTP error.
		lg.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	s := &socket{conn: conn, writeWait: opts.WriteWait}
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	lg.Info().Str("user_id", uid).Msg("websocket connected")
	defer lg.Info().Str("user_id", uid).Msg("websocket disconnected")

	conn.SetReadLimit(opts.ReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	})

	msgs := make(chan []byte, 16)
	go func() {
		defer close(msgs)
		defer cancel()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					lg.Debug().Err(err).Msg("websocket read")
				}
				return
			}
			select {
			case msgs <- data:
			case <-ctx.Done():
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(opts.PongWait))
		}
	}()

	go func() {
		t := time.NewTicker(opts.PingInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := s.ping(); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	for {
		var data []byte
		select {
		case <-ctx.Done():
			return
		case d, ok := <-msgs:
			if !ok {
				return
			}
			data = d
		}

		req, stop, err := decodeInbound(data)
		if stop {
			// Acknowledged as a no-op: turns are sequential, so nothing is in flight to stop.
			continue
		}
		if err != nil {
			if s.send(Envelope{Type: EnvelopeError, Code: ErrCodeBadRequest, Content: err.Error()}) != nil {
				return
			}
			continue
		}
		if !h.socketTurn(ctx, s, req.turn(uid, services.ModeIncremental), lg) {
			return
		}
	}
}

// socketTurn runs one turn and reports failures in-band. It returns false
// once the connection is unusable.
func (h *Handlers) socketTurn(ctx context.Context, s *socket, req services.TurnRequest, lg *zerolog.Logger) bool {
	_, err := h.turns.Run(ctx, req, wsSink{s: s})
	if err == nil {
		return true
	}
	if ctx.Err() != nil || errors.Is(err, services.ErrTurnAborted) {
		return false
	}
	e := classify(err)
	if e.Status >= http.StatusInternalServerError {
		lg.Error().Err(err).Msg("websocket turn failed")
	}
	return s.send(Envelope{Type: EnvelopeError, Code: e.Code, Content: e.Message}) == nil
}

// decodeInbound parses a client message. JSON objects carry the request
// fields; anything else is taken verbatim as the question.
func decodeInbound(data []byte) (req QueryRequest, stop bool, err error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var in inbound
		if json.Unmarshal(trimmed, &in) == nil {
			if in.Type == "stop" {
				return QueryRequest{}, true, nil
			}
			if t := in.Temperature; t != nil && (*t < 0 || *t > 2) {
				return QueryRequest{}, false, errors.New("temperature must be between 0 and 2")
			}
			if in.TopK < 0 {
				return QueryRequest{}, false, errors.New("top_k must be positive")
			}
			return in.QueryRequest, false, nil
		}
	}
	return QueryRequest{Question: string(data)}, false, nil
}
