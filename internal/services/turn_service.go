package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-conversation-backend/internal/domain"
	"github.com/tbourn/go-conversation-backend/internal/engine"
)

// Mode selects how the answer reaches the client.
type Mode int

const (
	// ModeSingle delivers the whole answer as one fragment.
	ModeSingle Mode = iota
	// ModeIncremental relays fragments as the engine produces them.
	ModeIncremental
)

func (m Mode) String() string {
	if m == ModeIncremental {
		return "incremental"
	}
	return "single"
}

// Defaults applied when a request leaves the engine parameters unset.
const (
	DefaultHistoryLimit = 20
	DefaultTemperature  = 0.1
	DefaultTopK         = 6
)

// TurnRequest is one question from a user.
type TurnRequest struct {
	UserID         string
	Question       string
	ConversationID string // empty: reuse or create the user's empty conversation
	Mode           Mode
	Model          string
	Temperature    *float64
	TopK           int
}

// Completion is the metadata sent to the client after the last fragment.
type Completion struct {
	ConversationID string   `json:"conversation_id"`
	Mode           string   `json:"mode"`
	Sources        []string `json:"sources"`
	Confidence     float64  `json:"confidence,omitempty"`
	Model          string   `json:"model,omitempty"`
}

// Sink receives a turn's output. A non-nil error from either method means
// the client is gone and aborts the turn.
type Sink interface {
	EmitFragment(ctx context.Context, text string) error
	Complete(ctx context.Context, c Completion) error
}

// TurnResult describes a completed turn.
type TurnResult struct {
	Conversation     *domain.Conversation
	UserMessage      *domain.Message
	AssistantMessage *domain.Message
	Answer           string
	Completion       Completion
}

// TurnService runs the transport-agnostic turn algorithm:
//
//	validate -> resolve conversation -> persist question (title, activate)
//	-> engine (single or incremental) -> persist answer -> complete
//
// The question is committed before the engine runs and before any output is
// written. No transaction is held across the engine call. An aborted or
// failed turn persists no assistant message.
type TurnService struct {
	DB       *gorm.DB
	Sessions *SessionService
	Engine   engine.Engine

	HistoryLimit     int
	MaxQuestionRunes int // 0 disables the check

	DefaultModel       string
	DefaultTemperature float64
	DefaultTopK        int

	now func() time.Time
}

// NewTurnService wires a turn service with default engine parameters.
func NewTurnService(db *gorm.DB, sessions *SessionService, eng engine.Engine) *TurnService {
	return &TurnService{
		DB:                 db,
		Sessions:           sessions,
		Engine:             eng,
		HistoryLimit:       DefaultHistoryLimit,
		DefaultTemperature: DefaultTemperature,
		DefaultTopK:        DefaultTopK,
	}
}

func (s *TurnService) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now().UTC()
}

// ValidateQuestion trims q and enforces the non-empty and length rules.
func (s *TurnService) ValidateQuestion(q string) (string, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return "", ErrEmptyQuestion
	}
	if s.MaxQuestionRunes > 0 && utf8.RuneCountInString(q) > s.MaxQuestionRunes {
		return "", ErrQuestionTooLong
	}
	return q, nil
}

// Run executes one turn and reports its output to sink.
//
// Errors: ErrEmptyQuestion, ErrQuestionTooLong, ErrConversationNotFound,
// ErrRateLimited, ErrStorageFailure, ErrEngineFailure, ErrTurnAborted.
func (s *TurnService) Run(ctx context.Context, req TurnRequest, sink Sink) (*TurnResult, error) {
	start := time.Now()
	mode := req.Mode.String()

	ctx, span := otel.Tracer("services/TurnService").Start(ctx, "Run",
		trace.WithAttributes(
			attribute.String("user.id", req.UserID),
			attribute.String("conversation.id", req.ConversationID),
			attribute.String("turn.mode", mode),
		),
	)
	defer span.End()

	lg := zerolog.Ctx(ctx).With().Str("user_id", req.UserID).Str("mode", mode).Logger()

	res, err := s.run(ctx, req, sink, &lg)

	outcome := outcomeOf(err)
	turnsTotal.WithLabelValues(mode, outcome).Inc()
	turnDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.String("turn.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		ev := lg.Warn()
		if errors.Is(err, ErrStorageFailure) || errors.Is(err, ErrEngineFailure) {
			ev = lg.Error()
		}
		ev.Err(err).Str("state", "aborted").Str("outcome", outcome).Msg("turn")
		return nil, err
	}
	lg.Info().
		Str("conversation_id", res.Conversation.ID).
		Str("state", "completed").
		Int("answer_runes", utf8.RuneCountInString(res.Answer)).
		Dur("latency", time.Since(start)).
		Msg("turn")
	return res, nil
}

func (s *TurnService) run(ctx context.Context, req TurnRequest, sink Sink, lg *zerolog.Logger) (*TurnResult, error) {
	q, err := s.ValidateQuestion(req.Question)
	if err != nil {
		return nil, err
	}

	conv, err := s.Sessions.ResolveOrCreate(ctx, req.UserID, req.ConversationID, "")
	if err != nil {
		return nil, err
	}

	// Pending -> UserPersisted.
	var userMsg *domain.Message
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sess := s.Sessions.WithDB(tx)
		if err := sess.DeriveTitleIfNeeded(ctx, conv, q); err != nil {
			return err
		}
		if err := sess.Activate(ctx, conv); err != nil {
			return err
		}
		m, err := s.Sessions.Transcript.CreateMessage(ctx, tx, conv.ID, domain.RoleUser, q)
		if err != nil {
			return err
		}
		userMsg = m
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrStorageFailure) {
			return nil, err
		}
		return nil, storageErr(err)
	}
	lg.Debug().Str("conversation_id", conv.ID).Str("state", "user_persisted").Msg("turn")

	history, err := s.Sessions.Transcript.RecentMessages(ctx, s.DB, conv.ID, s.historyLimit())
	if err != nil {
		return nil, storageErr(err)
	}
	ectx := s.engineContext(req, conv.ID, history)

	// UserPersisted -> Producing.
	var (
		answer string
		meta   engine.Response
	)
	switch req.Mode {
	case ModeIncremental:
		answer, meta, err = s.produceIncremental(ctx, q, ectx, sink, req.Mode)
	default:
		answer, meta, err = s.produceSingle(ctx, q, ectx, sink, req.Mode)
	}
	if err != nil {
		return nil, err
	}

	// Producing -> Completed. The answer is complete, so it is stored even if
	// the client disconnects now.
	pctx := context.WithoutCancel(ctx)
	answer = strings.TrimSpace(answer)
	var asstMsg *domain.Message
	err = s.DB.WithContext(pctx).Transaction(func(tx *gorm.DB) error {
		m, err := s.Sessions.Transcript.CreateMessage(pctx, tx, conv.ID, domain.RoleAssistant, answer)
		if err != nil {
			return err
		}
		asstMsg = m
		return s.Sessions.Conversations.TouchConversation(pctx, tx, conv.ID, s.clock())
	})
	if err != nil {
		return nil, storageErr(err)
	}

	sources := meta.Sources
	if sources == nil {
		sources = []string{}
	}
	done := Completion{
		ConversationID: conv.ID,
		Mode:           meta.Mode,
		Sources:        sources,
		Confidence:     meta.Confidence,
		Model:          meta.Model,
	}
	if err := sink.Complete(ctx, done); err != nil {
		lg.Debug().Err(err).Str("conversation_id", conv.ID).Msg("turn: completion not delivered")
	}

	return &TurnResult{
		Conversation:     conv,
		UserMessage:      userMsg,
		AssistantMessage: asstMsg,
		Answer:           answer,
		Completion:       done,
	}, nil
}

func (s *TurnService) produceSingle(ctx context.Context, q string, ectx engine.Context, sink Sink, mode Mode) (string, engine.Response, error) {
	resp, err := s.Engine.Answer(ctx, q, ectx)
	if ctx.Err() != nil {
		return "", engine.Response{}, fmt.Errorf("%w: %w", ErrTurnAborted, ctx.Err())
	}
	if err != nil {
		return "", engine.Response{}, fmt.Errorf("%w: %w", ErrEngineFailure, err)
	}
	if err := sink.EmitFragment(ctx, resp.Content); err != nil {
		return "", engine.Response{}, fmt.Errorf("%w: %w", ErrTurnAborted, err)
	}
	fragmentsTotal.WithLabelValues(mode.String()).Inc()
	return resp.Content, resp, nil
}

func (s *TurnService) produceIncremental(ctx context.Context, q string, ectx engine.Context, sink Sink, mode Mode) (string, engine.Response, error) {
	stream, err := s.Engine.Stream(ctx, q, ectx)
	if ctx.Err() != nil {
		if stream != nil {
			_ = stream.Close()
		}
		return "", engine.Response{}, fmt.Errorf("%w: %w", ErrTurnAborted, ctx.Err())
	}
	if err != nil {
		return "", engine.Response{}, fmt.Errorf("%w: %w", ErrEngineFailure, err)
	}
	defer stream.Close()

	var b strings.Builder
	for {
		if err := ctx.Err(); err != nil {
			return "", engine.Response{}, fmt.Errorf("%w: %w", ErrTurnAborted, err)
		}
		if !stream.Next() {
			break
		}
		frag := stream.Fragment()
		b.WriteString(frag)
		if err := sink.EmitFragment(ctx, frag); err != nil {
			return "", engine.Response{}, fmt.Errorf("%w: %w", ErrTurnAborted, err)
		}
		fragmentsTotal.WithLabelValues(mode.String()).Inc()
	}
	if err := stream.Err(); err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return "", engine.Response{}, fmt.Errorf("%w: %w", ErrTurnAborted, err)
		}
		return "", engine.Response{}, fmt.Errorf("%w: %w", ErrEngineFailure, err)
	}
	return b.String(), stream.Response(), nil
}

func (s *TurnService) historyLimit() int {
	if s.HistoryLimit > 0 {
		return s.HistoryLimit
	}
	return DefaultHistoryLimit
}

func (s *TurnService) engineContext(req TurnRequest, convID string, history []domain.Message) engine.Context {
	turns := make([]engine.Turn, 0, len(history))
	for _, m := range history {
		turns = append(turns, engine.Turn{Role: m.Role, Content: m.Content})
	}
	ec := engine.Context{
		UserID:         req.UserID,
		ConversationID: convID,
		History:        turns,
		Model:          req.Model,
		Temperature:    s.DefaultTemperature,
		TopK:           req.TopK,
	}
	if ec.Model == "" {
		ec.Model = s.DefaultModel
	}
	if req.Temperature != nil {
		ec.Temperature = *req.Temperature
	}
	if ec.TopK <= 0 {
		ec.TopK = s.DefaultTopK
	}
	return ec
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "completed"
	case errors.Is(err, ErrTurnAborted):
		return "aborted"
	case errors.Is(err, ErrEngineFailure):
		return "engine_failed"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrConversationNotFound):
		return "not_found"
	case errors.Is(err, ErrEmptyQuestion), errors.Is(err, ErrQuestionTooLong):
		return "invalid"
	default:
		return "storage_failed"
	}
}
