package handlers

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/tbourn/go-conversation-backend/internal/domain"
	"github.com/tbourn/go-conversation-backend/internal/engine"
	"github.com/tbourn/go-conversation-backend/internal/http/middleware"
)

func TestQuery_StubEndToEnd(t *testing.T) {
	e := newEnv(t, engine.Stub{}, nil)

	w := e.call(http.MethodPost, "/query", "u1", `{"question":"  How are sales?  "}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	got := decodeJSON[QueryResponse](t, w)
	if got.Answer != engine.StubReply || got.Mode != engine.ModeStub || got.ConversationID == "" {
		t.Fatalf("response = %+v", got)
	}
	if got.Sources == nil {
		t.Fatalf("sources must be an array")
	}

	conv, msgs, err := e.sessions.Get(context.Background(), "u1", got.ConversationID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if conv.Status != domain.StatusActive || conv.Title != "How are sales?" {
		t.Fatalf("conversation = %+v", conv)
	}
	if len(msgs) != 2 || msgs[0].Content != "How are sales?" || msgs[1].Content != strings.TrimSpace(engine.StubReply) {
		t.Fatalf("transcript = %+v", msgs)
	}
}

func TestQuery_ContinuesExplicitConversation(t *testing.T) {
	e := newEnv(t, &fixedEngine{frags: []string{"a", "b"}, sources: []string{"Doc"}}, nil)
	first := decodeJSON[QueryResponse](t, e.call(http.MethodPost, "/query", "u1", `{"question":"one"}`, nil))
	if first.Answer != "ab" || len(first.Sources) != 1 || first.Sources[0] != "Doc" || first.Mode != "fixed" {
		t.Fatalf("first = %+v", first)
	}

	body := `{"question":"two","conversation_id":"` + first.ConversationID + `","temperature":0.5,"top_k":3}`
	second := decodeJSON[QueryResponse](t, e.call(http.MethodPost, "/query", "u1", body, nil))
	if second.ConversationID != first.ConversationID {
		t.Fatalf("conversation changed: %s -> %s", first.ConversationID, second.ConversationID)
	}
	_, msgs, _ := e.sessions.Get(context.Background(), "u1", first.ConversationID)
	if len(msgs) != 4 {
		t.Fatalf("transcript len = %d", len(msgs))
	}
}

func TestQuery_Errors(t *testing.T) {
	cases := []struct {
		name   string
		eng    engine.Engine
		user   string
		body   string
		status int
		code   string
	}{
		{"bad json", engine.Stub{}, "u1", `{"question":`, 400, ErrCodeBadRequest},
		{"empty question", engine.Stub{}, "u1", `{"question":"   "}`, 400, ErrCodeBadRequest},
		{"too long", engine.Stub{}, "u1", `{"question":"` + strings.Repeat("x", 201) + `"}`, 400, ErrCodeBadRequest},
		{"temperature out of range", engine.Stub{}, "u1", `{"question":"q","temperature":3}`, 400, ErrCodeBadRequest},
		{"unknown conversation", engine.Stub{}, "u1", `{"question":"q","conversation_id":"nope"}`, 404, ErrCodeNotFound},
		{"engine failure", &fixedEngine{err: errUpstream}, "u1", `{"question":"q"}`, 502, ErrCodeEngineFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t, tc.eng, nil)
			w := e.call(http.MethodPost, "/query", tc.user, tc.body, nil)
			if w.Code != tc.status {
				t.Fatalf("status = %d want %d body=%s", w.Code, tc.status, w.Body.String())
			}
			er := decodeJSON[ErrorResponse](t, w)
			if er.Code != tc.code {
				t.Fatalf("code = %q want %q", er.Code, tc.code)
			}
			if strings.Contains(er.Message, errUpstream.Error()) {
				t.Fatalf("engine detail leaked: %q", er.Message)
			}
		})
	}
}

func TestQuery_EngineFailureKeepsQuestion(t *testing.T) {
	e := newEnv(t, &fixedEngine{err: errUpstream}, nil)
	if w := e.call(http.MethodPost, "/query", "u1", `{"question":"will fail"}`, nil); w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", w.Code)
	}
	list := decodeJSON[ListConversationsResponse](t, e.call(http.MethodGet, "/conversations", "u1", "", nil))
	if len(list.Conversations) != 1 || list.Conversations[0].MessageCount != 1 {
		t.Fatalf("expected only the question persisted: %+v", list.Conversations)
	}
	if list.Conversations[0].Status != domain.StatusActive {
		t.Fatalf("status = %q", list.Conversations[0].Status)
	}
}

func TestQuery_IdempotentReplay(t *testing.T) {
	e := newEnv(t, &fixedEngine{frags: []string{"answer"}}, nil)
	hdr := map[string]string{middleware.HeaderIdempotencyKey: "req-1"}

	w1 := e.call(http.MethodPost, "/query", "u1", `{"question":"once"}`, hdr)
	if w1.Code != http.StatusOK || w1.Header().Get(headerReplayed) != "" {
		t.Fatalf("first = %d replayed=%q", w1.Code, w1.Header().Get(headerReplayed))
	}

	w2 := e.call(http.MethodPost, "/query", "u1", `{"question":"once"}`, hdr)
	if w2.Code != http.StatusOK || w2.Header().Get(headerReplayed) != "true" {
		t.Fatalf("retry = %d replayed=%q", w2.Code, w2.Header().Get(headerReplayed))
	}
	if w1.Body.String() != w2.Body.String() {
		t.Fatalf("replayed body differs:\n%s\n%s", w1.Body.String(), w2.Body.String())
	}

	first := decodeJSON[QueryResponse](t, w1)
	_, msgs, _ := e.sessions.Get(context.Background(), "u1", first.ConversationID)
	if len(msgs) != 2 {
		t.Fatalf("retry ran another turn: %d messages", len(msgs))
	}

	// Same key from another user is a different request.
	w3 := e.call(http.MethodPost, "/query", "u2", `{"question":"once"}`, hdr)
	if w3.Code != http.StatusOK || w3.Header().Get(headerReplayed) != "" {
		t.Fatalf("other user = %d replayed=%q", w3.Code, w3.Header().Get(headerReplayed))
	}
}

func TestQuery_InvalidIdempotencyKey(t *testing.T) {
	e := newEnv(t, engine.Stub{}, nil)
	w := e.call(http.MethodPost, "/query", "u1", `{"question":"q"}`, map[string]string{middleware.HeaderIdempotencyKey: "bad key!"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}
