package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/tbourn/go-conversation-backend/internal/ratelimit"
	"github.com/tbourn/go-conversation-backend/internal/services"
)

// envelopeRouter registers h under GET /x behind a fixed request id and a
// buffer-backed request logger.
func envelopeRouter(h gin.HandlerFunc) (*gin.Engine, *bytes.Buffer) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	lg := zerolog.New(&buf)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Header("X-Request-ID", "rid-1")
		c.Set("logger", &lg)
		c.Next()
	})
	r.GET("/x", h)
	return r, &buf
}

func serve(r http.Handler, method, target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(method, target, nil))
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var er ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &er); err != nil {
		t.Fatalf("decode error body %q: %v", w.Body.String(), err)
	}
	return er
}

func TestFail_EnvelopeAndLogging(t *testing.T) {
	r, buf := envelopeRouter(func(c *gin.Context) {
		Fail(c, http.StatusNotFound, ErrCodeNotFound, "nope")
	})
	w := serve(r, http.MethodGet, "/x")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
	if er := decodeError(t, w); er.RequestID != "rid-1" || er.Code != ErrCodeNotFound || er.Message != "nope" {
		t.Fatalf("body = %+v", er)
	}
	if buf.Len() != 0 {
		t.Fatalf("4xx must not be logged: %s", buf.String())
	}

	r, buf = envelopeRouter(func(c *gin.Context) {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "kaboom")
	})
	if w := serve(r, http.MethodGet, "/x"); w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(buf.String(), `"level":"error"`) {
		t.Fatalf("5xx not logged: %s", buf.String())
	}
}

func TestFailErr_Classification(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		status     int
		code       string
		retryAfter string
	}{
		{"not found", fmt.Errorf("get: %w", services.ErrConversationNotFound), 404, ErrCodeNotFound, ""},
		{"rate limited", fmt.Errorf("%w: %w", services.ErrRateLimited, &ratelimit.LimitError{RetryAfter: 2500e6}), 429, ErrCodeRateLimited, "3"},
		{"rate limited no detail", services.ErrRateLimited, 429, ErrCodeRateLimited, "1"},
		{"empty question", services.ErrEmptyQuestion, 400, ErrCodeBadRequest, ""},
		{"long question", services.ErrQuestionTooLong, 400, ErrCodeBadRequest, ""},
		{"empty title", services.ErrEmptyTitle, 400, ErrCodeBadRequest, ""},
		{"engine", fmt.Errorf("%w: upstream 503", services.ErrEngineFailure), 502, ErrCodeEngineFailed, ""},
		{"storage", fmt.Errorf("%w: disk I/O error", services.ErrStorageFailure), 500, ErrCodeStorageFailed, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, _ := envelopeRouter(func(c *gin.Context) { failErr(c, tc.err) })
			w := serve(r, http.MethodGet, "/x")
			if w.Code != tc.status {
				t.Fatalf("status = %d want %d", w.Code, tc.status)
			}
			er := decodeError(t, w)
			if er.Code != tc.code {
				t.Fatalf("code = %q want %q", er.Code, tc.code)
			}
			if strings.Contains(er.Message, "disk") || strings.Contains(er.Message, "upstream") {
				t.Fatalf("internal detail leaked: %q", er.Message)
			}
			if got := w.Header().Get("Retry-After"); got != tc.retryAfter {
				t.Fatalf("Retry-After = %q want %q", got, tc.retryAfter)
			}
		})
	}
}

func TestFailErr_AbortedTurnWritesNothing(t *testing.T) {
	r, _ := envelopeRouter(func(c *gin.Context) {
		failErr(c, fmt.Errorf("%w: client gone", services.ErrTurnAborted))
	})
	w := serve(r, http.MethodGet, "/x")
	if w.Body.Len() != 0 {
		t.Fatalf("aborted turn wrote %q", w.Body.String())
	}
}

func TestOkAndNoContent(t *testing.T) {
	r, _ := envelopeRouter(func(c *gin.Context) { ok(c, http.StatusCreated, gin.H{"n": 1}) })
	w := serve(r, http.MethodGet, "/x")
	if w.Code != http.StatusCreated || strings.TrimSpace(w.Body.String()) != `{"n":1}` {
		t.Fatalf("ok: %d %s", w.Code, w.Body.String())
	}

	r, _ = envelopeRouter(func(c *gin.Context) { noContent(c) })
	w = serve(r, http.MethodGet, "/x")
	if w.Code != http.StatusNoContent || w.Body.Len() != 0 {
		t.Fatalf("noContent: %d %q", w.Code, w.Body.String())
	}
}
