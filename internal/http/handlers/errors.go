// Package handlers defines HTTP-layer error codes and the mapping from
// service errors to HTTP statuses.
//
// Codes are lowercase snake_case and stable; clients branch on them. The same
// (status, code, message) triple is used for JSON error responses, the
// event-stream "error" event and the WebSocket error envelope, so every
// transport reports a failure the same way.
//
// Example response:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "not_found",
//	  "message": "conversation not found"
//	}
package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-conversation-backend/internal/ratelimit"
	"github.com/tbourn/go-conversation-backend/internal/services"
)

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeUnauthorized     = "unauthorized"
	ErrCodeNotFound         = "not_found"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeMethodNotAllowed = "method_not_allowed"
	ErrCodeInternal         = "internal_error"

	// Domain-specific:
	ErrCodeEngineFailed  = "engine_failed"
	ErrCodeStorageFailed = "storage_failed"
)

// apiError is a failure ready to be rendered by any transport.
type apiError struct {
	Status     int
	Code       string
	Message    string
	RetryAfter int // seconds; only for 429
}

// classify maps a service error to its HTTP representation. Messages never
// contain internal error text.
func classify(err error) apiError {
	switch {
	case errors.Is(err, services.ErrConversationNotFound):
		return apiError{Status: http.StatusNotFound, Code: ErrCodeNotFound, Message: "conversation not found"}
	case errors.Is(err, services.ErrRateLimited):
		e := apiError{Status: http.StatusTooManyRequests, Code: ErrCodeRateLimited, Message: "too many new conversations, retry later", RetryAfter: 1}
		var le *ratelimit.LimitError
		if errors.As(err, &le) {
			e.RetryAfter = le.RetryAfterSeconds()
		}
		return e
	case errors.Is(err, services.ErrEmptyQuestion):
		return apiError{Status: http.StatusBadRequest, Code: ErrCodeBadRequest, Message: "question is required"}
	case errors.Is(err, services.ErrQuestionTooLong):
		return apiError{Status: http.StatusBadRequest, Code: ErrCodeBadRequest, Message: "question is too long"}
	case errors.Is(err, services.ErrEmptyTitle):
		return apiError{Status: http.StatusBadRequest, Code: ErrCodeBadRequest, Message: "title is required"}
	case errors.Is(err, services.ErrEngineFailure):
		return apiError{Status: http.StatusBadGateway, Code: ErrCodeEngineFailed, Message: "answer engine failed"}
	default:
		return apiError{Status: http.StatusInternalServerError, Code: ErrCodeStorageFailed, Message: "internal storage error"}
	}
}

// failErr renders err as a JSON error response. Aborted turns mean the
// client is gone, so nothing is written.
func failErr(c *gin.Context, err error) {
	if errors.Is(err, services.ErrTurnAborted) {
		c.Abort()
		return
	}
	e := classify(err)
	if e.Status >= http.StatusInternalServerError {
		logCause(c, err)
	}
	if e.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(e.RetryAfter))
	}
	fail(c, e.Status, e.Code, e.Message)
}
