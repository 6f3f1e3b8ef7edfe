// Package services holds the conversation lifecycle and turn orchestration.
// This file centralizes service-level error values so that they can be
// returned consistently by service methods and translated into HTTP status
// codes or in-band error frames by the transport layer.
package services

import "errors"

var (
	// ErrConversationNotFound indicates the conversation does not exist or is
	// owned by another user. The two cases are indistinguishable on purpose.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrRateLimited is returned when creating a conversation inside the
	// user's cooldown window. The wrapped *ratelimit.LimitError carries the
	// retry-after duration.
	ErrRateLimited = errors.New("conversation creation rate limited")

	// ErrEmptyQuestion is returned for blank questions.
	ErrEmptyQuestion = errors.New("question is empty")

	// ErrQuestionTooLong is returned when a question exceeds the configured
	// rune limit.
	ErrQuestionTooLong = errors.New("question too long")

	// ErrEmptyTitle is returned when a rename supplies a blank title.
	ErrEmptyTitle = errors.New("title is empty")

	// ErrEngineFailure wraps any failure of the answer engine.
	ErrEngineFailure = errors.New("answer engine failed")

	// ErrStorageFailure wraps unexpected transcript store errors.
	ErrStorageFailure = errors.New("storage failure")

	// ErrTurnAborted is returned when the client went away or cancelled
	// mid-turn. No assistant message is persisted.
	ErrTurnAborted = errors.New("turn aborted")
)
