package services

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-conversation-backend/internal/engine"
	"github.com/tbourn/go-conversation-backend/internal/ratelimit"
	"github.com/tbourn/go-conversation-backend/internal/repo"
)

type dbRepo = repo.Store

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := repo.OpenSQLite(filepath.Join(t.TempDir(), "services_test.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	db.Logger = logger.Default.LogMode(logger.Silent)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	return db
}

func newTestSessions(t *testing.T, limiter ratelimit.Limiter) (*SessionService, *gorm.DB) {
	t.Helper()
	db := newTestDB(t)
	return NewSessionService(db, dbRepo{}, dbRepo{}, limiter), db
}

// countingLimiter refuses after allow successful checks.
type countingLimiter struct {
	mu     sync.Mutex
	allow  int
	checks int
}

func (l *countingLimiter) Check(context.Context, string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.checks++
	if l.checks > l.allow {
		return &ratelimit.LimitError{RetryAfter: 2 * time.Second}
	}
	return nil
}

// recordingSink captures fragments and the completion. failAt > 0 makes the
// failAt-th EmitFragment call fail.
type recordingSink struct {
	frags     []string
	done      *Completion
	failAt    int
	emitCalls int
}

var errClientGone = errors.New("client gone")

func (s *recordingSink) EmitFragment(_ context.Context, text string) error {
	s.emitCalls++
	if s.failAt > 0 && s.emitCalls >= s.failAt {
		return errClientGone
	}
	s.frags = append(s.frags, text)
	return nil
}

func (s *recordingSink) Complete(_ context.Context, c Completion) error {
	s.done = &c
	return nil
}

// scriptedEngine returns fixed fragments and records the context it saw.
type scriptedEngine struct {
	frags     []string
	answerErr error
	streamErr error
	midErr    error // reported by the stream after all fragments
	seen      engine.Context
	onFrag    func(i int)
}

func (e *scriptedEngine) Answer(_ context.Context, _ string, c engine.Context) (engine.Response, error) {
	e.seen = c
	if e.answerErr != nil {
		return engine.Response{}, e.answerErr
	}
	full := ""
	for _, f := range e.frags {
		full += f
	}
	return engine.Response{Content: full, Mode: "test", Sources: []string{"S1"}, Model: "m"}, nil
}

func (e *scriptedEngine) Stream(_ context.Context, _ string, c engine.Context) (engine.Stream, error) {
	e.seen = c
	if e.streamErr != nil {
		return nil, e.streamErr
	}
	return &scriptedStream{e: e, pos: -1}, nil
}

type scriptedStream struct {
	e      *scriptedEngine
	pos    int
	closed bool
}

func (s *scriptedStream) Next() bool {
	if s.closed || s.pos+1 >= len(s.e.frags) {
		return false
	}
	s.pos++
	if s.e.onFrag != nil {
		s.e.onFrag(s.pos)
	}
	return true
}
func (s *scriptedStream) Fragment() string { return s.e.frags[s.pos] }
func (s *scriptedStream) Err() error       { return s.e.midErr }
func (s *scriptedStream) Close() error     { s.closed = true; return nil }
func (s *scriptedStream) Response() engine.Response {
	return engine.Response{Mode: "test", Sources: []string{"S1"}, Model: "m", Confidence: 0.5}
}
