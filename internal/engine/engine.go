// Package engine defines the answer-producing collaborator used by a turn and
// ships three implementations: a stub that explains no model is connected, a
// retrieval engine over a Markdown knowledge base, and an OpenAI-compatible
// chat completion client (hosted API, Ollama, vLLM).
//
// An Engine answers either in one piece (Answer) or as a lazy sequence of
// text fragments (Stream). Metadata such as sources and confidence is
// available from the Stream only after it is exhausted.
package engine

import (
	"context"
	"errors"
	"strings"
)

// Turn is one prior message handed to the engine as history.
type Turn struct {
	Role    string
	Content string
}

// Context carries everything an engine needs besides the query itself.
type Context struct {
	UserID         string
	ConversationID string
	History        []Turn // chronological, includes the current question
	Model          string
	Temperature    float64
	TopK           int
}

// Response is a complete answer with its metadata.
type Response struct {
	Content    string
	Sources    []string
	Mode       string
	Confidence float64
	Model      string
}

// Stream is a pull-based fragment sequence.
//
//	for s.Next() { use(s.Fragment()) }
//	if err := s.Err(); err != nil { ... }
//	meta := s.Response()
//
// Close releases resources and may be called at any time, more than once.
type Stream interface {
	Next() bool
	Fragment() string
	Err() error
	Response() Response
	Close() error
}

// Engine produces answers.
type Engine interface {
	Answer(ctx context.Context, query string, c Context) (Response, error)
	Stream(ctx context.Context, query string, c Context) (Stream, error)
}

// ErrNoChoices is returned when an upstream model replies without content.
var ErrNoChoices = errors.New("engine: empty completion")

// sliceStream replays precomputed fragments.
type sliceStream struct {
	ctx   context.Context
	frags []string
	pos   int
	cur   string
	err   error
	meta  Response
}

func newSliceStream(ctx context.Context, frags []string, meta Response) *sliceStream {
	return &sliceStream{ctx: ctx, frags: frags, meta: meta}
}

func (s *sliceStream) Next() bool {
	if s.err != nil || s.pos >= len(s.frags) {
		return false
	}
	if err := s.ctx.Err(); err != nil {
		s.err = err
		return false
	}
	s.cur = s.frags[s.pos]
	s.pos++
	return true
}

func (s *sliceStream) Fragment() string   { return s.cur }
func (s *sliceStream) Err() error         { return s.err }
func (s *sliceStream) Response() Response { return s.meta }
func (s *sliceStream) Close() error {
	s.pos = len(s.frags)
	return nil
}

// wordFragments splits text on single spaces and keeps a trailing space on
// every word, so concatenating the fragments and trimming yields the text.
func wordFragments(text string) []string {
	words := strings.Split(text, " ")
	out := make([]string, 0, len(words))
	for _, w := range words {
		out = append(out, w+" ")
	}
	return out
}
