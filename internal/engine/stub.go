package engine

import "context"

// StubReply is what the stub engine says in place of a real answer.
const StubReply = "The LLM pipeline is not enabled in this deployment.  " +
	"Connect an inference backend (Ollama, vLLM, OpenAI-compatible API) " +
	"and set ENGINE to a real implementation."

// ModeStub and ModelStub label stub answers.
const (
	ModeStub  = "stub"
	ModelStub = "stub"
)

// Stub answers every query with StubReply, streamed word by word.
type Stub struct{}

func (Stub) response() Response {
	return Response{Content: StubReply, Sources: []string{}, Mode: ModeStub, Model: ModelStub}
}

// Answer implements Engine.
func (s Stub) Answer(ctx context.Context, _ string, _ Context) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	return s.response(), nil
}

// Stream implements Engine.
func (s Stub) Stream(ctx context.Context, _ string, _ Context) (Stream, error) {
	return newSliceStream(ctx, wordFragments(StubReply), s.response()), nil
}
