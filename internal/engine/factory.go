package engine

import (
	"fmt"
	"strings"

	"github.com/tbourn/go-conversation-backend/internal/search"
)

// Engine kinds accepted by New.
const (
	KindStub      = "stub"
	KindRetrieval = "retrieval"
	KindOpenAI    = "openai"
)

// Options selects and configures an engine.
type Options struct {
	Kind string

	// retrieval
	DataPath  string
	Threshold float64

	// openai
	BaseURL      string
	APIKey       string
	Model        string
	SystemPrompt string
}

// New builds the engine named by opts.Kind.
func New(opts Options) (Engine, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Kind)) {
	case "", KindStub:
		return Stub{}, nil
	case KindRetrieval:
		idx, err := search.NewIndexFromMarkdown(opts.DataPath)
		if err != nil {
			return nil, fmt.Errorf("load knowledge base %q: %w", opts.DataPath, err)
		}
		return &Retrieval{Index: idx, Threshold: opts.Threshold}, nil
	case KindOpenAI:
		if strings.TrimSpace(opts.Model) == "" {
			return nil, fmt.Errorf("openai engine: model is required")
		}
		return NewOpenAI(opts.BaseURL, opts.APIKey, opts.Model, opts.SystemPrompt), nil
	default:
		return nil, fmt.Errorf("unknown engine %q", opts.Kind)
	}
}
