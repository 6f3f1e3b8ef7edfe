package engine

import (
	"context"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// ModeChat labels answers produced by a chat model.
const ModeChat = "chat"

// DefaultSystemPrompt frames every conversation sent to a chat model.
const DefaultSystemPrompt = "You are a helpful assistant. Answer concisely and say so when you do not know."

// chunkStream is the subset of the SDK's SSE stream the engine uses.
type chunkStream interface {
	Next() bool
	Current() openai.ChatCompletionChunk
	Err() error
	Close() error
}

// OpenAI talks to any OpenAI-compatible chat completions endpoint.
type OpenAI struct {
	client       openai.Client
	model        string
	systemPrompt string
}

// NewOpenAI builds a client for baseURL (empty means the hosted API). The
// key may be empty for local servers that do not check it.
func NewOpenAI(baseURL, apiKey, model, systemPrompt string, opts ...option.RequestOption) *OpenAI {
	options := []option.RequestOption{}
	if baseURL != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}
	if apiKey != "" {
		options = append(options, option.WithAPIKey(apiKey))
	}
	options = append(options, opts...)
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}
	return &OpenAI{
		client:       openai.NewClient(options...),
		model:        model,
		systemPrompt: systemPrompt,
	}
}

func (o *OpenAI) params(query string, c Context) openai.ChatCompletionNewParams {
	msgs := []openai.ChatCompletionMessageParamUnion{openai.SystemMessage(o.systemPrompt)}
	for _, t := range c.History {
		switch t.Role {
		case "user":
			msgs = append(msgs, openai.UserMessage(t.Content))
		case "assistant":
			msgs = append(msgs, openai.AssistantMessage(t.Content))
		case "system":
			msgs = append(msgs, openai.SystemMessage(t.Content))
		}
	}
	if n := len(c.History); n == 0 || c.History[n-1].Role != "user" || c.History[n-1].Content != query {
		msgs = append(msgs, openai.UserMessage(query))
	}

	model := c.Model
	if model == "" {
		model = o.model
	}
	return openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(model),
		Messages:    msgs,
		Temperature: openai.Float(c.Temperature),
	}
}

// Answer implements Engine.
func (o *OpenAI) Answer(ctx context.Context, query string, c Context) (Response, error) {
	p := o.params(query, c)
	resp, err := o.client.Chat.Completions.New(ctx, p)
	if err != nil {
		return Response{}, err
	}
	if len(resp.Choices) == 0 {
		return Response{}, ErrNoChoices
	}
	model := resp.Model
	if model == "" {
		model = string(p.Model)
	}
	return Response{
		Content: strings.TrimSpace(resp.Choices[0].Message.Content),
		Sources: []string{},
		Mode:    ModeChat,
		Model:   model,
	}, nil
}

// Stream implements Engine.
func (o *OpenAI) Stream(ctx context.Context, query string, c Context) (Stream, error) {
	p := o.params(query, c)
	s := o.client.Chat.Completions.NewStreaming(ctx, p)
	if err := s.Err(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return &openAIStream{src: s, model: string(p.Model)}, nil
}

type openAIStream struct {
	src   chunkStream
	cur   string
	full  strings.Builder
	model string
}

// Next skips chunks that carry no content (role preambles, usage frames).
func (s *openAIStream) Next() bool {
	for s.src.Next() {
		chunk := s.src.Current()
		if chunk.Model != "" {
			s.model = chunk.Model
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}
		s.cur = chunk.Choices[0].Delta.Content
		s.full.WriteString(s.cur)
		return true
	}
	return false
}

func (s *openAIStream) Fragment() string { return s.cur }
func (s *openAIStream) Err() error       { return s.src.Err() }
func (s *openAIStream) Close() error     { return s.src.Close() }

func (s *openAIStream) Response() Response {
	return Response{
		Content: strings.TrimSpace(s.full.String()),
		Sources: []string{},
		Mode:    ModeChat,
		Model:   s.model,
	}
}
