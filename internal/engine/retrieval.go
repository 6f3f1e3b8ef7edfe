package engine

import (
	"context"
	"strings"

	"github.com/tbourn/go-conversation-backend/internal/search"
)

// ModeRAG labels answers composed from the knowledge base.
const ModeRAG = "rag"

// NoAnswer is returned when nothing in the knowledge base clears the threshold.
const NoAnswer = "I can't answer that from the provided data."

// Retrieval answers with the best matching passages of a search.Index and
// cites the headings they sit under.
type Retrieval struct {
	Index     search.Index
	Threshold float64 // minimum Jaccard score in [0,1]
	Name      string  // reported as Response.Model
}

// Answer implements Engine.
func (r *Retrieval) Answer(ctx context.Context, query string, c Context) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	k := c.TopK
	if k <= 0 {
		k = 3
	}

	resp := Response{Mode: ModeRAG, Model: r.Name, Sources: []string{}}
	if resp.Model == "" {
		resp.Model = "retrieval"
	}

	var hits []search.Result
	if r.Index != nil {
		for _, h := range r.Index.TopK(query, k) {
			if h.Score >= r.Threshold {
				hits = append(hits, h)
			}
		}
	}
	if len(hits) == 0 {
		resp.Content = NoAnswer
		return resp, nil
	}

	parts := make([]string, 0, len(hits))
	seen := make(map[string]struct{}, len(hits))
	for _, h := range hits {
		parts = append(parts, h.Snippet)
		if h.Section == "" {
			continue
		}
		if _, dup := seen[h.Section]; !dup {
			seen[h.Section] = struct{}{}
			resp.Sources = append(resp.Sources, h.Section)
		}
	}
	resp.Content = strings.Join(parts, "\n\n")
	resp.Confidence = hits[0].Score
	return resp, nil
}

// Stream implements Engine. The answer is computed up front and relayed
// word by word.
func (r *Retrieval) Stream(ctx context.Context, query string, c Context) (Stream, error) {
	resp, err := r.Answer(ctx, query, c)
	if err != nil {
		return nil, err
	}
	return newSliceStream(ctx, wordFragments(resp.Content), resp), nil
}
