package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// SearchContextTool searches the whole semantic index: entities, past
// conversations and memories at once.
type SearchContextTool struct{}

func (t *SearchContextTool) Name() string       { return "search_context" }
func (t *SearchContextTool) Capability() string { return CapSearch }
func (t *SearchContextTool) Description() string {
	return "Semantic search across home entities, past conversations and memories. Use when you need context that is not in the conversation."
}

func (t *SearchContextTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string"},
			"k": {"type": "integer", "description": "Max results, default 8"}
		},
		"required": ["query"]
	}`)
}

func (t *SearchContextTool) Execute(ctx context.Context, args json.RawMessage, tctx *Context) (*Result, error) {
	var input struct {
		Query string `json:"query"`
		K     int    `json:"k"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if input.Query == "" {
		return nil, errors.New("query is required")
	}
	if input.K <= 0 {
		input.K = 8
	}

	results := tctx.Index.Search(ctx, input.Query, input.K, "")
	type hit struct {
		Kind  string  `json:"kind"`
		Text  string  `json:"text"`
		Score float64 `json:"score"`
	}
	hits := make([]hit, 0, len(results))
	for _, res := range results {
		hits = append(hits, hit{Kind: res.Kind, Text: res.Text, Score: res.Score})
	}
	return jsonResult(hits)
}
