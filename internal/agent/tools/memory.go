package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/Thioby/homeclaw-agent-sub000/internal/agent/rag"
)

// MaxMemoryTextLength caps what one remember call may store.
const MaxMemoryTextLength = 2048

// instructionPatterns matches content that looks like a prompt
// injection attempt; such text is refused as a memory.
var instructionPatterns = regexp.MustCompile(`(?i)` +
	`(ignore\s+(all\s+)?previous\s+instructions)` +
	`|(disregard\s+(all\s+)?previous)` +
	`|(you\s+are\s+now\s+)` +
	`|(new\s+instructions?\s*:)` +
	`|(system\s*:\s)` +
	`|(<\s*/?\s*system\s*>)` +
	`|(override\s+(all\s+)?previous)` +
	`|(forget\s+(all\s+)?previous)` +
	`|(pretend\s+you\s+are)` +
	`|(from\s+now\s+on\s*,?\s*you)`,
)

// sanitizeMemoryText validates and cleans memory content.
func sanitizeMemoryText(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errors.New("text is required")
	}
	text = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' || r == '\r' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, text)
	if len(text) > MaxMemoryTextLength {
		cut := MaxMemoryTextLength
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}
	if instructionPatterns.MatchString(text) {
		return "", errors.New("text contains instruction-like content that cannot be stored")
	}
	return text, nil
}

// RememberTool persists a long-term memory.
type RememberTool struct{}

func (t *RememberTool) Name() string       { return "remember" }
func (t *RememberTool) Capability() string { return CapMemory }
func (t *RememberTool) Description() string {
	return "Store a long-term memory about the user or the home. Use for durable facts, preferences and decisions."
}

func (t *RememberTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"text": {"type": "string", "description": "The fact to remember"},
			"category": {"type": "string", "enum": ["fact", "preference", "decision", "entity", "observation", "other"]},
			"importance": {"type": "integer", "minimum": 1, "maximum": 10},
			"ttl_days": {"type": "integer", "description": "Days until the memory expires; omit for permanent"}
		},
		"required": ["text", "category", "importance"]
	}`)
}

func (t *RememberTool) Execute(ctx context.Context, args json.RawMessage, tctx *Context) (*Result, error) {
	var input struct {
		Text       string `json:"text"`
		Category   string `json:"category"`
		Importance int    `json:"importance"`
		TTLDays    int    `json:"ttl_days"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	text, err := sanitizeMemoryText(input.Text)
	if err != nil {
		return nil, err
	}

	id, err := tctx.Index.AddMemory(ctx, rag.MemoryInput{
		Text:       text,
		Category:   input.Category,
		Source:     rag.SourceAgent,
		Importance: input.Importance,
		TTLDays:    input.TTLDays,
	})
	if err != nil {
		return nil, err
	}
	return jsonResult(map[string]any{"ok": true, "memory_id": id})
}

// RecallTool searches long-term memories.
type RecallTool struct{}

func (t *RecallTool) Name() string       { return "recall" }
func (t *RecallTool) Capability() string { return CapMemory }
func (t *RecallTool) Description() string {
	return "Search long-term memories semantically. Returns the best matches with ids and categories."
}

func (t *RecallTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string"},
			"k": {"type": "integer", "description": "Max results, default 5"},
			"category": {"type": "string", "enum": ["fact", "preference", "decision", "entity", "observation", "other"]}
		},
		"required": ["query"]
	}`)
}

func (t *RecallTool) Execute(ctx context.Context, args json.RawMessage, tctx *Context) (*Result, error) {
	var input struct {
		Query    string `json:"query"`
		K        int    `json:"k"`
		Category string `json:"category"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if input.Query == "" {
		return nil, errors.New("query is required")
	}

	results := tctx.Index.RecallMemories(ctx, input.Query, input.K, input.Category)
	type hit struct {
		MemoryID   string  `json:"memory_id"`
		Text       string  `json:"text"`
		Category   string  `json:"category"`
		Importance int     `json:"importance"`
		Score      float64 `json:"score"`
	}
	hits := make([]hit, 0, len(results))
	for _, res := range results {
		hits = append(hits, hit{
			MemoryID:   res.ID,
			Text:       res.Text,
			Category:   metaString(res.Metadata, "category"),
			Importance: metaInt(res.Metadata, "importance"),
			Score:      res.Score,
		})
	}
	return jsonResult(hits)
}

// ForgetTool deletes a memory.
type ForgetTool struct{}

func (t *ForgetTool) Name() string       { return "forget" }
func (t *ForgetTool) Capability() string { return CapMemory }
func (t *ForgetTool) Description() string {
	return "Delete a long-term memory by its memory_id (use recall to find the id)."
}

func (t *ForgetTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"memory_id": {"type": "string"}
		},
		"required": ["memory_id"]
	}`)
}

func (t *ForgetTool) Execute(ctx context.Context, args json.RawMessage, tctx *Context) (*Result, error) {
	var input struct {
		MemoryID string `json:"memory_id"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if input.MemoryID == "" {
		return nil, errors.New("memory_id is required")
	}

	if err := tctx.Index.ForgetMemory(ctx, input.MemoryID); err != nil {
		return nil, err
	}
	return jsonResult(map[string]bool{"ok": true})
}

func metaString(meta map[string]any, key string) string {
	if v, ok := meta[key].(string); ok {
		return v
	}
	return ""
}

func metaInt(meta map[string]any, key string) int {
	switch v := meta[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}
