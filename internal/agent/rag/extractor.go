package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Thioby/homeclaw-agent-sub000/internal/agent/ai"
	"github.com/Thioby/homeclaw-agent-sub000/internal/agent/session"
	"github.com/Thioby/homeclaw-agent-sub000/internal/logging"
)

// Extraction defaults.
const (
	DefaultExtractEveryTurns = 3
	DefaultMinImportance     = 5
	maxExtractCandidates     = 5
	extractWindowMessages    = 12
)

const extractPrompt = `Analyze the following smart-home conversation and extract durable facts worth remembering long-term.

Return a JSON array of at most %d candidates:
[{"text": "...", "category": "fact|preference|decision|entity|observation|other", "importance": 1-10}]

Guidelines:
- "preference": how the user likes their home (temperatures, light scenes, schedules they mention)
- "fact": stable facts about the household (who lives there, pets, room layout)
- "decision": choices made in this conversation (automations created, routines agreed on)
- "entity": devices or areas the user refers to by nickname
- "observation": recurring patterns you noticed
- importance reflects how useful the fact is in future conversations (10 = essential)

Skip greetings, one-off commands, and anything already visible in device state.
If there is nothing worth remembering, return [].

Conversation:
%s

Respond ONLY with valid JSON, no other text.`

// MemoryCandidate is one extracted memory proposal.
type MemoryCandidate struct {
	Text       string `json:"text"`
	Category   string `json:"category"`
	Importance int    `json:"importance"`
}

// Extractor mines recent conversation for long-term memories using a
// lightweight LLM call.
type Extractor struct {
	provider      ai.Provider
	index         *Index
	minImportance int
}

// NewExtractor creates a memory extractor. Candidates below
// minImportance are discarded; 0 selects the default threshold.
func NewExtractor(provider ai.Provider, index *Index, minImportance int) *Extractor {
	if minImportance <= 0 {
		minImportance = DefaultMinImportance
	}
	return &Extractor{provider: provider, index: index, minImportance: minImportance}
}

// Extract runs extraction over the tail of a conversation and persists
// qualifying candidates with source=auto. Returns the stored count.
func (e *Extractor) Extract(ctx context.Context, msgs []session.Message) (int, error) {
	conv := renderConversation(msgs)
	if conv == "" {
		return 0, nil
	}

	prompt := fmt.Sprintf(extractPrompt, maxExtractCandidates, conv)
	events, err := e.provider.Stream(ctx, &ai.ChatRequest{
		Messages: []session.Message{{Role: session.RoleUser, Content: prompt}},
	})
	if err != nil {
		return 0, fmt.Errorf("extraction stream: %w", err)
	}

	var reply strings.Builder
	for ev := range events {
		switch ev.Type {
		case ai.EventChunk:
			reply.WriteString(ev.Text)
		case ai.EventError:
			return 0, fmt.Errorf("extraction failed: %w", ev.Err)
		}
	}

	candidates := parseCandidates(reply.String())
	stored := 0
	for _, c := range candidates {
		if c.Importance < e.minImportance || c.Text == "" {
			continue
		}
		if stored >= maxExtractCandidates {
			break
		}
		_, err := e.index.AddMemory(ctx, MemoryInput{
			Text:       c.Text,
			Category:   c.Category,
			Source:     SourceAuto,
			Importance: c.Importance,
		})
		if err != nil {
			logging.Warnf("[rag] auto-memory write failed: %v", err)
			continue
		}
		stored++
	}
	if stored > 0 {
		logging.Infof("[rag] extracted %d memories from conversation", stored)
	}
	return stored, nil
}

// renderConversation flattens the tail of the message list, skipping
// tool traffic.
func renderConversation(msgs []session.Message) string {
	start := 0
	if len(msgs) > extractWindowMessages {
		start = len(msgs) - extractWindowMessages
	}

	var b strings.Builder
	for _, msg := range msgs[start:] {
		if msg.Role != session.RoleUser && msg.Role != session.RoleAssistant {
			continue
		}
		if msg.Content == "" {
			continue
		}
		fmt.Fprintf(&b, "[%s]: %s\n\n", msg.Role, msg.Content)
	}
	return strings.TrimSpace(b.String())
}

// parseCandidates extracts the first JSON array from a model reply,
// tolerating code fences and surrounding prose. A malformed reply
// yields no candidates rather than an error.
func parseCandidates(reply string) []MemoryCandidate {
	text := strings.TrimSpace(reply)
	if text == "" {
		return nil
	}

	if strings.HasPrefix(text, "```") {
		if idx := strings.Index(text, "\n"); idx != -1 {
			text = text[idx+1:]
		}
		if idx := strings.LastIndex(text, "```"); idx != -1 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}

	start := strings.Index(text, "[")
	if start < 0 {
		return nil
	}
	depth := 0
	end := -1
	for i := start; i < len(text); i++ {
		switch text[i] {
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				end = i
			}
		}
		if end >= 0 {
			break
		}
	}
	if end < 0 {
		return nil
	}

	var candidates []MemoryCandidate
	if err := json.Unmarshal([]byte(text[start:end+1]), &candidates); err != nil {
		logging.Warnf("[rag] unparseable extraction reply: %v", err)
		return nil
	}
	return candidates
}
