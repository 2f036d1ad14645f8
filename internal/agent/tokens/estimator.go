// Package tokens estimates token counts for context budgeting. Counts
// only need to be consistent and conservative; the compactor treats
// them as an upper bound, never as billing truth.
package tokens

import (
	"encoding/json"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/Thioby/homeclaw-agent-sub000/internal/agent/session"
	"github.com/Thioby/homeclaw-agent-sub000/internal/logging"
)

// Per-message overhead in the chat wire format, per OpenAI's counting
// guide. Close enough for the other backends.
const (
	tokensPerMessage = 3
	replyPrimeTokens = 3
	fallbackEncoding = "cl100k_base"
)

var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.Mutex
)

// Estimator counts tokens for one model. When no encoding is available
// for the model it degrades to the ceil(len/4) heuristic, which
// overestimates for most natural text.
type Estimator struct {
	encoding *tiktoken.Tiktoken
	model    string
}

// NewEstimator creates an estimator for the given model. It never
// fails; an unknown model gets the fallback encoding, and an encoding
// load failure gets the heuristic.
func NewEstimator(model string) *Estimator {
	cacheMu.Lock()
	defer cacheMu.Unlock()

	if enc, ok := encodingCache[model]; ok {
		return &Estimator{encoding: enc, model: model}
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(fallbackEncoding)
		if err != nil {
			logging.Warnf("[tokens] no encoding for %s, using heuristic: %v", model, err)
			return &Estimator{model: model}
		}
	}
	encodingCache[model] = enc
	return &Estimator{encoding: enc, model: model}
}

// Estimate returns the token count for a piece of text.
func (e *Estimator) Estimate(text string) int {
	if e == nil || e.encoding == nil {
		return heuristic(text)
	}
	return len(e.encoding.Encode(text, nil, nil))
}

// EstimateMessage returns the token cost of one message including the
// per-message overhead, its role, tool calls, and attachment summaries.
func (e *Estimator) EstimateMessage(msg session.Message) int {
	total := tokensPerMessage
	total += e.Estimate(msg.Role)
	total += e.Estimate(msg.Content)
	for _, tc := range msg.Metadata.ToolCalls {
		total += e.Estimate(tc.Name)
		total += e.Estimate(string(tc.Args))
	}
	for _, att := range msg.Attachments {
		// Attachments ride as either inline images or a text summary;
		// charge a flat floor plus the filename.
		total += 64 + e.Estimate(att.Filename)
	}
	return total
}

// EstimateMessages returns the token cost of a message list including
// the assistant reply priming.
func (e *Estimator) EstimateMessages(msgs []session.Message) int {
	total := replyPrimeTokens
	for _, msg := range msgs {
		total += e.EstimateMessage(msg)
	}
	return total
}

// EstimateTools returns the token cost of the tool catalog as it is
// serialized into the request.
func (e *Estimator) EstimateTools(tools []ToolSchema) int {
	total := 0
	for _, t := range tools {
		total += e.Estimate(t.Name)
		total += e.Estimate(t.Description)
		total += e.Estimate(string(t.InputSchema))
		total += tokensPerMessage
	}
	return total
}

// ToolSchema is the minimal tool shape the estimator needs. It mirrors
// the provider-facing definition without importing it.
type ToolSchema struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// heuristic is the deterministic fallback: ceil(len/4) on bytes.
func heuristic(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}
