package rag

import (
	"context"
	"fmt"

	"github.com/Thioby/homeclaw-agent-sub000/internal/agent/session"
	"github.com/Thioby/homeclaw-agent-sub000/internal/logging"
)

// chunkTextLimit caps the text stored per chunk; long exchanges are
// clipped, not split.
const chunkTextLimit = 2000

// BuildChunks pairs each user message with the next assistant reply,
// skipping tool turns, and returns one chunk text per pair.
func BuildChunks(msgs []session.Message) []string {
	var chunks []string
	var pendingUser string

	for _, msg := range msgs {
		switch msg.Role {
		case session.RoleUser:
			pendingUser = msg.Content
		case session.RoleAssistant:
			if msg.Content == "" || msg.Status != session.StatusCompleted {
				continue
			}
			if pendingUser == "" {
				continue
			}
			text := fmt.Sprintf("User: %s\nAssistant: %s", pendingUser, msg.Content)
			if len(text) > chunkTextLimit {
				text = text[:chunkTextLimit]
			}
			chunks = append(chunks, text)
			pendingUser = ""
		}
	}
	return chunks
}

// IndexTurn writes chunks for the exchanges of a session that are not
// yet indexed. It is called from the post-turn background task; a
// failure is logged and swallowed, indexing never fails a turn.
func (ix *Index) IndexTurn(ctx context.Context, sessionID string, msgs []session.Message) {
	chunks := BuildChunks(msgs)
	if len(chunks) == 0 {
		return
	}

	indexed, err := ix.indexedPairWatermark(ctx, sessionID)
	if err != nil {
		logging.Warnf("[rag] chunk watermark failed for %s: %v", sessionID, err)
		return
	}
	if indexed >= len(chunks) {
		return
	}

	recs := make([]Record, 0, len(chunks)-indexed)
	for i := indexed; i < len(chunks); i++ {
		recs = append(recs, Record{
			Kind:      KindChunk,
			SessionID: sessionID,
			Text:      chunks[i],
			Metadata:  map[string]any{"pair_index": i},
		})
	}
	if err := ix.WriteBatch(ctx, recs); err != nil {
		logging.Warnf("[rag] chunk indexing failed for %s: %v", sessionID, err)
	}
}

// indexedPairWatermark reports how many exchange pairs of a session are
// already covered by the index. Live chunks carry their pair_index;
// summary chunks written by the optimizer carry covers_through for the
// pairs they replaced, so consolidation never lowers the watermark.
func (ix *Index) indexedPairWatermark(ctx context.Context, sessionID string) (int, error) {
	chunks, err := ix.sessionChunks(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	next := 0
	for _, c := range chunks {
		if metaBool(c.Metadata, "summary") {
			if v := metaInt(c.Metadata, "covers_through"); v > next {
				next = v
			}
			continue
		}
		if v := metaInt(c.Metadata, "pair_index"); v+1 > next {
			next = v + 1
		}
	}
	return next, nil
}
