package rag

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/Thioby/homeclaw-agent-sub000/internal/agent/ai"
	"github.com/Thioby/homeclaw-agent-sub000/internal/agent/session"
	"github.com/Thioby/homeclaw-agent-sub000/internal/logging"
)

// Optimizer thresholds.
const (
	consolidateMinChunks  = 4
	consolidateMinAgeDays = 7
	duplicateSimilarity   = 0.92
)

const summarizePrompt = `Summarize the following conversation excerpts from one session into a single dense paragraph. Keep concrete facts: device names, settings, schedules, decisions. Drop small talk.

%s

Respond with the summary only.`

// ProgressEvent is one step of an optimization run.
type ProgressEvent struct {
	Phase       string `json:"phase"` // analyze, chunks, memories, done, error
	Message     string `json:"message"`
	ProgressPct int    `json:"progress_pct"`
}

// OptimizeParams parameterizes a run. Scope selects what to touch;
// Force re-consolidates sessions that already have a summary chunk.
type OptimizeParams struct {
	Provider ai.Provider
	Model    string
	Scope    string // chunks, memories, all
	Force    bool
}

// AnalyzeReport describes what an optimization run would do.
type AnalyzeReport struct {
	SessionsToConsolidate int `json:"sessions_to_consolidate"`
	DuplicateMemoryPairs  int `json:"duplicate_memory_pairs"`
}

// Analyze reports the work an Optimize run would perform without
// mutating anything.
func (ix *Index) Analyze(ctx context.Context) (*AnalyzeReport, error) {
	sessions, err := ix.consolidatableSessions(ctx, false)
	if err != nil {
		return nil, err
	}
	pairs, err := ix.duplicateMemoryPairs(ctx)
	if err != nil {
		return nil, err
	}
	return &AnalyzeReport{
		SessionsToConsolidate: len(sessions),
		DuplicateMemoryPairs:  len(pairs),
	}, nil
}

// Optimize consolidates old session chunks into summary chunks and
// merges near-duplicate memories. Progress is emitted on the returned
// channel, which is closed when the run finishes or the context is
// cancelled. Partial progress is durable: every consolidated session
// and merged pair commits independently.
func (ix *Index) Optimize(ctx context.Context, params OptimizeParams) <-chan ProgressEvent {
	events := make(chan ProgressEvent, 16)
	go func() {
		defer close(events)

		doChunks := params.Scope == "chunks" || params.Scope == "all" || params.Scope == ""
		doMemories := params.Scope == "memories" || params.Scope == "all" || params.Scope == ""

		events <- ProgressEvent{Phase: "analyze", Message: "scanning index", ProgressPct: 0}

		if doChunks {
			if err := ix.consolidateChunks(ctx, params, events); err != nil {
				events <- ProgressEvent{Phase: "error", Message: err.Error(), ProgressPct: 100}
				return
			}
		}
		if doMemories {
			if err := ix.mergeDuplicateMemories(ctx, events); err != nil {
				events <- ProgressEvent{Phase: "error", Message: err.Error(), ProgressPct: 100}
				return
			}
		}

		events <- ProgressEvent{Phase: "done", Message: "optimization complete", ProgressPct: 100}
	}()
	return events
}

func (ix *Index) consolidateChunks(ctx context.Context, params OptimizeParams, events chan<- ProgressEvent) error {
	sessions, err := ix.consolidatableSessions(ctx, params.Force)
	if err != nil {
		return fmt.Errorf("find sessions: %w", err)
	}
	if len(sessions) == 0 {
		events <- ProgressEvent{Phase: "chunks", Message: "no sessions to consolidate", ProgressPct: 50}
		return nil
	}

	for i, sessionID := range sessions {
		if err := ctx.Err(); err != nil {
			return err
		}

		pct := (i * 50) / len(sessions)
		events <- ProgressEvent{
			Phase:       "chunks",
			Message:     fmt.Sprintf("consolidating session %s (%d/%d)", truncateID(sessionID), i+1, len(sessions)),
			ProgressPct: pct,
		}

		if err := ix.consolidateSession(ctx, params, sessionID); err != nil {
			// One bad session should not sink the run.
			logging.Warnf("[rag] consolidation failed for %s: %v", sessionID, err)
		}
	}
	return nil
}

func (ix *Index) consolidateSession(ctx context.Context, params OptimizeParams, sessionID string) error {
	chunks, err := ix.sessionChunks(ctx, sessionID)
	if err != nil {
		return err
	}

	var originals []Record
	var texts []string
	for _, c := range chunks {
		if metaBool(c.Metadata, "summary") {
			if !params.Force {
				continue
			}
		}
		originals = append(originals, c)
		texts = append(texts, c.Text)
	}
	if len(originals) < consolidateMinChunks {
		return nil
	}

	summary, err := summarize(ctx, params, strings.Join(texts, "\n---\n"))
	if err != nil {
		return fmt.Errorf("summarize: %w", err)
	}
	if summary == "" {
		return nil
	}

	// The summary inherits the watermark of everything it replaces so
	// resumed sessions do not re-index consolidated pairs.
	covers := 0
	for _, orig := range originals {
		if metaBool(orig.Metadata, "summary") {
			if v := metaInt(orig.Metadata, "covers_through"); v > covers {
				covers = v
			}
			continue
		}
		if v := metaInt(orig.Metadata, "pair_index"); v+1 > covers {
			covers = v + 1
		}
	}

	_, err = ix.Write(ctx, Record{
		Kind:      KindChunk,
		SessionID: sessionID,
		Text:      summary,
		Metadata:  map[string]any{"summary": true, "replaces": len(originals), "covers_through": covers},
	})
	if err != nil {
		return fmt.Errorf("write summary: %w", err)
	}

	for _, orig := range originals {
		if err := ix.Delete(ctx, orig.ID); err != nil {
			logging.Warnf("[rag] could not remove consolidated chunk %s: %v", orig.ID, err)
		}
	}
	return nil
}

func summarize(ctx context.Context, params OptimizeParams, text string) (string, error) {
	events, err := params.Provider.Stream(ctx, &ai.ChatRequest{
		Model:    params.Model,
		Messages: []session.Message{{Role: session.RoleUser, Content: fmt.Sprintf(summarizePrompt, text)}},
	})
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for ev := range events {
		switch ev.Type {
		case ai.EventChunk:
			b.WriteString(ev.Text)
		case ai.EventError:
			return "", ev.Err
		}
	}
	return strings.TrimSpace(b.String()), nil
}

func (ix *Index) mergeDuplicateMemories(ctx context.Context, events chan<- ProgressEvent) error {
	pairs, err := ix.duplicateMemoryPairs(ctx)
	if err != nil {
		return fmt.Errorf("find duplicates: %w", err)
	}
	if len(pairs) == 0 {
		events <- ProgressEvent{Phase: "memories", Message: "no duplicate memories", ProgressPct: 90}
		return nil
	}

	merged := 0
	deleted := make(map[string]bool)
	for i, pair := range pairs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if deleted[pair[0].ID] || deleted[pair[1].ID] {
			continue
		}

		// Keep the more important memory; ties keep the newer one.
		keep, drop := pair[0], pair[1]
		if metaInt(drop.Metadata, "importance") > metaInt(keep.Metadata, "importance") ||
			(metaInt(drop.Metadata, "importance") == metaInt(keep.Metadata, "importance") &&
				drop.CreatedAt.After(keep.CreatedAt)) {
			keep, drop = drop, keep
		}
		if err := ix.Delete(ctx, drop.ID); err != nil {
			logging.Warnf("[rag] could not drop duplicate memory %s: %v", drop.ID, err)
			continue
		}
		deleted[drop.ID] = true
		merged++

		events <- ProgressEvent{
			Phase:       "memories",
			Message:     fmt.Sprintf("merged duplicate into %s (%d/%d)", truncateID(keep.ID), i+1, len(pairs)),
			ProgressPct: 50 + ((i + 1) * 40 / len(pairs)),
		}
	}
	logging.Infof("[rag] merged %d duplicate memories", merged)
	return nil
}

// consolidatableSessions lists session ids with enough old chunks to
// be worth summarizing. Without force, sessions already holding a
// summary chunk are skipped.
func (ix *Index) consolidatableSessions(ctx context.Context, force bool) ([]string, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -consolidateMinAgeDays).Unix()
	rows, err := ix.db.QueryContext(ctx,
		`SELECT session_id FROM rag_records
		 WHERE kind = ? AND session_id IS NOT NULL AND created_at < ?
		 GROUP BY session_id HAVING COUNT(*) >= ?`,
		KindChunk, cutoff, consolidateMinChunks)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var sessionID string
		if err := rows.Scan(&sessionID); err != nil {
			return nil, err
		}
		out = append(out, sessionID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if force {
		return out, nil
	}
	var pending []string
	for _, sessionID := range out {
		chunks, err := ix.sessionChunks(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		unsummarized := 0
		for _, c := range chunks {
			if !metaBool(c.Metadata, "summary") {
				unsummarized++
			}
		}
		if unsummarized >= consolidateMinChunks {
			pending = append(pending, sessionID)
		}
	}
	return pending, nil
}

func (ix *Index) duplicateMemoryPairs(ctx context.Context) ([][2]Record, error) {
	memories, err := ix.loadForScan(ctx, KindMemory)
	if err != nil {
		return nil, err
	}

	var pairs [][2]Record
	for i := 0; i < len(memories); i++ {
		for j := i + 1; j < len(memories); j++ {
			if cosine(memories[i].Embedding, memories[j].Embedding) >= duplicateSimilarity {
				pairs = append(pairs, [2]Record{memories[i], memories[j]})
			}
		}
	}
	return pairs, nil
}

func (ix *Index) sessionChunks(ctx context.Context, sessionID string) ([]Record, error) {
	rows, err := ix.db.QueryContext(ctx,
		`SELECT id, kind, session_id, text, metadata, embedding, expires_at, created_at
		 FROM rag_records WHERE kind = ? AND session_id = ? ORDER BY created_at ASC`,
		KindChunk, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func metaBool(meta map[string]any, key string) bool {
	if meta == nil {
		return false
	}
	v, ok := meta[key].(bool)
	return ok && v
}
