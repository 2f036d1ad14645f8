package rag

import (
	"context"
	"sort"
	"time"

	"github.com/Thioby/homeclaw-agent-sub000/internal/agent/embeddings"
	"github.com/Thioby/homeclaw-agent-sub000/internal/logging"
)

// Default per-kind retrieval budgets for one turn.
const (
	DefaultEntityK = 8
	DefaultChunkK  = 6
	DefaultMemoryK = 5
)

// Search embeds the query and returns the top-k records of the given
// kind by dot product. Kind "" searches everything. Expired memories
// never surface. On embedding failure the search degrades to an empty
// result with a warning; retrieval is best-effort.
func (ix *Index) Search(ctx context.Context, query string, k int, kind string) []Result {
	if k <= 0 || query == "" {
		return nil
	}

	queryVec, err := ix.embedder.EmbedOne(ctx, query)
	if err != nil {
		logging.Warnf("[rag] query embed failed, returning empty results: %v", err)
		return nil
	}

	records, err := ix.loadForScan(ctx, kind)
	if err != nil {
		logging.Warnf("[rag] scan failed: %v", err)
		return nil
	}

	now := time.Now().UTC()
	results := make([]Result, 0, len(records))
	for _, rec := range records {
		if rec.ExpiresAt != nil && rec.ExpiresAt.Before(now) {
			continue
		}
		if len(rec.Embedding) != len(queryVec) {
			continue
		}
		results = append(results, Result{
			Record: rec,
			Score:  embeddings.DotProduct(queryVec, rec.Embedding),
		})
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > k {
		results = results[:k]
	}
	return results
}

// Retrieval is the per-turn bundle handed to the compactor.
type Retrieval struct {
	Entities []Result
	Chunks   []Result
	Memories []Result
}

// RetrieveForTurn runs the three per-kind searches for the latest user
// message with the default budgets.
func (ix *Index) RetrieveForTurn(ctx context.Context, query string) Retrieval {
	return Retrieval{
		Entities: ix.Search(ctx, query, DefaultEntityK, KindEntity),
		Chunks:   ix.Search(ctx, query, DefaultChunkK, KindChunk),
		Memories: ix.Search(ctx, query, DefaultMemoryK, KindMemory),
	}
}

// Empty reports whether nothing was retrieved.
func (r Retrieval) Empty() bool {
	return len(r.Entities) == 0 && len(r.Chunks) == 0 && len(r.Memories) == 0
}

func (ix *Index) loadForScan(ctx context.Context, kind string) ([]Record, error) {
	query := `SELECT id, kind, session_id, text, metadata, embedding, expires_at, created_at FROM rag_records`
	args := []any{}
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, kind)
	}

	rows, err := ix.db.QueryContext(ctx, query, args...)
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
