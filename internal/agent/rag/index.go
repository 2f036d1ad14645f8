// Package rag maintains the semantic index over home entities, past
// conversation chunks, and long-term memories. All three kinds share
// one embedding store and one search path.
package rag

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Thioby/homeclaw-agent-sub000/internal/agent/embeddings"
	"github.com/Thioby/homeclaw-agent-sub000/internal/logging"
)

// Record kinds.
const (
	KindEntity = "entity"
	KindChunk  = "chunk"
	KindMemory = "memory"
)

// Memory categories.
const (
	CategoryFact        = "fact"
	CategoryPreference  = "preference"
	CategoryDecision    = "decision"
	CategoryEntity      = "entity"
	CategoryObservation = "observation"
	CategoryOther       = "other"
)

// Memory sources.
const (
	SourceUser  = "user"
	SourceAgent = "agent"
	SourceAuto  = "auto"
)

// ErrNotFound is returned when a record id does not exist.
var ErrNotFound = errors.New("record not found")

// Record is one indexed item.
type Record struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	SessionID string         `json:"session_id,omitempty"`
	Text      string         `json:"text"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Embedding []float32      `json:"-"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Result is a search hit with its score.
type Result struct {
	Record
	Score float64 `json:"score"`
}

// Stats summarizes the index contents.
type Stats struct {
	Entities   int    `json:"entities"`
	Chunks     int    `json:"chunks"`
	Memories   int    `json:"memories"`
	Dimensions int    `json:"dimensions"`
	Model      string `json:"model"`
}

// Index is the shared embedding store. Mutations take the shard lock
// for the record's kind; search runs a flat scan, which keeps top-k
// exact.
type Index struct {
	db       *sql.DB
	embedder *embeddings.Service
	locks    [3]sync.Mutex // one shard per kind
}

// NewIndex creates the index over an open database.
func NewIndex(db *sql.DB, embedder *embeddings.Service) *Index {
	return &Index{db: db, embedder: embedder}
}

func (ix *Index) shard(kind string) *sync.Mutex {
	switch kind {
	case KindEntity:
		return &ix.locks[0]
	case KindChunk:
		return &ix.locks[1]
	default:
		return &ix.locks[2]
	}
}

// Write embeds the record's text and inserts it. The write is
// all-or-nothing: an embedding failure leaves the index untouched.
func (ix *Index) Write(ctx context.Context, rec Record) (string, error) {
	if rec.Text == "" {
		return "", errors.New("record text required")
	}
	vec, err := ix.embedder.EmbedOne(ctx, rec.Text)
	if err != nil {
		return "", fmt.Errorf("embed failed: %w", err)
	}
	if dims := ix.embedder.Dimensions(); len(vec) != dims {
		return "", fmt.Errorf("%w: got %d dims, index uses %d", embeddings.ErrDimensionMismatch, len(vec), dims)
	}
	rec.Embedding = vec
	return ix.insert(ctx, rec)
}

// WriteBatch embeds and inserts several records of one kind. Each
// record is inserted independently; a failed insert aborts the batch.
func (ix *Index) WriteBatch(ctx context.Context, recs []Record) error {
	if len(recs) == 0 {
		return nil
	}
	texts := make([]string, len(recs))
	for i, rec := range recs {
		texts[i] = rec.Text
	}
	vecs, err := ix.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed failed: %w", err)
	}
	for i := range recs {
		recs[i].Embedding = vecs[i]
		if _, err := ix.insert(ctx, recs[i]); err != nil {
			return err
		}
	}
	return nil
}

func (ix *Index) insert(ctx context.Context, rec Record) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	metaJSON, err := json.Marshal(rec.Metadata)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}

	mu := ix.shard(rec.Kind)
	mu.Lock()
	defer mu.Unlock()

	_, err = ix.db.ExecContext(ctx,
		`INSERT INTO rag_records (id, kind, session_id, text, metadata, embedding, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   text = excluded.text,
		   metadata = excluded.metadata,
		   embedding = excluded.embedding,
		   expires_at = excluded.expires_at`,
		rec.ID, rec.Kind, nullIfEmpty(rec.SessionID), rec.Text, string(metaJSON),
		embeddings.FloatsToBlob(rec.Embedding), nullableUnix(rec.ExpiresAt), rec.CreatedAt.Unix(),
	)
	if err != nil {
		return "", fmt.Errorf("insert record: %w", err)
	}
	return rec.ID, nil
}

// Get returns one record by id.
func (ix *Index) Get(ctx context.Context, id string) (*Record, error) {
	row := ix.db.QueryRowContext(ctx,
		`SELECT id, kind, session_id, text, metadata, embedding, expires_at, created_at
		 FROM rag_records WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("record %s: %w", id, ErrNotFound)
	}
	return rec, err
}

// Delete removes one record.
func (ix *Index) Delete(ctx context.Context, id string) error {
	res, err := ix.db.ExecContext(ctx, `DELETE FROM rag_records WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("record %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteSessionChunks removes all chunks derived from a session. Called
// when the session itself is deleted.
func (ix *Index) DeleteSessionChunks(ctx context.Context, sessionID string) error {
	mu := ix.shard(KindChunk)
	mu.Lock()
	defer mu.Unlock()

	_, err := ix.db.ExecContext(ctx,
		`DELETE FROM rag_records WHERE kind = ? AND session_id = ?`, KindChunk, sessionID)
	if err != nil {
		return fmt.Errorf("delete session chunks: %w", err)
	}
	return nil
}

// SweepExpired purges memories whose expiry has passed. Returns the
// number of purged records.
func (ix *Index) SweepExpired(ctx context.Context) (int, error) {
	res, err := ix.db.ExecContext(ctx,
		`DELETE FROM rag_records WHERE expires_at IS NOT NULL AND expires_at < ?`, time.Now().UTC().Unix())
	if err != nil {
		return 0, fmt.Errorf("sweep expired: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.Infof("[rag] purged %d expired memories", n)
	}
	return int(n), nil
}

// Stats returns per-kind counts and the embedding configuration.
func (ix *Index) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		Dimensions: ix.embedder.Dimensions(),
		Model:      ix.embedder.Model(),
	}
	rows, err := ix.db.QueryContext(ctx,
		`SELECT kind, COUNT(*) FROM rag_records GROUP BY kind`)
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var kind string
		var count int
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, err
		}
		switch kind {
		case KindEntity:
			stats.Entities = count
		case KindChunk:
			stats.Chunks = count
		case KindMemory:
			stats.Memories = count
		}
	}
	return stats, rows.Err()
}

// List returns records of one kind, newest first.
func (ix *Index) List(ctx context.Context, kind string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := ix.db.QueryContext(ctx,
		`SELECT id, kind, session_id, text, metadata, embedding, expires_at, created_at
		 FROM rag_records WHERE kind = ? ORDER BY created_at DESC LIMIT ?`, kind, limit)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var sessionID sql.NullString
	var metaJSON string
	var blob []byte
	var expiresAt sql.NullInt64
	var createdAt int64

	if err := row.Scan(&rec.ID, &rec.Kind, &sessionID, &rec.Text, &metaJSON, &blob, &expiresAt, &createdAt); err != nil {
		return nil, err
	}
	rec.SessionID = sessionID.String
	rec.CreatedAt = time.Unix(createdAt, 0).UTC()
	if expiresAt.Valid {
		t := time.Unix(expiresAt.Int64, 0).UTC()
		rec.ExpiresAt = &t
	}
	if metaJSON != "" && metaJSON != "null" {
		if err := json.Unmarshal([]byte(metaJSON), &rec.Metadata); err != nil {
			logging.Warnf("[rag] bad metadata on %s: %v", rec.ID, err)
		}
	}
	vec, err := embeddings.BlobToFloats(blob)
	if err != nil {
		return nil, fmt.Errorf("decode embedding for %s: %w", rec.ID, err)
	}
	rec.Embedding = vec
	return &rec, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}
