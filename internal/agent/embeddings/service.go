// Package embeddings generates and caches text embeddings for the RAG
// indices. Vectors are cached by content hash so re-indexing unchanged
// text never hits the network.
package embeddings

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Thioby/homeclaw-agent-sub000/internal/logging"
)

// ErrDimensionMismatch is returned when a provider hands back vectors
// whose dimensionality disagrees with the configured index.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// ErrNoProvider is returned when no embedding backend is configured.
var ErrNoProvider = errors.New("no embedding provider configured")

const cacheTTLDays = 30

// Provider is an embedding backend.
type Provider interface {
	// Embed generates embeddings for the given texts, in order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions returns the vector size this provider produces.
	Dimensions() int
	// Model returns the model identifier used for cache keys.
	Model() string
}

// Service generates embeddings with caching and transient-error retry.
type Service struct {
	db       *sql.DB
	provider Provider
	mu       sync.RWMutex
}

// NewService creates an embedding service. Stale cache entries are
// evicted on startup.
func NewService(db *sql.DB, provider Provider) (*Service, error) {
	if db == nil {
		return nil, errors.New("database connection required")
	}
	svc := &Service{db: db, provider: provider}

	cutoff := time.Now().UTC().AddDate(0, 0, -cacheTTLDays).Unix()
	if _, err := db.Exec(`DELETE FROM embedding_cache WHERE created_at < ?`, cutoff); err != nil {
		logging.Warnf("[embeddings] cache eviction failed: %v", err)
	}
	return svc, nil
}

// SetProvider swaps the embedding backend. Cached vectors from other
// models stay keyed under their own model and are simply not reused.
func (s *Service) SetProvider(p Provider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.provider = p
}

// HasProvider reports whether an embedding backend is configured.
func (s *Service) HasProvider() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.provider != nil
}

// Dimensions returns the configured vector size, 0 without a provider.
func (s *Service) Dimensions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.provider == nil {
		return 0
	}
	return s.provider.Dimensions()
}

// Model returns the active embedding model identifier.
func (s *Service) Model() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.provider == nil {
		return ""
	}
	return s.provider.Model()
}

// Embed returns one vector per input text, serving from cache where
// possible. Transient provider failures are retried with backoff;
// auth and bad-request failures are not.
func (s *Service) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	s.mu.RLock()
	provider := s.provider
	s.mu.RUnlock()

	if provider == nil {
		return nil, ErrNoProvider
	}
	if len(texts) == 0 {
		return nil, nil
	}

	model := provider.Model()
	wantDims := provider.Dimensions()
	results := make([][]float32, len(texts))

	var uncachedIdx []int
	var uncached []string
	for i, text := range texts {
		hash := hashText(text)
		if vec, ok := s.getCached(ctx, hash, model); ok && len(vec) == wantDims {
			results[i] = vec
			continue
		}
		uncachedIdx = append(uncachedIdx, i)
		uncached = append(uncached, text)
	}

	if len(uncached) > 0 {
		vectors, err := s.embedWithRetry(ctx, provider, uncached)
		if err != nil {
			return nil, fmt.Errorf("failed to generate embeddings: %w", err)
		}
		if len(vectors) != len(uncached) {
			return nil, fmt.Errorf("expected %d embeddings, got %d", len(uncached), len(vectors))
		}
		for j, vec := range vectors {
			if len(vec) != wantDims {
				return nil, fmt.Errorf("%w: provider returned %d dims, want %d", ErrDimensionMismatch, len(vec), wantDims)
			}
			results[uncachedIdx[j]] = vec
			s.setCached(ctx, hashText(uncached[j]), model, wantDims, vec)
		}
	}

	return results, nil
}

// EmbedOne embeds a single text.
func (s *Service) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	results, err := s.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, errors.New("no embedding generated")
	}
	return results[0], nil
}

func (s *Service) embedWithRetry(ctx context.Context, provider Provider, texts []string) ([][]float32, error) {
	var vectors [][]float32
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		vectors, err = provider.Embed(ctx, texts)
		if err == nil {
			return vectors, nil
		}
		if !transientEmbedError(err) {
			return nil, err
		}
		backoff := time.Duration(1<<uint(attempt*2)) * 500 * time.Millisecond
		logging.Warnf("[embeddings] attempt %d failed: %v, retrying in %v", attempt+1, err, backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, err
}

func transientEmbedError(err error) bool {
	msg := err.Error()
	for _, s := range []string{"401", "403", "400", "Unauthorized", "invalid_api_key", "Bad Request"} {
		if strings.Contains(msg, s) {
			return false
		}
	}
	return true
}

func (s *Service) getCached(ctx context.Context, contentHash, model string) ([]float32, bool) {
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT embedding FROM embedding_cache WHERE content_hash = ? AND model = ?`,
		contentHash, model,
	).Scan(&blob)
	if err != nil {
		return nil, false
	}
	vec, err := BlobToFloats(blob)
	if err != nil {
		return nil, false
	}
	return vec, true
}

func (s *Service) setCached(ctx context.Context, contentHash, model string, dimensions int, vec []float32) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO embedding_cache (content_hash, model, dimensions, embedding, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(content_hash, model) DO UPDATE SET
		   dimensions = excluded.dimensions,
		   embedding = excluded.embedding,
		   created_at = excluded.created_at`,
		contentHash, model, dimensions, FloatsToBlob(vec), time.Now().UTC().Unix(),
	)
	if err != nil {
		logging.Warnf("[embeddings] cache write failed: %v", err)
	}
}

// DotProduct computes the inner product of two vectors. Normalized
// vectors make this equivalent to cosine similarity; unnormalized ones
// still rank fine for a single provider's output space.
func DotProduct(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func hashText(text string) string {
	hash := sha256.Sum256([]byte(text))
	return hex.EncodeToString(hash[:])
}

// FloatsToBlob serializes a vector for SQLite storage.
func FloatsToBlob(vec []float32) []byte {
	data, _ := json.Marshal(vec)
	return data
}

// BlobToFloats deserializes a stored vector.
func BlobToFloats(blob []byte) ([]float32, error) {
	var vec []float32
	if err := json.Unmarshal(blob, &vec); err != nil {
		return nil, err
	}
	return vec, nil
}
