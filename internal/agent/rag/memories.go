package rag

import (
	"context"
	"fmt"
	"time"
)

// validCategories guards memory writes; unknown categories degrade to
// "other" rather than failing the write.
var validCategories = map[string]bool{
	CategoryFact:        true,
	CategoryPreference:  true,
	CategoryDecision:    true,
	CategoryEntity:      true,
	CategoryObservation: true,
	CategoryOther:       true,
}

// MemoryInput is a memory to persist.
type MemoryInput struct {
	Text       string
	Category   string
	Source     string // user, agent, auto
	Importance int    // clamped to [1,10]
	TTLDays    int    // 0 = never expires
}

// AddMemory writes a long-term memory and returns its id.
func (ix *Index) AddMemory(ctx context.Context, in MemoryInput) (string, error) {
	if in.Text == "" {
		return "", fmt.Errorf("memory text required")
	}
	if !validCategories[in.Category] {
		in.Category = CategoryOther
	}
	if in.Source == "" {
		in.Source = SourceAgent
	}
	if in.Importance < 1 {
		in.Importance = 1
	}
	if in.Importance > 10 {
		in.Importance = 10
	}

	rec := Record{
		Kind: KindMemory,
		Text: in.Text,
		Metadata: map[string]any{
			"category":   in.Category,
			"source":     in.Source,
			"importance": in.Importance,
		},
	}
	if in.TTLDays > 0 {
		expires := time.Now().UTC().AddDate(0, 0, in.TTLDays)
		rec.ExpiresAt = &expires
	}
	return ix.Write(ctx, rec)
}

// RecallMemories searches memories, optionally constrained to one
// category.
func (ix *Index) RecallMemories(ctx context.Context, query string, k int, category string) []Result {
	if k <= 0 {
		k = DefaultMemoryK
	}
	results := ix.Search(ctx, query, k*2, KindMemory)
	if category == "" {
		if len(results) > k {
			results = results[:k]
		}
		return results
	}
	filtered := make([]Result, 0, k)
	for _, res := range results {
		if metaString(res.Metadata, "category") == category {
			filtered = append(filtered, res)
			if len(filtered) == k {
				break
			}
		}
	}
	return filtered
}

// ForgetMemory deletes a memory by id.
func (ix *Index) ForgetMemory(ctx context.Context, memoryID string) error {
	rec, err := ix.Get(ctx, memoryID)
	if err != nil {
		return err
	}
	if rec.Kind != KindMemory {
		return fmt.Errorf("record %s is not a memory: %w", memoryID, ErrNotFound)
	}
	return ix.Delete(ctx, memoryID)
}
