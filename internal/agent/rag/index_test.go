package rag

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thioby/homeclaw-agent-sub000/internal/agent/embeddings"
	"github.com/Thioby/homeclaw-agent-sub000/internal/agent/session"
	"github.com/Thioby/homeclaw-agent-sub000/internal/db"
	"github.com/Thioby/homeclaw-agent-sub000/internal/logging"
)

func init() {
	logging.Disable()
}

// vecProvider returns preassigned vectors per text, defaulting to a
// zero vector for unknown texts.
type vecProvider struct {
	dims int
	vecs map[string][]float32
	fail bool
}

func (p *vecProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if p.fail {
		return nil, errors.New("400 Bad Request: embedding backend rejected input")
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if v, ok := p.vecs[text]; ok {
			out[i] = v
		} else {
			out[i] = make([]float32, p.dims)
		}
	}
	return out, nil
}

func (p *vecProvider) Dimensions() int { return p.dims }
func (p *vecProvider) Model() string   { return "test-embed" }

func newTestIndex(t *testing.T, provider embeddings.Provider) *Index {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "rag.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	svc, err := embeddings.NewService(database, provider)
	require.NoError(t, err)
	return NewIndex(database, svc)
}

func TestSearchReturnsTopKByDotProduct(t *testing.T) {
	provider := &vecProvider{dims: 2, vecs: map[string][]float32{
		"kitchen light":   {1, 0},
		"bedroom heater":  {0, 1},
		"kitchen counter": {0.9, 0.1},
		"lights kitchen?": {1, 0},
	}}
	ix := newTestIndex(t, provider)
	ctx := context.Background()

	for _, text := range []string{"kitchen light", "bedroom heater", "kitchen counter"} {
		_, err := ix.Write(ctx, Record{Kind: KindEntity, Text: text})
		require.NoError(t, err)
	}

	results := ix.Search(ctx, "lights kitchen?", 2, KindEntity)
	require.Len(t, results, 2)
	assert.Equal(t, "kitchen light", results[0].Text)
	assert.Equal(t, "kitchen counter", results[1].Text)
	assert.Greater(t, results[0].Score, results[1].Score)
}

func TestSearchFiltersByKind(t *testing.T) {
	provider := &vecProvider{dims: 2, vecs: map[string][]float32{
		"shared text": {1, 0},
		"query":       {1, 0},
	}}
	ix := newTestIndex(t, provider)
	ctx := context.Background()

	_, err := ix.Write(ctx, Record{Kind: KindEntity, Text: "shared text"})
	require.NoError(t, err)
	_, err = ix.Write(ctx, Record{Kind: KindMemory, Text: "shared text"})
	require.NoError(t, err)

	assert.Len(t, ix.Search(ctx, "query", 10, KindEntity), 1)
	assert.Len(t, ix.Search(ctx, "query", 10, KindMemory), 1)
	assert.Len(t, ix.Search(ctx, "query", 10, ""), 2)
}

func TestSearchEmptyOnEmbedFailure(t *testing.T) {
	provider := &vecProvider{dims: 2, vecs: map[string][]float32{"a": {1, 0}}}
	ix := newTestIndex(t, provider)
	ctx := context.Background()

	_, err := ix.Write(ctx, Record{Kind: KindChunk, Text: "a"})
	require.NoError(t, err)

	provider.fail = true
	assert.Empty(t, ix.Search(ctx, "anything", 5, ""))
}

func TestExpiredMemoriesFilteredAndSwept(t *testing.T) {
	provider := &vecProvider{dims: 2, vecs: map[string][]float32{
		"stale":  {1, 0},
		"fresh":  {1, 0},
		"query?": {1, 0},
	}}
	ix := newTestIndex(t, provider)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Hour)
	_, err := ix.Write(ctx, Record{Kind: KindMemory, Text: "stale", ExpiresAt: &past})
	require.NoError(t, err)
	_, err = ix.Write(ctx, Record{Kind: KindMemory, Text: "fresh"})
	require.NoError(t, err)

	results := ix.Search(ctx, "query?", 10, KindMemory)
	require.Len(t, results, 1)
	assert.Equal(t, "fresh", results[0].Text)

	purged, err := ix.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	stats, err := ix.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Memories)
}

func TestRecordTimestampsRoundTrip(t *testing.T) {
	provider := &vecProvider{dims: 2}
	ix := newTestIndex(t, provider)
	ctx := context.Background()

	expires := time.Now().UTC().Add(24 * time.Hour).Truncate(time.Second)
	id, err := ix.Write(ctx, Record{Kind: KindMemory, Text: "expiring memory", ExpiresAt: &expires})
	require.NoError(t, err)

	rec, err := ix.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, rec.ExpiresAt)
	assert.True(t, rec.ExpiresAt.Equal(expires))
	assert.False(t, rec.CreatedAt.IsZero())

	list, err := ix.List(ctx, KindMemory, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.NotNil(t, list[0].ExpiresAt)
	assert.True(t, list[0].ExpiresAt.Equal(expires))
}

func TestIndexTurnSkipsConsolidatedPairs(t *testing.T) {
	provider := &vecProvider{dims: 2}
	ix := newTestIndex(t, provider)
	ctx := context.Background()

	var msgs []session.Message
	for i := 0; i < 4; i++ {
		msgs = append(msgs,
			session.Message{Role: session.RoleUser, Content: fmt.Sprintf("question %d", i)},
			session.Message{Role: session.RoleAssistant, Content: fmt.Sprintf("answer %d", i), Status: session.StatusCompleted},
		)
	}
	ix.IndexTurn(ctx, "s1", msgs)

	chunks, err := ix.sessionChunks(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, chunks, 4)

	// Replace the four live chunks with one summary, as the optimizer
	// does after consolidation.
	_, err = ix.Write(ctx, Record{
		Kind: KindChunk, SessionID: "s1", Text: "summary of four exchanges",
		Metadata: map[string]any{"summary": true, "replaces": 4, "covers_through": 4},
	})
	require.NoError(t, err)
	for _, c := range chunks {
		require.NoError(t, ix.Delete(ctx, c.ID))
	}

	// Re-running over the same history must not re-index summarized pairs.
	ix.IndexTurn(ctx, "s1", msgs)
	after, err := ix.sessionChunks(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, after, 1)

	// A new exchange lands as the next pair only.
	msgs = append(msgs,
		session.Message{Role: session.RoleUser, Content: "question 4"},
		session.Message{Role: session.RoleAssistant, Content: "answer 4", Status: session.StatusCompleted},
	)
	ix.IndexTurn(ctx, "s1", msgs)
	after, err = ix.sessionChunks(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, after, 2)

	var live []Record
	for _, c := range after {
		if !metaBool(c.Metadata, "summary") {
			live = append(live, c)
		}
	}
	require.Len(t, live, 1)
	assert.Equal(t, 4, metaInt(live[0].Metadata, "pair_index"))
}

func TestDeleteSessionChunks(t *testing.T) {
	provider := &vecProvider{dims: 2}
	ix := newTestIndex(t, provider)
	ctx := context.Background()

	_, err := ix.Write(ctx, Record{Kind: KindChunk, SessionID: "s1", Text: "one"})
	require.NoError(t, err)
	_, err = ix.Write(ctx, Record{Kind: KindChunk, SessionID: "s2", Text: "two"})
	require.NoError(t, err)

	require.NoError(t, ix.DeleteSessionChunks(ctx, "s1"))

	stats, err := ix.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Chunks)
}

func TestAddMemoryClampsAndDefaults(t *testing.T) {
	provider := &vecProvider{dims: 2}
	ix := newTestIndex(t, provider)
	ctx := context.Background()

	id, err := ix.AddMemory(ctx, MemoryInput{Text: "user likes 21C at night", Category: "bogus", Importance: 42})
	require.NoError(t, err)

	rec, err := ix.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, CategoryOther, metaString(rec.Metadata, "category"))
	assert.Equal(t, 10, metaInt(rec.Metadata, "importance"))
	assert.Equal(t, SourceAgent, metaString(rec.Metadata, "source"))
	assert.Nil(t, rec.ExpiresAt)
}

func TestForgetMemory(t *testing.T) {
	provider := &vecProvider{dims: 2}
	ix := newTestIndex(t, provider)
	ctx := context.Background()

	id, err := ix.AddMemory(ctx, MemoryInput{Text: "to forget", Category: CategoryFact, Importance: 5})
	require.NoError(t, err)
	require.NoError(t, ix.ForgetMemory(ctx, id))
	assert.ErrorIs(t, ix.ForgetMemory(ctx, id), ErrNotFound)

	// Non-memory records are not forgettable through this path.
	chunkID, err := ix.Write(ctx, Record{Kind: KindChunk, SessionID: "s", Text: "chunk"})
	require.NoError(t, err)
	assert.ErrorIs(t, ix.ForgetMemory(ctx, chunkID), ErrNotFound)
}

func TestBuildChunksPairsUserWithAssistant(t *testing.T) {
	msgs := []session.Message{
		{Role: session.RoleUser, Content: "turn on the light"},
		{Role: session.RoleAssistant, Status: session.StatusCompleted, Metadata: session.Metadata{
			ToolCalls: []session.ToolCall{{ID: "c1", Name: "call_service", Args: []byte(`{}`)}},
		}},
		{Role: session.RoleTool, Content: `{"ok":true}`, Metadata: session.Metadata{ToolCallID: "c1"}},
		{Role: session.RoleAssistant, Content: "Done, light is on.", Status: session.StatusCompleted},
		{Role: session.RoleUser, Content: "thanks"},
		{Role: session.RoleAssistant, Content: "Anytime!", Status: session.StatusCompleted},
	}

	chunks := BuildChunks(msgs)
	require.Len(t, chunks, 2)
	assert.Contains(t, chunks[0], "turn on the light")
	assert.Contains(t, chunks[0], "Done, light is on.")
	assert.NotContains(t, chunks[0], "ok")
	assert.Contains(t, chunks[1], "thanks")
}

func TestBuildContextBlockFormat(t *testing.T) {
	created := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	r := Retrieval{
		Entities: []Result{{Record: Record{Metadata: map[string]any{
			"friendly_name": "Kitchen Light", "entity_id": "light.kitchen", "state": "off", "area": "kitchen",
		}}}},
		Chunks: []Result{{Record: Record{SessionID: "abcdef123456", Text: "User asked about heating.", CreatedAt: created}}},
		Memories: []Result{{Record: Record{Text: "Prefers 21C at night", Metadata: map[string]any{
			"category": "preference", "importance": float64(7),
		}}}},
	}

	block := BuildContextBlock(r)
	assert.Contains(t, block, "## Relevant context")
	assert.Contains(t, block, "### Entities\n- Kitchen Light (light.kitchen) — state=off, area=kitchen")
	assert.Contains(t, block, "### Past conversations\n- [session abcdef12, 2026-08-20T10:00:00Z] User asked about heating.")
	assert.Contains(t, block, "### Long-term memories\n- [preference, importance=7] Prefers 21C at night")
}

func TestBuildContextBlockOmitsEmptySections(t *testing.T) {
	block := BuildContextBlock(Retrieval{
		Memories: []Result{{Record: Record{Text: "a fact", Metadata: map[string]any{"category": "fact", "importance": 5}}}},
	})
	assert.NotContains(t, block, "### Entities")
	assert.NotContains(t, block, "### Past conversations")
	assert.Contains(t, block, "### Long-term memories")

	assert.Empty(t, BuildContextBlock(Retrieval{}))
}

func TestParseCandidates(t *testing.T) {
	fenced := "```json\n[{\"text\":\"likes dim lights\",\"category\":\"preference\",\"importance\":7}]\n```"
	candidates := parseCandidates(fenced)
	require.Len(t, candidates, 1)
	assert.Equal(t, "likes dim lights", candidates[0].Text)
	assert.Equal(t, 7, candidates[0].Importance)

	assert.Empty(t, parseCandidates("no facts worth remembering"))
	assert.Empty(t, parseCandidates(""))
	assert.Empty(t, parseCandidates("[]"))
}
