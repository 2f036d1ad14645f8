package session

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thioby/homeclaw-agent-sub000/internal/db"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return NewStore(database)
}

func TestCreateAndGetSession(t *testing.T) {
	s := newTestStore(t)

	sess, err := s.Create(&Session{Title: "Morning routine", IsVoice: true})
	require.NoError(t, err)
	require.NotEmpty(t, sess.ID)

	got, err := s.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "Morning routine", got.Title)
	assert.True(t, got.IsVoice)
	assert.Equal(t, 0, got.MessageCount)
}

func TestGetMissingSession(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Append("nope", &Message{Role: RoleUser, Content: "hi"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	s := newTestStore(t)

	first, err := s.GetOrCreate("scheduler:job-1")
	require.NoError(t, err)
	second, err := s.GetOrCreate("scheduler:job-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestAppendAssignsMonotonicSeq(t *testing.T) {
	s := newTestStore(t)
	sess, err := s.Create(nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		msg, err := s.Append(sess.ID, &Message{Role: RoleUser, Content: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), msg.Seq)
	}

	msgs, err := s.Messages(sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 5)
	for i, msg := range msgs {
		assert.Equal(t, fmt.Sprintf("m%d", i), msg.Content)
	}

	got, err := s.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, got.MessageCount)
}

func TestConcurrentAppendsKeepTotalOrder(t *testing.T) {
	s := newTestStore(t)
	sess, err := s.Create(nil)
	require.NoError(t, err)

	const writers = 8
	const perWriter = 10

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := s.Append(sess.ID, &Message{
					Role:    RoleUser,
					Content: fmt.Sprintf("w%d-%d", w, i),
				})
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	msgs, err := s.Messages(sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, writers*perWriter)

	seen := make(map[int64]bool)
	for i, msg := range msgs {
		assert.Equal(t, int64(i+1), msg.Seq)
		assert.False(t, seen[msg.Seq], "duplicate seq %d", msg.Seq)
		seen[msg.Seq] = true
	}
}

func TestAppendPersistsAttachments(t *testing.T) {
	s := newTestStore(t)
	sess, err := s.Create(nil)
	require.NoError(t, err)

	msg, err := s.Append(sess.ID, &Message{
		Role:    RoleUser,
		Content: "look at this",
		Attachments: []Attachment{{
			Filename: "photo.png", MimeType: "image/png",
			Size: 4, ContentBase64: "aGkh", IsImage: true,
		}},
	})
	require.NoError(t, err)

	atts, err := s.Attachments(msg.ID)
	require.NoError(t, err)
	require.Len(t, atts, 1)
	assert.Equal(t, "photo.png", atts[0].Filename)
	assert.True(t, atts[0].IsImage)

	msgs, err := s.Messages(sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Len(t, msgs[0].Attachments, 1)
}

func TestUpdateAppendsContentWhileStreaming(t *testing.T) {
	s := newTestStore(t)
	sess, err := s.Create(nil)
	require.NoError(t, err)

	msg, err := s.Append(sess.ID, &Message{Role: RoleAssistant, Status: StatusStreaming})
	require.NoError(t, err)

	require.NoError(t, s.Update(sess.ID, msg.ID, Patch{AppendContent: "Hello"}))
	require.NoError(t, s.Update(sess.ID, msg.ID, Patch{AppendContent: " there", Status: StatusCompleted}))

	msgs, err := s.Messages(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "Hello there", msgs[0].Content)
	assert.Equal(t, StatusCompleted, msgs[0].Status)
}

func TestUpdateRejectsAppendOnCompleted(t *testing.T) {
	s := newTestStore(t)
	sess, err := s.Create(nil)
	require.NoError(t, err)

	msg, err := s.Append(sess.ID, &Message{Role: RoleAssistant, Content: "done", Status: StatusCompleted})
	require.NoError(t, err)

	err = s.Update(sess.ID, msg.ID, Patch{AppendContent: "more"})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestUpdateRejectsBackwardStatus(t *testing.T) {
	s := newTestStore(t)
	sess, err := s.Create(nil)
	require.NoError(t, err)

	msg, err := s.Append(sess.ID, &Message{Role: RoleAssistant, Status: StatusCompleted})
	require.NoError(t, err)

	err = s.Update(sess.ID, msg.ID, Patch{Status: StatusStreaming})
	assert.ErrorIs(t, err, ErrConflict)

	err = s.Update(sess.ID, msg.ID, Patch{Status: StatusPending})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestUpdateMergesMetadata(t *testing.T) {
	s := newTestStore(t)
	sess, err := s.Create(nil)
	require.NoError(t, err)

	msg, err := s.Append(sess.ID, &Message{Role: RoleAssistant, Status: StatusStreaming})
	require.NoError(t, err)

	require.NoError(t, s.Update(sess.ID, msg.ID, Patch{MergeMetadata: &Metadata{
		ToolCalls: []ToolCall{{ID: "c1", Name: "get_state", Args: []byte(`{}`)}},
	}}))
	require.NoError(t, s.Update(sess.ID, msg.ID, Patch{
		Status:        StatusCompleted,
		MergeMetadata: &Metadata{TokenUsage: &TokenUsage{CompletionTokens: 7}},
	}))

	msgs, err := s.Messages(sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs[0].Metadata.ToolCalls, 1)
	assert.Equal(t, "get_state", msgs[0].Metadata.ToolCalls[0].Name)
	require.NotNil(t, msgs[0].Metadata.TokenUsage)
	assert.Equal(t, 7, msgs[0].Metadata.TokenUsage.CompletionTokens)
}

func TestDeleteSessionCascades(t *testing.T) {
	s := newTestStore(t)
	sess, err := s.Create(nil)
	require.NoError(t, err)

	msg, err := s.Append(sess.ID, &Message{
		Role: RoleUser, Content: "hi",
		Attachments: []Attachment{{Filename: "f", MimeType: "text/plain", ContentBase64: "eA=="}},
	})
	require.NoError(t, err)

	require.NoError(t, s.Delete(sess.ID))
	_, err = s.Get(sess.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	atts, err := s.Attachments(msg.ID)
	require.NoError(t, err)
	assert.Empty(t, atts)

	assert.ErrorIs(t, s.Delete(sess.ID), ErrNotFound)
}

func TestUpdateSummary(t *testing.T) {
	s := newTestStore(t)
	sess, err := s.Create(nil)
	require.NoError(t, err)

	require.NoError(t, s.UpdateSummary(sess.ID, "Lights", "", "Kitchen light is on", "anthropic", "claude"))
	// Empty fields leave existing values alone.
	require.NoError(t, s.UpdateSummary(sess.ID, "", "💡", "", "", ""))

	got, err := s.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "Lights", got.Title)
	assert.Equal(t, "💡", got.Emoji)
	assert.Equal(t, "Kitchen light is on", got.Preview)
	assert.Equal(t, "anthropic", got.Provider)

	assert.ErrorIs(t, s.UpdateSummary("missing", "t", "", "", "", ""), ErrNotFound)
}
