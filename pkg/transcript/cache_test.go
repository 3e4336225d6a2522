package transcript

import (
	"context"
	"testing"
	"time"

	"github.com/harun/platepal/pkg/assistant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTranscript() []assistant.Message {
	base := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	return []assistant.Message{
		{ID: "msg_1", Role: assistant.RoleAssistant, Content: "Morning! What did you eat?", Timestamp: base},
		{ID: "local_a", Role: assistant.RoleUser, Content: "Oatmeal", Timestamp: base.Add(time.Minute), AttachmentURL: "https://img.example/oats.jpg"},
		{ID: "msg_2", Role: assistant.RoleAssistant, Content: "Logged it.", Timestamp: base.Add(time.Minute), RunID: "run_1"},
		{ID: "local_b", Role: assistant.RoleSystem, Content: "Coach personality changed to Tough Love.", Timestamp: base.Add(2 * time.Minute)},
	}
}

func TestCache_Transcript(t *testing.T) {
	ctx := context.Background()
	cache, err := NewCache(NewMemoryStore())
	require.NoError(t, err)

	t.Run("should return absent for unknown session", func(t *testing.T) {
		msgs, ok, err := cache.Get(ctx, "thread_unknown")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Nil(t, msgs)
	})

	t.Run("should return what was put in the same order", func(t *testing.T) {
		want := sampleTranscript()
		require.NoError(t, cache.Put(ctx, "thread_1", want))

		got, ok, err := cache.Get(ctx, "thread_1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want, got)
	})

	t.Run("should replace rather than merge", func(t *testing.T) {
		require.NoError(t, cache.Put(ctx, "thread_1", sampleTranscript()[:1]))

		got, _, err := cache.Get(ctx, "thread_1")
		require.NoError(t, err)
		assert.Len(t, got, 1)
	})

	t.Run("should store an empty list for nil", func(t *testing.T) {
		require.NoError(t, cache.Put(ctx, "thread_empty", nil))

		got, ok, err := cache.Get(ctx, "thread_empty")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Empty(t, got)
	})

	t.Run("should forget a cleared session", func(t *testing.T) {
		require.NoError(t, cache.PutSession(ctx, SessionRecord{SessionID: "thread_1", AgentID: "asst_1"}))
		require.NoError(t, cache.Clear(ctx, "thread_1"))

		_, ok, err := cache.Get(ctx, "thread_1")
		require.NoError(t, err)
		assert.False(t, ok)
		_, ok, err = cache.GetSession(ctx, "thread_1")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestCache_CorruptEntry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	cache, err := NewCache(store)
	require.NoError(t, err)

	require.NoError(t, store.Set(ctx, TranscriptPrefix+"thread_bad", "{not json"))

	msgs, ok, err := cache.Get(ctx, "thread_bad")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, msgs)
}

func TestCache_SessionAndActive(t *testing.T) {
	ctx := context.Background()
	cache, err := NewCache(NewMemoryStore())
	require.NoError(t, err)

	t.Run("should round trip session records", func(t *testing.T) {
		rec := SessionRecord{
			SessionID:      "thread_9",
			AgentID:        "asst_3",
			PersonalityKey: "tough-love",
			CreatedAt:      time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC),
		}
		require.NoError(t, cache.PutSession(ctx, rec))

		got, ok, err := cache.GetSession(ctx, "thread_9")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, rec, got)
	})

	t.Run("should reject a record without id", func(t *testing.T) {
		assert.Error(t, cache.PutSession(ctx, SessionRecord{}))
	})

	t.Run("should remember and forget the active session", func(t *testing.T) {
		_, ok, err := cache.GetActive(ctx, "user-1")
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, cache.SetActive(ctx, "user-1", "thread_9"))
		id, ok, err := cache.GetActive(ctx, "user-1")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "thread_9", id)

		require.NoError(t, cache.ClearActive(ctx, "user-1"))
		_, ok, err = cache.GetActive(ctx, "user-1")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestCache_ClearAll(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)
	cache, err := NewCache(store)
	require.NoError(t, err)

	require.NoError(t, cache.Put(ctx, "thread_1", sampleTranscript()))
	require.NoError(t, cache.Put(ctx, "thread_2", sampleTranscript()))
	require.NoError(t, cache.PutSession(ctx, SessionRecord{SessionID: "thread_1"}))
	require.NoError(t, cache.SetActive(ctx, "user-1", "thread_1"))
	require.NoError(t, store.Set(ctx, "theme", "dark"))
	require.NoError(t, store.Set(ctx, "transcripts-export", "keep"))

	removed, err := cache.ClearAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, removed)

	keys, err := store.Keys(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"theme", "transcripts-export"}, keys)
}

func TestNewCache(t *testing.T) {
	_, err := NewCache(nil)
	assert.Error(t, err)
}
