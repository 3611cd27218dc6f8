package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dromero/obralink/backend/internal/model/chat"
	"github.com/dromero/obralink/backend/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "obralink.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedSession(t *testing.T, s *Store, id string) chat.Session {
	t.Helper()
	now := time.Now().UTC()
	session := chat.Session{
		ID:        id,
		UserID:    "u1",
		Status:    chat.StatusActive,
		Metadata:  map[string]string{"site": "north-tower"},
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.InsertSession(context.Background(), session))
	return session
}

func TestInsertAndGetSession(t *testing.T) {
	s := newTestStore(t)
	seedSession(t, s, "s1")

	got, err := s.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, "u1", got.UserID)
	require.Equal(t, chat.StatusActive, got.Status)
	require.Equal(t, "north-tower", got.Metadata["site"])
}

func TestInsertDuplicateSession(t *testing.T) {
	s := newTestStore(t)
	seedSession(t, s, "s1")

	// The lifecycle manager relies on this sentinel to tolerate concurrent
	// lazy creation, so the constraint violation must not stay driver-typed.
	err := s.InsertSession(context.Background(), chat.Session{
		ID: "s1", UserID: "u2", Status: chat.StatusActive,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	})
	require.ErrorIs(t, err, store.ErrDuplicateID)
}

func TestGetSessionNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetSession(context.Background(), "missing")
	require.ErrorIs(t, err, store.ErrSessionNotFound)
}

func TestMessagesKeepArrivalOrder(t *testing.T) {
	s := newTestStore(t)
	seedSession(t, s, "s1")
	ctx := context.Background()

	at := time.Now().UTC()
	for i := 0; i < 5; i++ {
		msg := chat.Message{
			ID:        fmt.Sprintf("m%d", i),
			SessionID: "s1",
			Role:      chat.RoleUser,
			Content:   fmt.Sprintf("turn %d", i),
			CreatedAt: at, // identical timestamps must not reorder
		}
		require.NoError(t, s.AppendMessage(ctx, msg))
	}

	messages, err := s.ListMessages(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, messages, 5)
	for i, msg := range messages {
		require.Equal(t, fmt.Sprintf("turn %d", i), msg.Content)
	}

	tail, err := s.ListMessages(ctx, "s1", 2)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	require.Equal(t, "turn 3", tail[0].Content)
	require.Equal(t, "turn 4", tail[1].Content)
}

func TestDeleteMessages(t *testing.T) {
	s := newTestStore(t)
	seedSession(t, s, "s1")
	ctx := context.Background()

	require.NoError(t, s.AppendMessage(ctx, chat.Message{
		ID: "m1", SessionID: "s1", Role: chat.RoleUser, Content: "hello", CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, s.DeleteMessages(ctx, "s1"))

	messages, err := s.ListMessages(ctx, "s1", 0)
	require.NoError(t, err)
	require.Empty(t, messages)
}

func TestAddUsageIdempotent(t *testing.T) {
	s := newTestStore(t)
	seedSession(t, s, "s1")
	ctx := context.Background()

	usage := chat.Usage{InputTokens: 100, OutputTokens: 40, Cost: 0.02}

	applied, err := s.AddUsage(ctx, "s1", "op-1", usage)
	require.NoError(t, err)
	require.True(t, applied)

	// Retried delivery with the same op id must not double count.
	applied, err = s.AddUsage(ctx, "s1", "op-1", usage)
	require.NoError(t, err)
	require.False(t, applied)

	got, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, 100, got.Usage.InputTokens)
	require.Equal(t, 40, got.Usage.OutputTokens)
	require.InDelta(t, 0.02, got.Usage.Cost, 1e-9)
}

func TestIdleSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stale := chat.Session{
		ID: "old", UserID: "u1", Status: chat.StatusActive,
		CreatedAt: time.Now().UTC().Add(-2 * time.Hour),
		UpdatedAt: time.Now().UTC().Add(-2 * time.Hour),
	}
	require.NoError(t, s.InsertSession(ctx, stale))
	seedSession(t, s, "fresh")

	ids, err := s.IdleSessions(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	require.Equal(t, []string{"old"}, ids)
}

func TestRollup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedSession(t, s, "s1")
	seedSession(t, s, "s2")
	require.NoError(t, s.UpdateSessionStatus(ctx, "s2", chat.StatusCompleted, time.Now().UTC()))

	_, err := s.AddUsage(ctx, "s1", "op-1", chat.Usage{InputTokens: 10, OutputTokens: 5, Cost: 0.01})
	require.NoError(t, err)
	require.NoError(t, s.AppendMessage(ctx, chat.Message{
		ID: "m1", SessionID: "s1", Role: chat.RoleUser, Content: "hi", CreatedAt: time.Now().UTC(),
	}))

	rollup, err := s.Rollup(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rollup.SessionsByStatus[chat.StatusActive])
	require.Equal(t, 1, rollup.SessionsByStatus[chat.StatusCompleted])
	require.Equal(t, 1, rollup.Messages)
	require.Equal(t, 10, rollup.InputTokens)
	require.Equal(t, 5, rollup.OutputTokens)
}
