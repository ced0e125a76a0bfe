package sessionstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/capi-project/capi-core/internal/store"
	"github.com/capi-project/capi-core/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "capi.db"))
	require.NoError(t, err)
	s := New(db, zerolog.Nop())
	t.Cleanup(func() {
		s.Close()
		db.Close()
	})
	return s
}

func TestCreateAndGetSession(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	created, err := s.CreateSession(ctx, "tinyllama-q4", "first chat")
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	got, err := s.GetSession(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, "first chat", got.Title)
	require.Equal(t, "tinyllama-q4", got.ModelID)
	require.Equal(t, 0, got.MessageCount)
}

func TestGetMissingSessionErrors(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetSession(context.Background(), "nope")
	require.Error(t, err)
}

func TestAppendMessageAssignsDenseSequence(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	sess, err := s.CreateSession(ctx, "m1", "")
	require.NoError(t, err)

	m1, err := s.AppendMessage(ctx, sess.ID, types.RoleUser, "hello")
	require.NoError(t, err)
	require.Equal(t, int64(0), m1.Sequence)

	m2, err := s.AppendMessage(ctx, sess.ID, types.RoleAssistant, "hi there")
	require.NoError(t, err)
	require.Equal(t, int64(1), m2.Sequence)

	msgs, err := s.GetMessages(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "hello", msgs[0].Content)
	require.Equal(t, "hi there", msgs[1].Content)
}

func TestAppendMessageBumpsSessionUpdatedAt(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	sess, err := s.CreateSession(ctx, "m1", "")
	require.NoError(t, err)

	_, err = s.AppendMessage(ctx, sess.ID, types.RoleUser, "hello")
	require.NoError(t, err)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.MessageCount)
	require.False(t, got.UpdatedAt.Before(sess.UpdatedAt))
}

func TestDeleteSessionRemovesMessages(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	sess, err := s.CreateSession(ctx, "m1", "")
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, sess.ID, types.RoleUser, "hello")
	require.NoError(t, err)

	require.NoError(t, s.DeleteSession(ctx, sess.ID))

	_, err = s.GetSession(ctx, sess.ID)
	require.Error(t, err)
	msgs, err := s.GetMessages(ctx, sess.ID)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestListSessionsOrdersByUpdatedAtDesc(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	a, err := s.CreateSession(ctx, "m1", "a")
	require.NoError(t, err)
	_, err = s.CreateSession(ctx, "m1", "b")
	require.NoError(t, err)

	// touch "a" so it becomes most recently updated
	_, err = s.AppendMessage(ctx, a.ID, types.RoleUser, "ping")
	require.NoError(t, err)

	sessions, err := s.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	require.Equal(t, a.ID, sessions[0].ID)
}

func TestConcurrentAppendsSerializeWithoutLostUpdates(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	sess, err := s.CreateSession(ctx, "m1", "")
	require.NoError(t, err)

	const n = 20
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := s.AppendMessage(ctx, sess.ID, types.RoleUser, "x")
			errCh <- err
		}()
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errCh)
	}

	msgs, err := s.GetMessages(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, n)
	seen := make(map[int64]bool, n)
	for _, m := range msgs {
		require.False(t, seen[m.Sequence], "duplicate sequence %d", m.Sequence)
		seen[m.Sequence] = true
	}
}
