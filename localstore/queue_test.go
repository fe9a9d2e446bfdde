package localstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestQueue_FIFO(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, ok, err := s.TryPeek(ctx, "outbox")
	require.NoError(t, err)
	require.False(t, ok)

	for _, p := range []string{"one", "two", "three"} {
		_, err := s.Enqueue(ctx, "outbox", []byte(p))
		require.NoError(t, err)
	}
	n, err := s.QueueSize(ctx, "outbox")
	require.NoError(t, err)
	require.Equal(t, 3, n)

	item, ok, err := s.TryPeek(ctx, "outbox")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "one", string(item.Payload))

	n, err = s.QueueSize(ctx, "outbox")
	require.NoError(t, err)
	require.Equal(t, 3, n, "peek must not remove")

	for _, want := range []string{"one", "two", "three"} {
		item, ok, err := s.TryDequeue(ctx, "outbox")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, want, string(item.Payload))
	}
	_, ok, err = s.TryDequeue(ctx, "outbox")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestQueue_IndependentQueues(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.Enqueue(ctx, "a", []byte("x"))
	require.NoError(t, err)
	n, err := s.QueueSize(ctx, "b")
	require.NoError(t, err)
	require.Zero(t, n)

	_, err = s.Enqueue(ctx, "Bad-Name", []byte("x"))
	require.Error(t, err)
}

func TestQueue_PersistsAcrossRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "local.db")

	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, "outbox", []byte("survivor"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	item, ok, err := s.TryPeek(ctx, "outbox")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "survivor", string(item.Payload))
}

func TestQueue_AttemptsAndDeadLetter(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	seq, err := s.Enqueue(ctx, "outbox", []byte("poison"))
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, "outbox", []byte("next"))
	require.NoError(t, err)

	_, err = s.Update(ctx, func(tx *Tx) error {
		attempts, err := tx.BumpAttempts("outbox", seq, "rejected")
		require.NoError(t, err)
		require.Equal(t, 1, attempts)
		attempts, err = tx.BumpAttempts("outbox", seq, "rejected again")
		require.NoError(t, err)
		require.Equal(t, 2, attempts)

		item, ok, err := tx.TryPeek("outbox")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "rejected again", item.LastError)
		return tx.DeadLetter("outbox", item, "permanently rejected")
	})
	require.NoError(t, err)

	items, err := s.QueueItems(ctx, "outbox")
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "next", string(items[0].Payload))

	dead, err := s.DeadLetters(ctx, "outbox")
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.Equal(t, "poison", string(dead[0].Payload))
	require.Equal(t, 2, dead[0].Attempts)
}
