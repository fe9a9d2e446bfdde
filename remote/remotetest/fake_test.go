package remotetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mobiletoly/go-timesync/models"
	"github.com/mobiletoly/go-timesync/remote"
	"github.com/stretchr/testify/require"
)

func workspace(name string) *models.Workspace {
	w := &models.Workspace{Name: name}
	w.ID = uuid.New()
	w.Touch(time.Now())
	return w
}

func TestCreateIsIdempotentByClientID(t *testing.T) {
	s := New()
	ctx := context.Background()
	w := workspace("Acme")

	first, err := s.Create(ctx, w)
	require.NoError(t, err)
	second, err := s.Create(ctx, w)
	require.NoError(t, err)

	require.Equal(t, *first.Common().RemoteID, *second.Common().RemoteID)
	require.False(t, first.Common().SyncPending)
	require.Equal(t, 1, s.Count(models.KindWorkspace))
	require.Equal(t, 2, s.Calls(OpCreate))
}

func TestFailureInjection(t *testing.T) {
	s := New()
	ctx := context.Background()

	s.SetOffline(true)
	_, err := s.Create(ctx, workspace("a"))
	require.ErrorIs(t, err, ErrOffline)
	require.Equal(t, remote.ClassNetwork, remote.ClassOf(err))
	s.SetOffline(false)

	s.FailNext(2, nil)
	for i := 0; i < 2; i++ {
		_, err = s.Create(ctx, workspace("b"))
		require.True(t, remote.IsRetryable(err))
	}
	_, err = s.Create(ctx, workspace("c"))
	require.NoError(t, err)

	custom := errors.New("custom")
	s.FailNext(1, custom)
	_, err = s.List(ctx, time.Time{}, 0)
	require.ErrorIs(t, err, custom)

	w := workspace("d")
	s.Reject(w.ID)
	_, err = s.Create(ctx, w)
	require.False(t, remote.IsRetryable(err))
	s.Accept(w.ID)
	_, err = s.Create(ctx, w)
	require.NoError(t, err)
}

func TestListHonoursSinceAndWindow(t *testing.T) {
	s := New()
	now := time.Date(2025, 5, 10, 12, 0, 0, 0, time.UTC)
	s.Now = func() time.Time { return now }
	ctx := context.Background()

	old := s.Seed(workspace("old"))[0]
	now = now.Add(48 * time.Hour)
	recent := s.Seed(workspace("recent"))[0]

	all, err := s.List(ctx, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)

	windowed, err := s.List(ctx, time.Time{}, 1)
	require.NoError(t, err)
	require.Len(t, windowed, 1)
	require.Equal(t, recent.Common().ID, windowed[0].Common().ID)

	since, err := s.List(ctx, now.Add(-time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, since, 1)

	now = now.Add(time.Hour)
	require.NoError(t, s.Delete(ctx, old))
	changed, err := s.List(ctx, now.Add(-time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, changed, 1)
	require.True(t, changed[0].Common().IsDeleted())
}

func TestUpdateUnknownRecordIsNotFound(t *testing.T) {
	s := New()
	w := workspace("x")
	w.RemoteID = models.Int64(99)
	_, err := s.Update(context.Background(), w)
	require.True(t, remote.IsNotFound(err))
	require.False(t, remote.IsRetryable(err))
}
