package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mobiletoly/go-timesync/localstore"
	"github.com/mobiletoly/go-timesync/models"
	"github.com/stretchr/testify/require"
)

func serverEntry(remoteID int64, desc string, modified time.Time) *models.TimeEntry {
	return &models.TimeEntry{
		CommonRecord: models.CommonRecord{ID: uuid.New(), RemoteID: models.Int64(remoteID), ModifiedAt: modified},
		Workspace:    wsKey,
		User:         userKey,
		Description:  desc,
		Start:        modified.Add(-time.Hour),
		Stop:         models.Time(modified),
	}
}

func TestMergeInsertsNewServerRecords(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	in := serverEntry(100, "from web", clock.now)
	res, err := s.Handle(ctx, ServerRecordsReceived{Records: []models.Record{in}})
	require.NoError(t, err)
	require.Len(t, res.Messages, 1)
	require.Equal(t, models.Incoming, res.Messages[0].Direction)
	require.Equal(t, models.VerbCreate, res.Messages[0].Verb)
	require.Empty(t, res.Outgoing())

	stored, err := s.DB().GetByRemoteID(ctx, models.KindTimeEntry, 100)
	require.NoError(t, err)
	require.False(t, stored.Common().SyncPending)
}

func TestMergeKeepsNewerLocalVersion(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	in := serverEntry(7, "server", clock.now)
	_, err := s.Handle(ctx, ServerRecordsReceived{Records: []models.Record{in}})
	require.NoError(t, err)

	clock.Advance(time.Minute)
	local, err := s.DB().Get(ctx, models.KindTimeEntry, in.ID)
	require.NoError(t, err)
	edited := local.(*models.TimeEntry)
	edited.Description = "local edit"
	_, err = s.Handle(ctx, TimeEntryPut{Entry: edited})
	require.NoError(t, err)

	stale := in.Clone().(*models.TimeEntry)
	stale.Description = "stale server"
	res, err := s.Handle(ctx, ServerRecordsReceived{Records: []models.Record{stale}})
	require.NoError(t, err)
	require.Empty(t, res.Messages)

	got, err := s.DB().Get(ctx, models.KindTimeEntry, in.ID)
	require.NoError(t, err)
	require.Equal(t, "local edit", got.(*models.TimeEntry).Description)
	require.True(t, got.Common().SyncPending)
}

func TestMergeNewerServerVersionWins(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	res, err := s.Handle(ctx, TimeEntryPut{Entry: draftEntry("local")})
	require.NoError(t, err)
	local := res.Records[0].(*models.TimeEntry)

	remoteVersion := local.Clone().(*models.TimeEntry)
	remoteVersion.RemoteID = models.Int64(55)
	remoteVersion.SyncPending = false
	remoteVersion.ModifiedAt = clock.now.Add(time.Hour)
	remoteVersion.Description = "server"
	res, err = s.Handle(ctx, ServerRecordsReceived{Records: []models.Record{remoteVersion}})
	require.NoError(t, err)
	require.Len(t, res.Messages, 1)
	require.Equal(t, models.VerbUpdate, res.Messages[0].Verb)

	got, err := s.DB().Get(ctx, models.KindTimeEntry, local.ID)
	require.NoError(t, err)
	require.Equal(t, "server", got.(*models.TimeEntry).Description)
	require.False(t, got.Common().SyncPending)
}

func TestMergeMatchesByRemoteIDAndKeepsLocalID(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	in := serverEntry(31, "v1", clock.now)
	_, err := s.Handle(ctx, ServerRecordsReceived{Records: []models.Record{in}})
	require.NoError(t, err)

	again := serverEntry(31, "v2", clock.now.Add(time.Minute))
	_, err = s.Handle(ctx, ServerRecordsReceived{Records: []models.Record{again}})
	require.NoError(t, err)

	all, err := localstore.Table[*models.TimeEntry](s.DB()).All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, in.ID, all[0].ID)
	require.Equal(t, "v2", all[0].Description)
}

func TestMergeServerTombstonePurges(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	in := serverEntry(12, "doomed", clock.now)
	_, err := s.Handle(ctx, ServerRecordsReceived{Records: []models.Record{in}})
	require.NoError(t, err)

	tomb := in.Clone().(*models.TimeEntry)
	tomb.DeletedAt = models.Time(clock.now.Add(time.Minute))
	tomb.ModifiedAt = clock.now.Add(time.Minute)
	res, err := s.Handle(ctx, ServerRecordsReceived{Records: []models.Record{tomb}})
	require.NoError(t, err)
	require.Len(t, res.Messages, 1)
	require.Equal(t, models.VerbDelete, res.Messages[0].Verb)

	_, err = s.DB().Get(ctx, models.KindTimeEntry, in.ID)
	require.ErrorIs(t, err, localstore.ErrNotFound)

	// unknown tombstones are ignored
	res, err = s.Handle(ctx, ServerRecordsReceived{Records: []models.Record{serverEntry(13, "x", clock.now)}})
	require.NoError(t, err)
	require.Len(t, res.Messages, 1)
	ghost := serverEntry(14, "ghost", clock.now)
	ghost.DeletedAt = models.Time(clock.now)
	res, err = s.Handle(ctx, ServerRecordsReceived{Records: []models.Record{ghost}})
	require.NoError(t, err)
	require.Empty(t, res.Messages)
}

func TestMergeResolvesParentsInsideBatch(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	project := &models.Project{
		CommonRecord: models.CommonRecord{ID: uuid.New(), RemoteID: models.Int64(300), ModifiedAt: clock.now},
		Workspace:    wsKey,
		Name:         "Site",
	}
	child := serverEntry(301, "child", clock.now)
	child.Project = &models.ForeignKey{RemoteID: models.Int64(300)}

	// child first: the merge orders parents before children
	_, err := s.Handle(ctx, ServerRecordsReceived{Records: []models.Record{child, project}})
	require.NoError(t, err)

	got, err := s.DB().GetByRemoteID(ctx, models.KindTimeEntry, 301)
	require.NoError(t, err)
	require.Equal(t, project.ID, got.(*models.TimeEntry).Project.ID)
}

func TestMergeLearnsRemoteIDForWinningLocalVersion(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	res, err := s.Handle(ctx, ProjectPut{Project: &models.Project{Workspace: wsKey, Name: "P"}})
	require.NoError(t, err)
	project := res.Records[0].(*models.Project)
	res, err = s.Handle(ctx, TimeEntryPut{Entry: func() *models.TimeEntry {
		e := draftEntry("child")
		e.Project = &models.ForeignKey{ID: project.ID}
		return e
	}()})
	require.NoError(t, err)
	child := res.Records[0].(*models.TimeEntry)
	require.Nil(t, child.Project.RemoteID)

	// server echo of an older version of the same project
	echo := project.Clone().(*models.Project)
	echo.RemoteID = models.Int64(400)
	echo.SyncPending = false
	echo.ModifiedAt = clock.now.Add(-time.Hour)
	res, err = s.Handle(ctx, ServerRecordsReceived{Records: []models.Record{echo}})
	require.NoError(t, err)
	require.Empty(t, res.Messages)

	got, err := s.DB().Get(ctx, models.KindProject, project.ID)
	require.NoError(t, err)
	require.Equal(t, int64(400), *got.Common().RemoteID)
	require.True(t, got.Common().SyncPending)

	gotChild, err := s.DB().Get(ctx, models.KindTimeEntry, child.ID)
	require.NoError(t, err)
	require.Equal(t, int64(400), *gotChild.(*models.TimeEntry).Project.RemoteID)
}

func TestMergeFailureRollsBackWholeBatch(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	batch := []models.Record{
		serverEntry(1, "a", clock.now),
		serverEntry(2, "b", clock.now),
		serverEntry(3, "c", clock.now),
		serverEntry(4, "d", clock.now),
		serverEntry(5, "e", clock.now),
	}
	batch[2].Common().RemoteID = nil

	_, err := s.Handle(ctx, ServerRecordsReceived{Records: batch})
	require.ErrorIs(t, err, models.ErrInvalidRecord)
	require.ErrorContains(t, err, "record 3 of 5")

	n, err := localstore.Table[*models.TimeEntry](s.DB()).IncludeDeleted().Count(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}
