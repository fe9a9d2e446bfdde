package syncout

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mobiletoly/go-timesync/localstore"
	"github.com/mobiletoly/go-timesync/models"
	"github.com/mobiletoly/go-timesync/remote/remotetest"
	"github.com/mobiletoly/go-timesync/store"
	"github.com/stretchr/testify/require"
)

type harness struct {
	t      *testing.T
	db     *localstore.Store
	store  *store.Store
	server *remotetest.Server
	mgr    *Manager
}

func newHarness(t *testing.T, cfg *Config) *harness {
	t.Helper()
	db, err := localstore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	srv := remotetest.New()
	return &harness{t: t, db: db, store: store.New(db), server: srv, mgr: New(db, srv, cfg)}
}

// do runs an action the way the pipeline does: reducer first, then Sync-Out.
func (h *harness) do(a store.Action) (store.Result, Report, error) {
	h.t.Helper()
	res, err := h.store.Handle(context.Background(), a)
	require.NoError(h.t, err)
	rep, err := h.mgr.Process(context.Background(), res.Messages)
	return res, rep, err
}

func (h *harness) queueSize() int {
	h.t.Helper()
	n, err := h.mgr.Pending(context.Background())
	require.NoError(h.t, err)
	return n
}

func (h *harness) get(kind models.Kind, id uuid.UUID) models.Record {
	h.t.Helper()
	r, err := h.db.Get(context.Background(), kind, id)
	require.NoError(h.t, err)
	return r
}

func (h *harness) workspace(name string) *models.Workspace {
	h.t.Helper()
	res, _, _ := h.do(store.WorkspacePut{Workspace: &models.Workspace{Name: name}})
	return res.Records[0].(*models.Workspace)
}

func entryIn(ws *models.Workspace, desc string) *models.TimeEntry {
	return &models.TimeEntry{
		Workspace:   models.ForeignKey{ID: ws.ID},
		User:        models.ForeignKey{ID: uuid.New(), RemoteID: models.Int64(1)},
		Description: desc,
		Start:       time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC),
		Stop:        models.Time(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)),
	}
}

func TestDirectSendWhenQueueEmpty(t *testing.T) {
	h := newHarness(t, nil)

	_, rep, err := h.do(store.WorkspacePut{Workspace: &models.Workspace{Name: "Acme"}})
	require.NoError(t, err)
	require.Equal(t, 1, rep.Sent)
	require.Zero(t, rep.Enqueued)
	require.Zero(t, h.queueSize())
	require.Equal(t, 1, h.server.Count(models.KindWorkspace))

	ws, err := localstore.Table[*models.Workspace](h.db).First(context.Background())
	require.NoError(t, err)
	require.NotNil(t, ws.RemoteID)
	require.False(t, ws.SyncPending)
}

func TestOfflineCreateIsQueuedAndDeliveredLater(t *testing.T) {
	h := newHarness(t, nil)
	h.server.SetOffline(true)

	res, rep, err := h.do(store.WorkspacePut{Workspace: &models.Workspace{Name: "Acme"}})
	require.Error(t, err)
	require.Equal(t, 1, rep.Enqueued)
	require.Equal(t, 1, h.queueSize())
	id := res.Records[0].Common().ID
	local := h.get(models.KindWorkspace, id)
	require.True(t, local.Common().SyncPending)
	require.Nil(t, local.Common().RemoteID)

	h.server.SetOffline(false)
	rep, err = h.mgr.Drain(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, rep.Sent)
	require.Zero(t, h.queueSize())

	local = h.get(models.KindWorkspace, id)
	require.False(t, local.Common().SyncPending)
	require.NotNil(t, local.Common().RemoteID)
}

func TestQueuedChangesKeepOrderBehindFailure(t *testing.T) {
	h := newHarness(t, nil)
	ws := h.workspace("Acme")

	h.server.SetOffline(true)
	e := entryIn(ws, "v1")
	res, _, err := h.do(store.TimeEntryPut{Entry: e})
	require.Error(t, err)
	entry := res.Records[0].(*models.TimeEntry)

	entry.Description = "v2"
	_, rep, err := h.do(store.TimeEntryPut{Entry: entry})
	require.Error(t, err)
	require.Equal(t, 1, rep.Enqueued)
	require.Equal(t, 2, h.queueSize())

	h.server.SetOffline(false)
	_, err = h.mgr.Drain(context.Background())
	require.NoError(t, err)

	got, ok := h.server.Get(entry.ID)
	require.True(t, ok)
	require.Equal(t, "v2", got.(*models.TimeEntry).Description)
	require.False(t, h.get(models.KindTimeEntry, entry.ID).Common().SyncPending)
	require.Equal(t, 1, h.server.Calls(remotetest.OpUpdate))
}

func TestAtLeastOnceDeliveryWithFailures(t *testing.T) {
	h := newHarness(t, nil)
	ws := h.workspace("Acme")

	const failures = 4
	const entries = 6
	h.server.FailNext(failures, nil)

	enqueued := 0
	for i := 0; i < entries; i++ {
		_, rep, _ := h.do(store.TimeEntryPut{Entry: entryIn(ws, "e")})
		enqueued += rep.Enqueued
	}
	for i := 0; i < failures+1 && h.queueSize() > 0; i++ {
		_, _ = h.mgr.Drain(context.Background())
	}

	require.Zero(t, h.queueSize())
	require.Equal(t, entries, h.server.Count(models.KindTimeEntry))
	require.GreaterOrEqual(t, h.server.Calls(remotetest.OpCreate)-1, enqueued)

	pending, err := localstore.Table[*models.TimeEntry](h.db).Where(func(e *models.TimeEntry) bool { return e.SyncPending }).Count(context.Background())
	require.NoError(t, err)
	require.Zero(t, pending)
}

func TestCrashBetweenSendAndDequeueDoesNotDuplicate(t *testing.T) {
	h := newHarness(t, nil)
	h.server.SetOffline(true)
	res, _, _ := h.do(store.WorkspacePut{Workspace: &models.Workspace{Name: "Acme"}})
	id := res.Records[0].Common().ID
	h.server.SetOffline(false)

	crash := errors.New("process killed")
	h.mgr.afterSend = func(models.Verb, models.Record) error { return crash }
	_, err := h.mgr.Drain(context.Background())
	require.ErrorIs(t, err, crash)
	require.Equal(t, 1, h.queueSize())
	require.Equal(t, 1, h.server.Count(models.KindWorkspace))
	require.Nil(t, h.get(models.KindWorkspace, id).Common().RemoteID)

	// restart: a fresh manager over the same store resends the queued create
	h.mgr = New(h.db, h.server, nil)
	_, err = h.mgr.Drain(context.Background())
	require.NoError(t, err)
	require.Zero(t, h.queueSize())
	require.Equal(t, 1, h.server.Count(models.KindWorkspace))

	server, ok := h.server.Get(id)
	require.True(t, ok)
	require.Equal(t, *server.Common().RemoteID, *h.get(models.KindWorkspace, id).Common().RemoteID)
}

func TestDeleteBeforeFirstSyncCollapses(t *testing.T) {
	h := newHarness(t, nil)
	h.server.SetOffline(true)
	res, _, _ := h.do(store.WorkspacePut{Workspace: &models.Workspace{Name: "Temp"}})
	id := res.Records[0].Common().ID
	h.server.SetOffline(false)

	_, rep, err := h.do(store.RecordDelete{Kind: models.KindWorkspace, ID: id})
	require.NoError(t, err)
	require.Equal(t, 1, rep.Collapsed)
	require.Zero(t, h.queueSize())
	_, err = h.db.Get(context.Background(), models.KindWorkspace, id)
	require.ErrorIs(t, err, localstore.ErrNotFound)
	require.Zero(t, h.server.Calls(remotetest.OpDelete))
	require.Zero(t, h.server.Count(models.KindWorkspace))
}

func TestDeleteBeforeFirstSyncCollapsesQueuedChildren(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	kept := h.workspace("Kept")

	h.server.SetOffline(true)
	res, _, _ := h.do(store.WorkspacePut{Workspace: &models.Workspace{Name: "Temp"}})
	ws := res.Records[0].(*models.Workspace)
	res, _, _ = h.do(store.ProjectPut{Project: &models.Project{Name: "Garden", Workspace: models.ForeignKey{ID: ws.ID}, IsActive: true}})
	project := res.Records[0].(*models.Project)
	entry := entryIn(ws, "weeding")
	entry.Project = &models.ForeignKey{ID: project.ID}
	res, _, _ = h.do(store.TimeEntryPut{Entry: entry})
	entryID := res.Records[0].Common().ID
	res, _, _ = h.do(store.TimeEntryPut{Entry: entryIn(kept, "unrelated")})
	unrelatedID := res.Records[0].Common().ID
	require.Equal(t, 4, h.queueSize())
	h.server.SetOffline(false)

	_, rep, err := h.do(store.RecordDelete{Kind: models.KindWorkspace, ID: ws.ID})
	require.NoError(t, err)
	require.Equal(t, 1, rep.Collapsed)
	// the unrelated entry drains right after the collapse
	require.Equal(t, 1, rep.Sent)
	require.Zero(t, h.queueSize())
	for _, k := range []struct {
		kind models.Kind
		id   uuid.UUID
	}{{models.KindWorkspace, ws.ID}, {models.KindProject, project.ID}, {models.KindTimeEntry, entryID}} {
		_, err := h.db.Get(ctx, k.kind, k.id)
		require.ErrorIs(t, err, localstore.ErrNotFound, "%s %s", k.kind, k.id)
	}

	require.NotNil(t, h.get(models.KindTimeEntry, unrelatedID).Common().RemoteID)
	dead, err := h.db.DeadLetters(ctx, h.mgr.QueueID())
	require.NoError(t, err)
	require.Empty(t, dead)
	require.Zero(t, h.server.Count(models.KindProject))
}

func TestDeleteAfterSyncPurgesTombstone(t *testing.T) {
	h := newHarness(t, nil)
	ws := h.workspace("Acme")

	_, rep, err := h.do(store.RecordDelete{Kind: models.KindWorkspace, ID: ws.ID})
	require.NoError(t, err)
	require.Equal(t, 1, rep.Sent)
	require.Equal(t, 1, h.server.Calls(remotetest.OpDelete))
	require.Zero(t, h.server.Count(models.KindWorkspace))

	_, err = h.db.Get(context.Background(), models.KindWorkspace, ws.ID)
	require.ErrorIs(t, err, localstore.ErrNotFound)
}

func TestDeleteDropsQueuedUpdates(t *testing.T) {
	h := newHarness(t, nil)
	ws := h.workspace("Acme")

	h.server.SetOffline(true)
	ws.Name = "Acme 2"
	_, _, _ = h.do(store.WorkspacePut{Workspace: ws})
	require.Equal(t, 1, h.queueSize())

	_, rep, _ := h.do(store.RecordDelete{Kind: models.KindWorkspace, ID: ws.ID})
	require.Equal(t, 1, rep.Enqueued)
	items, err := h.db.QueueItems(context.Background(), h.mgr.QueueID())
	require.NoError(t, err)
	require.Len(t, items, 1)
	verb, _, err := models.DecodeEnvelope(items[0].Payload)
	require.NoError(t, err)
	require.Equal(t, models.VerbDelete, verb)

	updates := h.server.Calls(remotetest.OpUpdate)
	h.server.SetOffline(false)
	_, err = h.mgr.Drain(context.Background())
	require.NoError(t, err)
	require.Equal(t, updates, h.server.Calls(remotetest.OpUpdate))
	require.Zero(t, h.server.Count(models.KindWorkspace))
}

func TestRejectedChangeIsDeadLettered(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRejections = 3
	h := newHarness(t, cfg)

	ws := &models.Workspace{Name: "Bad"}
	ws.ID = uuid.New()
	h.server.Reject(ws.ID)

	_, _, err := h.do(store.WorkspacePut{Workspace: ws})
	require.Error(t, err)
	require.Equal(t, 1, h.queueSize())

	for i := 0; i < 5 && h.queueSize() > 0; i++ {
		_, _ = h.mgr.Drain(context.Background())
	}
	require.Zero(t, h.queueSize())

	dead, err := h.db.DeadLetters(context.Background(), h.mgr.QueueID())
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.Equal(t, 3, dead[0].Attempts)
	require.True(t, h.get(models.KindWorkspace, ws.ID).Common().SyncPending)

	n, err := h.mgr.Recover(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestDrainContinuesAfterDeadLetter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRejections = 1
	h := newHarness(t, cfg)

	bad := &models.Workspace{Name: "Bad"}
	bad.ID = uuid.New()
	h.server.Reject(bad.ID)
	h.server.SetOffline(true)
	_, _, _ = h.do(store.WorkspacePut{Workspace: bad})
	_, _, _ = h.do(store.WorkspacePut{Workspace: &models.Workspace{Name: "Good"}})
	require.Equal(t, 2, h.queueSize())

	h.server.SetOffline(false)
	rep, err := h.mgr.Drain(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, rep.DeadLettered)
	require.Equal(t, 1, rep.Sent)
	require.Equal(t, 1, h.server.Count(models.KindWorkspace))
}

func TestRecoverRequeuesPendingRecords(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	// written but never handed to Sync-Out, as after a crash mid-send
	res, err := h.store.Handle(ctx, store.WorkspacePut{Workspace: &models.Workspace{Name: "Lost"}})
	require.NoError(t, err)
	id := res.Records[0].Common().ID

	n, err := h.mgr.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = h.mgr.Recover(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	_, err = h.mgr.Drain(ctx)
	require.NoError(t, err)
	require.NotNil(t, h.get(models.KindWorkspace, id).Common().RemoteID)
}

func TestParentRemoteIDIsBackfilledAtSendTime(t *testing.T) {
	h := newHarness(t, nil)
	h.server.SetOffline(true)

	res, _, _ := h.do(store.WorkspacePut{Workspace: &models.Workspace{Name: "Acme"}})
	ws := res.Records[0].(*models.Workspace)
	res, _, _ = h.do(store.TimeEntryPut{Entry: entryIn(ws, "child")})
	entry := res.Records[0].(*models.TimeEntry)
	require.Nil(t, entry.Workspace.RemoteID)
	require.Equal(t, 2, h.queueSize())

	h.server.SetOffline(false)
	_, err := h.mgr.Drain(context.Background())
	require.NoError(t, err)

	wsRemote := *h.get(models.KindWorkspace, ws.ID).Common().RemoteID
	server, ok := h.server.Get(entry.ID)
	require.True(t, ok)
	require.Equal(t, wsRemote, *server.(*models.TimeEntry).Workspace.RemoteID)

	local := h.get(models.KindTimeEntry, entry.ID).(*models.TimeEntry)
	require.Equal(t, wsRemote, *local.Workspace.RemoteID)
}

func TestUnresolvedParentIsRetryable(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	// parent known locally only and not queued
	res, err := h.store.Handle(ctx, store.WorkspacePut{Workspace: &models.Workspace{Name: "Acme"}})
	require.NoError(t, err)
	ws := res.Records[0].(*models.Workspace)

	_, rep, err := h.do(store.TimeEntryPut{Entry: entryIn(ws, "child")})
	require.ErrorIs(t, err, ErrUnresolvedReference)
	require.Equal(t, 1, rep.Enqueued)
	require.Zero(t, h.server.Calls(remotetest.OpCreate))

	_, err = h.mgr.Recover(ctx)
	require.NoError(t, err)
	items, err := h.db.QueueItems(ctx, h.mgr.QueueID())
	require.NoError(t, err)
	require.Len(t, items, 2)
}

func TestUnresolvedParentAtQueueHeadIsDeadLetteredEventually(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRejections = 2
	h := newHarness(t, cfg)
	ctx := context.Background()

	res, err := h.store.Handle(ctx, store.WorkspacePut{Workspace: &models.Workspace{Name: "Orphan parent"}})
	require.NoError(t, err)
	ws := res.Records[0].(*models.Workspace)
	_, _, err = h.do(store.TimeEntryPut{Entry: entryIn(ws, "child")})
	require.ErrorIs(t, err, ErrUnresolvedReference)

	for i := 0; i < 3 && h.queueSize() > 0; i++ {
		_, _ = h.mgr.Drain(ctx)
	}
	require.Zero(t, h.queueSize())
	dead, err := h.db.DeadLetters(ctx, h.mgr.QueueID())
	require.NoError(t, err)
	require.Len(t, dead, 1)
}

func TestUpdateWithoutRemoteIDIsSentAsCreate(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	res, err := h.store.Handle(ctx, store.WorkspacePut{Workspace: &models.Workspace{Name: "Acme"}})
	require.NoError(t, err)
	ws := res.Records[0].(*models.Workspace)
	ws.Name = "Acme 2"
	res, err = h.store.Handle(ctx, store.WorkspacePut{Workspace: ws})
	require.NoError(t, err)
	require.Equal(t, models.VerbUpdate, res.Messages[0].Verb)

	_, err = h.mgr.Process(ctx, res.Messages)
	require.NoError(t, err)
	require.Equal(t, 1, h.server.Calls(remotetest.OpCreate))
	require.Zero(t, h.server.Calls(remotetest.OpUpdate))
}

func TestIncomingMessagesAreIgnored(t *testing.T) {
	h := newHarness(t, nil)
	ws := &models.Workspace{Name: "x"}
	ws.ID = uuid.New()
	rep, err := h.mgr.Process(context.Background(), []models.SyncMessage{models.IncomingMessage(models.VerbCreate, ws)})
	require.NoError(t, err)
	require.Equal(t, Report{}, rep)
}
