package syncserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mobiletoly/go-timesync/models"
	"github.com/mobiletoly/go-timesync/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testServer struct {
	http    *httptest.Server
	auth    *JWTAuth
	clock   *testClock
	storage Storage
}

func newTestServer(t *testing.T, storage Storage) *testServer {
	t.Helper()
	if storage == nil {
		storage = NewMemoryStorage()
	}
	clock := &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	jwtAuth := NewJWTAuth(testSecret)
	srv := New(storage, jwtAuth, WithClock(clock.Now))
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	return &testServer{http: hs, auth: jwtAuth, clock: clock, storage: storage}
}

func (ts *testServer) client(t *testing.T, user string) *remote.HTTPClient {
	t.Helper()
	token, err := ts.auth.GenerateToken(user, "device-"+user, time.Hour)
	require.NoError(t, err)
	return remote.NewHTTPClient(ts.http.URL, func(context.Context) (string, error) { return token, nil },
		remote.WithTimeout(5*time.Second))
}

func newWorkspace(name string, modified time.Time) *models.Workspace {
	return &models.Workspace{
		CommonRecord: models.CommonRecord{ID: uuid.New(), ModifiedAt: modified, SyncPending: true},
		Name:         name,
	}
}

func TestServer_CreateIsIdempotentByClientID(t *testing.T) {
	ts := newTestServer(t, nil)
	c := ts.client(t, "alice")
	ctx := context.Background()

	ws := newWorkspace("Acme", ts.clock.Now())
	first, err := c.Create(ctx, ws)
	require.NoError(t, err)
	require.NotNil(t, first.Common().RemoteID)
	assert.False(t, first.Common().SyncPending)
	assert.Equal(t, ws.ID, first.Common().ID)

	again, err := c.Create(ctx, ws)
	require.NoError(t, err)
	assert.Equal(t, *first.Common().RemoteID, *again.Common().RemoteID)

	changes, err := c.List(ctx, time.Time{}, 0)
	require.NoError(t, err)
	assert.Len(t, changes, 1)
}

func TestServer_UpdateAndDelete(t *testing.T) {
	ts := newTestServer(t, nil)
	c := ts.client(t, "alice")
	ctx := context.Background()

	created, err := c.Create(ctx, newWorkspace("Acme", ts.clock.Now()))
	require.NoError(t, err)

	ts.clock.Advance(time.Minute)
	edit := created.Clone().(*models.Workspace)
	edit.Name = "Acme Inc"
	edit.Touch(ts.clock.Now())
	updated, err := c.Update(ctx, edit)
	require.NoError(t, err)
	assert.Equal(t, "Acme Inc", updated.(*models.Workspace).Name)
	assert.Equal(t, *created.Common().RemoteID, *updated.Common().RemoteID)

	ts.clock.Advance(time.Minute)
	require.NoError(t, c.Delete(ctx, updated))

	changes, err := c.List(ctx, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	tomb := changes[0].Common()
	require.True(t, tomb.IsDeleted())
	assert.True(t, ts.clock.Now().Equal(tomb.ModifiedAt))
	assert.Equal(t, created.Common().ID, tomb.ID)
}

func TestServer_UnknownRemoteIDIsNotFound(t *testing.T) {
	ts := newTestServer(t, nil)
	c := ts.client(t, "alice")
	ctx := context.Background()

	ws := newWorkspace("Ghost", ts.clock.Now())
	ws.RemoteID = models.Int64(999)
	_, err := c.Update(ctx, ws)
	require.Error(t, err)
	assert.True(t, remote.IsNotFound(err))
	assert.False(t, remote.IsRetryable(err))

	err = c.Delete(ctx, ws)
	assert.True(t, remote.IsNotFound(err))
}

func TestServer_UsersAreIsolated(t *testing.T) {
	ts := newTestServer(t, nil)
	alice := ts.client(t, "alice")
	bob := ts.client(t, "bob")
	ctx := context.Background()

	created, err := alice.Create(ctx, newWorkspace("Alice's", ts.clock.Now()))
	require.NoError(t, err)

	changes, err := bob.List(ctx, time.Time{}, 0)
	require.NoError(t, err)
	assert.Empty(t, changes)

	err = bob.Delete(ctx, created)
	assert.True(t, remote.IsNotFound(err), "bob cannot delete alice's record")
}

func TestServer_InvalidRecordIsRejected(t *testing.T) {
	ts := newTestServer(t, nil)
	c := ts.client(t, "alice")
	ctx := context.Background()

	_, err := c.Create(ctx, newWorkspace("  ", ts.clock.Now()))
	require.Error(t, err)
	assert.Equal(t, remote.ClassRejected, remote.ClassOf(err))
	assert.Contains(t, err.Error(), CodeInvalidRecord)

	project := &models.Project{
		CommonRecord: models.CommonRecord{ID: uuid.New(), ModifiedAt: ts.clock.Now(), SyncPending: true},
		Name:         "No workspace",
	}
	_, err = c.Create(ctx, project)
	assert.Equal(t, remote.ClassRejected, remote.ClassOf(err))
}

func TestServer_AuthFailuresAreClassifiedAuth(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx := context.Background()

	bad := remote.NewHTTPClient(ts.http.URL, func(context.Context) (string, error) { return "bogus", nil })
	_, err := bad.List(ctx, time.Time{}, 0)
	require.Error(t, err)
	assert.Equal(t, remote.ClassAuth, remote.ClassOf(err))
	assert.True(t, remote.IsRetryable(err))

	anonymous := remote.NewHTTPClient(ts.http.URL, nil)
	_, err = anonymous.List(ctx, time.Time{}, 0)
	assert.Equal(t, remote.ClassAuth, remote.ClassOf(err))
}

func TestServer_ChangesHonorSinceAndWindow(t *testing.T) {
	ts := newTestServer(t, nil)
	c := ts.client(t, "alice")
	ctx := context.Background()

	old, err := c.Create(ctx, newWorkspace("Old", ts.clock.Now()))
	require.NoError(t, err)
	ts.clock.Advance(20 * 24 * time.Hour)
	mark := ts.clock.Now()
	ts.clock.Advance(time.Hour)
	recent, err := c.Create(ctx, newWorkspace("Recent", ts.clock.Now()))
	require.NoError(t, err)

	all, err := c.List(ctx, time.Time{}, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	windowed, err := c.List(ctx, time.Time{}, 14)
	require.NoError(t, err)
	require.Len(t, windowed, 1, "old record is outside the window")
	assert.Equal(t, recent.Common().ID, windowed[0].Common().ID)

	sinceMark, err := c.List(ctx, mark, 60)
	require.NoError(t, err)
	require.Len(t, sinceMark, 1)
	assert.Equal(t, recent.Common().ID, sinceMark[0].Common().ID)
	assert.NotEqual(t, old.Common().ID, sinceMark[0].Common().ID)
}

func TestServer_RequestValidation(t *testing.T) {
	ts := newTestServer(t, nil)
	token, err := ts.auth.GenerateToken("alice", "d1", time.Hour)
	require.NoError(t, err)

	cases := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		code   string
	}{
		{"unknown kind", http.MethodPost, "/v1/invoice", `{}`, http.StatusNotFound, CodeNotFound},
		{"bad json", http.MethodPost, "/v1/workspace", `{`, http.StatusBadRequest, CodeInvalidRequest},
		{"bad remote id", http.MethodPut, "/v1/workspace/abc", `{}`, http.StatusBadRequest, CodeInvalidRequest},
		{"negative remote id", http.MethodDelete, "/v1/workspace/-4", ``, http.StatusBadRequest, CodeInvalidRequest},
		{"bad since", http.MethodGet, "/v1/changes?since=yesterday", ``, http.StatusBadRequest, CodeInvalidRequest},
		{"bad window", http.MethodGet, "/v1/changes?window_days=-1", ``, http.StatusBadRequest, CodeInvalidRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, err := http.NewRequest(tc.method, ts.http.URL+tc.path, strings.NewReader(tc.body))
			require.NoError(t, err)
			req.Header.Set("Authorization", "Bearer "+token)
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tc.status, resp.StatusCode)
			var er remote.ErrorResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&er))
			assert.Equal(t, tc.code, er.Error)
		})
	}
}

func TestServer_HealthNeedsNoToken(t *testing.T) {
	ts := newTestServer(t, nil)
	resp, err := http.Get(ts.http.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_StorageFailureIsServerError(t *testing.T) {
	ts := newTestServer(t, failingStorage{NewMemoryStorage()})
	c := ts.client(t, "alice")

	_, err := c.List(context.Background(), time.Time{}, 0)
	require.Error(t, err)
	assert.Equal(t, remote.ClassServer, remote.ClassOf(err))
	assert.True(t, remote.IsRetryable(err))
}

func TestServer_WithoutAuthUsesUserHeader(t *testing.T) {
	srv := New(NewMemoryStorage(), nil)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)

	c := remote.NewHTTPClient(hs.URL, nil)
	_, err := c.Create(context.Background(), newWorkspace("Open", time.Now()))
	require.NoError(t, err)
	changes, err := c.List(context.Background(), time.Time{}, 0)
	require.NoError(t, err)
	assert.Len(t, changes, 1)
}

func TestChangesFrom(t *testing.T) {
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	recent := now.Add(-time.Hour)
	ancient := now.AddDate(-1, 0, 0)

	assert.Equal(t, time.Time{}, ChangesFrom(time.Time{}, 0, now))
	assert.Equal(t, now.AddDate(0, 0, -14), ChangesFrom(time.Time{}, 14, now))
	assert.Equal(t, recent, ChangesFrom(recent, 14, now))
	assert.Equal(t, now.AddDate(0, 0, -14), ChangesFrom(ancient, 14, now))
	assert.Equal(t, ancient, ChangesFrom(ancient, 0, now))
}

type failingStorage struct{ *MemoryStorage }

func (failingStorage) Changes(context.Context, string, time.Time) ([]models.Record, error) {
	return nil, errors.New("disk on fire")
}
