package localstore

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mobiletoly/go-timesync/models"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newEntry(desc string, start time.Time) *models.TimeEntry {
	return &models.TimeEntry{
		CommonRecord: models.CommonRecord{ID: uuid.New(), ModifiedAt: start, SyncPending: true},
		Workspace:    models.ForeignKey{ID: uuid.New()},
		User:         models.ForeignKey{ID: uuid.New()},
		Description:  desc,
		Start:        start,
	}
}
