package service

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentd/agentd/internal/cache"
	"github.com/agentd/agentd/internal/common/apikey"
	"github.com/agentd/agentd/internal/db"
	"github.com/agentd/agentd/internal/session/models"
	"github.com/agentd/agentd/internal/session/store"
)

var (
	ownerA = apikey.Hash("tenant-a-key")
	ownerB = apikey.Hash("tenant-b-key")
)

func newTestService(t *testing.T) (*Service, store.Store, cache.Cache) {
	t.Helper()
	writer, err := db.OpenSQLite(filepath.Join(t.TempDir(), "svc.db"))
	require.NoError(t, err)
	st, err := store.New(db.NewPool(writer, nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	c := cache.NewMemory(nil)
	return New(st, c, time.Hour, nil), st, c
}

func TestCreateDualWrites(t *testing.T) {
	svc, _, c := newTestService(t)
	ctx := context.Background()

	sess, err := svc.Create(ctx, CreateParams{Model: "opus", Cwd: "/work"}, ownerA)
	require.NoError(t, err)
	require.NotEmpty(t, sess.ID)
	assert.Equal(t, models.SessionActive, sess.Status)

	var cached models.Session
	hit, err := c.GetJSON(ctx, cache.SessionKey(sess.ID), &cached)
	require.NoError(t, err)
	assert.True(t, hit, "session should be cached after create")

	members, err := c.SetMembers(ctx, cache.OwnerIndexKey(ownerA))
	require.NoError(t, err)
	assert.Contains(t, members, sess.ID)
}

func TestCreateRejectsUnknownParent(t *testing.T) {
	svc, _, _ := newTestService(t)
	parent := "0c20db0a-2b2f-4a46-ae26-74adb8684bb1"
	_, err := svc.Create(context.Background(), CreateParams{ParentSessionID: &parent}, ownerA)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestGetOwnershipMismatchIsNotFound(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	sess, err := svc.Create(ctx, CreateParams{}, ownerA)
	require.NoError(t, err)

	// Tenant B must get the same answer as for a nonexistent ID.
	_, err = svc.Get(ctx, sess.ID, ownerB)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = svc.Get(ctx, "e18cd1fd-55a7-4725-8d3a-a20e0c2da5a5", ownerB)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestGetRepopulatesCache(t *testing.T) {
	svc, _, c := newTestService(t)
	ctx := context.Background()

	sess, err := svc.Create(ctx, CreateParams{}, ownerA)
	require.NoError(t, err)
	require.NoError(t, c.Delete(ctx, cache.SessionKey(sess.ID)))

	got, err := svc.Get(ctx, sess.ID, ownerA)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)

	var cached models.Session
	hit, err := c.GetJSON(ctx, cache.SessionKey(sess.ID), &cached)
	require.NoError(t, err)
	assert.True(t, hit, "cache-aside read should repopulate the cache")
}

func TestListScopedByOwner(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.Create(ctx, CreateParams{}, ownerA)
		require.NoError(t, err)
	}
	_, err := svc.Create(ctx, CreateParams{}, ownerB)
	require.NoError(t, err)

	pageA, err := svc.List(ctx, ownerA, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, pageA.Total)
	assert.Len(t, pageA.Sessions, 3)

	pageB, err := svc.List(ctx, ownerB, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, pageB.Total)

	_, err = svc.List(ctx, "", 1, 10)
	assert.Error(t, err, "unscoped listing must be refused")
}

func TestListFallsBackToStoreOnEmptyIndex(t *testing.T) {
	svc, _, c := newTestService(t)
	ctx := context.Background()

	sess, err := svc.Create(ctx, CreateParams{}, ownerA)
	require.NoError(t, err)
	// Wipe the whole cache side; only the store knows the session now.
	require.NoError(t, c.Delete(ctx, cache.SessionKey(sess.ID), cache.OwnerIndexKey(ownerA)))

	page, err := svc.List(ctx, ownerA, 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Sessions, 1)
	assert.Equal(t, sess.ID, page.Sessions[0].ID)
}

func TestUpdateSerializesConcurrentMutations(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	sess, err := svc.Create(ctx, CreateParams{}, ownerA)
	require.NoError(t, err)

	const workers = 8
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Update(ctx, sess.ID, ownerA, func(s *models.Session) error {
				s.TotalTurns++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := svc.Get(ctx, sess.ID, ownerA)
	require.NoError(t, err)
	assert.Equal(t, workers, got.TotalTurns, "every increment must observe the previous one")
}

func TestUpdateOwnershipMismatch(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	sess, err := svc.Create(ctx, CreateParams{}, ownerA)
	require.NoError(t, err)

	_, err = svc.Update(ctx, sess.ID, ownerB, func(s *models.Session) error {
		s.TotalTurns = 99
		return nil
	})
	assert.ErrorIs(t, err, ErrSessionNotFound)

	got, err := svc.Get(ctx, sess.ID, ownerA)
	require.NoError(t, err)
	assert.Zero(t, got.TotalTurns)
}

func TestUpdateLockContention(t *testing.T) {
	svc, _, c := newTestService(t)
	ctx := context.Background()

	sess, err := svc.Create(ctx, CreateParams{}, ownerA)
	require.NoError(t, err)

	// Hold the lock from "another instance" for longer than the deadline.
	_, ok, err := c.AcquireLock(ctx, cache.SessionLockKey(sess.ID), 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	start := time.Now()
	_, err = svc.Update(ctx, sess.ID, ownerA, func(s *models.Session) error { return nil })
	assert.ErrorIs(t, err, ErrSessionLocked)
	assert.GreaterOrEqual(t, time.Since(start), lockDeadline)
}

func TestCompleteClearsMarkersAndIsTerminal(t *testing.T) {
	svc, _, c := newTestService(t)
	ctx := context.Background()

	sess, err := svc.Create(ctx, CreateParams{}, ownerA)
	require.NoError(t, err)
	require.NoError(t, c.SetMarker(ctx, cache.ActiveSessionKey(sess.ID), time.Hour))
	require.NoError(t, c.SetMarker(ctx, cache.InterruptKey(sess.ID), time.Hour))

	done, err := svc.Complete(ctx, sess.ID, models.SessionCompleted, 4, 0.12)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, done.Status)
	assert.Equal(t, 4, done.TotalTurns)

	for _, key := range []string{cache.ActiveSessionKey(sess.ID), cache.InterruptKey(sess.ID)} {
		exists, err := c.Exists(ctx, key)
		require.NoError(t, err)
		assert.False(t, exists, "marker %s should be cleared", key)
	}

	// Terminal is terminal.
	_, err = svc.Complete(ctx, sess.ID, models.SessionError, 5, 0.2)
	assert.ErrorIs(t, err, ErrSessionTerminal)
}

func TestRecordMessageRequiresSession(t *testing.T) {
	svc, _, _ := newTestService(t)
	err := svc.RecordMessage(context.Background(), "6a36e1c9-24ff-4b39-a0e4-5b63b3b7a9ec",
		models.MessageKindUser, json.RawMessage(`{"text":"hi"}`))
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
