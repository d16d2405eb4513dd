package service

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentd/agentd/internal/cache"
	"github.com/agentd/agentd/internal/db"
	"github.com/agentd/agentd/internal/session/store"
)

func newTestCheckpoints(t *testing.T) (*CheckpointService, *Service) {
	t.Helper()
	writer, err := db.OpenSQLite(filepath.Join(t.TempDir(), "cp.db"))
	require.NoError(t, err)
	st, err := store.New(db.NewPool(writer, nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	sessions := New(st, cache.NewMemory(nil), time.Hour, nil)
	return NewCheckpointService(st, sessions, nil), sessions
}

func TestRecordIsIdempotent(t *testing.T) {
	cps, sessions := newTestCheckpoints(t)
	ctx := context.Background()

	sess, err := sessions.Create(ctx, CreateParams{}, ownerA)
	require.NoError(t, err)

	const msgUUID = "7f6c0ff2-9e3e-4e3e-8a53-b5cb05e5e8b0"
	require.NoError(t, cps.Record(ctx, sess.ID, msgUUID, []string{"main.go"}))
	require.NoError(t, cps.Record(ctx, sess.ID, msgUUID, []string{"main.go"}))

	list, err := cps.List(ctx, sess.ID, ownerA)
	require.NoError(t, err)
	assert.Len(t, list, 1)
	assert.Equal(t, []string{"main.go"}, list[0].FilesModified)
}

func TestListRequiresOwnership(t *testing.T) {
	cps, sessions := newTestCheckpoints(t)
	ctx := context.Background()

	sess, err := sessions.Create(ctx, CreateParams{}, ownerA)
	require.NoError(t, err)
	require.NoError(t, cps.Record(ctx, sess.ID, "cc3b7c0e-27d4-4b6d-88e5-3f9e0707a001", nil))

	_, err = cps.List(ctx, sess.ID, ownerB)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestValidateRewindTarget(t *testing.T) {
	cps, sessions := newTestCheckpoints(t)
	ctx := context.Background()

	s1, err := sessions.Create(ctx, CreateParams{}, ownerA)
	require.NoError(t, err)
	s2, err := sessions.Create(ctx, CreateParams{}, ownerA)
	require.NoError(t, err)

	const msgUUID = "b3c1e071-4e62-47d7-9a3e-64d7e35b4ac2"
	require.NoError(t, cps.Record(ctx, s1.ID, msgUUID, []string{"a.go", "b.go"}))

	cp, err := cps.ValidateRewindTarget(ctx, s1.ID, ownerA, msgUUID)
	require.NoError(t, err)
	assert.Equal(t, s1.ID, cp.SessionID)

	// Same tenant, wrong session: refused.
	_, err = cps.ValidateRewindTarget(ctx, s2.ID, ownerA, msgUUID)
	assert.ErrorIs(t, err, ErrCrossSessionCheckpoint)

	// Foreign tenant learns nothing, not even that the session exists.
	_, err = cps.ValidateRewindTarget(ctx, s1.ID, ownerB, msgUUID)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = cps.ValidateRewindTarget(ctx, s1.ID, ownerA, "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, store.ErrCheckpointNotFound)
}
