package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agentd/agentd/internal/db"
	"github.com/agentd/agentd/internal/session/models"
)

const testOwnerHash = "a665a45920422f9d417e4867efdc4fb8a04a1f3fff1fa07e998e86f7f7a27ae3"

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	writer, err := db.OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("failed to open SQLite database: %v", err)
	}
	s, err := New(db.NewPool(writer, nil))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("failed to close store: %v", err)
		}
	})
	return s
}

func newTestSession(owner string) *models.Session {
	return &models.Session{
		Status:          models.SessionActive,
		Model:           "default",
		Cwd:             "/work",
		OwnerAPIKeyHash: owner,
	}
}

func TestCreateAndGetSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := newTestSession(testOwnerHash)
	sess.Metadata = map[string]any{"team": "search"}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if sess.ID == "" {
		t.Fatal("expected generated session ID")
	}
	if sess.CreatedAt.IsZero() || sess.UpdatedAt.IsZero() {
		t.Fatal("expected timestamps to be set")
	}

	got, err := s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.Status != models.SessionActive {
		t.Errorf("expected active status, got %s", got.Status)
	}
	if got.Model != "default" || got.Cwd != "/work" {
		t.Errorf("unexpected row: %+v", got)
	}
	if got.OwnerAPIKeyHash != testOwnerHash {
		t.Errorf("owner hash mismatch: %s", got.OwnerAPIKeyHash)
	}
	if got.Metadata["team"] != "search" {
		t.Errorf("metadata not round-tripped: %v", got.Metadata)
	}
	if got.ParentSessionID != nil {
		t.Errorf("expected nil parent, got %v", *got.ParentSessionID)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetSession(context.Background(), "11111111-1111-1111-1111-111111111111")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestCreateSessionRequiresOwner(t *testing.T) {
	s := newTestStore(t)

	err := s.CreateSession(context.Background(), newTestSession(""))
	if !errors.Is(err, ErrOwnerScopeRequired) {
		t.Fatalf("expected ErrOwnerScopeRequired, got %v", err)
	}
}

func TestCreateSessionWithParent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	parent := newTestSession(testOwnerHash)
	if err := s.CreateSession(ctx, parent); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	child := newTestSession(testOwnerHash)
	child.ParentSessionID = &parent.ID
	if err := s.CreateSession(ctx, child); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	got, err := s.GetSession(ctx, child.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.ParentSessionID == nil || *got.ParentSessionID != parent.ID {
		t.Errorf("parent not round-tripped: %v", got.ParentSessionID)
	}
}

func TestUpdateSessionStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := newTestSession(testOwnerHash)
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	time.Sleep(2 * time.Millisecond)

	// Counter roll-up while staying active.
	got, err := s.UpdateSessionStatus(ctx, sess.ID, models.SessionActive, 3, 0.42)
	if err != nil {
		t.Fatalf("UpdateSessionStatus failed: %v", err)
	}
	if got.TotalTurns != 3 || got.TotalCostUSD != 0.42 {
		t.Errorf("counters not applied: %+v", got)
	}
	if !got.UpdatedAt.After(sess.UpdatedAt) {
		t.Errorf("updated_at not bumped: %v vs %v", got.UpdatedAt, sess.UpdatedAt)
	}

	// Terminal transition.
	got, err = s.UpdateSessionStatus(ctx, sess.ID, models.SessionCompleted, 5, 1.5)
	if err != nil {
		t.Fatalf("UpdateSessionStatus failed: %v", err)
	}
	if got.Status != models.SessionCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}

	// Terminal sessions never transition again.
	_, err = s.UpdateSessionStatus(ctx, sess.ID, models.SessionError, 5, 1.5)
	if !errors.Is(err, ErrTerminalStatus) {
		t.Fatalf("expected ErrTerminalStatus, got %v", err)
	}

	// Unknown sessions are reported as not found, not as a conflict.
	_, err = s.UpdateSessionStatus(ctx, "22222222-2222-2222-2222-222222222222", models.SessionCompleted, 0, 0)
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestUpdateSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := newTestSession(testOwnerHash)
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	sess.Model = "fast"
	sess.TotalTurns = 7
	sess.Metadata = map[string]any{"label": "retry"}
	if err := s.UpdateSession(ctx, sess); err != nil {
		t.Fatalf("UpdateSession failed: %v", err)
	}

	got, err := s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.Model != "fast" || got.TotalTurns != 7 {
		t.Errorf("update not applied: %+v", got)
	}
	if got.Metadata["label"] != "retry" {
		t.Errorf("metadata not applied: %v", got.Metadata)
	}

	missing := newTestSession(testOwnerHash)
	missing.ID = "33333333-3333-3333-3333-333333333333"
	if err := s.UpdateSession(ctx, missing); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestListSessionsByOwner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	otherOwner := strings.Repeat("b", 64)
	for i := 0; i < 3; i++ {
		if err := s.CreateSession(ctx, newTestSession(testOwnerHash)); err != nil {
			t.Fatalf("CreateSession failed: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}
	if err := s.CreateSession(ctx, newTestSession(otherOwner)); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	sessions, total, err := s.ListSessionsByOwner(ctx, testOwnerHash, 2, 0)
	if err != nil {
		t.Fatalf("ListSessionsByOwner failed: %v", err)
	}
	if total != 3 {
		t.Errorf("expected total 3, got %d", total)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
	if sessions[0].UpdatedAt.Before(sessions[1].UpdatedAt) {
		t.Error("expected newest-first ordering")
	}
	for _, sess := range sessions {
		if sess.OwnerAPIKeyHash != testOwnerHash {
			t.Errorf("foreign session leaked into listing: %s", sess.ID)
		}
	}

	rest, _, err := s.ListSessionsByOwner(ctx, testOwnerHash, 2, 2)
	if err != nil {
		t.Fatalf("ListSessionsByOwner failed: %v", err)
	}
	if len(rest) != 1 {
		t.Errorf("expected 1 session on second page, got %d", len(rest))
	}

	if _, _, err := s.ListSessionsByOwner(ctx, "", 10, 0); !errors.Is(err, ErrOwnerScopeRequired) {
		t.Fatalf("expected ErrOwnerScopeRequired, got %v", err)
	}
}

func TestAddAndListMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := newTestSession(testOwnerHash)
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	kinds := []models.MessageKind{models.MessageKindUser, models.MessageKindAssistant, models.MessageKindResult}
	for i, kind := range kinds {
		content, _ := json.Marshal(map[string]any{"seq": i})
		if _, err := s.AddMessage(ctx, sess.ID, kind, content); err != nil {
			t.Fatalf("AddMessage failed: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	msgs, err := s.ListMessages(ctx, sess.ID, 0, 0)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i, msg := range msgs {
		if msg.Kind != kinds[i] {
			t.Errorf("message %d out of order: %s", i, msg.Kind)
		}
		var payload map[string]any
		if err := json.Unmarshal(msg.Content, &payload); err != nil {
			t.Fatalf("content not valid JSON: %v", err)
		}
		if int(payload["seq"].(float64)) != i {
			t.Errorf("message %d content mismatch: %v", i, payload)
		}
	}

	page, err := s.ListMessages(ctx, sess.ID, 1, 1)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(page) != 1 || page[0].Kind != models.MessageKindAssistant {
		t.Errorf("pagination mismatch: %+v", page)
	}
}

func TestAddMessageUnknownSession(t *testing.T) {
	s := newTestStore(t)

	_, err := s.AddMessage(context.Background(), "44444444-4444-4444-4444-444444444444",
		models.MessageKindUser, json.RawMessage(`{}`))
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestAddMessageInvalidKind(t *testing.T) {
	s := newTestStore(t)

	_, err := s.AddMessage(context.Background(), "any", models.MessageKind("bogus"), nil)
	if err == nil {
		t.Fatal("expected error for invalid kind")
	}
}

func TestCheckpoints(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := newTestSession(testOwnerHash)
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	cp := &models.Checkpoint{
		SessionID:       sess.ID,
		UserMessageUUID: "msg-uuid-1",
		FilesModified:   []string{"main.go", "go.mod"},
	}
	if err := s.AddCheckpoint(ctx, cp); err != nil {
		t.Fatalf("AddCheckpoint failed: %v", err)
	}

	// Duplicate user_message_uuid reports ErrCheckpointExists.
	dup := &models.Checkpoint{SessionID: sess.ID, UserMessageUUID: "msg-uuid-1"}
	if err := s.AddCheckpoint(ctx, dup); !errors.Is(err, ErrCheckpointExists) {
		t.Fatalf("expected ErrCheckpointExists, got %v", err)
	}

	got, err := s.GetCheckpointByUUID(ctx, "msg-uuid-1")
	if err != nil {
		t.Fatalf("GetCheckpointByUUID failed: %v", err)
	}
	if got.SessionID != sess.ID {
		t.Errorf("session mismatch: %s", got.SessionID)
	}
	if len(got.FilesModified) != 2 || got.FilesModified[0] != "main.go" {
		t.Errorf("files not round-tripped: %v", got.FilesModified)
	}

	byID, err := s.GetCheckpoint(ctx, cp.ID)
	if err != nil {
		t.Fatalf("GetCheckpoint failed: %v", err)
	}
	if byID.UserMessageUUID != "msg-uuid-1" {
		t.Errorf("unexpected checkpoint: %+v", byID)
	}

	if _, err := s.GetCheckpointByUUID(ctx, "nope"); !errors.Is(err, ErrCheckpointNotFound) {
		t.Fatalf("expected ErrCheckpointNotFound, got %v", err)
	}

	// Empty file lists survive the round trip as empty, not nil.
	empty := &models.Checkpoint{SessionID: sess.ID, UserMessageUUID: "msg-uuid-2"}
	if err := s.AddCheckpoint(ctx, empty); err != nil {
		t.Fatalf("AddCheckpoint failed: %v", err)
	}
	list, err := s.ListCheckpoints(ctx, sess.ID)
	if err != nil {
		t.Fatalf("ListCheckpoints failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 checkpoints, got %d", len(list))
	}
	if list[1].FilesModified == nil || len(list[1].FilesModified) != 0 {
		t.Errorf("expected empty files list, got %v", list[1].FilesModified)
	}
}

func TestAddCheckpointUnknownSession(t *testing.T) {
	s := newTestStore(t)

	cp := &models.Checkpoint{
		SessionID:       "55555555-5555-5555-5555-555555555555",
		UserMessageUUID: "msg-uuid-9",
	}
	if err := s.AddCheckpoint(context.Background(), cp); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}
