package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/noxterm/noxterm/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestSession(id string) *model.Session {
	now := time.Now().UTC()
	return &model.Session{
		ID:             id,
		UserID:         "alice",
		Image:          "alpine:latest",
		Status:         model.StatusCreating,
		Limits:         model.DefaultResourceLimits(),
		CreatedAt:      now,
		LastActivityAt: now,
	}
}

func TestInsertAndGetSession(t *testing.T) {
	s := openTestStore(t)
	sess := newTestSession("sess-1")
	if err := s.InsertSession(sess); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.InsertSession(sess); err != model.ErrConflict {
		t.Fatalf("want ErrConflict on duplicate insert, got %v", err)
	}

	got, err := s.GetSession("sess-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.UserID != "alice" || got.Status != model.StatusCreating {
		t.Fatalf("unexpected row: %+v", got)
	}

	if _, err := s.GetSession("does-not-exist"); err != model.ErrNotFound {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestUpdateStatusCAS(t *testing.T) {
	s := openTestStore(t)
	sess := newTestSession("sess-2")
	if err := s.InsertSession(sess); err != nil {
		t.Fatalf("insert: %v", err)
	}

	now := time.Now()
	if err := s.UpdateStatus("sess-2", model.StatusCreating, model.StatusReady, now); err != nil {
		t.Fatalf("cas transition: %v", err)
	}

	// A second attempt from the same stale "from" state must fail.
	if err := s.UpdateStatus("sess-2", model.StatusCreating, model.StatusFailed, now); err != model.ErrStalePrecondition {
		t.Fatalf("want ErrStalePrecondition, got %v", err)
	}

	got, err := s.GetSession("sess-2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != model.StatusReady {
		t.Fatalf("status = %s, want Ready", got.Status)
	}
}

func TestExpiredDetached(t *testing.T) {
	s := openTestStore(t)
	sess := newTestSession("sess-3")
	sess.Status = model.StatusDetached
	if err := s.InsertSession(sess); err != nil {
		t.Fatalf("insert: %v", err)
	}
	past := time.Now().Add(-time.Hour)
	if err := s.SetDetached("sess-3", model.StatusDetached, past, past.Add(time.Minute)); err != nil {
		t.Fatalf("set detached: %v", err)
	}

	ids, err := s.ExpiredDetached(time.Now())
	if err != nil {
		t.Fatalf("expired detached: %v", err)
	}
	if len(ids) != 1 || ids[0] != "sess-3" {
		t.Fatalf("ids = %v, want [sess-3]", ids)
	}
}

func TestAuditAndRateLimit(t *testing.T) {
	s := openTestStore(t)
	if err := s.AppendAudit(model.AuditEvent{
		UserID:    "alice",
		Kind:      model.AuditSessionCreate,
		CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("append audit: %v", err)
	}

	windowStart := time.Now().Truncate(time.Minute)
	n1, err := s.IncrRate("alice", "POST /api/sessions", windowStart)
	if err != nil {
		t.Fatalf("incr rate: %v", err)
	}
	n2, err := s.IncrRate("alice", "POST /api/sessions", windowStart)
	if err != nil {
		t.Fatalf("incr rate: %v", err)
	}
	if n1 != 1 || n2 != 2 {
		t.Fatalf("counts = %d, %d; want 1, 2", n1, n2)
	}
}
