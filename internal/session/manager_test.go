package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/noxterm/noxterm/internal/container/fake"
	"github.com/noxterm/noxterm/internal/model"
	"github.com/noxterm/noxterm/internal/store"
)

func newTestManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	adapter := fake.NewAdapter()
	m := NewManager(st, adapter, 50*time.Millisecond, func() uint16 { return 0 })
	return m, st
}

func TestCreateTransitionsToReady(t *testing.T) {
	m, _ := newTestManager(t)
	sess, err := m.Create(context.Background(), "alice", "alpine:latest", model.DefaultResourceLimits())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sess.Status != model.StatusReady {
		t.Fatalf("status = %s, want Ready", sess.Status)
	}
	if sess.ContainerRef == "" {
		t.Fatal("container ref not set")
	}
}

func TestAttachDetachCycle(t *testing.T) {
	m, st := newTestManager(t)
	sess, err := m.Create(context.Background(), "alice", "alpine:latest", model.DefaultResourceLimits())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	attached, err := m.Attach(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if attached.Status != model.StatusAttached {
		t.Fatalf("status = %s, want Attached", attached.Status)
	}

	if err := m.Detach(context.Background(), attached); err != nil {
		t.Fatalf("detach: %v", err)
	}
	got, err := st.GetSession(sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != model.StatusDetached {
		t.Fatalf("status = %s, want Detached", got.Status)
	}

	if _, err := m.Attach(context.Background(), sess.ID); err != nil {
		t.Fatalf("reattach: %v", err)
	}
}

func TestAttachRejectsWrongState(t *testing.T) {
	m, _ := newTestManager(t)
	sess, err := m.Create(context.Background(), "alice", "alpine:latest", model.DefaultResourceLimits())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.Attach(context.Background(), sess.ID); err != nil {
		t.Fatalf("first attach: %v", err)
	}
	if _, err := m.Attach(context.Background(), sess.ID); err != ErrNotAttachable {
		t.Fatalf("second attach = %v, want ErrNotAttachable", err)
	}
}
