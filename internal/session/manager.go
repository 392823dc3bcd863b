// Package session implements the Session Manager state machine: session
// creation, attach/detach, TTL-driven expiry, and crash recovery.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/noxterm/noxterm/internal/container"
	"github.com/noxterm/noxterm/internal/logger"
	"github.com/noxterm/noxterm/internal/model"
	"github.com/noxterm/noxterm/internal/store"
)

// TTL policy constants (spec §4.4).
const (
	ReadyGrace        = 120 * time.Second
	DefaultIdleTTL     = 600 * time.Second
	SweepInterval      = 10 * time.Second
	TerminatedGrace    = 60 * time.Second
	AuditRetention     = 24 * time.Hour
	RateLimitRetention = time.Hour

	createTimeout = 30 * time.Second
)

var (
	ErrNotAttachable = errors.New("session not attachable")
)

// Manager owns the session lifecycle. One Manager is shared process-wide;
// its Sweep loop is the single background task that advances sessions
// past their TTLs.
type Manager struct {
	store   *store.Store
	adapter container.Adapter
	idleTTL time.Duration

	socksPort func() uint16 // current AES listen port, 0 if disabled
}

func NewManager(st *store.Store, adapter container.Adapter, idleTTL time.Duration, socksPort func() uint16) *Manager {
	if idleTTL <= 0 {
		idleTTL = DefaultIdleTTL
	}
	return &Manager{store: st, adapter: adapter, idleTTL: idleTTL, socksPort: socksPort}
}

// Create runs the full provisioning flow: insert the row Creating, ensure
// the image, create and start the container, then transition to Ready or
// Failed.
func (m *Manager) Create(ctx context.Context, userID, image string, limits model.ResourceLimits) (*model.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, createTimeout)
	defer cancel()

	now := time.Now().UTC()
	sess := &model.Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		Image:          image,
		Status:         model.StatusCreating,
		Limits:         limits,
		CreatedAt:      now,
		LastActivityAt: now,
		Metadata:       map[string]string{},
	}
	if err := m.store.InsertSession(sess); err != nil {
		return nil, err
	}
	m.audit(sess.ID, userID, model.AuditSessionCreate, nil)

	if err := m.provision(ctx, sess); err != nil {
		m.fail(sess.ID, userID, err)
		return nil, err
	}
	sess.Status = model.StatusReady
	m.audit(sess.ID, userID, model.AuditSessionReady, nil)
	return sess, nil
}

func (m *Manager) provision(ctx context.Context, sess *model.Session) error {
	if err := m.adapter.EnsureImage(ctx, sess.Image); err != nil {
		return err
	}
	var port uint16
	if m.socksPort != nil {
		port = m.socksPort()
	}
	ref, err := m.adapter.Create(ctx, sess.Image, sess.Limits, container.MergeEnv(nil), port)
	if err != nil {
		return err
	}
	if err := m.adapter.Start(ctx, ref); err != nil {
		_ = m.adapter.Remove(context.Background(), ref, true)
		return err
	}
	if err := m.store.SetContainerRef(sess.ID, ref); err != nil {
		return err
	}
	sess.ContainerRef = ref
	return m.store.UpdateStatus(sess.ID, model.StatusCreating, model.StatusReady, time.Now())
}

func (m *Manager) fail(id, userID string, cause error) {
	_ = m.store.UpdateStatus(id, model.StatusCreating, model.StatusFailed, time.Now())
	m.audit(id, userID, model.AuditSessionFail, map[string]string{"error": cause.Error()})
}

// Attach binds a PTY bridge to the session: Ready->Attached or
// Detached->Attached. It returns ErrNotAttachable if the row is in any
// other status.
func (m *Manager) Attach(ctx context.Context, id string) (*model.Session, error) {
	sess, err := m.store.GetSession(id)
	if err != nil {
		return nil, err
	}
	switch sess.Status {
	case model.StatusReady:
		if err := m.store.UpdateStatus(id, model.StatusReady, model.StatusAttached, time.Now()); err != nil {
			return nil, err
		}
	case model.StatusDetached:
		if err := m.store.UpdateStatus(id, model.StatusDetached, model.StatusAttached, time.Now()); err != nil {
			return nil, err
		}
	default:
		return nil, ErrNotAttachable
	}
	sess.Status = model.StatusAttached
	m.audit(id, sess.UserID, model.AuditSessionAttach, nil)
	return sess, nil
}

// Detach releases the PTY-bridge claim: Attached->Detached, recording
// expires_at = now + idle_ttl.
func (m *Manager) Detach(ctx context.Context, sess *model.Session) error {
	now := time.Now()
	expiresAt := now.Add(m.idleTTL)
	if err := m.store.SetDetached(sess.ID, model.StatusAttached, now, expiresAt); err != nil {
		return err
	}
	m.audit(sess.ID, sess.UserID, model.AuditSessionDetach, nil)
	return nil
}

// Delete requests termination: Attached->Terminating,
// Detached->Terminating, or Ready->Terminating. Any other status yields a
// wrapped ErrNotAttachable.
func (m *Manager) Delete(ctx context.Context, id string) error {
	sess, err := m.store.GetSession(id)
	if err != nil {
		return err
	}
	switch sess.Status {
	case model.StatusAttached, model.StatusDetached, model.StatusReady:
		if err := m.store.UpdateStatus(id, sess.Status, model.StatusTerminating, time.Now()); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: status=%s", ErrNotAttachable, sess.Status)
	}
	go m.terminate(context.Background(), sess)
	return nil
}

// terminate drives Terminating -> Terminated with bounded exponential
// backoff against CRA stop/remove failures (spec §4.4 sweeper policy).
func (m *Manager) terminate(ctx context.Context, sess *model.Session) {
	bo := newBackoff(time.Second, 60*time.Second)
	const maxAttempts = 5
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if sess.ContainerRef != "" {
			if err := m.adapter.Stop(ctx, sess.ContainerRef, 10); err != nil {
				logger.Warn("stop failed", "session_id", sess.ID, "attempt", attempt, "err", err)
				time.Sleep(bo.next())
				continue
			}
			if err := m.adapter.Remove(ctx, sess.ContainerRef, true); err != nil {
				logger.Warn("remove failed", "session_id", sess.ID, "attempt", attempt, "err", err)
				time.Sleep(bo.next())
				continue
			}
		}
		_ = m.store.SetContainerRef(sess.ID, "")
		if err := m.store.UpdateStatus(sess.ID, model.StatusTerminating, model.StatusTerminated, time.Now()); err != nil {
			logger.Error("finalize failed", "session_id", sess.ID, "err", err)
		}
		m.audit(sess.ID, sess.UserID, model.AuditSessionTerminate, nil)
		return
	}
	// Exhausted retries: leak the handle to the runtime's orphan reaper
	// rather than retrying forever.
	_ = m.store.UpdateStatus(sess.ID, model.StatusTerminating, model.StatusFailed, time.Now())
	m.audit(sess.ID, sess.UserID, model.AuditSessionFail, map[string]string{"reason": "terminate exhausted retries"})
}

func (m *Manager) audit(sessionID, userID string, kind model.AuditKind, payload map[string]string) {
	p := "{}"
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			p = string(b)
		}
	}
	if err := m.store.AppendAudit(model.AuditEvent{
		SessionID: sessionID,
		UserID:    userID,
		Kind:      kind,
		Payload:   p,
		CreatedAt: time.Now(),
	}); err != nil {
		logger.Warn("audit write failed", "err", err)
	}
}
