package session

import (
	"context"
	"time"

	"github.com/noxterm/noxterm/internal/logger"
	"github.com/noxterm/noxterm/internal/model"
)

// Sweep runs the single background task (spec §4.4) that scans for
// expired sessions every SweepInterval, until ctx is canceled. It also
// runs the retention GC for audit/security/rate-limit rows. Grounded on
// the corpus's own reconciliation-ticker daemon loop.
func (m *Manager) Sweep(ctx context.Context) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	gcTicker := time.NewTicker(time.Hour)
	defer gcTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepOnce(ctx)
		case <-gcTicker.C:
			m.gcOnce()
		}
	}
}

func (m *Manager) sweepOnce(ctx context.Context) {
	now := time.Now()

	ids, err := m.store.ExpiredDetached(now)
	if err != nil {
		logger.Warn("expired detached query failed", "err", err)
	}
	for _, id := range ids {
		sess, err := m.store.GetSession(id)
		if err != nil {
			continue
		}
		if err := m.store.UpdateStatus(id, model.StatusDetached, model.StatusTerminating, now); err != nil {
			if err != model.ErrStalePrecondition {
				logger.Warn("detached->terminating failed", "session_id", id, "err", err)
			}
			continue
		}
		go m.terminate(ctx, sess)
	}

	readyIDs, err := m.store.ReadyPastGrace(now.Add(-ReadyGrace))
	if err != nil {
		logger.Warn("ready past grace query failed", "err", err)
	}
	for _, id := range readyIDs {
		sess, err := m.store.GetSession(id)
		if err != nil {
			continue
		}
		if err := m.store.UpdateStatus(id, model.StatusReady, model.StatusTerminating, now); err != nil {
			if err != model.ErrStalePrecondition {
				logger.Warn("ready->terminating failed", "session_id", id, "err", err)
			}
			continue
		}
		go m.terminate(ctx, sess)
	}

	termIDs, err := m.store.TerminatedBefore(now.Add(-TerminatedGrace))
	if err != nil {
		logger.Warn("terminated before query failed", "err", err)
	}
	for _, id := range termIDs {
		if err := m.store.DeleteSession(id); err != nil {
			logger.Warn("delete failed", "session_id", id, "err", err)
		}
	}
}

func (m *Manager) gcOnce() {
	cutoff := time.Now().Add(-AuditRetention)
	if n, err := m.store.PruneAuditLogs(cutoff); err != nil {
		logger.Warn("gc audit logs failed", "err", err)
	} else if n > 0 {
		logger.Debug("gc'd audit/security rows", "count", n)
	}
	if n, err := m.store.PruneMetrics(cutoff); err != nil {
		logger.Warn("gc metrics failed", "err", err)
	} else if n > 0 {
		logger.Debug("gc'd metric rows", "count", n)
	}
	if n, err := m.store.PruneRateLimits(time.Now().Add(-RateLimitRetention)); err != nil {
		logger.Warn("gc rate limits failed", "err", err)
	} else if n > 0 {
		logger.Debug("gc'd rate-limit rows", "count", n)
	}
}

// Reconcile runs once at startup: every row in {Creating, Attached,
// Terminating} is checked against the runtime; if the container is
// still live it falls back to Detached (no client is bound after a
// restart), otherwise it goes straight to Terminated. Grounded on the
// corpus's own pane/container reconciler.
func (m *Manager) Reconcile(ctx context.Context) error {
	rows, err := m.store.ByStatuses(model.StatusCreating, model.StatusAttached, model.StatusTerminating)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, sess := range rows {
		live := false
		if sess.ContainerRef != "" {
			live, _ = m.adapter.IsRunning(ctx, sess.ContainerRef)
		}
		if live {
			expiresAt := now.Add(m.idleTTL)
			if err := m.store.SetDetached(sess.ID, sess.Status, now, expiresAt); err != nil && err != model.ErrStalePrecondition {
				logger.Warn("reconcile ->detached failed", "session_id", sess.ID, "err", err)
			}
			continue
		}
		if err := m.store.UpdateStatus(sess.ID, sess.Status, model.StatusTerminated, now); err != nil && err != model.ErrStalePrecondition {
			logger.Warn("reconcile ->terminated failed", "session_id", sess.ID, "err", err)
		}
	}
	return nil
}
