package store

import (
	"fmt"
	"time"

	"github.com/noxterm/noxterm/internal/model"
)

// AppendAudit inserts an append-only audit_logs row, mirroring the
// corpus's own append-only audit writer.
func (s *Store) AppendAudit(e model.AuditEvent) error {
	_, err := s.db.Exec(`INSERT INTO audit_logs (session_id, user_id, kind, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		nullString(e.SessionID), e.UserID, string(e.Kind), orDefault(e.Payload, "{}"), e.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// AppendSecurity inserts a security_events row (written by the transport
// endpoint when the PTY bridge reports a bad-frame flood or an oversized
// frame).
func (s *Store) AppendSecurity(e model.AuditEvent) error {
	_, err := s.db.Exec(`INSERT INTO security_events (session_id, user_id, kind, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		nullString(e.SessionID), e.UserID, string(e.Kind), orDefault(e.Payload, "{}"), e.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("append security: %w", err)
	}
	return nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
