package store

import (
	"fmt"
	"time"
)

// PruneAuditLogs deletes audit_logs and security_events rows older than
// the cutoff (spec.md §4.2: audit rows older than 24h may be GC'd).
func (s *Store) PruneAuditLogs(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM audit_logs WHERE created_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune audit logs: %w", err)
	}
	n1, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	res2, err := s.db.Exec(`DELETE FROM security_events WHERE created_at < ?`, cutoff.UTC())
	if err != nil {
		return n1, fmt.Errorf("prune security events: %w", err)
	}
	n2, err := res2.RowsAffected()
	if err != nil {
		return n1, err
	}
	return n1 + n2, nil
}
