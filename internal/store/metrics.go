package store

import (
	"fmt"
	"time"

	"github.com/noxterm/noxterm/internal/model"
)

// AppendMetrics inserts a container_metrics sample. The session manager
// does not sample container usage, so nothing in this tree calls it;
// Metrics and PruneMetrics read and expire whatever rows exist.
func (s *Store) AppendMetrics(m model.ContainerMetrics) error {
	_, err := s.db.Exec(`INSERT INTO container_metrics (session_id, sampled_at, cpu_percent, memory_bytes)
		VALUES (?, ?, ?, ?)`, m.SessionID, m.SampledAt.UTC(), m.CPUPercent, m.MemoryBytes)
	if err != nil {
		return fmt.Errorf("append metrics: %w", err)
	}
	return nil
}

// Metrics returns samples for a session, oldest first.
func (s *Store) Metrics(sessionID string) ([]model.ContainerMetrics, error) {
	rows, err := s.db.Query(`SELECT session_id, sampled_at, cpu_percent, memory_bytes
		FROM container_metrics WHERE session_id = ? ORDER BY sampled_at ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	defer rows.Close()
	var out []model.ContainerMetrics
	for rows.Next() {
		var m model.ContainerMetrics
		if err := rows.Scan(&m.SessionID, &m.SampledAt, &m.CPUPercent, &m.MemoryBytes); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// PruneMetrics deletes samples older than the cutoff (spec.md §4.2:
// metrics older than 24h may be garbage-collected).
func (s *Store) PruneMetrics(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM container_metrics WHERE sampled_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
