package store

import (
	"fmt"
	"time"
)

// IncrRate increments the counter for (identifier, endpoint, window_start),
// creating the row on first use, and returns the new count, using the same
// insert-then-bump idiom the corpus uses for its own bandwidth counters.
// The admin surface does not call it: session creation is throttled by the
// in-memory per-IP limiter in internal/admin, which keeps no rows here.
func (s *Store) IncrRate(identifier, endpoint string, windowStart time.Time) (int, error) {
	_, err := s.db.Exec(`INSERT INTO rate_limits (identifier, endpoint, window_start, count)
		VALUES (?, ?, ?, 1)
		ON CONFLICT(identifier, endpoint, window_start) DO UPDATE SET count = count + 1`,
		identifier, endpoint, windowStart.UTC())
	if err != nil {
		return 0, fmt.Errorf("incr rate: %w", err)
	}
	var count int
	err = s.db.QueryRow(`SELECT count FROM rate_limits WHERE identifier = ? AND endpoint = ? AND window_start = ?`,
		identifier, endpoint, windowStart.UTC()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("read rate: %w", err)
	}
	return count, nil
}

// PruneRateLimits deletes windows older than the given cutoff (spec.md
// §4.2 retention: rate-limit windows older than 1h).
func (s *Store) PruneRateLimits(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM rate_limits WHERE window_start < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune rate limits: %w", err)
	}
	return res.RowsAffected()
}
