package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/noxterm/noxterm/internal/model"
)

func marshalMetadata(m map[string]string) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalMetadata(s string) map[string]string {
	m := map[string]string{}
	if s == "" {
		return m
	}
	_ = json.Unmarshal([]byte(s), &m)
	return m
}

// InsertSession inserts a new session row. Fails with model.ErrConflict if
// the id already exists.
func (s *Store) InsertSession(sess *model.Session) error {
	meta, err := marshalMetadata(sess.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO sessions
		(id, user_id, image, status, container_ref, memory_bytes, cpu_shares, pids_max,
		 created_at, last_activity_at, detached_at, expires_at, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.UserID, sess.Image, string(sess.Status), nullString(sess.ContainerRef),
		sess.Limits.MemoryBytes, sess.Limits.CPUShares, sess.Limits.PidsMax,
		sess.CreatedAt.UTC(), sess.LastActivityAt.UTC(), nullTime(sess.DetachedAt), nullTime(sess.ExpiresAt), meta)
	if err != nil {
		if isUniqueViolation(err) {
			return model.ErrConflict
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// UpdateStatus performs the compare-and-set transition central to the
// session manager's state machine: it only succeeds if the row is
// currently in status `from`.
func (s *Store) UpdateStatus(id string, from, to model.Status, now time.Time) error {
	res, err := s.db.Exec(`UPDATE sessions SET status = ?, last_activity_at = ? WHERE id = ? AND status = ?`,
		string(to), now.UTC(), id, string(from))
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return model.ErrStalePrecondition
	}
	return nil
}

// SetContainerRef sets or clears container_ref, independent of a status
// transition (used right after create() succeeds, and right before the
// row is removed).
func (s *Store) SetContainerRef(id, ref string) error {
	_, err := s.db.Exec(`UPDATE sessions SET container_ref = ? WHERE id = ?`, nullString(ref), id)
	if err != nil {
		return fmt.Errorf("set container ref: %w", err)
	}
	return nil
}

// SetDetached records detached_at/expires_at as part of a `from` ->
// Detached transition (Attached on a normal detach; any live status during
// startup reconciliation), and performs the status CAS in the same call.
func (s *Store) SetDetached(id string, from model.Status, detachedAt time.Time, expiresAt time.Time) error {
	res, err := s.db.Exec(`UPDATE sessions SET status = ?, detached_at = ?, expires_at = ?, last_activity_at = ?
		WHERE id = ? AND status = ?`,
		string(model.StatusDetached), detachedAt.UTC(), expiresAt.UTC(), detachedAt.UTC(), id, string(from))
	if err != nil {
		return fmt.Errorf("set detached: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return model.ErrStalePrecondition
	}
	return nil
}

// Touch sets last_activity_at unconditionally, used by the PTY bridge on
// every I/O event.
func (s *Store) Touch(id string, now time.Time) error {
	_, err := s.db.Exec(`UPDATE sessions SET last_activity_at = ? WHERE id = ?`, now.UTC(), id)
	return err
}

func (s *Store) scanSession(row interface {
	Scan(dest ...any) error
}) (*model.Session, error) {
	var sess model.Session
	var status string
	var containerRef sql.NullString
	var detachedAt, expiresAt sql.NullTime
	var metaJSON string
	err := row.Scan(&sess.ID, &sess.UserID, &sess.Image, &status, &containerRef,
		&sess.Limits.MemoryBytes, &sess.Limits.CPUShares, &sess.Limits.PidsMax,
		&sess.CreatedAt, &sess.LastActivityAt, &detachedAt, &expiresAt, &metaJSON)
	if err != nil {
		return nil, err
	}
	sess.Status = model.Status(status)
	if containerRef.Valid {
		sess.ContainerRef = containerRef.String
	}
	if detachedAt.Valid {
		t := detachedAt.Time
		sess.DetachedAt = &t
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		sess.ExpiresAt = &t
	}
	sess.Metadata = unmarshalMetadata(metaJSON)
	return &sess, nil
}

const sessionColumns = `id, user_id, image, status, container_ref, memory_bytes, cpu_shares, pids_max,
		created_at, last_activity_at, detached_at, expires_at, metadata_json`

// GetSession fetches a single session by id, returning model.ErrNotFound
// if it does not exist.
func (s *Store) GetSession(id string) (*model.Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := s.scanSession(row)
	if err == sql.ErrNoRows {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// ListByUser returns sessions for a user, most recently created first.
func (s *Store) ListByUser(userID string, limit int) ([]*model.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`SELECT `+sessionColumns+` FROM sessions WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list by user: %w", err)
	}
	defer rows.Close()
	var out []*model.Session
	for rows.Next() {
		sess, err := s.scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// ExpiredDetached returns the ids of sessions with status=Detached and
// expires_at < now, consumed by the sweeper.
func (s *Store) ExpiredDetached(now time.Time) ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM sessions WHERE status = ? AND expires_at < ?`,
		string(model.StatusDetached), now.UTC())
	if err != nil {
		return nil, fmt.Errorf("expired detached: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ReadyPastGrace returns ids of Ready sessions created before the given
// deadline, used by the sweeper to expire unattached sessions.
func (s *Store) ReadyPastGrace(deadline time.Time) ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM sessions WHERE status = ? AND created_at < ?`,
		string(model.StatusReady), deadline.UTC())
	if err != nil {
		return nil, fmt.Errorf("ready past grace: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ByStatuses returns all sessions whose status is one of the given
// values, used by crash-recovery reconciliation at startup.
func (s *Store) ByStatuses(statuses ...model.Status) ([]*model.Session, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := ""
	args := make([]any, len(statuses))
	for i, st := range statuses {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args[i] = string(st)
	}
	rows, err := s.db.Query(`SELECT `+sessionColumns+` FROM sessions WHERE status IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("by statuses: %w", err)
	}
	defer rows.Close()
	var out []*model.Session
	for rows.Next() {
		sess, err := s.scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// DeleteSession removes a Terminated row after its audit-visibility grace
// window has elapsed.
func (s *Store) DeleteSession(id string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	return err
}

// TerminatedBefore returns ids of Terminated sessions whose last_activity_at
// (set at the moment of the Terminating->Terminated transition) predates
// the grace cutoff, so the sweeper knows which rows are safe to delete.
func (s *Store) TerminatedBefore(cutoff time.Time) ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM sessions WHERE status = ? AND last_activity_at < ?`,
		string(model.StatusTerminated), cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("terminated before: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite surfaces constraint violations as a generic error
	// whose message contains this substring; there is no typed sentinel.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
