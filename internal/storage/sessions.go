package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/notebook-fleet/notebook-fleet/pkg/models"
)

// SessionStore handles session persistence
type SessionStore struct {
	db *DB
}

// NewSessionStore creates a new session store
func NewSessionStore(db *DB) *SessionStore {
	return &SessionStore{db: db}
}

const sessionColumns = `
	id, worker_id, session_id, provider, status, tunnel_url,
	started_at, last_activity, expires_at, terminated_at,
	duration_seconds, shutdown_reason
`

// Create inserts a new session row. It uses INSERT OR IGNORE against the
// partial unique index on live sessions; if the insert is ignored the worker
// already holds a live session and ErrAlreadyExists is returned.
func (s *SessionStore) Create(ctx context.Context, session *models.Session) error {
	query := `
		INSERT OR IGNORE INTO sessions (
			worker_id, session_id, provider, status, tunnel_url,
			started_at, last_activity, expires_at, terminated_at,
			duration_seconds, shutdown_reason
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		session.WorkerID, session.SessionID, session.Provider, session.Status,
		nullString(session.TunnelURL),
		session.StartedAt.UTC(), session.LastActivity.UTC(), session.ExpiresAt.UTC(),
		nullTime(session.TerminatedAt),
		session.DurationSeconds, nullString(string(session.ShutdownReason)),
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrAlreadyExists
	}

	session.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get session id: %w", err)
	}
	return nil
}

// Get retrieves a session by ID
func (s *SessionStore) Get(ctx context.Context, id int64) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// GetLiveByWorker returns the worker's live session, if any
func (s *SessionStore) GetLiveByWorker(ctx context.Context, workerID int64) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE worker_id = ? AND status IN ('starting', 'active', 'idle')`, workerID)
	return scanSession(row)
}

// SessionFilter defines criteria for listing sessions
type SessionFilter struct {
	WorkerID          int64
	Provider          models.Provider
	Statuses          []models.SessionStatus
	ExpiresBeforeTime time.Time
	StartedBeforeTime time.Time
	Limit             int
}

// List returns sessions matching the filter
func (s *SessionStore) List(ctx context.Context, filter SessionFilter) ([]*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE 1=1`
	var args []interface{}

	if filter.WorkerID != 0 {
		query += " AND worker_id = ?"
		args = append(args, filter.WorkerID)
	}

	if filter.Provider != "" {
		query += " AND provider = ?"
		args = append(args, filter.Provider)
	}

	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, status := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, status)
		}
		query += fmt.Sprintf(" AND status IN (%s)", strings.Join(placeholders, ","))
	}

	if !filter.ExpiresBeforeTime.IsZero() {
		query += " AND expires_at < ?"
		args = append(args, filter.ExpiresBeforeTime.UTC())
	}

	if !filter.StartedBeforeTime.IsZero() {
		query += " AND started_at < ?"
		args = append(args, filter.StartedBeforeTime.UTC())
	}

	query += " ORDER BY started_at DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}
	return sessions, nil
}

// ListLive returns all sessions in live states
func (s *SessionStore) ListLive(ctx context.Context) ([]*models.Session, error) {
	return s.List(ctx, SessionFilter{Statuses: models.LiveStatuses})
}

// MarkActive promotes a starting session to active and records its tunnel
// URL. The transition is guarded by the current status; ErrStaleStatus is
// returned if a concurrent terminate won the race.
func (s *SessionStore) MarkActive(ctx context.Context, id int64, tunnelURL string) error {
	return s.transition(ctx,
		`UPDATE sessions SET status = ?, tunnel_url = ?, last_activity = ?
		 WHERE id = ? AND status = ?`,
		models.SessionActive, tunnelURL, time.Now().UTC(), id, models.SessionStarting)
}

// MarkIdle moves an active session to idle
func (s *SessionStore) MarkIdle(ctx context.Context, id int64) error {
	return s.transition(ctx,
		`UPDATE sessions SET status = ? WHERE id = ? AND status = ?`,
		models.SessionIdle, id, models.SessionActive)
}

// TouchActivity records activity on a live session
func (s *SessionStore) TouchActivity(ctx context.Context, id int64, at time.Time) error {
	return s.transition(ctx,
		`UPDATE sessions SET last_activity = ?, status = ?
		 WHERE id = ? AND status IN ('active', 'idle')`,
		at.UTC(), models.SessionActive, id)
}

// Terminate moves a live session to its absorbing terminal state. Calling
// it on an already-terminated session is a no-op (ErrStaleStatus), which
// preserves the first recorded shutdown reason.
func (s *SessionStore) Terminate(ctx context.Context, id int64, reason models.ShutdownReason, at time.Time, durationSeconds int) error {
	return s.transition(ctx,
		`UPDATE sessions SET status = ?, shutdown_reason = ?, terminated_at = ?, duration_seconds = ?
		 WHERE id = ? AND status IN ('starting', 'active', 'idle')`,
		models.SessionTerminated, string(reason), at.UTC(), durationSeconds, id)
}

// TerminateStaleStarting reaps sessions stuck in 'starting' since before the
// cutoff. Returns the number of sessions terminated.
func (s *SessionStore) TerminateStaleStarting(ctx context.Context, cutoff time.Time, reason models.ShutdownReason) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, shutdown_reason = ?, terminated_at = ?
		 WHERE status = ? AND started_at < ?`,
		models.SessionTerminated, string(reason), time.Now().UTC(),
		models.SessionStarting, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to reap stale starting sessions: %w", err)
	}
	return result.RowsAffected()
}

// TerminateExpired reaps live sessions whose expiry passed. Returns the
// number of sessions terminated.
func (s *SessionStore) TerminateExpired(ctx context.Context, now time.Time, reason models.ShutdownReason) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, shutdown_reason = ?, terminated_at = ?
		 WHERE status IN ('active', 'idle') AND expires_at < ?`,
		models.SessionTerminated, string(reason), now.UTC(), now.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to reap expired sessions: %w", err)
	}
	return result.RowsAffected()
}

func (s *SessionStore) transition(ctx context.Context, query string, args ...interface{}) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrStaleStatus
	}
	return nil
}

func scanSession(row scanner) (*models.Session, error) {
	session := &models.Session{}
	var tunnelURL, shutdownReason sql.NullString
	var terminatedAt sql.NullTime

	err := row.Scan(
		&session.ID, &session.WorkerID, &session.SessionID, &session.Provider,
		&session.Status, &tunnelURL,
		&session.StartedAt, &session.LastActivity, &session.ExpiresAt, &terminatedAt,
		&session.DurationSeconds, &shutdownReason,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}

	session.TunnelURL = tunnelURL.String
	session.ShutdownReason = models.ShutdownReason(shutdownReason.String)
	if terminatedAt.Valid {
		session.TerminatedAt = terminatedAt.Time
	}
	return session, nil
}
