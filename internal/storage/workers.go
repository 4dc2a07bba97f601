package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/notebook-fleet/notebook-fleet/pkg/models"
)

// WorkerStore handles worker persistence
type WorkerStore struct {
	db *DB
}

// NewWorkerStore creates a new worker store
func NewWorkerStore(db *DB) *WorkerStore {
	return &WorkerStore{db: db}
}

const workerColumns = `
	id, provider, account_id, tunnel_url, status, capabilities, auto_managed,
	session_started_at, session_duration_seconds, max_session_duration_seconds,
	scheduled_stop_at, weekly_usage_seconds, max_weekly_seconds, week_started_at,
	cooldown_until, provider_limits, last_used_at, created_at, updated_at
`

// Create inserts a new worker and assigns its ID
func (s *WorkerStore) Create(ctx context.Context, worker *models.Worker) error {
	capabilities, err := json.Marshal(worker.Capabilities)
	if err != nil {
		return fmt.Errorf("failed to marshal capabilities: %w", err)
	}
	limits, err := marshalLimits(worker.ProviderLimits)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	worker.CreatedAt = now
	worker.UpdatedAt = now

	query := `
		INSERT INTO workers (
			provider, account_id, tunnel_url, status, capabilities, auto_managed,
			session_started_at, session_duration_seconds, max_session_duration_seconds,
			scheduled_stop_at, weekly_usage_seconds, max_weekly_seconds, week_started_at,
			cooldown_until, provider_limits, last_used_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		worker.Provider, worker.AccountID, nullString(worker.TunnelURL), worker.Status,
		string(capabilities), worker.AutoManaged,
		nullTime(worker.SessionStartedAt), worker.SessionDurationSeconds, worker.MaxSessionDurationSeconds,
		nullTime(worker.ScheduledStopAt), worker.WeeklyUsageSeconds, nullInt(worker.MaxWeeklySeconds),
		nullTime(worker.WeekStartedAt), nullTime(worker.CooldownUntil),
		limits, nullTime(worker.LastUsedAt), worker.CreatedAt, worker.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to create worker: %w", err)
	}

	worker.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get worker id: %w", err)
	}
	return nil
}

// Get retrieves a worker by ID
func (s *WorkerStore) Get(ctx context.Context, id int64) (*models.Worker, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+workerColumns+` FROM workers WHERE id = ?`, id)
	return scanWorker(row)
}

// GetByAccount retrieves a worker by its (provider, accountId) identity
func (s *WorkerStore) GetByAccount(ctx context.Context, provider models.Provider, accountID string) (*models.Worker, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+workerColumns+` FROM workers WHERE provider = ? AND account_id = ?`,
		provider, accountID)
	return scanWorker(row)
}

// WorkerFilter defines criteria for listing workers
type WorkerFilter struct {
	Provider    models.Provider
	Statuses    []models.WorkerStatus
	AutoManaged *bool
}

// List returns workers matching the filter, ordered by id for deterministic
// scheduling slices
func (s *WorkerStore) List(ctx context.Context, filter WorkerFilter) ([]*models.Worker, error) {
	query := `SELECT ` + workerColumns + ` FROM workers WHERE 1=1`
	var args []interface{}

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

	if filter.AutoManaged != nil {
		query += " AND auto_managed = ?"
		args = append(args, *filter.AutoManaged)
	}

	query += " ORDER BY id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	defer rows.Close()

	var workers []*models.Worker
	for rows.Next() {
		worker, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		workers = append(workers, worker)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workers: %w", err)
	}
	return workers, nil
}

// ListAll returns every worker
func (s *WorkerStore) ListAll(ctx context.Context) ([]*models.Worker, error) {
	return s.List(ctx, WorkerFilter{})
}

// ListByStatus returns workers in any of the given statuses
func (s *WorkerStore) ListByStatus(ctx context.Context, statuses ...models.WorkerStatus) ([]*models.Worker, error) {
	return s.List(ctx, WorkerFilter{Statuses: statuses})
}

// ListAutoManaged returns workers owned by auto-discovery
func (s *WorkerStore) ListAutoManaged(ctx context.Context) ([]*models.Worker, error) {
	auto := true
	return s.List(ctx, WorkerFilter{AutoManaged: &auto})
}

// Update persists all mutable worker fields
func (s *WorkerStore) Update(ctx context.Context, worker *models.Worker) error {
	capabilities, err := json.Marshal(worker.Capabilities)
	if err != nil {
		return fmt.Errorf("failed to marshal capabilities: %w", err)
	}
	limits, err := marshalLimits(worker.ProviderLimits)
	if err != nil {
		return err
	}

	worker.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE workers SET
			tunnel_url = ?,
			status = ?,
			capabilities = ?,
			auto_managed = ?,
			session_started_at = ?,
			session_duration_seconds = ?,
			max_session_duration_seconds = ?,
			scheduled_stop_at = ?,
			weekly_usage_seconds = ?,
			max_weekly_seconds = ?,
			week_started_at = ?,
			cooldown_until = ?,
			provider_limits = ?,
			last_used_at = ?,
			updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		nullString(worker.TunnelURL), worker.Status, string(capabilities), worker.AutoManaged,
		nullTime(worker.SessionStartedAt), worker.SessionDurationSeconds, worker.MaxSessionDurationSeconds,
		nullTime(worker.ScheduledStopAt), worker.WeeklyUsageSeconds, nullInt(worker.MaxWeeklySeconds),
		nullTime(worker.WeekStartedAt), nullTime(worker.CooldownUntil),
		limits, nullTime(worker.LastUsedAt), worker.UpdatedAt,
		worker.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update worker: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// Touch records worker activity. This is the durable write backing idle
// eviction decisions; in-memory caches never substitute for it.
func (s *WorkerStore) Touch(ctx context.Context, id int64, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE workers SET last_used_at = ?, updated_at = ? WHERE id = ?`,
		at.UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to touch worker: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a worker row
func (s *WorkerStore) Delete(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM workers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete worker: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// CountByProvider returns the number of auto-managed workers per provider
func (s *WorkerStore) CountByProvider(ctx context.Context) (map[models.Provider]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT provider, COUNT(*) FROM workers
		WHERE auto_managed = 1
		GROUP BY provider
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to count workers: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.Provider]int)
	for rows.Next() {
		var provider models.Provider
		var count int
		if err := rows.Scan(&provider, &count); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[provider] = count
	}
	return counts, rows.Err()
}

// scanner abstracts *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanWorker(row scanner) (*models.Worker, error) {
	worker := &models.Worker{}
	var tunnelURL sql.NullString
	var capabilities, limits string
	var sessionStartedAt, scheduledStopAt, weekStartedAt, cooldownUntil, lastUsedAt sql.NullTime
	var maxWeekly sql.NullInt64

	err := row.Scan(
		&worker.ID, &worker.Provider, &worker.AccountID, &tunnelURL, &worker.Status,
		&capabilities, &worker.AutoManaged,
		&sessionStartedAt, &worker.SessionDurationSeconds, &worker.MaxSessionDurationSeconds,
		&scheduledStopAt, &worker.WeeklyUsageSeconds, &maxWeekly, &weekStartedAt,
		&cooldownUntil, &limits, &lastUsedAt, &worker.CreatedAt, &worker.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan worker: %w", err)
	}

	worker.TunnelURL = tunnelURL.String
	if sessionStartedAt.Valid {
		worker.SessionStartedAt = sessionStartedAt.Time
	}
	if scheduledStopAt.Valid {
		worker.ScheduledStopAt = scheduledStopAt.Time
	}
	if weekStartedAt.Valid {
		worker.WeekStartedAt = weekStartedAt.Time
	}
	if cooldownUntil.Valid {
		worker.CooldownUntil = cooldownUntil.Time
	}
	if lastUsedAt.Valid {
		worker.LastUsedAt = lastUsedAt.Time
	}
	worker.MaxWeeklySeconds = int(maxWeekly.Int64)

	if err := json.Unmarshal([]byte(capabilities), &worker.Capabilities); err != nil {
		return nil, fmt.Errorf("failed to unmarshal capabilities: %w", err)
	}
	if limits != "" && limits != "{}" {
		if err := json.Unmarshal([]byte(limits), &worker.ProviderLimits); err != nil {
			return nil, fmt.Errorf("failed to unmarshal provider limits: %w", err)
		}
	}

	return worker, nil
}

func marshalLimits(limits map[string]string) (string, error) {
	if limits == nil {
		return "{}", nil
	}
	data, err := json.Marshal(limits)
	if err != nil {
		return "", fmt.Errorf("failed to marshal provider limits: %w", err)
	}
	return string(data), nil
}

// nullTime converts a time to sql.NullTime
func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// nullString converts a string to sql.NullString
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullInt converts an int to sql.NullInt64, treating zero as NULL
func nullInt(i int) sql.NullInt64 {
	if i == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(i), Valid: true}
}
