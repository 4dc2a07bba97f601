package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/notebook-fleet/notebook-fleet/pkg/models"
)

// ProviderEvent is one start/stop history entry. Timestamps round-trip
// through JSON as RFC 3339 strings.
type ProviderEvent struct {
	Provider models.Provider `json:"provider"`
	At       time.Time       `json:"at"`
}

// AlternationState is the durable single-row record backing the alternation
// gate.
type AlternationState struct {
	LastStarted  models.Provider
	LastStopped  models.Provider
	StartHistory []ProviderEvent
	StopHistory  []ProviderEvent
	UpdatedAt    time.Time
}

// AlternationStore persists the alternation gate's single-row state
type AlternationStore struct {
	db *DB
}

// NewAlternationStore creates a new alternation store
func NewAlternationStore(db *DB) *AlternationStore {
	return &AlternationStore{db: db}
}

// Init ensures the singleton row exists. INSERT OR IGNORE keeps this safe
// under multi-process boot.
func (s *AlternationStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO alternation_state (id, start_history, stop_history, updated_at)
		VALUES (1, '[]', '[]', ?)
	`, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to init alternation state: %w", err)
	}
	return nil
}

// Get loads the alternation state
func (s *AlternationStore) Get(ctx context.Context) (*AlternationState, error) {
	var lastStarted, lastStopped sql.NullString
	var startHistory, stopHistory string
	state := &AlternationState{}

	err := s.db.QueryRowContext(ctx, `
		SELECT last_started, last_stopped, start_history, stop_history, updated_at
		FROM alternation_state WHERE id = 1
	`).Scan(&lastStarted, &lastStopped, &startHistory, &stopHistory, &state.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get alternation state: %w", err)
	}

	state.LastStarted = models.Provider(lastStarted.String)
	state.LastStopped = models.Provider(lastStopped.String)
	if err := json.Unmarshal([]byte(startHistory), &state.StartHistory); err != nil {
		return nil, fmt.Errorf("failed to unmarshal start history: %w", err)
	}
	if err := json.Unmarshal([]byte(stopHistory), &state.StopHistory); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stop history: %w", err)
	}
	return state, nil
}

// Save persists the alternation state
func (s *AlternationStore) Save(ctx context.Context, state *AlternationState) error {
	startHistory, err := json.Marshal(state.StartHistory)
	if err != nil {
		return fmt.Errorf("failed to marshal start history: %w", err)
	}
	stopHistory, err := json.Marshal(state.StopHistory)
	if err != nil {
		return fmt.Errorf("failed to marshal stop history: %w", err)
	}

	state.UpdatedAt = time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		UPDATE alternation_state
		SET last_started = ?, last_stopped = ?, start_history = ?, stop_history = ?, updated_at = ?
		WHERE id = 1
	`,
		nullString(string(state.LastStarted)), nullString(string(state.LastStopped)),
		string(startHistory), string(stopHistory), state.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save alternation state: %w", err)
	}
	return nil
}
