package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sqlc-dev/pqtype"

	"github.com/studyhive/studyhive/internal/protocol"
	"github.com/studyhive/studyhive/internal/timer"
)

const schema = `
CREATE TABLE IF NOT EXISTS study_rooms (
    code           TEXT PRIMARY KEY,
    name           TEXT NOT NULL,
    creator_id     TEXT NOT NULL,
    participants   JSONB,
    timer_state    TEXT NOT NULL DEFAULT 'idle',
    mode           TEXT NOT NULL DEFAULT 'pomodoro',
    time_remaining INTEGER NOT NULL DEFAULT 0,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresStore persists room records through database/sql.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the room table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure study_rooms schema: %w", err)
	}
	return nil
}

// CreateRoom inserts a new room record. The code must be unused.
func (s *PostgresStore) CreateRoom(ctx context.Context, rec RoomRecord) error {
	participants, err := marshalParticipants(rec.Participants)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO study_rooms (code, name, creator_id, participants, timer_state, mode, time_remaining, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`,
		rec.Code, rec.Name, rec.CreatorID, participants,
		string(rec.TimerState), string(rec.Mode), rec.TimeRemaining, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create room %s: %w", rec.Code, err)
	}
	return nil
}

// GetRoom reads the last persisted record for a room code.
func (s *PostgresStore) GetRoom(ctx context.Context, code string) (*RoomRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT code, name, creator_id, participants, timer_state, mode, time_remaining, created_at, updated_at
		FROM study_rooms WHERE code = $1`, code)

	var (
		rec          RoomRecord
		participants pqtype.NullRawMessage
		state, mode  string
	)
	err := row.Scan(&rec.Code, &rec.Name, &rec.CreatorID, &participants,
		&state, &mode, &rec.TimeRemaining, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, code)
	}
	if err != nil {
		return nil, fmt.Errorf("get room %s: %w", code, err)
	}

	rec.TimerState = timer.State(state)
	rec.Mode = timer.Mode(mode)
	if participants.Valid {
		if err := json.Unmarshal(participants.RawMessage, &rec.Participants); err != nil {
			return nil, fmt.Errorf("unmarshal participants for room %s: %w", code, err)
		}
	}
	return &rec, nil
}

// SaveRoom upserts a checkpoint for an existing room. The updated_at
// guard keeps checkpoints monotonic: a write carrying an older
// snapshot than the stored row is a no-op.
func (s *PostgresStore) SaveRoom(ctx context.Context, rec RoomRecord) error {
	participants, err := marshalParticipants(rec.Participants)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO study_rooms (code, name, creator_id, participants, timer_state, mode, time_remaining, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (code) DO UPDATE SET
			name = EXCLUDED.name,
			participants = EXCLUDED.participants,
			timer_state = EXCLUDED.timer_state,
			mode = EXCLUDED.mode,
			time_remaining = EXCLUDED.time_remaining,
			updated_at = EXCLUDED.updated_at
		WHERE study_rooms.updated_at <= EXCLUDED.updated_at`,
		rec.Code, rec.Name, rec.CreatorID, participants,
		string(rec.TimerState), string(rec.Mode), rec.TimeRemaining,
		rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save room %s: %w", rec.Code, err)
	}
	return nil
}

func marshalParticipants(participants []protocol.Participant) (pqtype.NullRawMessage, error) {
	if len(participants) == 0 {
		return pqtype.NullRawMessage{}, nil
	}
	b, err := json.Marshal(participants)
	if err != nil {
		return pqtype.NullRawMessage{}, fmt.Errorf("marshal participants: %w", err)
	}
	return pqtype.NullRawMessage{RawMessage: b, Valid: true}, nil
}
