package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kavos113/quickctf/ctf-server/domain"
)

const ctfStateID = 1

// MySQLCTFStateRepository owns the single ctf_state row. Every transition is a
// conditional UPDATE so that concurrent server processes agree on who made it.
type MySQLCTFStateRepository struct {
	db *sql.DB
}

func NewMySQLCTFStateRepository(db *sql.DB) *MySQLCTFStateRepository {
	return &MySQLCTFStateRepository{
		db: db,
	}
}

func (r *MySQLCTFStateRepository) Get(ctx context.Context) (*domain.CTFState, error) {
	if _, err := r.db.ExecContext(ctx, `INSERT IGNORE INTO ctf_state (id, active) VALUES (?, FALSE)`, ctfStateID); err != nil {
		return nil, fmt.Errorf("failed to ensure ctf state: %w", err)
	}

	query := `
		SELECT active, ends_at, paused_remaining_seconds, started_by_user_id, started_at
		FROM ctf_state
		WHERE id = ?
	`

	var (
		state     domain.CTFState
		endsAt    sql.NullTime
		paused    sql.NullInt64
		startedBy sql.NullInt64
		startedAt sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, query, ctfStateID).Scan(
		&state.Active,
		&endsAt,
		&paused,
		&startedBy,
		&startedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read ctf state: %w", err)
	}

	if endsAt.Valid {
		t := endsAt.Time.UTC()
		state.EndsAt = &t
	}
	if paused.Valid {
		state.PausedRemainingSeconds = &paused.Int64
	}
	if startedBy.Valid {
		state.StartedByUserID = &startedBy.Int64
	}
	if startedAt.Valid {
		t := startedAt.Time.UTC()
		state.StartedAt = &t
	}

	return &state, nil
}

func (r *MySQLCTFStateRepository) ExpireIfDue(ctx context.Context, now time.Time) (bool, error) {
	query := `
		UPDATE ctf_state
		SET active = FALSE, ends_at = NULL, paused_remaining_seconds = 0
		WHERE id = ? AND active = TRUE AND ends_at IS NOT NULL AND ends_at <= ?
	`
	return r.exec(ctx, query, ctfStateID, now.UTC())
}

func (r *MySQLCTFStateRepository) Activate(ctx context.Context, endsAt time.Time, startedBy *int64, startedAt time.Time) (bool, error) {
	query := `
		UPDATE ctf_state
		SET active = TRUE, ends_at = ?, paused_remaining_seconds = NULL, started_by_user_id = ?, started_at = ?
		WHERE id = ? AND active = FALSE
	`
	var by sql.NullInt64
	if startedBy != nil {
		by = sql.NullInt64{Int64: *startedBy, Valid: true}
	}
	return r.exec(ctx, query, endsAt.UTC(), by, startedAt.UTC(), ctfStateID)
}

func (r *MySQLCTFStateRepository) Pause(ctx context.Context, remainingSeconds int64) (bool, error) {
	query := `
		UPDATE ctf_state
		SET active = FALSE, ends_at = NULL, paused_remaining_seconds = ?
		WHERE id = ? AND active = TRUE
	`
	return r.exec(ctx, query, remainingSeconds, ctfStateID)
}

func (r *MySQLCTFStateRepository) exec(ctx context.Context, query string, args ...any) (bool, error) {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update ctf state: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}
