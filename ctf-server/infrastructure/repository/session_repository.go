package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/kavos113/quickctf/ctf-server/domain"
)

type MySQLSessionRepository struct {
	db *sql.DB
}

func NewMySQLSessionRepository(db *sql.DB) *MySQLSessionRepository {
	return &MySQLSessionRepository{
		db: db,
	}
}

func (r *MySQLSessionRepository) FindByToken(ctx context.Context, token string) (*domain.Session, error) {
	query := `
		SELECT s.id, s.user_id, tm.team_id, s.token, s.is_admin, s.expires_at, s.created_at
		FROM sessions s
		LEFT JOIN team_members tm ON tm.user_id = s.user_id
		WHERE s.token = ?
	`

	var session domain.Session
	var teamID sql.NullInt64

	err := r.db.QueryRowContext(ctx, query, token).Scan(
		&session.SessionID,
		&session.UserID,
		&teamID,
		&session.Token,
		&session.IsAdmin,
		&session.ExpiresAt,
		&session.CreatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}

	if teamID.Valid {
		session.TeamID = &teamID.Int64
	}

	return &session, nil
}

func (r *MySQLSessionRepository) Delete(ctx context.Context, token string) error {
	query := `DELETE FROM sessions WHERE token = ?`

	result, err := r.db.ExecContext(ctx, query, token)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		return domain.ErrSessionNotFound
	}

	return nil
}
