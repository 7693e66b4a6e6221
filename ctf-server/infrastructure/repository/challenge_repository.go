package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/kavos113/quickctf/ctf-server/domain"
)

type MySQLChallengeRepository struct {
	db *sql.DB
}

func NewMySQLChallengeRepository(db *sql.DB) *MySQLChallengeRepository {
	return &MySQLChallengeRepository{
		db: db,
	}
}

func (r *MySQLChallengeRepository) FindByID(ctx context.Context, challengeID int64) (*domain.Challenge, error) {
	query := `
		SELECT id, name, image, port, protocol, deployable
		FROM challenges
		WHERE id = ?
	`
	challenge := &domain.Challenge{}
	var protocol string
	err := r.db.QueryRowContext(ctx, query, challengeID).Scan(
		&challenge.ChallengeID,
		&challenge.Name,
		&challenge.Image,
		&challenge.Port,
		&protocol,
		&challenge.Deployable,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrChallengeNotFound
	}
	if err != nil {
		return nil, err
	}

	challenge.Protocol = domain.Protocol(protocol)
	if challenge.Protocol != domain.ProtocolTCP {
		challenge.Protocol = domain.ProtocolHTTP
	}

	return challenge, nil
}
