package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"idhub/internal/participant/models"
	"idhub/internal/platform/postgres"
	id "idhub/pkg/domain"
	"idhub/pkg/platform/sentinel"
	txcontext "idhub/pkg/platform/tx"
)

// PostgresStore persists participants. Updates are guarded by the row
// version read under FOR UPDATE.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const participantColumns = `id, name, did, state, roles, version, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, p *models.Participant) error {
	_, err := txcontext.QuerierFor(ctx, s.db).ExecContext(ctx, `
		INSERT INTO participants (`+participantColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, p.ID.String(), p.Name, p.DID.String(), string(p.State), pq.Array(p.Roles), p.Version, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return fmt.Errorf("participant %s: %w", p.ID, sentinel.ErrConflict)
		}
		return fmt.Errorf("insert participant: %w", err)
	}
	return nil
}

func (s *PostgresStore) Execute(ctx context.Context, participantID id.ParticipantID, validate func(*models.Participant) error, mutate func(*models.Participant)) (*models.Participant, error) {
	var result *models.Participant
	err := txcontext.Run(ctx, s.db, func(ctx context.Context) error {
		q := txcontext.QuerierFor(ctx, s.db)
		p, err := scanParticipant(q.QueryRowContext(ctx, `
			SELECT `+participantColumns+` FROM participants WHERE id = $1 FOR UPDATE
		`, participantID.String()))
		if err != nil {
			return err
		}
		if err := validate(p); err != nil {
			return err
		}
		mutate(p)
		prev := p.Version
		p.Version = prev + 1
		res, err := q.ExecContext(ctx, `
			UPDATE participants SET name = $2, state = $3, roles = $4, version = $5, updated_at = $6
			WHERE id = $1 AND version = $7
		`, participantID.String(), p.Name, string(p.State), pq.Array(p.Roles), p.Version, p.UpdatedAt, prev)
		if err != nil {
			return fmt.Errorf("update participant: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("participant %s changed concurrently: %w", participantID, sentinel.ErrConflict)
		}
		result = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *PostgresStore) FindByID(ctx context.Context, participantID id.ParticipantID) (*models.Participant, error) {
	return scanParticipant(txcontext.QuerierFor(ctx, s.db).QueryRowContext(ctx, `
		SELECT `+participantColumns+` FROM participants WHERE id = $1
	`, participantID.String()))
}

func (s *PostgresStore) FindByDID(ctx context.Context, did id.DID) (*models.Participant, error) {
	return scanParticipant(txcontext.QuerierFor(ctx, s.db).QueryRowContext(ctx, `
		SELECT `+participantColumns+` FROM participants WHERE did = $1
	`, did.String()))
}

func (s *PostgresStore) List(ctx context.Context, filter ListFilter) ([]*models.Participant, error) {
	rows, err := txcontext.QuerierFor(ctx, s.db).QueryContext(ctx, `
		SELECT `+participantColumns+` FROM participants
		WHERE ($1 = '' OR state = $1)
		ORDER BY created_at ASC, id ASC
	`, string(filter.State))
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()
	var out []*models.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate participants: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanParticipant(row rowScanner) (*models.Participant, error) {
	var (
		p            models.Participant
		pid, did, st string
		roles        pq.StringArray
	)
	err := row.Scan(&pid, &p.Name, &did, &st, &roles, &p.Version, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("scan participant: %w", err)
	}
	p.ID = id.ParticipantID(pid)
	p.DID = id.DID(did)
	p.State = models.State(st)
	if len(roles) > 0 {
		p.Roles = []string(roles)
	}
	return &p, nil
}
