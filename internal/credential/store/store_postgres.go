package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"idhub/internal/credential/models"
	"idhub/internal/platform/postgres"
	id "idhub/pkg/domain"
	"idhub/pkg/platform/sentinel"
	txcontext "idhub/pkg/platform/tx"
)

// PostgresStore persists credentials. Status changes are guarded by the
// expected current status in the UPDATE predicate.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const credentialColumns = `id, issuer_did, issuer_participant_id, subject_did, subject_participant_id,
	types, raw, status, issued_at, expires_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, c *models.Credential) error {
	_, err := txcontext.QuerierFor(ctx, s.db).ExecContext(ctx, `
		INSERT INTO credentials (`+credentialColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, c.ID.String(), c.IssuerDID.String(), c.IssuerParticipantID.String(), c.SubjectDID.String(),
		c.SubjectParticipantID.String(), pq.Array(c.Types), c.Raw, string(c.Status), c.IssuedAt, c.ExpiresAt, c.UpdatedAt)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return fmt.Errorf("credential %s: %w", c.ID, sentinel.ErrConflict)
		}
		return fmt.Errorf("insert credential: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, credentialID id.CredentialID) (*models.Credential, error) {
	return scanCredential(txcontext.QuerierFor(ctx, s.db).QueryRowContext(ctx, `
		SELECT `+credentialColumns+` FROM credentials WHERE id = $1
	`, credentialID.String()))
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, credentialID id.CredentialID, from, to models.Status, now time.Time) (*models.Credential, error) {
	if !from.CanTransitionTo(to) {
		return nil, fmt.Errorf("credential %s %s -> %s: %w", credentialID, from, to, sentinel.ErrInvalidState)
	}
	c, err := scanCredential(txcontext.QuerierFor(ctx, s.db).QueryRowContext(ctx, `
		UPDATE credentials SET status = $3, updated_at = $4
		WHERE id = $1 AND status = $2
		RETURNING `+credentialColumns,
		credentialID.String(), string(from), string(to), now))
	if errors.Is(err, sentinel.ErrNotFound) {
		if _, findErr := s.FindByID(ctx, credentialID); findErr != nil {
			return nil, findErr
		}
		return nil, fmt.Errorf("credential %s is no longer %s: %w", credentialID, from, sentinel.ErrConflict)
	}
	return c, err
}

func (s *PostgresStore) ListBySubject(ctx context.Context, participantID id.ParticipantID) ([]*models.Credential, error) {
	return s.query(ctx, `
		SELECT `+credentialColumns+` FROM credentials
		WHERE subject_participant_id = $1
		ORDER BY issued_at ASC, id ASC
	`, participantID.String())
}

func (s *PostgresStore) ListByIssuer(ctx context.Context, participantID id.ParticipantID) ([]*models.Credential, error) {
	return s.query(ctx, `
		SELECT `+credentialColumns+` FROM credentials
		WHERE issuer_participant_id = $1
		ORDER BY issued_at ASC, id ASC
	`, participantID.String())
}

func (s *PostgresStore) ListLive(ctx context.Context, participantID id.ParticipantID) ([]*models.Credential, error) {
	return s.query(ctx, `
		SELECT `+credentialColumns+` FROM credentials
		WHERE (subject_participant_id = $1 OR issuer_participant_id = $1)
		  AND status IN ('PENDING', 'ACTIVE')
		ORDER BY issued_at ASC, id ASC
	`, participantID.String())
}

func (s *PostgresStore) query(ctx context.Context, query string, args ...any) ([]*models.Credential, error) {
	rows, err := txcontext.QuerierFor(ctx, s.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()
	var out []*models.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate credentials: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row rowScanner) (*models.Credential, error) {
	var (
		c                               models.Credential
		cid, issuer, issuerPID, subject string
		subjectPID, status              string
		types                           pq.StringArray
		expiresAt                       sql.NullTime
	)
	err := row.Scan(&cid, &issuer, &issuerPID, &subject, &subjectPID, &types, &c.Raw, &status,
		&c.IssuedAt, &expiresAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("scan credential: %w", err)
	}
	c.ID = id.CredentialID(cid)
	c.IssuerDID = id.DID(issuer)
	c.IssuerParticipantID = id.ParticipantID(issuerPID)
	c.SubjectDID = id.DID(subject)
	c.SubjectParticipantID = id.ParticipantID(subjectPID)
	c.Status = models.Status(status)
	c.Types = []string(types)
	if expiresAt.Valid {
		exp := expiresAt.Time
		c.ExpiresAt = &exp
	}
	return &c, nil
}
