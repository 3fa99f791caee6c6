package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"idhub/internal/keypair/models"
	"idhub/internal/platform/postgres"
	id "idhub/pkg/domain"
	"idhub/pkg/platform/sentinel"
	txcontext "idhub/pkg/platform/tx"
)

// PostgresStore persists key pairs in PostgreSQL. A partial unique index
// enforces one ACTIVE key per (participant, purpose).
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const keyColumns = `participant_id, id, purpose, algorithm, public_key, private_key_alias,
	state, created_at, rotated_at, revoked_at`

func (s *PostgresStore) Create(ctx context.Context, kp *models.KeyPair) error {
	return s.insert(ctx, txcontext.QuerierFor(ctx, s.db), kp)
}

func (s *PostgresStore) insert(ctx context.Context, q txcontext.Querier, kp *models.KeyPair) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO key_pairs (`+keyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, kp.ParticipantID.String(), kp.ID.String(), string(kp.Purpose), string(kp.Algorithm),
		kp.PublicKey, kp.PrivateKeyAlias, string(kp.State), kp.CreatedAt, kp.RotatedAt, kp.RevokedAt)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return fmt.Errorf("key %s: %w", kp.ID, sentinel.ErrConflict)
		}
		return fmt.Errorf("insert key pair: %w", err)
	}
	return nil
}

func (s *PostgresStore) Rotate(ctx context.Context, next *models.KeyPair, now time.Time) (*models.KeyPair, error) {
	var rotated *models.KeyPair
	err := txcontext.Run(ctx, s.db, func(ctx context.Context) error {
		q := txcontext.QuerierFor(ctx, s.db)
		current, err := scanKey(q.QueryRowContext(ctx, `
			SELECT `+keyColumns+` FROM key_pairs
			WHERE participant_id = $1 AND purpose = $2 AND state = 'ACTIVE'
			FOR UPDATE
		`, next.ParticipantID.String(), string(next.Purpose)))
		if err != nil {
			return err
		}
		current.ApplyRotation(now)
		if _, err := q.ExecContext(ctx, `
			UPDATE key_pairs SET state = $3, rotated_at = $4
			WHERE participant_id = $1 AND id = $2
		`, current.ParticipantID.String(), current.ID.String(), string(current.State), current.RotatedAt); err != nil {
			return fmt.Errorf("rotate key pair: %w", err)
		}
		if err := s.insert(ctx, q, next); err != nil {
			return err
		}
		rotated = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rotated, nil
}

func (s *PostgresStore) Execute(ctx context.Context, participantID id.ParticipantID, keyID id.KeyID, validate func(*models.KeyPair) error, mutate func(*models.KeyPair)) (*models.KeyPair, error) {
	var result *models.KeyPair
	err := txcontext.Run(ctx, s.db, func(ctx context.Context) error {
		q := txcontext.QuerierFor(ctx, s.db)
		kp, err := scanKey(q.QueryRowContext(ctx, `
			SELECT `+keyColumns+` FROM key_pairs
			WHERE participant_id = $1 AND id = $2
			FOR UPDATE
		`, participantID.String(), keyID.String()))
		if err != nil {
			return err
		}
		if err := validate(kp); err != nil {
			return err
		}
		mutate(kp)
		if _, err := q.ExecContext(ctx, `
			UPDATE key_pairs SET state = $3, rotated_at = $4, revoked_at = $5
			WHERE participant_id = $1 AND id = $2
		`, participantID.String(), keyID.String(), string(kp.State), kp.RotatedAt, kp.RevokedAt); err != nil {
			return fmt.Errorf("update key pair: %w", err)
		}
		result = kp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *PostgresStore) FindByID(ctx context.Context, participantID id.ParticipantID, keyID id.KeyID) (*models.KeyPair, error) {
	return scanKey(txcontext.QuerierFor(ctx, s.db).QueryRowContext(ctx, `
		SELECT `+keyColumns+` FROM key_pairs WHERE participant_id = $1 AND id = $2
	`, participantID.String(), keyID.String()))
}

func (s *PostgresStore) FindActive(ctx context.Context, participantID id.ParticipantID, purpose models.Purpose) (*models.KeyPair, error) {
	return scanKey(txcontext.QuerierFor(ctx, s.db).QueryRowContext(ctx, `
		SELECT `+keyColumns+` FROM key_pairs
		WHERE participant_id = $1 AND purpose = $2 AND state = 'ACTIVE'
	`, participantID.String(), string(purpose)))
}

func (s *PostgresStore) ListByParticipant(ctx context.Context, participantID id.ParticipantID) ([]*models.KeyPair, error) {
	rows, err := txcontext.QuerierFor(ctx, s.db).QueryContext(ctx, `
		SELECT `+keyColumns+` FROM key_pairs
		WHERE participant_id = $1
		ORDER BY created_at ASC, id ASC
	`, participantID.String())
	if err != nil {
		return nil, fmt.Errorf("list key pairs: %w", err)
	}
	defer rows.Close()
	var out []*models.KeyPair
	for rows.Next() {
		kp, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, kp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate key pairs: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKey(row rowScanner) (*models.KeyPair, error) {
	var (
		kp                           models.KeyPair
		pid, keyID, purpose, alg, st string
		rotatedAt, revokedAt         sql.NullTime
	)
	err := row.Scan(&pid, &keyID, &purpose, &alg, &kp.PublicKey, &kp.PrivateKeyAlias,
		&st, &kp.CreatedAt, &rotatedAt, &revokedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("scan key pair: %w", err)
	}
	kp.ParticipantID = id.ParticipantID(pid)
	kp.ID = id.KeyID(keyID)
	kp.Purpose = models.Purpose(purpose)
	kp.Algorithm = models.Algorithm(alg)
	kp.State = models.State(st)
	if rotatedAt.Valid {
		t := rotatedAt.Time
		kp.RotatedAt = &t
	}
	if revokedAt.Valid {
		t := revokedAt.Time
		kp.RevokedAt = &t
	}
	return &kp, nil
}
