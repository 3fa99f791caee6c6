package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"idhub/internal/did/models"
	"idhub/internal/platform/postgres"
	id "idhub/pkg/domain"
	"idhub/pkg/platform/sentinel"
	txcontext "idhub/pkg/platform/tx"
)

// PostgresStore persists DID resources. Documents and services are JSONB.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const resourceColumns = `participant_id, did, document, services, version, published_version,
	state, last_error, deactivated, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, res *models.DidResource) error {
	doc, services, err := encodeResource(res)
	if err != nil {
		return err
	}
	_, err = txcontext.QuerierFor(ctx, s.db).ExecContext(ctx, `
		INSERT INTO did_resources (`+resourceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, res.ParticipantID.String(), res.DID.String(), doc, services, res.Version, res.PublishedVersion,
		string(res.State), res.LastError, res.Deactivated, res.CreatedAt, res.UpdatedAt)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return fmt.Errorf("DID resource for %s: %w", res.ParticipantID, sentinel.ErrConflict)
		}
		return fmt.Errorf("insert DID resource: %w", err)
	}
	return nil
}

func (s *PostgresStore) Execute(ctx context.Context, participantID id.ParticipantID, validate func(*models.DidResource) error, mutate func(*models.DidResource)) (*models.DidResource, error) {
	var result *models.DidResource
	err := txcontext.Run(ctx, s.db, func(ctx context.Context) error {
		q := txcontext.QuerierFor(ctx, s.db)
		res, err := scanResource(q.QueryRowContext(ctx, `
			SELECT `+resourceColumns+` FROM did_resources
			WHERE participant_id = $1
			FOR UPDATE
		`, participantID.String()))
		if err != nil {
			return err
		}
		if err := validate(res); err != nil {
			return err
		}
		mutate(res)
		doc, services, err := encodeResource(res)
		if err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx, `
			UPDATE did_resources
			SET document = $2, services = $3, version = $4, published_version = $5,
				state = $6, last_error = $7, deactivated = $8, updated_at = $9
			WHERE participant_id = $1
		`, participantID.String(), doc, services, res.Version, res.PublishedVersion,
			string(res.State), res.LastError, res.Deactivated, res.UpdatedAt); err != nil {
			return fmt.Errorf("update DID resource: %w", err)
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *PostgresStore) FindByParticipant(ctx context.Context, participantID id.ParticipantID) (*models.DidResource, error) {
	return scanResource(txcontext.QuerierFor(ctx, s.db).QueryRowContext(ctx, `
		SELECT `+resourceColumns+` FROM did_resources WHERE participant_id = $1
	`, participantID.String()))
}

func (s *PostgresStore) FindByDID(ctx context.Context, did id.DID) (*models.DidResource, error) {
	return scanResource(txcontext.QuerierFor(ctx, s.db).QueryRowContext(ctx, `
		SELECT `+resourceColumns+` FROM did_resources WHERE did = $1
	`, did.String()))
}

func (s *PostgresStore) ListByState(ctx context.Context, state models.State) ([]*models.DidResource, error) {
	rows, err := txcontext.QuerierFor(ctx, s.db).QueryContext(ctx, `
		SELECT `+resourceColumns+` FROM did_resources
		WHERE state = $1 AND NOT deactivated
		ORDER BY updated_at ASC, participant_id ASC
	`, string(state))
	if err != nil {
		return nil, fmt.Errorf("list DID resources: %w", err)
	}
	defer rows.Close()
	var out []*models.DidResource
	for rows.Next() {
		res, err := scanResource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate DID resources: %w", err)
	}
	return out, nil
}

func encodeResource(res *models.DidResource) ([]byte, []byte, error) {
	doc, err := res.Document.Canonical()
	if err != nil {
		return nil, nil, fmt.Errorf("encode DID document: %w", err)
	}
	services := res.Services
	if services == nil {
		services = []models.Service{}
	}
	svc, err := json.Marshal(services)
	if err != nil {
		return nil, nil, fmt.Errorf("encode services: %w", err)
	}
	return doc, svc, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanResource(row rowScanner) (*models.DidResource, error) {
	var (
		res           models.DidResource
		pid, did, st  string
		doc, services []byte
	)
	err := row.Scan(&pid, &did, &doc, &services, &res.Version, &res.PublishedVersion,
		&st, &res.LastError, &res.Deactivated, &res.CreatedAt, &res.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("scan DID resource: %w", err)
	}
	if err := json.Unmarshal(doc, &res.Document); err != nil {
		return nil, fmt.Errorf("decode DID document: %w", err)
	}
	if err := json.Unmarshal(services, &res.Services); err != nil {
		return nil, fmt.Errorf("decode services: %w", err)
	}
	if len(res.Services) == 0 {
		res.Services = nil
	}
	res.ParticipantID = id.ParticipantID(pid)
	res.DID = id.DID(did)
	res.State = models.State(st)
	return &res, nil
}
