package vault

import (
	"context"
	"crypto"
	"crypto/x509"
	"database/sql"
	"errors"
	"fmt"

	"idhub/internal/keypair/models"
	"idhub/internal/platform/postgres"
	"idhub/pkg/platform/sentinel"
	txcontext "idhub/pkg/platform/tx"
)

const (
	kindKey    = "key"
	kindSecret = "secret"
)

// Postgres keeps key material (PKCS#8) and secrets in the vault_entries
// table so they survive restarts alongside the durable stores.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (v *Postgres) Create(ctx context.Context, alias string, alg models.Algorithm) ([]byte, error) {
	signer, pub, err := generate(alg)
	if err != nil {
		return nil, err
	}
	der, err := x509.MarshalPKCS8PrivateKey(signer)
	if err != nil {
		return nil, fmt.Errorf("encode private key: %w", err)
	}
	_, err = txcontext.QuerierFor(ctx, v.db).ExecContext(ctx, `
		INSERT INTO vault_entries (kind, alias, algorithm, material)
		VALUES ($1, $2, $3, $4)
	`, kindKey, alias, string(alg), der)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return nil, fmt.Errorf("vault alias %s: %w", alias, sentinel.ErrConflict)
		}
		return nil, fmt.Errorf("insert vault key: %w", err)
	}
	return pub, nil
}

func (v *Postgres) Sign(ctx context.Context, alias string, payload []byte) ([]byte, error) {
	var (
		alg string
		der []byte
	)
	err := txcontext.QuerierFor(ctx, v.db).QueryRowContext(ctx, `
		SELECT algorithm, material FROM vault_entries WHERE kind = $1 AND alias = $2
	`, kindKey, alias).Scan(&alg, &der)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("vault alias %s: %w", alias, sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("load vault key: %w", err)
	}
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("decode vault key %s: %w", alias, err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("vault alias %s does not hold a signing key", alias)
	}
	return sign(alias, entry{alg: models.Algorithm(alg), signer: signer}, payload)
}

func (v *Postgres) Exists(ctx context.Context, alias string) (bool, error) {
	var ok bool
	err := txcontext.QuerierFor(ctx, v.db).QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM vault_entries WHERE alias = $1)
	`, alias).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("query vault: %w", err)
	}
	return ok, nil
}

func (v *Postgres) Delete(ctx context.Context, alias string) error {
	res, err := txcontext.QuerierFor(ctx, v.db).ExecContext(ctx, `
		DELETE FROM vault_entries WHERE alias = $1
	`, alias)
	if err != nil {
		return fmt.Errorf("delete vault entry: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("vault alias %s: %w", alias, sentinel.ErrNotFound)
	}
	return nil
}

func (v *Postgres) PutSecret(ctx context.Context, alias, value string) error {
	_, err := txcontext.QuerierFor(ctx, v.db).ExecContext(ctx, `
		INSERT INTO vault_entries (kind, alias, algorithm, material)
		VALUES ($1, $2, '', $3)
		ON CONFLICT (kind, alias) DO UPDATE SET material = EXCLUDED.material
	`, kindSecret, alias, []byte(value))
	if err != nil {
		return fmt.Errorf("store vault secret: %w", err)
	}
	return nil
}

func (v *Postgres) GetSecret(ctx context.Context, alias string) (string, error) {
	var value []byte
	err := txcontext.QuerierFor(ctx, v.db).QueryRowContext(ctx, `
		SELECT material FROM vault_entries WHERE kind = $1 AND alias = $2
	`, kindSecret, alias).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("vault secret %s: %w", alias, sentinel.ErrNotFound)
		}
		return "", fmt.Errorf("load vault secret: %w", err)
	}
	return string(value), nil
}
