// Package vault confines private key material. Callers hold aliases and ask
// the vault to sign; raw private bytes never cross this package boundary.
package vault

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"

	"idhub/internal/keypair/models"
	"idhub/pkg/platform/sentinel"
)

// Vault is the secret/key storage capability.
type Vault interface {
	// Create generates private material under alias and returns the public key bytes.
	Create(ctx context.Context, alias string, alg models.Algorithm) ([]byte, error)
	// Sign produces a JWS-compatible signature over payload.
	Sign(ctx context.Context, alias string, payload []byte) ([]byte, error)
	Exists(ctx context.Context, alias string) (bool, error)
	// Delete destroys key material or a secret.
	Delete(ctx context.Context, alias string) error
	PutSecret(ctx context.Context, alias, value string) error
	GetSecret(ctx context.Context, alias string) (string, error)
}

type entry struct {
	alg    models.Algorithm
	signer crypto.Signer
}

// Memory is an in-process vault.
type Memory struct {
	mu      sync.RWMutex
	keys    map[string]entry
	secrets map[string]string
}

func NewMemory() *Memory {
	return &Memory{keys: make(map[string]entry), secrets: make(map[string]string)}
}

func (v *Memory) Create(ctx context.Context, alias string, alg models.Algorithm) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	signer, pub, err := generate(alg)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.keys[alias]; ok {
		return nil, fmt.Errorf("vault alias %s: %w", alias, sentinel.ErrConflict)
	}
	v.keys[alias] = entry{alg: alg, signer: signer}
	return pub, nil
}

func (v *Memory) Sign(ctx context.Context, alias string, payload []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v.mu.RLock()
	e, ok := v.keys[alias]
	v.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("vault alias %s: %w", alias, sentinel.ErrNotFound)
	}
	return sign(alias, e, payload)
}

// generate creates a private key for alg and returns it with the encoded
// public key.
func generate(alg models.Algorithm) (crypto.Signer, []byte, error) {
	switch alg {
	case models.AlgorithmEdDSA:
		pk, sk, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, nil, fmt.Errorf("generate ed25519 key: %w", err)
		}
		return sk, pk, nil
	case models.AlgorithmES256:
		sk, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, nil, fmt.Errorf("generate P-256 key: %w", err)
		}
		raw, err := models.MarshalECPublicKey(&sk.PublicKey)
		if err != nil {
			return nil, nil, err
		}
		return sk, raw, nil
	default:
		_, err := models.ParseAlgorithm(string(alg))
		if err == nil {
			err = fmt.Errorf("algorithm %s not handled by vault", alg)
		}
		return nil, nil, err
	}
}

func sign(alias string, e entry, payload []byte) ([]byte, error) {
	switch e.alg {
	case models.AlgorithmEdDSA:
		return e.signer.Sign(rand.Reader, payload, crypto.Hash(0))
	case models.AlgorithmES256:
		sk, ok := e.signer.(*ecdsa.PrivateKey)
		if !ok {
			return nil, errors.New("vault entry is not an ECDSA key")
		}
		digest := sha256.Sum256(payload)
		r, s, err := ecdsa.Sign(rand.Reader, sk, digest[:])
		if err != nil {
			return nil, fmt.Errorf("sign ES256: %w", err)
		}
		// JWS ES256 signatures are the fixed-width concatenation r || s.
		sig := make([]byte, 64)
		r.FillBytes(sig[:32])
		s.FillBytes(sig[32:])
		return sig, nil
	default:
		return nil, fmt.Errorf("vault alias %s has unsupported algorithm %s", alias, e.alg)
	}
}

func (v *Memory) Exists(_ context.Context, alias string) (bool, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, key := v.keys[alias]
	_, secret := v.secrets[alias]
	return key || secret, nil
}

func (v *Memory) Delete(_ context.Context, alias string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, key := v.keys[alias]
	_, secret := v.secrets[alias]
	if !key && !secret {
		return fmt.Errorf("vault alias %s: %w", alias, sentinel.ErrNotFound)
	}
	delete(v.keys, alias)
	delete(v.secrets, alias)
	return nil
}

func (v *Memory) PutSecret(_ context.Context, alias, value string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.secrets[alias] = value
	return nil
}

func (v *Memory) GetSecret(_ context.Context, alias string) (string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	s, ok := v.secrets[alias]
	if !ok {
		return "", fmt.Errorf("vault secret %s: %w", alias, sentinel.ErrNotFound)
	}
	return s, nil
}
