// Package statuslist records revoked credential ids where validators on any
// instance can see them.
package statuslist

import (
	"context"
	"errors"
	"sync"

	"github.com/redis/go-redis/v9"

	id "idhub/pkg/domain"
	"idhub/pkg/platform/sentinel"
)

// List is the credential status capability consulted by validation.
type List interface {
	Revoke(ctx context.Context, credentialID id.CredentialID) error
	IsRevoked(ctx context.Context, credentialID id.CredentialID) (bool, error)
}

// Memory is a process-local list.
type Memory struct {
	mu      sync.RWMutex
	revoked map[id.CredentialID]struct{}
}

func NewMemory() *Memory {
	return &Memory{revoked: make(map[id.CredentialID]struct{})}
}

func (m *Memory) Revoke(_ context.Context, credentialID id.CredentialID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked[credentialID] = struct{}{}
	return nil
}

func (m *Memory) IsRevoked(_ context.Context, credentialID id.CredentialID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.revoked[credentialID]
	return ok, nil
}

const revokedKeyPrefix = "idhub:status:revoked:"

// Redis shares revocations between instances. Entries never expire:
// revocation is permanent.
type Redis struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Revoke(ctx context.Context, credentialID id.CredentialID) error {
	if err := r.client.Set(ctx, revokedKeyPrefix+credentialID.String(), "1", 0).Err(); err != nil {
		return errors.Join(sentinel.ErrUnavailable, err)
	}
	return nil
}

func (r *Redis) IsRevoked(ctx context.Context, credentialID id.CredentialID) (bool, error) {
	n, err := r.client.Exists(ctx, revokedKeyPrefix+credentialID.String()).Result()
	if err != nil {
		return false, errors.Join(sentinel.ErrUnavailable, err)
	}
	return n > 0, nil
}
