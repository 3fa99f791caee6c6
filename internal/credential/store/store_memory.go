package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"idhub/internal/credential/models"
	id "idhub/pkg/domain"
	"idhub/pkg/platform/sentinel"
)

// InMemory keeps credentials in process memory. Reads run concurrently;
// UpdateStatus is a compare-and-set per credential.
type InMemory struct {
	mu          sync.RWMutex
	credentials map[id.CredentialID]*models.Credential
}

func NewInMemory() *InMemory {
	return &InMemory{credentials: make(map[id.CredentialID]*models.Credential)}
}

func (s *InMemory) Create(_ context.Context, c *models.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.credentials[c.ID]; ok {
		return fmt.Errorf("credential %s: %w", c.ID, sentinel.ErrConflict)
	}
	s.credentials[c.ID] = c.Clone()
	return nil
}

func (s *InMemory) FindByID(_ context.Context, credentialID id.CredentialID) (*models.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.credentials[credentialID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return c.Clone(), nil
}

// UpdateStatus moves a credential from one status to another. It fails with
// ErrConflict when the stored status is no longer from.
func (s *InMemory) UpdateStatus(_ context.Context, credentialID id.CredentialID, from, to models.Status, now time.Time) (*models.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credentials[credentialID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	if c.Status != from {
		return nil, fmt.Errorf("credential %s is %s, expected %s: %w", credentialID, c.Status, from, sentinel.ErrConflict)
	}
	if !from.CanTransitionTo(to) {
		return nil, fmt.Errorf("credential %s %s -> %s: %w", credentialID, from, to, sentinel.ErrInvalidState)
	}
	updated := c.Clone()
	updated.Status = to
	updated.UpdatedAt = now
	s.credentials[credentialID] = updated
	return updated.Clone(), nil
}

func (s *InMemory) ListBySubject(_ context.Context, participantID id.ParticipantID) ([]*models.Credential, error) {
	return s.list(func(c *models.Credential) bool { return c.SubjectParticipantID == participantID }), nil
}

func (s *InMemory) ListByIssuer(_ context.Context, participantID id.ParticipantID) ([]*models.Credential, error) {
	return s.list(func(c *models.Credential) bool { return c.IssuerParticipantID == participantID }), nil
}

// ListLive returns PENDING and ACTIVE credentials participantID issued or holds.
func (s *InMemory) ListLive(_ context.Context, participantID id.ParticipantID) ([]*models.Credential, error) {
	return s.list(func(c *models.Credential) bool {
		return c.Status.IsLive() && c.InvolvesParticipant(participantID)
	}), nil
}

func (s *InMemory) list(match func(*models.Credential) bool) []*models.Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Credential
	for _, c := range s.credentials {
		if match(c) {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IssuedAt.Equal(out[j].IssuedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].IssuedAt.Before(out[j].IssuedAt)
	})
	return out
}
