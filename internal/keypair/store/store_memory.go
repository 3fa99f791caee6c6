package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"idhub/internal/keypair/models"
	id "idhub/pkg/domain"
	"idhub/pkg/platform/sentinel"
)

type keyRef struct {
	participantID id.ParticipantID
	keyID         id.KeyID
}

// InMemory keeps key pairs in process memory.
type InMemory struct {
	mu   sync.RWMutex
	keys map[keyRef]*models.KeyPair
}

func NewInMemory() *InMemory {
	return &InMemory{keys: make(map[keyRef]*models.KeyPair)}
}

func (s *InMemory) Create(_ context.Context, kp *models.KeyPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref := keyRef{kp.ParticipantID, kp.ID}
	if _, ok := s.keys[ref]; ok {
		return fmt.Errorf("key %s: %w", kp.ID, sentinel.ErrConflict)
	}
	if kp.IsActive() && s.activeLocked(kp.ParticipantID, kp.Purpose) != nil {
		return fmt.Errorf("active %s key exists: %w", kp.Purpose, sentinel.ErrConflict)
	}
	s.keys[ref] = kp.Clone()
	return nil
}

// Rotate marks the active key for next.Purpose ROTATED and inserts next as
// ACTIVE in one step. Returns the rotated key.
func (s *InMemory) Rotate(_ context.Context, next *models.KeyPair, now time.Time) (*models.KeyPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current := s.activeLocked(next.ParticipantID, next.Purpose)
	if current == nil {
		return nil, fmt.Errorf("active %s key: %w", next.Purpose, sentinel.ErrNotFound)
	}
	ref := keyRef{next.ParticipantID, next.ID}
	if _, ok := s.keys[ref]; ok {
		return nil, fmt.Errorf("key %s: %w", next.ID, sentinel.ErrConflict)
	}
	current.ApplyRotation(now)
	s.keys[ref] = next.Clone()
	return current.Clone(), nil
}

// Execute runs validate then mutate on one key under the write lock.
func (s *InMemory) Execute(_ context.Context, participantID id.ParticipantID, keyID id.KeyID, validate func(*models.KeyPair) error, mutate func(*models.KeyPair)) (*models.KeyPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kp, ok := s.keys[keyRef{participantID, keyID}]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	candidate := kp.Clone()
	if err := validate(candidate); err != nil {
		return nil, err
	}
	mutate(candidate)
	s.keys[keyRef{participantID, keyID}] = candidate
	return candidate.Clone(), nil
}

func (s *InMemory) FindByID(_ context.Context, participantID id.ParticipantID, keyID id.KeyID) (*models.KeyPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	kp, ok := s.keys[keyRef{participantID, keyID}]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return kp.Clone(), nil
}

func (s *InMemory) FindActive(_ context.Context, participantID id.ParticipantID, purpose models.Purpose) (*models.KeyPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	kp := s.activeLocked(participantID, purpose)
	if kp == nil {
		return nil, sentinel.ErrNotFound
	}
	return kp.Clone(), nil
}

// ListByParticipant returns keys ordered by creation time.
func (s *InMemory) ListByParticipant(_ context.Context, participantID id.ParticipantID) ([]*models.KeyPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.KeyPair
	for ref, kp := range s.keys {
		if ref.participantID == participantID {
			out = append(out, kp.Clone())
		}
	}
	sortKeys(out)
	return out, nil
}

func (s *InMemory) activeLocked(participantID id.ParticipantID, purpose models.Purpose) *models.KeyPair {
	for ref, kp := range s.keys {
		if ref.participantID == participantID && kp.Purpose == purpose && kp.IsActive() {
			return kp
		}
	}
	return nil
}

func sortKeys(keys []*models.KeyPair) {
	sort.SliceStable(keys, func(i, j int) bool {
		if keys[i].CreatedAt.Equal(keys[j].CreatedAt) {
			return keys[i].ID < keys[j].ID
		}
		return keys[i].CreatedAt.Before(keys[j].CreatedAt)
	})
}
