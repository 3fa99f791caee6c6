package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"idhub/internal/did/models"
	id "idhub/pkg/domain"
	"idhub/pkg/platform/sentinel"
)

// InMemory keeps DID resources in process memory, one per participant.
type InMemory struct {
	mu        sync.RWMutex
	resources map[id.ParticipantID]*models.DidResource
	byDID     map[id.DID]id.ParticipantID
}

func NewInMemory() *InMemory {
	return &InMemory{
		resources: make(map[id.ParticipantID]*models.DidResource),
		byDID:     make(map[id.DID]id.ParticipantID),
	}
}

func (s *InMemory) Create(_ context.Context, res *models.DidResource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.resources[res.ParticipantID]; ok {
		return fmt.Errorf("participant %s already has a DID: %w", res.ParticipantID, sentinel.ErrConflict)
	}
	if _, ok := s.byDID[res.DID]; ok {
		return fmt.Errorf("DID %s in use: %w", res.DID, sentinel.ErrConflict)
	}
	s.resources[res.ParticipantID] = res.Clone()
	s.byDID[res.DID] = res.ParticipantID
	return nil
}

// Execute validates and mutates a participant's resource under the write lock.
func (s *InMemory) Execute(_ context.Context, participantID id.ParticipantID, validate func(*models.DidResource) error, mutate func(*models.DidResource)) (*models.DidResource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.resources[participantID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	candidate := res.Clone()
	if err := validate(candidate); err != nil {
		return nil, err
	}
	mutate(candidate)
	s.resources[participantID] = candidate
	return candidate.Clone(), nil
}

func (s *InMemory) FindByParticipant(_ context.Context, participantID id.ParticipantID) (*models.DidResource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res, ok := s.resources[participantID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return res.Clone(), nil
}

func (s *InMemory) FindByDID(_ context.Context, did id.DID) (*models.DidResource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pid, ok := s.byDID[did]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return s.resources[pid].Clone(), nil
}

// ListByState returns non-deactivated resources in state, oldest update first.
func (s *InMemory) ListByState(_ context.Context, state models.State) ([]*models.DidResource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.DidResource
	for _, res := range s.resources {
		if res.State == state && !res.Deactivated {
			out = append(out, res.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ParticipantID < out[j].ParticipantID
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	return out, nil
}
