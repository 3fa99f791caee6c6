package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"idhub/internal/participant/models"
	id "idhub/pkg/domain"
	"idhub/pkg/platform/sentinel"
)

// ListFilter narrows List. Zero value lists every participant, deleted included.
type ListFilter struct {
	State models.State
}

func (f ListFilter) matches(p *models.Participant) bool {
	return f.State == "" || p.State == f.State
}

// InMemory keeps participants in process memory. Deleted participants are
// retained so their ids are never reused.
type InMemory struct {
	mu           sync.RWMutex
	participants map[id.ParticipantID]*models.Participant
	byDID        map[id.DID]id.ParticipantID
}

func NewInMemory() *InMemory {
	return &InMemory{
		participants: make(map[id.ParticipantID]*models.Participant),
		byDID:        make(map[id.DID]id.ParticipantID),
	}
}

func (s *InMemory) Create(_ context.Context, p *models.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.participants[p.ID]; ok {
		return fmt.Errorf("participant %s: %w", p.ID, sentinel.ErrConflict)
	}
	if _, ok := s.byDID[p.DID]; ok {
		return fmt.Errorf("DID %s: %w", p.DID, sentinel.ErrConflict)
	}
	s.participants[p.ID] = p.Clone()
	s.byDID[p.DID] = p.ID
	return nil
}

// Execute validates and mutates under the write lock and bumps Version.
func (s *InMemory) Execute(_ context.Context, participantID id.ParticipantID, validate func(*models.Participant) error, mutate func(*models.Participant)) (*models.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[participantID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	candidate := p.Clone()
	if err := validate(candidate); err != nil {
		return nil, err
	}
	mutate(candidate)
	candidate.Version = p.Version + 1
	s.participants[participantID] = candidate
	return candidate.Clone(), nil
}

func (s *InMemory) FindByID(_ context.Context, participantID id.ParticipantID) (*models.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.participants[participantID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return p.Clone(), nil
}

func (s *InMemory) FindByDID(_ context.Context, did id.DID) (*models.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pid, ok := s.byDID[did]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return s.participants[pid].Clone(), nil
}

// List returns matching participants ordered by creation time.
func (s *InMemory) List(_ context.Context, filter ListFilter) ([]*models.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Participant
	for _, p := range s.participants {
		if filter.matches(p) {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
