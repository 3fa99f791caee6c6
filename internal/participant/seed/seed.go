// Package seed creates the administrative participant and any participants
// listed in the seed file at startup. Seeding is idempotent: existing
// participants are only activated and checked.
package seed

import (
	"context"
	"log/slog"
	"time"

	"github.com/jpillora/backoff"

	"idhub/internal/participant/models"
	"idhub/internal/participant/service"
	"idhub/internal/platform/config"
	id "idhub/pkg/domain"
	dErrors "idhub/pkg/domain-errors"
)

const (
	DefaultRetries    = 5
	DefaultRetryDelay = 2 * time.Second
)

// Manager is the part of the participant service the seeder drives.
type Manager interface {
	Get(ctx context.Context, participantID id.ParticipantID) (*models.Participant, error)
	Create(ctx context.Context, req service.CreateRequest) (*service.CreateResult, error)
	Activate(ctx context.Context, participantID id.ParticipantID) (*models.Participant, error)
	CheckSecrets(ctx context.Context, participantID id.ParticipantID) error
}

// Result reports what happened to one seeded participant. APIKey is only
// set when the participant was created by this run.
type Result struct {
	ParticipantID id.ParticipantID
	Created       bool
	APIKey        string
	State         models.State
}

type Seeder struct {
	manager    Manager
	logger     *slog.Logger
	retries    int
	retryDelay time.Duration
}

type Option func(*Seeder)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Seeder) {
		s.logger = logger
	}
}

// WithRetries sets how often a retryable failure is retried and the initial
// delay between attempts.
func WithRetries(n int, delay time.Duration) Option {
	return func(s *Seeder) {
		if n >= 0 {
			s.retries = n
		}
		if delay > 0 {
			s.retryDelay = delay
		}
	}
}

func New(manager Manager, opts ...Option) *Seeder {
	s := &Seeder{
		manager:    manager,
		logger:     slog.Default(),
		retries:    DefaultRetries,
		retryDelay: DefaultRetryDelay,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run seeds the administrative participant described by cfg, followed by
// the participants of cfg.File. It stops at the first participant that
// cannot be seeded.
func (s *Seeder) Run(ctx context.Context, cfg config.Seed) ([]Result, error) {
	file, err := config.LoadSeedFile(cfg.File)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeValidation, "invalid seed file")
	}

	reqs := []service.CreateRequest{{
		ID:        id.ParticipantID(cfg.SuperUserID),
		Name:      cfg.SuperUserID,
		Algorithm: cfg.Algorithm,
		Roles:     []string{models.RoleAdmin},
		APIKey:    cfg.APIKeyOverride,
	}}
	for _, p := range file.Participants {
		reqs = append(reqs, service.CreateRequest{
			ID:                id.ParticipantID(p.ID),
			Name:              p.Name,
			Algorithm:         p.Algorithm,
			Roles:             p.Roles,
			APIKey:            p.APIKey,
			CredentialService: p.Services.CredentialService,
			ProtocolEndpoint:  p.Services.ProtocolEndpoint,
		})
	}

	results := make([]Result, 0, len(reqs))
	for _, req := range reqs {
		res, err := s.Seed(ctx, req)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// Seed makes sure the participant of req exists, is ACTIVATED and still has
// its secrets in the vault.
func (s *Seeder) Seed(ctx context.Context, req service.CreateRequest) (Result, error) {
	result := Result{ParticipantID: req.ID}

	p, err := s.manager.Get(ctx, req.ID)
	if dErrors.HasReason(err, dErrors.ReasonParticipantNotFound) {
		p, err = s.create(ctx, req, &result)
	}
	if err != nil {
		return result, err
	}

	switch p.State {
	case models.StateDeleted:
		s.logger.WarnContext(ctx, "seed participant was deleted, skipping", "participant_id", req.ID)
		result.State = p.State
		return result, nil
	case models.StateCreated:
		err := s.retry(ctx, req.ID, func() error {
			activated, err := s.activate(ctx, req.ID)
			if err == nil {
				p = activated
			}
			return err
		})
		if err != nil {
			result.State = models.StateCreated
			return result, err
		}
	}
	result.State = p.State

	if err := s.manager.CheckSecrets(ctx, req.ID); err != nil {
		return result, dErrors.Wrap(err, dErrors.CodeInvariantViolation,
			"seed participant "+req.ID.String()+" exists but its vault secrets do not")
	}
	s.logger.InfoContext(ctx, "participant seeded",
		"participant_id", req.ID, "created", result.Created, "state", result.State)
	return result, nil
}

// create creates the participant of req. Losing the creation race to a
// concurrent seeder counts as already created.
func (s *Seeder) create(ctx context.Context, req service.CreateRequest, result *Result) (*models.Participant, error) {
	created, err := s.manager.Create(ctx, req)
	switch {
	case dErrors.HasReason(err, dErrors.ReasonParticipantExists):
		return s.manager.Get(ctx, req.ID)
	case created == nil || created.Participant == nil:
		return nil, err
	}
	result.Created = true
	result.APIKey = created.APIKey
	if err != nil && !dErrors.Retryable(err) {
		return nil, err
	}
	if err != nil {
		s.logger.WarnContext(ctx, "seeded participant not yet activated, retrying",
			"participant_id", req.ID, "error", err)
	}
	return created.Participant, nil
}

// activate activates participantID. A participant some other caller
// activated in the meantime is returned as is.
func (s *Seeder) activate(ctx context.Context, participantID id.ParticipantID) (*models.Participant, error) {
	activated, err := s.manager.Activate(ctx, participantID)
	if !dErrors.HasReason(err, dErrors.ReasonInvalidStateTransition) {
		return activated, err
	}
	current, getErr := s.manager.Get(ctx, participantID)
	if getErr == nil && current.State == models.StateActivated {
		return current, nil
	}
	return nil, err
}

func (s *Seeder) retry(ctx context.Context, participantID id.ParticipantID, fn func() error) error {
	bo := &backoff.Backoff{
		Min:    s.retryDelay,
		Max:    8 * s.retryDelay,
		Factor: 2,
	}
	for {
		err := fn()
		if err == nil || !dErrors.Retryable(err) || int(bo.Attempt()) >= s.retries {
			return err
		}
		d := bo.Duration()
		s.logger.WarnContext(ctx, "seeding failed, retrying",
			"participant_id", participantID, "attempt", bo.Attempt(), "waiting", d, "error", err)
		select {
		case <-ctx.Done():
			return dErrors.Wrap(ctx.Err(), dErrors.CodeTimeout, "seeding cancelled")
		case <-time.After(d):
		}
	}
}
