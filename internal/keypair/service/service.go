// Package service implements key pair generation, rotation and revocation.
//
// Private key material is created and used only inside the vault; this
// service stores public records and vault aliases. Every change emits an
// append-only audit event. The service performs no network I/O.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	keymetrics "idhub/internal/keypair/metrics"
	"idhub/internal/keypair/models"
	"idhub/internal/keypair/vault"
	id "idhub/pkg/domain"
	dErrors "idhub/pkg/domain-errors"
	"idhub/pkg/platform/audit"
	"idhub/pkg/platform/sentinel"
	"idhub/pkg/requestcontext"
)

// Store persists key pair records.
type Store interface {
	Create(ctx context.Context, kp *models.KeyPair) error
	Rotate(ctx context.Context, next *models.KeyPair, now time.Time) (*models.KeyPair, error)
	Execute(ctx context.Context, participantID id.ParticipantID, keyID id.KeyID, validate func(*models.KeyPair) error, mutate func(*models.KeyPair)) (*models.KeyPair, error)
	FindByID(ctx context.Context, participantID id.ParticipantID, keyID id.KeyID) (*models.KeyPair, error)
	FindActive(ctx context.Context, participantID id.ParticipantID, purpose models.Purpose) (*models.KeyPair, error)
	ListByParticipant(ctx context.Context, participantID id.ParticipantID) ([]*models.KeyPair, error)
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// RevocationListener is told about every revoked key so DID documents can
// drop the verification method.
type RevocationListener interface {
	KeyRevoked(ctx context.Context, participantID id.ParticipantID, keyID id.KeyID) error
}

type Service struct {
	store     Store
	vault     vault.Vault
	logger    *slog.Logger
	auditor   AuditPublisher
	metrics   *keymetrics.Metrics
	listeners []RevocationListener
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithAuditPublisher(publisher AuditPublisher) Option {
	return func(s *Service) {
		s.auditor = publisher
	}
}

func WithMetrics(m *keymetrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func New(store Store, v vault.Vault, opts ...Option) *Service {
	s := &Service{store: store, vault: v, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnRevoke registers a listener. Not safe to call concurrently with Revoke.
func (s *Service) OnRevoke(l RevocationListener) {
	s.listeners = append(s.listeners, l)
}

// Generate creates the first ACTIVE key for (participant, purpose).
func (s *Service) Generate(ctx context.Context, participantID id.ParticipantID, purpose models.Purpose, algorithm string) (*models.KeyPair, error) {
	if participantID.IsNil() {
		return nil, dErrors.New(dErrors.CodeValidation, "participant id is required")
	}
	alg, err := models.ParseAlgorithm(algorithm)
	if err != nil {
		return nil, err
	}
	if purpose == "" {
		purpose = models.PurposeSigning
	}

	if _, err := s.store.FindActive(ctx, participantID, purpose); err == nil {
		return nil, duplicateActive(purpose)
	} else if !errors.Is(err, sentinel.ErrNotFound) {
		return nil, wrapStoreErr(err, "failed to load active key")
	}

	kp, err := s.newKey(ctx, participantID, purpose, alg)
	if err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, kp); err != nil {
		s.discard(ctx, kp.PrivateKeyAlias)
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, duplicateActive(purpose)
		}
		return nil, wrapStoreErr(err, "failed to store key pair")
	}

	s.emit(ctx, audit.EventKeyGenerated, kp)
	if s.metrics != nil {
		s.metrics.IncrementGenerated(string(alg))
	}
	s.logger.InfoContext(ctx, "key pair generated",
		"participant_id", participantID, "key_id", kp.ID, "algorithm", alg)
	return kp, nil
}

// Rotate replaces the ACTIVE key for purpose with a fresh one of the same
// algorithm. The old key becomes ROTATED. If any step fails the old key
// stays ACTIVE and the new vault material is destroyed.
func (s *Service) Rotate(ctx context.Context, participantID id.ParticipantID, purpose models.Purpose) (*models.KeyPair, error) {
	if purpose == "" {
		purpose = models.PurposeSigning
	}
	current, err := s.store.FindActive(ctx, participantID, purpose)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Newf(dErrors.CodeNotFound, "no ACTIVE %s key for participant %s", purpose, participantID).
				WithReason(dErrors.ReasonKeyNotFound)
		}
		return nil, wrapStoreErr(err, "failed to load active key")
	}

	next, err := s.newKey(ctx, participantID, purpose, current.Algorithm)
	if err != nil {
		return nil, err
	}
	rotated, err := s.store.Rotate(ctx, next, requestcontext.Now(ctx))
	if err != nil {
		s.discard(ctx, next.PrivateKeyAlias)
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeConflict, "active key changed during rotation").
				WithReason(dErrors.ReasonInvalidStateTransition)
		}
		return nil, wrapStoreErr(err, "failed to rotate key pair")
	}

	s.emit(ctx, audit.EventKeyRotated, rotated)
	s.emit(ctx, audit.EventKeyGenerated, next)
	if s.metrics != nil {
		s.metrics.IncrementRotated()
		s.metrics.IncrementGenerated(string(next.Algorithm))
	}
	s.logger.InfoContext(ctx, "key pair rotated",
		"participant_id", participantID, "old_key_id", rotated.ID, "new_key_id", next.ID)
	return next, nil
}

// Revoke marks a ROTATED key REVOKED and notifies listeners. Revoking an
// ACTIVE key is a conflict: rotate first. Revoking a REVOKED key is a no-op.
func (s *Service) Revoke(ctx context.Context, participantID id.ParticipantID, keyID id.KeyID) (*models.KeyPair, error) {
	return s.revoke(ctx, participantID, keyID, false)
}

// RevokeAll revokes every key of the participant, ACTIVE included. Used when
// a participant is deleted.
func (s *Service) RevokeAll(ctx context.Context, participantID id.ParticipantID) error {
	keys, err := s.store.ListByParticipant(ctx, participantID)
	if err != nil {
		return wrapStoreErr(err, "failed to list keys")
	}
	for _, kp := range keys {
		if kp.IsRevoked() {
			continue
		}
		if _, err := s.revoke(ctx, participantID, kp.ID, true); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) revoke(ctx context.Context, participantID id.ParticipantID, keyID id.KeyID, force bool) (*models.KeyPair, error) {
	now := requestcontext.Now(ctx)
	alreadyRevoked := false
	kp, err := s.store.Execute(ctx, participantID, keyID,
		func(k *models.KeyPair) error {
			if k.IsRevoked() {
				alreadyRevoked = true
				return nil
			}
			return k.CanRevoke(force)
		},
		func(k *models.KeyPair) {
			if !alreadyRevoked {
				k.ApplyRevocation(now)
			}
		},
	)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Newf(dErrors.CodeNotFound, "key %s not found", keyID).
				WithReason(dErrors.ReasonKeyNotFound)
		}
		if dErrors.CodeOf(err) != dErrors.CodeInternal {
			return nil, err
		}
		return nil, wrapStoreErr(err, "failed to revoke key pair")
	}
	if alreadyRevoked {
		return kp, nil
	}

	if err := s.vault.Delete(ctx, kp.PrivateKeyAlias); err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		s.logger.WarnContext(ctx, "failed to destroy revoked key material",
			"participant_id", participantID, "key_id", keyID, "error", err)
	}
	s.emit(ctx, audit.EventKeyRevoked, kp)
	if s.metrics != nil {
		s.metrics.IncrementRevoked()
	}
	for _, l := range s.listeners {
		if err := l.KeyRevoked(ctx, participantID, keyID); err != nil {
			return kp, dErrors.Wrap(err, dErrors.CodeConflict, "key revoked but DID document refresh failed")
		}
	}
	return kp, nil
}

// Sign signs payload with the ACTIVE key for purpose, by vault reference.
func (s *Service) Sign(ctx context.Context, participantID id.ParticipantID, purpose models.Purpose, payload []byte) ([]byte, *models.KeyPair, error) {
	kp, err := s.Active(ctx, participantID, purpose)
	if err != nil {
		return nil, nil, err
	}
	sig, err := s.vault.Sign(ctx, kp.PrivateKeyAlias, payload)
	if err != nil {
		if s.metrics != nil {
			s.metrics.IncrementSignFailure()
		}
		return nil, nil, dErrors.Wrap(err, dErrors.CodeCryptographic, "vault signing failed")
	}
	return sig, kp, nil
}

func (s *Service) Active(ctx context.Context, participantID id.ParticipantID, purpose models.Purpose) (*models.KeyPair, error) {
	if purpose == "" {
		purpose = models.PurposeSigning
	}
	kp, err := s.store.FindActive(ctx, participantID, purpose)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Newf(dErrors.CodeNotFound, "no ACTIVE %s key for participant %s", purpose, participantID).
				WithReason(dErrors.ReasonKeyNotFound)
		}
		return nil, wrapStoreErr(err, "failed to load active key")
	}
	return kp, nil
}

func (s *Service) Get(ctx context.Context, participantID id.ParticipantID, keyID id.KeyID) (*models.KeyPair, error) {
	kp, err := s.store.FindByID(ctx, participantID, keyID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Newf(dErrors.CodeNotFound, "key %s not found", keyID).
				WithReason(dErrors.ReasonKeyNotFound)
		}
		return nil, wrapStoreErr(err, "failed to load key")
	}
	return kp, nil
}

func (s *Service) List(ctx context.Context, participantID id.ParticipantID) ([]*models.KeyPair, error) {
	keys, err := s.store.ListByParticipant(ctx, participantID)
	if err != nil {
		return nil, wrapStoreErr(err, "failed to list keys")
	}
	return keys, nil
}

// VaultHasKey reports whether the private material behind kp is present.
func (s *Service) VaultHasKey(ctx context.Context, kp *models.KeyPair) (bool, error) {
	return s.vault.Exists(ctx, kp.PrivateKeyAlias)
}

func (s *Service) newKey(ctx context.Context, participantID id.ParticipantID, purpose models.Purpose, alg models.Algorithm) (*models.KeyPair, error) {
	keyID := models.NewKeyID(purpose)
	alias := models.PrivateKeyAlias(participantID, keyID)
	pub, err := s.vault.Create(ctx, alias, alg)
	if err != nil {
		if dErrors.HasReason(err, dErrors.ReasonUnsupportedAlgorithm) {
			return nil, err
		}
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "vault could not create key material")
	}
	return models.NewKeyPair(participantID, purpose, alg, keyID, pub, requestcontext.Now(ctx)), nil
}

func (s *Service) discard(ctx context.Context, alias string) {
	if err := s.vault.Delete(ctx, alias); err != nil {
		s.logger.WarnContext(ctx, "failed to discard unused key material", "alias", alias, "error", err)
	}
}

func (s *Service) emit(ctx context.Context, action audit.AuditEvent, kp *models.KeyPair) {
	if s.auditor == nil {
		return
	}
	err := s.auditor.Emit(ctx, audit.Event{
		ParticipantID: kp.ParticipantID,
		Subject:       kp.ID.String(),
		Action:        string(action),
		Decision:      string(kp.State),
		Timestamp:     requestcontext.Now(ctx),
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to emit key audit event", "action", action, "error", err)
	}
}

func duplicateActive(purpose models.Purpose) error {
	return dErrors.Newf(dErrors.CodeConflict, "an ACTIVE %s key already exists, rotate instead", purpose).
		WithReason(dErrors.ReasonDuplicateActiveKey)
}

func wrapStoreErr(err error, msg string) error {
	if errors.Is(err, sentinel.ErrUnavailable) {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, msg)
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, msg)
}
