// Package service is the participant context manager. It owns the
// participant lifecycle and orchestrates key pairs and DID documents under a
// per-participant lock, so rotate → materialize → publish runs as one unit
// and different participants never contend.
package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	didmodels "idhub/internal/did/models"
	keymodels "idhub/internal/keypair/models"
	pmetrics "idhub/internal/participant/metrics"
	"idhub/internal/participant/models"
	"idhub/internal/participant/secrets"
	"idhub/internal/participant/store"
	id "idhub/pkg/domain"
	dErrors "idhub/pkg/domain-errors"
	"idhub/pkg/platform/audit"
	"idhub/pkg/platform/keylock"
	"idhub/pkg/platform/sentinel"
	"idhub/pkg/requestcontext"
)

type Store interface {
	Create(ctx context.Context, p *models.Participant) error
	Execute(ctx context.Context, participantID id.ParticipantID, validate func(*models.Participant) error, mutate func(*models.Participant)) (*models.Participant, error)
	FindByID(ctx context.Context, participantID id.ParticipantID) (*models.Participant, error)
	FindByDID(ctx context.Context, did id.DID) (*models.Participant, error)
	List(ctx context.Context, filter store.ListFilter) ([]*models.Participant, error)
}

type KeyService interface {
	Generate(ctx context.Context, participantID id.ParticipantID, purpose keymodels.Purpose, algorithm string) (*keymodels.KeyPair, error)
	Rotate(ctx context.Context, participantID id.ParticipantID, purpose keymodels.Purpose) (*keymodels.KeyPair, error)
	Revoke(ctx context.Context, participantID id.ParticipantID, keyID id.KeyID) (*keymodels.KeyPair, error)
	RevokeAll(ctx context.Context, participantID id.ParticipantID) error
	Active(ctx context.Context, participantID id.ParticipantID, purpose keymodels.Purpose) (*keymodels.KeyPair, error)
	VaultHasKey(ctx context.Context, kp *keymodels.KeyPair) (bool, error)
}

type DIDService interface {
	Create(ctx context.Context, participantID id.ParticipantID, did id.DID, services []didmodels.Service) (*didmodels.DidResource, error)
	Materialize(ctx context.Context, participantID id.ParticipantID) (*didmodels.DidResource, error)
	Publish(ctx context.Context, participantID id.ParticipantID, version int64) (*didmodels.DidResource, error)
	Get(ctx context.Context, participantID id.ParticipantID) (*didmodels.DidResource, error)
	ListStale(ctx context.Context) ([]*didmodels.DidResource, error)
	Deactivate(ctx context.Context, participantID id.ParticipantID) (*didmodels.DidResource, error)
}

// CredentialLedger counts credentials that still block deletion: PENDING or
// ACTIVE ones where the participant is subject or issuer.
type CredentialLedger interface {
	CountLive(ctx context.Context, participantID id.ParticipantID) (int, error)
}

// LedgerFunc adapts a function to CredentialLedger. It lets the credential
// service, which itself depends on the manager, be bound after New.
type LedgerFunc func(ctx context.Context, participantID id.ParticipantID) (int, error)

func (f LedgerFunc) CountLive(ctx context.Context, participantID id.ParticipantID) (int, error) {
	return f(ctx, participantID)
}

// SecretVault stores API key hashes.
type SecretVault interface {
	PutSecret(ctx context.Context, alias, value string) error
	GetSecret(ctx context.Context, alias string) (string, error)
	Delete(ctx context.Context, alias string) error
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// CreateRequest describes a new participant. Zero values select defaults:
// a generated id, a did:web DID under the configured host, EdDSA keys and a
// generated API key.
type CreateRequest struct {
	ID                id.ParticipantID
	Name              string
	DID               id.DID
	Algorithm         string
	Roles             []string
	CredentialService string
	ProtocolEndpoint  string
	APIKey            string
}

// CreateResult is returned by Create, also alongside a retryable error when
// the participant was stored but its document could not be published.
type CreateResult struct {
	Participant *models.Participant
	Key         *keymodels.KeyPair
	DID         *didmodels.DidResource
	// APIKey is only ever returned here; the service keeps a hash.
	APIKey string
}

type RotationResult struct {
	Key *keymodels.KeyPair
	DID *didmodels.DidResource
}

// ReconcileReport lists what a Reconcile pass changed. Failed maps a
// participant to the reason its document is still unpublished.
type ReconcileReport struct {
	Published []id.ParticipantID
	Activated []id.ParticipantID
	Failed    map[id.ParticipantID]string
}

type Service struct {
	store      Store
	keys       KeyService
	dids       DIDService
	ledger     CredentialLedger
	vault      SecretVault
	locker     *keylock.Locker
	logger     *slog.Logger
	auditor    AuditPublisher
	metrics    *pmetrics.Metrics
	tracer     trace.Tracer
	didHost    string
	defaultAlg string
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

func WithMetrics(m *pmetrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithLocker shares a locker with other services guarding the same participants.
func WithLocker(l *keylock.Locker) Option {
	return func(s *Service) {
		s.locker = l
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(s *Service) {
		s.tracer = t
	}
}

// WithDIDHost sets the host (and optional path) of generated did:web DIDs.
func WithDIDHost(host string) Option {
	return func(s *Service) {
		s.didHost = host
	}
}

func WithDefaultAlgorithm(alg string) Option {
	return func(s *Service) {
		s.defaultAlg = alg
	}
}

func New(st Store, keys KeyService, dids DIDService, ledger CredentialLedger, vault SecretVault, opts ...Option) *Service {
	s := &Service{
		store:      st,
		keys:       keys,
		dids:       dids,
		ledger:     ledger,
		vault:      vault,
		locker:     keylock.New(),
		logger:     slog.Default(),
		tracer:     otel.Tracer("idhub/participant"),
		didHost:    "localhost:8080",
		defaultAlg: string(keymodels.AlgorithmEdDSA),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create stores a participant, generates its signing key and API key, and
// publishes its first DID document. On publish failure the participant stays
// CREATED with a STALE document; the partial result is returned with a
// retryable error and Activate or Reconcile finish the job.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	participantID := req.ID
	if participantID.IsNil() {
		participantID = id.NewParticipantID()
	} else if _, err := id.ParseParticipantID(participantID.String()); err != nil {
		return nil, err
	}
	if _, err := keymodels.ParseAlgorithm(s.algorithm(req.Algorithm)); err != nil {
		return nil, err
	}
	did := req.DID
	if did.IsNil() {
		did = id.WebDID(s.didHost, participantID)
	} else if _, err := id.ParseDID(did.String()); err != nil {
		return nil, err
	}

	ctx, span := s.tracer.Start(ctx, "participant.Create",
		trace.WithAttributes(attribute.String("participant_id", participantID.String())))
	defer span.End()

	ctx, unlock, err := s.lock(ctx, participantID)
	if err != nil {
		return nil, endSpan(span, err)
	}
	defer unlock()

	p, err := models.NewParticipant(participantID, req.Name, did, req.Roles, requestcontext.Now(ctx))
	if err != nil {
		return nil, endSpan(span, dErrors.Wrap(err, dErrors.CodeValidation, "invalid participant"))
	}
	if err := s.store.Create(ctx, p); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, endSpan(span, dErrors.Newf(dErrors.CodeConflict, "participant %s or DID %s already exists", participantID, did).
				WithReason(dErrors.ReasonParticipantExists))
		}
		return nil, endSpan(span, wrapStoreErr(err, "failed to create participant"))
	}
	s.emit(ctx, audit.EventParticipantCreated, p, "")
	if s.metrics != nil {
		s.metrics.IncrementCreated()
	}

	result := &CreateResult{Participant: p}
	apiKey, err := s.storeAPIKey(ctx, participantID, req.APIKey)
	if err != nil {
		return result, endSpan(span, err)
	}
	result.APIKey = apiKey

	services := s.services(did, req)
	kp, res, err := s.ensureIdentity(ctx, p, req.Algorithm, services)
	result.Key, result.DID = kp, res
	if err != nil {
		s.logger.WarnContext(ctx, "participant created but not activated",
			"participant_id", participantID, "error", err)
		return result, endSpan(span, err)
	}

	activated, err := s.activate(ctx, participantID)
	if err != nil {
		return result, endSpan(span, err)
	}
	result.Participant = activated
	s.logger.InfoContext(ctx, "participant created",
		"participant_id", participantID, "did", did, "key_id", kp.ID)
	return result, nil
}

// Activate moves a CREATED participant to ACTIVATED, publishing its
// document first if needed.
func (s *Service) Activate(ctx context.Context, participantID id.ParticipantID) (*models.Participant, error) {
	ctx, span := s.tracer.Start(ctx, "participant.Activate",
		trace.WithAttributes(attribute.String("participant_id", participantID.String())))
	defer span.End()

	ctx, unlock, err := s.lock(ctx, participantID)
	if err != nil {
		return nil, endSpan(span, err)
	}
	defer unlock()

	p, err := s.Get(ctx, participantID)
	if err != nil {
		return nil, endSpan(span, err)
	}
	if err := p.CanActivate(); err != nil {
		return nil, endSpan(span, err)
	}
	if _, _, err := s.ensureIdentity(ctx, p, "", nil); err != nil {
		return nil, endSpan(span, err)
	}
	activated, err := s.activate(ctx, participantID)
	return activated, endSpan(span, err)
}

// ensureIdentity makes sure p has an ACTIVE signing key and a published DID
// document. Each step is skipped when already done, so it is safe to repeat.
// Caller holds the participant lock.
func (s *Service) ensureIdentity(ctx context.Context, p *models.Participant, algorithm string, services []didmodels.Service) (*keymodels.KeyPair, *didmodels.DidResource, error) {
	kp, err := s.keys.Active(ctx, p.ID, keymodels.PurposeSigning)
	if dErrors.HasReason(err, dErrors.ReasonKeyNotFound) {
		kp, err = s.keys.Generate(ctx, p.ID, keymodels.PurposeSigning, s.algorithm(algorithm))
	}
	if err != nil {
		return nil, nil, err
	}

	res, err := s.dids.Get(ctx, p.ID)
	switch {
	case dErrors.HasReason(err, dErrors.ReasonDIDNotFound):
		res, err = s.dids.Create(ctx, p.ID, p.DID, services)
	case err == nil:
		res, err = s.dids.Materialize(ctx, p.ID)
	}
	if err != nil {
		return kp, res, err
	}
	if res.IsPublished() {
		return kp, res, nil
	}
	res, err = s.dids.Publish(ctx, p.ID, res.Version)
	return kp, res, err
}

func (s *Service) activate(ctx context.Context, participantID id.ParticipantID) (*models.Participant, error) {
	now := requestcontext.Now(ctx)
	p, err := s.store.Execute(ctx, participantID,
		func(p *models.Participant) error { return p.CanActivate() },
		func(p *models.Participant) { p.ApplyActivation(now) },
	)
	if err != nil {
		return nil, s.translate(err, participantID, "failed to activate participant")
	}
	s.transitioned(ctx, audit.EventParticipantActivated, p)
	return p, nil
}

// RotateKeys rotates the participant's key for purpose and publishes the new
// document as one unit under the participant lock. A publish failure keeps
// the new key ACTIVE and the document STALE; the result is returned with the
// retryable error and Reconcile retries the publish.
func (s *Service) RotateKeys(ctx context.Context, participantID id.ParticipantID, purpose keymodels.Purpose) (*RotationResult, error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "participant.RotateKeys",
		trace.WithAttributes(attribute.String("participant_id", participantID.String())))
	defer span.End()

	ctx, unlock, err := s.lock(ctx, participantID)
	if err != nil {
		return nil, endSpan(span, err)
	}
	defer unlock()

	if _, err := s.requireLive(ctx, participantID); err != nil {
		return nil, endSpan(span, err)
	}

	kp, err := s.keys.Rotate(ctx, participantID, purpose)
	if err != nil {
		return nil, endSpan(span, err)
	}
	result := &RotationResult{Key: kp}
	res, err := s.dids.Materialize(ctx, participantID)
	if err != nil {
		return result, endSpan(span, err)
	}
	result.DID = res
	span.SetAttributes(attribute.Int64("did_version", res.Version))

	res, err = s.dids.Publish(ctx, participantID, res.Version)
	if res != nil {
		result.DID = res
	}
	if s.metrics != nil {
		s.metrics.ObserveRotation(start)
	}
	if err != nil {
		s.logger.WarnContext(ctx, "key rotated but DID document is stale",
			"participant_id", participantID, "key_id", kp.ID, "error", err)
		return result, endSpan(span, err)
	}
	return result, nil
}

// RevokeKey revokes a non-active key and republishes the document.
func (s *Service) RevokeKey(ctx context.Context, participantID id.ParticipantID, keyID id.KeyID) (*didmodels.DidResource, error) {
	ctx, span := s.tracer.Start(ctx, "participant.RevokeKey",
		trace.WithAttributes(attribute.String("participant_id", participantID.String())))
	defer span.End()

	ctx, unlock, err := s.lock(ctx, participantID)
	if err != nil {
		return nil, endSpan(span, err)
	}
	defer unlock()

	if _, err := s.requireLive(ctx, participantID); err != nil {
		return nil, endSpan(span, err)
	}
	if _, err := s.keys.Revoke(ctx, participantID, keyID); err != nil {
		return nil, endSpan(span, err)
	}
	res, err := s.dids.Materialize(ctx, participantID)
	if err != nil {
		return nil, endSpan(span, err)
	}
	if res.IsPublished() {
		return res, nil
	}
	res, err = s.dids.Publish(ctx, participantID, res.Version)
	return res, endSpan(span, err)
}

// Reconcile retries publication of every STALE document and activates
// CREATED participants whose identity can now be completed. Per-participant
// failures are reported, not returned.
func (s *Service) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	ctx, span := s.tracer.Start(ctx, "participant.Reconcile")
	defer span.End()

	report := &ReconcileReport{Failed: make(map[id.ParticipantID]string)}
	stale, err := s.dids.ListStale(ctx)
	if err != nil {
		return report, endSpan(span, err)
	}
	for _, res := range stale {
		if err := s.republish(ctx, res.ParticipantID, report); err != nil {
			report.Failed[res.ParticipantID] = err.Error()
			s.reconciled("failed")
		}
	}

	created, err := s.store.List(ctx, store.ListFilter{State: models.StateCreated})
	if err != nil {
		return report, endSpan(span, wrapStoreErr(err, "failed to list created participants"))
	}
	for _, p := range created {
		if _, failed := report.Failed[p.ID]; failed {
			continue
		}
		if _, err := s.Activate(ctx, p.ID); err != nil {
			report.Failed[p.ID] = err.Error()
			s.reconciled("failed")
			continue
		}
		report.Activated = append(report.Activated, p.ID)
		s.reconciled("activated")
	}
	span.SetAttributes(
		attribute.Int("published", len(report.Published)),
		attribute.Int("activated", len(report.Activated)),
		attribute.Int("failed", len(report.Failed)),
	)
	return report, nil
}

func (s *Service) republish(ctx context.Context, participantID id.ParticipantID, report *ReconcileReport) error {
	ctx, unlock, err := s.lock(ctx, participantID)
	if err != nil {
		return err
	}
	defer unlock()

	res, err := s.dids.Get(ctx, participantID)
	if err != nil {
		return err
	}
	if !res.IsStale() || res.Deactivated {
		return nil
	}
	published, err := s.dids.Publish(ctx, participantID, res.Version)
	if err != nil {
		return err
	}
	report.Published = append(report.Published, participantID)
	s.reconciled("published")
	if s.auditor != nil {
		_ = s.auditor.Emit(ctx, audit.Event{
			ParticipantID: participantID,
			Subject:       published.DID.String(),
			Action:        string(audit.EventStaleReconciled),
			Timestamp:     requestcontext.Now(ctx),
		})
	}
	return nil
}

func (s *Service) reconciled(outcome string) {
	if s.metrics != nil {
		s.metrics.IncrementReconcile(outcome)
	}
}

// Suspend blocks credential issuance and validation for the participant.
func (s *Service) Suspend(ctx context.Context, participantID id.ParticipantID) (*models.Participant, error) {
	return s.transition(ctx, participantID, "participant.Suspend", audit.EventParticipantSuspended,
		(*models.Participant).CanSuspend, (*models.Participant).ApplySuspension)
}

func (s *Service) Resume(ctx context.Context, participantID id.ParticipantID) (*models.Participant, error) {
	return s.transition(ctx, participantID, "participant.Resume", audit.EventParticipantResumed,
		(*models.Participant).CanResume, (*models.Participant).ApplyResumption)
}

func (s *Service) transition(ctx context.Context, participantID id.ParticipantID, spanName string, event audit.AuditEvent,
	can func(*models.Participant) error, apply func(*models.Participant, time.Time)) (*models.Participant, error) {
	ctx, span := s.tracer.Start(ctx, spanName,
		trace.WithAttributes(attribute.String("participant_id", participantID.String())))
	defer span.End()

	ctx, unlock, err := s.lock(ctx, participantID)
	if err != nil {
		return nil, endSpan(span, err)
	}
	defer unlock()

	now := requestcontext.Now(ctx)
	p, err := s.store.Execute(ctx, participantID,
		can,
		func(p *models.Participant) { apply(p, now) },
	)
	if err != nil {
		return nil, endSpan(span, s.translate(err, participantID, "failed to update participant"))
	}
	s.transitioned(ctx, event, p)
	return p, nil
}

// Delete revokes every key, deactivates the DID and marks the participant
// DELETED. It fails with ParticipantNotDeletable while any credential it
// issued or holds is still PENDING or ACTIVE.
func (s *Service) Delete(ctx context.Context, participantID id.ParticipantID) (*models.Participant, error) {
	ctx, span := s.tracer.Start(ctx, "participant.Delete",
		trace.WithAttributes(attribute.String("participant_id", participantID.String())))
	defer span.End()

	ctx, unlock, err := s.lock(ctx, participantID)
	if err != nil {
		return nil, endSpan(span, err)
	}
	defer unlock()

	p, err := s.Get(ctx, participantID)
	if err != nil {
		return nil, endSpan(span, err)
	}
	if err := p.CanDelete(); err != nil {
		return nil, endSpan(span, err)
	}
	live, err := s.ledger.CountLive(ctx, participantID)
	if err != nil {
		return nil, endSpan(span, wrapStoreErr(err, "failed to count credentials"))
	}
	if live > 0 {
		return nil, endSpan(span, dErrors.Newf(dErrors.CodeConflict,
			"cannot delete participant %s with %d active credentials, revoke them first", participantID, live).
			WithReason(dErrors.ReasonParticipantNotDeletable))
	}

	if err := s.keys.RevokeAll(ctx, participantID); err != nil {
		return nil, endSpan(span, err)
	}
	if _, err := s.dids.Deactivate(ctx, participantID); err != nil && !dErrors.HasReason(err, dErrors.ReasonDIDNotFound) {
		return nil, endSpan(span, err)
	}
	if err := s.vault.Delete(ctx, secrets.VaultAlias(participantID)); err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		s.logger.WarnContext(ctx, "failed to delete api key hash", "participant_id", participantID, "error", err)
	}

	now := requestcontext.Now(ctx)
	deleted, err := s.store.Execute(ctx, participantID,
		func(p *models.Participant) error { return p.CanDelete() },
		func(p *models.Participant) { p.ApplyDeletion(now) },
	)
	if err != nil {
		return nil, endSpan(span, s.translate(err, participantID, "failed to delete participant"))
	}
	s.transitioned(ctx, audit.EventParticipantDeleted, deleted)
	return deleted, nil
}

func (s *Service) Get(ctx context.Context, participantID id.ParticipantID) (*models.Participant, error) {
	p, err := s.store.FindByID(ctx, participantID)
	if err != nil {
		return nil, s.translate(err, participantID, "failed to load participant")
	}
	return p, nil
}

func (s *Service) GetByDID(ctx context.Context, did id.DID) (*models.Participant, error) {
	p, err := s.store.FindByDID(ctx, did)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Newf(dErrors.CodeNotFound, "no participant owns %s", did).
				WithReason(dErrors.ReasonParticipantNotFound)
		}
		return nil, wrapStoreErr(err, "failed to load participant")
	}
	return p, nil
}

func (s *Service) List(ctx context.Context, filter store.ListFilter) ([]*models.Participant, error) {
	ps, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, wrapStoreErr(err, "failed to list participants")
	}
	return ps, nil
}

// RequireActive returns the participant if it is ACTIVATED.
func (s *Service) RequireActive(ctx context.Context, participantID id.ParticipantID) (*models.Participant, error) {
	p, err := s.Get(ctx, participantID)
	if err != nil {
		return nil, err
	}
	if err := p.RequireActive(); err != nil {
		return nil, err
	}
	return p, nil
}

// VerifyAPIKey returns the participant a key belongs to. Deleted
// participants and mismatching keys are rejected with CodeForbidden.
func (s *Service) VerifyAPIKey(ctx context.Context, key string) (*models.Participant, error) {
	participantID, err := secrets.ParticipantOf(key)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeForbidden, "invalid api key")
	}
	hash, err := s.vault.GetSecret(ctx, secrets.VaultAlias(participantID))
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeForbidden, "invalid api key")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to load api key")
	}
	if err := secrets.VerifyAPIKey(key, hash); err != nil {
		return nil, err
	}
	p, err := s.Get(ctx, participantID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeForbidden, "invalid api key")
	}
	if p.IsDeleted() {
		return nil, dErrors.New(dErrors.CodeForbidden, "invalid api key")
	}
	return p, nil
}

// RegenerateAPIKey replaces the participant's API key and returns the new one.
func (s *Service) RegenerateAPIKey(ctx context.Context, participantID id.ParticipantID, override string) (string, error) {
	ctx, unlock, err := s.lock(ctx, participantID)
	if err != nil {
		return "", err
	}
	defer unlock()

	p, err := s.requireLive(ctx, participantID)
	if err != nil {
		return "", err
	}
	key, err := s.storeAPIKey(ctx, participantID, override)
	if err != nil {
		return "", err
	}
	s.emit(ctx, audit.EventAPIKeyRegenerated, p, "")
	return key, nil
}

// CheckSecrets verifies the vault still holds the participant's API key
// hash and the private material of its ACTIVE signing key.
func (s *Service) CheckSecrets(ctx context.Context, participantID id.ParticipantID) error {
	if _, err := s.vault.GetSecret(ctx, secrets.VaultAlias(participantID)); err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "api key secret missing from vault")
	}
	kp, err := s.keys.Active(ctx, participantID, keymodels.PurposeSigning)
	if err != nil {
		return err
	}
	ok, err := s.keys.VaultHasKey(ctx, kp)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to query vault")
	}
	if !ok {
		return dErrors.Newf(dErrors.CodeUnavailable, "private key %s missing from vault", kp.PrivateKeyAlias)
	}
	return nil
}

func (s *Service) storeAPIKey(ctx context.Context, participantID id.ParticipantID, override string) (string, error) {
	key := strings.TrimSpace(override)
	if key == "" {
		var err error
		if key, err = secrets.NewAPIKey(participantID); err != nil {
			return "", dErrors.Wrap(err, dErrors.CodeInternal, "failed to generate api key")
		}
	} else if !secrets.WellFormed(key) {
		s.logger.WarnContext(ctx, "api key override does not have the form base64(participantId).secret",
			"participant_id", participantID)
	}
	hash, err := secrets.HashAPIKey(key)
	if err != nil {
		return "", err
	}
	if err := s.vault.PutSecret(ctx, secrets.VaultAlias(participantID), hash); err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to store api key")
	}
	return key, nil
}

func (s *Service) services(did id.DID, req CreateRequest) []didmodels.Service {
	var out []didmodels.Service
	if req.CredentialService != "" {
		out = append(out, didmodels.NewService(did, didmodels.ServiceTypeCredentialService, req.CredentialService))
	}
	if req.ProtocolEndpoint != "" {
		out = append(out, didmodels.NewService(did, didmodels.ServiceTypeProtocolEndpoint, req.ProtocolEndpoint))
	}
	return out
}

func (s *Service) algorithm(requested string) string {
	if requested != "" {
		return requested
	}
	return s.defaultAlg
}

func (s *Service) requireLive(ctx context.Context, participantID id.ParticipantID) (*models.Participant, error) {
	p, err := s.Get(ctx, participantID)
	if err != nil {
		return nil, err
	}
	if p.IsDeleted() {
		return nil, dErrors.Newf(dErrors.CodeConflict, "participant %s is deleted", participantID).
			WithReason(dErrors.ReasonParticipantInactive)
	}
	return p, nil
}

func (s *Service) lock(ctx context.Context, participantID id.ParticipantID) (context.Context, func(), error) {
	ctx, unlock, err := s.locker.Lock(ctx, participantID.String())
	if err != nil {
		if s.metrics != nil {
			s.metrics.IncrementLockTimeout()
		}
		return ctx, nil, err
	}
	return ctx, unlock, nil
}

func (s *Service) transitioned(ctx context.Context, event audit.AuditEvent, p *models.Participant) {
	s.emit(ctx, event, p, "")
	if s.metrics != nil {
		s.metrics.IncrementTransition(string(p.State))
	}
	s.logger.InfoContext(ctx, "participant state changed", "participant_id", p.ID, "state", p.State)
}

func (s *Service) emit(ctx context.Context, action audit.AuditEvent, p *models.Participant, reason string) {
	if s.auditor == nil {
		return
	}
	err := s.auditor.Emit(ctx, audit.Event{
		ParticipantID: p.ID,
		Subject:       p.DID.String(),
		Action:        string(action),
		Decision:      string(p.State),
		Reason:        reason,
		Timestamp:     requestcontext.Now(ctx),
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to emit participant audit event", "action", action, "error", err)
	}
}

func (s *Service) translate(err error, participantID id.ParticipantID, msg string) error {
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.Newf(dErrors.CodeNotFound, "participant %s not found", participantID).
			WithReason(dErrors.ReasonParticipantNotFound)
	}
	if errors.Is(err, sentinel.ErrConflict) {
		return dErrors.Wrap(err, dErrors.CodeConflict, "participant changed concurrently")
	}
	if dErrors.CodeOf(err) != dErrors.CodeInternal {
		return err
	}
	return wrapStoreErr(err, msg)
}

func endSpan(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(dErrors.CodeOf(err)))
	}
	return err
}

func wrapStoreErr(err error, msg string) error {
	if errors.Is(err, sentinel.ErrUnavailable) {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, msg)
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, msg)
}
