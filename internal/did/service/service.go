// Package service maintains each participant's DID document: it derives the
// document from key state, versions it and hands versions to the publisher.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	didmetrics "idhub/internal/did/metrics"
	"idhub/internal/did/models"
	"idhub/internal/did/publisher"
	keymodels "idhub/internal/keypair/models"
	id "idhub/pkg/domain"
	dErrors "idhub/pkg/domain-errors"
	"idhub/pkg/platform/audit"
	"idhub/pkg/platform/sentinel"
	"idhub/pkg/requestcontext"
)

// DefaultPublishTimeout bounds a publish when the caller's context has no deadline.
const DefaultPublishTimeout = 10 * time.Second

type Store interface {
	Create(ctx context.Context, res *models.DidResource) error
	Execute(ctx context.Context, participantID id.ParticipantID, validate func(*models.DidResource) error, mutate func(*models.DidResource)) (*models.DidResource, error)
	FindByParticipant(ctx context.Context, participantID id.ParticipantID) (*models.DidResource, error)
	FindByDID(ctx context.Context, did id.DID) (*models.DidResource, error)
	ListByState(ctx context.Context, state models.State) ([]*models.DidResource, error)
}

// KeySource lists a participant's key pairs.
type KeySource interface {
	List(ctx context.Context, participantID id.ParticipantID) ([]*keymodels.KeyPair, error)
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

type Service struct {
	store          Store
	keys           KeySource
	publisher      publisher.Publisher
	logger         *slog.Logger
	auditor        AuditPublisher
	metrics        *didmetrics.Metrics
	publishTimeout time.Duration
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

func WithMetrics(m *didmetrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithPublishTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.publishTimeout = d
		}
	}
}

func New(store Store, keys KeySource, pub publisher.Publisher, opts ...Option) *Service {
	s := &Service{
		store:          store,
		keys:           keys,
		publisher:      pub,
		logger:         slog.Default(),
		publishTimeout: DefaultPublishTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create stores the participant's first document version, built from its
// current keys, in DRAFT.
func (s *Service) Create(ctx context.Context, participantID id.ParticipantID, did id.DID, services []models.Service) (*models.DidResource, error) {
	if participantID.IsNil() {
		return nil, dErrors.New(dErrors.CodeValidation, "participant id is required")
	}
	if _, err := id.ParseDID(did.String()); err != nil {
		return nil, err
	}
	doc, err := s.build(ctx, participantID, did, services)
	if err != nil {
		return nil, err
	}
	res := models.NewDidResource(participantID, did, services, doc, requestcontext.Now(ctx))
	if err := s.store.Create(ctx, res); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, dErrors.Newf(dErrors.CodeConflict, "DID %s or a document for %s already exists", did, participantID).
				WithReason(dErrors.ReasonParticipantExists)
		}
		return nil, wrapStoreErr(err, "failed to store DID resource")
	}
	s.emit(ctx, audit.EventDIDMaterialized, res, "")
	if s.metrics != nil {
		s.metrics.IncrementMaterialized()
	}
	return res, nil
}

// Materialize rebuilds the document from key state. An unchanged document
// returns the stored resource as-is; a changed one becomes Version+1 DRAFT.
// Deactivated resources are never rebuilt.
func (s *Service) Materialize(ctx context.Context, participantID id.ParticipantID) (*models.DidResource, error) {
	current, err := s.Get(ctx, participantID)
	if err != nil {
		return nil, err
	}
	if current.Deactivated {
		return current, nil
	}
	doc, err := s.build(ctx, participantID, current.DID, current.Services)
	if err != nil {
		return nil, err
	}

	changed := false
	now := requestcontext.Now(ctx)
	res, err := s.store.Execute(ctx, participantID,
		func(*models.DidResource) error { return nil },
		func(r *models.DidResource) {
			if !r.Deactivated {
				changed = r.ApplyDocument(doc, now)
			}
		},
	)
	if err != nil {
		return nil, s.translate(err, participantID, "failed to materialize DID document")
	}
	if changed {
		s.emit(ctx, audit.EventDIDMaterialized, res, "")
		if s.metrics != nil {
			s.metrics.IncrementMaterialized()
		}
		s.logger.InfoContext(ctx, "DID document materialized",
			"participant_id", participantID, "did", res.DID, "version", res.Version)
	}
	return res, nil
}

// UpdateServices replaces the service endpoints and re-materializes.
func (s *Service) UpdateServices(ctx context.Context, participantID id.ParticipantID, services []models.Service) (*models.DidResource, error) {
	_, err := s.store.Execute(ctx, participantID,
		func(r *models.DidResource) error {
			if r.Deactivated {
				return dErrors.Newf(dErrors.CodeConflict, "DID %s is deactivated", r.DID).
					WithReason(dErrors.ReasonInvalidStateTransition)
			}
			return nil
		},
		func(r *models.DidResource) { r.Services = append([]models.Service(nil), services...) },
	)
	if err != nil {
		return nil, s.translate(err, participantID, "failed to update services")
	}
	return s.Materialize(ctx, participantID)
}

// Publish hands version to the publisher. Only the latest version may be
// published; an already published version is a no-op. Failure or timeout
// leaves the resource STALE and returns it with a retryable error. There is
// no internal retry.
func (s *Service) Publish(ctx context.Context, participantID id.ParticipantID, version int64) (*models.DidResource, error) {
	res, err := s.Get(ctx, participantID)
	if err != nil {
		return nil, err
	}
	if err := res.CanPublish(version); err != nil {
		return res, err
	}
	if res.IsPublished() {
		if s.metrics != nil {
			s.metrics.IncrementNoopPublish()
		}
		return res, nil
	}

	start := time.Now()
	pubErr := s.publish(ctx, res)
	elapsed := time.Since(start)
	now := requestcontext.Now(ctx)

	if pubErr != nil {
		stale, err := s.store.Execute(ctx, participantID,
			func(r *models.DidResource) error { return r.CanPublish(version) },
			func(r *models.DidResource) { r.ApplyPublishFailed(pubErr, now) },
		)
		if err != nil {
			return res, s.translate(err, participantID, "failed to record publish failure")
		}
		if s.metrics != nil {
			s.metrics.ObservePublish("failed", elapsed)
		}
		s.emit(ctx, audit.EventDIDPublishFailed, stale, pubErr.Error())
		s.logger.WarnContext(ctx, "DID publish failed",
			"participant_id", participantID, "did", stale.DID, "version", version, "error", pubErr)
		return stale, publishFailed(stale.DID, version, pubErr)
	}

	published, err := s.store.Execute(ctx, participantID,
		func(r *models.DidResource) error { return r.CanPublish(version) },
		func(r *models.DidResource) { r.ApplyPublished(now) },
	)
	if err != nil {
		return res, s.translate(err, participantID, "failed to record publication")
	}
	if s.metrics != nil {
		s.metrics.ObservePublish("published", elapsed)
	}
	s.emit(ctx, audit.EventDIDPublished, published, "")
	s.logger.InfoContext(ctx, "DID document published",
		"participant_id", participantID, "did", published.DID, "version", version)
	return published, nil
}

func (s *Service) publish(ctx context.Context, res *models.DidResource) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.publishTimeout)
		defer cancel()
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.publisher.Publish(ctx, res.DID, res.Document.Clone())
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return fmt.Errorf("publish timed out: %w", ctx.Err())
	}
}

// Deactivate marks the resource deactivated and withdraws the document when
// the publisher supports it.
func (s *Service) Deactivate(ctx context.Context, participantID id.ParticipantID) (*models.DidResource, error) {
	now := requestcontext.Now(ctx)
	already := false
	res, err := s.store.Execute(ctx, participantID,
		func(r *models.DidResource) error {
			already = r.Deactivated
			return nil
		},
		func(r *models.DidResource) {
			if !already {
				r.ApplyDeactivation(now)
			}
		},
	)
	if err != nil {
		return nil, s.translate(err, participantID, "failed to deactivate DID")
	}
	if un, ok := s.publisher.(publisher.Unpublisher); ok {
		if err := un.Unpublish(ctx, res.DID); err != nil {
			return res, dErrors.Wrap(err, dErrors.CodeResolution, "failed to withdraw DID document").
				WithReason(dErrors.ReasonPublishFailed)
		}
	}
	if !already {
		s.emit(ctx, audit.EventDIDDeactivated, res, "")
	}
	return res, nil
}

// KeyRevoked drops the revoked key from the document.
func (s *Service) KeyRevoked(ctx context.Context, participantID id.ParticipantID, _ id.KeyID) error {
	_, err := s.Materialize(ctx, participantID)
	if dErrors.HasReason(err, dErrors.ReasonDIDNotFound) {
		return nil
	}
	return err
}

func (s *Service) Get(ctx context.Context, participantID id.ParticipantID) (*models.DidResource, error) {
	res, err := s.store.FindByParticipant(ctx, participantID)
	if err != nil {
		return nil, s.translate(err, participantID, "failed to load DID resource")
	}
	return res, nil
}

func (s *Service) GetByDID(ctx context.Context, did id.DID) (*models.DidResource, error) {
	res, err := s.store.FindByDID(ctx, did)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Newf(dErrors.CodeNotFound, "DID %s not found", did).
				WithReason(dErrors.ReasonDIDNotFound)
		}
		return nil, wrapStoreErr(err, "failed to load DID resource")
	}
	return res, nil
}

// ListStale returns every STALE, non-deactivated resource.
func (s *Service) ListStale(ctx context.Context) ([]*models.DidResource, error) {
	stale, err := s.store.ListByState(ctx, models.StateStale)
	if err != nil {
		return nil, wrapStoreErr(err, "failed to list stale DID resources")
	}
	if s.metrics != nil {
		s.metrics.SetStale(len(stale))
	}
	return stale, nil
}

func (s *Service) build(ctx context.Context, participantID id.ParticipantID, did id.DID, services []models.Service) (models.Document, error) {
	keys, err := s.keys.List(ctx, participantID)
	if err != nil {
		return models.Document{}, err
	}
	return models.BuildDocument(did, keys, services)
}

func (s *Service) emit(ctx context.Context, action audit.AuditEvent, res *models.DidResource, reason string) {
	if s.auditor == nil {
		return
	}
	err := s.auditor.Emit(ctx, audit.Event{
		ParticipantID: res.ParticipantID,
		Subject:       res.DID.String(),
		Action:        string(action),
		Decision:      fmt.Sprintf("%s v%d", res.State, res.Version),
		Reason:        reason,
		Timestamp:     requestcontext.Now(ctx),
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to emit DID audit event", "action", action, "error", err)
	}
}

func (s *Service) translate(err error, participantID id.ParticipantID, msg string) error {
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.Newf(dErrors.CodeNotFound, "no DID document for participant %s", participantID).
			WithReason(dErrors.ReasonDIDNotFound)
	}
	if dErrors.CodeOf(err) != dErrors.CodeInternal {
		return err
	}
	return wrapStoreErr(err, msg)
}

func publishFailed(did id.DID, version int64, cause error) error {
	return dErrors.Wrap(cause, dErrors.CodeResolution, fmt.Sprintf("publishing %s version %d failed", did, version)).
		WithReason(dErrors.ReasonPublishFailed)
}

func wrapStoreErr(err error, msg string) error {
	if errors.Is(err, sentinel.ErrUnavailable) {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, msg)
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, msg)
}
