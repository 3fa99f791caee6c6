// Package service issues and revokes verifiable credentials and answers
// queries over the credential store. Expired credentials are marked EXPIRED
// lazily, whenever they are read.
package service

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	cmetrics "idhub/internal/credential/metrics"
	"idhub/internal/credential/models"
	"idhub/internal/credential/statuslist"
	keymodels "idhub/internal/keypair/models"
	pmodels "idhub/internal/participant/models"
	id "idhub/pkg/domain"
	dErrors "idhub/pkg/domain-errors"
	"idhub/pkg/platform/audit"
	"idhub/pkg/platform/keylock"
	"idhub/pkg/platform/sentinel"
	"idhub/pkg/requestcontext"
)

type Store interface {
	Create(ctx context.Context, c *models.Credential) error
	FindByID(ctx context.Context, credentialID id.CredentialID) (*models.Credential, error)
	UpdateStatus(ctx context.Context, credentialID id.CredentialID, from, to models.Status, now time.Time) (*models.Credential, error)
	ListBySubject(ctx context.Context, participantID id.ParticipantID) ([]*models.Credential, error)
	ListByIssuer(ctx context.Context, participantID id.ParticipantID) ([]*models.Credential, error)
	ListLive(ctx context.Context, participantID id.ParticipantID) ([]*models.Credential, error)
}

type Participants interface {
	Get(ctx context.Context, participantID id.ParticipantID) (*pmodels.Participant, error)
	GetByDID(ctx context.Context, did id.DID) (*pmodels.Participant, error)
	RequireActive(ctx context.Context, participantID id.ParticipantID) (*pmodels.Participant, error)
}

type Signer interface {
	Active(ctx context.Context, participantID id.ParticipantID, purpose keymodels.Purpose) (*keymodels.KeyPair, error)
	Sign(ctx context.Context, participantID id.ParticipantID, purpose keymodels.Purpose, payload []byte) ([]byte, *keymodels.KeyPair, error)
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// IssueRequest describes a credential to issue. The subject is either a
// managed participant (SubjectID) or any DID (SubjectDID).
type IssueRequest struct {
	IssuerID   id.ParticipantID
	SubjectID  id.ParticipantID
	SubjectDID id.DID
	Types      []string
	Claims     map[string]any
	ExpiresAt  *time.Time
}

type Service struct {
	store        Store
	participants Participants
	keys         Signer
	statusList   statuslist.List
	locker       *keylock.Locker
	logger       *slog.Logger
	auditor      AuditPublisher
	metrics      *cmetrics.Metrics
	tracer       trace.Tracer
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

func WithMetrics(m *cmetrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithLocker must be the locker the participant manager uses, so issuance
// never signs with a key that is being rotated.
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

func New(store Store, participants Participants, keys Signer, list statuslist.List, opts ...Option) *Service {
	s := &Service{
		store:        store,
		participants: participants,
		keys:         keys,
		statusList:   list,
		locker:       keylock.New(),
		logger:       slog.Default(),
		tracer:       otel.Tracer("idhub/credential"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Issue signs a VC-JWT with the issuer's ACTIVE signing key and stores it
// as PENDING. The issuer must be ACTIVATED.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (*models.Credential, error) {
	ctx, span := s.tracer.Start(ctx, "credential.Issue",
		trace.WithAttributes(attribute.String("issuer_id", req.IssuerID.String())))
	defer span.End()

	// A managed subject is locked with the issuer so it cannot be deleted
	// between the checks below and the store write.
	keys := []string{req.IssuerID.String()}
	if _, subjectID, err := s.subject(ctx, req); err == nil && !subjectID.IsNil() {
		keys = append(keys, subjectID.String())
	}
	ctx, unlock, err := s.locker.LockAll(ctx, keys...)
	if err != nil {
		return nil, endSpan(span, err)
	}
	defer unlock()

	issuer, err := s.participants.RequireActive(ctx, req.IssuerID)
	if err != nil {
		return nil, endSpan(span, err)
	}
	subjectDID, subjectID, err := s.subject(ctx, req)
	if err != nil {
		return nil, endSpan(span, err)
	}
	if !subjectID.IsNil() && !s.locker.Held(ctx, subjectID.String()) {
		return nil, endSpan(span, dErrors.Newf(dErrors.CodeConflict, "subject %s changed during issuance", subjectDID))
	}
	now := requestcontext.Now(ctx)
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return nil, endSpan(span, dErrors.New(dErrors.CodeValidation, "expiry must be in the future"))
	}

	kp, err := s.keys.Active(ctx, issuer.ID, keymodels.PurposeSigning)
	if err != nil {
		return nil, endSpan(span, err)
	}
	credentialID := id.NewCredentialID()
	subjectClaims := maps.Clone(req.Claims)
	if subjectClaims == nil {
		subjectClaims = make(map[string]any)
	}
	subjectClaims["id"] = subjectDID.String()
	claims := &models.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        credentialID.String(),
			Issuer:    issuer.DID.String(),
			Subject:   subjectDID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
		VC: models.VC{
			Context:           []string{models.ContextCredentialsV1},
			Type:              normalizeTypes(req.Types),
			CredentialSubject: subjectClaims,
		},
	}
	if req.ExpiresAt != nil {
		claims.ExpiresAt = jwt.NewNumericDate(*req.ExpiresAt)
	}

	raw, err := models.Encode(claims, kp.Algorithm, kp.VerificationMethodID(issuer.DID), func(input []byte) ([]byte, error) {
		sig, used, err := s.keys.Sign(ctx, issuer.ID, keymodels.PurposeSigning, input)
		if err != nil {
			return nil, err
		}
		if used.ID != kp.ID {
			return nil, dErrors.New(dErrors.CodeConflict, "signing key changed during issuance")
		}
		return sig, nil
	})
	if err != nil {
		return nil, endSpan(span, err)
	}

	tok, err := models.ParseToken(raw)
	if err != nil {
		return nil, endSpan(span, dErrors.Wrap(err, dErrors.CodeInternal, "issued credential does not parse"))
	}
	c := tok.NewCredential(models.StatusPending, now)
	c.IssuerParticipantID = issuer.ID
	c.SubjectParticipantID = subjectID
	if err := s.store.Create(ctx, c); err != nil {
		return nil, endSpan(span, wrapStoreErr(err, "failed to store credential"))
	}

	span.SetAttributes(attribute.String("credential_id", c.ID.String()))
	s.emit(ctx, audit.EventCredentialIssued, issuer.ID, c, "")
	if s.metrics != nil {
		s.metrics.IncrementIssued()
	}
	s.logger.InfoContext(ctx, "credential issued",
		"credential_id", c.ID, "issuer_id", issuer.ID, "subject", subjectDID, "key_id", kp.ID)
	return c, nil
}

func (s *Service) subject(ctx context.Context, req IssueRequest) (id.DID, id.ParticipantID, error) {
	if !req.SubjectID.IsNil() {
		p, err := s.participants.Get(ctx, req.SubjectID)
		if err != nil {
			return "", "", err
		}
		if p.IsDeleted() {
			return "", "", dErrors.Newf(dErrors.CodeConflict, "subject %s is deleted", p.ID).
				WithReason(dErrors.ReasonParticipantInactive)
		}
		if !req.SubjectDID.IsNil() && req.SubjectDID != p.DID {
			return "", "", dErrors.Newf(dErrors.CodeValidation, "subject DID %s does not belong to %s", req.SubjectDID, p.ID)
		}
		return p.DID, p.ID, nil
	}
	did, err := id.ParseDID(req.SubjectDID.String())
	if err != nil {
		return "", "", err
	}
	p, err := s.participants.GetByDID(ctx, did)
	switch {
	case err == nil:
		return did, p.ID, nil
	case dErrors.HasCode(err, dErrors.CodeNotFound):
		return did, "", nil
	default:
		return "", "", err
	}
}

func normalizeTypes(types []string) []string {
	out := []string{models.TypeVerifiableCredential}
	for _, t := range types {
		if t != "" && !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	return out
}

// Revoke marks a PENDING or ACTIVE credential REVOKED and records it in the
// status list. Revoking a REVOKED credential only republishes the status.
func (s *Service) Revoke(ctx context.Context, credentialID id.CredentialID) (*models.Credential, error) {
	ctx, span := s.tracer.Start(ctx, "credential.Revoke",
		trace.WithAttributes(attribute.String("credential_id", credentialID.String())))
	defer span.End()

	var c *models.Credential
	for attempt := 0; ; attempt++ {
		current, err := s.find(ctx, credentialID)
		if err != nil {
			return nil, endSpan(span, err)
		}
		if current.Status == models.StatusRevoked {
			c = current
			break
		}
		if err := current.CanTransition(models.StatusRevoked); err != nil {
			return nil, endSpan(span, err)
		}
		c, err = s.store.UpdateStatus(ctx, credentialID, current.Status, models.StatusRevoked, requestcontext.Now(ctx))
		if err == nil {
			s.statusChanged(ctx, audit.EventCredentialRevoked, c)
			break
		}
		if !errors.Is(err, sentinel.ErrConflict) || attempt == 2 {
			return nil, endSpan(span, s.translate(err, credentialID, "failed to revoke credential"))
		}
	}

	if err := s.statusList.Revoke(ctx, credentialID); err != nil {
		return c, endSpan(span, dErrors.Wrap(err, dErrors.CodeUnavailable, "credential revoked but status list update failed"))
	}
	return c, nil
}

// Get returns a credential, marking it EXPIRED first if its validity ended.
func (s *Service) Get(ctx context.Context, credentialID id.CredentialID) (*models.Credential, error) {
	c, err := s.find(ctx, credentialID)
	if err != nil {
		return nil, err
	}
	return s.expireIfDue(ctx, c), nil
}

func (s *Service) ListBySubject(ctx context.Context, participantID id.ParticipantID) ([]*models.Credential, error) {
	cs, err := s.store.ListBySubject(ctx, participantID)
	if err != nil {
		return nil, wrapStoreErr(err, "failed to list credentials")
	}
	return s.expireAll(ctx, cs), nil
}

func (s *Service) ListByIssuer(ctx context.Context, participantID id.ParticipantID) ([]*models.Credential, error) {
	cs, err := s.store.ListByIssuer(ctx, participantID)
	if err != nil {
		return nil, wrapStoreErr(err, "failed to list credentials")
	}
	return s.expireAll(ctx, cs), nil
}

// CountLive counts the PENDING and ACTIVE credentials participantID issued
// or holds, after expiring the ones past their validity.
func (s *Service) CountLive(ctx context.Context, participantID id.ParticipantID) (int, error) {
	cs, err := s.store.ListLive(ctx, participantID)
	if err != nil {
		return 0, wrapStoreErr(err, "failed to list live credentials")
	}
	n := 0
	for _, c := range s.expireAll(ctx, cs) {
		if c.Status.IsLive() {
			n++
		}
	}
	return n, nil
}

func (s *Service) expireAll(ctx context.Context, cs []*models.Credential) []*models.Credential {
	for i, c := range cs {
		cs[i] = s.expireIfDue(ctx, c)
	}
	return cs
}

func (s *Service) expireIfDue(ctx context.Context, c *models.Credential) *models.Credential {
	if !c.Status.IsLive() || !c.IsExpiredAt(requestcontext.Now(ctx)) {
		return c
	}
	updated, err := s.store.UpdateStatus(ctx, c.ID, c.Status, models.StatusExpired, requestcontext.Now(ctx))
	if err != nil {
		if fresh, findErr := s.store.FindByID(ctx, c.ID); findErr == nil {
			return fresh
		}
		s.logger.WarnContext(ctx, "failed to mark credential expired", "credential_id", c.ID, "error", err)
		return c
	}
	s.statusChanged(ctx, audit.EventCredentialExpired, updated)
	return updated
}

func (s *Service) find(ctx context.Context, credentialID id.CredentialID) (*models.Credential, error) {
	c, err := s.store.FindByID(ctx, credentialID)
	if err != nil {
		return nil, s.translate(err, credentialID, "failed to load credential")
	}
	return c, nil
}

func (s *Service) statusChanged(ctx context.Context, event audit.AuditEvent, c *models.Credential) {
	owner := c.IssuerParticipantID
	if owner.IsNil() {
		owner = c.SubjectParticipantID
	}
	s.emit(ctx, event, owner, c, "")
	if s.metrics != nil {
		s.metrics.IncrementStatus(string(c.Status))
	}
}

func (s *Service) emit(ctx context.Context, action audit.AuditEvent, participantID id.ParticipantID, c *models.Credential, reason string) {
	if s.auditor == nil {
		return
	}
	err := s.auditor.Emit(ctx, audit.Event{
		ParticipantID: participantID,
		Subject:       c.ID.String(),
		Action:        string(action),
		Decision:      string(c.Status),
		Reason:        reason,
		Timestamp:     requestcontext.Now(ctx),
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to emit credential audit event", "action", action, "error", err)
	}
}

func (s *Service) translate(err error, credentialID id.CredentialID, msg string) error {
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.Newf(dErrors.CodeNotFound, "credential %s not found", credentialID).
			WithReason(dErrors.ReasonCredentialNotFound)
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.Wrap(err, dErrors.CodeConflict, "credential changed concurrently")
	case errors.Is(err, sentinel.ErrInvalidState):
		return dErrors.Wrap(err, dErrors.CodeConflict, msg).WithReason(dErrors.ReasonInvalidStateTransition)
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
