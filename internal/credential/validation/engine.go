// Package validation runs the credential validation pipeline:
//
//  1. structure: the VC-JWT decodes, carries the mandatory claims and names
//     the presenting holder as its subject; the holder must be ACTIVATED
//  2. resolution: the issuer DID resolves to a document
//  3. proof: the JWS verifies against the method named by kid
//  4. status: the credential is neither expired nor revoked
//
// Stages run in order and the first failure ends validation. Stored
// credentials follow the outcome: PENDING becomes ACTIVE on success and
// REJECTED on a bad proof; expired or revoked ones are marked so.
package validation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	cmetrics "idhub/internal/credential/metrics"
	"idhub/internal/credential/models"
	"idhub/internal/credential/statuslist"
	didmodels "idhub/internal/did/models"
	"idhub/internal/did/resolver"
	pmodels "idhub/internal/participant/models"
	id "idhub/pkg/domain"
	dErrors "idhub/pkg/domain-errors"
	"idhub/pkg/platform/audit"
	"idhub/pkg/platform/sentinel"
	"idhub/pkg/requestcontext"
)

const (
	DefaultConcurrency    = 8
	DefaultResolveTimeout = 5 * time.Second
)

type Stage string

const (
	StageStructure  Stage = "structure"
	StageResolution Stage = "resolution"
	StageProof      Stage = "proof"
	StageStatus     Stage = "status"
)

// StageError names the stage a validation failed in. The wrapped domain
// error carries the code and reason.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string { return string(e.Stage) + ": " + e.Err.Error() }
func (e *StageError) Unwrap() error { return e.Err }

// StageOf returns the stage err failed in, if it is a validation failure.
func StageOf(err error) (Stage, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage, true
	}
	return "", false
}

func fail(stage Stage, err error) error {
	return &StageError{Stage: stage, Err: err}
}

// Result describes a credential that passed every stage.
type Result struct {
	CredentialID id.CredentialID
	IssuerDID    id.DID
	SubjectDID   id.DID
	Types        []string
	Claims       map[string]any
	ExpiresAt    *time.Time
	Status       models.Status
}

// BatchItem is the outcome for one credential of a batch, in input order.
type BatchItem struct {
	Result *Result
	Err    error
}

type Store interface {
	Create(ctx context.Context, c *models.Credential) error
	FindByID(ctx context.Context, credentialID id.CredentialID) (*models.Credential, error)
	UpdateStatus(ctx context.Context, credentialID id.CredentialID, from, to models.Status, now time.Time) (*models.Credential, error)
}

// Participants loads holders and tells managed DIDs apart from external
// ones.
type Participants interface {
	Get(ctx context.Context, participantID id.ParticipantID) (*pmodels.Participant, error)
	GetByDID(ctx context.Context, did id.DID) (*pmodels.Participant, error)
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

type Engine struct {
	store          Store
	resolver       resolver.Resolver
	participants   Participants
	statusList     statuslist.List
	logger         *slog.Logger
	auditor        AuditPublisher
	metrics        *cmetrics.Metrics
	tracer         trace.Tracer
	concurrency    int
	resolveTimeout time.Duration
}

type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

func WithAuditPublisher(publisher AuditPublisher) Option {
	return func(e *Engine) {
		e.auditor = publisher
	}
}

func WithMetrics(m *cmetrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		e.tracer = t
	}
}

// WithConcurrency bounds how many credentials of a batch validate at once.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithResolveTimeout bounds issuer resolution when ctx has no deadline.
func WithResolveTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.resolveTimeout = d
		}
	}
}

func New(store Store, res resolver.Resolver, participants Participants, list statuslist.List, opts ...Option) *Engine {
	e := &Engine{
		store:          store,
		resolver:       res,
		participants:   participants,
		statusList:     list,
		logger:         slog.Default(),
		tracer:         otel.Tracer("idhub/validation"),
		concurrency:    DefaultConcurrency,
		resolveTimeout: DefaultResolveTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Validate runs the pipeline over one compact VC-JWT presented by holder.
func (e *Engine) Validate(ctx context.Context, holder id.ParticipantID, raw string) (*Result, error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "credential.Validate",
		trace.WithAttributes(attribute.String("holder_id", holder.String())))
	defer span.End()

	res, err := e.validate(ctx, holder, raw)
	if err != nil {
		stage, _ := StageOf(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(stage))
		span.SetAttributes(attribute.String("failed_stage", string(stage)))
		if e.metrics != nil {
			e.metrics.ObserveValidation(string(stage), "invalid", start)
		}
		return nil, err
	}
	span.SetAttributes(attribute.String("credential_id", res.CredentialID.String()))
	if e.metrics != nil {
		e.metrics.ObserveValidation("complete", "valid", start)
	}
	return res, nil
}

// ValidateBatch validates the credentials holder presents in parallel, at
// most WithConcurrency at a time. One failure does not stop the others.
func (e *Engine) ValidateBatch(ctx context.Context, holder id.ParticipantID, raws []string) []BatchItem {
	if e.metrics != nil {
		e.metrics.ObserveBatch(len(raws))
	}
	out := make([]BatchItem, len(raws))
	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i, raw := range raws {
		g.Go(func() error {
			res, err := e.Validate(ctx, holder, raw)
			out[i] = BatchItem{Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (e *Engine) validate(ctx context.Context, holderID id.ParticipantID, raw string) (*Result, error) {
	var (
		tok    *models.Token
		holder *pmodels.Participant
		stored *models.Credential
	)
	err := e.stage(ctx, StageStructure, func(ctx context.Context) error {
		var err error
		if tok, err = models.ParseToken(raw); err != nil {
			return err
		}
		if holder, err = e.holder(ctx, holderID, tok); err != nil {
			return err
		}
		stored, err = e.lookup(ctx, tok)
		return err
	})
	if err != nil {
		return nil, err
	}

	var (
		doc    *didmodels.Document
		issuer *pmodels.Participant
	)
	err = e.stage(ctx, StageResolution, func(ctx context.Context) error {
		var err error
		issuer, doc, err = e.resolveIssuer(ctx, tok.IssuerDID())
		return err
	})
	if err != nil {
		return nil, err
	}

	err = e.stage(ctx, StageProof, func(ctx context.Context) error {
		return verifyProof(tok, doc)
	})
	if err != nil {
		if dErrors.HasReason(err, dErrors.ReasonInvalidProof) {
			e.reject(ctx, tok, stored)
		}
		return nil, err
	}

	err = e.stage(ctx, StageStatus, func(ctx context.Context) error {
		var err error
		stored, err = e.checkStatus(ctx, tok, stored)
		return err
	})
	if err != nil {
		return nil, err
	}

	c, err := e.accept(ctx, tok, stored, issuer, holder)
	if err != nil {
		return nil, err
	}
	return &Result{
		CredentialID: c.ID,
		IssuerDID:    c.IssuerDID,
		SubjectDID:   c.SubjectDID,
		Types:        c.Types,
		Claims:       tok.Claims.VC.CredentialSubject,
		ExpiresAt:    c.ExpiresAt,
		Status:       c.Status,
	}, nil
}

func (e *Engine) stage(ctx context.Context, stage Stage, fn func(context.Context) error) error {
	ctx, span := e.tracer.Start(ctx, "validate."+string(stage))
	defer span.End()
	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(dErrors.ReasonOf(err)))
		return fail(stage, err)
	}
	return nil
}

// holder loads the presenting participant. It must be ACTIVATED and be the
// subject of tok.
func (e *Engine) holder(ctx context.Context, holderID id.ParticipantID, tok *models.Token) (*pmodels.Participant, error) {
	p, err := e.participants.Get(ctx, holderID)
	if err != nil {
		return nil, err
	}
	if err := p.RequireActive(); err != nil {
		return nil, err
	}
	if tok.SubjectDID() != p.DID {
		return nil, dErrors.Newf(dErrors.CodeValidation, "credential subject %s is not holder %s", tok.SubjectDID(), p.ID).
			WithReason(dErrors.ReasonMalformedCredential)
	}
	return p, nil
}

// lookup returns the stored credential for tok, or nil if it is unknown.
func (e *Engine) lookup(ctx context.Context, tok *models.Token) (*models.Credential, error) {
	stored, err := e.store.FindByID(ctx, tok.CredentialID())
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return nil, nil
	case err != nil:
		return nil, wrapStoreErr(err, "failed to load credential")
	case stored.Raw != tok.Raw:
		return nil, dErrors.Newf(dErrors.CodeValidation, "credential id %s is bound to a different credential", stored.ID).
			WithReason(dErrors.ReasonMalformedCredential)
	}
	return stored, nil
}

// resolveIssuer resolves the issuer document. A managed issuer that is not
// ACTIVATED does not resolve; its participant is returned, nil for external
// issuers.
func (e *Engine) resolveIssuer(ctx context.Context, did id.DID) (*pmodels.Participant, *didmodels.Document, error) {
	issuer, err := e.participants.GetByDID(ctx, did)
	switch {
	case err == nil:
		if err := issuer.RequireActive(); err != nil {
			return nil, nil, dErrors.Wrap(err, dErrors.CodeResolution,
				"issuer "+did.String()+" is "+string(issuer.State)).
				WithReason(dErrors.ReasonIssuerUnresolvable)
		}
	case dErrors.HasCode(err, dErrors.CodeNotFound):
		issuer = nil
	default:
		return nil, nil, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.resolveTimeout)
		defer cancel()
	}
	doc, err := e.resolver.Resolve(ctx, did)
	if err != nil {
		if dErrors.HasReason(err, dErrors.ReasonIssuerUnresolvable) {
			return nil, nil, err
		}
		return nil, nil, dErrors.Wrap(err, dErrors.CodeResolution, "issuer "+did.String()+" cannot be resolved").
			WithReason(dErrors.ReasonIssuerUnresolvable)
	}
	return issuer, doc, nil
}

func verifyProof(tok *models.Token, doc *didmodels.Document) error {
	vm, ok := doc.Method(tok.KeyID)
	if !ok {
		return dErrors.Newf(dErrors.CodeCryptographic, "kid %s is not a verification method of %s", tok.KeyID, doc.ID).
			WithReason(dErrors.ReasonInvalidProof)
	}
	pub, alg, err := vm.PublicKey()
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeCryptographic, "verification method "+vm.ID+" is unusable").
			WithReason(dErrors.ReasonInvalidProof)
	}
	return tok.Verify(pub, alg)
}

// checkStatus applies lazy expiry, the stored status and the status list.
func (e *Engine) checkStatus(ctx context.Context, tok *models.Token, stored *models.Credential) (*models.Credential, error) {
	if stored != nil {
		switch stored.Status {
		case models.StatusRevoked:
			return stored, revoked(tok.CredentialID())
		case models.StatusExpired:
			return stored, expired(tok.CredentialID())
		case models.StatusRejected:
			return stored, dErrors.Newf(dErrors.CodeCryptographic, "status: credential %s was rejected", tok.CredentialID()).
				WithReason(dErrors.ReasonInvalidProof)
		}
	}

	now := requestcontext.Now(ctx)
	if exp := tok.ExpiresAt(); exp != nil && !now.Before(*exp) {
		stored = e.transition(ctx, stored, models.StatusExpired, audit.EventCredentialExpired)
		return stored, expired(tok.CredentialID())
	}

	isRevoked, err := e.statusList.IsRevoked(ctx, tok.CredentialID())
	if err != nil {
		return stored, dErrors.Wrap(err, dErrors.CodeUnavailable, "status list unavailable")
	}
	if isRevoked {
		stored = e.transition(ctx, stored, models.StatusRevoked, audit.EventCredentialRevoked)
		return stored, revoked(tok.CredentialID())
	}
	return stored, nil
}

// accept stores an unknown credential as PENDING and activates a PENDING one.
func (e *Engine) accept(ctx context.Context, tok *models.Token, stored *models.Credential, issuer, holder *pmodels.Participant) (*models.Credential, error) {
	now := requestcontext.Now(ctx)
	if stored == nil {
		c := tok.NewCredential(models.StatusPending, now)
		if issuer != nil {
			c.IssuerParticipantID = issuer.ID
		}
		c.SubjectParticipantID = holder.ID
		err := e.store.Create(ctx, c)
		switch {
		case err == nil:
			stored = c
		case errors.Is(err, sentinel.ErrConflict):
			if stored, err = e.store.FindByID(ctx, c.ID); err != nil {
				return nil, wrapStoreErr(err, "failed to reload credential")
			}
		default:
			return nil, wrapStoreErr(err, "failed to ingest credential")
		}
	}

	for stored.Status == models.StatusPending {
		activated, err := e.store.UpdateStatus(ctx, stored.ID, models.StatusPending, models.StatusActive, now)
		if err == nil {
			stored = activated
			e.emit(ctx, audit.EventCredentialValidated, stored, "")
			if e.metrics != nil {
				e.metrics.IncrementStatus(string(models.StatusActive))
			}
			break
		}
		if !errors.Is(err, sentinel.ErrConflict) {
			return nil, wrapStoreErr(err, "failed to activate credential")
		}
		if stored, err = e.store.FindByID(ctx, stored.ID); err != nil {
			return nil, wrapStoreErr(err, "failed to reload credential")
		}
	}

	switch stored.Status {
	case models.StatusActive:
		return stored, nil
	case models.StatusRevoked:
		return nil, fail(StageStatus, revoked(stored.ID))
	case models.StatusExpired:
		return nil, fail(StageStatus, expired(stored.ID))
	default:
		return nil, fail(StageStatus, dErrors.Newf(dErrors.CodeConflict, "credential %s became %s during validation", stored.ID, stored.Status).
			WithReason(dErrors.ReasonInvalidStateTransition))
	}
}

// reject marks a stored PENDING credential REJECTED after a bad proof.
func (e *Engine) reject(ctx context.Context, tok *models.Token, stored *models.Credential) {
	if stored == nil || stored.Status != models.StatusPending {
		e.logger.InfoContext(ctx, "credential proof rejected", "credential_id", tok.CredentialID(), "issuer", tok.IssuerDID())
		return
	}
	e.transition(ctx, stored, models.StatusRejected, audit.EventCredentialRejected)
}

// transition moves a stored live credential to a terminal status. Losing
// the compare-and-set to a concurrent change is not an error.
func (e *Engine) transition(ctx context.Context, stored *models.Credential, to models.Status, event audit.AuditEvent) *models.Credential {
	if stored == nil || !stored.Status.CanTransitionTo(to) {
		return stored
	}
	updated, err := e.store.UpdateStatus(ctx, stored.ID, stored.Status, to, requestcontext.Now(ctx))
	if err != nil {
		if !errors.Is(err, sentinel.ErrConflict) {
			e.logger.WarnContext(ctx, "failed to update credential status",
				"credential_id", stored.ID, "to", to, "error", err)
		}
		return stored
	}
	e.emit(ctx, event, updated, "")
	if e.metrics != nil {
		e.metrics.IncrementStatus(string(to))
	}
	return updated
}

func (e *Engine) emit(ctx context.Context, action audit.AuditEvent, c *models.Credential, reason string) {
	if e.auditor == nil {
		return
	}
	owner := c.SubjectParticipantID
	if owner.IsNil() {
		owner = c.IssuerParticipantID
	}
	err := e.auditor.Emit(ctx, audit.Event{
		ParticipantID: owner,
		Subject:       c.ID.String(),
		Action:        string(action),
		Decision:      string(c.Status),
		Reason:        reason,
		Timestamp:     requestcontext.Now(ctx),
	})
	if err != nil {
		e.logger.ErrorContext(ctx, "failed to emit validation audit event", "action", action, "error", err)
	}
}

func revoked(credentialID id.CredentialID) error {
	return dErrors.Newf(dErrors.CodeValidation, "status: credential %s is revoked", credentialID).
		WithReason(dErrors.ReasonCredentialRevoked)
}

func expired(credentialID id.CredentialID) error {
	return dErrors.Newf(dErrors.CodeValidation, "status: credential %s is expired", credentialID).
		WithReason(dErrors.ReasonCredentialExpired)
}

func wrapStoreErr(err error, msg string) error {
	if errors.Is(err, sentinel.ErrUnavailable) {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, msg)
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, msg)
}
