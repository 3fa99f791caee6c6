package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	didmetrics "idhub/internal/did/metrics"
	"idhub/internal/did/models"
	"idhub/internal/did/publisher"
	"idhub/internal/did/publisher/mocks"
	didstore "idhub/internal/did/store"
	keymodels "idhub/internal/keypair/models"
	keyservice "idhub/internal/keypair/service"
	keystore "idhub/internal/keypair/store"
	"idhub/internal/keypair/vault"
	id "idhub/pkg/domain"
	dErrors "idhub/pkg/domain-errors"
	"idhub/pkg/platform/audit"
	auditpublisher "idhub/pkg/platform/audit/publisher"
	auditmemory "idhub/pkg/platform/audit/store/memory"
	"idhub/pkg/requestcontext"
)

const alice = id.ParticipantID("alice")

type DidServiceSuite struct {
	suite.Suite
	ctx     context.Context
	keys    *keyservice.Service
	store   *didstore.InMemory
	host    *publisher.WebHost
	failing *publisher.Failing
	audit   *auditmemory.InMemoryStore
	service *Service
	did     id.DID
}

func TestDidServiceSuite(t *testing.T) {
	suite.Run(t, new(DidServiceSuite))
}

func (s *DidServiceSuite) SetupTest() {
	s.ctx = requestcontext.WithTime(context.Background(), time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s.keys = keyservice.New(keystore.NewInMemory(), vault.NewMemory(), keyservice.WithLogger(logger))
	s.store = didstore.NewInMemory()
	s.host = publisher.NewWebHost()
	s.failing = publisher.NewFailing(s.host, nil)
	s.audit = auditmemory.NewInMemoryStore()
	s.service = New(s.store, s.keys, s.failing,
		WithLogger(logger),
		WithAuditPublisher(auditpublisher.NewPublisher(s.audit)),
		WithMetrics(didmetrics.NewWithRegisterer(prometheus.NewRegistry())),
	)
	s.keys.OnRevoke(s.service)
	s.did = id.WebDID("example.com", alice)
}

func (s *DidServiceSuite) createPublished() *models.DidResource {
	_, err := s.keys.Generate(s.ctx, alice, keymodels.PurposeSigning, "EdDSA")
	s.Require().NoError(err)
	res, err := s.service.Create(s.ctx, alice, s.did, []models.Service{
		models.NewService(s.did, models.ServiceTypeCredentialService, "https://example.com/alice/cs"),
	})
	s.Require().NoError(err)
	res, err = s.service.Publish(s.ctx, alice, res.Version)
	s.Require().NoError(err)
	return res
}

func (s *DidServiceSuite) TestCreateBuildsDocumentFromKeys() {
	kp, err := s.keys.Generate(s.ctx, alice, keymodels.PurposeSigning, "ES256")
	s.Require().NoError(err)

	res, err := s.service.Create(s.ctx, alice, s.did, nil)
	s.Require().NoError(err)
	s.Equal(int64(1), res.Version)
	s.Equal(models.StateDraft, res.State)
	vm, ok := res.Document.Method(kp.VerificationMethodID(s.did))
	s.Require().True(ok)
	s.Equal(models.JsonWebKey2020, vm.Type)

	_, err = s.service.Create(s.ctx, alice, s.did, nil)
	s.True(dErrors.HasCode(err, dErrors.CodeConflict))
}

func (s *DidServiceSuite) TestMaterializeUnchangedKeepsVersion() {
	res := s.createPublished()
	again, err := s.service.Materialize(s.ctx, alice)
	s.Require().NoError(err)
	s.Equal(res.Version, again.Version)
	s.Equal(models.StatePublished, again.State)
}

func (s *DidServiceSuite) TestRotationProducesNewDraftVersion() {
	res := s.createPublished()
	next, err := s.keys.Rotate(s.ctx, alice, keymodels.PurposeSigning)
	s.Require().NoError(err)

	draft, err := s.service.Materialize(s.ctx, alice)
	s.Require().NoError(err)
	s.Equal(res.Version+1, draft.Version)
	s.Equal(models.StateDraft, draft.State)
	s.Equal(res.Version, draft.PublishedVersion)
	s.Equal([]string{next.VerificationMethodID(s.did)}, draft.Document.AssertionMethod)
	s.Len(draft.Document.VerificationMethod, 2, "rotated key stays resolvable")

	published, err := s.service.Publish(s.ctx, alice, draft.Version)
	s.Require().NoError(err)
	s.True(published.IsPublished())

	raw, ok := s.host.Document(s.did)
	s.Require().True(ok)
	s.Contains(string(raw), next.ID.String())
}

func (s *DidServiceSuite) TestPublishRejectsOutdatedVersion() {
	res := s.createPublished()
	_, err := s.keys.Rotate(s.ctx, alice, keymodels.PurposeSigning)
	s.Require().NoError(err)
	_, err = s.service.Materialize(s.ctx, alice)
	s.Require().NoError(err)

	_, err = s.service.Publish(s.ctx, alice, res.Version)
	s.True(dErrors.HasReason(err, dErrors.ReasonVersionConflict))
}

func (s *DidServiceSuite) TestPublishingPublishedVersionIsNoop() {
	res := s.createPublished()
	s.failing.Fail(errors.New("must not be called"))

	again, err := s.service.Publish(s.ctx, alice, res.Version)
	s.Require().NoError(err)
	s.Equal(models.StatePublished, again.State)
}

func (s *DidServiceSuite) TestPublishFailureMarksStaleAndIsRetryable() {
	_, err := s.keys.Generate(s.ctx, alice, keymodels.PurposeSigning, "EdDSA")
	s.Require().NoError(err)
	res, err := s.service.Create(s.ctx, alice, s.did, nil)
	s.Require().NoError(err)

	s.failing.Fail(errors.New("web host unreachable"))
	stale, err := s.service.Publish(s.ctx, alice, res.Version)
	s.Require().Error(err)
	s.True(dErrors.HasReason(err, dErrors.ReasonPublishFailed))
	s.True(dErrors.Retryable(err))
	s.Equal(models.StateStale, stale.State)
	s.Contains(stale.LastError, "unreachable")

	listed, err := s.service.ListStale(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(listed, 1)
	s.Equal(alice, listed[0].ParticipantID)

	s.failing.Recover()
	published, err := s.service.Publish(s.ctx, alice, res.Version)
	s.Require().NoError(err)
	s.True(published.IsPublished())

	listed, err = s.service.ListStale(s.ctx)
	s.Require().NoError(err)
	s.Empty(listed)

	events, err := s.audit.ListByParticipant(s.ctx, alice)
	s.Require().NoError(err)
	var actions []string
	for _, e := range events {
		actions = append(actions, e.Action)
	}
	s.Contains(actions, string(audit.EventDIDPublishFailed))
	s.Contains(actions, string(audit.EventDIDPublished))
}

func (s *DidServiceSuite) TestPublishTimesOut() {
	ctrl := gomock.NewController(s.T())
	slow := mocks.NewMockPublisher(ctrl)
	svc := New(s.store, s.keys, slow, WithPublishTimeout(20*time.Millisecond),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	_, err := s.keys.Generate(s.ctx, alice, keymodels.PurposeSigning, "EdDSA")
	s.Require().NoError(err)
	res, err := svc.Create(s.ctx, alice, s.did, nil)
	s.Require().NoError(err)

	slow.EXPECT().Publish(gomock.Any(), s.did, gomock.Any()).DoAndReturn(
		func(ctx context.Context, _ id.DID, _ models.Document) error {
			<-ctx.Done()
			return ctx.Err()
		})

	stale, err := svc.Publish(s.ctx, alice, res.Version)
	s.True(dErrors.HasReason(err, dErrors.ReasonPublishFailed))
	s.ErrorIs(err, context.DeadlineExceeded)
	s.Equal(models.StateStale, stale.State)
}

func (s *DidServiceSuite) TestKeyRevocationDropsVerificationMethod() {
	s.createPublished()
	first, err := s.keys.Active(s.ctx, alice, keymodels.PurposeSigning)
	s.Require().NoError(err)
	_, err = s.keys.Rotate(s.ctx, alice, keymodels.PurposeSigning)
	s.Require().NoError(err)
	_, err = s.service.Materialize(s.ctx, alice)
	s.Require().NoError(err)

	_, err = s.keys.Revoke(s.ctx, alice, first.ID)
	s.Require().NoError(err)

	res, err := s.service.Get(s.ctx, alice)
	s.Require().NoError(err)
	_, found := res.Document.Method(first.VerificationMethodID(s.did))
	s.False(found)
	s.Equal(int64(3), res.Version)
}

func (s *DidServiceSuite) TestDeactivateWithdrawsDocument() {
	s.createPublished()
	res, err := s.service.Deactivate(s.ctx, alice)
	s.Require().NoError(err)
	s.True(res.Deactivated)
	_, ok := s.host.Document(s.did)
	s.False(ok)

	_, err = s.service.Publish(s.ctx, alice, res.Version)
	s.True(dErrors.HasReason(err, dErrors.ReasonInvalidStateTransition))

	again, err := s.service.Materialize(s.ctx, alice)
	s.Require().NoError(err)
	s.Equal(res.Version, again.Version)
}

func (s *DidServiceSuite) TestUnknownParticipant() {
	_, err := s.service.Materialize(s.ctx, "nobody")
	s.True(dErrors.HasReason(err, dErrors.ReasonDIDNotFound))
	_, err = s.service.GetByDID(s.ctx, "did:web:example.com:nobody")
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}
