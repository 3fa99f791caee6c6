package service

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"

	cmetrics "idhub/internal/credential/metrics"
	"idhub/internal/credential/models"
	"idhub/internal/credential/statuslist"
	credstore "idhub/internal/credential/store"
	"idhub/internal/did/publisher"
	didservice "idhub/internal/did/service"
	didstore "idhub/internal/did/store"
	keymodels "idhub/internal/keypair/models"
	keyservice "idhub/internal/keypair/service"
	keystore "idhub/internal/keypair/store"
	"idhub/internal/keypair/vault"
	pmodels "idhub/internal/participant/models"
	pservice "idhub/internal/participant/service"
	pstore "idhub/internal/participant/store"
	id "idhub/pkg/domain"
	dErrors "idhub/pkg/domain-errors"
	"idhub/pkg/platform/audit"
	auditpublisher "idhub/pkg/platform/audit/publisher"
	auditmemory "idhub/pkg/platform/audit/store/memory"
	"idhub/pkg/platform/keylock"
	"idhub/pkg/requestcontext"
)

type CredentialServiceSuite struct {
	suite.Suite
	ctx     context.Context
	now     time.Time
	dids    *didservice.Service
	manager *pservice.Service
	list    *statuslist.Memory
	audit   *auditmemory.InMemoryStore
	locker  *keylock.Locker
	service *Service
}

func TestCredentialServiceSuite(t *testing.T) {
	suite.Run(t, new(CredentialServiceSuite))
}

func (s *CredentialServiceSuite) SetupTest() {
	s.now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.ctx = requestcontext.WithTime(context.Background(), s.now)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	locker := keylock.New()
	s.locker = locker
	v := vault.NewMemory()
	keys := keyservice.New(keystore.NewInMemory(), v, keyservice.WithLogger(logger))
	s.dids = didservice.New(didstore.NewInMemory(), keys, publisher.NewWebHost(), didservice.WithLogger(logger))
	keys.OnRevoke(s.dids)
	s.audit = auditmemory.NewInMemoryStore()
	s.list = statuslist.NewMemory()

	var creds *Service
	s.manager = pservice.New(pstore.NewInMemory(), keys, s.dids,
		pservice.LedgerFunc(func(ctx context.Context, pid id.ParticipantID) (int, error) { return creds.CountLive(ctx, pid) }),
		v, pservice.WithLogger(logger), pservice.WithLocker(locker), pservice.WithDIDHost("example.com"))
	creds = New(credstore.NewInMemory(), s.manager, keys, s.list,
		WithLogger(logger),
		WithLocker(locker),
		WithAuditPublisher(auditpublisher.NewPublisher(s.audit)),
		WithMetrics(cmetrics.NewWithRegisterer(prometheus.NewRegistry())),
	)
	s.service = creds

	for _, req := range []pservice.CreateRequest{{ID: "alice"}, {ID: "bob"}, {ID: "carol", Algorithm: "ES256"}} {
		_, err := s.manager.Create(s.ctx, req)
		s.Require().NoError(err)
	}
}

func (s *CredentialServiceSuite) issue(issuer, subject id.ParticipantID) *models.Credential {
	c, err := s.service.Issue(s.ctx, IssueRequest{
		IssuerID:  issuer,
		SubjectID: subject,
		Types:     []string{"MembershipCredential"},
		Claims:    map[string]any{"level": "gold"},
	})
	s.Require().NoError(err)
	return c
}

func (s *CredentialServiceSuite) verify(c *models.Credential) *models.Token {
	tok, err := models.ParseToken(c.Raw)
	s.Require().NoError(err)
	res, err := s.dids.GetByDID(s.ctx, c.IssuerDID)
	s.Require().NoError(err)
	vm, ok := res.Document.Method(tok.KeyID)
	s.Require().True(ok)
	pub, alg, err := vm.PublicKey()
	s.Require().NoError(err)
	s.Require().NoError(tok.Verify(pub, alg))
	return tok
}

func (s *CredentialServiceSuite) TestIssueProducesSignedVCJWT() {
	c := s.issue("alice", "bob")

	s.Equal(models.StatusPending, c.Status)
	s.Equal(id.ParticipantID("alice"), c.IssuerParticipantID)
	s.Equal(id.ParticipantID("bob"), c.SubjectParticipantID)
	s.Equal(id.DID("did:web:example.com:bob"), c.SubjectDID)
	s.Equal([]string{models.TypeVerifiableCredential, "MembershipCredential"}, c.Types)
	s.Nil(c.ExpiresAt)

	tok := s.verify(c)
	s.Equal(keymodels.AlgorithmEdDSA, tok.Algorithm())
	s.Equal("gold", tok.Claims.VC.CredentialSubject["level"])
	s.Equal("did:web:example.com:bob", tok.Claims.VC.CredentialSubject["id"])

	events, err := s.audit.ListByParticipant(s.ctx, "alice")
	s.Require().NoError(err)
	s.Require().NotEmpty(events)
	s.Equal(string(audit.EventCredentialIssued), events[len(events)-1].Action)
}

func (s *CredentialServiceSuite) TestIssueWithP256Issuer() {
	c := s.issue("carol", "alice")
	tok := s.verify(c)
	s.Equal(keymodels.AlgorithmES256, tok.Algorithm())
}

func (s *CredentialServiceSuite) TestIssueAfterRotationUsesNewKey() {
	before := s.issue("alice", "bob")
	rotated, err := s.manager.RotateKeys(s.ctx, "alice", keymodels.PurposeSigning)
	s.Require().NoError(err)

	after := s.issue("alice", "bob")
	tok := s.verify(after)
	s.Equal(rotated.Key.VerificationMethodID("did:web:example.com:alice"), tok.KeyID)
	s.verify(before)
}

func (s *CredentialServiceSuite) TestIssueToExternalSubject() {
	c, err := s.service.Issue(s.ctx, IssueRequest{IssuerID: "alice", SubjectDID: "did:web:other.org:dave"})
	s.Require().NoError(err)
	s.True(c.SubjectParticipantID.IsNil())
	s.Equal([]string{models.TypeVerifiableCredential}, c.Types)
}

func (s *CredentialServiceSuite) TestIssueRequiresActiveIssuer() {
	_, err := s.manager.Suspend(s.ctx, "alice")
	s.Require().NoError(err)

	_, err = s.service.Issue(s.ctx, IssueRequest{IssuerID: "alice", SubjectID: "bob"})
	s.True(dErrors.HasReason(err, dErrors.ReasonParticipantInactive))

	_, err = s.service.Issue(s.ctx, IssueRequest{IssuerID: "nobody", SubjectID: "bob"})
	s.True(dErrors.HasReason(err, dErrors.ReasonParticipantNotFound))
}

func (s *CredentialServiceSuite) TestIssueRejectsBadRequests() {
	past := s.now.Add(-time.Hour)
	_, err := s.service.Issue(s.ctx, IssueRequest{IssuerID: "alice", SubjectID: "bob", ExpiresAt: &past})
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))

	_, err = s.service.Issue(s.ctx, IssueRequest{IssuerID: "alice"})
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))

	_, err = s.service.Issue(s.ctx, IssueRequest{IssuerID: "alice", SubjectID: "bob", SubjectDID: "did:web:example.com:carol"})
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
}

func (s *CredentialServiceSuite) TestRevoke() {
	c := s.issue("alice", "bob")

	revoked, err := s.service.Revoke(s.ctx, c.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusRevoked, revoked.Status)
	listed, err := s.list.IsRevoked(s.ctx, c.ID)
	s.Require().NoError(err)
	s.True(listed)

	again, err := s.service.Revoke(s.ctx, c.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusRevoked, again.Status)

	_, err = s.service.Revoke(s.ctx, "urn:uuid:missing")
	s.True(dErrors.HasReason(err, dErrors.ReasonCredentialNotFound))
}

func (s *CredentialServiceSuite) TestLazyExpiry() {
	exp := s.now.Add(time.Hour)
	c, err := s.service.Issue(s.ctx, IssueRequest{IssuerID: "alice", SubjectID: "bob", ExpiresAt: &exp})
	s.Require().NoError(err)

	got, err := s.service.Get(s.ctx, c.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusPending, got.Status)

	later := requestcontext.WithTime(context.Background(), s.now.Add(2*time.Hour))
	held, err := s.service.ListBySubject(later, "bob")
	s.Require().NoError(err)
	s.Require().Len(held, 1)
	s.Equal(models.StatusExpired, held[0].Status)

	_, err = s.service.Revoke(later, c.ID)
	s.True(dErrors.HasReason(err, dErrors.ReasonInvalidStateTransition))
}

func (s *CredentialServiceSuite) TestDeletionWaitsForCredentials() {
	c := s.issue("alice", "bob")

	n, err := s.service.CountLive(s.ctx, "bob")
	s.Require().NoError(err)
	s.Equal(1, n)

	_, err = s.manager.Delete(s.ctx, "alice")
	s.True(dErrors.HasReason(err, dErrors.ReasonParticipantNotDeletable))
	_, err = s.manager.Delete(s.ctx, "bob")
	s.True(dErrors.HasReason(err, dErrors.ReasonParticipantNotDeletable))

	_, err = s.service.Revoke(s.ctx, c.ID)
	s.Require().NoError(err)

	p, err := s.manager.Delete(s.ctx, "alice")
	s.Require().NoError(err)
	s.Equal(pmodels.StateDeleted, p.State)

	issued, err := s.service.ListByIssuer(s.ctx, "alice")
	s.Require().NoError(err)
	s.Len(issued, 1, "credentials are never hard-deleted")
}

func (s *CredentialServiceSuite) TestIssueWaitsForSubjectDeletion() {
	lockedCtx, unlock, err := s.locker.Lock(s.ctx, "bob")
	s.Require().NoError(err)

	issued := make(chan error, 1)
	go func() {
		_, err := s.service.Issue(s.ctx, IssueRequest{IssuerID: "alice", SubjectID: "bob"})
		issued <- err
	}()
	s.Never(func() bool { return len(issued) > 0 }, 50*time.Millisecond, 5*time.Millisecond,
		"issuance to bob must wait while bob is locked")

	_, err = s.manager.Delete(lockedCtx, "bob")
	s.Require().NoError(err)
	unlock()

	select {
	case err := <-issued:
		s.True(dErrors.HasReason(err, dErrors.ReasonParticipantInactive), "subject was deleted first: %v", err)
	case <-time.After(2 * time.Second):
		s.Fail("issuance never resumed")
	}
	held, err := s.service.ListBySubject(s.ctx, "bob")
	s.Require().NoError(err)
	s.Empty(held, "no credential may be held by a deleted participant")
}
