package validation

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	cmetrics "idhub/internal/credential/metrics"
	"idhub/internal/credential/models"
	credservice "idhub/internal/credential/service"
	"idhub/internal/credential/statuslist"
	credstore "idhub/internal/credential/store"
	didmodels "idhub/internal/did/models"
	"idhub/internal/did/publisher"
	"idhub/internal/did/resolver"
	resolvermocks "idhub/internal/did/resolver/mocks"
	didservice "idhub/internal/did/service"
	didstore "idhub/internal/did/store"
	keymodels "idhub/internal/keypair/models"
	keyservice "idhub/internal/keypair/service"
	keystore "idhub/internal/keypair/store"
	"idhub/internal/keypair/vault"
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

const partnerDID id.DID = "did:web:partner.org:issuer"

type EngineSuite struct {
	suite.Suite
	ctx     context.Context
	now     time.Time
	ctrl    *gomock.Controller
	remote  *resolvermocks.MockResolver
	store   *credstore.InMemory
	list    *statuslist.Memory
	manager *pservice.Service
	creds   *credservice.Service
	audit   *auditmemory.InMemoryStore
	metrics *cmetrics.Metrics
	engine  *Engine
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineSuite))
}

func (s *EngineSuite) SetupTest() {
	s.now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.ctx = requestcontext.WithTime(context.Background(), s.now)
	s.ctrl = gomock.NewController(s.T())
	s.remote = resolvermocks.NewMockResolver(s.ctrl)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	locker := keylock.New()
	v := vault.NewMemory()
	keys := keyservice.New(keystore.NewInMemory(), v, keyservice.WithLogger(logger))
	dStore := didstore.NewInMemory()
	dids := didservice.New(dStore, keys, publisher.NewWebHost(), didservice.WithLogger(logger))
	keys.OnRevoke(dids)

	s.store = credstore.NewInMemory()
	s.list = statuslist.NewMemory()
	s.audit = auditmemory.NewInMemoryStore()
	s.metrics = cmetrics.NewWithRegisterer(prometheus.NewRegistry())

	s.manager = pservice.New(pstore.NewInMemory(), keys, dids,
		pservice.LedgerFunc(func(ctx context.Context, pid id.ParticipantID) (int, error) { return s.creds.CountLive(ctx, pid) }),
		v, pservice.WithLogger(logger), pservice.WithLocker(locker), pservice.WithDIDHost("example.com"))
	s.creds = credservice.New(s.store, s.manager, keys, s.list,
		credservice.WithLogger(logger), credservice.WithLocker(locker))

	multi := resolver.NewMulti(resolver.NewLocal(dStore))
	multi.Register("web", s.remote)
	s.engine = New(s.store, multi, s.manager, s.list,
		WithLogger(logger),
		WithAuditPublisher(auditpublisher.NewPublisher(s.audit)),
		WithMetrics(s.metrics),
		WithConcurrency(2),
	)

	for _, req := range []pservice.CreateRequest{{ID: "alice"}, {ID: "bob"}, {ID: "carol", Algorithm: "ES256"}} {
		_, err := s.manager.Create(s.ctx, req)
		s.Require().NoError(err)
	}
}

func (s *EngineSuite) issue(issuer id.ParticipantID, expiresAt *time.Time) *models.Credential {
	c, err := s.creds.Issue(s.ctx, credservice.IssueRequest{
		IssuerID:  issuer,
		SubjectID: "bob",
		Types:     []string{"MembershipCredential"},
		Claims:    map[string]any{"level": "gold"},
		ExpiresAt: expiresAt,
	})
	s.Require().NoError(err)
	return c
}

func (s *EngineSuite) status(cid id.CredentialID) models.Status {
	c, err := s.store.FindByID(s.ctx, cid)
	s.Require().NoError(err)
	return c.Status
}

func (s *EngineSuite) requireFailure(err error, stage Stage, reason dErrors.Reason) {
	s.Require().Error(err)
	got, ok := StageOf(err)
	s.Require().True(ok, "error carries its stage: %v", err)
	s.Equal(stage, got)
	s.True(dErrors.HasReason(err, reason), "expected %s, got %v", reason, err)
}

func (s *EngineSuite) claims(issuer id.DID, jti string) *models.Claims {
	return &models.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       jti,
			Issuer:   issuer.String(),
			Subject:  "did:web:example.com:bob",
			IssuedAt: jwt.NewNumericDate(s.now),
		},
		VC: models.VC{
			Context:           []string{models.ContextCredentialsV1},
			Type:              []string{models.TypeVerifiableCredential},
			CredentialSubject: map[string]any{"id": "did:web:example.com:bob"},
		},
	}
}

// sign encodes claims with a fresh Ed25519 key and returns the token and
// the public key it verifies under.
func (s *EngineSuite) sign(claims *models.Claims, kid string) (string, ed25519.PublicKey) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	s.Require().NoError(err)
	raw, err := models.Encode(claims, keymodels.AlgorithmEdDSA, kid, func(in []byte) ([]byte, error) {
		return ed25519.Sign(priv, in), nil
	})
	s.Require().NoError(err)
	return raw, pub
}

func (s *EngineSuite) partnerDocument(keyID id.KeyID, pub ed25519.PublicKey) *didmodels.Document {
	kp := keymodels.NewKeyPair("partner", keymodels.PurposeSigning, keymodels.AlgorithmEdDSA, keyID, pub, s.now)
	doc, err := didmodels.BuildDocument(partnerDID, []*keymodels.KeyPair{kp}, nil)
	s.Require().NoError(err)
	return &doc
}

func (s *EngineSuite) TestIssuedCredentialBecomesActive() {
	c := s.issue("alice", nil)

	res, err := s.engine.Validate(s.ctx, "bob", c.Raw)
	s.Require().NoError(err)
	s.Equal(c.ID, res.CredentialID)
	s.Equal(models.StatusActive, res.Status)
	s.Equal(id.DID("did:web:example.com:alice"), res.IssuerDID)
	s.Equal("gold", res.Claims["level"])
	s.Equal(models.StatusActive, s.status(c.ID))

	again, err := s.engine.Validate(s.ctx, "bob", c.Raw)
	s.Require().NoError(err)
	s.Equal(models.StatusActive, again.Status)

	events, err := s.audit.ListByParticipant(s.ctx, "bob")
	s.Require().NoError(err)
	s.Require().Len(events, 1, "validated once")
	s.Equal(string(audit.EventCredentialValidated), events[0].Action)
	s.Equal(2.0, promtest.ToFloat64(s.metrics.Validations.WithLabelValues("complete", "valid")))
}

func (s *EngineSuite) TestP256IssuerValidates() {
	c := s.issue("carol", nil)
	_, err := s.engine.Validate(s.ctx, "bob", c.Raw)
	s.Require().NoError(err)
}

func (s *EngineSuite) TestExternalCredentialIsIngested() {
	keyID := keymodels.NewKeyID(keymodels.PurposeSigning)
	raw, pub := s.sign(s.claims(partnerDID, "urn:uuid:partner-1"), partnerDID.String()+"#"+keyID.String())
	s.remote.EXPECT().Resolve(gomock.Any(), partnerDID).Return(s.partnerDocument(keyID, pub), nil)

	res, err := s.engine.Validate(s.ctx, "bob", raw)
	s.Require().NoError(err)
	s.Equal(models.StatusActive, res.Status)

	stored, err := s.store.FindByID(s.ctx, "urn:uuid:partner-1")
	s.Require().NoError(err)
	s.True(stored.IssuerParticipantID.IsNil())
	s.Equal(id.ParticipantID("bob"), stored.SubjectParticipantID)
	s.Equal(raw, stored.Raw)
}

func (s *EngineSuite) TestForgedSignatureIsNotIngested() {
	active, err := s.creds.Issue(s.ctx, credservice.IssueRequest{IssuerID: "alice", SubjectID: "bob"})
	s.Require().NoError(err)
	tok, err := models.ParseToken(active.Raw)
	s.Require().NoError(err)

	raw, _ := s.sign(s.claims("did:web:example.com:alice", "urn:uuid:forged"), tok.KeyID)
	_, err = s.engine.Validate(s.ctx, "bob", raw)
	s.requireFailure(err, StageProof, dErrors.ReasonInvalidProof)
	s.True(dErrors.HasCode(err, dErrors.CodeCryptographic))

	_, err = s.store.FindByID(s.ctx, "urn:uuid:forged")
	s.Error(err)
}

func (s *EngineSuite) TestReusedCredentialIDIsMalformed() {
	c := s.issue("alice", nil)
	tok, err := models.ParseToken(c.Raw)
	s.Require().NoError(err)

	raw, _ := s.sign(s.claims("did:web:example.com:alice", c.ID.String()), tok.KeyID)
	_, err = s.engine.Validate(s.ctx, "bob", raw)
	s.requireFailure(err, StageStructure, dErrors.ReasonMalformedCredential)
	s.Equal(models.StatusPending, s.status(c.ID))
}

func (s *EngineSuite) TestGarbageFailsStructure() {
	_, err := s.engine.Validate(s.ctx, "bob", "not-a-jwt")
	s.requireFailure(err, StageStructure, dErrors.ReasonMalformedCredential)
	s.Equal(1.0, promtest.ToFloat64(s.metrics.Validations.WithLabelValues(string(StageStructure), "invalid")))
}

func (s *EngineSuite) TestRotatedKeyStillVerifies() {
	c := s.issue("alice", nil)
	_, err := s.manager.RotateKeys(s.ctx, "alice", keymodels.PurposeSigning)
	s.Require().NoError(err)

	_, err = s.engine.Validate(s.ctx, "bob", c.Raw)
	s.Require().NoError(err)
}

func (s *EngineSuite) TestRevokedKeyRejectsPendingCredential() {
	c := s.issue("alice", nil)
	tok, err := models.ParseToken(c.Raw)
	s.Require().NoError(err)
	_, err = s.manager.RotateKeys(s.ctx, "alice", keymodels.PurposeSigning)
	s.Require().NoError(err)
	_, oldKey := id.SplitDIDURL(tok.KeyID)
	_, err = s.manager.RevokeKey(s.ctx, "alice", id.KeyID(oldKey))
	s.Require().NoError(err)

	_, err = s.engine.Validate(s.ctx, "bob", c.Raw)
	s.requireFailure(err, StageProof, dErrors.ReasonInvalidProof)
	s.Equal(models.StatusRejected, s.status(c.ID))

	_, err = s.engine.Validate(s.ctx, "bob", c.Raw)
	s.requireFailure(err, StageProof, dErrors.ReasonInvalidProof)
}

func (s *EngineSuite) TestRevokedCredentialFailsStatus() {
	c := s.issue("alice", nil)
	_, err := s.creds.Revoke(s.ctx, c.ID)
	s.Require().NoError(err)

	_, err = s.engine.Validate(s.ctx, "bob", c.Raw)
	s.requireFailure(err, StageStatus, dErrors.ReasonCredentialRevoked)
}

func (s *EngineSuite) TestStatusListRevocationIsApplied() {
	c := s.issue("alice", nil)
	s.Require().NoError(s.list.Revoke(s.ctx, c.ID))

	_, err := s.engine.Validate(s.ctx, "bob", c.Raw)
	s.requireFailure(err, StageStatus, dErrors.ReasonCredentialRevoked)
	s.Equal(models.StatusRevoked, s.status(c.ID))
}

func (s *EngineSuite) TestExpiredCredentialIsMarked() {
	exp := s.now.Add(time.Hour)
	c := s.issue("alice", &exp)

	later := requestcontext.WithTime(context.Background(), exp)
	_, err := s.engine.Validate(later, "bob", c.Raw)
	s.requireFailure(err, StageStatus, dErrors.ReasonCredentialExpired)
	s.Equal(models.StatusExpired, s.status(c.ID))
}

func (s *EngineSuite) TestSuspendedIssuerFailsResolution() {
	c := s.issue("alice", nil)
	_, err := s.manager.Suspend(s.ctx, "alice")
	s.Require().NoError(err)

	_, err = s.engine.Validate(s.ctx, "bob", c.Raw)
	s.requireFailure(err, StageResolution, dErrors.ReasonIssuerUnresolvable)
	s.Equal(dErrors.CodeResolution, dErrors.CodeOf(err))
	s.Contains(err.Error(), "SUSPENDED")
	s.Equal(models.StatusPending, s.status(c.ID))

	_, err = s.manager.Resume(s.ctx, "alice")
	s.Require().NoError(err)
	_, err = s.engine.Validate(s.ctx, "bob", c.Raw)
	s.NoError(err)
}

func (s *EngineSuite) TestSubjectMustBeTheHolder() {
	c := s.issue("alice", nil)

	_, err := s.engine.Validate(s.ctx, "carol", c.Raw)
	s.requireFailure(err, StageStructure, dErrors.ReasonMalformedCredential)
	s.Contains(err.Error(), "is not holder carol")
	s.Equal(models.StatusPending, s.status(c.ID))

	_, err = s.engine.Validate(s.ctx, "nobody", c.Raw)
	s.requireFailure(err, StageStructure, dErrors.ReasonParticipantNotFound)
}

func (s *EngineSuite) TestSuspendedHolderIsRefused() {
	c := s.issue("alice", nil)
	_, err := s.manager.Suspend(s.ctx, "bob")
	s.Require().NoError(err)

	_, err = s.engine.Validate(s.ctx, "bob", c.Raw)
	s.requireFailure(err, StageStructure, dErrors.ReasonParticipantInactive)
	s.Equal(models.StatusPending, s.status(c.ID))

	_, err = s.manager.Resume(s.ctx, "bob")
	s.Require().NoError(err)
	res, err := s.engine.Validate(s.ctx, "bob", c.Raw)
	s.Require().NoError(err)
	s.Equal(models.StatusActive, res.Status)
}

func (s *EngineSuite) TestUnresolvableIssuer() {
	raw, _ := s.sign(s.claims(partnerDID, "urn:uuid:partner-2"), partnerDID.String()+"#k1")
	s.remote.EXPECT().Resolve(gomock.Any(), partnerDID).Return(nil, errors.New("connection refused"))

	_, err := s.engine.Validate(s.ctx, "bob", raw)
	s.requireFailure(err, StageResolution, dErrors.ReasonIssuerUnresolvable)
	s.True(dErrors.HasCode(err, dErrors.CodeResolution))
	s.True(dErrors.Retryable(err))
}

func (s *EngineSuite) TestBatchKeepsInputOrder() {
	first := s.issue("alice", nil)
	second := s.issue("carol", nil)
	revoked := s.issue("alice", nil)
	_, err := s.creds.Revoke(s.ctx, revoked.ID)
	s.Require().NoError(err)

	items := s.engine.ValidateBatch(s.ctx, "bob", []string{first.Raw, "garbage", second.Raw, revoked.Raw})
	s.Require().Len(items, 4)

	s.Require().NoError(items[0].Err)
	s.Equal(first.ID, items[0].Result.CredentialID)
	s.requireFailure(items[1].Err, StageStructure, dErrors.ReasonMalformedCredential)
	s.Nil(items[1].Result)
	s.Require().NoError(items[2].Err)
	s.Equal(second.ID, items[2].Result.CredentialID)
	s.requireFailure(items[3].Err, StageStatus, dErrors.ReasonCredentialRevoked)

	s.Equal(1, promtest.CollectAndCount(s.metrics.BatchSize))
}

func (s *EngineSuite) TestStageOf() {
	_, ok := StageOf(errors.New("plain"))
	s.False(ok)

	stage, ok := StageOf(fail(StageProof, dErrors.New(dErrors.CodeCryptographic, "bad")))
	s.True(ok)
	s.Equal(StageProof, stage)
}
