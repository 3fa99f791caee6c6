//go:build integration

package store_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"idhub/internal/did/models"
	"idhub/internal/did/store"
	keymodels "idhub/internal/keypair/models"
	id "idhub/pkg/domain"
	"idhub/pkg/platform/sentinel"
	"idhub/pkg/testutil/containers"
)

type PostgresDIDStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *store.PostgresStore
	ctx      context.Context
	now      time.Time
}

func TestPostgresDIDStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresDIDStoreSuite))
}

func (s *PostgresDIDStoreSuite) SetupSuite() {
	s.postgres = containers.GetManager().GetPostgres(s.T())
	s.store = store.NewPostgres(s.postgres.DB)
	s.ctx = context.Background()
	s.now = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
}

func (s *PostgresDIDStoreSuite) SetupTest() {
	s.Require().NoError(s.postgres.TruncateTables(s.ctx, "did_resources"))
}

func (s *PostgresDIDStoreSuite) resource(pid id.ParticipantID) *models.DidResource {
	did := id.WebDID("example.com", pid)
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	s.Require().NoError(err)
	kp := keymodels.NewKeyPair(pid, keymodels.PurposeSigning, keymodels.AlgorithmEdDSA,
		keymodels.NewKeyID(keymodels.PurposeSigning), pub, s.now)
	services := []models.Service{models.NewService(did, "CredentialService", "https://example.com/credentials")}
	doc, err := models.BuildDocument(did, []*keymodels.KeyPair{kp}, services)
	s.Require().NoError(err)
	return models.NewDidResource(pid, did, services, doc, s.now)
}

func (s *PostgresDIDStoreSuite) TestDocumentRoundTrip() {
	res := s.resource("alice")
	s.Require().NoError(s.store.Create(s.ctx, res))
	s.ErrorIs(s.store.Create(s.ctx, s.resource("alice")), sentinel.ErrConflict)

	stored, err := s.store.FindByDID(s.ctx, res.DID)
	s.Require().NoError(err)
	s.True(res.Document.Equal(stored.Document))
	s.Equal(res.Services, stored.Services)
	s.Equal(models.StateDraft, stored.State)

	_, err = s.store.FindByParticipant(s.ctx, "nobody")
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *PostgresDIDStoreSuite) TestExecuteAndListByState() {
	s.Require().NoError(s.store.Create(s.ctx, s.resource("alice")))
	s.Require().NoError(s.store.Create(s.ctx, s.resource("bob")))

	_, err := s.store.Execute(s.ctx, "alice", func(r *models.DidResource) error {
		return r.CanPublish(r.Version)
	}, func(r *models.DidResource) {
		r.ApplyPublished(s.now)
	})
	s.Require().NoError(err)
	_, err = s.store.Execute(s.ctx, "bob", func(*models.DidResource) error { return nil }, func(r *models.DidResource) {
		r.ApplyPublishFailed(context.DeadlineExceeded, s.now)
	})
	s.Require().NoError(err)

	stale, err := s.store.ListByState(s.ctx, models.StateStale)
	s.Require().NoError(err)
	s.Require().Len(stale, 1)
	s.Equal(id.ParticipantID("bob"), stale[0].ParticipantID)
	s.NotEmpty(stale[0].LastError)

	alice, err := s.store.FindByParticipant(s.ctx, "alice")
	s.Require().NoError(err)
	s.True(alice.IsPublished())
	s.Equal(alice.Version, alice.PublishedVersion)
}
