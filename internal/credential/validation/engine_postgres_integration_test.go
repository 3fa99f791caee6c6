//go:build integration

package validation_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"idhub/internal/credential/models"
	credservice "idhub/internal/credential/service"
	"idhub/internal/credential/statuslist"
	"idhub/internal/credential/validation"
	didservice "idhub/internal/did/service"
	keymodels "idhub/internal/keypair/models"
	keyservice "idhub/internal/keypair/service"
	pservice "idhub/internal/participant/service"
	"idhub/internal/platform/config"
	"idhub/internal/registry"
	id "idhub/pkg/domain"
	dErrors "idhub/pkg/domain-errors"
	"idhub/pkg/platform/keylock"
	"idhub/pkg/requestcontext"
	"idhub/pkg/testutil/containers"
)

// PostgresLifecycleSuite runs issuance, rotation, validation and deletion
// against the postgres stores selected through the registry.
type PostgresLifecycleSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	ctx      context.Context
	manager  *pservice.Service
	creds    *credservice.Service
	engine   *validation.Engine
}

func TestPostgresLifecycleSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresLifecycleSuite))
}

func (s *PostgresLifecycleSuite) SetupSuite() {
	s.postgres = containers.GetManager().GetPostgres(s.T())
}

func (s *PostgresLifecycleSuite) SetupTest() {
	s.ctx = requestcontext.WithTime(context.Background(), time.Now().UTC().Truncate(time.Microsecond))
	s.Require().NoError(s.postgres.TruncateTables(s.ctx, "participants", "key_pairs", "did_resources", "credentials", "vault_entries"))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	deps := registry.Deps{Config: config.Config{}, Logger: logger, DB: s.postgres.DB}
	stores, err := registry.StoreBackends().Build("postgres", deps)
	s.Require().NoError(err)
	pub, err := registry.Publishers().Build("webhost", deps)
	s.Require().NoError(err)
	res, err := registry.Resolvers(stores.DIDs).Build("local", deps)
	s.Require().NoError(err)

	locker := keylock.New()
	v, err := registry.Vaults().Build("postgres", deps)
	s.Require().NoError(err)
	list := statuslist.NewMemory()
	keys := keyservice.New(stores.Keys, v, keyservice.WithLogger(logger))
	dids := didservice.New(stores.DIDs, keys, pub, didservice.WithLogger(logger))
	keys.OnRevoke(dids)
	s.manager = pservice.New(stores.Participants, keys, dids,
		pservice.LedgerFunc(func(ctx context.Context, pid id.ParticipantID) (int, error) { return s.creds.CountLive(ctx, pid) }),
		v, pservice.WithLogger(logger), pservice.WithLocker(locker), pservice.WithDIDHost("example.com"))
	s.creds = credservice.New(stores.Credentials, s.manager, keys, list, credservice.WithLocker(locker))
	s.engine = validation.New(stores.Credentials, res, s.manager, list, validation.WithLogger(logger))

	for _, req := range []pservice.CreateRequest{{ID: "alice"}, {ID: "bob", Algorithm: "ES256"}} {
		_, err := s.manager.Create(s.ctx, req)
		s.Require().NoError(err)
	}
}

func (s *PostgresLifecycleSuite) TestIssueRotateValidateDelete() {
	c, err := s.creds.Issue(s.ctx, credservice.IssueRequest{IssuerID: "alice", SubjectID: "bob"})
	s.Require().NoError(err)

	rotated, err := s.manager.RotateKeys(s.ctx, "alice", keymodels.PurposeSigning)
	s.Require().NoError(err)
	s.True(rotated.DID.IsPublished())

	res, err := s.engine.Validate(s.ctx, "bob", c.Raw)
	s.Require().NoError(err)
	s.Equal(models.StatusActive, res.Status)

	_, err = s.manager.Delete(s.ctx, "bob")
	s.True(dErrors.HasReason(err, dErrors.ReasonParticipantNotDeletable))

	_, err = s.creds.Revoke(s.ctx, c.ID)
	s.Require().NoError(err)
	_, err = s.engine.Validate(s.ctx, "bob", c.Raw)
	s.True(dErrors.HasReason(err, dErrors.ReasonCredentialRevoked))

	_, err = s.manager.Delete(s.ctx, "bob")
	s.Require().NoError(err)
}

func (s *PostgresLifecycleSuite) TestConcurrentRotationsAgainstPostgres() {
	const n = 4
	errs := make(chan error, n)
	for range n {
		go func() {
			_, err := s.manager.RotateKeys(s.ctx, "alice", keymodels.PurposeSigning)
			errs <- err
		}()
	}
	for range n {
		s.Require().NoError(<-errs)
	}

	res, err := s.manager.RotateKeys(s.ctx, "alice", keymodels.PurposeSigning)
	s.Require().NoError(err)
	s.Equal(int64(n+2), res.DID.Version, "initial version plus one per rotation")
}
