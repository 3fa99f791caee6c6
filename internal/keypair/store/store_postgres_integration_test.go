//go:build integration

package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"idhub/internal/keypair/models"
	"idhub/internal/keypair/store"
	id "idhub/pkg/domain"
	"idhub/pkg/platform/sentinel"
	"idhub/pkg/testutil/containers"
)

type PostgresKeyStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *store.PostgresStore
	ctx      context.Context
	now      time.Time
}

func TestPostgresKeyStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresKeyStoreSuite))
}

func (s *PostgresKeyStoreSuite) SetupSuite() {
	s.postgres = containers.GetManager().GetPostgres(s.T())
	s.store = store.NewPostgres(s.postgres.DB)
	s.ctx = context.Background()
	s.now = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
}

func (s *PostgresKeyStoreSuite) SetupTest() {
	s.Require().NoError(s.postgres.TruncateTables(s.ctx, "key_pairs"))
}

func (s *PostgresKeyStoreSuite) newKey(pid id.ParticipantID) *models.KeyPair {
	return models.NewKeyPair(pid, models.PurposeSigning, models.AlgorithmEdDSA,
		models.NewKeyID(models.PurposeSigning), make([]byte, 32), s.now)
}

func (s *PostgresKeyStoreSuite) TestOneActiveKeyPerPurpose() {
	first := s.newKey("alice")
	s.Require().NoError(s.store.Create(s.ctx, first))
	s.ErrorIs(s.store.Create(s.ctx, s.newKey("alice")), sentinel.ErrConflict)
	s.NoError(s.store.Create(s.ctx, s.newKey("bob")), "other participants are unaffected")

	active, err := s.store.FindActive(s.ctx, "alice", models.PurposeSigning)
	s.Require().NoError(err)
	s.Equal(first.ID, active.ID)
	s.Equal(first.PublicKey, active.PublicKey)
}

func (s *PostgresKeyStoreSuite) TestRotateSwapsActiveKeyAtomically() {
	first := s.newKey("alice")
	s.Require().NoError(s.store.Create(s.ctx, first))

	next := s.newKey("alice")
	rotated, err := s.store.Rotate(s.ctx, next, s.now.Add(time.Hour))
	s.Require().NoError(err)
	s.Equal(first.ID, rotated.ID)
	s.Equal(models.StateRotated, rotated.State)

	active, err := s.store.FindActive(s.ctx, "alice", models.PurposeSigning)
	s.Require().NoError(err)
	s.Equal(next.ID, active.ID)

	keys, err := s.store.ListByParticipant(s.ctx, "alice")
	s.Require().NoError(err)
	s.Len(keys, 2)

	_, err = s.store.Rotate(s.ctx, s.newKey("carol"), s.now)
	s.ErrorIs(err, sentinel.ErrNotFound, "nothing to rotate")
}

func (s *PostgresKeyStoreSuite) TestExecuteRevokes() {
	kp := s.newKey("alice")
	s.Require().NoError(s.store.Create(s.ctx, kp))

	revoked, err := s.store.Execute(s.ctx, "alice", kp.ID, func(k *models.KeyPair) error {
		return k.CanRevoke(true)
	}, func(k *models.KeyPair) {
		k.ApplyRevocation(s.now)
	})
	s.Require().NoError(err)
	s.True(revoked.IsRevoked())

	stored, err := s.store.FindByID(s.ctx, "alice", kp.ID)
	s.Require().NoError(err)
	s.Require().NotNil(stored.RevokedAt)
	s.True(s.now.Equal(*stored.RevokedAt))

	_, err = s.store.FindActive(s.ctx, "alice", models.PurposeSigning)
	s.ErrorIs(err, sentinel.ErrNotFound)
}
