//go:build integration

package worker_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"github.com/twmb/franz-go/pkg/kgo"

	id "idhub/pkg/domain"
	"idhub/pkg/platform/audit"
	"idhub/pkg/platform/audit/sink/kafka"
	"idhub/pkg/platform/audit/store/postgres"
	"idhub/pkg/platform/audit/worker"
	"idhub/pkg/testutil/containers"
)

const topic = "idhub.audit.test"

type KafkaRelaySuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	redpanda *containers.RedpandaContainer
	store    *postgres.Store
	sink     *kafka.Sink
}

func TestKafkaRelaySuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(KafkaRelaySuite))
}

func (s *KafkaRelaySuite) SetupSuite() {
	mgr := containers.GetManager()
	s.postgres = mgr.GetPostgres(s.T())
	s.redpanda = mgr.GetRedpanda(s.T())
	s.store = postgres.New(s.postgres.DB)

	sink, err := kafka.New(s.redpanda.Brokers, topic)
	s.Require().NoError(err)
	s.sink = sink
	s.Require().NoError(s.sink.EnsureTopic(context.Background(), 1, 1))
}

func (s *KafkaRelaySuite) TearDownSuite() {
	if s.sink != nil {
		s.sink.Close()
	}
}

func (s *KafkaRelaySuite) SetupTest() {
	s.Require().NoError(s.postgres.TruncateTables(context.Background(), "audit_events", "outbox"))
}

func (s *KafkaRelaySuite) TestOutboxIsShippedOnce() {
	ctx := context.Background()
	for _, action := range []audit.AuditEvent{audit.EventParticipantCreated, audit.EventKeyRotated} {
		s.Require().NoError(s.store.Append(ctx, audit.Event{
			ParticipantID: "alice",
			Subject:       "did:web:example.com:alice",
			Action:        string(action),
			Timestamp:     time.Now(),
		}))
	}

	relay := worker.NewPostgresRelay(s.store, s.sink)
	n, err := relay.RunOnce(ctx)
	s.Require().NoError(err)
	s.Equal(2, n)

	n, err = relay.RunOnce(ctx)
	s.Require().NoError(err)
	s.Zero(n, "published rows are not shipped again")

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(s.redpanda.Brokers...),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	s.Require().NoError(err)
	defer consumer.Close()

	var payloads []postgres.Payload
	deadline, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()
	for len(payloads) < 2 && deadline.Err() == nil {
		fetches := consumer.PollFetches(deadline)
		fetches.EachRecord(func(r *kgo.Record) {
			s.Equal("alice", string(r.Key))
			var p postgres.Payload
			s.Require().NoError(json.Unmarshal(r.Value, &p))
			payloads = append(payloads, p)
		})
	}
	s.Require().Len(payloads, 2)
	s.Equal(string(audit.EventParticipantCreated), payloads[0].Action)
	s.Equal(string(audit.CategoryCompliance), payloads[0].Category)

	events, err := s.store.ListByParticipant(ctx, id.ParticipantID("alice"))
	s.Require().NoError(err)
	s.Len(events, 2)
}
