package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	id "idhub/pkg/domain"
	audit "idhub/pkg/platform/audit"
	txcontext "idhub/pkg/platform/tx"
)

// Store implements audit.Store with a transactional outbox. Append writes the
// queryable audit_events row and an outbox row in the caller's transaction;
// the relay worker forwards outbox rows to the configured sink.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// OutboxEntry is one pending row of the outbox.
type OutboxEntry struct {
	ID            uuid.UUID
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	CreatedAt     time.Time
}

// Payload is the JSON document stored in the outbox and shipped to sinks.
type Payload struct {
	ID            string `json:"id"`
	Category      string `json:"category"`
	Timestamp     string `json:"timestamp"`
	ParticipantID string `json:"participant_id,omitempty"`
	Subject       string `json:"subject"`
	Action        string `json:"action"`
	Decision      string `json:"decision,omitempty"`
	Reason        string `json:"reason,omitempty"`
	RequestID     string `json:"request_id,omitempty"`
	ActorID       string `json:"actor_id,omitempty"`
}

func (s *Store) Append(ctx context.Context, event audit.Event) error {
	eventID := uuid.New()
	category := event.Category
	if category == "" {
		category = audit.AuditEvent(event.Action).Category()
	}

	payload, err := json.Marshal(Payload{
		ID:            eventID.String(),
		Category:      string(category),
		Timestamp:     event.Timestamp.UTC().Format(time.RFC3339Nano),
		ParticipantID: event.ParticipantID.String(),
		Subject:       event.Subject,
		Action:        event.Action,
		Decision:      event.Decision,
		Reason:        event.Reason,
		RequestID:     event.RequestID,
		ActorID:       event.ActorID,
	})
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}

	aggregateType, aggregateID := "audit", eventID.String()
	if !event.ParticipantID.IsNil() {
		aggregateType, aggregateID = "participant", event.ParticipantID.String()
	}

	return txcontext.Run(ctx, s.db, func(ctx context.Context) error {
		q := txcontext.QuerierFor(ctx, s.db)
		_, err := q.ExecContext(ctx, `
			INSERT INTO audit_events (
				id, category, timestamp, participant_id, subject, action,
				decision, reason, request_id, actor_id
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, eventID, string(category), event.Timestamp, event.ParticipantID.String(), event.Subject,
			event.Action, event.Decision, event.Reason, event.RequestID, event.ActorID)
		if err != nil {
			return fmt.Errorf("insert audit event: %w", err)
		}
		_, err = q.ExecContext(ctx, `
			INSERT INTO outbox (id, aggregate_type, aggregate_id, event_type, payload, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, uuid.New(), aggregateType, aggregateID, event.Action, payload, time.Now())
		if err != nil {
			return fmt.Errorf("insert outbox entry: %w", err)
		}
		return nil
	})
}

func (s *Store) ListByParticipant(ctx context.Context, participantID id.ParticipantID) ([]audit.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT category, timestamp, participant_id, subject, action,
			   decision, reason, request_id, actor_id
		FROM audit_events
		WHERE participant_id = $1
		ORDER BY timestamp ASC
	`, participantID.String())
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var events []audit.Event
	for rows.Next() {
		var (
			event    audit.Event
			category string
			pid      string
		)
		if err := rows.Scan(&category, &event.Timestamp, &pid, &event.Subject, &event.Action,
			&event.Decision, &event.Reason, &event.RequestID, &event.ActorID); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		event.Category = audit.EventCategory(category)
		event.ParticipantID = id.ParticipantID(pid)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return events, nil
}

// FetchPending returns up to limit unpublished outbox rows, oldest first.
// Rows are locked with SKIP LOCKED when called inside a transaction so
// concurrent relays do not ship the same entry.
func (s *Store) FetchPending(ctx context.Context, limit int) ([]OutboxEntry, error) {
	rows, err := txcontext.QuerierFor(ctx, s.db).QueryContext(ctx, `
		SELECT id, aggregate_type, aggregate_id, event_type, payload, created_at
		FROM outbox
		WHERE published_at IS NULL
		ORDER BY created_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.AggregateType, &e.AggregateID, &e.EventType, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox: %w", err)
	}
	return entries, nil
}

// MarkPublished stamps the given outbox rows as shipped.
func (s *Store) MarkPublished(ctx context.Context, ids []uuid.UUID, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	strIDs := make([]string, len(ids))
	for i, v := range ids {
		strIDs[i] = v.String()
	}
	_, err := txcontext.QuerierFor(ctx, s.db).ExecContext(ctx, `
		UPDATE outbox SET published_at = $1 WHERE id = ANY($2::uuid[])
	`, at, pq.Array(strIDs))
	if err != nil {
		return fmt.Errorf("mark outbox published: %w", err)
	}
	return nil
}

// DB exposes the handle so the relay can open its own transactions.
func (s *Store) DB() *sql.DB { return s.db }
