package publisher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	id "idhub/pkg/domain"
	audit "idhub/pkg/platform/audit"
	"idhub/pkg/platform/audit/store/memory"
	"idhub/pkg/requestcontext"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublisher_SyncMode(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store)
	defer pub.Close()

	participantID := id.NewParticipantID()
	event := audit.Event{
		ParticipantID: participantID,
		Action: string(audit.EventParticipantCreated),
	}

	err := pub.Emit(context.Background(), event)
	require.NoError(t, err)

	events, err := pub.List(context.Background(), participantID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, string(audit.EventParticipantCreated), events[0].Action)
}

func TestPublisher_AsyncMode(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store, WithAsyncBuffer(10))
	defer pub.Close()

	participantID := id.NewParticipantID()
	event := audit.Event{
		ParticipantID: participantID,
		Action: string(audit.EventKeyRotated),
	}

	err := pub.Emit(context.Background(), event)
	require.NoError(t, err)

	// Wait for async processing
	time.Sleep(100 * time.Millisecond)

	events, err := pub.List(context.Background(), participantID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, string(audit.EventKeyRotated), events[0].Action)
}

func TestPublisher_AsyncDrainsOnClose(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store, WithAsyncBuffer(100))

	participantID := id.NewParticipantID()

	// Emit multiple events
	for range 10 {
		event := audit.Event{
			ParticipantID: participantID,
			Action: string(audit.EventParticipantCreated),
		}
		err := pub.Emit(context.Background(), event)
		require.NoError(t, err)
	}

	// Close should drain all events
	pub.Close()

	events, err := store.ListByParticipant(context.Background(), participantID)
	require.NoError(t, err)
	assert.Len(t, events, 10, "all events should be drained on close")
}

func TestPublisher_BufferFull_DropsEvent(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store, WithAsyncBuffer(1))
	defer pub.Close()

	participantID := id.NewParticipantID()

	// Fill the buffer with concurrent writes
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			event := audit.Event{
				ParticipantID: participantID,
				Action: string(audit.EventParticipantCreated),
			}
			_ = pub.Emit(context.Background(), event)
		}()
	}
	wg.Wait()

	// Some events should have been dropped (buffer size 1)
	// Just verify no panic and publisher still works
}

func TestPublisher_SetsTimestamp(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store)
	defer pub.Close()

	participantID := id.NewParticipantID()
	event := audit.Event{
		ParticipantID: participantID,
		Action: string(audit.EventParticipantCreated),
		// Timestamp not set
	}

	before := time.Now()
	err := pub.Emit(context.Background(), event)
	require.NoError(t, err)
	after := time.Now()

	events, err := pub.List(context.Background(), participantID)
	require.NoError(t, err)
	require.Len(t, events, 1)

	assert.True(t, !events[0].Timestamp.Before(before), "timestamp should be >= before")
	assert.True(t, !events[0].Timestamp.After(after), "timestamp should be <= after")
}

func TestPublisher_PreservesExistingTimestamp(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store)
	defer pub.Close()

	participantID := id.NewParticipantID()
	customTime := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	event := audit.Event{
		ParticipantID:    participantID,
		Action:    string(audit.EventParticipantCreated),
		Timestamp: customTime,
	}

	err := pub.Emit(context.Background(), event)
	require.NoError(t, err)

	events, err := pub.List(context.Background(), participantID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, customTime, events[0].Timestamp)
}

func TestPublisher_ContextCancellation(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store, WithAsyncBuffer(1))
	defer pub.Close()

	// Fill buffer first
	_ = pub.Emit(context.Background(), audit.Event{
		ParticipantID: id.NewParticipantID(),
		Action: string(audit.EventParticipantCreated),
	})

	// Wait for the event to be processed
	time.Sleep(50 * time.Millisecond)

	// Fill buffer again
	_ = pub.Emit(context.Background(), audit.Event{
		ParticipantID: id.NewParticipantID(),
		Action: string(audit.EventParticipantCreated),
	})

	// Try to emit with cancelled context when buffer is full
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := pub.Emit(ctx, audit.Event{
		ParticipantID: id.NewParticipantID(),
		Action: string(audit.EventParticipantCreated),
	})

	// Should either succeed (buffer not full) or return context error or buffer full error
	if err != nil {
		assert.True(t, errors.Is(err, context.Canceled) || errors.Is(err, ErrBufferFull),
			"expected context.Canceled or buffer full error, got: %v", err)
	}
}

func TestPublisher_MultipleEvents(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store)
	defer pub.Close()

	participantID := id.NewParticipantID()

	events := []audit.Event{
		{ParticipantID: participantID, Action: string(audit.EventParticipantCreated)},
		{ParticipantID: participantID, Action: string(audit.EventDIDPublished)},
		{ParticipantID: participantID, Action: string(audit.EventCredentialIssued)},
	}

	for _, event := range events {
		err := pub.Emit(context.Background(), event)
		require.NoError(t, err)
	}

	result, err := pub.List(context.Background(), participantID)
	require.NoError(t, err)
	require.Len(t, result, 3)

	assert.Equal(t, string(audit.EventParticipantCreated), result[0].Action)
	assert.Equal(t, string(audit.EventDIDPublished), result[1].Action)
	assert.Equal(t, string(audit.EventCredentialIssued), result[2].Action)
}

func TestPublisher_DifferentParticipants(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store)
	defer pub.Close()

	alice := id.NewParticipantID()
	bob := id.NewParticipantID()

	err := pub.Emit(context.Background(), audit.Event{
		ParticipantID: alice,
		Action: string(audit.EventParticipantCreated),
	})
	require.NoError(t, err)

	err = pub.Emit(context.Background(), audit.Event{
		ParticipantID: bob,
		Action: string(audit.EventKeyRotated),
	})
	require.NoError(t, err)

	aliceEvents, err := pub.List(context.Background(), alice)
	require.NoError(t, err)
	require.Len(t, aliceEvents, 1)
	assert.Equal(t, string(audit.EventParticipantCreated), aliceEvents[0].Action)

	bobEvents, err := pub.List(context.Background(), bob)
	require.NoError(t, err)
	require.Len(t, bobEvents, 1)
	assert.Equal(t, string(audit.EventKeyRotated), bobEvents[0].Action)
}

func TestPublisher_FillsCategoryAndRequestMetadata(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store)
	defer pub.Close()

	participantID := id.NewParticipantID()
	ctx := requestcontext.WithRequestID(context.Background(), "req-1")
	ctx = requestcontext.WithActor(ctx, "super-user")

	require.NoError(t, pub.Emit(ctx, audit.Event{ParticipantID: participantID, Action: string(audit.EventKeyRevoked)}))

	events, err := pub.List(ctx, participantID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, audit.CategorySecurity, events[0].Category)
	assert.Equal(t, "req-1", events[0].RequestID)
	assert.Equal(t, "super-user", events[0].ActorID)
}
