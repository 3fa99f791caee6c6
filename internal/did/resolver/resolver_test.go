package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"idhub/internal/did/models"
	"idhub/internal/did/publisher"
	"idhub/internal/did/resolver/mocks"
	didstore "idhub/internal/did/store"
	id "idhub/pkg/domain"
	dErrors "idhub/pkg/domain-errors"
	"idhub/pkg/platform/circuit"
)

func TestLocalResolvesManagedDocuments(t *testing.T) {
	ctx := context.Background()
	store := didstore.NewInMemory()
	did := id.WebDID("example.com", "alice")
	doc := models.Document{Context: []string{models.ContextDIDv1}, ID: did.String()}
	require.NoError(t, store.Create(ctx, models.NewDidResource("alice", did, nil, doc, time.Now())))

	local := NewLocal(store)
	got, err := local.Resolve(ctx, did)
	require.NoError(t, err)
	assert.Equal(t, did.String(), got.ID)

	_, err = local.Resolve(ctx, id.WebDID("example.com", "bob"))
	assert.True(t, dErrors.HasReason(err, dErrors.ReasonDIDNotFound))

	_, err = store.Execute(ctx, "alice", func(*models.DidResource) error { return nil },
		func(r *models.DidResource) { r.ApplyDeactivation(time.Now()) })
	require.NoError(t, err)
	_, err = local.Resolve(ctx, did)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeNotFound))
}

func TestWebResolvesHostedDocuments(t *testing.T) {
	host := publisher.NewWebHost()
	r := chi.NewRouter()
	host.Register(r)
	srv := httptest.NewServer(r)
	defer srv.Close()

	hostPort := strings.TrimPrefix(srv.URL, "http://")
	did := id.WebDID(hostPort, "alice")
	require.NoError(t, host.Publish(context.Background(), did, models.Document{ID: did.String()}))

	web := NewWeb(WithScheme("http"), WithHTTPClient(srv.Client()))
	doc, err := web.Resolve(context.Background(), did)
	require.NoError(t, err)
	assert.Equal(t, did.String(), doc.ID)

	_, err = web.Resolve(context.Background(), id.WebDID(hostPort, "bob"))
	assert.True(t, dErrors.HasReason(err, dErrors.ReasonDIDNotFound))
}

func TestWebRejectsMismatchedDocumentID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(models.Document{ID: "did:web:evil.example"})
	}))
	defer srv.Close()

	did := id.WebDID(strings.TrimPrefix(srv.URL, "http://"), "alice")
	_, err := NewWeb(WithScheme("http")).Resolve(context.Background(), did)
	assert.True(t, dErrors.HasReason(err, dErrors.ReasonIssuerUnresolvable))
	assert.True(t, dErrors.Retryable(err))
}

func TestMultiPrefersLocalThenRoutesByMethod(t *testing.T) {
	ctrl := gomock.NewController(t)
	local := mocks.NewMockResolver(ctrl)
	web := mocks.NewMockResolver(ctrl)
	m := NewMulti(local)
	m.Register("web", web)

	managed := id.DID("did:web:example.com:alice")
	remote := id.DID("did:web:other.example:carol")

	local.EXPECT().Resolve(gomock.Any(), managed).Return(&models.Document{ID: managed.String()}, nil)
	local.EXPECT().Resolve(gomock.Any(), remote).Return(nil, notFound(remote))
	web.EXPECT().Resolve(gomock.Any(), remote).Return(&models.Document{ID: remote.String()}, nil)

	doc, err := m.Resolve(context.Background(), managed)
	require.NoError(t, err)
	assert.Equal(t, managed.String(), doc.ID)

	doc, err = m.Resolve(context.Background(), remote)
	require.NoError(t, err)
	assert.Equal(t, remote.String(), doc.ID)

	t.Run("unknown method", func(t *testing.T) {
		local.EXPECT().Resolve(gomock.Any(), id.DID("did:key:z6Mk")).Return(nil, notFound("did:key:z6Mk"))
		_, err := m.Resolve(context.Background(), "did:key:z6Mk")
		assert.True(t, dErrors.HasReason(err, dErrors.ReasonIssuerUnresolvable))
	})
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	ctrl := gomock.NewController(t)
	next := mocks.NewMockResolver(ctrl)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := circuit.New("web", circuit.WithFailureThreshold(2), circuit.WithCooldown(time.Minute),
		circuit.WithClock(func() time.Time { return now }))
	b := NewBreaker(next, cb, nil)
	did := id.DID("did:web:down.example")

	down := unresolvable(did, errors.New("connection refused"))
	next.EXPECT().Resolve(gomock.Any(), did).Return(nil, down).Times(2)
	for i := 0; i < 2; i++ {
		_, err := b.Resolve(context.Background(), did)
		require.Error(t, err)
	}
	require.True(t, cb.IsOpen())

	_, err := b.Resolve(context.Background(), did)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeResolution))

	now = now.Add(time.Minute)
	next.EXPECT().Resolve(gomock.Any(), did).Return(&models.Document{ID: did.String()}, nil)
	doc, err := b.Resolve(context.Background(), did)
	require.NoError(t, err)
	assert.Equal(t, did.String(), doc.ID)
	assert.False(t, cb.IsOpen())
}

func TestBreakerIgnoresNotFound(t *testing.T) {
	ctrl := gomock.NewController(t)
	next := mocks.NewMockResolver(ctrl)
	cb := circuit.New("web", circuit.WithFailureThreshold(1))
	b := NewBreaker(next, cb, nil)

	next.EXPECT().Resolve(gomock.Any(), gomock.Any()).Return(nil, notFound("did:web:x")).Times(3)
	for i := 0; i < 3; i++ {
		_, _ = b.Resolve(context.Background(), "did:web:x")
	}
	assert.False(t, cb.IsOpen())
}
