package registry

import (
	"crypto/tls"
	"net/http"

	credservice "idhub/internal/credential/service"
	"idhub/internal/credential/statuslist"
	credstore "idhub/internal/credential/store"
	"idhub/internal/did/publisher"
	"idhub/internal/did/resolver"
	didservice "idhub/internal/did/service"
	didstore "idhub/internal/did/store"
	keyservice "idhub/internal/keypair/service"
	keystore "idhub/internal/keypair/store"
	"idhub/internal/keypair/vault"
	pservice "idhub/internal/participant/service"
	pstore "idhub/internal/participant/store"
	"idhub/pkg/platform/audit"
	"idhub/pkg/platform/audit/sink/kafka"
	auditmemory "idhub/pkg/platform/audit/store/memory"
	auditpostgres "idhub/pkg/platform/audit/store/postgres"
	"idhub/pkg/platform/audit/worker"
	"idhub/pkg/platform/circuit"
)

// DIDStore is the DID resource store; the local resolver reads documents
// from it.
type DIDStore interface {
	didservice.Store
	resolver.DocumentSource
}

// Stores is one persistence backend for every entity.
type Stores struct {
	Participants pservice.Store
	Keys         keyservice.Store
	DIDs         DIDStore
	Credentials  credservice.Store
}

// AuditBackend is the audit store plus, for outbox backends that forward
// events, the relay shipping them. Close releases sink connections.
type AuditBackend struct {
	Store audit.Store
	Relay *worker.Relay
	Close func()
}

func Publishers() *Registry[publisher.Publisher] {
	r := New[publisher.Publisher]("DID publisher")
	r.Register("webhost", func(d Deps) (publisher.Publisher, error) {
		if d.WebHost == nil {
			return publisher.NewWebHost(), nil
		}
		return d.WebHost, nil
	})
	r.Register("noop", func(Deps) (publisher.Publisher, error) {
		return publisher.Noop{}, nil
	})
	return r
}

// Resolvers builds resolvers that always answer for managed DIDs locally.
// "web" adds did:web resolution over HTTPS behind a circuit breaker.
func Resolvers(documents resolver.DocumentSource) *Registry[resolver.Resolver] {
	r := New[resolver.Resolver]("DID resolver")
	r.Register("local", func(Deps) (resolver.Resolver, error) {
		return resolver.NewMulti(resolver.NewLocal(documents)), nil
	})
	r.Register("web", func(d Deps) (resolver.Resolver, error) {
		multi := resolver.NewMulti(resolver.NewLocal(documents))
		web := resolver.NewWeb(resolver.WithHTTPClient(httpClient(d)))
		multi.Register("web", resolver.NewBreaker(web, circuit.New("did-web"), d.Logger))
		return multi, nil
	})
	return r
}

// httpClient is the outbound client for did:web resolution.
func httpClient(d Deps) *http.Client {
	c := &http.Client{Timeout: d.Config.Timeouts.Resolve}
	if d.Config.HTTPClient.InsecureTLS {
		if d.Logger != nil {
			d.Logger.Warn("TLS verification disabled for outbound DID resolution")
		}
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		c.Transport = transport
	}
	return c
}

// Vaults hold private key material and API key hashes. The vault must be
// as durable as the store backend; config refuses a memory vault for a
// durable store.
func Vaults() *Registry[vault.Vault] {
	r := New[vault.Vault]("vault")
	r.Register("memory", func(Deps) (vault.Vault, error) {
		return vault.NewMemory(), nil
	})
	r.Register("postgres", func(d Deps) (vault.Vault, error) {
		if err := requireDB(d); err != nil {
			return nil, err
		}
		return vault.NewPostgres(d.DB), nil
	})
	return r
}

func StatusLists() *Registry[statuslist.List] {
	r := New[statuslist.List]("status list")
	r.Register("memory", func(Deps) (statuslist.List, error) {
		return statuslist.NewMemory(), nil
	})
	r.Register("redis", func(d Deps) (statuslist.List, error) {
		if err := requireRedis(d); err != nil {
			return nil, err
		}
		return statuslist.NewRedis(d.Redis), nil
	})
	return r
}

func AuditBackends() *Registry[AuditBackend] {
	r := New[AuditBackend]("audit sink")
	r.Register("memory", func(Deps) (AuditBackend, error) {
		return AuditBackend{Store: auditmemory.NewInMemoryStore(), Close: func() {}}, nil
	})
	r.Register("postgres", func(d Deps) (AuditBackend, error) {
		if err := requireDB(d); err != nil {
			return AuditBackend{}, err
		}
		return AuditBackend{Store: auditpostgres.New(d.DB), Close: func() {}}, nil
	})
	r.Register("kafka", func(d Deps) (AuditBackend, error) {
		if err := requireDB(d); err != nil {
			return AuditBackend{}, err
		}
		sink, err := kafka.New(d.Config.Kafka.Brokers, d.Config.Kafka.AuditTopic)
		if err != nil {
			return AuditBackend{}, err
		}
		store := auditpostgres.New(d.DB)
		return AuditBackend{
			Store: store,
			Relay: worker.NewPostgresRelay(store, sink, worker.WithLogger(d.Logger)),
			Close: sink.Close,
		}, nil
	})
	return r
}

func StoreBackends() *Registry[Stores] {
	r := New[Stores]("store")
	r.Register("memory", func(Deps) (Stores, error) {
		return Stores{
			Participants: pstore.NewInMemory(),
			Keys:         keystore.NewInMemory(),
			DIDs:         didstore.NewInMemory(),
			Credentials:  credstore.NewInMemory(),
		}, nil
	})
	r.Register("postgres", func(d Deps) (Stores, error) {
		if err := requireDB(d); err != nil {
			return Stores{}, err
		}
		return Stores{
			Participants: pstore.NewPostgres(d.DB),
			Keys:         keystore.NewPostgres(d.DB),
			DIDs:         didstore.NewPostgres(d.DB),
			Credentials:  credstore.NewPostgres(d.DB),
		}, nil
	})
	return r
}
