// Package resolver turns DIDs into DID documents.
//
// Local answers for DIDs this process manages, Web fetches did:web documents
// over HTTPS, Multi routes by method and Breaker sheds load from a failing
// remote resolver.
package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"idhub/internal/did/models"
	id "idhub/pkg/domain"
	dErrors "idhub/pkg/domain-errors"
	"idhub/pkg/platform/circuit"
	"idhub/pkg/platform/sentinel"
)

//go:generate mockgen -source=resolver.go -destination=mocks/mocks.go -package=mocks Resolver

// DefaultTimeout bounds a resolution when the caller's context has no deadline.
const DefaultTimeout = 5 * time.Second

const maxDocumentBytes = 1 << 20

type Resolver interface {
	Resolve(ctx context.Context, did id.DID) (*models.Document, error)
}

func notFound(did id.DID) error {
	return dErrors.Newf(dErrors.CodeNotFound, "DID %s not found", did).WithReason(dErrors.ReasonDIDNotFound)
}

func unresolvable(did id.DID, err error) error {
	return dErrors.Wrap(err, dErrors.CodeResolution, fmt.Sprintf("could not resolve %s", did)).
		WithReason(dErrors.ReasonIssuerUnresolvable)
}

// DocumentSource is the read side of the DID store.
type DocumentSource interface {
	FindByDID(ctx context.Context, did id.DID) (*models.DidResource, error)
}

// Local resolves DIDs managed by this process from the DID store. The latest
// materialized document is returned whether or not it has been published.
type Local struct {
	source DocumentSource
}

func NewLocal(source DocumentSource) *Local {
	return &Local{source: source}
}

func (l *Local) Resolve(ctx context.Context, did id.DID) (*models.Document, error) {
	res, err := l.source.FindByDID(ctx, did)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, notFound(did)
		}
		return nil, unresolvable(did, err)
	}
	if res.Deactivated {
		return nil, notFound(did)
	}
	doc := res.Document.Clone()
	return &doc, nil
}

// Web resolves did:web identifiers over HTTP(S).
type Web struct {
	client *http.Client
	scheme string
}

type WebOption func(*Web)

func WithHTTPClient(c *http.Client) WebOption {
	return func(w *Web) { w.client = c }
}

// WithScheme overrides "https"; local development hosts serve plain http.
func WithScheme(scheme string) WebOption {
	return func(w *Web) { w.scheme = scheme }
}

func NewWeb(opts ...WebOption) *Web {
	w := &Web{client: &http.Client{Timeout: DefaultTimeout}, scheme: "https"}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Web) Resolve(ctx context.Context, did id.DID) (*models.Document, error) {
	host, path, err := models.WebDocumentPath(did)
	if err != nil {
		return nil, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.scheme+"://"+host+path, nil)
	if err != nil {
		return nil, unresolvable(did, err)
	}
	req.Header.Set("Accept", "application/did+json, application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, unresolvable(did, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, notFound(did)
	case resp.StatusCode != http.StatusOK:
		return nil, unresolvable(did, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var doc models.Document
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxDocumentBytes)).Decode(&doc); err != nil {
		return nil, unresolvable(did, fmt.Errorf("decode document: %w", err))
	}
	if doc.ID != did.String() {
		return nil, unresolvable(did, fmt.Errorf("document id %q does not match", doc.ID))
	}
	return &doc, nil
}

// Multi tries the local resolver first and routes unknown DIDs by method.
type Multi struct {
	local Resolver

	mu       sync.RWMutex
	byMethod map[string]Resolver
}

// NewMulti builds a router. local may be nil.
func NewMulti(local Resolver) *Multi {
	return &Multi{local: local, byMethod: make(map[string]Resolver)}
}

// Register routes method (e.g. "web") to r.
func (m *Multi) Register(method string, r Resolver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byMethod[method] = r
}

func (m *Multi) Resolve(ctx context.Context, did id.DID) (*models.Document, error) {
	if m.local != nil {
		doc, err := m.local.Resolve(ctx, did)
		if err == nil || !dErrors.HasReason(err, dErrors.ReasonDIDNotFound) {
			return doc, err
		}
	}
	m.mu.RLock()
	r, ok := m.byMethod[did.Method()]
	m.mu.RUnlock()
	if !ok {
		return nil, dErrors.Newf(dErrors.CodeResolution, "no resolver for DID method %q", did.Method()).
			WithReason(dErrors.ReasonIssuerUnresolvable)
	}
	return r.Resolve(ctx, did)
}

// Breaker fails fast while the wrapped resolver keeps failing. Not-found
// answers count as successes.
type Breaker struct {
	next    Resolver
	breaker *circuit.Breaker
	logger  *slog.Logger
}

func NewBreaker(next Resolver, b *circuit.Breaker, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{next: next, breaker: b, logger: logger}
}

func (b *Breaker) Resolve(ctx context.Context, did id.DID) (*models.Document, error) {
	if !b.breaker.Allow() {
		return nil, dErrors.Newf(dErrors.CodeResolution, "resolver %s circuit open", b.breaker.Name()).
			WithReason(dErrors.ReasonIssuerUnresolvable)
	}
	doc, err := b.next.Resolve(ctx, did)
	if err != nil && dErrors.CodeOf(err) != dErrors.CodeNotFound && dErrors.CodeOf(err) != dErrors.CodeInvalidInput {
		if _, change := b.breaker.RecordFailure(); change.Opened {
			b.logger.WarnContext(ctx, "resolver circuit opened", "resolver", b.breaker.Name(), "error", err)
		}
		return nil, err
	}
	if _, change := b.breaker.RecordSuccess(); change.Closed {
		b.logger.InfoContext(ctx, "resolver circuit closed", "resolver", b.breaker.Name())
	}
	return doc, err
}
