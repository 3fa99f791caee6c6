// Package publisher makes DID documents visible to resolvers.
package publisher

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-chi/chi/v5"

	"idhub/internal/did/models"
	id "idhub/pkg/domain"
)

//go:generate mockgen -source=publisher.go -destination=mocks/mocks.go -package=mocks Publisher,Unpublisher

// Publisher hands a document to the outside world.
type Publisher interface {
	Publish(ctx context.Context, did id.DID, doc models.Document) error
}

// Unpublisher is implemented by publishers that can withdraw a document.
type Unpublisher interface {
	Unpublish(ctx context.Context, did id.DID) error
}

// WebHost serves did:web documents from memory at the paths the did:web
// method derives from each DID.
type WebHost struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

func NewWebHost() *WebHost {
	return &WebHost{docs: make(map[string][]byte)}
}

func (w *WebHost) Publish(ctx context.Context, did id.DID, doc models.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, path, err := models.WebDocumentPath(did)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.docs[path] = raw
	w.mu.Unlock()
	return nil
}

func (w *WebHost) Unpublish(ctx context.Context, did id.DID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, path, err := models.WebDocumentPath(did)
	if err != nil {
		return err
	}
	w.mu.Lock()
	delete(w.docs, path)
	w.mu.Unlock()
	return nil
}

// Document returns the published JSON for did, if any.
func (w *WebHost) Document(did id.DID) ([]byte, bool) {
	_, path, err := models.WebDocumentPath(did)
	if err != nil {
		return nil, false
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	raw, ok := w.docs[path]
	return raw, ok
}

// Register mounts the document routes.
func (w *WebHost) Register(r chi.Router) {
	r.Get("/.well-known/did.json", w.serve)
	r.Get("/*", w.serve)
}

func (w *WebHost) serve(rw http.ResponseWriter, r *http.Request) {
	if !strings.HasSuffix(r.URL.Path, "/did.json") {
		http.NotFound(rw, r)
		return
	}
	w.mu.RLock()
	raw, ok := w.docs[r.URL.Path]
	w.mu.RUnlock()
	if !ok {
		http.NotFound(rw, r)
		return
	}
	rw.Header().Set("Content-Type", "application/did+json")
	rw.WriteHeader(http.StatusOK)
	_, _ = rw.Write(raw)
}

// Noop accepts every document without exposing it anywhere.
type Noop struct{}

func (Noop) Publish(ctx context.Context, _ id.DID, _ models.Document) error {
	return ctx.Err()
}

// Failing wraps a publisher and fails while a failure is set.
type Failing struct {
	next Publisher
	err  atomic.Pointer[error]
}

// NewFailing returns a publisher failing with err until Recover is called.
// next may be nil, in which case successful publishes are dropped.
func NewFailing(next Publisher, err error) *Failing {
	f := &Failing{next: next}
	f.Fail(err)
	return f
}

func (f *Failing) Fail(err error) {
	if err == nil {
		f.err.Store(nil)
		return
	}
	f.err.Store(&err)
}

func (f *Failing) Recover() { f.err.Store(nil) }

func (f *Failing) Publish(ctx context.Context, did id.DID, doc models.Document) error {
	if err := f.err.Load(); err != nil {
		return *err
	}
	if f.next == nil {
		return ctx.Err()
	}
	return f.next.Publish(ctx, did, doc)
}
