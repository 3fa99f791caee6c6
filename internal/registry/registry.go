// Package registry selects component implementations by name at startup.
//
// Each extension point (DID publisher, DID resolver, status list, audit
// backend, persistence, vault) has a Registry of named factories.
// cmd/server looks the configured names up once; nothing is discovered at
// runtime.
package registry

import (
	"database/sql"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"github.com/redis/go-redis/v9"

	"idhub/internal/did/publisher"
	"idhub/internal/platform/config"
	dErrors "idhub/pkg/domain-errors"
)

// Deps carries the shared infrastructure factories may draw on. DB and
// Redis are nil when not configured.
type Deps struct {
	Config  config.Config
	Logger  *slog.Logger
	DB      *sql.DB
	Redis   *redis.Client
	WebHost *publisher.WebHost
}

type Factory[T any] func(d Deps) (T, error)

// Registry maps names to factories for one component kind.
type Registry[T any] struct {
	kind      string
	factories map[string]Factory[T]
}

func New[T any](kind string) *Registry[T] {
	return &Registry[T]{kind: kind, factories: make(map[string]Factory[T])}
}

// Register adds or replaces the factory for name. Names are case-insensitive.
func (r *Registry[T]) Register(name string, f Factory[T]) {
	r.factories[strings.ToLower(name)] = f
}

// Build runs the factory registered under name.
func (r *Registry[T]) Build(name string, d Deps) (T, error) {
	var zero T
	f, ok := r.factories[strings.ToLower(name)]
	if !ok {
		return zero, dErrors.Newf(dErrors.CodeValidation, "unknown %s %q (available: %s)",
			r.kind, name, strings.Join(r.Names(), ", "))
	}
	v, err := f(d)
	if err != nil {
		return zero, fmt.Errorf("build %s %q: %w", r.kind, name, err)
	}
	return v, nil
}

func (r *Registry[T]) Names() []string {
	return slices.Sorted(maps.Keys(r.factories))
}

func (r *Registry[T]) Kind() string { return r.kind }

func requireDB(d Deps) error {
	if d.DB == nil {
		return dErrors.New(dErrors.CodeValidation, "IDHUB_DATABASE_URL is not configured")
	}
	return nil
}

func requireRedis(d Deps) error {
	if d.Redis == nil {
		return dErrors.New(dErrors.CodeValidation, "IDHUB_REDIS_URL is not configured")
	}
	return nil
}
