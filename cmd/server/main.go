package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	cmetrics "idhub/internal/credential/metrics"
	credservice "idhub/internal/credential/service"
	"idhub/internal/credential/statuslist"
	"idhub/internal/credential/validation"
	didmetrics "idhub/internal/did/metrics"
	"idhub/internal/did/publisher"
	"idhub/internal/did/resolver"
	didservice "idhub/internal/did/service"
	keymetrics "idhub/internal/keypair/metrics"
	keyservice "idhub/internal/keypair/service"
	"idhub/internal/keypair/vault"
	pmetrics "idhub/internal/participant/metrics"
	"idhub/internal/participant/seed"
	pservice "idhub/internal/participant/service"
	"idhub/internal/platform/config"
	"idhub/internal/platform/httpserver"
	"idhub/internal/platform/logger"
	"idhub/internal/platform/metrics"
	"idhub/internal/platform/middleware"
	"idhub/internal/platform/postgres"
	redisplatform "idhub/internal/platform/redis"
	"idhub/internal/registry"
	id "idhub/pkg/domain"
	auditpublisher "idhub/pkg/platform/audit/publisher"
	"idhub/pkg/platform/keylock"
)

const version = "dev"

// app holds the wired services. The credential service and validation
// engine are the in-process API for callers embedding the server.
type app struct {
	manager     *pservice.Service
	credentials *credservice.Service
	validator   *validation.Engine
	seeder      *seed.Seeder
	reconciler  *reconciler
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := postgres.Open(ctx, cfg.Postgres)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
		if err := postgres.Migrate(ctx, db); err != nil {
			return err
		}
	}
	rdb, err := redisplatform.New(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	deps := registry.Deps{Config: cfg, Logger: log, DB: db, WebHost: publisher.NewWebHost()}
	if rdb != nil {
		defer rdb.Close()
		deps.Redis = rdb.Raw()
	}

	procMetrics := metrics.New()
	procMetrics.SetBuildInfo(version)

	stores, err := registry.StoreBackends().Build(cfg.Components.Store, deps)
	if err != nil {
		return err
	}
	pub, err := registry.Publishers().Build(cfg.Components.Publisher, deps)
	if err != nil {
		return err
	}
	res, err := registry.Resolvers(stores.DIDs).Build(cfg.Components.Resolver, deps)
	if err != nil {
		return err
	}
	list, err := registry.StatusLists().Build(cfg.Components.StatusList, deps)
	if err != nil {
		return err
	}
	v, err := registry.Vaults().Build(cfg.Components.Vault, deps)
	if err != nil {
		return err
	}
	auditBackend, err := registry.AuditBackends().Build(cfg.Components.AuditSink, deps)
	if err != nil {
		return err
	}
	defer auditBackend.Close()
	for kind, name := range map[string]string{
		"store":       cfg.Components.Store,
		"vault":       cfg.Components.Vault,
		"publisher":   cfg.Components.Publisher,
		"resolver":    cfg.Components.Resolver,
		"status_list": cfg.Components.StatusList,
		"audit_sink":  cfg.Components.AuditSink,
	} {
		procMetrics.MarkComponent(kind, name)
	}

	auditor := auditpublisher.NewPublisher(auditBackend.Store,
		auditpublisher.WithAsyncBuffer(1024), auditpublisher.WithLogger(log))
	defer auditor.Close()

	a := wire(cfg, log, stores, v, pub, res, list, auditor)

	if cfg.Seed.Enabled {
		results, err := a.seeder.Run(ctx, cfg.Seed)
		if err != nil {
			return fmt.Errorf("seed participants: %w", err)
		}
		for _, r := range results {
			if r.Created && r.APIKey != "" && r.ParticipantID == id.ParticipantID(cfg.Seed.SuperUserID) {
				log.Warn("created super-user participant; store its API key now, it is not shown again",
					"participant_id", r.ParticipantID, "api_key", r.APIKey)
			}
		}
	}

	router := chi.NewRouter()
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.Recoverer)
	router.Use(middleware.RequestContext)
	router.Use(middleware.AccessLog(log))
	deps.WebHost.Register(router)
	router.Handle("/metrics", metrics.Handler())
	router.Get("/health", health(a, rdb))
	srv := httpserver.New(cfg.Server.Addr, router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting idhub", "addr", cfg.Server.Addr, "public_host", cfg.Server.PublicHost)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		a.reconciler.Run(gctx)
		return nil
	})
	if auditBackend.Relay != nil {
		g.Go(func() error {
			if err := auditBackend.Relay.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		return nil
	})

	err = g.Wait()
	log.Info("idhub stopped")
	return err
}

func wire(cfg config.Config, log *slog.Logger, stores registry.Stores, v vault.Vault, pub publisher.Publisher,
	res resolver.Resolver, list statuslist.List, auditor *auditpublisher.Publisher) *app {
	locker := keylock.New(keylock.WithWaitTimeout(cfg.Timeouts.Lock))

	keys := keyservice.New(stores.Keys, v,
		keyservice.WithLogger(log),
		keyservice.WithAuditPublisher(auditor),
		keyservice.WithMetrics(keymetrics.New()),
	)
	dids := didservice.New(stores.DIDs, keys, pub,
		didservice.WithLogger(log),
		didservice.WithAuditPublisher(auditor),
		didservice.WithMetrics(didmetrics.New()),
		didservice.WithPublishTimeout(cfg.Timeouts.Publish),
	)
	keys.OnRevoke(dids)

	credMetrics := cmetrics.New()
	var creds *credservice.Service
	manager := pservice.New(stores.Participants, keys, dids,
		pservice.LedgerFunc(func(ctx context.Context, participantID id.ParticipantID) (int, error) {
			return creds.CountLive(ctx, participantID)
		}),
		v,
		pservice.WithLogger(log),
		pservice.WithAuditPublisher(auditor),
		pservice.WithMetrics(pmetrics.New()),
		pservice.WithLocker(locker),
		pservice.WithDIDHost(cfg.Server.PublicHost),
		pservice.WithDefaultAlgorithm(cfg.Seed.Algorithm),
	)
	creds = credservice.New(stores.Credentials, manager, keys, list,
		credservice.WithLogger(log),
		credservice.WithAuditPublisher(auditor),
		credservice.WithMetrics(credMetrics),
		credservice.WithLocker(locker),
	)
	engine := validation.New(stores.Credentials, res, manager, list,
		validation.WithLogger(log),
		validation.WithAuditPublisher(auditor),
		validation.WithMetrics(credMetrics),
		validation.WithResolveTimeout(cfg.Timeouts.Resolve),
	)

	return &app{
		manager:     manager,
		credentials: creds,
		validator:   engine,
		seeder: seed.New(manager,
			seed.WithLogger(log),
			seed.WithRetries(cfg.Seed.Retries, cfg.Seed.RetryDelay)),
		reconciler: newReconciler(manager, cfg.Reconcile.Interval, log),
	}
}

func health(a *app, rdb *redisplatform.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		if rdb != nil {
			if err := rdb.Health(r.Context()); err != nil {
				status = http.StatusServiceUnavailable
			}
		}
		if a.reconciler.Failing() {
			status = http.StatusServiceUnavailable
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(http.StatusText(status)))
	}
}
