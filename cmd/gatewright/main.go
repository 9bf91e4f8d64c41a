// Command gatewright runs the tool execution gate as an HTTP service.
//
// With DATABASE_URL set it persists audit events and idempotency records
// in PostgreSQL; otherwise it falls back to an embedded SQLite audit store
// and an in-memory idempotency store. REDIS_URL switches the idempotency
// store to Redis for multi-process deployments.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/gatewright/gatewright/pkg/audit"
	"github.com/gatewright/gatewright/pkg/config"
	"github.com/gatewright/gatewright/pkg/idempotency"
	"github.com/gatewright/gatewright/pkg/identity"
	"github.com/gatewright/gatewright/pkg/ingress"
	"github.com/gatewright/gatewright/pkg/observability"
	"github.com/gatewright/gatewright/pkg/pipeline"
	"github.com/gatewright/gatewright/pkg/policy"
	"github.com/gatewright/gatewright/pkg/registry"
)

func main() {
	cfg := config.Load()
	slog.SetLogLoggerLevel(logLevel(cfg.LogLevel))
	logger := slog.Default()
	ctx := context.Background()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "gatewright",
		ServiceVersion: "0.1.0",
		Environment:    envOr("ENVIRONMENT", "development"),
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.OTLPEndpoint != "",
		Insecure:       true,
	})
	if err != nil {
		logger.Error("observability init failed", "error", err)
		os.Exit(1)
	}
	defer func() { _ = obs.Shutdown(ctx) }()

	ttls := idempotency.TTLs{
		Completed:    cfg.CompletedTTL,
		Failed:       cfg.FailedTTL,
		PendingStale: cfg.PendingStaleTTL,
	}

	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err == nil {
			err = db.PingContext(ctx)
		}
		if err != nil {
			logger.Error("postgres connection failed", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		logger.Info("postgres connected")
	}

	auditStore, auditReader, err := buildAuditStore(ctx, cfg, db, logger)
	if err != nil {
		logger.Error("audit store init failed", "error", err)
		os.Exit(1)
	}

	idemStore, err := buildIdempotencyStore(ctx, cfg, db, ttls, logger)
	if err != nil {
		logger.Error("idempotency store init failed", "error", err)
		os.Exit(1)
	}

	engine, err := policy.NewEngine()
	if err != nil {
		logger.Error("policy engine init failed", "error", err)
		os.Exit(1)
	}
	installPolicies(engine, cfg.PolicyDir, logger)

	keySet, err := identity.NewInMemoryKeySet()
	if err != nil {
		logger.Error("key set init failed", "error", err)
		os.Exit(1)
	}

	reg := registry.New()
	if err := registerBuiltins(reg, engine); err != nil {
		logger.Error("builtin connector registration failed", "error", err)
		os.Exit(1)
	}

	pipe := pipeline.New(engine, auditStore,
		pipeline.WithLogger(logger),
		pipeline.WithMetrics(obs),
	)
	limiter := ingress.NewTenantRateLimiter(cfg.RateLimitPerTenant, cfg.RateLimitBurst)
	svc := ingress.New(
		identity.NewJWTVerifier(keySet),
		idemStore,
		pipe,
		reg,
		auditReader,
		limiter,
		ingress.WithMetrics(obs),
	)

	sweepCtx, stopSweeps := context.WithCancel(ctx)
	defer stopSweeps()
	go sweepLoop(sweepCtx, 10*time.Minute, func() {
		limiter.Sweep(time.Hour)
	})
	if ms, ok := idemStore.(*idempotency.MemoryStore); ok {
		go sweepLoop(sweepCtx, time.Minute, func() {
			if n := ms.Sweep(); n > 0 {
				logger.Debug("expired idempotency records swept", "dropped", n)
			}
		})
	}

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("gatewright listening", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	stopSweeps()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
	logger.Info("gatewright stopped")
}

// sweepLoop runs fn on a ticker until ctx is cancelled.
func sweepLoop(ctx context.Context, every time.Duration, fn func()) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fn()
		}
	}
}

// buildAuditStore prefers Postgres, falling back to embedded SQLite.
func buildAuditStore(ctx context.Context, cfg *config.Config, db *sql.DB, logger *slog.Logger) (audit.Sink, ingress.AuditReader, error) {
	if db != nil {
		s := audit.NewPostgresStore(db)
		if err := s.Migrate(ctx); err != nil {
			return nil, nil, err
		}
		logger.Info("audit store ready", "backend", "postgres")
		return s, s, nil
	}
	s, err := audit.OpenSQLiteStore(cfg.SQLitePath)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("audit store ready", "backend", "sqlite", "path", cfg.SQLitePath)
	return s, s, nil
}

// buildIdempotencyStore prefers Redis, then Postgres, then memory.
func buildIdempotencyStore(ctx context.Context, cfg *config.Config, db *sql.DB, ttls idempotency.TTLs, logger *slog.Logger) (idempotency.Store, error) {
	if cfg.RedisURL != "" {
		s, err := idempotency.NewRedisStore(cfg.RedisURL, ttls, nil)
		if err != nil {
			return nil, err
		}
		logger.Info("idempotency store ready", "backend", "redis")
		return s, nil
	}
	if db != nil {
		s := idempotency.NewPostgresStore(db, ttls, nil)
		if err := s.Migrate(ctx); err != nil {
			return nil, err
		}
		logger.Info("idempotency store ready", "backend", "postgres")
		return s, nil
	}
	logger.Info("idempotency store ready", "backend", "memory")
	return idempotency.NewMemoryStore(ttls, nil), nil
}

// installPolicies loads policy documents from the configured directory and
// installs them as one wholesale-replaced document. A missing directory
// leaves class defaults in effect.
func installPolicies(engine *policy.Engine, dir string, logger *slog.Logger) {
	docs, err := policy.LoadDir(dir, logger)
	if err != nil || len(docs) == 0 {
		logger.Warn("no policy documents loaded, class defaults apply", "dir", dir, "error", err)
		return
	}

	names := make([]string, 0, len(docs))
	for name := range docs {
		names = append(names, name)
	}
	sort.Strings(names)

	var doc *policy.Document
	if len(names) == 1 {
		doc = docs[names[0]]
	} else {
		// Multiple documents merge into one; rule ids are namespaced by
		// document so uniqueness survives the merge.
		doc = &policy.Document{Version: "1.0.0", Name: "combined"}
		for _, name := range names {
			for _, r := range docs[name].Rules {
				r.ID = name + "/" + r.ID
				doc.Rules = append(doc.Rules, r)
			}
		}
	}

	if err := engine.Install(doc); err != nil {
		logger.Error("policy document rejected, class defaults apply", "name", doc.Name, "error", err)
		return
	}
	logger.Info("policy document installed",
		"name", doc.Name, "version", doc.Version, "hash", engine.DocumentHash())
}

// registerBuiltins wires the gate's own introspection connector.
func registerBuiltins(reg *registry.Registry, engine *policy.Engine) error {
	status, err := registry.NewToolSpec("status", policy.ClassRead, "", "",
		func(context.Context, registry.ToolContext, map[string]any) (any, error) {
			return map[string]any{
				"status":      "ok",
				"policy_hash": engine.DocumentHash(),
			}, nil
		})
	if err != nil {
		return err
	}
	conn, err := registry.NewStaticConnector("gatewright", status)
	if err != nil {
		return err
	}
	return reg.Register(conn)
}

func logLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
