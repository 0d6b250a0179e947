// Gateway serves the adapter registry over HTTP for tenants authenticated by
// API key, with stored or OAuth-managed provider credentials and an audit
// chain of every invocation.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/bturcanu/plugwire/pkg/adapters/all"
	"github.com/bturcanu/plugwire/pkg/audit"
	"github.com/bturcanu/plugwire/pkg/auth"
	"github.com/bturcanu/plugwire/pkg/config"
	"github.com/bturcanu/plugwire/pkg/credstore"
	"github.com/bturcanu/plugwire/pkg/host"
	"github.com/bturcanu/plugwire/pkg/invoke"
	"github.com/bturcanu/plugwire/pkg/oauth"
	pwOtel "github.com/bturcanu/plugwire/pkg/otel"
	"github.com/bturcanu/plugwire/pkg/types"
)

const shutdownTimeout = 10 * time.Second

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, log); err != nil {
		log.Error("gateway failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, log *slog.Logger) error {
	// ── OpenTelemetry ────────────────────────────────────────────────────
	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	tel, err := pwOtel.Setup(ctx, pwOtel.Config{
		ServiceName:    config.EnvOr("OTEL_SERVICE_NAME", "plugwire-gateway"),
		ServiceVersion: config.EnvOr("SERVICE_VERSION", "dev"),
		OTLPEndpoint:   otelEndpoint,
		MetricsEnabled: true,
		TracingEnabled: otelEndpoint != "",
	})
	if err != nil {
		log.Error("otel setup failed", "error", err)
	}
	defer tel.Shutdown(context.Background()) //nolint:errcheck // best-effort shutdown

	// ── Storage ──────────────────────────────────────────────────────────
	d, err := openDeps(ctx, log)
	if err != nil {
		return err
	}
	defer d.Close()

	// ── Credentials file ─────────────────────────────────────────────────
	var file *config.Credentials
	if path := os.Getenv("CREDENTIALS_FILE"); path != "" {
		if file, err = config.LoadCredentials(path); err != nil {
			return err
		}
		log.Info("credentials file loaded", "path", path, "tenants", len(file.TenantNames()))
	}

	h := newHost(d, file, log)

	// ── Metrics (internal) ───────────────────────────────────────────────
	metricsAddr := config.EnvOr("METRICS_ADDR", "127.0.0.1:9090")
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", tel.MetricsHandler())
	metricsSrv := &http.Server{
		Addr:              metricsAddr,
		Handler:           metricsMux,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	// ── Server ───────────────────────────────────────────────────────────
	addr := config.EnvOr("GATEWAY_ADDR", ":8080")
	srv := &http.Server{
		Addr:              addr,
		Handler:           h.Routes(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// Invocations stream for up to the longest adapter deadline.
		WriteTimeout: invoke.MaxTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("metrics server starting", "addr", metricsAddr)
		return serve(metricsSrv)
	})
	g.Go(func() error {
		log.Info("gateway starting", "addr", addr, "adapters", len(d.registry.List()))
		return serve(srv)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down gateway")
		shutCtx, shutCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutCancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			log.Error("server shutdown error", "error", err)
		}
		if err := metricsSrv.Shutdown(shutCtx); err != nil {
			log.Error("metrics server shutdown error", "error", err)
		}
		return nil
	})
	return g.Wait()
}

func serve(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve %s: %w", srv.Addr, err)
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Dependencies
// ──────────────────────────────────────────────────────────────────────────────

type deps struct {
	registry *invoke.Registry
	creds    credstore.Store
	audit    audit.Sink
	pool     *pgxpool.Pool
}

func (d *deps) Close() {
	if d.pool != nil {
		d.pool.Close()
	}
}

func (d *deps) ready(ctx context.Context) error {
	if d.pool == nil {
		return nil
	}
	return d.pool.Ping(ctx)
}

// openDeps connects to Postgres when one is configured and falls back to
// in-memory stores otherwise.
func openDeps(ctx context.Context, log *slog.Logger) (*deps, error) {
	d := &deps{registry: all.Registry()}
	cacheTTL := config.EnvOrDuration("CREDENTIAL_CACHE_TTL", 5*time.Minute)
	cacheSize := config.EnvOrInt("CREDENTIAL_CACHE_SIZE", 4096)

	dsn := postgresDSN()
	if dsn == "" {
		log.Warn("no database configured, using in-memory stores")
		d.creds = credstore.NewCached(credstore.NewMemory(), cacheSize, cacheTTL)
		d.audit = audit.NewMemory()
		return d, nil
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	d.pool = pool

	pg := credstore.NewPostgres(pool)
	store := audit.NewStore(pool)
	if config.EnvOrBool("AUTO_MIGRATE", true) {
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	d.creds = credstore.NewCached(pg, cacheSize, cacheTTL)
	d.audit = store
	return d, nil
}

func newHost(d *deps, file *config.Credentials, log *slog.Logger) *host.Host {
	redirect := config.EnvOr("OAUTH_REDIRECT_URL", config.EnvOr("PUBLIC_URL", "http://localhost:8080")+"/v1/oauth/{provider}/callback")
	manager := oauth.NewManager(d.creds, func(provider string) types.CredentialBag {
		return file.SystemBag(provider)
	}, redirect, log)
	all.RegisterOAuth(manager)

	return host.New(host.Config{
		Registry: d.registry,
		Invoker: invoke.New(
			invoke.WithLogger(log),
			invoke.WithRecorder(audit.NewLogger(d.audit, log)),
		),
		Credentials:   &host.Resolver{File: file, Store: d.creds, OAuth: manager},
		OAuth:         manager,
		Keys:          auth.NewKeyStore(os.Getenv("API_KEYS")),
		InternalToken: os.Getenv("INTERNAL_AUTH_TOKEN"),
		Ready:         d.ready,
		Logger:        log,
	})
}

// postgresDSN prefers DATABASE_URL, then POSTGRES_* variables when
// POSTGRES_HOST is set. Empty means no database.
func postgresDSN() string {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}
	if os.Getenv("POSTGRES_HOST") == "" {
		return ""
	}
	sslmode := config.EnvOr("POSTGRES_SSLMODE", "disable")
	u := &url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(config.EnvOr("POSTGRES_USER", "plugwire"), config.EnvOr("POSTGRES_PASSWORD", "changeme")),
		Host:     net.JoinHostPort(os.Getenv("POSTGRES_HOST"), config.EnvOr("POSTGRES_PORT", "5432")),
		Path:     config.EnvOr("POSTGRES_DB", "plugwire"),
		RawQuery: "sslmode=" + url.QueryEscape(sslmode),
	}
	return u.String()
}
