// Archiver uploads verified segments of every tenant's audit chain to
// S3-compatible storage, once or on an interval.
package main

import (
	"context"
	"log/slog"
	"net"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bturcanu/plugwire/pkg/adapters/s3"
	"github.com/bturcanu/plugwire/pkg/archiver"
	"github.com/bturcanu/plugwire/pkg/audit"
	"github.com/bturcanu/plugwire/pkg/config"
	"github.com/bturcanu/plugwire/pkg/types"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(log)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := pgxpool.New(ctx, databaseURL())
	if err != nil {
		log.Error("postgres connect failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	objects, err := s3.OpenMinio(types.NewCredentialBag(map[string]string{
		"endpoint":   config.EnvOr("ARCHIVE_S3_ENDPOINT", "localhost:9000"),
		"access_key": config.EnvOr("ARCHIVE_S3_ACCESS_KEY", "minioadmin"),
		"secret_key": config.EnvOr("ARCHIVE_S3_SECRET_KEY", "minioadmin"),
		"region":     os.Getenv("ARCHIVE_S3_REGION"),
		"secure":     config.EnvOr("ARCHIVE_S3_SECURE", "false"),
	}))
	if err != nil {
		log.Error("object store init failed", "error", err)
		os.Exit(1)
	}

	svc := archiver.New(audit.NewStore(pool), objects, config.EnvOr("ARCHIVE_S3_BUCKET", "plugwire-audit"))
	onceTenant := os.Getenv("ARCHIVER_TENANT_ID")
	runOnce := config.EnvOrBool("ARCHIVER_RUN_ONCE", true)
	interval := config.EnvOrDuration("ARCHIVER_INTERVAL", 5*time.Minute)

	run := func() {
		if onceTenant != "" {
			key, err := svc.ArchiveTenant(ctx, onceTenant)
			if err != nil {
				log.Error("archive tenant failed", "tenant_id", onceTenant, "error", err)
				return
			}
			if key != "" {
				log.Info("archived audit bundle", "tenant_id", onceTenant, "key", key)
			}
			return
		}
		keys, err := svc.ArchiveAll(ctx)
		for _, key := range keys {
			log.Info("archived audit bundle", "key", key)
		}
		if err != nil {
			log.Error("archive failed", "error", err)
		}
	}

	run()
	if runOnce {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}

func databaseURL() string {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}
	u := &url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(config.EnvOr("POSTGRES_USER", "plugwire"), config.EnvOr("POSTGRES_PASSWORD", "changeme")),
		Host:     net.JoinHostPort(config.EnvOr("POSTGRES_HOST", "localhost"), config.EnvOr("POSTGRES_PORT", "5432")),
		Path:     config.EnvOr("POSTGRES_DB", "plugwire"),
		RawQuery: "sslmode=" + url.QueryEscape(config.EnvOr("POSTGRES_SSLMODE", "disable")),
	}
	return u.String()
}
