package audit

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Sink appends sealed records to a tenant chain.
type Sink interface {
	Append(ctx context.Context, r *Record) error
	Chain(ctx context.Context, tenantID string, since time.Time) ([]*Record, error)
}

// ──────────────────────────────────────────────────────────────────────────────
// Postgres
// ──────────────────────────────────────────────────────────────────────────────

// Schema creates the invocation_records table.
const Schema = `
CREATE TABLE IF NOT EXISTS invocation_records (
	id              TEXT PRIMARY KEY,
	tenant_id       TEXT NOT NULL,
	adapter         TEXT NOT NULL,
	params_digest   TEXT NOT NULL,
	outcome         TEXT NOT NULL,
	error_kind      TEXT NOT NULL DEFAULT '',
	messages_digest TEXT NOT NULL,
	message_count   INTEGER NOT NULL,
	duration_ms     BIGINT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	seq             BIGSERIAL,
	hash            TEXT NOT NULL,
	prev_hash       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS invocation_records_tenant_seq ON invocation_records (tenant_id, seq);
`

// Store persists records in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a store backed by pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate creates the table if needed.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("audit.Migrate: %w", err)
	}
	return nil
}

// Append seals r against the tenant's latest hash and inserts it. A
// per-tenant advisory lock serialises appends so concurrent writers cannot
// fork the chain.
func (s *Store) Append(ctx context.Context, r *Record) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("audit.Append begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", tenantLockID(r.TenantID)); err != nil {
		return fmt.Errorf("audit.Append advisory lock: %w", err)
	}

	var prev string
	err = tx.QueryRow(ctx, `
		SELECT hash FROM invocation_records
		WHERE tenant_id = $1
		ORDER BY seq DESC LIMIT 1`, r.TenantID).Scan(&prev)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("audit.Append last hash: %w", err)
	}
	if err := r.Seal(prev); err != nil {
		return fmt.Errorf("audit.Append seal: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO invocation_records (
			id, tenant_id, adapter, params_digest, outcome, error_kind,
			messages_digest, message_count, duration_ms, created_at, hash, prev_hash
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		r.ID, r.TenantID, r.Adapter, r.ParamsDigest, r.Outcome, r.ErrorKind,
		r.MessagesDigest, r.MessageCount, r.DurationMS, r.CreatedAt, r.Hash, r.PrevHash,
	)
	if err != nil {
		return fmt.Errorf("audit.Append insert: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("audit.Append commit: %w", err)
	}
	return nil
}

// Chain returns a tenant's records in append order.
func (s *Store) Chain(ctx context.Context, tenantID string, since time.Time) ([]*Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, adapter, params_digest, outcome, error_kind,
		       messages_digest, message_count, duration_ms, created_at, hash, prev_hash
		FROM invocation_records
		WHERE tenant_id = $1 AND created_at >= $2
		ORDER BY seq ASC`, tenantID, since)
	if err != nil {
		return nil, fmt.Errorf("audit.Chain: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.TenantID, &r.Adapter, &r.ParamsDigest, &r.Outcome, &r.ErrorKind,
			&r.MessagesDigest, &r.MessageCount, &r.DurationMS, &r.CreatedAt, &r.Hash, &r.PrevHash); err != nil {
			return nil, fmt.Errorf("audit.Chain scan: %w", err)
		}
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit.Chain iteration: %w", err)
	}
	return out, nil
}

// Tenants lists every tenant with at least one record.
func (s *Store) Tenants(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT tenant_id FROM invocation_records ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("audit.Tenants: %w", err)
	}
	tenants, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("audit.Tenants scan: %w", err)
	}
	return tenants, nil
}

// tenantLockID produces a deterministic advisory-lock ID from a tenant string.
func tenantLockID(tenantID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(tenantID))
	return int64(binary.BigEndian.Uint64(h.Sum(nil)))
}

// ──────────────────────────────────────────────────────────────────────────────
// In-memory
// ──────────────────────────────────────────────────────────────────────────────

// Memory is a process-local Sink for the CLI and tests.
type Memory struct {
	mu     sync.Mutex
	chains map[string][]*Record
}

// NewMemory creates an empty in-memory sink.
func NewMemory() *Memory {
	return &Memory{chains: make(map[string][]*Record)}
}

func (m *Memory) Append(_ context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	chain := m.chains[r.TenantID]
	prev := ""
	if n := len(chain); n > 0 {
		prev = chain[n-1].Hash
	}
	if err := r.Seal(prev); err != nil {
		return err
	}
	stored := *r
	m.chains[r.TenantID] = append(chain, &stored)
	return nil
}

func (m *Memory) Chain(_ context.Context, tenantID string, since time.Time) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Record
	for _, r := range m.chains[tenantID] {
		if !r.CreatedAt.Before(since) {
			c := *r
			out = append(out, &c)
		}
	}
	return slices.Clip(out), nil
}

func (m *Memory) Tenants(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Sorted(maps.Keys(m.chains)), nil
}
