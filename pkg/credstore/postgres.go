package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bturcanu/plugwire/pkg/types"
)

// Schema creates the provider_credentials table.
const Schema = `
CREATE TABLE IF NOT EXISTS provider_credentials (
	tenant_id  TEXT NOT NULL,
	provider   TEXT NOT NULL,
	fields     JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (tenant_id, provider)
);
`

// Postgres stores credential bags as JSONB rows keyed by (tenant, provider).
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a store backed by pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Migrate creates the table if needed.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("credstore.Migrate: %w", err)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, tenantID, provider string) (types.CredentialBag, error) {
	var raw []byte
	err := p.pool.QueryRow(ctx, `
		SELECT fields FROM provider_credentials
		WHERE tenant_id = $1 AND provider = $2`, tenantID, provider).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.CredentialBag{}, ErrNotFound
	}
	if err != nil {
		return types.CredentialBag{}, fmt.Errorf("credstore.Get: %w", err)
	}
	var fields map[string]string
	if err := json.Unmarshal(raw, &fields); err != nil {
		return types.CredentialBag{}, fmt.Errorf("credstore.Get decode: %w", err)
	}
	return types.NewCredentialBag(fields), nil
}

func (p *Postgres) Put(ctx context.Context, tenantID, provider string, bag types.CredentialBag) error {
	raw, err := json.Marshal(bag.Map())
	if err != nil {
		return fmt.Errorf("credstore.Put encode: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO provider_credentials (tenant_id, provider, fields, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (tenant_id, provider)
		DO UPDATE SET fields = EXCLUDED.fields, updated_at = now()`,
		tenantID, provider, raw)
	if err != nil {
		return fmt.Errorf("credstore.Put: %w", err)
	}
	return nil
}
