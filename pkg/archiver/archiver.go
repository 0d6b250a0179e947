// Package archiver exports verified audit chain segments to object storage.
package archiver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"

	"github.com/bturcanu/plugwire/pkg/adapters/s3"
	"github.com/bturcanu/plugwire/pkg/audit"
)

// ChainSource is the read side of an audit sink.
type ChainSource interface {
	Chain(ctx context.Context, tenantID string, since time.Time) ([]*audit.Record, error)
	Tenants(ctx context.Context) ([]string, error)
}

// Checkpoint is the last archived link of a tenant chain. It is stored next
// to the bundles.
type Checkpoint struct {
	Hash  string    `json:"hash"`
	Until time.Time `json:"until"`
	Key   string    `json:"key"`
}

type Service struct {
	source  ChainSource
	objects s3.ObjectStore
	bucket  string
	now     func() time.Time
}

func New(source ChainSource, objects s3.ObjectStore, bucket string) *Service {
	return &Service{source: source, objects: objects, bucket: bucket, now: time.Now}
}

type Bundle struct {
	TenantID   string          `json:"tenant_id"`
	CreatedAt  time.Time       `json:"created_at"`
	Count      int             `json:"record_count"`
	PrevHash   string          `json:"prev_hash"`
	Checkpoint string          `json:"checkpoint_hash"`
	Since      time.Time       `json:"since"`
	Until      time.Time       `json:"until"`
	Records    []*audit.Record `json:"records"`
}

func checkpointKey(tenantID string) string {
	return fmt.Sprintf("audit/%s/checkpoint.json", tenantID)
}

// ArchiveAll archives every tenant and returns the uploaded keys. One
// tenant's failure does not stop the others.
func (s *Service) ArchiveAll(ctx context.Context) ([]string, error) {
	tenants, err := s.source.Tenants(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	var (
		keys []string
		errs []error
	)
	for _, tenantID := range tenants {
		key, err := s.ArchiveTenant(ctx, tenantID)
		if err != nil {
			errs = append(errs, fmt.Errorf("tenant %s: %w", tenantID, err))
			continue
		}
		if key != "" {
			keys = append(keys, key)
		}
	}
	return keys, errors.Join(errs...)
}

// ArchiveTenant uploads the records appended since the tenant's checkpoint
// and advances it. It returns "" when there is nothing new.
func (s *Service) ArchiveTenant(ctx context.Context, tenantID string) (string, error) {
	cp, err := s.checkpoint(ctx, tenantID)
	if err != nil {
		return "", err
	}
	// Records are chained in append order, which need not match created_at,
	// so the segment is located by hash over the whole chain.
	chain, err := s.source.Chain(ctx, tenantID, time.Time{})
	if err != nil {
		return "", err
	}
	start := 0
	if cp.Hash != "" {
		start = -1
		for i, r := range chain {
			if r.Hash == cp.Hash {
				start = i + 1
				break
			}
		}
		if start < 0 {
			return "", fmt.Errorf("checkpoint %s not found in chain", cp.Hash)
		}
	}
	records := chain[start:]
	if len(records) == 0 {
		return "", nil
	}
	if err := audit.VerifyChainFrom(cp.Hash, records); err != nil {
		return "", fmt.Errorf("verify chain: %w", err)
	}

	last := records[len(records)-1]
	now := s.now().UTC()
	bundle := Bundle{
		TenantID:   tenantID,
		CreatedAt:  now,
		Count:      len(records),
		PrevHash:   cp.Hash,
		Checkpoint: last.Hash,
		Since:      cp.Until,
		Until:      last.CreatedAt,
		Records:    records,
	}
	body, err := json.Marshal(bundle)
	if err != nil {
		return "", fmt.Errorf("marshal bundle: %w", err)
	}

	key := fmt.Sprintf("audit/%s/%04d/%02d/%02d/%s.json", tenantID, now.Year(), now.Month(), now.Day(), last.Hash)
	if _, err := s.objects.Put(ctx, s.bucket, key, body, "application/json"); err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	next, err := json.Marshal(Checkpoint{Hash: last.Hash, Until: last.CreatedAt, Key: key})
	if err != nil {
		return "", fmt.Errorf("marshal checkpoint: %w", err)
	}
	if _, err := s.objects.Put(ctx, s.bucket, checkpointKey(tenantID), next, "application/json"); err != nil {
		return "", fmt.Errorf("upload checkpoint: %w", err)
	}
	return key, nil
}

// checkpoint reads the tenant's checkpoint. A missing object is the start of
// the chain.
func (s *Service) checkpoint(ctx context.Context, tenantID string) (Checkpoint, error) {
	data, _, err := s.objects.Get(ctx, s.bucket, checkpointKey(tenantID))
	var er minio.ErrorResponse
	switch {
	case errors.As(err, &er) && er.StatusCode == http.StatusNotFound:
		return Checkpoint{}, nil
	case err != nil:
		return Checkpoint{}, fmt.Errorf("read checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("decode checkpoint: %w", err)
	}
	return cp, nil
}
