package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/bturcanu/plugwire/pkg/invoke"
	"github.com/bturcanu/plugwire/pkg/types"
)

// Record is one audited invocation.
type Record struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenant_id"`
	Adapter        string    `json:"adapter"`
	ParamsDigest   string    `json:"params_digest"`
	Outcome        string    `json:"outcome"`
	ErrorKind      string    `json:"error_kind,omitempty"`
	MessagesDigest string    `json:"messages_digest"`
	MessageCount   int       `json:"message_count"`
	DurationMS     int64     `json:"duration_ms"`
	CreatedAt      time.Time `json:"created_at"`
	Hash           string    `json:"hash"`
	PrevHash       string    `json:"prev_hash"`
}

// FromOutcome builds an unchained record. Identical parameters and messages
// always give identical digests.
func FromOutcome(o invoke.Outcome) (*Record, error) {
	pd, err := Digest(o.Params)
	if err != nil {
		return nil, fmt.Errorf("audit params digest: %w", err)
	}
	md, err := Digest(o.Messages)
	if err != nil {
		return nil, fmt.Errorf("audit messages digest: %w", err)
	}
	r := &Record{
		ID:             o.InvocationID,
		TenantID:       o.TenantID,
		Adapter:        o.Adapter,
		ParamsDigest:   pd,
		Outcome:        "success",
		MessagesDigest: md,
		MessageCount:   len(o.Messages),
		DurationMS:     o.Duration.Milliseconds(),
		CreatedAt:      o.StartedAt.UTC().Truncate(time.Microsecond),
	}
	if o.Err != nil {
		r.Outcome = "error"
		r.ErrorKind = string(types.Classify(o.Err))
	}
	return r, nil
}

// chainPayload is the canonical content covered by the chain hash.
func (r *Record) chainPayload() ([]byte, error) {
	return Canonical(map[string]any{
		"id":              r.ID,
		"tenant_id":       r.TenantID,
		"adapter":         r.Adapter,
		"params_digest":   r.ParamsDigest,
		"outcome":         r.Outcome,
		"error_kind":      r.ErrorKind,
		"messages_digest": r.MessagesDigest,
		"message_count":   r.MessageCount,
		"duration_ms":     r.DurationMS,
		"created_at":      r.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
}

// ChainHash computes the next link of a tenant chain.
//
//	hash = SHA-256( prevHash || canonicalPayload )
func ChainHash(prevHash string, canonPayload []byte) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(canonPayload)
	return hex.EncodeToString(h.Sum(nil))
}

// Seal links r after prevHash.
func (r *Record) Seal(prevHash string) error {
	canon, err := r.chainPayload()
	if err != nil {
		return err
	}
	r.PrevHash = prevHash
	r.Hash = ChainHash(prevHash, canon)
	return nil
}

// VerifyChain checks every link of one tenant's records in append order.
func VerifyChain(records []*Record) error {
	return VerifyChainFrom("", records)
}

// VerifyChainFrom checks a chain segment whose first record follows
// prevHash.
func VerifyChainFrom(prevHash string, records []*Record) error {
	prev := prevHash
	for i, r := range records {
		canon, err := r.chainPayload()
		if err != nil {
			return err
		}
		if r.PrevHash != prev {
			return fmt.Errorf("chain broken at index %d (record %s): prev_hash %s, want %s", i, r.ID, r.PrevHash, prev)
		}
		if want := ChainHash(prev, canon); r.Hash != want {
			return fmt.Errorf("chain broken at index %d (record %s): expected %s, got %s", i, r.ID, want, r.Hash)
		}
		prev = r.Hash
	}
	return nil
}
