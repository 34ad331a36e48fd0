package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// ComputeHash returns the hex SHA-256 of the event's JSON encoding with the
// hash field cleared. PrevHash is part of the digest, which links the chain.
func ComputeHash(e *Event) (string, error) {
	c := *e
	c.Hash = ""
	b, err := json.Marshal(&c)
	if err != nil {
		return "", fmt.Errorf("encoding event for hash: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// seal links e to prev and fills in its hash. Callers hold whatever lock
// serializes appends.
func seal(e *Event, prev string) error {
	e.PrevHash = prev
	h, err := ComputeHash(e)
	if err != nil {
		return err
	}
	e.Hash = h
	return nil
}

// ChainReport is the outcome of a full chain verification.
type ChainReport struct {
	Verified    int        `json:"verified"`
	Valid       bool       `json:"valid"`
	BrokenAt    *uuid.UUID `json:"brokenAt,omitempty"`
	BrokenIndex int        `json:"brokenIndex,omitempty"`
	Reason      string     `json:"reason,omitempty"`
}

// VerifyChain walks every event in append order and checks each link and
// digest. A broken chain yields a report with Valid=false and an error
// wrapping ErrChainBroken.
func VerifyChain(ctx context.Context, repo Repository) (*ChainReport, error) {
	report := &ChainReport{Valid: true}
	prev := ""
	err := repo.Walk(ctx, func(e *Event) error {
		if e.PrevHash != prev {
			return report.broken(e, "previous hash mismatch")
		}
		h, err := ComputeHash(e)
		if err != nil {
			return err
		}
		if h != e.Hash {
			return report.broken(e, "content hash mismatch")
		}
		prev = e.Hash
		report.Verified++
		return nil
	})
	if err != nil {
		return report, err
	}
	return report, nil
}

func (r *ChainReport) broken(e *Event, reason string) error {
	id := e.AuditID
	r.Valid = false
	r.BrokenAt = &id
	r.BrokenIndex = r.Verified
	r.Reason = reason
	return fmt.Errorf("event %s: %s: %w", id, reason, ErrChainBroken)
}
