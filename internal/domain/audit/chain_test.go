package audit

import (
	"context"
	"errors"
	"testing"
)

func seedChain(t *testing.T, n int) (*MemoryRepository, []*Event) {
	t.Helper()
	repo := NewMemoryRepository()
	svc := newTestService(repo, newTestClock(baseTime))
	events := make([]*Event, n)
	for i := range events {
		events[i] = mustRecord(t, svc, validInput())
	}
	return repo, events
}

func TestVerifyChain_Empty(t *testing.T) {
	report, err := VerifyChain(context.Background(), NewMemoryRepository())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !report.Valid || report.Verified != 0 {
		t.Errorf("expected valid empty chain, got %+v", report)
	}
}

func TestVerifyChain_Intact(t *testing.T) {
	repo, events := seedChain(t, 5)
	for i := 1; i < len(events); i++ {
		if events[i].PrevHash != events[i-1].Hash {
			t.Fatalf("event %d not linked to its predecessor", i)
		}
	}

	report, err := VerifyChain(context.Background(), repo)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !report.Valid || report.Verified != 5 {
		t.Errorf("expected 5 verified, got %+v", report)
	}
}

func TestVerifyChain_DetectsContentTamper(t *testing.T) {
	repo, events := seedChain(t, 4)
	repo.tamper(2, func(e *Event) { e.UserID = "intruder" })

	report, err := VerifyChain(context.Background(), repo)
	if !errors.Is(err, ErrChainBroken) {
		t.Fatalf("expected ErrChainBroken, got %v", err)
	}
	if report.Valid {
		t.Error("expected invalid report")
	}
	if report.BrokenIndex != 2 || report.Verified != 2 {
		t.Errorf("expected break at index 2, got %+v", report)
	}
	if report.BrokenAt == nil || *report.BrokenAt != events[2].AuditID {
		t.Errorf("expected brokenAt %s, got %v", events[2].AuditID, report.BrokenAt)
	}
	if report.Reason != "content hash mismatch" {
		t.Errorf("unexpected reason %q", report.Reason)
	}
}

func TestVerifyChain_DetectsRehashedTamper(t *testing.T) {
	repo, _ := seedChain(t, 3)
	// An attacker who recomputes the tampered event's own hash still breaks
	// the link from the next event.
	repo.tamper(1, func(e *Event) {
		e.Severity = SeverityLow
		e.Details.Reason = "edited"
		h, _ := ComputeHash(e)
		e.Hash = h
	})

	report, err := VerifyChain(context.Background(), repo)
	if !errors.Is(err, ErrChainBroken) {
		t.Fatalf("expected ErrChainBroken, got %v", err)
	}
	if report.BrokenIndex != 2 || report.Reason != "previous hash mismatch" {
		t.Errorf("expected link break at index 2, got %+v", report)
	}
}

func TestComputeHash_IgnoresHashField(t *testing.T) {
	_, events := seedChain(t, 1)
	e := events[0]
	h1, err := ComputeHash(e)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	e.Hash = "something else"
	h2, _ := ComputeHash(e)
	if h1 != h2 {
		t.Error("expected hash to exclude the hash field")
	}
	e.PrevHash = "other"
	h3, _ := ComputeHash(e)
	if h3 == h1 {
		t.Error("expected prev hash to be part of the digest")
	}
}
