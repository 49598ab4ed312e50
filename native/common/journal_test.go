package common

import (
	"errors"
	"testing"
)

func TestJournalRevertRestoresInReverseOrder(t *testing.T) {
	var j Journal
	value := 1
	j.Record(func() { value = 1 })
	value = 2
	j.Record(func() { value = 2 })
	value = 3
	if j.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", j.Len())
	}
	j.Revert()
	if value != 1 {
		t.Fatalf("expected value restored to 1, got %d", value)
	}
	if j.Len() != 0 {
		t.Fatalf("journal not cleared")
	}
}

func TestJournalCommitDropsUndo(t *testing.T) {
	var j Journal
	value := 5
	j.Record(func() { value = 0 })
	j.Commit()
	j.Revert()
	if value != 5 {
		t.Fatalf("committed mutation reverted")
	}
}

type gates struct{ paused, frozen bool }

func (g gates) Paused() bool        { return g.paused }
func (g gates) MintingFrozen() bool { return g.frozen }

func TestGuards(t *testing.T) {
	if err := Guard(nil); err != nil {
		t.Fatalf("nil view should pass: %v", err)
	}
	if err := Guard(gates{paused: true}); !errors.Is(err, ErrSystemPaused) {
		t.Fatalf("expected paused, got %v", err)
	}
	if err := Guard(gates{frozen: true}); err != nil {
		t.Fatalf("freeze must not block transfers: %v", err)
	}
	if err := MintGuard(gates{frozen: true}); !errors.Is(err, ErrMintingFrozen) {
		t.Fatalf("expected frozen, got %v", err)
	}
	if err := MintGuard(gates{paused: true, frozen: true}); !errors.Is(err, ErrSystemPaused) {
		t.Fatalf("pause takes precedence, got %v", err)
	}
	if IsRecoverable(ErrInvariantViolation) || !IsRecoverable(ErrSystemPaused) {
		t.Fatalf("unexpected recoverability classification")
	}
}
