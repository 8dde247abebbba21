package creditmeter_test

import (
	"context"
	"testing"

	"github.com/cardano-escrow/orchestrator/internal/creditmeter"
)

func TestMemoryHoldAndRelease(t *testing.T) {
	m := creditmeter.NewMemory()

	holdID, err := m.Hold(context.Background(), "api-key-1", 5_000_000)
	if err != nil {
		t.Fatalf("Hold: %v", err)
	}
	if holdID == "" {
		t.Fatalf("Hold: expected non-empty hold ID")
	}

	if err := m.Release(context.Background(), holdID); err != nil {
		t.Fatalf("Release: %v", err)
	}

	// Releasing an unknown or already-released hold is a no-op, not an error.
	if err := m.Release(context.Background(), holdID); err != nil {
		t.Fatalf("Release (already released): %v", err)
	}
}

func TestMemoryHoldIDsAreUnique(t *testing.T) {
	m := creditmeter.NewMemory()
	seen := make(map[string]bool)
	for i := 0; i < 5; i++ {
		holdID, err := m.Hold(context.Background(), "api-key-1", 1_000_000)
		if err != nil {
			t.Fatalf("Hold: %v", err)
		}
		if seen[holdID] {
			t.Fatalf("Hold: duplicate hold ID %q", holdID)
		}
		seen[holdID] = true
	}
}
