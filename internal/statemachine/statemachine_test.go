package statemachine

import (
	"testing"

	"github.com/cardano-escrow/orchestrator/internal/store"
)

func TestIsLegalOnChainTransition(t *testing.T) {
	cases := []struct {
		prev, next store.OnChainState
		want       bool
	}{
		{store.OnChainStateNone, store.OnChainStateFundsLocked, true},
		{store.OnChainStateFundsLocked, store.OnChainStateResultSubmitted, true},
		{store.OnChainStateFundsLocked, store.OnChainStateDisputedWithdrawn, false},
		{store.OnChainStateResultSubmitted, store.OnChainStateWithdrawn, true},
		{store.OnChainStateRefundRequested, store.OnChainStateFundsLocked, true},
		{store.OnChainStateDisputed, store.OnChainStateDisputedWithdrawn, true},
		{store.OnChainStateWithdrawn, store.OnChainStateFundsLocked, false},
		{store.OnChainStateNone, store.OnChainStateResultSubmitted, false},
	}
	for _, c := range cases {
		if got := IsLegalOnChainTransition(c.prev, c.next); got != c.want {
			t.Errorf("IsLegalOnChainTransition(%s, %s) = %v, want %v", c.prev, c.next, got, c.want)
		}
	}
}

func TestIsTerminalOnChainState(t *testing.T) {
	terminal := []store.OnChainState{
		store.OnChainStateWithdrawn,
		store.OnChainStateRefundWithdrawn,
		store.OnChainStateDisputedWithdrawn,
		store.OnChainStateFundsOrDatumInvalid,
	}
	for _, s := range terminal {
		if !IsTerminalOnChainState(s) {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	nonTerminal := []store.OnChainState{
		store.OnChainStateNone,
		store.OnChainStateFundsLocked,
		store.OnChainStateResultSubmitted,
		store.OnChainStateRefundRequested,
		store.OnChainStateDisputed,
	}
	for _, s := range nonTerminal {
		if IsTerminalOnChainState(s) {
			t.Errorf("expected %s to not be terminal", s)
		}
	}
}

func TestRegistrationDeletable(t *testing.T) {
	if !RegistrationDeletable(store.RegistrationFailed) {
		t.Error("RegistrationFailed should be deletable")
	}
	if !RegistrationDeletable(store.DeregistrationConfirmed) {
		t.Error("DeregistrationConfirmed should be deletable")
	}
	if RegistrationDeletable(store.RegistrationConfirmed) {
		t.Error("RegistrationConfirmed should not be deletable")
	}
}

func TestIsLegalRegistrationTransition(t *testing.T) {
	if !IsLegalRegistrationTransition(store.RegistrationRequested, store.RegistrationConfirmed) {
		t.Error("expected RegistrationRequested -> RegistrationConfirmed to be legal")
	}
	if IsLegalRegistrationTransition(store.RegistrationConfirmed, store.RegistrationRequested) {
		t.Error("expected RegistrationConfirmed -> RegistrationRequested to be illegal")
	}
}
