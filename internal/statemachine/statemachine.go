// Package statemachine holds the legal-transition tables shared without
// modification by the Orchestrator, Reconciler, and Dispatcher so none of
// them can silently diverge on what counts as a legal move. It is pure
// domain logic -- no I/O, no dependency -- the same way pkg/database's
// BatchStatus constants are consumed by every caller without a wrapping
// service.
package statemachine

import "github.com/cardano-escrow/orchestrator/internal/store"

// onChainTransitions enumerates every legal (previous -> next) OnChainState
// move. store.OnChainStateNone models the "null" case.
var onChainTransitions = map[store.OnChainState]map[store.OnChainState]bool{
	store.OnChainStateNone: {
		store.OnChainStateFundsLocked: true,
	},
	store.OnChainStateFundsLocked: {
		store.OnChainStateResultSubmitted:     true,
		store.OnChainStateRefundRequested:     true,
		store.OnChainStateDisputed:            true,
		store.OnChainStateWithdrawn:           true,
		store.OnChainStateRefundWithdrawn:     true,
		store.OnChainStateFundsOrDatumInvalid: true,
	},
	store.OnChainStateResultSubmitted: {
		store.OnChainStateRefundRequested: true,
		store.OnChainStateDisputed:        true,
		store.OnChainStateWithdrawn:       true,
	},
	store.OnChainStateRefundRequested: {
		store.OnChainStateFundsLocked:     true, // cancel
		store.OnChainStateDisputed:        true,
		store.OnChainStateRefundWithdrawn: true,
	},
	store.OnChainStateDisputed: {
		store.OnChainStateDisputedWithdrawn: true,
	},
}

// IsLegalOnChainTransition reports whether prev -> next is one of the
// transitions the Reconciler is allowed to accept. Any other observed
// transition must be recorded but flagged UnexpectedTransition, never
// silently applied.
func IsLegalOnChainTransition(prev, next store.OnChainState) bool {
	allowed, ok := onChainTransitions[prev]
	if !ok {
		return false
	}
	return allowed[next]
}

// IsTerminalOnChainState reports whether state is one of the four terminal
// states a Payment/Purchase can reach.
func IsTerminalOnChainState(s store.OnChainState) bool {
	return s.IsTerminal()
}

// ---------------------------------------------------------------------
// Payment NextAction mini state machine
// ---------------------------------------------------------------------

var paymentRequestedActions = map[store.PaymentNextAction]bool{
	store.PaymentActionAuthorizeRefundReq: true,
	store.PaymentActionSubmitResultReq:    true,
}

// PaymentRequestedActions lists every "*Requested" NextAction value, the
// set the Dispatcher's claim query filters on.
func PaymentRequestedActions() []store.PaymentNextAction {
	out := make([]store.PaymentNextAction, 0, len(paymentRequestedActions))
	for a := range paymentRequestedActions {
		out = append(out, a)
	}
	return out
}

// PaymentActionOnDispatchSuccess returns the NextAction the Dispatcher
// writes after a successful submit.
func PaymentActionOnDispatchSuccess(store.PaymentNextAction) store.PaymentNextAction {
	return store.PaymentActionWaitingForExternal
}

// ---------------------------------------------------------------------
// Purchase NextAction mini state machine
// ---------------------------------------------------------------------

var purchaseRequestedActions = map[store.PurchaseNextAction]bool{
	store.PurchaseActionSetRefundRequestedReq:   true,
	store.PurchaseActionUnsetRefundRequestedReq: true,
}

// PurchaseRequestedActions lists every "*Requested" NextAction value, the
// set the Dispatcher's claim query filters on.
func PurchaseRequestedActions() []store.PurchaseNextAction {
	out := make([]store.PurchaseNextAction, 0, len(purchaseRequestedActions))
	for a := range purchaseRequestedActions {
		out = append(out, a)
	}
	return out
}

func PurchaseActionOnDispatchSuccess(store.PurchaseNextAction) store.PurchaseNextAction {
	return store.PurchaseActionWaitingForExternal
}

// ---------------------------------------------------------------------
// Registration state machine
// ---------------------------------------------------------------------

var registrationTransitions = map[store.RegistrationState]map[store.RegistrationState]bool{
	store.RegistrationRequested: {
		store.RegistrationConfirmed: true,
		store.RegistrationFailed:    true,
	},
	store.RegistrationConfirmed: {
		store.DeregistrationRequested: true,
	},
	store.DeregistrationRequested: {
		store.DeregistrationConfirmed: true,
	},
}

// IsLegalRegistrationTransition validates moves through the five states of
// the Registration Lifecycle.
func IsLegalRegistrationTransition(prev, next store.RegistrationState) bool {
	allowed, ok := registrationTransitions[prev]
	if !ok {
		return false
	}
	return allowed[next]
}

// RegistrationDeletable reports whether a RegistryRequest may be removed
// from the local store.
func RegistrationDeletable(s store.RegistrationState) bool {
	return s == store.RegistrationFailed || s == store.DeregistrationConfirmed
}
