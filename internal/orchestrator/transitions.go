package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/cardano-escrow/orchestrator/internal/ierr"
	"github.com/cardano-escrow/orchestrator/internal/store"
)

// paymentGuard is one refund/result operation's precondition and the
// NextAction it writes on success.
type paymentGuard struct {
	allowedStates []store.OnChainState
	nextAction    store.PaymentNextAction
}

var paymentGuards = map[string]paymentGuard{
	"AuthorizePaymentRefund": {
		allowedStates: []store.OnChainState{store.OnChainStateDisputed, store.OnChainStateRefundRequested},
		nextAction:    store.PaymentActionAuthorizeRefundReq,
	},
	"SubmitPaymentResult": {
		allowedStates: []store.OnChainState{store.OnChainStateFundsLocked},
		nextAction:    store.PaymentActionSubmitResultReq,
	},
}

type purchaseGuard struct {
	allowedStates []store.OnChainState
	nextAction    store.PurchaseNextAction
}

var purchaseGuards = map[string]purchaseGuard{
	"RequestPurchaseRefund": {
		allowedStates: []store.OnChainState{store.OnChainStateFundsLocked, store.OnChainStateResultSubmitted},
		nextAction:    store.PurchaseActionSetRefundRequestedReq,
	},
	"CancelPurchaseRefundRequest": {
		allowedStates: []store.OnChainState{store.OnChainStateRefundRequested},
		nextAction:    store.PurchaseActionUnsetRefundRequestedReq,
	},
}

func containsOnChainState(states []store.OnChainState, s store.OnChainState) bool {
	for _, st := range states {
		if st == s {
			return true
		}
	}
	return false
}

// transitionPayment is the shared guarded-transition body every Payment
// refund/result operation uses: precondition is
// NextAction==WaitingForExternalAction, onChainState in guard's allowed
// set, CurrentTransaction != nil; effect is a new NextAction row plus the
// bookkeeping timestamp bump.
func (o *Orchestrator) transitionPayment(ctx context.Context, opName string, id uuid.UUID) (*store.Payment, error) {
	guard := paymentGuards[opName]

	tx, err := o.client.BeginSerializable(ctx)
	if err != nil {
		return nil, ierr.Internalf("begin transaction: %v", err)
	}

	p, err := o.repos.Payments.GetForUpdate(ctx, tx, id)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	if p.NextAction != store.PaymentActionWaitingForExternal {
		tx.Rollback()
		return nil, ierr.PreconditionFailedf("%s: payment %s NextAction is %s, not WaitingForExternalAction", opName, id, p.NextAction)
	}
	if !containsOnChainState(guard.allowedStates, p.OnChainState) {
		tx.Rollback()
		return nil, ierr.PreconditionFailedf("%s: payment %s onChainState %s is not eligible", opName, id, p.OnChainState)
	}
	if p.CurrentTransactionID == nil {
		tx.Rollback()
		return nil, ierr.PreconditionFailedf("%s: payment %s has no CurrentTransaction", opName, id)
	}

	now := time.Now()
	if err := o.repos.Payments.UpdateNextAction(ctx, tx, id, guard.nextAction, nil, nil, now); err != nil {
		tx.Rollback()
		return nil, ierr.Internalf("update payment next action: %v", err)
	}
	if err := o.appendPaymentAction(ctx, tx, id, string(guard.nextAction)); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, ierr.Internalf("commit %s: %v", opName, err)
	}

	p.NextAction = guard.nextAction
	p.NextActionError = nil
	p.NextActionNote = nil
	p.NextActionLastChangedAt = now
	p.NextActionOrOnChainStateOrResultLastChanged = now
	return p, nil
}

// transitionPurchase is transitionPayment's buyer-side mirror.
func (o *Orchestrator) transitionPurchase(ctx context.Context, opName string, id uuid.UUID) (*store.Purchase, error) {
	guard := purchaseGuards[opName]

	tx, err := o.client.BeginSerializable(ctx)
	if err != nil {
		return nil, ierr.Internalf("begin transaction: %v", err)
	}

	p, err := o.repos.Purchases.GetForUpdate(ctx, tx, id)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	if p.NextAction != store.PurchaseActionWaitingForExternal {
		tx.Rollback()
		return nil, ierr.PreconditionFailedf("%s: purchase %s NextAction is %s, not WaitingForExternalAction", opName, id, p.NextAction)
	}
	if !containsOnChainState(guard.allowedStates, p.OnChainState) {
		tx.Rollback()
		return nil, ierr.PreconditionFailedf("%s: purchase %s onChainState %s is not eligible", opName, id, p.OnChainState)
	}
	if p.CurrentTransactionID == nil {
		tx.Rollback()
		return nil, ierr.PreconditionFailedf("%s: purchase %s has no CurrentTransaction", opName, id)
	}

	now := time.Now()
	if err := o.repos.Purchases.UpdateNextAction(ctx, tx, id, guard.nextAction, nil, nil, now); err != nil {
		tx.Rollback()
		return nil, ierr.Internalf("update purchase next action: %v", err)
	}
	if err := o.appendPurchaseAction(ctx, tx, id, string(guard.nextAction)); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, ierr.Internalf("commit %s: %v", opName, err)
	}

	p.NextAction = guard.nextAction
	p.NextActionError = nil
	p.NextActionNote = nil
	p.NextActionLastChangedAt = now
	p.NextActionOrOnChainStateOrResultLastChanged = now
	return p, nil
}

func (o *Orchestrator) appendPaymentAction(ctx context.Context, tx *store.Tx, paymentID uuid.UUID, requestedAction string) error {
	record := &store.ActionRecord{RequestedAction: requestedAction}
	if err := o.repos.ActionRecords.Create(ctx, tx, record); err != nil {
		return ierr.Internalf("create action record: %v", err)
	}
	if err := o.repos.ActionRecords.LinkToPayment(ctx, tx, paymentID, record.ID); err != nil {
		return ierr.Internalf("link action record to payment: %v", err)
	}
	return nil
}

func (o *Orchestrator) appendPurchaseAction(ctx context.Context, tx *store.Tx, purchaseID uuid.UUID, requestedAction string) error {
	record := &store.ActionRecord{RequestedAction: requestedAction}
	if err := o.repos.ActionRecords.Create(ctx, tx, record); err != nil {
		return ierr.Internalf("create action record: %v", err)
	}
	if err := o.repos.ActionRecords.LinkToPurchase(ctx, tx, purchaseID, record.ID); err != nil {
		return ierr.Internalf("link action record to purchase: %v", err)
	}
	return nil
}

// AuthorizePaymentRefund guards and requests the seller-side refund
// authorization action.
func (o *Orchestrator) AuthorizePaymentRefund(ctx context.Context, paymentID uuid.UUID) (*store.Payment, error) {
	return o.transitionPayment(ctx, "AuthorizePaymentRefund", paymentID)
}

// SubmitPaymentResult guards and requests the seller-side result
// submission action.
func (o *Orchestrator) SubmitPaymentResult(ctx context.Context, paymentID uuid.UUID) (*store.Payment, error) {
	return o.transitionPayment(ctx, "SubmitPaymentResult", paymentID)
}

// RequestPurchaseRefund guards and requests the buyer-side refund action.
func (o *Orchestrator) RequestPurchaseRefund(ctx context.Context, purchaseID uuid.UUID) (*store.Purchase, error) {
	return o.transitionPurchase(ctx, "RequestPurchaseRefund", purchaseID)
}

// CancelPurchaseRefundRequest guards and requests cancellation of a
// previously-requested buyer-side refund.
func (o *Orchestrator) CancelPurchaseRefundRequest(ctx context.Context, purchaseID uuid.UUID) (*store.Purchase, error) {
	return o.transitionPurchase(ctx, "CancelPurchaseRefundRequest", purchaseID)
}
