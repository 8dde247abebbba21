package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/cardano-escrow/orchestrator/internal/ierr"
	"github.com/cardano-escrow/orchestrator/internal/store"
)

// ErrorStateRecovery resolves an entity stuck in WaitingForManualAction by
// blockchainIdentifier, trying the Payment table first and falling back to
// Purchase, since the two tables share no foreign key and a given
// blockchainIdentifier is unique within each.
func (o *Orchestrator) ErrorStateRecovery(ctx context.Context, blockchainIdentifier string, network store.Network) (any, error) {
	if payment, err := o.repos.Payments.ByBlockchainIdentifier(ctx, blockchainIdentifier); err == nil {
		if err := o.checkNetwork(ctx, payment.PaymentSourceID, network); err != nil {
			return nil, err
		}
		return o.recoverPayment(ctx, payment.ID)
	} else if ierr.KindOf(err) != ierr.NotFound {
		return nil, err
	}

	if purchase, err := o.repos.Purchases.ByBlockchainIdentifier(ctx, blockchainIdentifier); err == nil {
		if err := o.checkNetwork(ctx, purchase.PaymentSourceID, network); err != nil {
			return nil, err
		}
		return o.recoverPurchase(ctx, purchase.ID)
	} else if ierr.KindOf(err) != ierr.NotFound {
		return nil, err
	}

	return nil, ierr.NotFoundf("no payment or purchase with blockchainIdentifier %s", blockchainIdentifier)
}

func (o *Orchestrator) checkNetwork(ctx context.Context, paymentSourceID uuid.UUID, network store.Network) error {
	ps, err := o.repos.PaymentSources.Get(ctx, paymentSourceID)
	if err != nil {
		return err
	}
	if ps.Network != network {
		return ierr.NotFoundf("entity belongs to network %s, not %s", ps.Network, network)
	}
	return nil
}

// pickPredecessorTransaction implements ErrorStateRecovery step 1: history
// is ordered most-recent-first; the best predecessor is the most recent
// Confirmed transaction, or failing that the most recent Pending one, or
// nil if history is empty or holds neither.
func pickPredecessorTransaction(history []*store.Transaction) *store.Transaction {
	for _, t := range history {
		if t.Status == store.TxConfirmed {
			return t
		}
	}
	for _, t := range history {
		if t.Status == store.TxPending {
			return t
		}
	}
	return nil
}

// pendingNewerThan returns the ids of every Pending transaction in history
// strictly newer than the predecessor (or every Pending transaction, when
// predecessor is nil -- the empty-history and no-predecessor cases both
// fail every still-open Pending transaction).
func pendingNewerThan(history []*store.Transaction, predecessor *store.Transaction) []uuid.UUID {
	var threshold time.Time
	if predecessor != nil {
		threshold = predecessor.CreatedAt
	}
	var ids []uuid.UUID
	for _, t := range history {
		if t.Status == store.TxPending && t.CreatedAt.After(threshold) {
			ids = append(ids, t.ID)
		}
	}
	return ids
}

func (o *Orchestrator) recoverPayment(ctx context.Context, id uuid.UUID) (*store.Payment, error) {
	tx, err := o.client.BeginSerializable(ctx)
	if err != nil {
		return nil, ierr.Internalf("begin transaction: %v", err)
	}

	p, err := o.repos.Payments.GetForUpdate(ctx, tx, id)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if p.NextAction != store.PaymentActionWaitingForManual || p.NextActionError == nil {
		tx.Rollback()
		return nil, ierr.PreconditionFailedf("payment %s is not in a recoverable error state", id)
	}

	history, err := o.repos.Transactions.PaymentHistory(ctx, id)
	if err != nil {
		tx.Rollback()
		return nil, ierr.Internalf("load payment transaction history: %v", err)
	}

	predecessor := pickPredecessorTransaction(history)
	if ids := pendingNewerThan(history, predecessor); len(ids) > 0 {
		if err := o.repos.Transactions.MarkFailedViaManualReset(ctx, tx, ids); err != nil {
			tx.Rollback()
			return nil, ierr.Internalf("mark failed-via-manual-reset: %v", err)
		}
	}

	var predecessorID *uuid.UUID
	if predecessor != nil {
		predecessorID = &predecessor.ID
	}
	now := time.Now()
	if err := o.repos.Payments.SetCurrentTransaction(ctx, tx, id, predecessorID, now); err != nil {
		tx.Rollback()
		return nil, ierr.Internalf("set current transaction: %v", err)
	}

	nextAction := store.PaymentActionWaitingForExternal
	if p.OnChainState.IsTerminal() {
		nextAction = store.PaymentActionNone
	}
	if err := o.repos.Payments.UpdateNextAction(ctx, tx, id, nextAction, nil, nil, now); err != nil {
		tx.Rollback()
		return nil, ierr.Internalf("update next action: %v", err)
	}
	if err := o.appendPaymentAction(ctx, tx, id, string(nextAction)); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, ierr.Internalf("commit error state recovery: %v", err)
	}

	p.CurrentTransactionID = predecessorID
	p.NextAction = nextAction
	p.NextActionError = nil
	p.NextActionNote = nil
	p.NextActionLastChangedAt = now
	p.NextActionOrOnChainStateOrResultLastChanged = now
	return p, nil
}

func (o *Orchestrator) recoverPurchase(ctx context.Context, id uuid.UUID) (*store.Purchase, error) {
	tx, err := o.client.BeginSerializable(ctx)
	if err != nil {
		return nil, ierr.Internalf("begin transaction: %v", err)
	}

	p, err := o.repos.Purchases.GetForUpdate(ctx, tx, id)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if p.NextAction != store.PurchaseActionWaitingForManual || p.NextActionError == nil {
		tx.Rollback()
		return nil, ierr.PreconditionFailedf("purchase %s is not in a recoverable error state", id)
	}

	history, err := o.repos.Transactions.PurchaseHistory(ctx, id)
	if err != nil {
		tx.Rollback()
		return nil, ierr.Internalf("load purchase transaction history: %v", err)
	}

	predecessor := pickPredecessorTransaction(history)
	if ids := pendingNewerThan(history, predecessor); len(ids) > 0 {
		if err := o.repos.Transactions.MarkFailedViaManualReset(ctx, tx, ids); err != nil {
			tx.Rollback()
			return nil, ierr.Internalf("mark failed-via-manual-reset: %v", err)
		}
	}

	var predecessorID *uuid.UUID
	if predecessor != nil {
		predecessorID = &predecessor.ID
	}
	now := time.Now()
	if err := o.repos.Purchases.SetCurrentTransaction(ctx, tx, id, predecessorID, now); err != nil {
		tx.Rollback()
		return nil, ierr.Internalf("set current transaction: %v", err)
	}

	nextAction := store.PurchaseActionWaitingForExternal
	if p.OnChainState.IsTerminal() {
		nextAction = store.PurchaseActionNone
	}
	if err := o.repos.Purchases.UpdateNextAction(ctx, tx, id, nextAction, nil, nil, now); err != nil {
		tx.Rollback()
		return nil, ierr.Internalf("update next action: %v", err)
	}
	if err := o.appendPurchaseAction(ctx, tx, id, string(nextAction)); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, ierr.Internalf("commit error state recovery: %v", err)
	}

	p.CurrentTransactionID = predecessorID
	p.NextAction = nextAction
	p.NextActionError = nil
	p.NextActionNote = nil
	p.NextActionLastChangedAt = now
	p.NextActionOrOnChainStateOrResultLastChanged = now
	return p, nil
}
