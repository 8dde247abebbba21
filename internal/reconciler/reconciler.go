// Package reconciler implements the Chain Reconciler: a process-wide
// singleton that polls the ChainAdapter for transactions touching the
// escrow smart contracts and folds each one into the matching
// Payment/Purchase row, the same ticker-driven poll/apply/advance shape
// pkg/execution/external_chain_observer.go and pkg/anchor/scheduler.go use
// for their own background loops.
package reconciler

import (
	"context"
	"fmt"
	"log"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cardano-escrow/orchestrator/internal/chainadapter"
	"github.com/cardano-escrow/orchestrator/internal/config"
	"github.com/cardano-escrow/orchestrator/internal/statemachine"
	"github.com/cardano-escrow/orchestrator/internal/store"
)

const defaultBatchSize = 200

// Stats is the operator-facing snapshot published after every cycle.
type Stats struct {
	TrackedEntities int
	PaymentCursor   time.Time
	PurchaseCursor  time.Time
	MemoryUsage     uint64
}

// Reconciler owns the {Stopped, Running} polling loop. It is intended to
// be constructed once per process and started/stopped alongside the rest
// of the server lifecycle.
type Reconciler struct {
	client *store.Client
	repos  *store.Repositories
	chain  chainadapter.Adapter
	cfg    config.ReconcilerSettings
	logger *log.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	statsMu sync.RWMutex
	stats   Stats
}

// Option configures a Reconciler at construction time.
type Option func(*Reconciler)

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) Option {
	return func(r *Reconciler) { r.logger = logger }
}

// New builds a Reconciler against the given collaborators. cfg.Interval is
// clamped to [5s, 300s] the same way config.Load already clamps it, so a
// caller constructing cfg by hand still gets a safe loop.
func New(client *store.Client, repos *store.Repositories, chain chainadapter.Adapter, cfg config.ReconcilerSettings, opts ...Option) *Reconciler {
	r := &Reconciler{
		client: client,
		repos:  repos,
		chain:  chain,
		cfg:    cfg,
		logger: log.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start begins the polling loop in a background goroutine. Calling Start
// on an already-running Reconciler is a no-op.
func (r *Reconciler) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	go r.loop(ctx)
}

// Stop signals the loop to halt and blocks until the current cycle has
// either committed or rolled back. A batch in progress when Stop is
// called always finishes that one commit decision; Stop never truncates
// an in-flight write.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	doneCh := r.doneCh
	r.mu.Unlock()
	<-doneCh
}

func (r *Reconciler) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Reconciler) interval() time.Duration {
	d := r.cfg.Interval.Duration()
	if d < 5*time.Second {
		return 5 * time.Second
	}
	if d > 300*time.Second {
		return 300 * time.Second
	}
	return d
}

func (r *Reconciler) loop(ctx context.Context) {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.interval())
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.runCycle(ctx); err != nil {
				r.logger.Printf("reconciler: cycle failed: %v", err)
			}
		}
	}
}

// Stats returns the snapshot published by the most recently committed
// cycle.
func (r *Reconciler) Stats() Stats {
	r.statsMu.RLock()
	defer r.statsMu.RUnlock()
	return r.stats
}

// RunOnce executes a single poll/apply/advance cycle synchronously,
// outside the ticker loop. Tests and an operator-triggered "reconcile
// now" endpoint both call this directly rather than waiting for Start's
// background goroutine.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	return r.runCycle(ctx)
}

// runCycle executes exactly one poll/apply/advance pass. The entire batch
// -- every Transaction insert, every Payment/Purchase update, and both
// cursor advances -- runs inside one serializable transaction, so a
// failure partway through never leaves a partially-applied batch
// committed.
func (r *Reconciler) runCycle(ctx context.Context) error {
	start := time.Now()
	defer func() { cycleDurationSeconds.Observe(time.Since(start).Seconds()) }()

	sources, err := r.repos.PaymentSources.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active payment sources: %w", err)
	}
	if len(sources) == 0 {
		return nil
	}
	addresses := make([]string, len(sources))
	for i, ps := range sources {
		addresses[i] = ps.SmartContractAddress
	}

	batchSize := r.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	paymentCursor, err := r.repos.ReconcilerCursors.Get(ctx, store.EntityKindPayment)
	if err != nil {
		return fmt.Errorf("get payment cursor: %w", err)
	}
	purchaseCursor, err := r.repos.ReconcilerCursors.Get(ctx, store.EntityKindPurchase)
	if err != nil {
		return fmt.Errorf("get purchase cursor: %w", err)
	}

	since := paymentCursor.Timestamp
	if purchaseCursor.Timestamp.Before(since) {
		since = purchaseCursor.Timestamp
	}

	observed, err := r.chain.TransactionsSince(ctx, addresses, since, batchSize)
	if err != nil {
		return fmt.Errorf("fetch observed transactions: %w", err)
	}
	if len(observed) == 0 {
		return nil
	}

	tx, err := r.client.BeginSerializable(ctx)
	if err != nil {
		return fmt.Errorf("begin reconcile batch: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	now := time.Now()
	trackedEntities := 0
	newPaymentCursor, newPurchaseCursor := paymentCursor, purchaseCursor

	for _, ot := range observed {
		kind, entityID, matched, err := r.applyOne(ctx, tx, ot, now)
		if err != nil {
			return fmt.Errorf("apply transaction %s: %w", ot.TxHash, err)
		}
		if !matched {
			unmatchedTransactionsTotal.Inc()
			r.logger.Printf("reconciler: blockchainIdentifier %q (tx %s) matched no payment or purchase", ot.BlockchainIdentifier, ot.TxHash)
			continue
		}
		trackedEntities++
		c := store.Cursor{Timestamp: ot.BlockTime, ID: entityID}
		switch kind {
		case store.EntityKindPayment:
			newPaymentCursor = c
		case store.EntityKindPurchase:
			newPurchaseCursor = c
		}
	}

	if newPaymentCursor != paymentCursor {
		if err := r.repos.ReconcilerCursors.Advance(ctx, tx, store.EntityKindPayment, newPaymentCursor); err != nil {
			return fmt.Errorf("advance payment cursor: %w", err)
		}
	}
	if newPurchaseCursor != purchaseCursor {
		if err := r.repos.ReconcilerCursors.Advance(ctx, tx, store.EntityKindPurchase, newPurchaseCursor); err != nil {
			return fmt.Errorf("advance purchase cursor: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reconcile batch: %w", err)
	}
	committed = true

	stats := Stats{
		TrackedEntities: trackedEntities,
		PaymentCursor:   newPaymentCursor.Timestamp,
		PurchaseCursor:  newPurchaseCursor.Timestamp,
		MemoryUsage:     approxMemoryUsage(),
	}
	r.statsMu.Lock()
	r.stats = stats
	r.statsMu.Unlock()

	trackedEntitiesGauge.Set(float64(trackedEntities))
	paymentCursorGauge.Set(float64(newPaymentCursor.Timestamp.Unix()))
	purchaseCursorGauge.Set(float64(newPurchaseCursor.Timestamp.Unix()))

	return nil
}

// applyOne locates the Payment or Purchase ot.BlockchainIdentifier names,
// validates and records the observed state move, and reports which kind
// and row it touched so runCycle can advance the right cursor. matched is
// false when no row claims this blockchainIdentifier at all.
func (r *Reconciler) applyOne(ctx context.Context, tx *store.Tx, ot chainadapter.ObservedTransaction, now time.Time) (store.EntityKind, uuid.UUID, bool, error) {
	if p, err := r.repos.Payments.ByBlockchainIdentifier(ctx, ot.BlockchainIdentifier); err == nil {
		if err := r.applyToPayment(ctx, tx, p, ot, now); err != nil {
			return "", uuid.Nil, false, err
		}
		return store.EntityKindPayment, p.ID, true, nil
	}
	if u, err := r.repos.Purchases.ByBlockchainIdentifier(ctx, ot.BlockchainIdentifier); err == nil {
		if err := r.applyToPurchase(ctx, tx, u, ot, now); err != nil {
			return "", uuid.Nil, false, err
		}
		return store.EntityKindPurchase, u.ID, true, nil
	}
	return "", uuid.Nil, false, nil
}

func (r *Reconciler) applyToPayment(ctx context.Context, tx *store.Tx, p *store.Payment, ot chainadapter.ObservedTransaction, now time.Time) error {
	p, err := r.repos.Payments.GetForUpdate(ctx, tx, p.ID)
	if err != nil {
		return err
	}

	if !statemachine.IsLegalOnChainTransition(p.OnChainState, ot.NewOnChainState) {
		unexpectedTransitionsTotal.Inc()
		errType := store.ErrorTypeUnexpectedTransition
		note := fmt.Sprintf("observed %s -> %s via tx %s is not a legal move", p.OnChainState, ot.NewOnChainState, ot.TxHash)
		return r.repos.Payments.UpdateNextAction(ctx, tx, p.ID, store.PaymentActionWaitingForManual, &errType, &note, now)
	}

	t := &store.Transaction{
		TxHash:                   ot.TxHash,
		Status:                   store.TxConfirmed,
		FeesLovelace:             ot.FeesLovelace,
		BlockHeight:              &ot.BlockHeight,
		BlockTime:                &ot.BlockTime,
		PreviousOnChainState:     p.OnChainState,
		NewOnChainState:          ot.NewOnChainState,
		Confirmations:            ot.Confirmations,
		CollateralReturnLovelace: ot.CollateralReturnLovelace,
	}
	if err := r.repos.Transactions.Create(ctx, tx, t); err != nil {
		return err
	}
	if err := r.repos.Transactions.LinkToPayment(ctx, tx, p.ID, t.ID); err != nil {
		return err
	}

	seller, buyer := withdrawnLedgers(ot.NewOnChainState, p.RequestedFunds, ot)
	if err := r.repos.Payments.ApplyObservedTransaction(ctx, tx, p.ID, ot.NewOnChainState, t.ID, seller, buyer, now); err != nil {
		return err
	}

	nextAction := store.PaymentActionWaitingForExternal
	if ot.NewOnChainState.IsTerminal() {
		nextAction = store.PaymentActionNone
	}
	return r.repos.Payments.UpdateNextAction(ctx, tx, p.ID, nextAction, nil, nil, now)
}

func (r *Reconciler) applyToPurchase(ctx context.Context, tx *store.Tx, u *store.Purchase, ot chainadapter.ObservedTransaction, now time.Time) error {
	u, err := r.repos.Purchases.GetForUpdate(ctx, tx, u.ID)
	if err != nil {
		return err
	}

	if !statemachine.IsLegalOnChainTransition(u.OnChainState, ot.NewOnChainState) {
		unexpectedTransitionsTotal.Inc()
		errType := store.ErrorTypeUnexpectedTransition
		note := fmt.Sprintf("observed %s -> %s via tx %s is not a legal move", u.OnChainState, ot.NewOnChainState, ot.TxHash)
		return r.repos.Purchases.UpdateNextAction(ctx, tx, u.ID, store.PurchaseActionWaitingForManual, &errType, &note, now)
	}

	t := &store.Transaction{
		TxHash:                   ot.TxHash,
		Status:                   store.TxConfirmed,
		FeesLovelace:             ot.FeesLovelace,
		BlockHeight:              &ot.BlockHeight,
		BlockTime:                &ot.BlockTime,
		PreviousOnChainState:     u.OnChainState,
		NewOnChainState:          ot.NewOnChainState,
		Confirmations:            ot.Confirmations,
		CollateralReturnLovelace: ot.CollateralReturnLovelace,
	}
	if err := r.repos.Transactions.Create(ctx, tx, t); err != nil {
		return err
	}
	if err := r.repos.Transactions.LinkToPurchase(ctx, tx, u.ID, t.ID); err != nil {
		return err
	}

	seller, buyer := withdrawnLedgers(ot.NewOnChainState, u.PaidFunds, ot)
	if err := r.repos.Purchases.ApplyObservedTransaction(ctx, tx, u.ID, ot.NewOnChainState, t.ID, seller, buyer, now); err != nil {
		return err
	}

	nextAction := store.PurchaseActionWaitingForExternal
	if ot.NewOnChainState.IsTerminal() {
		nextAction = store.PurchaseActionNone
	}
	return r.repos.Purchases.UpdateNextAction(ctx, tx, u.ID, nextAction, nil, nil, now)
}

// withdrawnLedgers resolves the per-party split recorded against a
// terminal OnChainState. A chain adapter able to decode the actual
// transaction outputs should populate ot.WithdrawnForSeller/Buyer
// directly (the only source of truth for an adjudicated DisputedWithdrawn
// split); otherwise the two unambiguous terminal states default to
// routing the full requested/paid amount to the appropriate party.
func withdrawnLedgers(state store.OnChainState, requestedOrPaid []store.UnitValue, ot chainadapter.ObservedTransaction) (seller, buyer []store.UnitValue) {
	if len(ot.WithdrawnForSeller) > 0 || len(ot.WithdrawnForBuyer) > 0 {
		return ot.WithdrawnForSeller, ot.WithdrawnForBuyer
	}
	switch state {
	case store.OnChainStateWithdrawn:
		return requestedOrPaid, nil
	case store.OnChainStateRefundWithdrawn:
		return nil, requestedOrPaid
	default:
		return nil, nil
	}
}

func approxMemoryUsage() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.Alloc
}
