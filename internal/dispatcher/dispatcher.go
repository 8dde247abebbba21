// Package dispatcher implements the Action Dispatcher: the worker pool
// that claims a Payment/Purchase's requested on-chain action and submits
// it through the ChainAdapter, the same queue-plus-worker-loop shape
// pkg/anchor/scheduler.go uses to drain its batch queue, with
// pkg/execution/nonce_tracker.go's mutex-guarded in-memory retry
// bookkeeping standing in for a persisted retry counter.
package dispatcher

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/cardano-escrow/orchestrator/internal/chainadapter"
	"github.com/cardano-escrow/orchestrator/internal/config"
	"github.com/cardano-escrow/orchestrator/internal/ierr"
	"github.com/cardano-escrow/orchestrator/internal/statemachine"
	"github.com/cardano-escrow/orchestrator/internal/store"
)

// Dispatcher owns the worker pool that drains Payment/Purchase rows
// sitting in a "*Requested" NextAction. Each worker independently claims
// one row per tick via ClaimNext's `FOR UPDATE SKIP LOCKED`, so no two
// workers -- in this process or another -- ever submit the same action
// twice.
type Dispatcher struct {
	client *store.Client
	repos  *store.Repositories
	chain  chainadapter.Adapter
	cfg    config.DispatcherSettings
	logger *log.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	retryMu sync.Mutex
	retries map[uuid.UUID]*retryState
}

type retryState struct {
	attempts  int
	notBefore time.Time
	backoff   *backoff.ExponentialBackOff
}

// Option configures a Dispatcher at construction time.
type Option func(*Dispatcher)

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// New builds a Dispatcher against the given collaborators.
func New(client *store.Client, repos *store.Repositories, chain chainadapter.Adapter, cfg config.DispatcherSettings, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		client:  client,
		repos:   repos,
		chain:   chain,
		cfg:     cfg,
		logger:  log.Default(),
		retries: make(map[uuid.UUID]*retryState),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start launches cfg.WorkerCount worker goroutines, each polling
// independently every cfg.PollInterval. Calling Start twice is a no-op.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	d.running = true
	d.stopCh = make(chan struct{})

	workers := d.cfg.WorkerCount
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(ctx)
	}
}

// Stop signals every worker to finish its current tick and blocks until
// all have exited.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.stopCh)
	d.mu.Unlock()
	d.wg.Wait()
}

// IsRunning reports whether the worker pool is currently started, for the
// §6 /monitoring endpoint.
func (d *Dispatcher) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

func (d *Dispatcher) workerLoop(ctx context.Context) {
	defer d.wg.Done()
	interval := d.cfg.PollInterval.Duration()
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.DispatchOne(ctx); err != nil && ierr.KindOf(err) != ierr.NotFound {
				d.logger.Printf("dispatcher: tick failed: %v", err)
			}
		}
	}
}

// DispatchOne claims and submits a single requested action -- Payment
// rows are tried first, then Purchase rows. Returns a NotFound ierr when
// nothing was claimable, which callers (including the ticker loop) treat
// as "no work this tick" rather than an error.
func (d *Dispatcher) DispatchOne(ctx context.Context) error {
	err := d.dispatchPayment(ctx)
	if err == nil {
		return nil
	}
	if ierr.KindOf(err) != ierr.NotFound {
		return err
	}

	err = d.dispatchPurchase(ctx)
	if err == nil {
		return nil
	}
	if ierr.KindOf(err) != ierr.NotFound {
		return err
	}

	return d.dispatchRegistration(ctx)
}

func (d *Dispatcher) dispatchPayment(ctx context.Context) error {
	tx, err := d.client.BeginSerializable(ctx)
	if err != nil {
		return fmt.Errorf("begin claim: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	p, err := d.repos.Payments.ClaimNext(ctx, tx, statemachine.PaymentRequestedActions())
	if err != nil {
		return err
	}
	if !d.eligible(p.ID) {
		return ierr.NotFoundf("payment %s is backing off", p.ID)
	}

	now := time.Now()
	req := chainadapter.SubmitActionRequest{
		BlockchainIdentifier: p.BlockchainIdentifier,
		Action:               string(p.NextAction),
		PaymentSourceID:      p.PaymentSourceID.String(),
	}
	txHash, submitErr := d.chain.SubmitAction(ctx, req)

	record := &store.ActionRecord{RequestedAction: string(p.NextAction)}
	var errType store.ErrorType
	var note string
	var promote bool
	if submitErr != nil {
		note = submitErr.Error()
		errType, promote = d.classifyAndDecide(p.ID, submitErr)
		record.ErrorType, record.ErrorNote = &errType, &note
	} else {
		record.ResultHash = &txHash
	}
	if err := d.repos.ActionRecords.Create(ctx, tx, record); err != nil {
		return err
	}
	if err := d.repos.ActionRecords.LinkToPayment(ctx, tx, p.ID, record.ID); err != nil {
		return err
	}

	if submitErr == nil {
		d.clearRetry(p.ID)
		nextAction := statemachine.PaymentActionOnDispatchSuccess(p.NextAction)
		if err := d.repos.Payments.UpdateNextAction(ctx, tx, p.ID, nextAction, nil, nil, now); err != nil {
			return err
		}
	} else if promote {
		if err := d.repos.Payments.UpdateNextAction(ctx, tx, p.ID, store.PaymentActionWaitingForManual, &errType, &note, now); err != nil {
			return err
		}
	}
	// A non-promoted failure leaves NextAction untouched -- the row stays
	// claimable, and d.eligible enforces the backoff window on the next
	// tick.

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit dispatch: %w", err)
	}
	committed = true
	return nil
}

func (d *Dispatcher) dispatchPurchase(ctx context.Context) error {
	tx, err := d.client.BeginSerializable(ctx)
	if err != nil {
		return fmt.Errorf("begin claim: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	p, err := d.repos.Purchases.ClaimNext(ctx, tx, statemachine.PurchaseRequestedActions())
	if err != nil {
		return err
	}
	if !d.eligible(p.ID) {
		return ierr.NotFoundf("purchase %s is backing off", p.ID)
	}

	now := time.Now()
	req := chainadapter.SubmitActionRequest{
		BlockchainIdentifier: p.BlockchainIdentifier,
		Action:               string(p.NextAction),
		PaymentSourceID:      p.PaymentSourceID.String(),
	}
	txHash, submitErr := d.chain.SubmitAction(ctx, req)

	record := &store.ActionRecord{RequestedAction: string(p.NextAction)}
	var errType store.ErrorType
	var note string
	var promote bool
	if submitErr != nil {
		note = submitErr.Error()
		errType, promote = d.classifyAndDecide(p.ID, submitErr)
		record.ErrorType, record.ErrorNote = &errType, &note
	} else {
		record.ResultHash = &txHash
	}
	if err := d.repos.ActionRecords.Create(ctx, tx, record); err != nil {
		return err
	}
	if err := d.repos.ActionRecords.LinkToPurchase(ctx, tx, p.ID, record.ID); err != nil {
		return err
	}

	if submitErr == nil {
		d.clearRetry(p.ID)
		nextAction := statemachine.PurchaseActionOnDispatchSuccess(p.NextAction)
		if err := d.repos.Purchases.UpdateNextAction(ctx, tx, p.ID, nextAction, nil, nil, now); err != nil {
			return err
		}
	} else if promote {
		if err := d.repos.Purchases.UpdateNextAction(ctx, tx, p.ID, store.PurchaseActionWaitingForManual, &errType, &note, now); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit dispatch: %w", err)
	}
	committed = true
	return nil
}

// dispatchRegistration claims a RegistryRequest sitting in
// RegistrationRequested or DeregistrationRequested and submits its
// mint/burn. Unlike Payment/Purchase there is no action-history join table
// for registrations (see internal/store/migrations); the outcome is
// recorded directly on the RegistryRequest row.
func (d *Dispatcher) dispatchRegistration(ctx context.Context) error {
	tx, err := d.client.BeginSerializable(ctx)
	if err != nil {
		return fmt.Errorf("begin claim: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	rr, err := d.repos.RegistryRequests.ClaimNext(ctx, tx, []store.RegistrationState{
		store.RegistrationRequested, store.DeregistrationRequested,
	})
	if err != nil {
		return err
	}
	if !d.eligible(rr.ID) {
		return ierr.NotFoundf("registry request %s is backing off", rr.ID)
	}

	now := time.Now()
	req := chainadapter.RegistrationSubmitRequest{
		RequestID:             rr.ID.String(),
		RequestedState:        rr.State,
		Name:                  rr.Name,
		APIBaseURL:            rr.APIBaseURL,
		AuthorName:            rr.AuthorName,
		AuthorContact:         rr.AuthorContact,
		AuthorOrg:             rr.AuthorOrg,
		LegalPrivacy:          rr.LegalPrivacy,
		LegalTerms:            rr.LegalTerms,
		LegalOther:            rr.LegalOther,
		Capability:            rr.Capability,
		Tags:                  rr.Tags,
		Image:                 rr.Image,
		MetadataVersion:       rr.MetadataVersion,
		Pricing:               rr.Pricing,
		SmartContractWalletID: rr.SmartContractWalletID.String(),
		PaymentSourceID:       rr.PaymentSourceID.String(),
	}
	if rr.State == store.DeregistrationRequested && rr.AgentIdentifier != nil {
		req.AgentIdentifier = *rr.AgentIdentifier
	}

	agentIdentifier, _, submitErr := d.chain.SubmitRegistrationAction(ctx, req)

	if submitErr == nil {
		d.clearRetry(rr.ID)
		nextState := store.RegistrationConfirmed
		var confirmedID *string
		if rr.State == store.RegistrationRequested {
			confirmedID = &agentIdentifier
		} else {
			nextState = store.DeregistrationConfirmed
		}
		if err := d.repos.RegistryRequests.UpdateState(ctx, tx, rr.ID, nextState, confirmedID, nil, nil, now); err != nil {
			return err
		}
	} else if errType, promote := d.classifyAndDecide(rr.ID, submitErr); promote {
		note := submitErr.Error()
		nextState := rr.State
		if rr.State == store.RegistrationRequested {
			nextState = store.RegistrationFailed
		}
		if err := d.repos.RegistryRequests.UpdateState(ctx, tx, rr.ID, nextState, nil, &errType, &note, now); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit dispatch: %w", err)
	}
	committed = true
	return nil
}

// classifyAndDecide classifies submitErr and decides whether id's NextAction
// should be promoted to WaitingForManualAction now. Persistent kinds
// (ValidationError, InsufficientFunds) promote on their first failure --
// resubmitting the same malformed or underfunded transaction cannot
// succeed on retry, so consuming the retry budget on it would only delay
// the operator's attention. Transient kinds (NetworkError, Unknown)
// consume one attempt against cfg.MaxRetries and schedule the next
// eligible retry via exhausted's exponential backoff, promoting only once
// the budget runs out.
func (d *Dispatcher) classifyAndDecide(id uuid.UUID, submitErr error) (store.ErrorType, bool) {
	errType := classify(submitErr)
	if !isTransient(errType) {
		d.clearRetry(id)
		return errType, true
	}
	promote := d.exhausted(id)
	if promote {
		d.clearRetry(id)
	}
	return errType, promote
}

// isTransient reports whether errType is worth retrying at all -- a
// submission that failed for a reason the chain itself might resolve
// (a network hiccup, or a cause this repo couldn't classify) rather than
// one the next attempt is guaranteed to repeat.
func isTransient(errType store.ErrorType) bool {
	switch errType {
	case store.ErrorTypeNetworkError, store.ErrorTypeUnknown:
		return true
	default:
		return false
	}
}

// eligible reports whether id's backoff window (if any) has elapsed.
func (d *Dispatcher) eligible(id uuid.UUID) bool {
	d.retryMu.Lock()
	defer d.retryMu.Unlock()
	st, ok := d.retries[id]
	if !ok {
		return true
	}
	return !time.Now().Before(st.notBefore)
}

// exhausted records one more failed attempt against id and reports
// whether it has now used up cfg.MaxRetries. Otherwise it schedules the
// next eligible retry time via an exponential backoff bounded to
// [MinBackoff, MaxBackoff]: the same *backoff.ExponentialBackOff is kept
// per id across calls (rather than rebuilt each time) so each successive
// NextBackOff() call actually grows the interval instead of always
// returning ~MinBackoff.
func (d *Dispatcher) exhausted(id uuid.UUID) bool {
	d.retryMu.Lock()
	defer d.retryMu.Unlock()

	st, ok := d.retries[id]
	if !ok {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = d.cfg.MinBackoff.Duration()
		eb.MaxInterval = d.cfg.MaxBackoff.Duration()
		eb.Multiplier = 2
		eb.RandomizationFactor = 0.2
		eb.MaxElapsedTime = 0
		st = &retryState{backoff: eb}
		d.retries[id] = st
	}
	st.attempts++

	maxRetries := d.cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	if st.attempts >= maxRetries {
		return true
	}

	next := st.backoff.NextBackOff()
	if next == backoff.Stop || next > d.cfg.MaxBackoff.Duration() {
		next = d.cfg.MaxBackoff.Duration()
	}
	st.notBefore = time.Now().Add(next)
	return false
}

func (d *Dispatcher) clearRetry(id uuid.UUID) {
	d.retryMu.Lock()
	defer d.retryMu.Unlock()
	delete(d.retries, id)
}

// classify maps a ChainAdapter submission error to the ErrorType stored
// against NextActionError, following the same Kind-to-outcome mapping
// ierr's constructors already enforce elsewhere in this repo.
func classify(err error) store.ErrorType {
	switch ierr.KindOf(err) {
	case ierr.ChainAdapterUnavail, ierr.Timeout:
		return store.ErrorTypeNetworkError
	case ierr.InvalidArgument, ierr.Unsupported, ierr.SignatureInvalid:
		return store.ErrorTypeValidationError
	case ierr.PreconditionFailed, ierr.Conflict:
		return store.ErrorTypeInsufficientFunds
	default:
		return store.ErrorTypeUnknown
	}
}
