package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// PaymentRepository handles payments CRUD plus the cursor-based read
// paths the Diff Feed exposes over nextActionLastChangedAt,
// onChainStateOrResultLastChangedAt, and their combined column.
type PaymentRepository struct {
	client *Client
}

func NewPaymentRepository(client *Client) *PaymentRepository {
	return &PaymentRepository{client: client}
}

const paymentColumns = `
	id, blockchain_identifier, agent_identifier, input_hash,
	pay_by_time, submit_result_time, unlock_time, external_dispute_unlock_time,
	requested_funds, on_chain_state, next_action, next_action_error, next_action_note,
	current_transaction_id, withdrawn_for_seller, withdrawn_for_buyer,
	total_seller_cardano_fees, total_buyer_cardano_fees,
	payment_source_id, seller_wallet_id, result_hash, requested_by_id, metadata,
	created_at, updated_at, next_action_last_changed_at,
	on_chain_state_or_result_last_changed_at,
	next_action_or_on_chain_state_or_result_last_changed`

func scanPayment(scanner interface{ Scan(...interface{}) error }) (*Payment, error) {
	p := &Payment{}
	var requestedFunds, withdrawnSeller, withdrawnBuyer []byte
	var metadata []byte

	err := scanner.Scan(
		&p.ID, &p.BlockchainIdentifier, &p.AgentIdentifier, &p.InputHash,
		&p.PayByTime, &p.SubmitResultTime, &p.UnlockTime, &p.ExternalDisputeUnlockTime,
		&requestedFunds, &p.OnChainState, &p.NextAction, &p.NextActionError, &p.NextActionNote,
		&p.CurrentTransactionID, &withdrawnSeller, &withdrawnBuyer,
		&p.TotalSellerCardanoFees, &p.TotalBuyerCardanoFees,
		&p.PaymentSourceID, &p.SellerWalletID, &p.ResultHash, &p.RequestedByID, &metadata,
		&p.CreatedAt, &p.UpdatedAt, &p.NextActionLastChangedAt,
		&p.OnChainStateOrResultLastChangedAt,
		&p.NextActionOrOnChainStateOrResultLastChanged,
	)
	if err != nil {
		return nil, err
	}

	if p.RequestedFunds, err = unmarshalUnitValues(requestedFunds); err != nil {
		return nil, err
	}
	if p.WithdrawnForSeller, err = unmarshalUnitValues(withdrawnSeller); err != nil {
		return nil, err
	}
	if p.WithdrawnForBuyer, err = unmarshalUnitValues(withdrawnBuyer); err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		p.Metadata = json.RawMessage(metadata)
	}
	return p, nil
}

// Create inserts a new Payment within tx, enforcing the uniqueness-on-
// blockchainIdentifier invariant via the table's UNIQUE constraint.
func (r *PaymentRepository) Create(ctx context.Context, tx *Tx, p *Payment) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := time.Now()
	p.CreatedAt, p.UpdatedAt = now, now
	p.NextActionLastChangedAt = now
	p.OnChainStateOrResultLastChangedAt = now
	p.NextActionOrOnChainStateOrResultLastChanged = now

	requestedFunds, err := marshalJSON(nonNilUnitValues(p.RequestedFunds))
	if err != nil {
		return err
	}
	withdrawnSeller, err := marshalJSON(nonNilUnitValues(p.WithdrawnForSeller))
	if err != nil {
		return err
	}
	withdrawnBuyer, err := marshalJSON(nonNilUnitValues(p.WithdrawnForBuyer))
	if err != nil {
		return err
	}

	query := `
		INSERT INTO payments (
			id, blockchain_identifier, agent_identifier, input_hash,
			pay_by_time, submit_result_time, unlock_time, external_dispute_unlock_time,
			requested_funds, on_chain_state, next_action, next_action_error, next_action_note,
			current_transaction_id, withdrawn_for_seller, withdrawn_for_buyer,
			total_seller_cardano_fees, total_buyer_cardano_fees,
			payment_source_id, seller_wallet_id, result_hash, requested_by_id, metadata,
			created_at, updated_at, next_action_last_changed_at,
			on_chain_state_or_result_last_changed_at,
			next_action_or_on_chain_state_or_result_last_changed
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
			$17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28
		)`

	_, err = tx.Tx().ExecContext(ctx, query,
		p.ID, p.BlockchainIdentifier, p.AgentIdentifier, p.InputHash,
		p.PayByTime, p.SubmitResultTime, p.UnlockTime, p.ExternalDisputeUnlockTime,
		requestedFunds, p.OnChainState, p.NextAction, p.NextActionError, p.NextActionNote,
		p.CurrentTransactionID, withdrawnSeller, withdrawnBuyer,
		p.TotalSellerCardanoFees, p.TotalBuyerCardanoFees,
		p.PaymentSourceID, p.SellerWalletID, p.ResultHash, p.RequestedByID, nullableMetadata(p.Metadata),
		p.CreatedAt, p.UpdatedAt, p.NextActionLastChangedAt,
		p.OnChainStateOrResultLastChangedAt,
		p.NextActionOrOnChainStateOrResultLastChanged,
	)
	if err != nil {
		return fmt.Errorf("create payment: %w", err)
	}
	return nil
}

func nonNilUnitValues(v []UnitValue) []UnitValue {
	if v == nil {
		return []UnitValue{}
	}
	return v
}

func nullableMetadata(m json.RawMessage) interface{} {
	if len(m) == 0 {
		return nil
	}
	return string(m)
}

func (r *PaymentRepository) Get(ctx context.Context, id uuid.UUID) (*Payment, error) {
	query := "SELECT " + paymentColumns + " FROM payments WHERE id = $1"
	p, err := scanPayment(r.client.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, wrapNoRows(err, "payment %s not found", id)
	}
	return p, nil
}

func (r *PaymentRepository) ByBlockchainIdentifier(ctx context.Context, blockchainIdentifier string) (*Payment, error) {
	query := "SELECT " + paymentColumns + " FROM payments WHERE blockchain_identifier = $1"
	p, err := scanPayment(r.client.QueryRowContext(ctx, query, blockchainIdentifier))
	if err != nil {
		return nil, wrapNoRows(err, "payment %s not found", blockchainIdentifier)
	}
	return p, nil
}

// GetForUpdate locks a Payment row for the duration of tx, used by the
// Orchestrator's guarded refund/result transitions and by
// ErrorStateRecovery.
func (r *PaymentRepository) GetForUpdate(ctx context.Context, tx *Tx, id uuid.UUID) (*Payment, error) {
	query := "SELECT " + paymentColumns + " FROM payments WHERE id = $1 FOR UPDATE"
	p, err := scanPayment(tx.Tx().QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, wrapNoRows(err, "payment %s not found", id)
	}
	return p, nil
}

// UpdateNextAction appends a new NextAction to a Payment: the caller has
// already persisted the ActionRecord and linked it via
// ActionRecordRepository. This only rewrites the Payment's denormalized
// current NextAction fields and bookkeeping timestamps.
func (r *PaymentRepository) UpdateNextAction(ctx context.Context, tx *Tx, id uuid.UUID, action PaymentNextAction, errorType *ErrorType, errorNote *string, now time.Time) error {
	_, err := tx.Tx().ExecContext(ctx, `
		UPDATE payments SET
			next_action = $2, next_action_error = $3, next_action_note = $4,
			updated_at = $5, next_action_last_changed_at = $5,
			next_action_or_on_chain_state_or_result_last_changed = $5
		WHERE id = $1`,
		id, action, errorType, errorNote, now,
	)
	if err != nil {
		return fmt.Errorf("update payment next action: %w", err)
	}
	return nil
}

// ApplyObservedTransaction is the Reconciler's write path: it advances
// onChainState, CurrentTransaction, and the ledgers in one statement,
// alongside the combined bookkeeping timestamp.
func (r *PaymentRepository) ApplyObservedTransaction(ctx context.Context, tx *Tx, id uuid.UUID, newState OnChainState, currentTransactionID uuid.UUID, withdrawnForSeller, withdrawnForBuyer []UnitValue, now time.Time) error {
	sellerJSON, err := marshalJSON(nonNilUnitValues(withdrawnForSeller))
	if err != nil {
		return err
	}
	buyerJSON, err := marshalJSON(nonNilUnitValues(withdrawnForBuyer))
	if err != nil {
		return err
	}

	_, err = tx.Tx().ExecContext(ctx, `
		UPDATE payments SET
			on_chain_state = $2, current_transaction_id = $3,
			withdrawn_for_seller = $4, withdrawn_for_buyer = $5,
			updated_at = $6, on_chain_state_or_result_last_changed_at = $6,
			next_action_or_on_chain_state_or_result_last_changed = $6
		WHERE id = $1`,
		id, newState, currentTransactionID, sellerJSON, buyerJSON, now,
	)
	if err != nil {
		return fmt.Errorf("apply observed transaction to payment: %w", err)
	}
	return nil
}

// SetCurrentTransaction is ErrorStateRecovery step 3: rewrite
// CurrentTransaction to the chosen predecessor (or null).
func (r *PaymentRepository) SetCurrentTransaction(ctx context.Context, tx *Tx, id uuid.UUID, currentTransactionID *uuid.UUID, now time.Time) error {
	_, err := tx.Tx().ExecContext(ctx,
		"UPDATE payments SET current_transaction_id = $2, updated_at = $3 WHERE id = $1",
		id, currentTransactionID, now,
	)
	if err != nil {
		return fmt.Errorf("set payment current transaction: %w", err)
	}
	return nil
}

// ListByPaymentSource supports the Chain Reconciler's and Dispatcher's
// work selection scoped to one PaymentSource's smart-contract address.
func (r *PaymentRepository) ListByPaymentSource(ctx context.Context, paymentSourceID uuid.UUID) ([]*Payment, error) {
	query := "SELECT " + paymentColumns + " FROM payments WHERE payment_source_id = $1"
	rows, err := r.client.QueryContext(ctx, query, paymentSourceID)
	if err != nil {
		return nil, fmt.Errorf("list payments by payment source: %w", err)
	}
	defer rows.Close()
	return scanPayments(rows)
}

func scanPayments(rows *sql.Rows) ([]*Payment, error) {
	var out []*Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListSinceNextActionChanged is one of the three Diff Feed cursors:
// (ts,id)-paginated over next_action_last_changed_at.
func (r *PaymentRepository) ListSinceNextActionChanged(ctx context.Context, since time.Time, cursorID uuid.UUID, limit int) ([]*Payment, error) {
	return r.listSince(ctx, "next_action_last_changed_at", since, cursorID, limit)
}

// ListSinceStateOrResultChanged is the Diff Feed cursor over
// on_chain_state_or_result_last_changed_at.
func (r *PaymentRepository) ListSinceStateOrResultChanged(ctx context.Context, since time.Time, cursorID uuid.UUID, limit int) ([]*Payment, error) {
	return r.listSince(ctx, "on_chain_state_or_result_last_changed_at", since, cursorID, limit)
}

// ListSinceCombinedChanged is the Diff Feed cursor over the coarser
// disjunction column.
func (r *PaymentRepository) ListSinceCombinedChanged(ctx context.Context, since time.Time, cursorID uuid.UUID, limit int) ([]*Payment, error) {
	return r.listSince(ctx, "next_action_or_on_chain_state_or_result_last_changed", since, cursorID, limit)
}

func (r *PaymentRepository) listSince(ctx context.Context, column string, since time.Time, cursorID uuid.UUID, limit int) ([]*Payment, error) {
	query := "SELECT " + paymentColumns + fmt.Sprintf(` FROM payments
		WHERE %s > $1 OR (%s = $1 AND id >= $2)
		ORDER BY %s ASC, id ASC
		LIMIT $3`, column, column, column)
	rows, err := r.client.QueryContext(ctx, query, since, cursorID, limit)
	if err != nil {
		return nil, fmt.Errorf("list payments since cursor: %w", err)
	}
	defer rows.Close()
	return scanPayments(rows)
}

const paymentColumnsPrefixed = `
	p.id, p.blockchain_identifier, p.agent_identifier, p.input_hash,
	p.pay_by_time, p.submit_result_time, p.unlock_time, p.external_dispute_unlock_time,
	p.requested_funds, p.on_chain_state, p.next_action, p.next_action_error, p.next_action_note,
	p.current_transaction_id, p.withdrawn_for_seller, p.withdrawn_for_buyer,
	p.total_seller_cardano_fees, p.total_buyer_cardano_fees,
	p.payment_source_id, p.seller_wallet_id, p.result_hash, p.requested_by_id, p.metadata,
	p.created_at, p.updated_at, p.next_action_last_changed_at,
	p.on_chain_state_or_result_last_changed_at,
	p.next_action_or_on_chain_state_or_result_last_changed`

// ListForReport scans every resolved (onChainState != None) Payment on
// network whose payByTime falls in [start,end], optionally filtered to one
// agentIdentifier -- the Earnings aggregator's (§4.8) source query.
func (r *PaymentRepository) ListForReport(ctx context.Context, network Network, agentIdentifier *string, start, end int64) ([]*Payment, error) {
	query := "SELECT " + paymentColumnsPrefixed + ` FROM payments p
		JOIN payment_sources ps ON ps.id = p.payment_source_id
		WHERE ps.network = $1 AND p.on_chain_state != ''
		AND p.pay_by_time >= $2 AND p.pay_by_time <= $3
		AND ($4::text IS NULL OR p.agent_identifier = $4)
		ORDER BY p.pay_by_time ASC`
	rows, err := r.client.QueryContext(ctx, query, network, start, end, agentIdentifier)
	if err != nil {
		return nil, fmt.Errorf("list payments for report: %w", err)
	}
	defer rows.Close()
	return scanPayments(rows)
}

// ClaimNext locks and returns the oldest (by next_action_last_changed_at)
// Payment row whose NextAction is one of actions, skipping any row
// already locked by a concurrent claimant -- the database-enforced half
// of the Dispatcher's at-most-one-writer invariant. Returns a NotFound
// ierr when no claimable row exists, which callers treat as "no work"
// rather than a failure.
func (r *PaymentRepository) ClaimNext(ctx context.Context, tx *Tx, actions []PaymentNextAction) (*Payment, error) {
	names := make([]string, len(actions))
	for i, a := range actions {
		names[i] = string(a)
	}
	query := "SELECT " + paymentColumns + ` FROM payments
		WHERE next_action = ANY($1)
		ORDER BY next_action_last_changed_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1`
	p, err := scanPayment(tx.Tx().QueryRowContext(ctx, query, pq.Array(names)))
	if err != nil {
		return nil, wrapNoRows(err, "no claimable payment")
	}
	return p, nil
}
