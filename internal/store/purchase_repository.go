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

// PurchaseRepository is the buyer-side mirror of PaymentRepository.
type PurchaseRepository struct {
	client *Client
}

func NewPurchaseRepository(client *Client) *PurchaseRepository {
	return &PurchaseRepository{client: client}
}

const purchaseColumns = `
	id, blockchain_identifier, agent_identifier, input_hash,
	pay_by_time, submit_result_time, unlock_time, external_dispute_unlock_time,
	paid_funds, on_chain_state, next_action, next_action_error, next_action_note,
	current_transaction_id, withdrawn_for_seller, withdrawn_for_buyer,
	total_seller_cardano_fees, total_buyer_cardano_fees,
	payment_source_id, seller_wallet_vkey, smart_contract_wallet_id,
	requested_by_id, metadata,
	created_at, updated_at, next_action_last_changed_at,
	on_chain_state_or_result_last_changed_at,
	next_action_or_on_chain_state_or_result_last_changed`

func scanPurchase(scanner interface{ Scan(...interface{}) error }) (*Purchase, error) {
	p := &Purchase{}
	var paidFunds, withdrawnSeller, withdrawnBuyer []byte
	var metadata []byte

	err := scanner.Scan(
		&p.ID, &p.BlockchainIdentifier, &p.AgentIdentifier, &p.InputHash,
		&p.PayByTime, &p.SubmitResultTime, &p.UnlockTime, &p.ExternalDisputeUnlockTime,
		&paidFunds, &p.OnChainState, &p.NextAction, &p.NextActionError, &p.NextActionNote,
		&p.CurrentTransactionID, &withdrawnSeller, &withdrawnBuyer,
		&p.TotalSellerCardanoFees, &p.TotalBuyerCardanoFees,
		&p.PaymentSourceID, &p.SellerWalletVkey, &p.SmartContractWalletID,
		&p.RequestedByID, &metadata,
		&p.CreatedAt, &p.UpdatedAt, &p.NextActionLastChangedAt,
		&p.OnChainStateOrResultLastChangedAt,
		&p.NextActionOrOnChainStateOrResultLastChanged,
	)
	if err != nil {
		return nil, err
	}

	if p.PaidFunds, err = unmarshalUnitValues(paidFunds); err != nil {
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

// Create inserts a new Purchase within tx. The caller must have already
// checked for an existing row with the same blockchainIdentifier (the
// AlreadyExists idempotency contract needs the existing record back,
// which a bare unique-constraint violation cannot supply).
func (r *PurchaseRepository) Create(ctx context.Context, tx *Tx, p *Purchase) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := time.Now()
	p.CreatedAt, p.UpdatedAt = now, now
	p.NextActionLastChangedAt = now
	p.OnChainStateOrResultLastChangedAt = now
	p.NextActionOrOnChainStateOrResultLastChanged = now

	paidFunds, err := marshalJSON(nonNilUnitValues(p.PaidFunds))
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
		INSERT INTO purchases (
			id, blockchain_identifier, agent_identifier, input_hash,
			pay_by_time, submit_result_time, unlock_time, external_dispute_unlock_time,
			paid_funds, on_chain_state, next_action, next_action_error, next_action_note,
			current_transaction_id, withdrawn_for_seller, withdrawn_for_buyer,
			total_seller_cardano_fees, total_buyer_cardano_fees,
			payment_source_id, seller_wallet_vkey, smart_contract_wallet_id,
			requested_by_id, metadata,
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
		paidFunds, p.OnChainState, p.NextAction, p.NextActionError, p.NextActionNote,
		p.CurrentTransactionID, withdrawnSeller, withdrawnBuyer,
		p.TotalSellerCardanoFees, p.TotalBuyerCardanoFees,
		p.PaymentSourceID, p.SellerWalletVkey, p.SmartContractWalletID,
		p.RequestedByID, nullableMetadata(p.Metadata),
		p.CreatedAt, p.UpdatedAt, p.NextActionLastChangedAt,
		p.OnChainStateOrResultLastChangedAt,
		p.NextActionOrOnChainStateOrResultLastChanged,
	)
	if err != nil {
		return fmt.Errorf("create purchase: %w", err)
	}
	return nil
}

func (r *PurchaseRepository) Get(ctx context.Context, id uuid.UUID) (*Purchase, error) {
	query := "SELECT " + purchaseColumns + " FROM purchases WHERE id = $1"
	p, err := scanPurchase(r.client.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, wrapNoRows(err, "purchase %s not found", id)
	}
	return p, nil
}

// ByBlockchainIdentifier backs CreatePurchase's AlreadyExists idempotency
// check: it must hand the existing record back to the caller, not just
// report a conflict.
func (r *PurchaseRepository) ByBlockchainIdentifier(ctx context.Context, blockchainIdentifier string) (*Purchase, error) {
	query := "SELECT " + purchaseColumns + " FROM purchases WHERE blockchain_identifier = $1"
	p, err := scanPurchase(r.client.QueryRowContext(ctx, query, blockchainIdentifier))
	if err != nil {
		return nil, wrapNoRows(err, "purchase %s not found", blockchainIdentifier)
	}
	return p, nil
}

func (r *PurchaseRepository) GetForUpdate(ctx context.Context, tx *Tx, id uuid.UUID) (*Purchase, error) {
	query := "SELECT " + purchaseColumns + " FROM purchases WHERE id = $1 FOR UPDATE"
	p, err := scanPurchase(tx.Tx().QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, wrapNoRows(err, "purchase %s not found", id)
	}
	return p, nil
}

func (r *PurchaseRepository) UpdateNextAction(ctx context.Context, tx *Tx, id uuid.UUID, action PurchaseNextAction, errorType *ErrorType, errorNote *string, now time.Time) error {
	_, err := tx.Tx().ExecContext(ctx, `
		UPDATE purchases SET
			next_action = $2, next_action_error = $3, next_action_note = $4,
			updated_at = $5, next_action_last_changed_at = $5,
			next_action_or_on_chain_state_or_result_last_changed = $5
		WHERE id = $1`,
		id, action, errorType, errorNote, now,
	)
	if err != nil {
		return fmt.Errorf("update purchase next action: %w", err)
	}
	return nil
}

func (r *PurchaseRepository) ApplyObservedTransaction(ctx context.Context, tx *Tx, id uuid.UUID, newState OnChainState, currentTransactionID uuid.UUID, withdrawnForSeller, withdrawnForBuyer []UnitValue, now time.Time) error {
	sellerJSON, err := marshalJSON(nonNilUnitValues(withdrawnForSeller))
	if err != nil {
		return err
	}
	buyerJSON, err := marshalJSON(nonNilUnitValues(withdrawnForBuyer))
	if err != nil {
		return err
	}

	_, err = tx.Tx().ExecContext(ctx, `
		UPDATE purchases SET
			on_chain_state = $2, current_transaction_id = $3,
			withdrawn_for_seller = $4, withdrawn_for_buyer = $5,
			updated_at = $6, on_chain_state_or_result_last_changed_at = $6,
			next_action_or_on_chain_state_or_result_last_changed = $6
		WHERE id = $1`,
		id, newState, currentTransactionID, sellerJSON, buyerJSON, now,
	)
	if err != nil {
		return fmt.Errorf("apply observed transaction to purchase: %w", err)
	}
	return nil
}

func (r *PurchaseRepository) SetCurrentTransaction(ctx context.Context, tx *Tx, id uuid.UUID, currentTransactionID *uuid.UUID, now time.Time) error {
	_, err := tx.Tx().ExecContext(ctx,
		"UPDATE purchases SET current_transaction_id = $2, updated_at = $3 WHERE id = $1",
		id, currentTransactionID, now,
	)
	if err != nil {
		return fmt.Errorf("set purchase current transaction: %w", err)
	}
	return nil
}

func (r *PurchaseRepository) ListByPaymentSource(ctx context.Context, paymentSourceID uuid.UUID) ([]*Purchase, error) {
	query := "SELECT " + purchaseColumns + " FROM purchases WHERE payment_source_id = $1"
	rows, err := r.client.QueryContext(ctx, query, paymentSourceID)
	if err != nil {
		return nil, fmt.Errorf("list purchases by payment source: %w", err)
	}
	defer rows.Close()
	return scanPurchases(rows)
}

func scanPurchases(rows *sql.Rows) ([]*Purchase, error) {
	var out []*Purchase
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, fmt.Errorf("scan purchase: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *PurchaseRepository) ListSinceNextActionChanged(ctx context.Context, since time.Time, cursorID uuid.UUID, limit int) ([]*Purchase, error) {
	return r.listSince(ctx, "next_action_last_changed_at", since, cursorID, limit)
}

func (r *PurchaseRepository) ListSinceStateOrResultChanged(ctx context.Context, since time.Time, cursorID uuid.UUID, limit int) ([]*Purchase, error) {
	return r.listSince(ctx, "on_chain_state_or_result_last_changed_at", since, cursorID, limit)
}

func (r *PurchaseRepository) ListSinceCombinedChanged(ctx context.Context, since time.Time, cursorID uuid.UUID, limit int) ([]*Purchase, error) {
	return r.listSince(ctx, "next_action_or_on_chain_state_or_result_last_changed", since, cursorID, limit)
}

func (r *PurchaseRepository) listSince(ctx context.Context, column string, since time.Time, cursorID uuid.UUID, limit int) ([]*Purchase, error) {
	query := "SELECT " + purchaseColumns + fmt.Sprintf(` FROM purchases
		WHERE %s > $1 OR (%s = $1 AND id >= $2)
		ORDER BY %s ASC, id ASC
		LIMIT $3`, column, column, column)
	rows, err := r.client.QueryContext(ctx, query, since, cursorID, limit)
	if err != nil {
		return nil, fmt.Errorf("list purchases since cursor: %w", err)
	}
	defer rows.Close()
	return scanPurchases(rows)
}

const purchaseColumnsPrefixed = `
	p.id, p.blockchain_identifier, p.agent_identifier, p.input_hash,
	p.pay_by_time, p.submit_result_time, p.unlock_time, p.external_dispute_unlock_time,
	p.paid_funds, p.on_chain_state, p.next_action, p.next_action_error, p.next_action_note,
	p.current_transaction_id, p.withdrawn_for_seller, p.withdrawn_for_buyer,
	p.total_seller_cardano_fees, p.total_buyer_cardano_fees,
	p.payment_source_id, p.seller_wallet_vkey, p.smart_contract_wallet_id,
	p.requested_by_id, p.metadata,
	p.created_at, p.updated_at, p.next_action_last_changed_at,
	p.on_chain_state_or_result_last_changed_at,
	p.next_action_or_on_chain_state_or_result_last_changed`

// ListForReport is ListForReport's Purchase-side mirror, the Spending
// aggregator's (§4.8) source query.
func (r *PurchaseRepository) ListForReport(ctx context.Context, network Network, agentIdentifier *string, start, end int64) ([]*Purchase, error) {
	query := "SELECT " + purchaseColumnsPrefixed + ` FROM purchases p
		JOIN payment_sources ps ON ps.id = p.payment_source_id
		WHERE ps.network = $1 AND p.on_chain_state != ''
		AND p.pay_by_time >= $2 AND p.pay_by_time <= $3
		AND ($4::text IS NULL OR p.agent_identifier = $4)
		ORDER BY p.pay_by_time ASC`
	rows, err := r.client.QueryContext(ctx, query, network, start, end, agentIdentifier)
	if err != nil {
		return nil, fmt.Errorf("list purchases for report: %w", err)
	}
	defer rows.Close()
	return scanPurchases(rows)
}

// ClaimNext is PaymentRepository.ClaimNext's Purchase-side mirror.
func (r *PurchaseRepository) ClaimNext(ctx context.Context, tx *Tx, actions []PurchaseNextAction) (*Purchase, error) {
	names := make([]string, len(actions))
	for i, a := range actions {
		names[i] = string(a)
	}
	query := "SELECT " + purchaseColumns + ` FROM purchases
		WHERE next_action = ANY($1)
		ORDER BY next_action_last_changed_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1`
	p, err := scanPurchase(tx.Tx().QueryRowContext(ctx, query, pq.Array(names)))
	if err != nil {
		return nil, wrapNoRows(err, "no claimable purchase")
	}
	return p, nil
}
