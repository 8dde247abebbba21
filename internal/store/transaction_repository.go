package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// TransactionRepository handles the shared transactions table and the two
// join tables (payment/purchase transaction history) linking rows back to
// their owning escrow.
type TransactionRepository struct {
	client *Client
}

func NewTransactionRepository(client *Client) *TransactionRepository {
	return &TransactionRepository{client: client}
}

const transactionColumns = `
	id, tx_hash, status, fees_lovelace, block_height, block_time,
	previous_on_chain_state, new_on_chain_state, confirmations,
	collateral_return_lovelace, created_at, updated_at`

const transactionColumnsAliased = `
	t.id, t.tx_hash, t.status, t.fees_lovelace, t.block_height, t.block_time,
	t.previous_on_chain_state, t.new_on_chain_state, t.confirmations,
	t.collateral_return_lovelace, t.created_at, t.updated_at`

func scanTransaction(scanner interface{ Scan(...interface{}) error }) (*Transaction, error) {
	t := &Transaction{}
	err := scanner.Scan(
		&t.ID, &t.TxHash, &t.Status, &t.FeesLovelace, &t.BlockHeight, &t.BlockTime,
		&t.PreviousOnChainState, &t.NewOnChainState, &t.Confirmations,
		&t.CollateralReturnLovelace, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Create inserts a Transaction row within tx. Callers pass the
// transaction so the insert participates in the same serializable
// operation that updates the owning Payment/Purchase.
func (r *TransactionRepository) Create(ctx context.Context, tx *Tx, t *Transaction) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	now := time.Now()
	t.CreatedAt, t.UpdatedAt = now, now

	query := `
		INSERT INTO transactions (
			id, tx_hash, status, fees_lovelace, block_height, block_time,
			previous_on_chain_state, new_on_chain_state, confirmations,
			collateral_return_lovelace, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := tx.Tx().ExecContext(ctx, query,
		t.ID, t.TxHash, t.Status, t.FeesLovelace, t.BlockHeight, t.BlockTime,
		t.PreviousOnChainState, t.NewOnChainState, t.Confirmations,
		t.CollateralReturnLovelace, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create transaction: %w", err)
	}
	return nil
}

func (r *TransactionRepository) Get(ctx context.Context, id uuid.UUID) (*Transaction, error) {
	query := "SELECT " + transactionColumns + " FROM transactions WHERE id = $1"
	t, err := scanTransaction(r.client.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, wrapNoRows(err, "transaction %s not found", id)
	}
	return t, nil
}

// MarkFailedViaManualReset is used by ErrorStateRecovery step 2: every
// Pending transaction newer than the chosen predecessor is failed.
func (r *TransactionRepository) MarkFailedViaManualReset(ctx context.Context, tx *Tx, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	now := time.Now()
	_, err := tx.Tx().ExecContext(ctx,
		"UPDATE transactions SET status = $1, updated_at = $2 WHERE id = ANY($3)",
		TxFailedViaManualReset, now, pq.Array(uuidStrings(ids)))
	if err != nil {
		return fmt.Errorf("mark transactions failed-via-manual-reset: %w", err)
	}
	return nil
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

// LinkToPayment records a Transaction in a Payment's TransactionHistory.
func (r *TransactionRepository) LinkToPayment(ctx context.Context, tx *Tx, paymentID, transactionID uuid.UUID) error {
	_, err := tx.Tx().ExecContext(ctx,
		"INSERT INTO payment_transaction_history (payment_id, transaction_id) VALUES ($1, $2) ON CONFLICT DO NOTHING",
		paymentID, transactionID)
	if err != nil {
		return fmt.Errorf("link transaction to payment: %w", err)
	}
	return nil
}

// LinkToPurchase records a Transaction in a Purchase's TransactionHistory.
func (r *TransactionRepository) LinkToPurchase(ctx context.Context, tx *Tx, purchaseID, transactionID uuid.UUID) error {
	_, err := tx.Tx().ExecContext(ctx,
		"INSERT INTO purchase_transaction_history (purchase_id, transaction_id) VALUES ($1, $2) ON CONFLICT DO NOTHING",
		purchaseID, transactionID)
	if err != nil {
		return fmt.Errorf("link transaction to purchase: %w", err)
	}
	return nil
}

// PaymentHistory returns every Transaction ever linked to paymentID, most
// recent first -- the set ErrorStateRecovery scans for its predecessor
// pick.
func (r *TransactionRepository) PaymentHistory(ctx context.Context, paymentID uuid.UUID) ([]*Transaction, error) {
	query := "SELECT " + transactionColumnsAliased + `
		FROM transactions t
		JOIN payment_transaction_history h ON h.transaction_id = t.id
		WHERE h.payment_id = $1
		ORDER BY t.created_at DESC`
	return r.scanHistory(ctx, query, paymentID)
}

// PurchaseHistory is PaymentHistory's Purchase-side mirror.
func (r *TransactionRepository) PurchaseHistory(ctx context.Context, purchaseID uuid.UUID) ([]*Transaction, error) {
	query := "SELECT " + transactionColumnsAliased + `
		FROM transactions t
		JOIN purchase_transaction_history h ON h.transaction_id = t.id
		WHERE h.purchase_id = $1
		ORDER BY t.created_at DESC`
	return r.scanHistory(ctx, query, purchaseID)
}

func (r *TransactionRepository) scanHistory(ctx context.Context, query string, id uuid.UUID) ([]*Transaction, error) {
	rows, err := r.client.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("query transaction history: %w", err)
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
