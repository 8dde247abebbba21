package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ActionRecordRepository handles the action_records archive table: every
// past NextAction attempt for a Payment or Purchase, keyed through the two
// join tables.
type ActionRecordRepository struct {
	client *Client
}

func NewActionRecordRepository(client *Client) *ActionRecordRepository {
	return &ActionRecordRepository{client: client}
}

// Create inserts an ActionRecord within tx.
func (r *ActionRecordRepository) Create(ctx context.Context, tx *Tx, a *ActionRecord) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.CreatedAt = time.Now()

	_, err := tx.Tx().ExecContext(ctx, `
		INSERT INTO action_records (id, requested_action, error_type, error_note, result_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.RequestedAction, a.ErrorType, a.ErrorNote, a.ResultHash, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create action record: %w", err)
	}
	return nil
}

func (r *ActionRecordRepository) LinkToPayment(ctx context.Context, tx *Tx, paymentID, actionRecordID uuid.UUID) error {
	_, err := tx.Tx().ExecContext(ctx,
		"INSERT INTO payment_action_history (payment_id, action_record_id) VALUES ($1, $2) ON CONFLICT DO NOTHING",
		paymentID, actionRecordID)
	if err != nil {
		return fmt.Errorf("link action record to payment: %w", err)
	}
	return nil
}

func (r *ActionRecordRepository) LinkToPurchase(ctx context.Context, tx *Tx, purchaseID, actionRecordID uuid.UUID) error {
	_, err := tx.Tx().ExecContext(ctx,
		"INSERT INTO purchase_action_history (purchase_id, action_record_id) VALUES ($1, $2) ON CONFLICT DO NOTHING",
		purchaseID, actionRecordID)
	if err != nil {
		return fmt.Errorf("link action record to purchase: %w", err)
	}
	return nil
}
