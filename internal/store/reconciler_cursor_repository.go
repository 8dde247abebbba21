package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ReconcilerCursorRepository persists the Reconciler's two scan cursors
// (one per entity kind) across restarts. Each cursor is a (timestamp, id)
// pair: the timestamp orders the scan and the id breaks ties within the
// same timestamp, the same tie-break shape the Diff Feed cursors use.
type ReconcilerCursorRepository struct {
	client *Client
}

func NewReconcilerCursorRepository(client *Client) *ReconcilerCursorRepository {
	return &ReconcilerCursorRepository{client: client}
}

// EntityKind names which of the Reconciler's two independent scans a
// cursor belongs to.
type EntityKind string

const (
	EntityKindPayment  EntityKind = "payment"
	EntityKindPurchase EntityKind = "purchase"
)

// Cursor is a single (timestamp, id) position in an entity's change feed.
type Cursor struct {
	Timestamp time.Time
	ID        uuid.UUID
}

// Get returns the persisted cursor for kind, or the zero Cursor if none
// has been recorded yet -- the Reconciler's first cycle scans from the
// beginning of time.
func (r *ReconcilerCursorRepository) Get(ctx context.Context, kind EntityKind) (Cursor, error) {
	var c Cursor
	err := r.client.QueryRowContext(ctx,
		"SELECT cursor_ts, cursor_id FROM reconciler_cursors WHERE entity_kind = $1", kind,
	).Scan(&c.Timestamp, &c.ID)
	if err == sql.ErrNoRows {
		return Cursor{}, nil
	}
	if err != nil {
		return Cursor{}, fmt.Errorf("get reconciler cursor %s: %w", kind, err)
	}
	return c, nil
}

// Advance upserts the cursor for kind within tx, participating in the
// same transaction as the batch of row writes it gates -- the Reconciler
// never advances a cursor except alongside the batch commit that
// justifies it.
func (r *ReconcilerCursorRepository) Advance(ctx context.Context, tx *Tx, kind EntityKind, c Cursor) error {
	_, err := tx.Tx().ExecContext(ctx, `
		INSERT INTO reconciler_cursors (entity_kind, cursor_ts, cursor_id, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (entity_kind) DO UPDATE SET
			cursor_ts = EXCLUDED.cursor_ts, cursor_id = EXCLUDED.cursor_id, updated_at = now()`,
		kind, c.Timestamp, c.ID,
	)
	if err != nil {
		return fmt.Errorf("advance reconciler cursor %s: %w", kind, err)
	}
	return nil
}
