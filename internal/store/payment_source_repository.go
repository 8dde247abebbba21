package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PaymentSourceRepository handles payment_sources CRUD.
type PaymentSourceRepository struct {
	client *Client
}

func NewPaymentSourceRepository(client *Client) *PaymentSourceRepository {
	return &PaymentSourceRepository{client: client}
}

func (r *PaymentSourceRepository) Create(ctx context.Context, ps *PaymentSource) error {
	if ps.ID == uuid.Nil {
		ps.ID = uuid.New()
	}
	now := time.Now()
	ps.CreatedAt, ps.UpdatedAt = now, now

	query := `
		INSERT INTO payment_sources (
			id, network, smart_contract_address, policy_id, fee_rate_permille,
			rpc_provider_api_key, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := r.client.ExecContext(ctx, query,
		ps.ID, ps.Network, ps.SmartContractAddress, ps.PolicyID, ps.FeeRatePermille,
		ps.Config.RPCProviderAPIKey, ps.CreatedAt, ps.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create payment source: %w", err)
	}
	return nil
}

const paymentSourceColumns = `
	id, network, smart_contract_address, policy_id, fee_rate_permille,
	rpc_provider_api_key, deleted_at, created_at, updated_at`

func scanPaymentSource(scanner interface{ Scan(...interface{}) error }) (*PaymentSource, error) {
	ps := &PaymentSource{}
	err := scanner.Scan(
		&ps.ID, &ps.Network, &ps.SmartContractAddress, &ps.PolicyID, &ps.FeeRatePermille,
		&ps.Config.RPCProviderAPIKey, &ps.DeletedAt, &ps.CreatedAt, &ps.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return ps, nil
}

func (r *PaymentSourceRepository) Get(ctx context.Context, id uuid.UUID) (*PaymentSource, error) {
	query := "SELECT " + paymentSourceColumns + " FROM payment_sources WHERE id = $1"
	ps, err := scanPaymentSource(r.client.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, wrapNoRows(err, "payment source %s not found", id)
	}
	return ps, nil
}

// ByNetworkAndPolicy resolves the live PaymentSource for (network, policyId),
// the lookup CreatePayment/CreatePurchase perform on agentIdentifier[0:56].
func (r *PaymentSourceRepository) ByNetworkAndPolicy(ctx context.Context, network Network, policyID string) (*PaymentSource, error) {
	query := "SELECT " + paymentSourceColumns + ` FROM payment_sources
		WHERE network = $1 AND policy_id = $2 AND deleted_at IS NULL`
	ps, err := scanPaymentSource(r.client.QueryRowContext(ctx, query, network, policyID))
	if err != nil {
		return nil, wrapNoRows(err, "no payment source for network %s policyId %s", network, policyID)
	}
	return ps, nil
}

func (r *PaymentSourceRepository) ByNetworkAndAddress(ctx context.Context, network Network, smartContractAddress string) (*PaymentSource, error) {
	query := "SELECT " + paymentSourceColumns + ` FROM payment_sources
		WHERE network = $1 AND smart_contract_address = $2 AND deleted_at IS NULL`
	ps, err := scanPaymentSource(r.client.QueryRowContext(ctx, query, network, smartContractAddress))
	if err != nil {
		return nil, wrapNoRows(err, "no payment source for network %s address %s", network, smartContractAddress)
	}
	return ps, nil
}

// ListActive returns every non-deleted PaymentSource, used by the
// Reconciler to build its smart-contract-address watch list.
func (r *PaymentSourceRepository) ListActive(ctx context.Context) ([]*PaymentSource, error) {
	query := "SELECT " + paymentSourceColumns + " FROM payment_sources WHERE deleted_at IS NULL"
	rows, err := r.client.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list active payment sources: %w", err)
	}
	defer rows.Close()

	var out []*PaymentSource
	for rows.Next() {
		ps, err := scanPaymentSource(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment source: %w", err)
		}
		out = append(out, ps)
	}
	return out, rows.Err()
}

func (r *PaymentSourceRepository) SoftDelete(ctx context.Context, id uuid.UUID) error {
	now := time.Now()
	result, err := r.client.ExecContext(ctx,
		"UPDATE payment_sources SET deleted_at = $2, updated_at = $2 WHERE id = $1 AND deleted_at IS NULL",
		id, now)
	if err != nil {
		return fmt.Errorf("soft-delete payment source: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return wrapNoRows(sql.ErrNoRows, "payment source %s not found or already deleted", id)
	}
	return nil
}
