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

// RegistryRequestRepository handles registry_requests CRUD plus the
// Registration Lifecycle's Diff Feed cursor.
type RegistryRequestRepository struct {
	client *Client
}

func NewRegistryRequestRepository(client *Client) *RegistryRequestRepository {
	return &RegistryRequestRepository{client: client}
}

const registryRequestColumns = `
	id, state, agent_identifier, name, api_base_url, author_name, author_contact,
	author_org, legal_privacy, legal_terms, legal_other, capability, tags, image,
	metadata_version, pricing, smart_contract_wallet_id, payment_source_id,
	next_action_error, next_action_note,
	created_at, updated_at, next_action_last_changed_at,
	on_chain_state_or_result_last_changed`

func scanRegistryRequest(scanner interface{ Scan(...interface{}) error }) (*RegistryRequest, error) {
	rr := &RegistryRequest{}
	var tags, pricing []byte

	err := scanner.Scan(
		&rr.ID, &rr.State, &rr.AgentIdentifier, &rr.Name, &rr.APIBaseURL, &rr.AuthorName, &rr.AuthorContact,
		&rr.AuthorOrg, &rr.LegalPrivacy, &rr.LegalTerms, &rr.LegalOther, &rr.Capability, &tags, &rr.Image,
		&rr.MetadataVersion, &pricing, &rr.SmartContractWalletID, &rr.PaymentSourceID,
		&rr.NextActionError, &rr.NextActionNote,
		&rr.CreatedAt, &rr.UpdatedAt, &rr.NextActionLastChangedAt,
		&rr.OnChainStateOrResultLastChanged,
	)
	if err != nil {
		return nil, err
	}

	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &rr.Tags); err != nil {
			return nil, fmt.Errorf("unmarshal tags: %w", err)
		}
	}
	if err := json.Unmarshal(pricing, &rr.Pricing); err != nil {
		return nil, fmt.Errorf("unmarshal pricing: %w", err)
	}
	return rr, nil
}

func (r *RegistryRequestRepository) Create(ctx context.Context, tx *Tx, rr *RegistryRequest) error {
	if rr.ID == uuid.Nil {
		rr.ID = uuid.New()
	}
	now := time.Now()
	rr.CreatedAt, rr.UpdatedAt = now, now
	rr.NextActionLastChangedAt = now
	rr.OnChainStateOrResultLastChanged = now

	tagsJSON, err := marshalJSON(rr.Tags)
	if err != nil {
		return err
	}
	pricingJSON, err := marshalJSON(rr.Pricing)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO registry_requests (
			id, state, agent_identifier, name, api_base_url, author_name, author_contact,
			author_org, legal_privacy, legal_terms, legal_other, capability, tags, image,
			metadata_version, pricing, smart_contract_wallet_id, payment_source_id,
			next_action_error, next_action_note,
			created_at, updated_at, next_action_last_changed_at,
			on_chain_state_or_result_last_changed
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23, $24
		)`

	_, err = tx.Tx().ExecContext(ctx, query,
		rr.ID, rr.State, rr.AgentIdentifier, rr.Name, rr.APIBaseURL, rr.AuthorName, rr.AuthorContact,
		rr.AuthorOrg, rr.LegalPrivacy, rr.LegalTerms, rr.LegalOther, rr.Capability, tagsJSON, rr.Image,
		rr.MetadataVersion, pricingJSON, rr.SmartContractWalletID, rr.PaymentSourceID,
		rr.NextActionError, rr.NextActionNote,
		rr.CreatedAt, rr.UpdatedAt, rr.NextActionLastChangedAt,
		rr.OnChainStateOrResultLastChanged,
	)
	if err != nil {
		return fmt.Errorf("create registry request: %w", err)
	}
	return nil
}

func (r *RegistryRequestRepository) Get(ctx context.Context, id uuid.UUID) (*RegistryRequest, error) {
	query := "SELECT " + registryRequestColumns + " FROM registry_requests WHERE id = $1"
	rr, err := scanRegistryRequest(r.client.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, wrapNoRows(err, "registry request %s not found", id)
	}
	return rr, nil
}

// ByAgentIdentifier resolves the registration confirmed under
// agentIdentifier, used by GET /registry/agent-identifier.
func (r *RegistryRequestRepository) ByAgentIdentifier(ctx context.Context, agentIdentifier string) (*RegistryRequest, error) {
	query := "SELECT " + registryRequestColumns + " FROM registry_requests WHERE agent_identifier = $1"
	rr, err := scanRegistryRequest(r.client.QueryRowContext(ctx, query, agentIdentifier))
	if err != nil {
		return nil, wrapNoRows(err, "no registration for agentIdentifier %s", agentIdentifier)
	}
	return rr, nil
}

// ByWallet resolves the registration owned by smartContractWalletID, used
// by GET /registry/wallet.
func (r *RegistryRequestRepository) ByWallet(ctx context.Context, smartContractWalletID uuid.UUID) (*RegistryRequest, error) {
	query := "SELECT " + registryRequestColumns + " FROM registry_requests WHERE smart_contract_wallet_id = $1"
	rr, err := scanRegistryRequest(r.client.QueryRowContext(ctx, query, smartContractWalletID))
	if err != nil {
		return nil, wrapNoRows(err, "no registration for wallet %s", smartContractWalletID)
	}
	return rr, nil
}

func (r *RegistryRequestRepository) GetForUpdate(ctx context.Context, tx *Tx, id uuid.UUID) (*RegistryRequest, error) {
	query := "SELECT " + registryRequestColumns + " FROM registry_requests WHERE id = $1 FOR UPDATE"
	rr, err := scanRegistryRequest(tx.Tx().QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, wrapNoRows(err, "registry request %s not found", id)
	}
	return rr, nil
}

// UpdateState transitions state, optionally filling agentIdentifier (only
// legal at confirmation) and clearing or setting error fields.
func (r *RegistryRequestRepository) UpdateState(ctx context.Context, tx *Tx, id uuid.UUID, state RegistrationState, agentIdentifier *string, errorType *ErrorType, errorNote *string, now time.Time) error {
	_, err := tx.Tx().ExecContext(ctx, `
		UPDATE registry_requests SET
			state = $2, agent_identifier = COALESCE($3, agent_identifier),
			next_action_error = $4, next_action_note = $5,
			updated_at = $6, next_action_last_changed_at = $6,
			on_chain_state_or_result_last_changed = $6
		WHERE id = $1`,
		id, state, agentIdentifier, errorType, errorNote, now,
	)
	if err != nil {
		return fmt.Errorf("update registry request state: %w", err)
	}
	return nil
}

// Delete is only legal once the row has reached RegistrationFailed or
// DeregistrationConfirmed; callers must check that precondition before
// calling, since the repository does not re-derive state-machine legality.
func (r *RegistryRequestRepository) Delete(ctx context.Context, tx *Tx, id uuid.UUID) error {
	_, err := tx.Tx().ExecContext(ctx, "DELETE FROM registry_requests WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete registry request: %w", err)
	}
	return nil
}

// ClaimNext locks and returns the oldest-changed RegistryRequest sitting in
// one of states, the same FOR UPDATE SKIP LOCKED claim payment_repository.go
// and purchase_repository.go use so no two Dispatcher workers ever submit
// the same mint/burn twice.
func (r *RegistryRequestRepository) ClaimNext(ctx context.Context, tx *Tx, states []RegistrationState) (*RegistryRequest, error) {
	names := make([]string, len(states))
	for i, s := range states {
		names[i] = string(s)
	}
	query := "SELECT " + registryRequestColumns + ` FROM registry_requests
		WHERE state = ANY($1)
		ORDER BY next_action_last_changed_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1`
	rr, err := scanRegistryRequest(tx.Tx().QueryRowContext(ctx, query, pq.Array(names)))
	if err != nil {
		return nil, wrapNoRows(err, "no claimable registry request")
	}
	return rr, nil
}

func scanRegistryRequests(rows *sql.Rows) ([]*RegistryRequest, error) {
	var out []*RegistryRequest
	for rows.Next() {
		rr, err := scanRegistryRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan registry request: %w", err)
		}
		out = append(out, rr)
	}
	return out, rows.Err()
}

func (r *RegistryRequestRepository) ListSinceChanged(ctx context.Context, since time.Time, cursorID uuid.UUID, limit int) ([]*RegistryRequest, error) {
	query := "SELECT " + registryRequestColumns + `
		FROM registry_requests
		WHERE next_action_last_changed_at > $1 OR (next_action_last_changed_at = $1 AND id >= $2)
		ORDER BY next_action_last_changed_at ASC, id ASC
		LIMIT $3`
	rows, err := r.client.QueryContext(ctx, query, since, cursorID, limit)
	if err != nil {
		return nil, fmt.Errorf("list registry requests since cursor: %w", err)
	}
	defer rows.Close()
	return scanRegistryRequests(rows)
}
