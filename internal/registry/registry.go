// Package registry implements the Registration Lifecycle: the
// agent-registry NFT's create/deregister requests, applying the same
// single-serializable-transaction shape internal/orchestrator uses for
// Payment/Purchase creation to a simpler five-state machine. Submission
// itself -- minting or burning the NFT -- is the Action Dispatcher's job
// (internal/dispatcher's dispatchRegistration), the same division of labor
// the escrow entities use between Orchestrator and Dispatcher.
package registry

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/cardano-escrow/orchestrator/internal/ierr"
	"github.com/cardano-escrow/orchestrator/internal/statemachine"
	"github.com/cardano-escrow/orchestrator/internal/store"
)

// Registry wires the Store's repositories for the Registration Lifecycle's
// create/deregister/delete operations.
type Registry struct {
	client *store.Client
	repos  *store.Repositories
}

// New builds a Registry against the given Store.
func New(client *store.Client, repos *store.Repositories) *Registry {
	return &Registry{client: client, repos: repos}
}

// CreateInput is the agent registration draft submitted for minting.
type CreateInput struct {
	PaymentSourceID       uuid.UUID
	SmartContractWalletID uuid.UUID

	Name            string
	APIBaseURL      string
	AuthorName      string
	AuthorContact   string
	AuthorOrg       string
	LegalPrivacy    string
	LegalTerms      string
	LegalOther      string
	Capability      string
	Tags            []string
	Image           string
	MetadataVersion int
	Pricing         store.Pricing
}

// validatePricing enforces the same 1..7-entry Fixed-pricing invariant
// internal/orchestrator.fixedPricingToUnitValues applies to Payment and
// Purchase, plus Free pricing's matching emptiness rule.
func validatePricing(p store.Pricing) error {
	switch p.PricingType {
	case store.PricingFree:
		if len(p.FixedPricing) != 0 {
			return ierr.InvalidArgumentf("Free pricing must not carry fixedPricing entries")
		}
	case store.PricingFixed:
		if len(p.FixedPricing) == 0 || len(p.FixedPricing) > 7 {
			return ierr.InvalidArgumentf("Fixed pricing must list 1..7 entries, got %d", len(p.FixedPricing))
		}
		for _, fp := range p.FixedPricing {
			if _, err := store.ParseBigInt(fp.Amount); err != nil {
				return ierr.InvalidArgumentf("fixed pricing amount %q: %v", fp.Amount, err)
			}
		}
	default:
		return ierr.InvalidArgumentf("unknown pricing type %q", p.PricingType)
	}
	return nil
}

// Create validates the owning PaymentSource/HotWallet and materializes a
// RegistryRequest in RegistrationRequested, the state the Action Dispatcher
// drains to mint the backing NFT. agentIdentifier is left nil until the
// Dispatcher's mint confirms (§4.7).
func (r *Registry) Create(ctx context.Context, in CreateInput) (*store.RegistryRequest, error) {
	if err := validatePricing(in.Pricing); err != nil {
		return nil, err
	}
	if _, err := r.repos.PaymentSources.Get(ctx, in.PaymentSourceID); err != nil {
		return nil, err
	}
	wallet, err := r.repos.HotWallets.Get(ctx, in.SmartContractWalletID)
	if err != nil {
		return nil, err
	}
	if wallet.PaymentSourceID != in.PaymentSourceID {
		return nil, ierr.InvalidArgumentf("hot wallet %s does not belong to payment source %s", wallet.ID, in.PaymentSourceID)
	}
	if wallet.Type != store.WalletSelling {
		return nil, ierr.InvalidArgumentf("hot wallet %s is not a Selling wallet", wallet.ID)
	}
	if !wallet.IsUsable() {
		return nil, ierr.NotFoundf("hot wallet %s has been removed", wallet.ID)
	}

	rr := &store.RegistryRequest{
		State:                 store.RegistrationRequested,
		Name:                  in.Name,
		APIBaseURL:            in.APIBaseURL,
		AuthorName:            in.AuthorName,
		AuthorContact:         in.AuthorContact,
		AuthorOrg:             in.AuthorOrg,
		LegalPrivacy:          in.LegalPrivacy,
		LegalTerms:            in.LegalTerms,
		LegalOther:            in.LegalOther,
		Capability:            in.Capability,
		Tags:                  in.Tags,
		Image:                 in.Image,
		MetadataVersion:       in.MetadataVersion,
		Pricing:               in.Pricing,
		SmartContractWalletID: in.SmartContractWalletID,
		PaymentSourceID:       in.PaymentSourceID,
	}

	tx, err := r.client.BeginSerializable(ctx)
	if err != nil {
		return nil, ierr.Internalf("begin transaction: %v", err)
	}
	if err := r.repos.RegistryRequests.Create(ctx, tx, rr); err != nil {
		tx.Rollback()
		return nil, ierr.Internalf("create registry request: %v", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, ierr.Internalf("commit create registry request: %v", err)
	}
	return rr, nil
}

// Deregister transitions a RegistrationConfirmed row to
// DeregistrationRequested, the state the Dispatcher drains to burn the
// NFT. Any other current state is a PreconditionFailed.
func (r *Registry) Deregister(ctx context.Context, id uuid.UUID) (*store.RegistryRequest, error) {
	tx, err := r.client.BeginSerializable(ctx)
	if err != nil {
		return nil, ierr.Internalf("begin transaction: %v", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	rr, err := r.repos.RegistryRequests.GetForUpdate(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if !statemachine.IsLegalRegistrationTransition(rr.State, store.DeregistrationRequested) {
		return nil, ierr.PreconditionFailedf("registry request %s is %s, cannot deregister", id, rr.State)
	}

	now := time.Now()
	if err := r.repos.RegistryRequests.UpdateState(ctx, tx, id, store.DeregistrationRequested, nil, nil, nil, now); err != nil {
		return nil, ierr.Internalf("update registry request state: %v", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, ierr.Internalf("commit deregister: %v", err)
	}
	committed = true

	rr.State = store.DeregistrationRequested
	rr.NextActionLastChangedAt = now
	return rr, nil
}

// Delete removes a terminal RegistryRequest (RegistrationFailed or
// DeregistrationConfirmed) from the local store, per §4.7's delete-only-
// when-terminal rule.
func (r *Registry) Delete(ctx context.Context, id uuid.UUID) error {
	tx, err := r.client.BeginSerializable(ctx)
	if err != nil {
		return ierr.Internalf("begin transaction: %v", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	rr, err := r.repos.RegistryRequests.GetForUpdate(ctx, tx, id)
	if err != nil {
		return err
	}
	if !statemachine.RegistrationDeletable(rr.State) {
		return ierr.PreconditionFailedf("registry request %s is %s, not deletable", id, rr.State)
	}
	if err := r.repos.RegistryRequests.Delete(ctx, tx, id); err != nil {
		return ierr.Internalf("delete registry request: %v", err)
	}
	if err := tx.Commit(); err != nil {
		return ierr.Internalf("commit delete: %v", err)
	}
	committed = true
	return nil
}

// ByAgentIdentifier resolves the confirmed registration backing
// agentIdentifier, used by GET /registry/agent-identifier.
func (r *Registry) ByAgentIdentifier(ctx context.Context, agentIdentifier string) (*store.RegistryRequest, error) {
	return r.repos.RegistryRequests.ByAgentIdentifier(ctx, agentIdentifier)
}

// ByWallet resolves the registration owned by a SmartContractWallet, used
// by GET /registry/wallet.
func (r *Registry) ByWallet(ctx context.Context, walletID uuid.UUID) (*store.RegistryRequest, error) {
	return r.repos.RegistryRequests.ByWallet(ctx, walletID)
}
