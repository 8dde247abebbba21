// Package orchestrator implements the escrow Orchestrator: the
// create/modify request contracts that each run as a single serializable
// database transaction, the way pkg/execution/unified_orchestrator.go
// resolves dependencies and validates preconditions before committing
// through the database layer.
package orchestrator

import (
	"context"
	"time"

	"github.com/cardano-escrow/orchestrator/internal/chainadapter"
	"github.com/cardano-escrow/orchestrator/internal/creditmeter"
	"github.com/cardano-escrow/orchestrator/internal/idcodec"
	"github.com/cardano-escrow/orchestrator/internal/ierr"
	"github.com/cardano-escrow/orchestrator/internal/store"
)

const (
	minPayByLead           = 5 * time.Minute
	minSubmitResultLead    = 15 * time.Minute
	minUnlockLead          = 15 * time.Minute
	minExternalDisputeLead = 15 * time.Minute

	defaultUnlockOffset          = 6 * time.Hour
	defaultExternalDisputeOffset = 12 * time.Hour
)

// Orchestrator wires the Store's repositories to the ChainAdapter, Signer,
// and credit Meter collaborators, and implements Create{Payment,Purchase},
// the guarded refund/result transitions, and ErrorStateRecovery.
type Orchestrator struct {
	client *store.Client
	repos  *store.Repositories
	chain  chainadapter.Adapter
	signer idcodec.Signer
	meter  creditmeter.Meter
}

// New builds an Orchestrator against the given collaborators.
func New(client *store.Client, repos *store.Repositories, chain chainadapter.Adapter, signer idcodec.Signer, meter creditmeter.Meter) *Orchestrator {
	return &Orchestrator{client: client, repos: repos, chain: chain, signer: signer, meter: meter}
}

// timeWindow holds the four CreatePayment/CreatePurchase timestamps after
// defaulting. All values are unix seconds, not the milliseconds §3 names
// as the default unit -- a deliberate, repo-wide deviation recorded in
// DESIGN.md's Open Question decisions, not an oversight: every producer
// and consumer of these four fields (this window check, the stored
// Payment/Purchase columns, and internal/earnings's bucketing) agrees on
// seconds, so no two components can disagree about what a given int64
// means.
type timeWindow struct {
	payByTime                 int64
	submitResultTime          int64
	unlockTime                int64
	externalDisputeUnlockTime int64
}

// resolveTimeWindow fills in UnlockTime/ExternalDisputeUnlockTime defaults
// (when the caller passed zero) and checks the five inequalities shared by
// CreatePayment and CreatePurchase. now is injected so tests can pin it.
func resolveTimeWindow(now time.Time, payByTime, submitResultTime, unlockTime, externalDisputeUnlockTime int64) (timeWindow, error) {
	if unlockTime == 0 {
		unlockTime = submitResultTime + int64(defaultUnlockOffset/time.Second)
	}
	if externalDisputeUnlockTime == 0 {
		externalDisputeUnlockTime = submitResultTime + int64(defaultExternalDisputeOffset/time.Second)
	}

	w := timeWindow{payByTime, submitResultTime, unlockTime, externalDisputeUnlockTime}
	nowUnix := now.Unix()

	if payByTime > submitResultTime-int64(minSubmitResultLead/time.Second) {
		return w, ierr.InvalidArgumentf("payByTime must be at least %s before submitResultTime", minSubmitResultLead)
	}
	if payByTime < nowUnix-int64(minPayByLead/time.Second) {
		return w, ierr.InvalidArgumentf("payByTime is too far in the past")
	}
	if submitResultTime < nowUnix+int64(minSubmitResultLead/time.Second) {
		return w, ierr.InvalidArgumentf("submitResultTime must be at least %s from now", minSubmitResultLead)
	}
	if submitResultTime > unlockTime-int64(minUnlockLead/time.Second) {
		return w, ierr.InvalidArgumentf("submitResultTime must be at least %s before unlockTime", minUnlockLead)
	}
	if externalDisputeUnlockTime < unlockTime+int64(minExternalDisputeLead/time.Second) {
		return w, ierr.InvalidArgumentf("externalDisputeUnlockTime must be at least %s after unlockTime", minExternalDisputeLead)
	}
	return w, nil
}

// policyID returns the 56-hex-char policy-id prefix of an agentIdentifier,
// validating the minimum length the wire format requires.
func policyID(agentIdentifier string) (string, error) {
	if len(agentIdentifier) < 57 {
		return "", ierr.InvalidArgumentf("agentIdentifier must be at least 57 hex chars, got %d", len(agentIdentifier))
	}
	return agentIdentifier[:56], nil
}

// fixedPricingToUnitValues converts an agent's on-chain Fixed pricing list
// into the RequestedFunds/PaidFunds shape persisted against a Payment or
// Purchase, validating the 1..7 entry count §3 requires.
func fixedPricingToUnitValues(fixed []store.FixedPricingAmount) ([]store.UnitValue, error) {
	if len(fixed) == 0 || len(fixed) > 7 {
		return nil, ierr.InvalidArgumentf("fixed pricing must list 1..7 entries, got %d", len(fixed))
	}
	out := make([]store.UnitValue, len(fixed))
	for i, fp := range fixed {
		amount, err := store.ParseBigInt(fp.Amount)
		if err != nil {
			return nil, ierr.InvalidArgumentf("fixed pricing amount %q: %v", fp.Amount, err)
		}
		out[i] = store.UnitValue{Unit: fp.Unit, Amount: amount}
	}
	return out, nil
}

// resolveSellingWallet fetches the asset holder from the chain and the
// owning PaymentSource's matching HotWallet, enforcing the HotWallet
// selection invariant: the wallet must be live (not soft-deleted) and
// typed Selling, and must belong to the resolved PaymentSource.
func (o *Orchestrator) resolveSellingWallet(ctx context.Context, ps *store.PaymentSource, agentIdentifier string) (*chainadapter.AssetHolder, *store.HotWallet, error) {
	holder, err := o.chain.AssetHolder(ctx, agentIdentifier)
	if err != nil {
		return nil, nil, err
	}
	if !holder.IsSellingWallet {
		return nil, nil, ierr.NotFoundf("agentIdentifier %q is not held by a selling wallet", agentIdentifier)
	}

	wallet, err := o.repos.HotWallets.ByVkeyAndSource(ctx, holder.SellerWalletVkey, ps.ID)
	if err != nil {
		return nil, nil, err
	}
	if !wallet.IsUsable() {
		return nil, nil, ierr.NotFoundf("hot wallet for vkey %s has been removed", holder.SellerWalletVkey)
	}
	if wallet.Type != store.WalletSelling {
		return nil, nil, ierr.NotFoundf("hot wallet for vkey %s is not a Selling wallet", holder.SellerWalletVkey)
	}
	return holder, wallet, nil
}
