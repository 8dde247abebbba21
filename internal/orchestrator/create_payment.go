package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cardano-escrow/orchestrator/internal/chainadapter"
	"github.com/cardano-escrow/orchestrator/internal/idcodec"
	"github.com/cardano-escrow/orchestrator/internal/ierr"
	"github.com/cardano-escrow/orchestrator/internal/store"
)

// CreatePaymentInput is the seller-side create request.
type CreatePaymentInput struct {
	Network                 store.Network
	AgentIdentifier         string
	InputHash               string
	IdentifierFromPurchaser string

	PayByTime                 int64
	SubmitResultTime          int64
	UnlockTime                int64 // 0 defaults to SubmitResultTime + 6h
	ExternalDisputeUnlockTime int64 // 0 defaults to SubmitResultTime + 12h

	Metadata json.RawMessage
}

// CreatePayment resolves the selling agent's PaymentSource and HotWallet,
// validates its on-chain pricing, mints a signed blockchainIdentifier, and
// persists the new Payment with NextAction=WaitingForExternalAction.
func (o *Orchestrator) CreatePayment(ctx context.Context, in CreatePaymentInput) (*store.Payment, error) {
	window, err := resolveTimeWindow(time.Now(), in.PayByTime, in.SubmitResultTime, in.UnlockTime, in.ExternalDisputeUnlockTime)
	if err != nil {
		return nil, err
	}

	policy, err := policyID(in.AgentIdentifier)
	if err != nil {
		return nil, err
	}

	// Adapter reads happen before the DB transaction opens: HTTP handlers
	// must not hold a transaction across a ChainAdapter network call.
	ps, err := o.repos.PaymentSources.ByNetworkAndPolicy(ctx, in.Network, policy)
	if err != nil {
		return nil, err
	}

	holder, wallet, err := o.resolveSellingWallet(ctx, ps, in.AgentIdentifier)
	if err != nil {
		return nil, err
	}

	metadata, err := chainadapter.ParseAgentMetadata(holder.Metadata)
	if err != nil {
		return nil, ierr.InvalidArgumentf("parse agent metadata: %v", err)
	}
	if metadata.Pricing.PricingType != store.PricingFixed {
		return nil, ierr.Unsupportedf("pricing type %q is not supported", metadata.Pricing.PricingType)
	}
	requestedFunds, err := fixedPricingToUnitValues(metadata.Pricing.FixedPricing)
	if err != nil {
		return nil, ierr.InvalidArgumentf("agent fixed pricing: %v", err)
	}

	sellerIdentifier, err := idcodec.GenerateSellerIdentifier(in.AgentIdentifier)
	if err != nil {
		return nil, ierr.Internalf("generate seller identifier: %v", err)
	}

	preimage := idcodec.Preimage{
		InputHash:                 in.InputHash,
		AgentIdentifier:           in.AgentIdentifier,
		PurchaserIdentifier:       in.IdentifierFromPurchaser,
		SellerIdentifier:          sellerIdentifier,
		PayByTime:                 window.payByTime,
		SubmitResultTime:          window.submitResultTime,
		UnlockTime:                window.unlockTime,
		ExternalDisputeUnlockTime: window.externalDisputeUnlockTime,
		SellerAddress:             holder.SellerAddress,
	}

	blockchainIdentifier, err := idcodec.Encode(ctx, o.signer, idcodec.EncodeParams{
		Preimage:            preimage,
		PurchaserIdentifier: in.IdentifierFromPurchaser,
		SellerWalletAddress: holder.SellerAddress,
	})
	if err != nil {
		return nil, ierr.Internalf("encode blockchain identifier: %v", err)
	}

	payment := &store.Payment{
		BlockchainIdentifier:      blockchainIdentifier,
		AgentIdentifier:           in.AgentIdentifier,
		InputHash:                 in.InputHash,
		PayByTime:                 window.payByTime,
		SubmitResultTime:          window.submitResultTime,
		UnlockTime:                window.unlockTime,
		ExternalDisputeUnlockTime: window.externalDisputeUnlockTime,
		RequestedFunds:            requestedFunds,
		OnChainState:              store.OnChainStateNone,
		NextAction:                store.PaymentActionWaitingForExternal,
		PaymentSourceID:           ps.ID,
		SellerWalletID:            wallet.ID,
		ResultHash:                "",
		Metadata:                  in.Metadata,
	}

	tx, err := o.client.BeginSerializable(ctx)
	if err != nil {
		return nil, ierr.Internalf("begin transaction: %v", err)
	}
	if err := o.repos.Payments.Create(ctx, tx, payment); err != nil {
		tx.Rollback()
		return nil, ierr.Internalf("create payment: %v", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, ierr.Internalf("commit create payment: %v", err)
	}

	return payment, nil
}
