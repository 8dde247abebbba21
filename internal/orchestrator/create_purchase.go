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

// CreatePurchaseInput is the buyer-side create request.
type CreatePurchaseInput struct {
	Network                 store.Network
	BlockchainIdentifier    string
	InputHash               string
	SellerVkey              string
	AgentIdentifier         string
	IdentifierFromPurchaser string
	RequestedByID           string

	PayByTime                 int64
	SubmitResultTime          int64
	UnlockTime                int64
	ExternalDisputeUnlockTime int64

	Metadata json.RawMessage
}

// estimatedLovelaceCost sums the lovelace-unit entries of a Fixed pricing
// list, used only to size the credit hold CreatePurchase places before
// materializing the record; non-lovelace units are not metered here.
func estimatedLovelaceCost(metadata *chainadapter.AgentMetadata) int64 {
	if metadata == nil || metadata.Pricing.PricingType != store.PricingFixed {
		return 0
	}
	var total store.BigInt
	for _, fp := range metadata.Pricing.FixedPricing {
		if fp.Unit != "" {
			continue
		}
		amount, err := store.ParseBigInt(fp.Amount)
		if err != nil {
			continue
		}
		total = total.Add(amount)
	}
	return total.Int64()
}

// CreatePurchase independently verifies the seller-minted
// blockchainIdentifier, checks the live on-chain asset holder and vkey
// agree with it, places an initial credit hold, and materializes the
// Purchase. Calling it twice with the same BlockchainIdentifier returns
// the existing record via an AlreadyExists error carrying that record as
// its Payload, so clients can resume idempotently.
func (o *Orchestrator) CreatePurchase(ctx context.Context, in CreatePurchaseInput) (*store.Purchase, error) {
	if existing, err := o.repos.Purchases.ByBlockchainIdentifier(ctx, in.BlockchainIdentifier); err == nil {
		return nil, ierr.New(ierr.AlreadyExists, "purchase for blockchainIdentifier %s already exists", in.BlockchainIdentifier).WithPayload(existing)
	} else if ierr.KindOf(err) != ierr.NotFound {
		return nil, err
	}

	window, err := resolveTimeWindow(time.Now(), in.PayByTime, in.SubmitResultTime, in.UnlockTime, in.ExternalDisputeUnlockTime)
	if err != nil {
		return nil, err
	}

	policy, err := policyID(in.AgentIdentifier)
	if err != nil {
		return nil, err
	}

	ps, err := o.repos.PaymentSources.ByNetworkAndPolicy(ctx, in.Network, policy)
	if err != nil {
		return nil, err
	}

	decoded, ok := idcodec.Decode(in.BlockchainIdentifier)
	if !ok {
		return nil, ierr.InvalidArgumentf("malformed blockchainIdentifier")
	}
	if decoded.PurchaserIdentifier != in.IdentifierFromPurchaser {
		return nil, ierr.InvalidArgumentf("purchaser id mismatch")
	}

	holder, err := o.chain.AssetHolder(ctx, in.AgentIdentifier)
	if err != nil {
		return nil, err
	}
	if holder.SellerWalletVkey != in.SellerVkey {
		return nil, ierr.InvalidArgumentf("sellerVkey %q does not match the on-chain asset holder", in.SellerVkey)
	}

	preimage := idcodec.Preimage{
		InputHash:                 in.InputHash,
		AgentIdentifier:           in.AgentIdentifier,
		PurchaserIdentifier:       in.IdentifierFromPurchaser,
		SellerIdentifier:          decoded.SellerIdentifier,
		PayByTime:                 window.payByTime,
		SubmitResultTime:          window.submitResultTime,
		UnlockTime:                window.unlockTime,
		ExternalDisputeUnlockTime: window.externalDisputeUnlockTime,
		SellerAddress:             holder.SellerAddress,
	}
	if err := idcodec.Verify(decoded, idcodec.VerifyParams{
		AgentIdentifier:         in.AgentIdentifier,
		IdentifierFromPurchaser: in.IdentifierFromPurchaser,
		SellerVkey:              in.SellerVkey,
		Preimage:                preimage,
	}); err != nil {
		return nil, err
	}

	buyerWallet, err := o.repos.HotWallets.ByTypeAndSource(ctx, store.WalletPurchasing, ps.ID)
	if err != nil {
		return nil, err
	}

	metadata, err := chainadapter.ParseAgentMetadata(holder.Metadata)
	if err != nil {
		return nil, ierr.InvalidArgumentf("parse agent metadata: %v", err)
	}
	var paidFunds []store.UnitValue
	if metadata.Pricing.PricingType == store.PricingFixed {
		paidFunds, err = fixedPricingToUnitValues(metadata.Pricing.FixedPricing)
		if err != nil {
			return nil, ierr.InvalidArgumentf("agent fixed pricing: %v", err)
		}
	}

	holdID, err := o.meter.Hold(ctx, in.RequestedByID, estimatedLovelaceCost(metadata))
	if err != nil {
		return nil, ierr.Wrap(ierr.Internal, err, "place credit hold")
	}

	purchase := &store.Purchase{
		BlockchainIdentifier:      in.BlockchainIdentifier,
		AgentIdentifier:           in.AgentIdentifier,
		InputHash:                 in.InputHash,
		PayByTime:                 window.payByTime,
		SubmitResultTime:          window.submitResultTime,
		UnlockTime:                window.unlockTime,
		ExternalDisputeUnlockTime: window.externalDisputeUnlockTime,
		PaidFunds:                 paidFunds,
		OnChainState:              store.OnChainStateNone,
		NextAction:                store.PurchaseActionWaitingForExternal,
		PaymentSourceID:           ps.ID,
		SellerWalletVkey:          in.SellerVkey,
		SmartContractWalletID:     buyerWallet.ID,
		RequestedByID:             in.RequestedByID,
		Metadata:                  in.Metadata,
	}

	tx, err := o.client.BeginSerializable(ctx)
	if err != nil {
		o.meter.Release(ctx, holdID)
		return nil, ierr.Internalf("begin transaction: %v", err)
	}
	if err := o.repos.Purchases.Create(ctx, tx, purchase); err != nil {
		tx.Rollback()
		o.meter.Release(ctx, holdID)
		return nil, ierr.Internalf("create purchase: %v", err)
	}
	if err := tx.Commit(); err != nil {
		o.meter.Release(ctx, holdID)
		return nil, ierr.Internalf("commit create purchase: %v", err)
	}

	return purchase, nil
}
