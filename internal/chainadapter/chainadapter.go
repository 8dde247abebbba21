// Package chainadapter defines the seam between the orchestrator and a
// Cardano node/chain-index, abstracted away entirely (no real chain
// client is implemented here). Adapter is consumed by the Orchestrator
// (asset-holder reads at purchase creation) and the Reconciler
// (transaction polling); both hold it as a process-wide singleton with
// no domain state of its own, the same way a dedicated interface is
// wired per chain platform in pkg/chain/strategy.
package chainadapter

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cardano-escrow/orchestrator/internal/store"
)

// AssetHolder is what the Orchestrator learns about the current holder of
// an agentIdentifier NFT before materializing a Payment or Purchase.
// Metadata is the raw on-chain datum attached to the NFT; it is parsed by
// ParseAgentMetadata rather than here, since a malformed datum is a
// business-rule failure the caller classifies, not a transport failure.
type AssetHolder struct {
	AgentIdentifier  string
	SellerWalletVkey string
	SellerAddress    string
	IsSellingWallet  bool
	Metadata         json.RawMessage
}

// ObservedTransaction is one transaction the Reconciler folds into local
// state: it names the escrow (by blockchainIdentifier) it touched, the
// on-chain state the datum now reflects, and the fee/collateral data the
// Reconciler records alongside it.
type ObservedTransaction struct {
	TxHash                   string
	SmartContractAddress     string
	BlockchainIdentifier     string
	NewOnChainState          store.OnChainState
	FeesLovelace             store.BigInt
	CollateralReturnLovelace *store.BigInt
	BlockHeight              int64
	BlockTime                time.Time
	Confirmations            int

	// WithdrawnForSeller and WithdrawnForBuyer carry the actual
	// per-party split decoded from this transaction's outputs, used only
	// when NewOnChainState is terminal. Left nil for every non-terminal
	// observation, and for a DisputedWithdrawn transaction the Reconciler
	// has no other source for the adjudicated split -- the adapter must
	// supply it here.
	WithdrawnForSeller []store.UnitValue
	WithdrawnForBuyer  []store.UnitValue
}

// SubmitActionRequest is what the Dispatcher hands the adapter to push a
// NextAction on-chain.
type SubmitActionRequest struct {
	BlockchainIdentifier string
	Action               string
	PaymentSourceID      string
}

// RegistrationSubmitRequest is what the Dispatcher hands the adapter to
// mint or burn an agent registry NFT. Minting (RequestedState ==
// store.RegistrationRequested) carries the full agent spec so the adapter
// can embed it in the NFT's on-chain metadata; burning (RequestedState ==
// store.DeregistrationRequested) only needs AgentIdentifier to locate the
// token.
type RegistrationSubmitRequest struct {
	RequestID       string
	RequestedState  store.RegistrationState
	AgentIdentifier string // set for deregistration; empty for a fresh mint

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

	SmartContractWalletID string
	PaymentSourceID       string
}

// Adapter is the Cardano node/chain-index seam. No implementation here
// talks to a real node; internal/chainadapter/memory.go is an in-memory
// fake for tests, and a production build would supply its own.
type Adapter interface {
	// AssetHolder fetches the single current holder of agentIdentifier and
	// its on-chain metadata, used to validate a Purchase creation request.
	AssetHolder(ctx context.Context, agentIdentifier string) (*AssetHolder, error)

	// TransactionsSince returns every transaction touching any of
	// smartContractAddresses observed strictly after since, bounded to at
	// most limit results, oldest first.
	TransactionsSince(ctx context.Context, smartContractAddresses []string, since time.Time, limit int) ([]ObservedTransaction, error)

	// SubmitAction submits the on-chain transaction for one NextAction and
	// returns its transaction hash.
	SubmitAction(ctx context.Context, req SubmitActionRequest) (txHash string, err error)

	// SubmitRegistrationAction mints or burns the NFT backing a
	// RegistryRequest and returns the confirmed agentIdentifier (policyId
	// ∥ assetName, populated for a mint, empty for a burn) plus the
	// transaction hash.
	SubmitRegistrationAction(ctx context.Context, req RegistrationSubmitRequest) (agentIdentifier string, txHash string, err error)
}
