// Package store persists the escrow data model and exposes the
// cursor-based read paths consumed by the Diff Feed and the Earnings
// aggregator. Types live here, alongside the repositories that read/write
// them, the way pkg/database/types.go holds every struct the repositories
// in that package operate on.
package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
)

// BigInt is an arbitrary-precision unsigned monetary quantity: integer
// amounts are unbounded and round-trip through JSON as decimal strings.
// math/big is the stdlib mechanism for this and matches this codebase's
// other transitive dependency (go-ethereum) use of big.Int for amounts.
type BigInt struct{ big.Int }

func NewBigInt(v int64) BigInt {
	b := BigInt{}
	b.SetInt64(v)
	return b
}

func ParseBigInt(s string) (BigInt, error) {
	b := BigInt{}
	if s == "" {
		s = "0"
	}
	_, ok := b.SetString(s, 10)
	if !ok {
		return BigInt{}, fmt.Errorf("invalid bigint literal %q", s)
	}
	if b.Sign() < 0 {
		return BigInt{}, fmt.Errorf("bigint literal %q must be unsigned", s)
	}
	return b, nil
}

func (b BigInt) Add(other BigInt) BigInt {
	out := BigInt{}
	out.Int.Add(&b.Int, &other.Int)
	return out
}

func (b BigInt) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.Int.String())
}

func (b *BigInt) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseBigInt(s)
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// Value implements driver.Valuer so BigInt can be stored as a numeric
// (textual) Postgres column directly via lib/pq.
func (b BigInt) Value() (driver.Value, error) {
	return b.Int.String(), nil
}

// Scan implements sql.Scanner.
func (b *BigInt) Scan(src interface{}) error {
	switch v := src.(type) {
	case string:
		parsed, err := ParseBigInt(v)
		if err != nil {
			return err
		}
		*b = parsed
		return nil
	case []byte:
		return b.Scan(string(v))
	case int64:
		*b = NewBigInt(v)
		return nil
	case nil:
		*b = NewBigInt(0)
		return nil
	default:
		return fmt.Errorf("unsupported bigint scan source %T", src)
	}
}

// Network is the Cardano network a PaymentSource is deployed on.
type Network string

const (
	NetworkMainnet Network = "Mainnet"
	NetworkPreprod Network = "Preprod"
)

// WalletType distinguishes the two HotWallet roles.
type WalletType string

const (
	WalletSelling    WalletType = "Selling"
	WalletPurchasing WalletType = "Purchasing"
)

// OnChainState is the authoritative on-chain lifecycle state. The empty
// string represents the "null" case (not yet locked).
type OnChainState string

const (
	OnChainStateNone                OnChainState = ""
	OnChainStateFundsLocked         OnChainState = "FundsLocked"
	OnChainStateResultSubmitted     OnChainState = "ResultSubmitted"
	OnChainStateRefundRequested     OnChainState = "RefundRequested"
	OnChainStateDisputed            OnChainState = "Disputed"
	OnChainStateWithdrawn           OnChainState = "Withdrawn"
	OnChainStateRefundWithdrawn     OnChainState = "RefundWithdrawn"
	OnChainStateDisputedWithdrawn   OnChainState = "DisputedWithdrawn"
	OnChainStateFundsOrDatumInvalid OnChainState = "FundsOrDatumInvalid"
)

// IsTerminal reports whether the state is one of the four states a
// Payment/Purchase never moves out of.
func (s OnChainState) IsTerminal() bool {
	switch s {
	case OnChainStateWithdrawn, OnChainStateRefundWithdrawn,
		OnChainStateDisputedWithdrawn, OnChainStateFundsOrDatumInvalid:
		return true
	default:
		return false
	}
}

// PaymentNextAction is the Payment-side NextAction mini state machine.
type PaymentNextAction string

const (
	PaymentActionWaitingForExternal PaymentNextAction = "WaitingForExternalAction"
	PaymentActionAuthorizeRefundReq PaymentNextAction = "AuthorizeRefundRequested"
	PaymentActionSubmitResultReq    PaymentNextAction = "SubmitResultRequested"
	PaymentActionWaitingForManual   PaymentNextAction = "WaitingForManualAction"
	PaymentActionNone               PaymentNextAction = "None"
)

// PurchaseNextAction is the Purchase-side NextAction mini state machine.
type PurchaseNextAction string

const (
	PurchaseActionWaitingForExternal      PurchaseNextAction = "WaitingForExternalAction"
	PurchaseActionSetRefundRequestedReq   PurchaseNextAction = "SetRefundRequestedRequested"
	PurchaseActionUnsetRefundRequestedReq PurchaseNextAction = "UnSetRefundRequestedRequested"
	PurchaseActionWaitingForManual        PurchaseNextAction = "WaitingForManualAction"
	PurchaseActionNone                    PurchaseNextAction = "None"
)

// RegistrationState is the Registration Lifecycle state machine.
type RegistrationState string

const (
	RegistrationRequested   RegistrationState = "RegistrationRequested"
	RegistrationConfirmed   RegistrationState = "RegistrationConfirmed"
	RegistrationFailed      RegistrationState = "RegistrationFailed"
	DeregistrationRequested RegistrationState = "DeregistrationRequested"
	DeregistrationConfirmed RegistrationState = "DeregistrationConfirmed"
)

// TransactionStatus is a Transaction row's lifecycle.
type TransactionStatus string

const (
	TxPending              TransactionStatus = "Pending"
	TxConfirmed            TransactionStatus = "Confirmed"
	TxFailedViaManualReset TransactionStatus = "FailedViaManualReset"
)

// ErrorType classifies why a NextAction moved to WaitingForManualAction.
type ErrorType string

const (
	ErrorTypeNetworkError         ErrorType = "NetworkError"
	ErrorTypeValidationError      ErrorType = "ValidationError"
	ErrorTypeInsufficientFunds    ErrorType = "InsufficientFunds"
	ErrorTypeUnknown              ErrorType = "Unknown"
	ErrorTypeUnexpectedTransition ErrorType = "UnexpectedTransition"
)

// PricingType distinguishes Fixed vs Free agent pricing.
type PricingType string

const (
	PricingFixed PricingType = "Fixed"
	PricingFree  PricingType = "Free"
)

// UnitValue is a single (unit, amount) pair. unit="" means lovelace, the
// chain's native token.
type UnitValue struct {
	Unit   string `json:"unit"`
	Amount BigInt `json:"amount"`
}

// PaymentSourceConfig holds secrets scoped to a PaymentSource. It never
// appears in any HTTP-facing projection.
type PaymentSourceConfig struct {
	RPCProviderAPIKey string `json:"-"`
}

// PaymentSource is a deployed smart-contract instance on one network.
type PaymentSource struct {
	ID                   uuid.UUID
	Network              Network
	SmartContractAddress string
	PolicyID             *string
	FeeRatePermille      int
	DeletedAt            *time.Time
	Config               PaymentSourceConfig
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// HotWallet is a server-managed wallet scoped to exactly one PaymentSource.
type HotWallet struct {
	ID                uuid.UUID
	WalletVkey        string
	WalletAddress     string
	Type              WalletType
	PaymentSourceID   uuid.UUID
	EncryptedMnemonic []byte
	DeletedAt         *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (w *HotWallet) IsUsable() bool {
	return w != nil && w.DeletedAt == nil
}

// ActionRecord is one historical (or current) NextAction attempt for a
// Payment or Purchase.
type ActionRecord struct {
	ID              uuid.UUID
	RequestedAction string
	ErrorType       *ErrorType
	ErrorNote       *string
	ResultHash      *string
	CreatedAt       time.Time
}

// Transaction is an on-chain submission/observation tied to a Payment or
// Purchase.
type Transaction struct {
	ID                       uuid.UUID
	TxHash                   string
	Status                   TransactionStatus
	FeesLovelace             BigInt
	BlockHeight              *int64
	BlockTime                *time.Time
	PreviousOnChainState     OnChainState
	NewOnChainState          OnChainState
	Confirmations            int
	CollateralReturnLovelace *BigInt
	CreatedAt                time.Time
	UpdatedAt                time.Time
}

// Payment is the seller-side escrow record.
type Payment struct {
	ID                        uuid.UUID
	BlockchainIdentifier      string
	AgentIdentifier           string
	InputHash                 string
	PayByTime                 int64
	SubmitResultTime          int64
	UnlockTime                int64
	ExternalDisputeUnlockTime int64

	RequestedFunds []UnitValue

	OnChainState OnChainState

	NextAction      PaymentNextAction
	NextActionError *ErrorType
	NextActionNote  *string

	CurrentTransactionID *uuid.UUID

	WithdrawnForSeller []UnitValue
	WithdrawnForBuyer  []UnitValue

	TotalSellerCardanoFees BigInt
	TotalBuyerCardanoFees  BigInt

	PaymentSourceID uuid.UUID
	SellerWalletID  uuid.UUID

	ResultHash string

	RequestedByID string
	Metadata      json.RawMessage

	CreatedAt                                   time.Time
	UpdatedAt                                    time.Time
	NextActionLastChangedAt                     time.Time
	OnChainStateOrResultLastChangedAt           time.Time
	NextActionOrOnChainStateOrResultLastChanged time.Time
}

// Purchase is the buyer-side mirror of Payment. It cross-links to a
// Payment only through a matching BlockchainIdentifier -- there is no
// foreign key between the two tables.
type Purchase struct {
	ID                        uuid.UUID
	BlockchainIdentifier      string
	AgentIdentifier           string
	InputHash                 string
	PayByTime                 int64
	SubmitResultTime          int64
	UnlockTime                int64
	ExternalDisputeUnlockTime int64

	PaidFunds []UnitValue

	OnChainState OnChainState

	NextAction      PurchaseNextAction
	NextActionError *ErrorType
	NextActionNote  *string

	CurrentTransactionID *uuid.UUID

	WithdrawnForSeller []UnitValue
	WithdrawnForBuyer  []UnitValue

	TotalSellerCardanoFees BigInt
	TotalBuyerCardanoFees  BigInt

	PaymentSourceID       uuid.UUID
	SellerWalletVkey      string
	SmartContractWalletID uuid.UUID

	RequestedByID string
	Metadata      json.RawMessage

	CreatedAt                                   time.Time
	UpdatedAt                                    time.Time
	NextActionLastChangedAt                     time.Time
	OnChainStateOrResultLastChangedAt           time.Time
	NextActionOrOnChainStateOrResultLastChanged time.Time
}

// FixedPricingAmount is one (unit, amount) entry of an agent's fixed price
// list.
type FixedPricingAmount struct {
	Unit   string `json:"unit"`
	Amount string `json:"amount"`
}

// Pricing is an agent's on-chain pricing descriptor.
type Pricing struct {
	PricingType  PricingType          `json:"pricingType"`
	FixedPricing []FixedPricingAmount `json:"fixedPricing,omitempty"`
}

// RegistryRequest is an agent registration draft and its lifecycle state.
type RegistryRequest struct {
	ID              uuid.UUID
	State           RegistrationState
	AgentIdentifier *string

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

	Pricing Pricing

	SmartContractWalletID uuid.UUID
	PaymentSourceID       uuid.UUID

	NextActionError *ErrorType
	NextActionNote  *string

	CreatedAt                       time.Time
	UpdatedAt                       time.Time
	NextActionLastChangedAt         time.Time
	OnChainStateOrResultLastChanged time.Time
}
