package orchestrator_test

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/cardano-escrow/orchestrator/internal/chainadapter"
	"github.com/cardano-escrow/orchestrator/internal/config"
	"github.com/cardano-escrow/orchestrator/internal/creditmeter"
	"github.com/cardano-escrow/orchestrator/internal/ierr"
	"github.com/cardano-escrow/orchestrator/internal/orchestrator"
	"github.com/cardano-escrow/orchestrator/internal/signer"
	"github.com/cardano-escrow/orchestrator/internal/store"
)

// testClient is shared across every test in this package; tests skip
// unless ESCROW_TEST_DB points at a real database, the same gating
// convention internal/store's own tests use.
var testClient *store.Client

func TestMain(m *testing.M) {
	dsn := os.Getenv("ESCROW_TEST_DB")
	if dsn == "" {
		os.Exit(0)
	}

	var err error
	testClient, err = store.NewClient(config.DatabaseSettings{
		URL:            dsn,
		MaxConnections: 5,
		MinConnections: 1,
	})
	if err != nil {
		panic("connect to test database: " + err.Error())
	}
	if err := testClient.MigrateUp(context.Background()); err != nil {
		panic("run migrations: " + err.Error())
	}

	code := m.Run()
	testClient.Close()
	os.Exit(code)
}

const fixedPricingMetadata = `{
	"name": "test agent",
	"description": "an agent",
	"api_base_url": "https://example.test",
	"example_output": "ok",
	"capability": "does things",
	"author": {"name": "acme", "contact_email": "a@example.test", "organization": "acme inc"},
	"tags": ["alpha"],
	"agentPricing": {"pricingType": "Fixed", "fixedPricing": [{"unit": "", "amount": "5000000"}]},
	"image": "https://example.test/logo.png",
	"metadata_version": 1
}`

type harness struct {
	orch   *orchestrator.Orchestrator
	chain  *chainadapter.Memory
	signer *signer.LocalEd25519Signer
	meter  *creditmeter.Memory
	repos  *store.Repositories
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	if testClient == nil {
		t.Skip("test database not configured")
	}

	repos := store.NewRepositories(testClient)
	chain := chainadapter.NewMemory()
	meter := creditmeter.NewMemory()
	sg, err := signer.NewLocalEd25519Signer()
	if err != nil {
		t.Fatalf("NewLocalEd25519Signer: %v", err)
	}

	return &harness{
		orch:   orchestrator.New(testClient, repos, chain, sg, meter),
		chain:  chain,
		signer: sg,
		meter:  meter,
		repos:  repos,
	}
}

func newPaymentSourceWithPolicy(t *testing.T, h *harness, policy string) *store.PaymentSource {
	t.Helper()
	ps := &store.PaymentSource{
		Network:              store.NetworkPreprod,
		SmartContractAddress: "addr_test1contract" + uuid.NewString(),
		FeeRatePermille:      25,
		Config:               store.PaymentSourceConfig{RPCProviderAPIKey: "test-key"},
	}
	if err := h.repos.PaymentSources.Create(context.Background(), ps); err != nil {
		t.Fatalf("create payment source: %v", err)
	}
	if _, err := testClient.ExecContext(context.Background(),
		"UPDATE payment_sources SET policy_id = $2 WHERE id = $1", ps.ID, policy); err != nil {
		t.Fatalf("set policy id: %v", err)
	}
	return ps
}

func newWallet(t *testing.T, h *harness, paymentSourceID uuid.UUID, walletType store.WalletType, vkey string) *store.HotWallet {
	t.Helper()
	w := &store.HotWallet{
		WalletVkey:        vkey,
		WalletAddress:     "addr_test1wallet" + uuid.NewString(),
		Type:              walletType,
		PaymentSourceID:   paymentSourceID,
		EncryptedMnemonic: []byte("encrypted"),
	}
	if err := h.repos.HotWallets.Create(context.Background(), w); err != nil {
		t.Fatalf("create hot wallet: %v", err)
	}
	return w
}

// validWindow returns a time window satisfying every CreatePayment /
// CreatePurchase inequality relative to now.
func validWindow(now time.Time) (payByTime, submitResultTime, unlockTime, externalDisputeUnlockTime int64) {
	payByTime = now.Add(10 * time.Minute).Unix()
	submitResultTime = now.Add(1 * time.Hour).Unix()
	unlockTime = now.Add(2 * time.Hour).Unix()
	externalDisputeUnlockTime = now.Add(3 * time.Hour).Unix()
	return
}

func hex56(prefix byte) string {
	b := make([]byte, 28)
	for i := range b {
		b[i] = prefix
	}
	out := ""
	for _, c := range b {
		out += string("0123456789abcdef"[c>>4]) + string("0123456789abcdef"[c&0xf])
	}
	return out
}

func TestCreatePaymentThenCreatePurchase(t *testing.T) {
	h := newHarness(t)
	policy := hex56('a')
	agentIdentifier := policy + "cafe"
	ps := newPaymentSourceWithPolicy(t, h, policy)

	sellerVkey, err := h.signer.VkeyHash()
	if err != nil {
		t.Fatalf("VkeyHash: %v", err)
	}
	newWallet(t, h, ps.ID, store.WalletSelling, sellerVkey)
	newWallet(t, h, ps.ID, store.WalletPurchasing, uuid.NewString())

	h.chain.SetAssetHolder(agentIdentifier, chainadapter.AssetHolder{
		AgentIdentifier:  agentIdentifier,
		SellerWalletVkey: sellerVkey,
		SellerAddress:    "addr_test1seller",
		IsSellingWallet:  true,
		Metadata:         json.RawMessage(fixedPricingMetadata),
	})

	payBy, submitResult, unlock, extDispute := validWindow(time.Now())
	purchaserID := "cafebabecafebabe"

	payment, err := h.orch.CreatePayment(context.Background(), orchestrator.CreatePaymentInput{
		Network:                   store.NetworkPreprod,
		AgentIdentifier:           agentIdentifier,
		InputHash:                 "deadbeef",
		IdentifierFromPurchaser:   purchaserID,
		PayByTime:                 payBy,
		SubmitResultTime:          submitResult,
		UnlockTime:                unlock,
		ExternalDisputeUnlockTime: extDispute,
	})
	if err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}
	if payment.BlockchainIdentifier == "" {
		t.Fatalf("CreatePayment: expected non-empty blockchainIdentifier")
	}
	if payment.NextAction != store.PaymentActionWaitingForExternal {
		t.Errorf("CreatePayment: NextAction = %s, want WaitingForExternalAction", payment.NextAction)
	}

	purchase, err := h.orch.CreatePurchase(context.Background(), orchestrator.CreatePurchaseInput{
		Network:                   store.NetworkPreprod,
		BlockchainIdentifier:      payment.BlockchainIdentifier,
		InputHash:                 "deadbeef",
		SellerVkey:                sellerVkey,
		AgentIdentifier:           agentIdentifier,
		IdentifierFromPurchaser:   purchaserID,
		RequestedByID:             "api-key-1",
		PayByTime:                 payBy,
		SubmitResultTime:          submitResult,
		UnlockTime:                unlock,
		ExternalDisputeUnlockTime: extDispute,
	})
	if err != nil {
		t.Fatalf("CreatePurchase: %v", err)
	}
	if purchase.BlockchainIdentifier != payment.BlockchainIdentifier {
		t.Errorf("CreatePurchase: blockchainIdentifier mismatch")
	}

	// A second CreatePurchase with the same blockchainIdentifier is
	// idempotent: AlreadyExists carrying the existing row.
	_, err = h.orch.CreatePurchase(context.Background(), orchestrator.CreatePurchaseInput{
		Network:                   store.NetworkPreprod,
		BlockchainIdentifier:      payment.BlockchainIdentifier,
		InputHash:                 "deadbeef",
		SellerVkey:                sellerVkey,
		AgentIdentifier:           agentIdentifier,
		IdentifierFromPurchaser:   purchaserID,
		RequestedByID:             "api-key-1",
		PayByTime:                 payBy,
		SubmitResultTime:          submitResult,
		UnlockTime:                unlock,
		ExternalDisputeUnlockTime: extDispute,
	})
	if ierr.KindOf(err) != ierr.AlreadyExists {
		t.Fatalf("expected AlreadyExists on repeat CreatePurchase, got %v", err)
	}
}

func TestCreatePurchasePurchaserMismatch(t *testing.T) {
	h := newHarness(t)
	policy := hex56('b')
	agentIdentifier := policy + "cafe"
	ps := newPaymentSourceWithPolicy(t, h, policy)

	sellerVkey, err := h.signer.VkeyHash()
	if err != nil {
		t.Fatalf("VkeyHash: %v", err)
	}
	newWallet(t, h, ps.ID, store.WalletSelling, sellerVkey)
	newWallet(t, h, ps.ID, store.WalletPurchasing, uuid.NewString())

	h.chain.SetAssetHolder(agentIdentifier, chainadapter.AssetHolder{
		AgentIdentifier:  agentIdentifier,
		SellerWalletVkey: sellerVkey,
		SellerAddress:    "addr_test1seller",
		IsSellingWallet:  true,
		Metadata:         json.RawMessage(fixedPricingMetadata),
	})

	payBy, submitResult, unlock, extDispute := validWindow(time.Now())
	payment, err := h.orch.CreatePayment(context.Background(), orchestrator.CreatePaymentInput{
		Network:                   store.NetworkPreprod,
		AgentIdentifier:           agentIdentifier,
		InputHash:                 "deadbeef",
		IdentifierFromPurchaser:   "cafebabecafebabe",
		PayByTime:                 payBy,
		SubmitResultTime:          submitResult,
		UnlockTime:                unlock,
		ExternalDisputeUnlockTime: extDispute,
	})
	if err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}

	_, err = h.orch.CreatePurchase(context.Background(), orchestrator.CreatePurchaseInput{
		Network:                   store.NetworkPreprod,
		BlockchainIdentifier:      payment.BlockchainIdentifier,
		InputHash:                 "deadbeef",
		SellerVkey:                sellerVkey,
		AgentIdentifier:           agentIdentifier,
		IdentifierFromPurchaser:   "deadbeefdeadbeef", // mismatched on purpose
		RequestedByID:             "api-key-1",
		PayByTime:                 payBy,
		SubmitResultTime:          submitResult,
		UnlockTime:                unlock,
		ExternalDisputeUnlockTime: extDispute,
	})
	if ierr.KindOf(err) != ierr.InvalidArgument {
		t.Fatalf("expected InvalidArgument for purchaser mismatch, got %v", err)
	}
}

func TestResolveTimeWindowRejectsViaCreatePayment(t *testing.T) {
	h := newHarness(t)
	policy := hex56('c')
	agentIdentifier := policy + "cafe"
	newPaymentSourceWithPolicy(t, h, policy)

	now := time.Now()
	_, err := h.orch.CreatePayment(context.Background(), orchestrator.CreatePaymentInput{
		Network:                 store.NetworkPreprod,
		AgentIdentifier:         agentIdentifier,
		InputHash:               "deadbeef",
		IdentifierFromPurchaser: uuid.NewString(),
		PayByTime:               now.Add(2*time.Hour - 2*time.Minute).Unix(), // only 2m before submitResultTime, short of the required gap
		SubmitResultTime:        now.Add(2 * time.Hour).Unix(),
	})
	if ierr.KindOf(err) != ierr.InvalidArgument {
		t.Fatalf("expected InvalidArgument for bad time window, got %v", err)
	}
}

func TestAuthorizePaymentRefundGuardsOnChainState(t *testing.T) {
	h := newHarness(t)
	policy := hex56('d')
	ps := newPaymentSourceWithPolicy(t, h, policy)
	wallet := newWallet(t, h, ps.ID, store.WalletSelling, uuid.NewString())

	tx, err := testClient.BeginSerializable(context.Background())
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	payment := &store.Payment{
		BlockchainIdentifier:      uuid.NewString(),
		AgentIdentifier:           policy + "cafe",
		InputHash:                 "deadbeef",
		PayByTime:                 1_700_000_000,
		SubmitResultTime:          1_700_003_600,
		UnlockTime:                1_700_007_200,
		ExternalDisputeUnlockTime: 1_700_010_800,
		OnChainState:              store.OnChainStateNone,
		NextAction:                store.PaymentActionWaitingForExternal,
		PaymentSourceID:           ps.ID,
		SellerWalletID:            wallet.ID,
	}
	if err := h.repos.Payments.Create(context.Background(), tx, payment); err != nil {
		tx.Rollback()
		t.Fatalf("create payment: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// OnChainState is None, which is not in AuthorizePaymentRefund's
	// allowed set {Disputed, RefundRequested}.
	_, err = h.orch.AuthorizePaymentRefund(context.Background(), payment.ID)
	if ierr.KindOf(err) != ierr.PreconditionFailed {
		t.Fatalf("expected PreconditionFailed for ineligible onChainState, got %v", err)
	}
}

func TestErrorStateRecoveryPicksConfirmedPredecessor(t *testing.T) {
	h := newHarness(t)
	policy := hex56('e')
	ps := newPaymentSourceWithPolicy(t, h, policy)
	wallet := newWallet(t, h, ps.ID, store.WalletSelling, uuid.NewString())

	blockchainIdentifier := uuid.NewString()
	tx, err := testClient.BeginSerializable(context.Background())
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	payment := &store.Payment{
		BlockchainIdentifier:      blockchainIdentifier,
		AgentIdentifier:           policy + "cafe",
		InputHash:                 "deadbeef",
		PayByTime:                 1_700_000_000,
		SubmitResultTime:          1_700_003_600,
		UnlockTime:                1_700_007_200,
		ExternalDisputeUnlockTime: 1_700_010_800,
		OnChainState:              store.OnChainStateFundsLocked,
		NextAction:                store.PaymentActionWaitingForManual,
		PaymentSourceID:           ps.ID,
		SellerWalletID:            wallet.ID,
	}
	if err := h.repos.Payments.Create(context.Background(), tx, payment); err != nil {
		tx.Rollback()
		t.Fatalf("create payment: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	errType := store.ErrorTypeUnknown
	if err := withTx(t, func(tx *store.Tx) error {
		return h.repos.Payments.UpdateNextAction(context.Background(), tx, payment.ID, store.PaymentActionWaitingForManual, &errType, nil, time.Now())
	}); err != nil {
		t.Fatalf("set error state: %v", err)
	}

	t1 := &store.Transaction{
		Status:          store.TxConfirmed,
		TxHash:          "t1",
		NewOnChainState: store.OnChainStateFundsLocked,
		FeesLovelace:    store.NewBigInt(1000),
	}
	t2 := &store.Transaction{
		Status:          store.TxPending,
		TxHash:          "t2",
		NewOnChainState: store.OnChainStateResultSubmitted,
		FeesLovelace:    store.NewBigInt(1000),
	}
	if err := withTx(t, func(tx *store.Tx) error {
		if err := h.repos.Transactions.Create(context.Background(), tx, t1); err != nil {
			return err
		}
		return h.repos.Transactions.LinkToPayment(context.Background(), tx, payment.ID, t1.ID)
	}); err != nil {
		t.Fatalf("create t1: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if err := withTx(t, func(tx *store.Tx) error {
		if err := h.repos.Transactions.Create(context.Background(), tx, t2); err != nil {
			return err
		}
		return h.repos.Transactions.LinkToPayment(context.Background(), tx, payment.ID, t2.ID)
	}); err != nil {
		t.Fatalf("create t2: %v", err)
	}

	recovered, err := h.orch.ErrorStateRecovery(context.Background(), blockchainIdentifier, store.NetworkPreprod)
	if err != nil {
		t.Fatalf("ErrorStateRecovery: %v", err)
	}
	recoveredPayment, ok := recovered.(*store.Payment)
	if !ok {
		t.Fatalf("ErrorStateRecovery: expected *store.Payment, got %T", recovered)
	}
	if recoveredPayment.CurrentTransactionID == nil || *recoveredPayment.CurrentTransactionID != t1.ID {
		t.Errorf("ErrorStateRecovery: CurrentTransactionID = %v, want %s", recoveredPayment.CurrentTransactionID, t1.ID)
	}
	if recoveredPayment.NextAction != store.PaymentActionWaitingForExternal {
		t.Errorf("ErrorStateRecovery: NextAction = %s, want WaitingForExternalAction", recoveredPayment.NextAction)
	}
	if recoveredPayment.NextActionError != nil {
		t.Errorf("ErrorStateRecovery: expected nil NextActionError, got %v", *recoveredPayment.NextActionError)
	}

	reloaded, err := h.repos.Transactions.PaymentHistory(context.Background(), payment.ID)
	if err != nil {
		t.Fatalf("PaymentHistory: %v", err)
	}
	for _, tr := range reloaded {
		if tr.ID == t2.ID && tr.Status != store.TxFailedViaManualReset {
			t.Errorf("t2 status = %s, want FailedViaManualReset", tr.Status)
		}
	}
}

func withTx(t *testing.T, fn func(tx *store.Tx) error) error {
	t.Helper()
	tx, err := testClient.BeginSerializable(context.Background())
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
