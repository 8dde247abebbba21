package reconciler_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/cardano-escrow/orchestrator/internal/chainadapter"
	"github.com/cardano-escrow/orchestrator/internal/config"
	"github.com/cardano-escrow/orchestrator/internal/reconciler"
	"github.com/cardano-escrow/orchestrator/internal/store"
)

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

func newPaymentSource(t *testing.T, repos *store.Repositories) *store.PaymentSource {
	t.Helper()
	ps := &store.PaymentSource{
		Network:              store.NetworkPreprod,
		SmartContractAddress: "addr_test1contract" + uuid.NewString(),
		FeeRatePermille:      25,
		Config:               store.PaymentSourceConfig{RPCProviderAPIKey: "test-key"},
	}
	if err := repos.PaymentSources.Create(context.Background(), ps); err != nil {
		t.Fatalf("create payment source: %v", err)
	}
	return ps
}

func newWallet(t *testing.T, repos *store.Repositories, paymentSourceID uuid.UUID) *store.HotWallet {
	t.Helper()
	w := &store.HotWallet{
		WalletVkey:        uuid.NewString(),
		WalletAddress:     "addr_test1wallet" + uuid.NewString(),
		Type:              store.WalletSelling,
		PaymentSourceID:   paymentSourceID,
		EncryptedMnemonic: []byte("encrypted"),
	}
	if err := repos.HotWallets.Create(context.Background(), w); err != nil {
		t.Fatalf("create hot wallet: %v", err)
	}
	return w
}

func newPayment(t *testing.T, repos *store.Repositories, ps *store.PaymentSource, wallet *store.HotWallet, blockchainIdentifier string, requestedFunds []store.UnitValue) *store.Payment {
	t.Helper()
	tx, err := testClient.BeginSerializable(context.Background())
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	p := &store.Payment{
		BlockchainIdentifier:      blockchainIdentifier,
		AgentIdentifier:           "agent-" + uuid.NewString(),
		InputHash:                 "deadbeef",
		PayByTime:                 1_700_000_000,
		SubmitResultTime:          1_700_003_600,
		UnlockTime:                1_700_007_200,
		ExternalDisputeUnlockTime: 1_700_010_800,
		RequestedFunds:            requestedFunds,
		OnChainState:              store.OnChainStateFundsLocked,
		NextAction:                store.PaymentActionWaitingForExternal,
		PaymentSourceID:           ps.ID,
		SellerWalletID:            wallet.ID,
	}
	if err := repos.Payments.Create(context.Background(), tx, p); err != nil {
		tx.Rollback()
		t.Fatalf("create payment: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return p
}

func newHarness(t *testing.T) (*reconciler.Reconciler, *chainadapter.Memory, *store.Repositories) {
	t.Helper()
	if testClient == nil {
		t.Skip("test database not configured")
	}
	repos := store.NewRepositories(testClient)
	chain := chainadapter.NewMemory()
	r := reconciler.New(testClient, repos, chain, config.ReconcilerSettings{Interval: config.Duration(30 * time.Second), BatchSize: 50})
	return r, chain, repos
}

func TestRunOnceAppliesLegalTransitionAndComputesTerminalLedger(t *testing.T) {
	r, chain, repos := newHarness(t)
	ps := newPaymentSource(t, repos)
	wallet := newWallet(t, repos, ps.ID)
	blockchainIdentifier := uuid.NewString()
	requested := []store.UnitValue{{Unit: "", Amount: store.NewBigInt(5_000_000)}}
	payment := newPayment(t, repos, ps, wallet, blockchainIdentifier, requested)

	chain.AddObservedTransaction(chainadapter.ObservedTransaction{
		TxHash:                "tx-withdrawn",
		SmartContractAddress:  ps.SmartContractAddress,
		BlockchainIdentifier:  blockchainIdentifier,
		NewOnChainState:       store.OnChainStateWithdrawn,
		FeesLovelace:          store.NewBigInt(170_000),
		BlockHeight:           100,
		BlockTime:             time.Now(),
		Confirmations:         5,
	})

	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	reloaded, err := repos.Payments.Get(context.Background(), payment.ID)
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if reloaded.OnChainState != store.OnChainStateWithdrawn {
		t.Errorf("OnChainState = %s, want Withdrawn", reloaded.OnChainState)
	}
	if reloaded.NextAction != store.PaymentActionNone {
		t.Errorf("NextAction = %s, want None", reloaded.NextAction)
	}
	if len(reloaded.WithdrawnForSeller) != 1 || reloaded.WithdrawnForSeller[0].Amount.String() != "5000000" {
		t.Errorf("WithdrawnForSeller = %+v, want full requested amount", reloaded.WithdrawnForSeller)
	}
	if reloaded.CurrentTransactionID == nil {
		t.Errorf("CurrentTransactionID not set")
	}

	stats := r.Stats()
	if stats.TrackedEntities != 1 {
		t.Errorf("Stats().TrackedEntities = %d, want 1", stats.TrackedEntities)
	}
}

func TestRunOnceFlagsIllegalTransition(t *testing.T) {
	r, chain, repos := newHarness(t)
	ps := newPaymentSource(t, repos)
	wallet := newWallet(t, repos, ps.ID)
	blockchainIdentifier := uuid.NewString()
	payment := newPayment(t, repos, ps, wallet, blockchainIdentifier, nil)

	// FundsLocked -> FundsLocked is not in the legal transition table.
	chain.AddObservedTransaction(chainadapter.ObservedTransaction{
		TxHash:               "tx-illegal",
		SmartContractAddress: ps.SmartContractAddress,
		BlockchainIdentifier: blockchainIdentifier,
		NewOnChainState:      store.OnChainStateFundsLocked,
		FeesLovelace:         store.NewBigInt(170_000),
		BlockHeight:          101,
		BlockTime:            time.Now(),
		Confirmations:        5,
	})

	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	reloaded, err := repos.Payments.Get(context.Background(), payment.ID)
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if reloaded.NextAction != store.PaymentActionWaitingForManual {
		t.Errorf("NextAction = %s, want WaitingForManualAction", reloaded.NextAction)
	}
	if reloaded.NextActionError == nil || *reloaded.NextActionError != store.ErrorTypeUnexpectedTransition {
		t.Errorf("NextActionError = %v, want UnexpectedTransition", reloaded.NextActionError)
	}
}

func TestRunOnceSkipsUnmatchedTransaction(t *testing.T) {
	r, chain, repos := newHarness(t)
	ps := newPaymentSource(t, repos)

	chain.AddObservedTransaction(chainadapter.ObservedTransaction{
		TxHash:                "tx-orphan",
		SmartContractAddress:  ps.SmartContractAddress,
		BlockchainIdentifier:  uuid.NewString(),
		NewOnChainState:       store.OnChainStateFundsLocked,
		FeesLovelace:          store.NewBigInt(170_000),
		BlockHeight:           102,
		BlockTime:             time.Now(),
		Confirmations:         5,
	})

	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if got := r.Stats().TrackedEntities; got != 0 {
		t.Errorf("TrackedEntities = %d, want 0 for an unmatched transaction", got)
	}
}
