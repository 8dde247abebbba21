package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/cardano-escrow/orchestrator/internal/config"
)

// testClient is shared across every test in this package; it is nil (and
// every test skips) unless ESCROW_TEST_DB points at a real database, the
// same test-DB gating convention pkg/database/proof_artifact_repository_test.go
// uses for CERTEN_TEST_DB.
var testClient *Client

func TestMain(m *testing.M) {
	dsn := os.Getenv("ESCROW_TEST_DB")
	if dsn == "" {
		os.Exit(0)
	}

	var err error
	testClient, err = NewClient(config.DatabaseSettings{
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

func newTestPaymentSource(t *testing.T) *PaymentSource {
	t.Helper()
	repo := NewPaymentSourceRepository(testClient)
	ps := &PaymentSource{
		Network:              NetworkPreprod,
		SmartContractAddress: "addr_test1contract" + uuid.NewString(),
		FeeRatePermille:      25,
		Config:               PaymentSourceConfig{RPCProviderAPIKey: "test-key"},
	}
	if err := repo.Create(context.Background(), ps); err != nil {
		t.Fatalf("create payment source: %v", err)
	}
	return ps
}

func newTestHotWallet(t *testing.T, paymentSourceID uuid.UUID, walletType WalletType) *HotWallet {
	t.Helper()
	repo := NewHotWalletRepository(testClient)
	w := &HotWallet{
		WalletVkey:        uuid.NewString(),
		WalletAddress:     "addr_test1wallet" + uuid.NewString(),
		Type:              walletType,
		PaymentSourceID:   paymentSourceID,
		EncryptedMnemonic: []byte("encrypted"),
	}
	if err := repo.Create(context.Background(), w); err != nil {
		t.Fatalf("create hot wallet: %v", err)
	}
	return w
}

func TestPaymentSourceByNetworkAndPolicy(t *testing.T) {
	if testClient == nil {
		t.Skip("test database not configured")
	}
	ps := newTestPaymentSource(t)
	policyID := uuid.NewString()
	_, err := testClient.ExecContext(context.Background(),
		"UPDATE payment_sources SET policy_id = $2 WHERE id = $1", ps.ID, policyID)
	if err != nil {
		t.Fatalf("set policy id: %v", err)
	}

	repo := NewPaymentSourceRepository(testClient)
	got, err := repo.ByNetworkAndPolicy(context.Background(), NetworkPreprod, policyID)
	if err != nil {
		t.Fatalf("ByNetworkAndPolicy: %v", err)
	}
	if got.ID != ps.ID {
		t.Errorf("ByNetworkAndPolicy: got %s, want %s", got.ID, ps.ID)
	}
}

func TestPaymentCreateAndDiffFeedCursor(t *testing.T) {
	if testClient == nil {
		t.Skip("test database not configured")
	}
	ps := newTestPaymentSource(t)
	wallet := newTestHotWallet(t, ps.ID, WalletSelling)

	tx, err := testClient.BeginSerializable(context.Background())
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}

	paymentRepo := NewPaymentRepository(testClient)
	p := &Payment{
		BlockchainIdentifier:      uuid.NewString(),
		AgentIdentifier:           "cafe1234",
		InputHash:                 "deadbeef",
		PayByTime:                 1_700_000_000,
		SubmitResultTime:          1_700_003_600,
		UnlockTime:                1_700_007_200,
		ExternalDisputeUnlockTime: 1_700_010_800,
		NextAction:                PaymentActionWaitingForExternal,
		PaymentSourceID:           ps.ID,
		SellerWalletID:            wallet.ID,
	}
	if err := paymentRepo.Create(context.Background(), tx, p); err != nil {
		tx.Rollback()
		t.Fatalf("create payment: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	got, err := paymentRepo.ByBlockchainIdentifier(context.Background(), p.BlockchainIdentifier)
	if err != nil {
		t.Fatalf("ByBlockchainIdentifier: %v", err)
	}
	if got.ID != p.ID {
		t.Errorf("ByBlockchainIdentifier: got %s, want %s", got.ID, p.ID)
	}

	results, err := paymentRepo.ListSinceNextActionChanged(context.Background(), p.NextActionLastChangedAt.Add(-time.Second), uuid.Nil, 100)
	if err != nil {
		t.Fatalf("ListSinceNextActionChanged: %v", err)
	}
	found := false
	for _, r := range results {
		if r.ID == p.ID {
			found = true
		}
	}
	if !found {
		t.Errorf("ListSinceNextActionChanged: expected to find payment %s", p.ID)
	}
}

func TestPaymentSourceNotFound(t *testing.T) {
	if testClient == nil {
		t.Skip("test database not configured")
	}
	repo := NewPaymentSourceRepository(testClient)
	_, err := repo.Get(context.Background(), uuid.New())
	if err == nil {
		t.Fatalf("expected not-found error")
	}
}
