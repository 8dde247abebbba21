package earnings_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/cardano-escrow/orchestrator/internal/config"
	"github.com/cardano-escrow/orchestrator/internal/earnings"
	"github.com/cardano-escrow/orchestrator/internal/store"
)

var testClient *store.Client

func TestMain(m *testing.M) {
	dsn := os.Getenv("ESCROW_TEST_DB")
	if dsn == "" {
		os.Exit(0)
	}
	var err error
	testClient, err = store.NewClient(config.DatabaseSettings{URL: dsn, MaxConnections: 5, MinConnections: 1})
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

func newPaymentSourceAndWallet(t *testing.T) (*store.PaymentSource, *store.HotWallet) {
	t.Helper()
	repos := store.NewRepositories(testClient)
	ps := &store.PaymentSource{
		Network:              store.NetworkPreprod,
		SmartContractAddress: "addr_test1contract" + uuid.NewString(),
		FeeRatePermille:      25,
	}
	if err := repos.PaymentSources.Create(context.Background(), ps); err != nil {
		t.Fatalf("create payment source: %v", err)
	}
	w := &store.HotWallet{
		WalletVkey:        uuid.NewString(),
		WalletAddress:     "addr_test1wallet" + uuid.NewString(),
		Type:              store.WalletSelling,
		PaymentSourceID:   ps.ID,
		EncryptedMnemonic: []byte("x"),
	}
	if err := repos.HotWallets.Create(context.Background(), w); err != nil {
		t.Fatalf("create hot wallet: %v", err)
	}
	return ps, w
}

func createWithdrawnPayment(t *testing.T, repos *store.Repositories, ps *store.PaymentSource, wallet *store.HotWallet, payByTime int64, fees store.BigInt) {
	t.Helper()
	tx, err := testClient.BeginSerializable(context.Background())
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	p := &store.Payment{
		BlockchainIdentifier:   uuid.NewString(),
		AgentIdentifier:        "agent-1",
		InputHash:              "hash",
		PayByTime:              payByTime,
		SubmitResultTime:       payByTime + 3600,
		UnlockTime:             payByTime + 7200,
		RequestedFunds:         []store.UnitValue{{Unit: "", Amount: store.NewBigInt(5_000_000)}},
		OnChainState:           store.OnChainStateWithdrawn,
		NextAction:             store.PaymentActionNone,
		TotalSellerCardanoFees: fees,
		PaymentSourceID:        ps.ID,
		SellerWalletID:         wallet.ID,
	}
	if err := repos.Payments.Create(context.Background(), tx, p); err != nil {
		tx.Rollback()
		t.Fatalf("create payment: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

// TestIncomeBucketing is spec scenario 6: a single Withdrawn Payment with
// payByTime=2024-03-15T10:00Z, RequestedFunds=[{"", "5000000"}],
// totalSellerCardanoFees=170000, timeZone="Etc/UTC" buckets into
// dailyIncome=[{date:"2024-03-15", units:[{unit:"", amount:5000000}],
// blockchainFees:170000}], matching monthlyIncome and totalIncome.
func TestIncomeBucketing(t *testing.T) {
	if testClient == nil {
		t.Skip("test database not configured")
	}
	repos := store.NewRepositories(testClient)
	ps, wallet := newPaymentSourceAndWallet(t)

	payByTime := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC).Unix()
	createWithdrawnPayment(t, repos, ps, wallet, payByTime, store.NewBigInt(170000))

	agg := earnings.New(repos)
	report, err := agg.Run(context.Background(), earnings.Query{
		Perspective: earnings.PerspectiveSeller,
		Network:     store.NetworkPreprod,
		Start:       payByTime - 3600,
		End:         payByTime + 3600,
		TimeZone:    "Etc/UTC",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	daily := report.Daily[earnings.CategoryPrimary]
	if len(daily) != 1 || daily[0].Date != "2024-03-15" {
		t.Fatalf("Daily[CategoryPrimary] = %+v, want one 2024-03-15 bucket", daily)
	}
	if got := daily[0].BlockchainFees.String(); got != "170000" {
		t.Errorf("daily blockchainFees = %s, want 170000", got)
	}
	if len(daily[0].Units) != 1 || daily[0].Units[0].Unit != "" || daily[0].Units[0].Amount.String() != "5000000" {
		t.Errorf("daily units = %+v, want [{\"\", 5000000}]", daily[0].Units)
	}

	monthly := report.Monthly[earnings.CategoryPrimary]
	if len(monthly) != 1 || monthly[0].Date != "2024-03" {
		t.Fatalf("Monthly[CategoryPrimary] = %+v, want one 2024-03 bucket", monthly)
	}

	total := report.Total[earnings.CategoryPrimary]
	if total.BlockchainFees.String() != "170000" {
		t.Errorf("total blockchainFees = %s, want 170000", total.BlockchainFees.String())
	}
	if len(total.Units) != 1 || total.Units[0].Amount.String() != "5000000" {
		t.Errorf("total units = %+v, want [{\"\", 5000000}]", total.Units)
	}

	if len(report.Daily[earnings.CategoryRefund]) != 0 || len(report.Daily[earnings.CategoryPending]) != 0 {
		t.Errorf("expected no refund/pending buckets for a single Withdrawn payment")
	}
}

func TestTimeZoneShiftsDayBoundary(t *testing.T) {
	if testClient == nil {
		t.Skip("test database not configured")
	}
	repos := store.NewRepositories(testClient)
	ps, wallet := newPaymentSourceAndWallet(t)

	// 23:30 UTC on the 15th is already the 16th in Etc/GMT-1 (UTC+1).
	payByTime := time.Date(2024, 3, 15, 23, 30, 0, 0, time.UTC).Unix()
	createWithdrawnPayment(t, repos, ps, wallet, payByTime, store.NewBigInt(0))

	agg := earnings.New(repos)
	report, err := agg.Run(context.Background(), earnings.Query{
		Perspective: earnings.PerspectiveSeller,
		Network:     store.NetworkPreprod,
		Start:       payByTime - 3600,
		End:         payByTime + 3600,
		TimeZone:    "Etc/GMT-1",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	daily := report.Daily[earnings.CategoryPrimary]
	if len(daily) != 1 || daily[0].Date != "2024-03-16" {
		t.Fatalf("Daily[CategoryPrimary] = %+v, want one 2024-03-16 bucket in Etc/GMT-1", daily)
	}
}

func TestPendingAndIgnoredStatesAreClassifiedSeparately(t *testing.T) {
	if testClient == nil {
		t.Skip("test database not configured")
	}
	repos := store.NewRepositories(testClient)
	ps, wallet := newPaymentSourceAndWallet(t)
	payByTime := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC).Unix()
	agentID := "agent-" + uuid.NewString()

	pending := &store.Payment{
		BlockchainIdentifier: uuid.NewString(),
		AgentIdentifier:      agentID,
		InputHash:            "hash",
		PayByTime:            payByTime,
		RequestedFunds:       []store.UnitValue{{Unit: "", Amount: store.NewBigInt(1_000_000)}},
		OnChainState:         store.OnChainStateResultSubmitted,
		NextAction:           store.PaymentActionNone,
		PaymentSourceID:      ps.ID,
		SellerWalletID:       wallet.ID,
	}
	ignored := &store.Payment{
		BlockchainIdentifier: uuid.NewString(),
		AgentIdentifier:      agentID,
		InputHash:            "hash",
		PayByTime:            payByTime,
		RequestedFunds:       []store.UnitValue{{Unit: "", Amount: store.NewBigInt(2_000_000)}},
		OnChainState:         store.OnChainStateFundsOrDatumInvalid,
		NextAction:           store.PaymentActionNone,
		PaymentSourceID:      ps.ID,
		SellerWalletID:       wallet.ID,
	}
	for _, p := range []*store.Payment{pending, ignored} {
		tx, err := testClient.BeginSerializable(context.Background())
		if err != nil {
			t.Fatalf("begin tx: %v", err)
		}
		if err := repos.Payments.Create(context.Background(), tx, p); err != nil {
			tx.Rollback()
			t.Fatalf("create payment: %v", err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatalf("commit: %v", err)
		}
	}

	agg := earnings.New(repos)
	report, err := agg.Run(context.Background(), earnings.Query{
		Perspective:     earnings.PerspectiveSeller,
		Network:         store.NetworkPreprod,
		AgentIdentifier: &agentID,
		Start:           payByTime - 3600,
		End:             payByTime + 3600,
		TimeZone:        "Etc/UTC",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	pendingDaily := report.Daily[earnings.CategoryPending]
	if len(pendingDaily) != 1 || pendingDaily[0].Units[0].Amount.String() != "1000000" {
		t.Fatalf("Daily[CategoryPending] = %+v, want the ResultSubmitted payment only", pendingDaily)
	}
	if len(report.Daily[earnings.CategoryPrimary]) != 0 {
		t.Errorf("FundsOrDatumInvalid payment must not appear under CategoryPrimary")
	}
}
