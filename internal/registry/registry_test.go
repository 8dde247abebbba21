package registry_test

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"

	"github.com/cardano-escrow/orchestrator/internal/config"
	"github.com/cardano-escrow/orchestrator/internal/ierr"
	"github.com/cardano-escrow/orchestrator/internal/registry"
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

type harness struct {
	reg   *registry.Registry
	repos *store.Repositories
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	if testClient == nil {
		t.Skip("test database not configured")
	}
	repos := store.NewRepositories(testClient)
	return &harness{reg: registry.New(testClient, repos), repos: repos}
}

func newPaymentSourceAndSellingWallet(t *testing.T, h *harness) (*store.PaymentSource, *store.HotWallet) {
	t.Helper()
	ps := &store.PaymentSource{
		Network:              store.NetworkPreprod,
		SmartContractAddress: "addr_test1contract" + uuid.NewString(),
		FeeRatePermille:      25,
	}
	if err := h.repos.PaymentSources.Create(context.Background(), ps); err != nil {
		t.Fatalf("create payment source: %v", err)
	}
	w := &store.HotWallet{
		WalletVkey:        uuid.NewString(),
		WalletAddress:     "addr_test1wallet" + uuid.NewString(),
		Type:              store.WalletSelling,
		PaymentSourceID:   ps.ID,
		EncryptedMnemonic: []byte("encrypted"),
	}
	if err := h.repos.HotWallets.Create(context.Background(), w); err != nil {
		t.Fatalf("create hot wallet: %v", err)
	}
	return ps, w
}

func validCreateInput(ps *store.PaymentSource, wallet *store.HotWallet) registry.CreateInput {
	return registry.CreateInput{
		PaymentSourceID:       ps.ID,
		SmartContractWalletID: wallet.ID,
		Name:                  "test agent",
		APIBaseURL:            "https://example.test",
		AuthorName:            "acme",
		Capability:            "does things",
		Tags:                  []string{"alpha"},
		Image:                 "https://example.test/logo.png",
		MetadataVersion:       1,
		Pricing: store.Pricing{
			PricingType:  store.PricingFixed,
			FixedPricing: []store.FixedPricingAmount{{Unit: "", Amount: "5000000"}},
		},
	}
}

func TestCreateRegistrationRequest(t *testing.T) {
	h := newHarness(t)
	ps, wallet := newPaymentSourceAndSellingWallet(t, h)

	rr, err := h.reg.Create(context.Background(), validCreateInput(ps, wallet))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rr.State != store.RegistrationRequested {
		t.Errorf("State = %s, want RegistrationRequested", rr.State)
	}
	if rr.AgentIdentifier != nil {
		t.Errorf("AgentIdentifier = %v, want nil before mint confirms", rr.AgentIdentifier)
	}
}

func TestCreateRejectsWalletFromAnotherPaymentSource(t *testing.T) {
	h := newHarness(t)
	ps1, _ := newPaymentSourceAndSellingWallet(t, h)
	_, otherWallet := newPaymentSourceAndSellingWallet(t, h)

	_, err := h.reg.Create(context.Background(), validCreateInput(ps1, otherWallet))
	if ierr.KindOf(err) != ierr.InvalidArgument {
		t.Fatalf("expected InvalidArgument for cross-source wallet, got %v", err)
	}
}

func TestCreateRejectsPurchasingWallet(t *testing.T) {
	h := newHarness(t)
	ps, _ := newPaymentSourceAndSellingWallet(t, h)
	buyerWallet := &store.HotWallet{
		WalletVkey:        uuid.NewString(),
		WalletAddress:     "addr_test1wallet" + uuid.NewString(),
		Type:              store.WalletPurchasing,
		PaymentSourceID:   ps.ID,
		EncryptedMnemonic: []byte("encrypted"),
	}
	if err := h.repos.HotWallets.Create(context.Background(), buyerWallet); err != nil {
		t.Fatalf("create hot wallet: %v", err)
	}

	_, err := h.reg.Create(context.Background(), validCreateInput(ps, buyerWallet))
	if ierr.KindOf(err) != ierr.InvalidArgument {
		t.Fatalf("expected InvalidArgument for a Purchasing wallet, got %v", err)
	}
}

func TestCreateRejectsOversizedFixedPricing(t *testing.T) {
	h := newHarness(t)
	ps, wallet := newPaymentSourceAndSellingWallet(t, h)

	in := validCreateInput(ps, wallet)
	in.Pricing.FixedPricing = make([]store.FixedPricingAmount, 8)
	for i := range in.Pricing.FixedPricing {
		in.Pricing.FixedPricing[i] = store.FixedPricingAmount{Unit: "", Amount: "1"}
	}

	_, err := h.reg.Create(context.Background(), in)
	if ierr.KindOf(err) != ierr.InvalidArgument {
		t.Fatalf("expected InvalidArgument for 8 fixedPricing entries, got %v", err)
	}
}

func TestDeregisterRequiresConfirmedState(t *testing.T) {
	h := newHarness(t)
	ps, wallet := newPaymentSourceAndSellingWallet(t, h)

	rr, err := h.reg.Create(context.Background(), validCreateInput(ps, wallet))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Still RegistrationRequested: deregistering before confirmation is
	// illegal per the five-state transition table.
	_, err = h.reg.Deregister(context.Background(), rr.ID)
	if ierr.KindOf(err) != ierr.PreconditionFailed {
		t.Fatalf("expected PreconditionFailed deregistering an unconfirmed request, got %v", err)
	}
}

func TestDeleteRequiresTerminalState(t *testing.T) {
	h := newHarness(t)
	ps, wallet := newPaymentSourceAndSellingWallet(t, h)

	rr, err := h.reg.Create(context.Background(), validCreateInput(ps, wallet))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := h.reg.Delete(context.Background(), rr.ID); ierr.KindOf(err) != ierr.PreconditionFailed {
		t.Fatalf("expected PreconditionFailed deleting a non-terminal request, got %v", err)
	}
}
