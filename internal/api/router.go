package api

import (
	"context"
	"net/http"

	"github.com/cardano-escrow/orchestrator/internal/difffeed"
	"github.com/cardano-escrow/orchestrator/internal/dispatcher"
	"github.com/cardano-escrow/orchestrator/internal/earnings"
	"github.com/cardano-escrow/orchestrator/internal/ierr"
	"github.com/cardano-escrow/orchestrator/internal/orchestrator"
	"github.com/cardano-escrow/orchestrator/internal/reconciler"
	"github.com/cardano-escrow/orchestrator/internal/registry"
	"github.com/cardano-escrow/orchestrator/internal/store"
)

// Deps is everything the router wires into its handler structs.
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Registry     *registry.Registry
	Repos        *store.Repositories
	Feed         *difffeed.Feed
	Earnings     *earnings.Aggregator
	Reconciler   *reconciler.Reconciler
	Dispatcher   *dispatcher.Dispatcher
	Auth         Authenticator
}

// NewRouter builds the /api/v1/ mux, matching the teacher's single
// net/http.ServeMux registration block in main.go rather than a routing
// framework (see DESIGN.md's "Dispatcher routing style" decision). health
// is registered unauthenticated; everything under /api/v1/ requires the
// `token:` header.
func NewRouter(runCtx context.Context, deps Deps) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	payment := NewPaymentHandlers(deps.Orchestrator, deps.Repos, deps.Feed, deps.Earnings)
	mux.HandleFunc("/api/v1/payment", withAuth(deps.Auth, payment.HandleCreate))
	mux.HandleFunc("/api/v1/payment/resolve-blockchain-identifier", withAuth(deps.Auth, payment.HandleResolveBlockchainIdentifier))
	mux.HandleFunc("/api/v1/payment/authorize-refund", withAuth(deps.Auth, payment.HandleAuthorizeRefund))
	mux.HandleFunc("/api/v1/payment/submit-result", withAuth(deps.Auth, payment.HandleSubmitResult))
	mux.HandleFunc("/api/v1/payment/error-state-recovery", withAuth(deps.Auth, payment.HandleErrorStateRecovery))
	mux.HandleFunc("/api/v1/payment/diff", withAuth(deps.Auth, payment.HandleDiff))
	mux.HandleFunc("/api/v1/payment/diff/next-action", withAuth(deps.Auth, payment.HandleDiffNextAction))
	mux.HandleFunc("/api/v1/payment/diff/onchain-state-or-result", withAuth(deps.Auth, payment.HandleDiffOnChainStateOrResult))
	mux.HandleFunc("/api/v1/payment/income", withAuth(deps.Auth, payment.HandleIncome))

	purchase := NewPurchaseHandlers(deps.Orchestrator, deps.Repos, deps.Feed, deps.Earnings)
	mux.HandleFunc("/api/v1/purchase", withAuth(deps.Auth, purchase.HandleCreate))
	mux.HandleFunc("/api/v1/purchase/resolve-blockchain-identifier", withAuth(deps.Auth, purchase.HandleResolveBlockchainIdentifier))
	mux.HandleFunc("/api/v1/purchase/request-refund", withAuth(deps.Auth, purchase.HandleRequestRefund))
	mux.HandleFunc("/api/v1/purchase/cancel-refund-request", withAuth(deps.Auth, purchase.HandleCancelRefundRequest))
	mux.HandleFunc("/api/v1/purchase/error-state-recovery", withAuth(deps.Auth, purchase.HandleErrorStateRecovery))
	mux.HandleFunc("/api/v1/purchase/diff", withAuth(deps.Auth, purchase.HandleDiff))
	mux.HandleFunc("/api/v1/purchase/diff/next-action", withAuth(deps.Auth, purchase.HandleDiffNextAction))
	mux.HandleFunc("/api/v1/purchase/diff/onchain-state-or-result", withAuth(deps.Auth, purchase.HandleDiffOnChainStateOrResult))
	mux.HandleFunc("/api/v1/purchase/spending", withAuth(deps.Auth, purchase.HandleSpending))

	reg := NewRegistryHandlers(deps.Registry, deps.Feed)
	mux.HandleFunc("/api/v1/registry", withAuth(deps.Auth, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			reg.HandleCreate(w, r)
		case http.MethodDelete:
			reg.HandleDelete(w, r)
		default:
			writeError(w, ierr.New(ierr.Unsupported, "method not allowed"))
		}
	}))
	mux.HandleFunc("/api/v1/registry/deregister", withAuth(deps.Auth, reg.HandleDeregister))
	mux.HandleFunc("/api/v1/registry/agent-identifier", withAuth(deps.Auth, reg.HandleByAgentIdentifier))
	mux.HandleFunc("/api/v1/registry/wallet", withAuth(deps.Auth, reg.HandleByWallet))
	mux.HandleFunc("/api/v1/registry/diff", withAuth(deps.Auth, reg.HandleDiff))

	monitoring := NewMonitoringHandlers(runCtx, deps.Reconciler, deps.Dispatcher)
	mux.HandleFunc("/api/v1/monitoring", withAuth(deps.Auth, monitoring.HandleStatus))
	mux.HandleFunc("/api/v1/monitoring/trigger-cycle", withAuth(deps.Auth, monitoring.HandleTriggerCycle))
	mux.HandleFunc("/api/v1/monitoring/start", withAuth(deps.Auth, monitoring.HandleStart))
	mux.HandleFunc("/api/v1/monitoring/stop", withAuth(deps.Auth, monitoring.HandleStop))

	return mux
}
