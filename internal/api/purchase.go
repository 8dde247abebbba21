package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/cardano-escrow/orchestrator/internal/difffeed"
	"github.com/cardano-escrow/orchestrator/internal/earnings"
	"github.com/cardano-escrow/orchestrator/internal/ierr"
	"github.com/cardano-escrow/orchestrator/internal/orchestrator"
	"github.com/cardano-escrow/orchestrator/internal/store"
)

// PurchaseHandlers serves the /api/v1/purchase* routes, the buyer-side
// mirror of PaymentHandlers.
type PurchaseHandlers struct {
	orch  *orchestrator.Orchestrator
	repos *store.Repositories
	feed  *difffeed.Feed
	earn  *earnings.Aggregator
}

func NewPurchaseHandlers(orch *orchestrator.Orchestrator, repos *store.Repositories, feed *difffeed.Feed, earn *earnings.Aggregator) *PurchaseHandlers {
	return &PurchaseHandlers{orch: orch, repos: repos, feed: feed, earn: earn}
}

type createPurchaseRequest struct {
	Network                   store.Network   `json:"network"`
	BlockchainIdentifier      string          `json:"blockchainIdentifier"`
	InputHash                 string          `json:"inputHash"`
	SellerVkey                string          `json:"sellerVkey"`
	AgentIdentifier           string          `json:"agentIdentifier"`
	IdentifierFromPurchaser   string          `json:"identifierFromPurchaser"`
	PayByTime                 int64           `json:"payByTime"`
	SubmitResultTime          int64           `json:"submitResultTime"`
	UnlockTime                int64           `json:"unlockTime,omitempty"`
	ExternalDisputeUnlockTime int64           `json:"externalDisputeUnlockTime,omitempty"`
	Metadata                  json.RawMessage `json:"metadata,omitempty"`
}

// HandleCreate serves POST /purchase. RequestedByID comes from the
// authenticated caller's identity, not the request body -- the same
// `token:` header the Authenticator already resolved.
func (h *PurchaseHandlers) HandleCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, ierr.New(ierr.Unsupported, "method not allowed"))
		return
	}
	var req createPurchaseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	identity, _ := IdentityFromContext(r.Context())

	p, err := h.orch.CreatePurchase(r.Context(), orchestrator.CreatePurchaseInput{
		Network:                   req.Network,
		BlockchainIdentifier:      req.BlockchainIdentifier,
		InputHash:                 req.InputHash,
		SellerVkey:                req.SellerVkey,
		AgentIdentifier:           req.AgentIdentifier,
		IdentifierFromPurchaser:   req.IdentifierFromPurchaser,
		RequestedByID:             identity.ID,
		PayByTime:                 req.PayByTime,
		SubmitResultTime:          req.SubmitResultTime,
		UnlockTime:                req.UnlockTime,
		ExternalDisputeUnlockTime: req.ExternalDisputeUnlockTime,
		Metadata:                  req.Metadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// HandleResolveBlockchainIdentifier serves POST /purchase/resolve-blockchain-identifier.
func (h *PurchaseHandlers) HandleResolveBlockchainIdentifier(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, ierr.New(ierr.Unsupported, "method not allowed"))
		return
	}
	var req struct {
		BlockchainIdentifier string `json:"blockchainIdentifier"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	p, err := h.repos.Purchases.ByBlockchainIdentifier(r.Context(), req.BlockchainIdentifier)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *PurchaseHandlers) idFromRequest(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	var req struct {
		ID uuid.UUID `json:"id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return uuid.Nil, false
	}
	return req.ID, true
}

// HandleRequestRefund serves POST /purchase/request-refund.
func (h *PurchaseHandlers) HandleRequestRefund(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, ierr.New(ierr.Unsupported, "method not allowed"))
		return
	}
	id, ok := h.idFromRequest(w, r)
	if !ok {
		return
	}
	p, err := h.orch.RequestPurchaseRefund(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// HandleCancelRefundRequest serves POST /purchase/cancel-refund-request.
func (h *PurchaseHandlers) HandleCancelRefundRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, ierr.New(ierr.Unsupported, "method not allowed"))
		return
	}
	id, ok := h.idFromRequest(w, r)
	if !ok {
		return
	}
	p, err := h.orch.CancelPurchaseRefundRequest(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// HandleErrorStateRecovery serves POST /purchase/error-state-recovery.
func (h *PurchaseHandlers) HandleErrorStateRecovery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, ierr.New(ierr.Unsupported, "method not allowed"))
		return
	}
	var req struct {
		BlockchainIdentifier string        `json:"blockchainIdentifier"`
		Network              store.Network `json:"network"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := h.orch.ErrorStateRecovery(r.Context(), req.BlockchainIdentifier, req.Network)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// HandleDiff serves GET /purchase/diff (the combined cursor).
func (h *PurchaseHandlers) HandleDiff(w http.ResponseWriter, r *http.Request) {
	h.serveDiff(w, r, difffeed.ModeCombined)
}

// HandleDiffNextAction serves GET /purchase/diff/next-action.
func (h *PurchaseHandlers) HandleDiffNextAction(w http.ResponseWriter, r *http.Request) {
	h.serveDiff(w, r, difffeed.ModeNextAction)
}

// HandleDiffOnChainStateOrResult serves GET /purchase/diff/onchain-state-or-result.
func (h *PurchaseHandlers) HandleDiffOnChainStateOrResult(w http.ResponseWriter, r *http.Request) {
	h.serveDiff(w, r, difffeed.ModeOnChainStateOrResult)
}

func (h *PurchaseHandlers) serveDiff(w http.ResponseWriter, r *http.Request, mode difffeed.Mode) {
	if r.Method != http.MethodGet {
		writeError(w, ierr.New(ierr.Unsupported, "method not allowed"))
		return
	}
	cursor, limit, err := parseDiffQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	page, err := h.feed.Purchases(r.Context(), mode, cursor, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// HandleSpending serves POST /purchase/spending, the buyer-side §4.8 report.
func (h *PurchaseHandlers) HandleSpending(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, ierr.New(ierr.Unsupported, "method not allowed"))
		return
	}
	var req incomeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	report, err := h.earn.Run(r.Context(), earnings.Query{
		Perspective:     earnings.PerspectiveBuyer,
		Network:         req.Network,
		AgentIdentifier: req.AgentIdentifier,
		Start:           req.StartDate,
		End:             req.EndDate,
		TimeZone:        req.TimeZone,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
