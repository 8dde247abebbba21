package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/cardano-escrow/orchestrator/internal/difffeed"
	"github.com/cardano-escrow/orchestrator/internal/earnings"
	"github.com/cardano-escrow/orchestrator/internal/ierr"
	"github.com/cardano-escrow/orchestrator/internal/orchestrator"
	"github.com/cardano-escrow/orchestrator/internal/store"
)

// PaymentHandlers serves the /api/v1/payment* routes.
type PaymentHandlers struct {
	orch  *orchestrator.Orchestrator
	repos *store.Repositories
	feed  *difffeed.Feed
	earn  *earnings.Aggregator
}

func NewPaymentHandlers(orch *orchestrator.Orchestrator, repos *store.Repositories, feed *difffeed.Feed, earn *earnings.Aggregator) *PaymentHandlers {
	return &PaymentHandlers{orch: orch, repos: repos, feed: feed, earn: earn}
}

// createPaymentRequest mirrors orchestrator.CreatePaymentInput's JSON wire
// shape; network and identifiers travel as strings over the wire.
type createPaymentRequest struct {
	Network                 store.Network   `json:"network"`
	AgentIdentifier         string          `json:"agentIdentifier"`
	InputHash               string          `json:"inputHash"`
	IdentifierFromPurchaser string          `json:"identifierFromPurchaser"`
	PayByTime               int64           `json:"payByTime"`
	SubmitResultTime        int64           `json:"submitResultTime"`
	UnlockTime              int64           `json:"unlockTime,omitempty"`
	ExternalDisputeUnlockTime int64         `json:"externalDisputeUnlockTime,omitempty"`
	Metadata                json.RawMessage `json:"metadata,omitempty"`
}

// HandleCreate serves POST /payment.
func (h *PaymentHandlers) HandleCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, ierr.New(ierr.Unsupported, "method not allowed"))
		return
	}
	var req createPaymentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	p, err := h.orch.CreatePayment(r.Context(), orchestrator.CreatePaymentInput{
		Network:                   req.Network,
		AgentIdentifier:           req.AgentIdentifier,
		InputHash:                 req.InputHash,
		IdentifierFromPurchaser:   req.IdentifierFromPurchaser,
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

// HandleResolveBlockchainIdentifier serves POST /payment/resolve-blockchain-identifier.
func (h *PaymentHandlers) HandleResolveBlockchainIdentifier(w http.ResponseWriter, r *http.Request) {
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
	p, err := h.repos.Payments.ByBlockchainIdentifier(r.Context(), req.BlockchainIdentifier)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *PaymentHandlers) idFromRequest(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	var req struct {
		ID uuid.UUID `json:"id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return uuid.Nil, false
	}
	return req.ID, true
}

// HandleAuthorizeRefund serves POST /payment/authorize-refund.
func (h *PaymentHandlers) HandleAuthorizeRefund(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, ierr.New(ierr.Unsupported, "method not allowed"))
		return
	}
	id, ok := h.idFromRequest(w, r)
	if !ok {
		return
	}
	p, err := h.orch.AuthorizePaymentRefund(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// HandleSubmitResult serves POST /payment/submit-result.
func (h *PaymentHandlers) HandleSubmitResult(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, ierr.New(ierr.Unsupported, "method not allowed"))
		return
	}
	id, ok := h.idFromRequest(w, r)
	if !ok {
		return
	}
	p, err := h.orch.SubmitPaymentResult(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// HandleErrorStateRecovery serves POST /payment/error-state-recovery.
func (h *PaymentHandlers) HandleErrorStateRecovery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, ierr.New(ierr.Unsupported, "method not allowed"))
		return
	}
	var req struct {
		BlockchainIdentifier string       `json:"blockchainIdentifier"`
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

func parseDiffQuery(r *http.Request) (cursor difffeed.Cursor, limit int, err error) {
	if tok := r.URL.Query().Get("cursorToken"); tok != "" {
		cursor, err = difffeed.DecodeToken(tok)
		if err != nil {
			return cursor, 0, ierr.InvalidArgumentf("invalid cursorToken: %v", err)
		}
	}
	limit = 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil {
			return cursor, 0, ierr.InvalidArgumentf("invalid limit: %v", err)
		}
	}
	return cursor, limit, nil
}

// HandleDiff serves GET /payment/diff (the combined cursor).
func (h *PaymentHandlers) HandleDiff(w http.ResponseWriter, r *http.Request) {
	h.serveDiff(w, r, difffeed.ModeCombined)
}

// HandleDiffNextAction serves GET /payment/diff/next-action.
func (h *PaymentHandlers) HandleDiffNextAction(w http.ResponseWriter, r *http.Request) {
	h.serveDiff(w, r, difffeed.ModeNextAction)
}

// HandleDiffOnChainStateOrResult serves GET /payment/diff/onchain-state-or-result.
func (h *PaymentHandlers) HandleDiffOnChainStateOrResult(w http.ResponseWriter, r *http.Request) {
	h.serveDiff(w, r, difffeed.ModeOnChainStateOrResult)
}

func (h *PaymentHandlers) serveDiff(w http.ResponseWriter, r *http.Request, mode difffeed.Mode) {
	if r.Method != http.MethodGet {
		writeError(w, ierr.New(ierr.Unsupported, "method not allowed"))
		return
	}
	cursor, limit, err := parseDiffQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	page, err := h.feed.Payments(r.Context(), mode, cursor, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// incomeRequest is POST /payment/income's body: §4.8's query parameters.
type incomeRequest struct {
	AgentIdentifier *string      `json:"agentIdentifier,omitempty"`
	Network         store.Network `json:"network"`
	StartDate       int64        `json:"startDate,omitempty"`
	EndDate         int64        `json:"endDate,omitempty"`
	TimeZone        string       `json:"timeZone"`
}

// HandleIncome serves POST /payment/income, the §4.8 earnings aggregator.
func (h *PaymentHandlers) HandleIncome(w http.ResponseWriter, r *http.Request) {
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
		Perspective:     earnings.PerspectiveSeller,
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
