package api

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/cardano-escrow/orchestrator/internal/difffeed"
	"github.com/cardano-escrow/orchestrator/internal/ierr"
	"github.com/cardano-escrow/orchestrator/internal/registry"
	"github.com/cardano-escrow/orchestrator/internal/store"
)

// RegistryHandlers serves the /api/v1/registry* routes.
type RegistryHandlers struct {
	reg  *registry.Registry
	feed *difffeed.Feed
}

func NewRegistryHandlers(reg *registry.Registry, feed *difffeed.Feed) *RegistryHandlers {
	return &RegistryHandlers{reg: reg, feed: feed}
}

type createRegistryRequest struct {
	PaymentSourceID       uuid.UUID    `json:"paymentSourceId"`
	SmartContractWalletID uuid.UUID    `json:"smartContractWalletId"`
	Name                  string       `json:"name"`
	APIBaseURL            string       `json:"apiBaseUrl"`
	AuthorName            string       `json:"authorName"`
	AuthorContact         string       `json:"authorContact,omitempty"`
	AuthorOrg             string       `json:"authorOrganization,omitempty"`
	LegalPrivacy          string       `json:"legalPrivacyPolicy,omitempty"`
	LegalTerms            string       `json:"legalTerms,omitempty"`
	LegalOther            string       `json:"legalOther,omitempty"`
	Capability            string       `json:"capabilityDescription"`
	Tags                  []string     `json:"tags,omitempty"`
	Image                 string       `json:"image,omitempty"`
	MetadataVersion       int          `json:"metadataVersion"`
	Pricing               store.Pricing `json:"pricing"`
}

// HandleCreate serves POST /registry.
func (h *RegistryHandlers) HandleCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, ierr.New(ierr.Unsupported, "method not allowed"))
		return
	}
	var req createRegistryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	rr, err := h.reg.Create(r.Context(), registry.CreateInput{
		PaymentSourceID:       req.PaymentSourceID,
		SmartContractWalletID: req.SmartContractWalletID,
		Name:                  req.Name,
		APIBaseURL:            req.APIBaseURL,
		AuthorName:            req.AuthorName,
		AuthorContact:         req.AuthorContact,
		AuthorOrg:             req.AuthorOrg,
		LegalPrivacy:          req.LegalPrivacy,
		LegalTerms:            req.LegalTerms,
		LegalOther:            req.LegalOther,
		Capability:            req.Capability,
		Tags:                  req.Tags,
		Image:                 req.Image,
		MetadataVersion:       req.MetadataVersion,
		Pricing:               req.Pricing,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rr)
}

// HandleDeregister serves POST /registry/deregister.
func (h *RegistryHandlers) HandleDeregister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, ierr.New(ierr.Unsupported, "method not allowed"))
		return
	}
	var req struct {
		ID uuid.UUID `json:"id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	rr, err := h.reg.Deregister(r.Context(), req.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rr)
}

// HandleDelete serves DELETE /registry.
func (h *RegistryHandlers) HandleDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeError(w, ierr.New(ierr.Unsupported, "method not allowed"))
		return
	}
	var req struct {
		ID uuid.UUID `json:"id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.reg.Delete(r.Context(), req.ID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

// HandleByAgentIdentifier serves GET /registry/agent-identifier.
func (h *RegistryHandlers) HandleByAgentIdentifier(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, ierr.New(ierr.Unsupported, "method not allowed"))
		return
	}
	agentIdentifier := r.URL.Query().Get("agentIdentifier")
	rr, err := h.reg.ByAgentIdentifier(r.Context(), agentIdentifier)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rr)
}

// HandleByWallet serves GET /registry/wallet.
func (h *RegistryHandlers) HandleByWallet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, ierr.New(ierr.Unsupported, "method not allowed"))
		return
	}
	walletID, err := uuid.Parse(r.URL.Query().Get("smartContractWalletId"))
	if err != nil {
		writeError(w, ierr.InvalidArgumentf("invalid smartContractWalletId: %v", err))
		return
	}
	rr, err := h.reg.ByWallet(r.Context(), walletID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rr)
}

// HandleDiff serves GET /registry/diff.
func (h *RegistryHandlers) HandleDiff(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, ierr.New(ierr.Unsupported, "method not allowed"))
		return
	}
	cursor, limit, err := parseDiffQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	page, err := h.feed.Registrations(r.Context(), cursor, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}
