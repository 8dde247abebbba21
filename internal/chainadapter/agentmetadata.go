package chainadapter

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cardano-escrow/orchestrator/internal/store"
)

// ChunkedString decodes an on-chain metadata string field that may arrive
// either as a plain JSON string or as an array of chunks (Cardano
// transaction metadata truncates any single string at 64 bytes, so long
// values get split by the minter and must be rejoined by the reader).
type ChunkedString string

func (c *ChunkedString) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*c = ChunkedString(single)
		return nil
	}

	var chunks []string
	if err := json.Unmarshal(data, &chunks); err != nil {
		return fmt.Errorf("chunked string is neither a string nor an array of strings: %w", err)
	}
	*c = ChunkedString(strings.Join(chunks, ""))
	return nil
}

// AgentAuthor is the on-chain datum's author block.
type AgentAuthor struct {
	Name         ChunkedString `json:"name"`
	ContactEmail ChunkedString `json:"contact_email,omitempty"`
	ContactOther ChunkedString `json:"contact_other,omitempty"`
	Organization ChunkedString `json:"organization,omitempty"`
}

// AgentLegal is the on-chain datum's optional legal block.
type AgentLegal struct {
	PrivacyPolicy ChunkedString `json:"privacy_policy,omitempty"`
	Terms         ChunkedString `json:"terms,omitempty"`
	Other         ChunkedString `json:"other,omitempty"`
}

// AgentMetadata is the parsed shape of an agent NFT's on-chain datum.
// CreatePayment only ever needs Pricing, but the whole datum is parsed up
// front so a malformed field anywhere in it is caught before any DB write.
type AgentMetadata struct {
	Name            ChunkedString   `json:"name"`
	Description     ChunkedString   `json:"description,omitempty"`
	APIBaseURL      ChunkedString   `json:"api_base_url"`
	ExampleOutput   ChunkedString   `json:"example_output,omitempty"`
	Capability      ChunkedString   `json:"capability,omitempty"`
	Author          AgentAuthor     `json:"author"`
	Legal           *AgentLegal     `json:"legal,omitempty"`
	Tags            []ChunkedString `json:"tags,omitempty"`
	Pricing         store.Pricing   `json:"agentPricing"`
	Image           ChunkedString   `json:"image"`
	MetadataVersion int             `json:"metadata_version"`
}

// ParseAgentMetadata decodes raw into an AgentMetadata, collapsing every
// Chunked ⊎ Atomic string field along the way.
func ParseAgentMetadata(raw json.RawMessage) (*AgentMetadata, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty agent metadata")
	}
	var m AgentMetadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode agent metadata: %w", err)
	}
	return &m, nil
}

// TagStrings collapses Tags into plain strings for storage/display.
func (m *AgentMetadata) TagStrings() []string {
	out := make([]string, len(m.Tags))
	for i, t := range m.Tags {
		out[i] = string(t)
	}
	return out
}
