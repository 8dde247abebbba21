package chainadapter

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cardano-escrow/orchestrator/internal/ierr"
	"github.com/cardano-escrow/orchestrator/internal/store"
	"github.com/google/uuid"
)

// Memory is an in-memory Adapter used by tests and local development. It
// is not a production chain client -- it is the seam's test double,
// mirroring the mutex-guarded in-memory maps pkg/execution/credit_checker.go
// and pkg/execution/nonce_tracker.go use for their own in-process
// bookkeeping.
type Memory struct {
	mu sync.RWMutex

	holders   map[string]AssetHolder
	txns      []ObservedTransaction
	submits   []SubmitActionRequest
	submitErr error

	registrationSubmits []RegistrationSubmitRequest
	registrationPolicy  string
}

func NewMemory() *Memory {
	return &Memory{holders: make(map[string]AssetHolder), registrationPolicy: "fakepolicy00000000000000000000000000000000000000000000"}
}

// SetAssetHolder seeds the holder a test expects AssetHolder to return.
func (m *Memory) SetAssetHolder(agentIdentifier string, holder AssetHolder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.holders[agentIdentifier] = holder
}

// AddObservedTransaction queues a transaction TransactionsSince will
// eventually return.
func (m *Memory) AddObservedTransaction(tx ObservedTransaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txns = append(m.txns, tx)
}

func (m *Memory) AssetHolder(_ context.Context, agentIdentifier string) (*AssetHolder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	holder, ok := m.holders[agentIdentifier]
	if !ok {
		return nil, ierr.NotFoundf("no asset holder registered for agentIdentifier %q", agentIdentifier)
	}
	return &holder, nil
}

func (m *Memory) TransactionsSince(_ context.Context, addresses []string, since time.Time, limit int) ([]ObservedTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	wanted := make(map[string]bool, len(addresses))
	for _, a := range addresses {
		wanted[a] = true
	}

	var out []ObservedTransaction
	for _, tx := range m.txns {
		if !tx.BlockTime.After(since) {
			continue
		}
		if len(wanted) > 0 && !wanted[tx.SmartContractAddress] {
			continue
		}
		out = append(out, tx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BlockTime.Before(out[j].BlockTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SetSubmitError makes every subsequent SubmitAction call fail with err,
// the dispatcher test double's equivalent of a chain node rejecting a
// submission. Pass nil to resume succeeding.
func (m *Memory) SetSubmitError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitErr = err
}

func (m *Memory) SubmitAction(_ context.Context, req SubmitActionRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.submitErr != nil {
		return "", m.submitErr
	}
	m.submits = append(m.submits, req)
	return "fake-tx-" + req.BlockchainIdentifier, nil
}

// Submissions returns every SubmitAction call recorded so far, for test
// assertions.
func (m *Memory) Submissions() []SubmitActionRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SubmitActionRequest, len(m.submits))
	copy(out, m.submits)
	return out
}

// SubmitRegistrationAction fakes an NFT mint by assigning a deterministic
// asset name under m.registrationPolicy; a burn (RequestedState ==
// DeregistrationRequested) returns the empty agentIdentifier, mirroring a
// token leaving circulation.
func (m *Memory) SubmitRegistrationAction(_ context.Context, req RegistrationSubmitRequest) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.submitErr != nil {
		return "", "", m.submitErr
	}
	m.registrationSubmits = append(m.registrationSubmits, req)

	txHash := "fake-registration-tx-" + req.RequestID
	if req.RequestedState == store.DeregistrationRequested {
		return "", txHash, nil
	}
	assetName := strings.ReplaceAll(uuid.New().String(), "-", "")[:24]
	return m.registrationPolicy + assetName, txHash, nil
}

// RegistrationSubmissions returns every SubmitRegistrationAction call
// recorded so far, for test assertions.
func (m *Memory) RegistrationSubmissions() []RegistrationSubmitRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]RegistrationSubmitRequest, len(m.registrationSubmits))
	copy(out, m.registrationSubmits)
	return out
}
