package verifier

import (
	"context"
	"sort"

	"github.com/flightctl/attestctl/internal/store"
	"github.com/flightctl/attestctl/internal/store/model"
)

// fakeStore is an in-memory stand-in for store.Store, following the
// same embed-the-real-interface-then-override shape used for the
// registrar's service-layer tests.
type fakeStore struct {
	agents       *fakeAgentStore2
	attestations *fakeAttestationStore
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		agents:       &fakeAgentStore2{agents: map[string]*model.RegistrarAgent{}},
		attestations: &fakeAttestationStore{rows: map[string]map[int]*model.PushAttestation{}},
	}
}

func (s *fakeStore) Agents() store.AgentStore             { return s.agents }
func (s *fakeStore) Attestations() store.AttestationStore { return s.attestations }
func (s *fakeStore) Close() error                         { return nil }

// fakeAgentStore2 mirrors fakeAgentStore from internal/registrar, kept
// as a separate unexported type since the two packages don't share
// test helpers.
type fakeAgentStore2 struct {
	store.AgentStore
	agents map[string]*model.RegistrarAgent
}

func (s *fakeAgentStore2) Get(ctx context.Context, agentID string) (*model.RegistrarAgent, error) {
	a, ok := s.agents[agentID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *fakeAgentStore2) UpdateAcceptAttestations(ctx context.Context, agentID string, accept bool, learnedIMAKeyrings string) error {
	a, ok := s.agents[agentID]
	if !ok {
		return store.ErrNotFound
	}
	a.AcceptAttestations = accept
	a.LearnedIMAKeyrings = learnedIMAKeyrings
	return nil
}

type fakeAttestationStore struct {
	store.AttestationStore
	rows map[string]map[int]*model.PushAttestation
}

func (s *fakeAttestationStore) Create(ctx context.Context, a *model.PushAttestation) error {
	if s.rows[a.AgentID] == nil {
		s.rows[a.AgentID] = map[int]*model.PushAttestation{}
	}
	if _, exists := s.rows[a.AgentID][a.Index]; exists {
		return store.ErrConcurrentNegotiation
	}
	cp := *a
	s.rows[a.AgentID][a.Index] = &cp
	return nil
}

func (s *fakeAttestationStore) Get(ctx context.Context, agentID string, index int) (*model.PushAttestation, error) {
	byIndex, ok := s.rows[agentID]
	if !ok {
		return nil, store.ErrNotFound
	}
	a, ok := byIndex[index]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *fakeAttestationStore) Latest(ctx context.Context, agentID string) (*model.PushAttestation, error) {
	byIndex, ok := s.rows[agentID]
	if !ok || len(byIndex) == 0 {
		return nil, nil
	}
	var best *model.PushAttestation
	for _, a := range byIndex {
		if best == nil || a.Index > best.Index {
			best = a
		}
	}
	cp := *best
	return &cp, nil
}

func (s *fakeAttestationStore) List(ctx context.Context, agentID string, params store.ListParams) ([]model.PushAttestation, error) {
	byIndex := s.rows[agentID]
	out := make([]model.PushAttestation, 0, len(byIndex))
	for _, a := range byIndex {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index > out[j].Index })
	return out, nil
}

func (s *fakeAttestationStore) Delete(ctx context.Context, agentID string, index int) error {
	byIndex, ok := s.rows[agentID]
	if !ok {
		return store.ErrNotFound
	}
	if _, ok := byIndex[index]; !ok {
		return store.ErrNotFound
	}
	delete(byIndex, index)
	return nil
}

func (s *fakeAttestationStore) SetTerminal(ctx context.Context, agentID string, index int, status, failureType string, quotedIMAEntries int, pcrs string) error {
	a, err := s.getMutable(agentID, index)
	if err != nil {
		return err
	}
	a.Status = status
	a.FailureType = failureType
	a.QuotedIMAEntriesCount = quotedIMAEntries
	a.TPMPCRs = pcrs
	return nil
}

func (s *fakeAttestationStore) MarkReceived(ctx context.Context, agentID string, index int, quote, imaEntries string, mbEntries []byte) error {
	a, err := s.getMutable(agentID, index)
	if err != nil {
		return err
	}
	a.Status = "received"
	a.TPMQuote = quote
	a.IMAEntries = imaEntries
	a.MBEntries = mbEntries
	return nil
}

func (s *fakeAttestationStore) ListPending(ctx context.Context) ([]model.PushAttestation, error) {
	var out []model.PushAttestation
	for _, byIndex := range s.rows {
		for _, a := range byIndex {
			if a.Status == "waiting" || a.Status == "received" {
				out = append(out, *a)
			}
		}
	}
	return out, nil
}

func (s *fakeAttestationStore) getMutable(agentID string, index int) (*model.PushAttestation, error) {
	byIndex, ok := s.rows[agentID]
	if !ok {
		return nil, store.ErrNotFound
	}
	a, ok := byIndex[index]
	if !ok {
		return nil, store.ErrNotFound
	}
	return a, nil
}
