package providers

import (
	"context"
	"sort"
	"sync"
)

// HealthStore persists breaker snapshots so a restarted process does not
// hammer a provider that was open before it went down.
type HealthStore interface {
	Save(ctx context.Context, state HealthState) error
	Load(ctx context.Context) ([]HealthState, error)
}

// MemoryHealthStore keeps snapshots in process memory.
type MemoryHealthStore struct {
	mu     sync.Mutex
	states map[string]HealthState
}

func NewMemoryHealthStore() *MemoryHealthStore {
	return &MemoryHealthStore{states: map[string]HealthState{}}
}

func (s *MemoryHealthStore) Save(_ context.Context, state HealthState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[healthField(state.Provider, state.Capability)] = state
	return nil
}

func (s *MemoryHealthStore) Load(_ context.Context) ([]HealthState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]HealthState, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, st)
	}
	sortHealth(out)
	return out, nil
}

func healthField(provider string, capability Capability) string {
	return provider + "|" + string(capability)
}

func sortHealth(states []HealthState) {
	sort.Slice(states, func(i, j int) bool {
		if states[i].Provider == states[j].Provider {
			return states[i].Capability < states[j].Capability
		}
		return states[i].Provider < states[j].Provider
	})
}
