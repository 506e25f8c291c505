package storage

import (
	"sort"
	"strings"
	"sync"
	"time"

	"intentcast/internal/apperr"
	"intentcast/internal/types"
)

// Memory is the volatile map-backed store. All records are deep-copied on
// the way in and out so callers never share state with the store.
// A single RWMutex serializes transitions; critical sections touch no I/O.
type Memory struct {
	mu        sync.RWMutex
	intents   map[string]*types.Intent
	offers    map[string]*types.Offer
	providers map[string]*types.Provider
}

func NewMemory() *Memory {
	return &Memory{
		intents:   make(map[string]*types.Intent),
		offers:    make(map[string]*types.Offer),
		providers: make(map[string]*types.Provider),
	}
}

func (s *Memory) Close() error { return nil }

// Intents

func (s *Memory) CreateIntent(in *types.Intent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.intents[in.ID]; ok {
		return apperr.Conflictf("intent %s already exists", in.ID)
	}
	s.intents[in.ID] = in.Clone()
	return nil
}

func (s *Memory) GetIntent(id string) (*types.Intent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	in, ok := s.intents[id]
	if !ok {
		return nil, apperr.NotFoundf("intent %s not found", id)
	}
	return in.Clone(), nil
}

func (s *Memory) ListIntents(f IntentFilter) ([]*types.Intent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Intent, 0, len(s.intents))
	for _, in := range s.intents {
		if f.Status != "" && in.Status != f.Status {
			continue
		}
		if f.Category != "" && !strings.EqualFold(in.RequiredCategory(), f.Category) {
			continue
		}
		out = append(out, in.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Memory) UpdateIntent(in *types.Intent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.intents[in.ID]; !ok {
		return apperr.NotFoundf("intent %s not found", in.ID)
	}
	cp := in.Clone()
	cp.UpdatedAt = time.Now().UTC()
	s.intents[in.ID] = cp
	return nil
}

func (s *Memory) TransitionIntent(id string, from types.IntentStatus, mutate func(*types.Intent)) (*types.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.intents[id]
	if !ok {
		return nil, apperr.NotFoundf("intent %s not found", id)
	}
	if in.Status != from {
		return nil, apperr.Conflictf("intent %s is %s", id, in.Status).
			WithDetail("status", string(in.Status))
	}
	cp := in.Clone()
	mutate(cp)
	cp.UpdatedAt = time.Now().UTC()
	s.intents[id] = cp
	return cp.Clone(), nil
}

// Offers

func (s *Memory) CreateOffer(o *types.Offer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.offers[o.ID]; ok {
		return apperr.Conflictf("offer %s already exists", o.ID)
	}
	if o.Status == types.OfferPending {
		for _, existing := range s.offers {
			if existing.IntentID == o.IntentID && existing.ProviderID == o.ProviderID &&
				existing.Status == types.OfferPending {
				return apperr.Conflictf("provider %s already has a pending offer on intent %s",
					o.ProviderID, o.IntentID).WithDetail("offerId", existing.ID)
			}
		}
	}
	s.offers[o.ID] = o.Clone()
	return nil
}

func (s *Memory) GetOffer(id string) (*types.Offer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.offers[id]
	if !ok {
		return nil, apperr.NotFoundf("offer %s not found", id)
	}
	return o.Clone(), nil
}

func (s *Memory) ListOffersByIntent(intentID string) ([]*types.Offer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Offer
	for _, o := range s.offers {
		if o.IntentID == intentID {
			out = append(out, o.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Memory) ListOffersByProvider(providerID string) ([]*types.Offer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Offer
	for _, o := range s.offers {
		if o.ProviderID == providerID {
			out = append(out, o.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Memory) UpdateOffer(o *types.Offer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.offers[o.ID]; !ok {
		return apperr.NotFoundf("offer %s not found", o.ID)
	}
	cp := o.Clone()
	cp.UpdatedAt = time.Now().UTC()
	s.offers[o.ID] = cp
	return nil
}

func (s *Memory) TransitionOffer(id string, from types.OfferStatus, mutate func(*types.Offer)) (*types.Offer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.offers[id]
	if !ok {
		return nil, apperr.NotFoundf("offer %s not found", id)
	}
	if o.Status != from {
		return nil, apperr.Conflictf("offer %s is %s", id, o.Status).
			WithDetail("status", string(o.Status))
	}
	cp := o.Clone()
	mutate(cp)
	cp.UpdatedAt = time.Now().UTC()
	s.offers[id] = cp
	return cp.Clone(), nil
}

// Providers

func (s *Memory) CreateProvider(p *types.Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.providers[p.ID]; ok {
		return apperr.Conflictf("provider %s already exists", p.ID)
	}
	for _, existing := range s.providers {
		if strings.EqualFold(existing.AgentID, p.AgentID) {
			return apperr.Conflictf("agent %s already registered", p.AgentID)
		}
	}
	s.providers[p.ID] = p.Clone()
	return nil
}

func (s *Memory) GetProvider(id string) (*types.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.providers[id]
	if !ok {
		return nil, apperr.NotFoundf("provider %s not found", id)
	}
	return p.Clone(), nil
}

func (s *Memory) GetProviderByAgentID(agentID string) (*types.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.providers {
		if strings.EqualFold(p.AgentID, agentID) {
			return p.Clone(), nil
		}
	}
	return nil, apperr.NotFoundf("agent %s not registered", agentID)
}

func (s *Memory) ListProviders(f ProviderFilter) ([]*types.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Provider, 0, len(s.providers))
	for _, p := range s.providers {
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		if f.Category != "" && !providerHasCategory(p, f.Category) {
			continue
		}
		out = append(out, p.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].RegisteredAt.Before(out[j].RegisteredAt)
	})
	return out, nil
}

func (s *Memory) UpdateProvider(p *types.Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.providers[p.ID]; !ok {
		return apperr.NotFoundf("provider %s not found", p.ID)
	}
	cp := p.Clone()
	cp.LastSeen = time.Now().UTC()
	s.providers[p.ID] = cp
	return nil
}

func providerHasCategory(p *types.Provider, category string) bool {
	for _, c := range p.CategorySet() {
		if strings.EqualFold(c, category) {
			return true
		}
	}
	return false
}
