// Package storage abstracts record persistence for intents, offers and
// providers. Two implementations exist: a volatile map-backed store and a
// durable LevelDB-backed store. Services depend only on the Store
// interface, so the accept-offer atomicity contract holds regardless of
// backend.
package storage

import (
	"intentcast/internal/types"
)

type IntentFilter struct {
	Status   types.IntentStatus
	Category string
}

type ProviderFilter struct {
	Status   types.ProviderStatus
	Category string
}

// Store is the record store contract.
//
// Ordering: ListIntents returns newest-first by creation time,
// ListOffersByIntent oldest-first (submission order), ListOffersByProvider
// newest-first.
//
// TransitionIntent and TransitionOffer are compare-and-swap updates: the
// mutation runs only if the record's current status equals from, serialized
// per record. Of two racing transitions on the same record, the loser gets
// a conflict error naming the status it observed.
//
// CreateOffer atomically rejects a second pending offer for the same
// (intent, provider) pair; the conflict carries the existing offer's id.
type Store interface {
	CreateIntent(in *types.Intent) error
	GetIntent(id string) (*types.Intent, error)
	ListIntents(f IntentFilter) ([]*types.Intent, error)
	UpdateIntent(in *types.Intent) error
	TransitionIntent(id string, from types.IntentStatus, mutate func(*types.Intent)) (*types.Intent, error)

	CreateOffer(o *types.Offer) error
	GetOffer(id string) (*types.Offer, error)
	ListOffersByIntent(intentID string) ([]*types.Offer, error)
	ListOffersByProvider(providerID string) ([]*types.Offer, error)
	UpdateOffer(o *types.Offer) error
	TransitionOffer(id string, from types.OfferStatus, mutate func(*types.Offer)) (*types.Offer, error)

	CreateProvider(p *types.Provider) error
	GetProvider(id string) (*types.Provider, error)
	GetProviderByAgentID(agentID string) (*types.Provider, error)
	ListProviders(f ProviderFilter) ([]*types.Provider, error)
	UpdateProvider(p *types.Provider) error

	Close() error
}

// Stats summarizes store contents for health reporting.
type Stats struct {
	Intents         int `json:"intents"`
	Providers       int `json:"providers"`
	Offers          int `json:"offers"`
	ActiveIntents   int `json:"activeIntents"`
	OnlineProviders int `json:"onlineProviders"`
}

// CollectStats derives counters from any Store implementation.
func CollectStats(s Store) (Stats, error) {
	var st Stats
	intents, err := s.ListIntents(IntentFilter{})
	if err != nil {
		return st, err
	}
	providers, err := s.ListProviders(ProviderFilter{})
	if err != nil {
		return st, err
	}
	st.Intents = len(intents)
	st.Providers = len(providers)
	for _, in := range intents {
		offers, err := s.ListOffersByIntent(in.ID)
		if err != nil {
			return st, err
		}
		st.Offers += len(offers)
		if in.Status == types.IntentActive {
			st.ActiveIntents++
		}
	}
	for _, p := range providers {
		if p.Status == types.ProviderOnline {
			st.OnlineProviders++
		}
	}
	return st, nil
}
