package storage

import (
	"encoding/json"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"intentcast/internal/apperr"
	"intentcast/internal/types"
)

// LevelDBStore is the durable store. Records are JSON blobs under prefixed
// keys; a secondary index maps agent ids to provider ids for idempotent
// registration. A transition mutex serializes the read-check-write cycle
// of status transitions (single-writer per process).
type LevelDBStore struct {
	db *leveldb.DB
	// guards the read-modify-write of transitions and offer creation
	tmu sync.Mutex
}

func NewLevelDB(path string) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(filepath.Clean(path), nil)
	if err != nil {
		return nil, err
	}
	return &LevelDBStore{db: db}, nil
}

func (s *LevelDBStore) Close() error { return s.db.Close() }

func keyIntent(id string) []byte   { return []byte("int:" + id) }
func keyOffer(id string) []byte    { return []byte("off:" + id) }
func keyProvider(id string) []byte { return []byte("prov:" + id) }
func keyAgent(agentID string) []byte {
	return []byte("agent:" + strings.ToLower(agentID))
}

func (s *LevelDBStore) putJSON(key []byte, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Put(key, b, nil)
}

// Intents

func (s *LevelDBStore) CreateIntent(in *types.Intent) error {
	if ok, _ := s.db.Has(keyIntent(in.ID), nil); ok {
		return apperr.Conflictf("intent %s already exists", in.ID)
	}
	return s.putJSON(keyIntent(in.ID), in)
}

func (s *LevelDBStore) GetIntent(id string) (*types.Intent, error) {
	data, err := s.db.Get(keyIntent(id), nil)
	if err == leveldb.ErrNotFound {
		return nil, apperr.NotFoundf("intent %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	var in types.Intent
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, err
	}
	return &in, nil
}

func (s *LevelDBStore) ListIntents(f IntentFilter) ([]*types.Intent, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte("int:")), nil)
	defer it.Release()
	var out []*types.Intent
	for it.Next() {
		var in types.Intent
		if err := json.Unmarshal(it.Value(), &in); err != nil {
			continue
		}
		if f.Status != "" && in.Status != f.Status {
			continue
		}
		if f.Category != "" && !strings.EqualFold(in.RequiredCategory(), f.Category) {
			continue
		}
		cp := in
		out = append(out, &cp)
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *LevelDBStore) UpdateIntent(in *types.Intent) error {
	if ok, _ := s.db.Has(keyIntent(in.ID), nil); !ok {
		return apperr.NotFoundf("intent %s not found", in.ID)
	}
	cp := in.Clone()
	cp.UpdatedAt = time.Now().UTC()
	return s.putJSON(keyIntent(in.ID), cp)
}

func (s *LevelDBStore) TransitionIntent(id string, from types.IntentStatus, mutate func(*types.Intent)) (*types.Intent, error) {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	in, err := s.GetIntent(id)
	if err != nil {
		return nil, err
	}
	if in.Status != from {
		return nil, apperr.Conflictf("intent %s is %s", id, in.Status).
			WithDetail("status", string(in.Status))
	}
	mutate(in)
	in.UpdatedAt = time.Now().UTC()
	if err := s.putJSON(keyIntent(id), in); err != nil {
		return nil, err
	}
	return in, nil
}

// Offers

func (s *LevelDBStore) CreateOffer(o *types.Offer) error {
	// Creation shares the transition mutex so the pending-uniqueness scan
	// and the write are one critical section.
	s.tmu.Lock()
	defer s.tmu.Unlock()
	if ok, _ := s.db.Has(keyOffer(o.ID), nil); ok {
		return apperr.Conflictf("offer %s already exists", o.ID)
	}
	if o.Status == types.OfferPending {
		dups, err := s.listOffers(func(existing *types.Offer) bool {
			return existing.IntentID == o.IntentID && existing.ProviderID == o.ProviderID &&
				existing.Status == types.OfferPending
		})
		if err != nil {
			return err
		}
		if len(dups) > 0 {
			return apperr.Conflictf("provider %s already has a pending offer on intent %s",
				o.ProviderID, o.IntentID).WithDetail("offerId", dups[0].ID)
		}
	}
	return s.putJSON(keyOffer(o.ID), o)
}

func (s *LevelDBStore) GetOffer(id string) (*types.Offer, error) {
	data, err := s.db.Get(keyOffer(id), nil)
	if err == leveldb.ErrNotFound {
		return nil, apperr.NotFoundf("offer %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	var o types.Offer
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *LevelDBStore) listOffers(match func(*types.Offer) bool) ([]*types.Offer, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte("off:")), nil)
	defer it.Release()
	var out []*types.Offer
	for it.Next() {
		var o types.Offer
		if err := json.Unmarshal(it.Value(), &o); err != nil {
			continue
		}
		if !match(&o) {
			continue
		}
		cp := o
		out = append(out, &cp)
	}
	return out, it.Error()
}

func (s *LevelDBStore) ListOffersByIntent(intentID string) ([]*types.Offer, error) {
	out, err := s.listOffers(func(o *types.Offer) bool { return o.IntentID == intentID })
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *LevelDBStore) ListOffersByProvider(providerID string) ([]*types.Offer, error) {
	out, err := s.listOffers(func(o *types.Offer) bool { return o.ProviderID == providerID })
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *LevelDBStore) UpdateOffer(o *types.Offer) error {
	if ok, _ := s.db.Has(keyOffer(o.ID), nil); !ok {
		return apperr.NotFoundf("offer %s not found", o.ID)
	}
	cp := o.Clone()
	cp.UpdatedAt = time.Now().UTC()
	return s.putJSON(keyOffer(o.ID), cp)
}

func (s *LevelDBStore) TransitionOffer(id string, from types.OfferStatus, mutate func(*types.Offer)) (*types.Offer, error) {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	o, err := s.GetOffer(id)
	if err != nil {
		return nil, err
	}
	if o.Status != from {
		return nil, apperr.Conflictf("offer %s is %s", id, o.Status).
			WithDetail("status", string(o.Status))
	}
	mutate(o)
	o.UpdatedAt = time.Now().UTC()
	if err := s.putJSON(keyOffer(id), o); err != nil {
		return nil, err
	}
	return o, nil
}

// Providers

func (s *LevelDBStore) CreateProvider(p *types.Provider) error {
	if ok, _ := s.db.Has(keyProvider(p.ID), nil); ok {
		return apperr.Conflictf("provider %s already exists", p.ID)
	}
	if ok, _ := s.db.Has(keyAgent(p.AgentID), nil); ok {
		return apperr.Conflictf("agent %s already registered", p.AgentID)
	}
	if err := s.putJSON(keyProvider(p.ID), p); err != nil {
		return err
	}
	return s.db.Put(keyAgent(p.AgentID), []byte(p.ID), nil)
}

func (s *LevelDBStore) GetProvider(id string) (*types.Provider, error) {
	data, err := s.db.Get(keyProvider(id), nil)
	if err == leveldb.ErrNotFound {
		return nil, apperr.NotFoundf("provider %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	var p types.Provider
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *LevelDBStore) GetProviderByAgentID(agentID string) (*types.Provider, error) {
	id, err := s.db.Get(keyAgent(agentID), nil)
	if err == leveldb.ErrNotFound {
		return nil, apperr.NotFoundf("agent %s not registered", agentID)
	}
	if err != nil {
		return nil, err
	}
	return s.GetProvider(string(id))
}

func (s *LevelDBStore) ListProviders(f ProviderFilter) ([]*types.Provider, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte("prov:")), nil)
	defer it.Release()
	var out []*types.Provider
	for it.Next() {
		var p types.Provider
		if err := json.Unmarshal(it.Value(), &p); err != nil {
			continue
		}
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		if f.Category != "" && !providerHasCategory(&p, f.Category) {
			continue
		}
		cp := p
		out = append(out, &cp)
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].RegisteredAt.Before(out[j].RegisteredAt)
	})
	return out, nil
}

func (s *LevelDBStore) UpdateProvider(p *types.Provider) error {
	if ok, _ := s.db.Has(keyProvider(p.ID), nil); !ok {
		return apperr.NotFoundf("provider %s not found", p.ID)
	}
	cp := p.Clone()
	cp.LastSeen = time.Now().UTC()
	return s.putJSON(keyProvider(p.ID), cp)
}
