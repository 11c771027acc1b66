package store

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sync"

	"igloo-signer/modules/peers"

	"github.com/ipfs/go-datastore"
)

// PolicyStore persists peer policies as one JSON document so the set can be
// read back without a prefix query.
type PolicyStore struct {
	ds datastore.Datastore
	mu sync.Mutex
}

var _ peers.PolicyStore = &PolicyStore{}

var policiesKey = makeKey("policy", "all")

func NewPolicyStore(ds datastore.Datastore) *PolicyStore {
	return &PolicyStore{ds: ds}
}

func (s *PolicyStore) load(ctx context.Context) (map[string]peers.Policy, error) {
	res := map[string]peers.Policy{}
	b, ok, err := get(ctx, s.ds, policiesKey)
	if err != nil || !ok {
		return res, err
	}
	if err := json.Unmarshal(b, &res); err != nil {
		return nil, fmt.Errorf("decoding policies: %w", err)
	}
	return res, nil
}

func (s *PolicyStore) Policies(ctx context.Context) (map[string]peers.Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(ctx)
}

func (s *PolicyStore) Get(ctx context.Context, pubkey string) (peers.Policy, bool, error) {
	n, err := peers.NormalizePubkey(pubkey)
	if err != nil {
		return peers.Policy{}, false, err
	}
	all, err := s.Policies(ctx)
	if err != nil {
		return peers.Policy{}, false, err
	}
	p, ok := all[n]
	return p, ok, nil
}

func (s *PolicyStore) SavePolicy(ctx context.Context, pubkey string, p peers.Policy) error {
	n, err := peers.NormalizePubkey(pubkey)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.load(ctx)
	if err != nil {
		return err
	}
	next := maps.Clone(all)
	next[n] = p
	b, err := json.Marshal(next)
	if err != nil {
		return err
	}
	return s.ds.Put(ctx, policiesKey, b)
}
