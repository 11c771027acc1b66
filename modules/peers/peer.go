package peers

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/moznion/go-optional"
)

type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
	StatusUnknown Status = "unknown"
)

// Policy decides whether this device sends signing requests to a peer and
// whether it accepts requests from that peer. Policies are durable.
type Policy struct {
	AllowSend    bool `json:"allow_send"`
	AllowReceive bool `json:"allow_receive"`
}

func DefaultPolicy() Policy {
	return Policy{AllowSend: true, AllowReceive: true}
}

// Merge applies the flags that are set and keeps the rest.
func (p Policy) Merge(send, receive optional.Option[bool]) Policy {
	p.AllowSend = send.TakeOr(p.AllowSend)
	p.AllowReceive = receive.TakeOr(p.AllowReceive)
	return p
}

type PolicyStore interface {
	Policies(ctx context.Context) (map[string]Policy, error)
	SavePolicy(ctx context.Context, pubkey string, p Policy) error
}

type Peer struct {
	Pubkey   string                         `json:"pubkey"`
	Status   Status                         `json:"status"`
	LastSeen time.Time                      `json:"last_seen"`
	Latency  optional.Option[time.Duration] `json:"latency"`
	Policy
}

// Book tracks the live view of the current peer set. Liveness is reset with
// every Reset; policies come from the store.
type Book struct {
	store PolicyStore
	now   func() time.Time

	mu    sync.RWMutex
	peers map[string]*Peer
}

func NewBook(store PolicyStore) *Book {
	return &Book{
		store: store,
		now:   time.Now,
		peers: make(map[string]*Peer),
	}
}

// Reset replaces the peer set. It is only called on credential (re)load.
func (b *Book) Reset(ctx context.Context, pubkeys []string) error {
	stored := map[string]Policy{}
	if b.store != nil {
		var err error
		if stored, err = b.store.Policies(ctx); err != nil {
			return err
		}
	}

	next := make(map[string]*Peer, len(pubkeys))
	for _, pk := range pubkeys {
		n, err := NormalizePubkey(pk)
		if err != nil {
			return err
		}
		policy, ok := stored[n]
		if !ok {
			policy = DefaultPolicy()
		}
		next[n] = &Peer{Pubkey: n, Status: StatusUnknown, Policy: policy}
	}

	b.mu.Lock()
	b.peers = next
	b.mu.Unlock()
	return nil
}

// UpdateStatus records a liveness observation. Unknown keys are ignored.
func (b *Book) UpdateStatus(pubkey string, status Status, latency optional.Option[time.Duration]) bool {
	n, err := NormalizePubkey(pubkey)
	if err != nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.peers[n]
	if !ok {
		return false
	}
	p.Status = status
	if status == StatusOnline {
		p.LastSeen = b.now()
	}
	if latency.IsSome() {
		p.Latency = latency
	}
	return true
}

func (b *Book) SetPolicy(ctx context.Context, pubkey string, send, receive optional.Option[bool]) error {
	n, err := NormalizePubkey(pubkey)
	if err != nil {
		return err
	}
	b.mu.Lock()
	p, ok := b.peers[n]
	var merged Policy
	if ok {
		p.Policy = p.Policy.Merge(send, receive)
		merged = p.Policy
	} else {
		merged = DefaultPolicy().Merge(send, receive)
	}
	b.mu.Unlock()

	if b.store != nil {
		return b.store.SavePolicy(ctx, n, merged)
	}
	return nil
}

func (b *Book) Peer(pubkey string) (Peer, bool) {
	n, err := NormalizePubkey(pubkey)
	if err != nil {
		return Peer{}, false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.peers[n]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// Peers returns copies sorted by public key.
func (b *Book) Peers() []Peer {
	b.mu.RLock()
	res := make([]Peer, 0, len(b.peers))
	for _, p := range b.peers {
		res = append(res, *p)
	}
	b.mu.RUnlock()
	sort.Slice(res, func(i, j int) bool { return res[i].Pubkey < res[j].Pubkey })
	return res
}
