package signer

import (
	"sync"
	"time"
)

type match int

const (
	matchNone match = iota
	matchID
	matchPubkey
	matchSole
)

func (m match) String() string {
	switch m {
	case matchID:
		return "id"
	case matchPubkey:
		return "pubkey"
	case matchSole:
		return "sole"
	}
	return "none"
}

// pending is the set of signing requests awaiting a terminal event, keyed by
// request id and kept in arrival order.
type pending struct {
	staleAfter time.Duration

	mu    sync.Mutex
	order []string
	byID  map[string]SigningRequest
}

func newPending(staleAfter time.Duration) *pending {
	return &pending{
		staleAfter: staleAfter,
		byID:       make(map[string]SigningRequest),
	}
}

// add returns false when a request with the same id is already pending.
func (p *pending) add(req SigningRequest) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.byID[req.ID]; ok {
		return false
	}
	p.byID[req.ID] = req
	p.order = append(p.order, req.ID)
	return true
}

func (p *pending) removeLocked(id string) {
	delete(p.byID, id)
	for i, o := range p.order {
		if o == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			return
		}
	}
}

// evict drops every request older than staleAfter and returns them marked
// failed.
func (p *pending) evict(now time.Time) []SigningRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	var expired []SigningRequest
	for _, id := range append([]string(nil), p.order...) {
		req := p.byID[id]
		if now.Sub(req.ReceivedAt) > p.staleAfter {
			req.Status = RequestFailed
			expired = append(expired, req)
			p.removeLocked(id)
		}
	}
	return expired
}

// take finds the request a terminal event belongs to, removes it and returns
// it with the given outcome. The order is exact id, then the single request
// from pubkey, then the only pending request. Anything else is ambiguous and
// matches nothing.
func (p *pending) take(id, pubkey string, outcome RequestStatus) (SigningRequest, match, int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	found, how := p.findLocked(id, pubkey)
	if how == matchNone {
		return SigningRequest{}, matchNone, len(p.order)
	}
	p.removeLocked(found.ID)
	found.Status = outcome
	return found, how, len(p.order)
}

func (p *pending) findLocked(id, pubkey string) (SigningRequest, match) {
	if id != "" {
		if req, ok := p.byID[id]; ok {
			return req, matchID
		}
	}
	if pubkey != "" {
		var hit []SigningRequest
		for _, o := range p.order {
			if req := p.byID[o]; req.Pubkey == pubkey {
				hit = append(hit, req)
			}
		}
		if len(hit) == 1 {
			return hit[0], matchPubkey
		}
	}
	if len(p.order) == 1 {
		return p.byID[p.order[0]], matchSole
	}
	return SigningRequest{}, matchNone
}

func (p *pending) list() []SigningRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	res := make([]SigningRequest, 0, len(p.order))
	for _, id := range p.order {
		res = append(res, p.byID[id])
	}
	return res
}
