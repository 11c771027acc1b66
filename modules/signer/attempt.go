package signer

import "sync/atomic"

// attempts hands out start-attempt tokens. Cancellation is a watermark:
// cancelling attempt N cancels every attempt <= N, and the watermark never
// moves backwards.
type attempts struct {
	seq       atomic.Uint64
	cancelled atomic.Uint64
}

type attempt struct {
	id    uint64
	owner *attempts
}

// next allocates a new attempt and supersedes every earlier one.
func (a *attempts) next() attempt {
	id := a.seq.Add(1)
	a.cancelThrough(id - 1)
	return attempt{id: id, owner: a}
}

func (a *attempts) cancelThrough(id uint64) {
	for {
		cur := a.cancelled.Load()
		if id <= cur || a.cancelled.CompareAndSwap(cur, id) {
			return
		}
	}
}

// cancelAll cancels every attempt allocated so far.
func (a *attempts) cancelAll() {
	a.cancelThrough(a.seq.Load())
}

func (t attempt) cancelled() bool {
	return t.id <= t.owner.cancelled.Load()
}

// newest reports whether no attempt was allocated after t.
func (t attempt) newest() bool {
	return t.id == t.owner.seq.Load()
}
