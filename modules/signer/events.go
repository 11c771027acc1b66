package signer

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"igloo-signer/modules/keepalive"
	"igloo-signer/modules/peers"

	"github.com/moznion/go-optional"
)

// Event is everything the coordinator reports to its subscribers.
type Event interface {
	signerEvent()
}

type (
	StatusChanged struct {
		Status Status
	}
	RelayConnected struct {
		URL string
	}
	RelayDisconnected struct {
		URL string
	}
	SigningRequestReceived struct {
		Request SigningRequest
	}
	// RequestID is None when the completion could not be matched safely.
	SigningCompleted struct {
		RequestID optional.Option[string]
		Success   bool
		Err       error
	}
	SigningError struct {
		Err       error
		RequestID optional.Option[string]
	}
	PeerStatusChanged struct {
		Pubkey  string
		Status  peers.Status
		Latency optional.Option[time.Duration]
	}
	Log struct {
		Level    slog.Level
		Category string
		Message  string
		Data     any
	}
	Error struct {
		Err error
	}
	KeepaliveStatusChanged struct {
		Status keepalive.Status
	}
)

func (StatusChanged) signerEvent()          {}
func (RelayConnected) signerEvent()         {}
func (RelayDisconnected) signerEvent()      {}
func (SigningRequestReceived) signerEvent() {}
func (SigningCompleted) signerEvent()       {}
func (SigningError) signerEvent()           {}
func (PeerStatusChanged) signerEvent()      {}
func (Log) signerEvent()                    {}
func (Error) signerEvent()                  {}
func (KeepaliveStatusChanged) signerEvent() {}

const (
	CategorySystem  = "system"
	CategorySigning = "signing"
	CategoryRelay   = "relay"
	CategoryPeer    = "peer"
)

// bus delivers events synchronously, in subscription order, on the emitting
// goroutine.
type bus struct {
	mu    sync.Mutex
	next  int
	sinks map[int]func(Event)
}

func (b *bus) subscribe(sink func(Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sinks == nil {
		b.sinks = make(map[int]func(Event))
	}
	id := b.next
	b.next++
	b.sinks[id] = sink
	return func() {
		b.mu.Lock()
		delete(b.sinks, id)
		b.mu.Unlock()
	}
}

func (b *bus) emit(ev Event) {
	b.mu.Lock()
	ids := make([]int, 0, len(b.sinks))
	for id := range b.sinks {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	sinks := make([]func(Event), len(ids))
	for i, id := range ids {
		sinks[i] = b.sinks[id]
	}
	b.mu.Unlock()

	for _, s := range sinks {
		s(ev)
	}
}
