package signer

import (
	"sync/atomic"

	"igloo-signer/modules/transport"
)

// session is the runtime state of one connected node. Everything here is
// dropped on teardown.
type session struct {
	node        transport.Node
	attempt     attempt
	relays      []string
	unsubscribe func()
	// peers known when listeners were registered
	known   map[string]struct{}
	pending *pending
	closed  atomic.Bool
	// set when the node reports Closed, possibly before the session is current
	lost atomic.Bool
	// only one caller tears down a lost session
	reaped atomic.Bool
}

func (s *session) isKnown(pubkey string) bool {
	_, ok := s.known[pubkey]
	return ok
}
