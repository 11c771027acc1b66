package transport

import (
	"context"
	"time"

	"github.com/moznion/go-optional"
)

type Config struct {
	Group  string
	Share  string
	Relays []string
}

// RelayStatus is the outcome of connecting to one relay.
type RelayStatus struct {
	URL       string
	Connected bool
	Err       error
}

type PingResult struct {
	Pubkey  string
	Latency time.Duration
}

// PeerPolicy is a merge-style update: unset flags keep their current value.
type PeerPolicy struct {
	Pubkey       string
	AllowSend    optional.Option[bool]
	AllowReceive optional.Option[bool]
}

// Node is one live connection to the relay network. Implementations deliver
// events to subscribers on their own goroutines; handlers must not block.
type Node interface {
	Subscribe(handler func(Event)) (unsubscribe func())
	Relays() []RelayStatus
	Ping(ctx context.Context, pubkey string) (PingResult, error)
	SetPolicies(ctx context.Context, policies []PeerPolicy) error
	Echo(ctx context.Context, challenge string) error
	Close() error
}

type Connector interface {
	Connect(ctx context.Context, cfg Config) (Node, error)
}

// Connected returns the relays that accepted a connection, and the ones
// that did not, preserving input order.
func Connected(statuses []RelayStatus) (connected []string, failed []RelayStatus) {
	for _, s := range statuses {
		if s.Connected {
			connected = append(connected, s.URL)
		} else {
			failed = append(failed, s)
		}
	}
	return connected, failed
}
