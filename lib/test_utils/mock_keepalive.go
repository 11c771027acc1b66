package test_utils

import (
	"context"
	"sync"

	"igloo-signer/modules/keepalive"
)

type MockKeepalive struct {
	mu         sync.Mutex
	engaged    int
	disengaged int
	onStatus   func(keepalive.Status)
	gate       chan struct{}
	entered    chan struct{}
}

var _ keepalive.Keepalive = &MockKeepalive{}

// Hold makes the next Engage wait until release.
func (k *MockKeepalive) Hold() (entered <-chan struct{}, release func()) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.gate = make(chan struct{})
	k.entered = make(chan struct{})
	gate := k.gate
	var once sync.Once
	return k.entered, func() { once.Do(func() { close(gate) }) }
}

func (k *MockKeepalive) Engage(ctx context.Context, onStatus func(keepalive.Status)) error {
	k.mu.Lock()
	gate, entered := k.gate, k.entered
	k.gate, k.entered = nil, nil
	k.mu.Unlock()
	if gate != nil {
		close(entered)
		<-gate
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	k.engaged++
	k.onStatus = onStatus
	return nil
}

func (k *MockKeepalive) Disengage(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.disengaged++
	return nil
}

func (k *MockKeepalive) Counts() (engaged, disengaged int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.engaged, k.disengaged
}

// Report fires the status callback from the last Engage.
func (k *MockKeepalive) Report(s keepalive.Status) {
	k.mu.Lock()
	cb := k.onStatus
	k.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}
