package test_utils

import (
	"context"
	"sort"
	"sync"

	"igloo-signer/modules/transport"
)

// MockNode is an in-memory transport.Node. Events are injected with Emit and
// delivered synchronously to the current subscribers.
type MockNode struct {
	Config transport.Config

	mu          sync.Mutex
	handlers    map[int]func(transport.Event)
	nextHandler int
	statuses    []transport.RelayStatus
	policies    [][]transport.PeerPolicy
	echoes      []string
	closeCount  int
	closeErr    error
	closeGate   chan struct{}
	closing     chan struct{}

	// PingFunc answers pings. When nil, pings never get a response.
	PingFunc func(ctx context.Context, pubkey string) (transport.PingResult, error)
	// PolicyErr is returned by SetPolicies when set.
	PolicyErr error
	// Dropped makes every Subscribe deliver Closed before returning, like a
	// node whose relays went away right after connecting.
	Dropped bool
}

var _ transport.Node = &MockNode{}

func NewMockNode(cfg transport.Config, statuses []transport.RelayStatus) *MockNode {
	return &MockNode{
		Config:   cfg,
		handlers: make(map[int]func(transport.Event)),
		statuses: statuses,
	}
}

func (n *MockNode) Subscribe(handler func(transport.Event)) func() {
	n.mu.Lock()
	id := n.nextHandler
	n.nextHandler++
	n.handlers[id] = handler
	n.mu.Unlock()
	if n.Dropped {
		handler(transport.Closed{})
	}
	return func() {
		n.mu.Lock()
		delete(n.handlers, id)
		n.mu.Unlock()
	}
}

// Emit delivers ev to every subscriber in registration order.
func (n *MockNode) Emit(ev transport.Event) {
	n.mu.Lock()
	ids := make([]int, 0, len(n.handlers))
	for id := range n.handlers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	hs := make([]func(transport.Event), 0, len(ids))
	for _, id := range ids {
		hs = append(hs, n.handlers[id])
	}
	n.mu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

func (n *MockNode) Subscribers() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.handlers)
}

func (n *MockNode) Relays() []transport.RelayStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]transport.RelayStatus(nil), n.statuses...)
}

func (n *MockNode) Ping(ctx context.Context, pubkey string) (transport.PingResult, error) {
	if n.PingFunc != nil {
		return n.PingFunc(ctx, pubkey)
	}
	<-ctx.Done()
	return transport.PingResult{}, ctx.Err()
}

func (n *MockNode) SetPolicies(ctx context.Context, policies []transport.PeerPolicy) error {
	if n.PolicyErr != nil {
		return n.PolicyErr
	}
	n.mu.Lock()
	n.policies = append(n.policies, policies)
	n.mu.Unlock()
	return nil
}

func (n *MockNode) PolicyUpdates() [][]transport.PeerPolicy {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([][]transport.PeerPolicy(nil), n.policies...)
}

func (n *MockNode) Echo(ctx context.Context, challenge string) error {
	n.mu.Lock()
	n.echoes = append(n.echoes, challenge)
	n.mu.Unlock()
	return nil
}

func (n *MockNode) Echoes() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.echoes...)
}

// FailClose makes every Close call return err after counting it.
func (n *MockNode) FailClose(err error) {
	n.mu.Lock()
	n.closeErr = err
	n.mu.Unlock()
}

// BlockClose holds Close until release is called. entered is closed once a
// Close call is waiting.
func (n *MockNode) BlockClose() (entered <-chan struct{}, release func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closeGate = make(chan struct{})
	n.closing = make(chan struct{})
	gate := n.closeGate
	var once sync.Once
	return n.closing, func() { once.Do(func() { close(gate) }) }
}

func (n *MockNode) Close() error {
	n.mu.Lock()
	n.closeCount++
	gate, closing, err := n.closeGate, n.closing, n.closeErr
	n.closing = nil
	n.mu.Unlock()
	if closing != nil {
		close(closing)
	}
	if gate != nil {
		<-gate
	}
	return err
}

func (n *MockNode) CloseCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closeCount
}

// MockConnector hands out MockNodes. Individual Connect calls can be held
// open to interleave competing starts.
type MockConnector struct {
	// Statuses decides the relay outcome of each connection. By default every
	// relay connects.
	Statuses func(cfg transport.Config) []transport.RelayStatus
	// Err fails every Connect call when set.
	Err error
	// Dropped is copied onto every node handed out.
	Dropped bool

	mu      sync.Mutex
	calls   int
	gates   map[int]chan struct{}
	entered map[int]chan struct{}
	nodes   []*MockNode
}

var _ transport.Connector = &MockConnector{}

func NewMockConnector() *MockConnector {
	return &MockConnector{
		gates:   make(map[int]chan struct{}),
		entered: make(map[int]chan struct{}),
	}
}

// Hold makes the call-th Connect (zero based) wait until release.
func (c *MockConnector) Hold(call int) (entered <-chan struct{}, release func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	gate := make(chan struct{})
	c.gates[call] = gate
	c.entered[call] = make(chan struct{})
	var once sync.Once
	return c.entered[call], func() { once.Do(func() { close(gate) }) }
}

func (c *MockConnector) Connect(ctx context.Context, cfg transport.Config) (transport.Node, error) {
	c.mu.Lock()
	call := c.calls
	c.calls++
	gate, entered := c.gates[call], c.entered[call]
	c.mu.Unlock()

	if entered != nil {
		close(entered)
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if c.Err != nil {
		return nil, c.Err
	}

	statuses := make([]transport.RelayStatus, 0, len(cfg.Relays))
	if c.Statuses != nil {
		statuses = c.Statuses(cfg)
	} else {
		for _, r := range cfg.Relays {
			statuses = append(statuses, transport.RelayStatus{URL: r, Connected: true})
		}
	}
	n := NewMockNode(cfg, statuses)
	n.Dropped = c.Dropped
	c.mu.Lock()
	c.nodes = append(c.nodes, n)
	c.mu.Unlock()
	return n, nil
}

func (c *MockConnector) Nodes() []*MockNode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*MockNode(nil), c.nodes...)
}

// Last returns the most recently connected node.
func (c *MockConnector) Last() *MockNode {
	nodes := c.Nodes()
	if len(nodes) == 0 {
		return nil
	}
	return nodes[len(nodes)-1]
}
