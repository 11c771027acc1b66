package signer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"igloo-signer/lib/logger"
	"igloo-signer/lib/utils"
	"igloo-signer/modules/credentials"
	"igloo-signer/modules/keepalive"
	"igloo-signer/modules/peers"
	"igloo-signer/modules/transport"

	"github.com/hashicorp/go-multierror"
)

// Coordinator owns one signing session at a time: it connects the transport
// node, turns the node's events into typed coordinator events and tears the
// session down again. All methods are safe for concurrent use.
type Coordinator struct {
	codec      credentials.Codec
	connector  transport.Connector
	directory  *peers.Directory
	keepalive  keepalive.Keepalive
	policies   peers.PolicyStore
	log        *slog.Logger
	now        func() time.Time
	staleAfter time.Duration
	metrics    *Metrics

	bus      bus
	attempts attempts

	mu      sync.Mutex
	status  Status
	session *session
	// closed when the running teardown finishes; nil when none runs
	tearing chan struct{}

	detailsKey string
	details    credentials.ShareDetails
}

type Option func(*Coordinator)

func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

// WithKeepalive enables the keepalive subsystem for running sessions.
func WithKeepalive(k keepalive.Keepalive) Option {
	return func(c *Coordinator) { c.keepalive = k }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithPolicyStore persists policy updates and pushes stored policies to every
// new session.
func WithPolicyStore(s peers.PolicyStore) Option {
	return func(c *Coordinator) { c.policies = s }
}

func WithStaleAfter(d time.Duration) Option {
	return func(c *Coordinator) { c.staleAfter = d }
}

func New(codec credentials.Codec, connector transport.Connector, opts ...Option) *Coordinator {
	c := &Coordinator{
		codec:      codec,
		connector:  connector,
		now:        time.Now,
		staleAfter: DefaultStaleAfter,
		metrics:    newMetrics(),
		status:     StatusStopped,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = logger.Or(c.log, "signer")
	c.directory = peers.NewDirectory(codec, c.log)
	return c
}

// Subscribe registers a sink for coordinator events. Sinks run on the
// emitting goroutine and must not block.
func (c *Coordinator) Subscribe(sink func(Event)) (unsubscribe func()) {
	return c.bus.subscribe(sink)
}

func (c *Coordinator) emit(ev Event) {
	c.bus.emit(ev)
}

// emitLog mirrors a Log event to slog.
func (c *Coordinator) emitLog(level slog.Level, category, msg string, data any) {
	if data != nil {
		c.log.Log(context.Background(), level, msg, "category", category, "data", data)
	} else {
		c.log.Log(context.Background(), level, msg, "category", category)
	}
	c.emit(Log{Level: level, Category: category, Message: msg, Data: data})
}

func (c *Coordinator) setStatus(s Status) {
	c.mu.Lock()
	changed := c.status != s
	c.status = s
	c.mu.Unlock()
	if changed {
		c.emit(StatusChanged{s})
	}
}

// transition changes status on behalf of a start attempt, unless that attempt
// has been superseded.
func (c *Coordinator) transition(att attempt, s Status) bool {
	c.mu.Lock()
	if att.cancelled() {
		c.mu.Unlock()
		return false
	}
	changed := c.status != s
	c.status = s
	c.mu.Unlock()
	if changed {
		c.emit(StatusChanged{s})
	}
	return true
}

// Start connects a new session. A running session is replaced without
// touching the keepalive subsystem. A Start superseded by a later Start or a
// Stop returns nil after releasing whatever it had acquired.
func (c *Coordinator) Start(ctx context.Context, group, share string, relays []string) error {
	att := c.attempts.next()
	c.metrics.IncrementStartAttempt()
	if len(relays) == 0 {
		return ErrNoRelays
	}

	if err := c.awaitTeardown(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	running := c.session != nil
	c.mu.Unlock()
	if running {
		c.log.Debug("restarting session", "attempt", att.id)
		c.runTeardown(ctx, true)
	}

	if !c.transition(att, StatusConnecting) {
		c.superseded(att, "before connecting")
		return nil
	}

	node, err := c.connector.Connect(ctx, transport.Config{
		Group:  group,
		Share:  share,
		Relays: append([]string(nil), relays...),
	})
	if err != nil {
		if att.cancelled() {
			c.superseded(att, "while connecting")
			return nil
		}
		return c.fail(att, fmt.Errorf("connecting to relays: %w", err))
	}
	if att.cancelled() {
		c.discardNode(node, att)
		return nil
	}

	connected, failed := transport.Connected(node.Relays())
	if len(failed) > 0 {
		urls := make([]string, len(failed))
		for i, f := range failed {
			urls[i] = f.URL
		}
		c.emitLog(slog.LevelWarn, CategoryRelay,
			fmt.Sprintf("%d of %d relays failed to connect", len(failed), len(connected)+len(failed)), urls)
	}
	if len(connected) == 0 {
		c.discardNode(node, att)
		if att.cancelled() {
			return nil
		}
		return c.fail(att, ErrNoRelaysConnected)
	}

	sess := &session{
		node:    node,
		attempt: att,
		relays:  connected,
		known:   utils.Set(c.directory.GetPeers(group, share)),
		pending: newPending(c.staleAfter),
	}
	sess.unsubscribe = node.Subscribe(func(ev transport.Event) {
		c.handle(sess, ev)
	})

	c.mu.Lock()
	if att.cancelled() {
		c.mu.Unlock()
		sess.closed.Store(true)
		sess.unsubscribe()
		c.discardNode(node, att)
		return nil
	}
	c.session = sess
	c.mu.Unlock()

	for _, r := range connected {
		c.emit(RelayConnected{r})
	}
	if !c.activate(sess) {
		// a reaped session was cancelled by its own loss, not by a newer call
		if sess.lost.Load() && (!att.cancelled() || sess.reaped.Load()) {
			c.handleClosed(sess)
			c.metrics.IncrementStartFailure()
			c.emit(Error{ErrConnectionLost})
			return ErrConnectionLost
		}
		c.superseded(att, "before running")
		return nil
	}
	c.emitLog(slog.LevelInfo, CategorySystem, "signer running", map[string]any{
		"relays": len(connected),
		"peers":  len(sess.known),
	})

	c.pushPolicies(ctx, sess)
	c.engageKeepalive(ctx, att)
	return nil
}

// activate moves a freshly installed session to running, unless it has
// already been torn down or its node has closed.
func (c *Coordinator) activate(sess *session) bool {
	c.mu.Lock()
	if c.session != sess || sess.closed.Load() || sess.lost.Load() {
		c.mu.Unlock()
		return false
	}
	changed := c.status != StatusRunning
	c.status = StatusRunning
	c.mu.Unlock()
	if changed {
		c.emit(StatusChanged{StatusRunning})
	}
	return true
}

func (c *Coordinator) superseded(att attempt, where string) {
	c.metrics.IncrementCancelledAttempt()
	c.log.Debug("start attempt superseded", "attempt", att.id, "checkpoint", where)
}

func (c *Coordinator) fail(att attempt, err error) error {
	c.metrics.IncrementStartFailure()
	if !c.transition(att, StatusError) {
		return nil
	}
	c.emit(Error{err})
	c.emitLog(slog.LevelError, CategorySystem, "failed to start signer", err.Error())
	return err
}

// discardNode tears down a node that never became the current session.
func (c *Coordinator) discardNode(node transport.Node, att attempt) {
	if att.cancelled() {
		c.superseded(att, "after connecting")
	}
	if err := closeNode(node); err != nil {
		c.log.Warn("closing discarded node", "attempt", att.id, "err", err)
	}
}

func closeNode(node transport.Node) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("node close panicked: %v", r)
		}
	}()
	return node.Close()
}

func (c *Coordinator) engageKeepalive(ctx context.Context, att attempt) {
	if c.keepalive == nil || att.cancelled() {
		return
	}
	err := c.keepalive.Engage(ctx, func(s keepalive.Status) {
		c.emit(KeepaliveStatusChanged{s})
		if s == keepalive.StatusError || s == keepalive.StatusInterrupted {
			c.log.Warn("keepalive degraded", "status", s)
		}
	})
	if err != nil {
		c.emitLog(slog.LevelWarn, CategorySystem, "keepalive failed to engage", err.Error())
	}

	// a superseded engage undoes itself only when no newer start is on the way
	if att.cancelled() {
		c.mu.Lock()
		idle := c.session == nil && att.newest()
		c.mu.Unlock()
		if idle {
			if err := c.keepalive.Disengage(context.WithoutCancel(ctx)); err != nil {
				c.log.Warn("disengaging keepalive", "err", err)
			}
		}
	}
}

func (c *Coordinator) awaitTeardown(ctx context.Context) error {
	c.mu.Lock()
	ch := c.tearing
	c.mu.Unlock()
	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop tears the session down. A concurrent Stop waits for the teardown
// already in progress. The returned error is only ever ctx's.
func (c *Coordinator) Stop(ctx context.Context, opts StopOptions) error {
	if !opts.SkipCancelPendingStart {
		c.attempts.cancelAll()
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.runTeardown(context.WithoutCancel(ctx), opts.KeepAlive)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) runTeardown(ctx context.Context, keepAlive bool) {
	c.mu.Lock()
	if ch := c.tearing; ch != nil {
		c.mu.Unlock()
		<-ch
		return
	}
	ch := make(chan struct{})
	c.tearing = ch
	sess := c.session
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.tearing = nil
		c.mu.Unlock()
		close(ch)
	}()
	c.teardown(ctx, sess, keepAlive)
}

// teardown always reaches stopped. Failures along the way are logged.
func (c *Coordinator) teardown(ctx context.Context, sess *session, keepAlive bool) {
	var result error
	if sess != nil {
		sess.closed.Store(true)
		for _, r := range sess.relays {
			c.emit(RelayDisconnected{r})
		}
		// listeners go first so a closing node cannot reach fresh state
		if sess.unsubscribe != nil {
			sess.unsubscribe()
		}
		if err := closeNode(sess.node); err != nil {
			result = multierror.Append(result, fmt.Errorf("closing node: %w", err))
		}
	}

	c.mu.Lock()
	if c.session == sess {
		c.session = nil
	}
	c.mu.Unlock()
	c.setStatus(StatusStopped)

	if !keepAlive && c.keepalive != nil {
		if err := c.keepalive.Disengage(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("disengaging keepalive: %w", err))
		}
	}

	c.metrics.IncrementTeardown()
	if result != nil {
		c.emitLog(slog.LevelError, CategorySystem, "teardown finished with errors", result.Error())
	} else if sess != nil {
		c.emitLog(slog.LevelInfo, CategorySystem, "signer stopped", nil)
	}
}

// handleClosed treats a node that closed on its own like a user stop. A
// session that is not current yet is left to Start, which checks lost before
// going to running.
func (c *Coordinator) handleClosed(sess *session) {
	c.mu.Lock()
	current := c.session == sess
	c.mu.Unlock()
	if !current || sess.closed.Load() || !sess.reaped.CompareAndSwap(false, true) {
		return
	}
	c.emitLog(slog.LevelWarn, CategorySystem, "transport closed unexpectedly", nil)
	c.attempts.cancelAll()
	c.runTeardown(context.Background(), false)
}

func (c *Coordinator) current() (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil || c.session.closed.Load() || c.status != StatusRunning {
		return nil, ErrNotRunning
	}
	return c.session, nil
}

func (c *Coordinator) IsRunning() bool {
	_, err := c.current()
	return err == nil
}

func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// ConnectedRelays returns a copy of the relays the current session reached.
func (c *Coordinator) ConnectedRelays() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return []string{}
	}
	return append([]string{}, c.session.relays...)
}

// PendingRequests returns the signing requests still awaiting an outcome,
// oldest first.
func (c *Coordinator) PendingRequests() []SigningRequest {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess == nil {
		return []SigningRequest{}
	}
	return sess.pending.list()
}

func (c *Coordinator) Metrics() map[string]any {
	return c.metrics.GetStats()
}
