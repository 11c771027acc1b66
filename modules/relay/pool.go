package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"igloo-signer/lib/logger"
	"igloo-signer/lib/nostr"
	"igloo-signer/modules/transport"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

var ErrNoLiveRelays = errors.New("no live relays")

const (
	DefaultDialTimeout = 10 * time.Second
	writeTimeout       = 10 * time.Second
	seenLimit          = 4096
)

// Pool is a set of websocket connections to nostr relays. Relays that fail
// to connect are recorded and skipped.
type Pool struct {
	log         *slog.Logger
	dialTimeout time.Duration

	mu       sync.Mutex
	statuses []transport.RelayStatus
	conns    map[string]*conn
	subs     map[string]*subscription
	onClose  func()
	closing  bool
	dropped  bool
	lostOnce sync.Once
}

type conn struct {
	url string
	ws  *websocket.Conn

	writeMu sync.Mutex
}

func (c *conn) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

type subscription struct {
	id      string
	handler func(nostr.Event)

	mu   sync.Mutex
	seen map[string]struct{}
}

// firstSight deduplicates events delivered by several relays.
func (s *subscription) firstSight(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[id]; ok {
		return false
	}
	if len(s.seen) >= seenLimit {
		s.seen = make(map[string]struct{})
	}
	s.seen[id] = struct{}{}
	return true
}

type Option func(*Pool)

func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.log = l }
}

func WithDialTimeout(d time.Duration) Option {
	return func(p *Pool) { p.dialTimeout = d }
}

// Dial connects to every relay in parallel. It only fails when ctx ends;
// per-relay failures are reported by Statuses.
func Dial(ctx context.Context, urls []string, opts ...Option) (*Pool, error) {
	p := &Pool{
		dialTimeout: DefaultDialTimeout,
		conns:       make(map[string]*conn),
		subs:        make(map[string]*subscription),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = logger.Or(p.log, "relay")

	statuses := make([]transport.RelayStatus, len(urls))
	conns := make([]*conn, len(urls))
	var g errgroup.Group
	for i, url := range urls {
		i, url := i, url
		g.Go(func() error {
			dctx, cancel := context.WithTimeout(ctx, p.dialTimeout)
			defer cancel()
			ws, _, err := websocket.DefaultDialer.DialContext(dctx, url, nil)
			statuses[i] = transport.RelayStatus{URL: url, Connected: err == nil, Err: err}
			if err != nil {
				p.log.Warn("relay connection failed", "url", url, "err", err)
				return nil
			}
			conns[i] = &conn{url: url, ws: ws}
			return nil
		})
	}
	g.Wait()

	if err := ctx.Err(); err != nil {
		for _, c := range conns {
			if c != nil {
				c.ws.Close()
			}
		}
		return nil, err
	}

	p.statuses = statuses
	for _, c := range conns {
		if c == nil {
			continue
		}
		if _, dup := p.conns[c.url]; dup {
			c.ws.Close()
			continue
		}
		p.conns[c.url] = c
	}
	for _, c := range p.conns {
		go p.readLoop(c)
	}
	return p, nil
}

func (p *Pool) Statuses() []transport.RelayStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]transport.RelayStatus(nil), p.statuses...)
}

func (p *Pool) live() []*conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	res := make([]*conn, 0, len(p.conns))
	for _, c := range p.conns {
		res = append(res, c)
	}
	return res
}

// OnClose registers fn to run once, when the last live relay drops without
// Close having been called. If that already happened fn runs right away, on
// its own goroutine.
func (p *Pool) OnClose(fn func()) {
	p.mu.Lock()
	p.onClose = fn
	late := p.dropped && !p.closing
	p.mu.Unlock()
	if late {
		go p.lostOnce.Do(fn)
	}
}

// Publish sends ev to every live relay and succeeds if any relay took it.
func (p *Pool) Publish(ctx context.Context, ev nostr.Event) error {
	data, err := nostr.EncodeEvent(ev)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	var result error
	sent := 0
	for _, c := range p.live() {
		if err := c.write(data); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", c.url, err))
			continue
		}
		sent++
	}
	if sent == 0 {
		if result == nil {
			return ErrNoLiveRelays
		}
		return result
	}
	return nil
}

// Subscribe sends a REQ to every live relay. Events reach handler once each,
// on the pool's read goroutines.
func (p *Pool) Subscribe(filters []nostr.Filter, handler func(nostr.Event)) (func(), error) {
	sub := &subscription{
		id:      uuid.NewString(),
		handler: handler,
		seen:    make(map[string]struct{}),
	}
	req, err := nostr.EncodeReq(sub.id, filters...)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.subs[sub.id] = sub
	p.mu.Unlock()

	sent := 0
	for _, c := range p.live() {
		if err := c.write(req); err != nil {
			p.log.Warn("subscribing on relay", "url", c.url, "err", err)
			continue
		}
		sent++
	}
	if sent == 0 {
		p.mu.Lock()
		delete(p.subs, sub.id)
		p.mu.Unlock()
		return nil, ErrNoLiveRelays
	}

	return func() {
		p.mu.Lock()
		_, ok := p.subs[sub.id]
		delete(p.subs, sub.id)
		p.mu.Unlock()
		if !ok {
			return
		}
		if msg, err := nostr.EncodeClose(sub.id); err == nil {
			for _, c := range p.live() {
				c.write(msg)
			}
		}
	}, nil
}

func (p *Pool) readLoop(c *conn) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			p.drop(c, err)
			return
		}
		frame, err := nostr.DecodeFrame(data)
		if err != nil {
			p.log.Debug("ignoring relay frame", "url", c.url, "err", err)
			continue
		}
		switch f := frame.(type) {
		case nostr.EventFrame:
			p.dispatch(c, f)
		case nostr.OKFrame:
			if !f.Accepted {
				p.log.Warn("relay rejected event", "url", c.url, "id", f.EventID, "reason", f.Message)
			}
		case nostr.NoticeFrame:
			p.log.Info("relay notice", "url", c.url, "message", f.Message)
		case nostr.ClosedFrame:
			p.log.Warn("relay closed subscription", "url", c.url, "sub", f.SubID, "reason", f.Message)
		}
	}
}

func (p *Pool) dispatch(c *conn, f nostr.EventFrame) {
	p.mu.Lock()
	sub, ok := p.subs[f.SubID]
	p.mu.Unlock()
	if !ok {
		return
	}
	if err := f.Event.Verify(); err != nil {
		p.log.Debug("dropping unverifiable event", "url", c.url, "err", err)
		return
	}
	if sub.firstSight(f.Event.ID) {
		sub.handler(f.Event)
	}
}

func (p *Pool) drop(c *conn, err error) {
	p.mu.Lock()
	if p.conns[c.url] != c {
		p.mu.Unlock()
		return
	}
	delete(p.conns, c.url)
	for i := range p.statuses {
		if p.statuses[i].URL == c.url {
			p.statuses[i].Connected = false
			p.statuses[i].Err = err
		}
	}
	lost := len(p.conns) == 0
	if lost {
		p.dropped = true
	}
	onClose := p.onClose
	p.mu.Unlock()

	c.ws.Close()
	p.log.Warn("relay connection lost", "url", c.url, "err", err)
	if lost && onClose != nil {
		p.lostOnce.Do(onClose)
	}
}

// Close disconnects every relay. OnClose is not fired.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return nil
	}
	p.closing = true
	conns := make([]*conn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.conns = make(map[string]*conn)
	p.subs = make(map[string]*subscription)
	p.mu.Unlock()

	var result error
	for _, c := range conns {
		c.writeMu.Lock()
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		if err := c.ws.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", c.url, err))
		}
	}
	return result
}
