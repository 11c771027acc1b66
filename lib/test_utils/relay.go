package test_utils

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"igloo-signer/lib/nostr"

	"github.com/gorilla/websocket"
)

// Relay is a minimal in-process nostr relay: it stores nothing and forwards
// every accepted event to the live subscriptions of all connections.
type Relay struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*relayConn]struct{}
	seen  []nostr.Event
}

type relayConn struct {
	ws   *websocket.Conn
	mu   sync.Mutex
	subs map[string]nostr.Filter
}

func (c *relayConn) send(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.WriteMessage(websocket.TextMessage, b)
}

func NewRelay() *Relay {
	r := &Relay{conns: make(map[*relayConn]struct{})}
	r.server = httptest.NewServer(http.HandlerFunc(r.serve))
	return r
}

// URL is the ws:// address of the relay.
func (r *Relay) URL() string {
	return "ws" + strings.TrimPrefix(r.server.URL, "http")
}

// Events returns every event published to the relay.
func (r *Relay) Events() []nostr.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]nostr.Event(nil), r.seen...)
}

// DropAll severs every client connection.
func (r *Relay) DropAll() {
	r.mu.Lock()
	conns := make([]*relayConn, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()
	for _, c := range conns {
		c.ws.Close()
	}
}

func (r *Relay) Close() {
	r.DropAll()
	r.server.Close()
}

func (r *Relay) serve(w http.ResponseWriter, req *http.Request) {
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	c := &relayConn{ws: ws, subs: make(map[string]nostr.Filter)}
	r.mu.Lock()
	r.conns[c] = struct{}{}
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.conns, c)
		r.mu.Unlock()
		ws.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var parts []json.RawMessage
		if json.Unmarshal(data, &parts) != nil || len(parts) < 2 {
			continue
		}
		var label string
		json.Unmarshal(parts[0], &label)
		switch label {
		case "EVENT":
			var ev nostr.Event
			if json.Unmarshal(parts[1], &ev) != nil {
				continue
			}
			if err := ev.Verify(); err != nil {
				c.send([]any{"OK", ev.ID, false, "invalid: " + err.Error()})
				continue
			}
			c.send([]any{"OK", ev.ID, true, ""})
			r.broadcast(ev)
		case "REQ":
			var id string
			json.Unmarshal(parts[1], &id)
			var f nostr.Filter
			if len(parts) > 2 {
				json.Unmarshal(parts[2], &f)
			}
			c.mu.Lock()
			c.subs[id] = f
			c.mu.Unlock()
			c.send([]any{"EOSE", id})
		case "CLOSE":
			var id string
			json.Unmarshal(parts[1], &id)
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
		}
	}
}

func matches(f nostr.Filter, ev nostr.Event) bool {
	if len(f.Kinds) > 0 && !contains(f.Kinds, ev.Kind) {
		return false
	}
	if len(f.Authors) > 0 && !contains(f.Authors, ev.PubKey) {
		return false
	}
	if len(f.PTags) > 0 {
		hit := false
		for _, p := range ev.Recipients() {
			if contains(f.PTags, p) {
				hit = true
			}
		}
		if !hit {
			return false
		}
	}
	return true
}

func contains[T comparable](xs []T, v T) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

func (r *Relay) broadcast(ev nostr.Event) {
	r.mu.Lock()
	r.seen = append(r.seen, ev)
	conns := make([]*relayConn, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	for _, c := range conns {
		c.mu.Lock()
		var ids []string
		for id, f := range c.subs {
			if matches(f, ev) {
				ids = append(ids, id)
			}
		}
		c.mu.Unlock()
		for _, id := range ids {
			c.send([]any{"EVENT", id, ev})
		}
	}
}
