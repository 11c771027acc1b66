package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"igloo-signer/lib/logger"
	"igloo-signer/lib/nostr"
	"igloo-signer/lib/utils"
	"igloo-signer/modules/credentials"
	"igloo-signer/modules/peers"
	"igloo-signer/modules/relay"
	"igloo-signer/modules/transport"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/google/uuid"
	"github.com/moznion/go-optional"
)

// Kind is the ephemeral event kind carrying encrypted envelopes.
const Kind = 20004

const (
	TagPingReq = "/ping/req"
	TagPingRes = "/ping/res"
	TagEchoReq = "/echo/req"
	TagSignReq = "/sign/req"
	TagSignRes = "/sign/res"
	TagSignRej = "/sign/rej"
)

var (
	ErrClosed       = errors.New("node is closed")
	ErrUnknownPeer  = errors.New("not a member of this group")
	ErrSendBlocked  = errors.New("sending to this peer is disabled by policy")
	ErrNoSigner     = errors.New("this device cannot produce signature shares")
	ErrNotPermitted = errors.New("peer is not allowed to request signatures")
)

type envelope struct {
	Tag  string          `json:"tag"`
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data,omitempty"`
}

// SignRequest is an inbound request handed to a ShareSigner.
type SignRequest struct {
	ID      string
	From    string
	Kind    *int
	Content json.RawMessage
}

type signRequestData struct {
	Kind    *int            `json:"kind,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

type rejectData struct {
	Reason string `json:"reason"`
}

// ShareSigner produces this member's contribution to a signing round.
type ShareSigner interface {
	SignShare(ctx context.Context, req SignRequest) (json.RawMessage, error)
}

// Node is a transport.Node speaking encrypted envelopes over a relay pool.
type Node struct {
	pool   *relay.Pool
	priv   *btcec.PrivateKey
	self   string
	peers  map[string]struct{}
	signer ShareSigner
	log    *slog.Logger

	closed      atomic.Bool
	dropped     atomic.Bool
	unsubscribe func()

	mu          sync.Mutex
	handlers    map[int]func(transport.Event)
	nextHandler int
	policies    map[string]peers.Policy
	waiters     map[string]chan struct{}
	convKeys    map[string][32]byte
	echoes      map[string]struct{}
}

var _ transport.Node = &Node{}

// Self is the node's x-only public key.
func (n *Node) Self() string {
	return n.self
}

// Subscribe registers handler for every node event. A handler added after the
// relays were lost still receives Closed once.
func (n *Node) Subscribe(handler func(transport.Event)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.nextHandler
	n.nextHandler++
	n.handlers[id] = handler
	if n.dropped.Load() && !n.closed.Load() {
		go handler(transport.Closed{})
	}
	return func() {
		n.mu.Lock()
		delete(n.handlers, id)
		n.mu.Unlock()
	}
}

func (n *Node) emit(ev transport.Event) {
	n.mu.Lock()
	ids := make([]int, 0, len(n.handlers))
	for id := range n.handlers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	hs := make([]func(transport.Event), len(ids))
	for i, id := range ids {
		hs[i] = n.handlers[id]
	}
	n.mu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

func (n *Node) Relays() []transport.RelayStatus {
	return n.pool.Statuses()
}

func (n *Node) policy(pubkey string) peers.Policy {
	n.mu.Lock()
	defer n.mu.Unlock()
	if p, ok := n.policies[pubkey]; ok {
		return p
	}
	return peers.DefaultPolicy()
}

// SetPolicies merges the given flags into the current per-peer policies.
func (n *Node) SetPolicies(ctx context.Context, policies []transport.PeerPolicy) error {
	if n.closed.Load() {
		return ErrClosed
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, p := range policies {
		cur, ok := n.policies[p.Pubkey]
		if !ok {
			cur = peers.DefaultPolicy()
		}
		n.policies[p.Pubkey] = cur.Merge(p.AllowSend, p.AllowReceive)
	}
	return nil
}

func (n *Node) conversationKey(pubkey string) ([32]byte, error) {
	n.mu.Lock()
	key, ok := n.convKeys[pubkey]
	n.mu.Unlock()
	if ok {
		return key, nil
	}
	key, err := nostr.ConversationKey(n.priv, pubkey)
	if err != nil {
		return key, err
	}
	n.mu.Lock()
	n.convKeys[pubkey] = key
	n.mu.Unlock()
	return key, nil
}

func (n *Node) seal(to string, env envelope) (nostr.Event, error) {
	plain, err := json.Marshal(env)
	if err != nil {
		return nostr.Event{}, err
	}
	key, err := n.conversationKey(to)
	if err != nil {
		return nostr.Event{}, err
	}
	content, err := nostr.Encrypt(key, plain)
	if err != nil {
		return nostr.Event{}, err
	}
	ev := nostr.Event{
		CreatedAt: time.Now().Unix(),
		Kind:      Kind,
		Tags:      []nostr.Tag{{"p", to}},
		Content:   content,
	}
	if err := ev.Sign(n.priv); err != nil {
		return nostr.Event{}, err
	}
	return ev, nil
}

func (n *Node) send(ctx context.Context, to string, env envelope) error {
	if n.closed.Load() {
		return ErrClosed
	}
	ev, err := n.seal(to, env)
	if err != nil {
		return fmt.Errorf("sealing %s: %w", env.Tag, err)
	}
	return n.publishWithRetry(ctx, ev, 0)
}

// publishWithRetry retries with exponential backoff: 250ms, 500ms, 1s.
func (n *Node) publishWithRetry(ctx context.Context, ev nostr.Event, attempt int) error {
	const maxRetries = 3
	const baseRetryDelay = 250 * time.Millisecond

	err := n.pool.Publish(ctx, ev)
	if err == nil || attempt >= maxRetries || ctx.Err() != nil || n.closed.Load() {
		if err != nil {
			n.log.Warn("publish failed", "id", ev.ID, "attempts", attempt+1, "err", err)
		}
		return err
	}

	retryDelay := baseRetryDelay * time.Duration(1<<uint(attempt))
	n.log.Debug("publish failed, will retry", "id", ev.ID, "attempt", attempt+1, "delay", retryDelay, "err", err)
	if _, err := utils.Sleep(retryDelay).Await(ctx); err != nil {
		return err
	}
	return n.publishWithRetry(ctx, ev, attempt+1)
}

// Ping measures the round trip to a peer. It returns ctx's error when the
// peer does not answer in time.
func (n *Node) Ping(ctx context.Context, pubkey string) (transport.PingResult, error) {
	id := uuid.NewString()
	done := make(chan struct{})
	n.mu.Lock()
	n.waiters[id] = done
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		delete(n.waiters, id)
		n.mu.Unlock()
	}()

	started := time.Now()
	if err := n.send(ctx, pubkey, envelope{Tag: TagPingReq, ID: id}); err != nil {
		return transport.PingResult{}, err
	}
	select {
	case <-done:
		return transport.PingResult{Pubkey: pubkey, Latency: time.Since(started)}, nil
	case <-ctx.Done():
		return transport.PingResult{}, ctx.Err()
	}
}

// Echo publishes a challenge to this node's own key, where other devices
// holding the same share pick it up.
func (n *Node) Echo(ctx context.Context, challenge string) error {
	data, err := json.Marshal(challenge)
	if err != nil {
		return err
	}
	id := uuid.NewString()
	n.mu.Lock()
	n.echoes[id] = struct{}{}
	n.mu.Unlock()
	return n.send(ctx, n.self, envelope{Tag: TagEchoReq, ID: id, Data: data})
}

// RequestSignature asks a peer to join a signing round and returns the
// round id. The outcome arrives as SignResponse or a rejection message.
func (n *Node) RequestSignature(ctx context.Context, pubkey string, kind *int, content json.RawMessage) (string, error) {
	if _, ok := n.peers[pubkey]; !ok {
		return "", ErrUnknownPeer
	}
	if !n.policy(pubkey).AllowSend {
		return "", ErrSendBlocked
	}
	data, err := json.Marshal(signRequestData{Kind: kind, Content: content})
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	return id, n.send(ctx, pubkey, envelope{Tag: TagSignReq, ID: id, Data: data})
}

func (n *Node) Close() error {
	if !n.closed.CompareAndSwap(false, true) {
		return nil
	}
	if n.unsubscribe != nil {
		n.unsubscribe()
	}
	return n.pool.Close()
}

func (n *Node) receive(ev nostr.Event) {
	if n.closed.Load() {
		return
	}
	from := ev.PubKey
	if from != n.self {
		if _, ok := n.peers[from]; !ok {
			n.log.Debug("ignoring event from non-member", "pubkey", from)
			return
		}
	}

	key, err := n.conversationKey(from)
	if err != nil {
		n.emit(transport.NodeError{Err: err})
		return
	}
	plain, err := nostr.Decrypt(key, ev.Content)
	if err != nil {
		n.log.Debug("undecryptable envelope", "pubkey", from, "err", err)
		return
	}
	var env envelope
	if err := json.Unmarshal(plain, &env); err != nil || env.Tag == "" {
		n.log.Debug("malformed envelope", "pubkey", from)
		return
	}

	if from == n.self {
		n.receiveEcho(env)
		return
	}

	switch env.Tag {
	case TagPingReq:
		n.emit(transport.PingRequest{Pubkey: from})
		go n.reply(from, envelope{Tag: TagPingRes, ID: env.ID})
	case TagPingRes:
		n.mu.Lock()
		done, ok := n.waiters[env.ID]
		delete(n.waiters, env.ID)
		n.mu.Unlock()
		if ok {
			close(done)
		} else {
			n.emit(transport.PingResponse{Pubkey: from})
		}
	case TagSignReq:
		n.receiveSignRequest(ev, from, env)
	case TagSignRes:
		n.signingMessage(ev, from, env)
		n.emit(transport.SignResponse{ID: env.ID, Pubkey: from})
	case TagSignRej:
		var rej rejectData
		json.Unmarshal(env.Data, &rej)
		n.emit(transport.Message{
			Level: transport.LevelInfo,
			Text:  "peer rejected signing request",
			Payload: map[string]any{
				"id":     env.ID,
				"pubkey": from,
				"reason": rej.Reason,
			},
		})
	default:
		n.log.Debug("unknown envelope tag", "tag", env.Tag)
	}
}

func (n *Node) receiveEcho(env envelope) {
	if env.Tag != TagEchoReq {
		return
	}
	n.mu.Lock()
	_, own := n.echoes[env.ID]
	delete(n.echoes, env.ID)
	n.mu.Unlock()
	if own {
		return
	}
	var challenge string
	json.Unmarshal(env.Data, &challenge)
	n.emit(transport.Message{
		Level:   transport.LevelInfo,
		Text:    "echo received",
		Payload: map[string]any{"id": env.ID, "challenge": challenge},
	})
}

// signingMessage surfaces signing traffic as tagged debug chatter.
func (n *Node) signingMessage(ev nostr.Event, from string, env envelope) {
	var content any = string(env.Data)
	n.emit(transport.Message{
		Level: transport.LevelDebug,
		Payload: map[string]any{
			"tag":        env.Tag,
			"session_id": env.ID,
			"type":       "sign",
			"stamp":      ev.CreatedAt,
			"members":    []string{from, n.self},
			"content":    content,
		},
	})
}

func (n *Node) receiveSignRequest(ev nostr.Event, from string, env envelope) {
	var data signRequestData
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			n.log.Debug("malformed signing request", "pubkey", from, "err", err)
			return
		}
	}
	n.signingMessage(ev, from, env)

	if !n.policy(from).AllowReceive {
		n.log.Info("signing request blocked by policy", "pubkey", from, "id", env.ID)
		go n.reject(from, env.ID, ErrNotPermitted.Error())
		return
	}

	req := transport.SignRequest{ID: env.ID, Pubkey: from}
	if data.Kind != nil {
		req.Kind = optional.Some(*data.Kind)
	}
	n.emit(req)

	if n.signer == nil {
		go n.reject(from, env.ID, ErrNoSigner.Error())
		n.emit(transport.SignRejected{ID: env.ID, Pubkey: from, Reason: ErrNoSigner.Error()})
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		share, err := n.signer.SignShare(ctx, SignRequest{ID: env.ID, From: from, Kind: data.Kind, Content: data.Content})
		if err != nil {
			n.reject(from, env.ID, err.Error())
			n.emit(transport.SignFailed{ID: env.ID, Pubkey: from, Err: err})
			return
		}
		if err := n.send(ctx, from, envelope{Tag: TagSignRes, ID: env.ID, Data: share}); err != nil {
			n.emit(transport.SignFailed{ID: env.ID, Pubkey: from, Err: err})
			return
		}
		n.emit(transport.SignFinalized{ID: env.ID, Pubkey: from})
	}()
}

func (n *Node) reply(to string, env envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := n.send(ctx, to, env); err != nil && !errors.Is(err, ErrClosed) {
		n.log.Debug("reply failed", "tag", env.Tag, "err", err)
	}
}

func (n *Node) reject(to, id, reason string) {
	data, _ := json.Marshal(rejectData{Reason: reason})
	n.reply(to, envelope{Tag: TagSignRej, ID: id, Data: data})
}

// Connector dials relays and builds a Node for a credential pair.
type Connector struct {
	Codec       credentials.Codec
	Signer      ShareSigner
	Log         *slog.Logger
	DialTimeout time.Duration
}

var _ transport.Connector = &Connector{}

func (c *Connector) Connect(ctx context.Context, cfg transport.Config) (transport.Node, error) {
	log := logger.Or(c.Log, "node")
	share, err := c.Codec.DecodeShare(cfg.Share)
	if err != nil {
		return nil, fmt.Errorf("decoding share: %w", err)
	}
	priv, err := nostr.ParsePrivateKey(share.Seckey)
	if err != nil {
		return nil, err
	}
	members := peers.NewDirectory(c.Codec, log).GetPeers(cfg.Group, cfg.Share)

	opts := []relay.Option{relay.WithLogger(log)}
	if c.DialTimeout > 0 {
		opts = append(opts, relay.WithDialTimeout(c.DialTimeout))
	}
	pool, err := relay.Dial(ctx, cfg.Relays, opts...)
	if err != nil {
		return nil, err
	}

	n := &Node{
		pool:     pool,
		priv:     priv,
		self:     nostr.PublicKeyHex(priv),
		signer:   c.Signer,
		log:      log,
		handlers: make(map[int]func(transport.Event)),
		policies: make(map[string]peers.Policy),
		waiters:  make(map[string]chan struct{}),
		convKeys: make(map[string][32]byte),
		echoes:   make(map[string]struct{}),
	}
	n.peers = utils.Set(members)

	connected, _ := transport.Connected(pool.Statuses())
	if len(connected) == 0 {
		return n, nil
	}
	unsub, err := pool.Subscribe([]nostr.Filter{{
		Kinds: []int{Kind},
		PTags: []string{n.self},
		Since: time.Now().Add(-time.Minute).Unix(),
	}}, n.receive)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("subscribing: %w", err)
	}
	n.unsubscribe = unsub
	pool.OnClose(func() {
		n.dropped.Store(true)
		if !n.closed.Load() {
			n.emit(transport.Closed{})
		}
	})
	return n, nil
}
