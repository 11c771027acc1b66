package signer

import (
	"fmt"
	"log/slog"
	"time"

	"igloo-signer/modules/peers"
	"igloo-signer/modules/transport"

	"github.com/moznion/go-optional"
)

// handle runs on the node's goroutine for every event of sess.
func (c *Coordinator) handle(sess *session, ev transport.Event) {
	if sess.closed.Load() {
		return
	}
	switch e := ev.(type) {
	case transport.SignRequest:
		c.onSignRequest(sess, e)
	case transport.SignResponse:
		c.emitLog(slog.LevelDebug, CategorySigning, "signing response received", map[string]any{
			"id":     e.ID,
			"pubkey": e.Pubkey,
		})
	case transport.SignFinalized:
		c.onTerminal(sess, e.ID, e.Pubkey, RequestCompleted, func(id optional.Option[string]) Event {
			return SigningCompleted{RequestID: id, Success: true}
		})
	case transport.SignRejected:
		err := fmt.Errorf("%w: %s", ErrRejected, e.Reason)
		c.onTerminal(sess, e.ID, e.Pubkey, RequestFailed, func(id optional.Option[string]) Event {
			return SigningCompleted{RequestID: id, Success: false, Err: err}
		})
	case transport.SignFailed:
		c.onTerminal(sess, e.ID, e.Pubkey, RequestFailed, func(id optional.Option[string]) Event {
			return SigningError{Err: e.Err, RequestID: id}
		})
	case transport.PingRequest:
		c.onPeerSeen(sess, e.Pubkey, peers.StatusOnline, optional.None[time.Duration]())
	case transport.PingResponse:
		c.onPeerSeen(sess, e.Pubkey, peers.StatusOnline, optional.Some(e.Latency))
	case transport.PingError:
		c.onPeerSeen(sess, e.Pubkey, peers.StatusOffline, optional.None[time.Duration]())
	case transport.Message:
		c.onMessage(e)
	case transport.NodeError:
		c.emit(Error{e.Err})
		c.emitLog(slog.LevelError, CategorySystem, "transport error", e.Err.Error())
	case transport.Closed:
		sess.lost.Store(true)
		// teardown unsubscribes and closes the node, which must not happen on
		// the node's own goroutine
		go c.handleClosed(sess)
	}
}

// peerKey normalizes a key taken from an event payload. Empty keys are
// allowed and mean "not given".
func (c *Coordinator) peerKey(raw, event string) (string, bool) {
	if raw == "" {
		return "", true
	}
	n, err := peers.NormalizePubkey(raw)
	if err != nil {
		c.metrics.IncrementDroppedEvent()
		c.log.Warn("dropping event with malformed public key", "event", event, "err", err)
		return "", false
	}
	return n, true
}

func (c *Coordinator) evictStale(sess *session) {
	for _, req := range sess.pending.evict(c.now()) {
		c.metrics.IncrementStaleEviction()
		c.emitLog(slog.LevelWarn, CategorySigning, "signing request expired", map[string]any{
			"id":     req.ID,
			"pubkey": req.Pubkey,
		})
		c.emit(SigningError{
			Err:       fmt.Errorf("%w: %s", ErrRequestExpired, req.ID),
			RequestID: optional.Some(req.ID),
		})
	}
}

func (c *Coordinator) onSignRequest(sess *session, e transport.SignRequest) {
	pk, ok := c.peerKey(e.Pubkey, "sign request")
	if !ok {
		return
	}
	if e.ID == "" || pk == "" {
		c.metrics.IncrementDroppedEvent()
		c.log.Warn("dropping signing request without id or requester")
		return
	}

	c.evictStale(sess)
	req := SigningRequest{
		ID:         e.ID,
		Pubkey:     pk,
		ReceivedAt: c.now(),
		Kind:       e.Kind,
		Status:     RequestPending,
	}
	if !sess.pending.add(req) {
		c.log.Debug("duplicate signing request ignored", "id", e.ID)
		return
	}
	c.emit(SigningRequestReceived{req})
	c.emitLog(slog.LevelInfo, CategorySigning, "signing request received", map[string]any{
		"id":     req.ID,
		"pubkey": req.Pubkey,
	})
}

// onTerminal correlates a completion or failure with a pending request and
// emits the event built by mk. An unmatched event is still emitted, without a
// request id.
func (c *Coordinator) onTerminal(sess *session, id, rawPubkey string, outcome RequestStatus, mk func(optional.Option[string]) Event) {
	pk, ok := c.peerKey(rawPubkey, "signing outcome")
	if !ok {
		return
	}
	c.evictStale(sess)

	req, how, remaining := sess.pending.take(id, pk, outcome)
	c.metrics.RecordCorrelation(how)

	requestID := optional.None[string]()
	if how != matchNone {
		requestID = optional.Some(req.ID)
		c.log.Debug("signing outcome correlated", "id", req.ID, "match", how.String(), "status", req.Status)
	} else if remaining > 0 {
		c.emitLog(slog.LevelWarn, CategorySigning, "ambiguous signing correlation", map[string]any{
			"id":      id,
			"pubkey":  pk,
			"pending": remaining,
		})
	} else {
		c.log.Debug("signing outcome with nothing pending", "id", id)
	}
	c.emit(mk(requestID))
}

func (c *Coordinator) onPeerSeen(sess *session, rawPubkey string, status peers.Status, latency optional.Option[time.Duration]) {
	pk, ok := c.peerKey(rawPubkey, "ping")
	if !ok || pk == "" {
		return
	}
	if !sess.isKnown(pk) {
		c.metrics.IncrementDroppedEvent()
		c.log.Debug("ignoring ping from unknown peer", "pubkey", pk)
		return
	}
	c.emit(PeerStatusChanged{Pubkey: pk, Status: status, Latency: latency})
}

func (c *Coordinator) onMessage(m transport.Message) {
	level := slog.LevelInfo
	if m.Level == transport.LevelDebug {
		level = slog.LevelDebug
	}

	entry, tagged, err := signingLog(m.Payload)
	switch {
	case err != nil:
		c.metrics.IncrementDroppedEvent()
		c.log.Warn("dropping malformed signing message", "err", err)
	case tagged:
		msg := m.Text
		if msg == "" {
			msg = "signing " + entry.Type
		}
		c.emitLog(level, CategorySigning, msg, entry)
	default:
		c.emitLog(level, CategorySystem, m.Text, m.Payload)
	}
}
