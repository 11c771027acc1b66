package signer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"igloo-signer/lib/utils"
	"igloo-signer/modules/peers"

	"github.com/chebyrash/promise"
	"github.com/moznion/go-optional"
)

// PingAll probes every known peer concurrently. Silent peers are reported
// offline in the results, never as an error.
func (c *Coordinator) PingAll(ctx context.Context, timeout time.Duration) ([]PingResult, error) {
	sess, err := c.current()
	if err != nil {
		return nil, err
	}
	targets := utils.Keys(sess.known)
	if len(targets) == 0 {
		return []PingResult{}, nil
	}

	probes := make([]*promise.Promise[PingResult], len(targets))
	for i, pk := range targets {
		probes[i] = c.probe(ctx, sess, pk, timeout)
	}
	res, err := promise.All(ctx, probes...).Await(ctx)
	if err != nil {
		return nil, err
	}
	return *res, nil
}

// PingOne probes a single peer.
func (c *Coordinator) PingOne(ctx context.Context, pubkey string, timeout time.Duration) (PingResult, error) {
	sess, err := c.current()
	if err != nil {
		return PingResult{}, err
	}
	pk, err := peers.NormalizePubkey(pubkey)
	if err != nil {
		return PingResult{}, err
	}
	res, err := c.probe(ctx, sess, pk, timeout).Await(ctx)
	if err != nil {
		return PingResult{}, err
	}
	return *res, nil
}

// probe never rejects: every failure becomes an offline result.
func (c *Coordinator) probe(ctx context.Context, sess *session, pk string, timeout time.Duration) *promise.Promise[PingResult] {
	if timeout <= 0 {
		timeout = DefaultPingTimeout
	}
	return utils.PromiseFrom(ctx, func(ctx context.Context) (PingResult, error) {
		pctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		started := time.Now()
		res, err := sess.node.Ping(pctx, pk)
		if err != nil {
			msg := err.Error()
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrNoResponse) {
				msg = NoResponse
				c.metrics.IncrementPingTimeout()
			}
			c.peerStatus(sess, pk, peers.StatusOffline, optional.None[time.Duration]())
			return PingResult{Pubkey: pk, Error: msg}, nil
		}

		latency := res.Latency
		if latency <= 0 {
			latency = time.Since(started)
		}
		c.metrics.RecordPingLatency(latency)
		c.peerStatus(sess, pk, peers.StatusOnline, optional.Some(latency))
		return PingResult{Success: true, Pubkey: pk, Latency: optional.Some(latency)}, nil
	})
}

// peerStatus reports a probe outcome, for members of the session only.
func (c *Coordinator) peerStatus(sess *session, pk string, status peers.Status, latency optional.Option[time.Duration]) {
	if sess.closed.Load() || !sess.isKnown(pk) {
		return
	}
	c.emit(PeerStatusChanged{Pubkey: pk, Status: status, Latency: latency})
	if status == peers.StatusOffline {
		c.emitLog(slog.LevelDebug, CategoryPeer, "peer offline", pk)
	}
}
