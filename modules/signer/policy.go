package signer

import (
	"context"
	"fmt"
	"log/slog"

	"igloo-signer/modules/peers"
	"igloo-signer/modules/transport"

	"github.com/moznion/go-optional"
)

// UpdatePolicies pushes a merge-style policy update to the node. Every key
// must normalize before anything is sent.
func (c *Coordinator) UpdatePolicies(ctx context.Context, policies []transport.PeerPolicy) error {
	sess, err := c.current()
	if err != nil {
		return err
	}

	normalized := make([]transport.PeerPolicy, len(policies))
	for i, p := range policies {
		pk, err := peers.NormalizePubkey(p.Pubkey)
		if err != nil {
			return fmt.Errorf("policy for %q: %w", p.Pubkey, err)
		}
		p.Pubkey = pk
		normalized[i] = p
	}

	if err := sess.node.SetPolicies(ctx, normalized); err != nil {
		return fmt.Errorf("updating peer policies: %w", err)
	}
	if err := c.persistPolicies(ctx, normalized); err != nil {
		return fmt.Errorf("saving peer policies: %w", err)
	}
	c.emitLog(slog.LevelInfo, CategoryPeer, "peer policies updated", len(normalized))
	return nil
}

func (c *Coordinator) persistPolicies(ctx context.Context, policies []transport.PeerPolicy) error {
	if c.policies == nil {
		return nil
	}
	stored, err := c.policies.Policies(ctx)
	if err != nil {
		return err
	}
	for _, p := range policies {
		cur, ok := stored[p.Pubkey]
		if !ok {
			cur = peers.DefaultPolicy()
		}
		if err := c.policies.SavePolicy(ctx, p.Pubkey, cur.Merge(p.AllowSend, p.AllowReceive)); err != nil {
			return err
		}
	}
	return nil
}

// pushPolicies hands stored policies for session members to a new node.
func (c *Coordinator) pushPolicies(ctx context.Context, sess *session) {
	if c.policies == nil {
		return
	}
	stored, err := c.policies.Policies(ctx)
	if err != nil {
		c.log.Warn("loading peer policies", "err", err)
		return
	}
	var update []transport.PeerPolicy
	for pk, p := range stored {
		if !sess.isKnown(pk) {
			continue
		}
		update = append(update, transport.PeerPolicy{
			Pubkey:       pk,
			AllowSend:    optional.Some(p.AllowSend),
			AllowReceive: optional.Some(p.AllowReceive),
		})
	}
	if len(update) == 0 {
		return
	}
	if err := sess.node.SetPolicies(ctx, update); err != nil {
		c.emitLog(slog.LevelWarn, CategoryPeer, "could not apply stored peer policies", err.Error())
	}
}

// SendEchoSignal publishes an echo so a companion device can confirm the
// credentials arrived.
func (c *Coordinator) SendEchoSignal(ctx context.Context, challenge string) error {
	sess, err := c.current()
	if err != nil {
		return err
	}
	if err := sess.node.Echo(ctx, challenge); err != nil {
		return fmt.Errorf("sending echo: %w", err)
	}
	c.emitLog(slog.LevelDebug, CategorySystem, "echo sent", nil)
	return nil
}
