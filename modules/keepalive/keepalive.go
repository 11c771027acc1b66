package keepalive

import (
	"context"
	"log/slog"
	"sync"

	"igloo-signer/lib/logger"
)

type Status string

const (
	StatusIdle        Status = "idle"
	StatusPlaying     Status = "playing"
	StatusInterrupted Status = "interrupted"
	StatusError       Status = "error"
)

// Keepalive keeps the process from being suspended while a session runs.
// onStatus may be called at any time between Engage and Disengage.
type Keepalive interface {
	Engage(ctx context.Context, onStatus func(Status)) error
	Disengage(ctx context.Context) error
}

// Noop is used where the platform needs no keepalive. It reports idle on
// engage and tracks whether it is engaged.
type Noop struct {
	log *slog.Logger

	mu      sync.Mutex
	engaged bool
}

var _ Keepalive = &Noop{}

func NewNoop() *Noop {
	return &Noop{log: logger.New("keepalive")}
}

func (n *Noop) Engage(ctx context.Context, onStatus func(Status)) error {
	n.mu.Lock()
	n.engaged = true
	n.mu.Unlock()
	n.log.Debug("keepalive engaged")
	if onStatus != nil {
		onStatus(StatusIdle)
	}
	return nil
}

func (n *Noop) Disengage(ctx context.Context) error {
	n.mu.Lock()
	n.engaged = false
	n.mu.Unlock()
	n.log.Debug("keepalive disengaged")
	return nil
}

func (n *Noop) Engaged() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engaged
}
