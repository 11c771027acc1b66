package transport

import (
	"time"

	"github.com/moznion/go-optional"
)

// Event is the closed set of things a Node reports.
type Event interface {
	transportEvent()
}

type (
	// A peer asked this device to take part in a signing round.
	SignRequest struct {
		ID     string
		Pubkey string
		Kind   optional.Option[int]
	}
	// The initiator received a response for a round.
	SignResponse struct {
		ID     string
		Pubkey string
	}
	// This device's part of a round is done.
	SignFinalized struct {
		ID     string
		Pubkey string
	}
	SignRejected struct {
		ID     string
		Pubkey string
		Reason string
	}
	SignFailed struct {
		ID     string
		Pubkey string
		Err    error
	}
	PingRequest struct {
		Pubkey string
	}
	PingResponse struct {
		Pubkey  string
		Latency time.Duration
	}
	PingError struct {
		Pubkey string
		Err    error
	}
	// Generic node chatter. Payload is whatever the node attached, usually a
	// map decoded from JSON.
	Message struct {
		Level   MessageLevel
		Text    string
		Payload any
	}
	NodeError struct {
		Err error
	}
	Closed struct{}
)

type MessageLevel string

const (
	LevelInfo  MessageLevel = "info"
	LevelDebug MessageLevel = "debug"
)

func (SignRequest) transportEvent()   {}
func (SignResponse) transportEvent()  {}
func (SignFinalized) transportEvent() {}
func (SignRejected) transportEvent()  {}
func (SignFailed) transportEvent()    {}
func (PingRequest) transportEvent()   {}
func (PingResponse) transportEvent()  {}
func (PingError) transportEvent()     {}
func (Message) transportEvent()       {}
func (NodeError) transportEvent()     {}
func (Closed) transportEvent()        {}
