package signer

import (
	"time"

	"github.com/moznion/go-optional"
)

type Status string

const (
	StatusStopped    Status = "stopped"
	StatusConnecting Status = "connecting"
	StatusRunning    Status = "running"
	StatusError      Status = "error"
)

type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestCompleted RequestStatus = "completed"
	RequestFailed    RequestStatus = "failed"
)

// SigningRequest is one inbound signing round this device takes part in.
type SigningRequest struct {
	ID         string
	Pubkey     string
	ReceivedAt time.Time
	Kind       optional.Option[int]
	Status     RequestStatus
}

type PingResult struct {
	Success bool
	Pubkey  string
	Latency optional.Option[time.Duration]
	Error   string
}

type StopOptions struct {
	// KeepAlive leaves the keepalive subsystem engaged.
	KeepAlive bool
	// SkipCancelPendingStart lets an in-flight Start keep going.
	SkipCancelPendingStart bool
}

const (
	DefaultPingTimeout = 5 * time.Second
	DefaultStaleAfter  = 30 * time.Second

	// reported in PingResult.Error when a peer stays silent
	NoResponse = "No response"
)
