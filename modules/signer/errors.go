package signer

import (
	"errors"

	"igloo-signer/modules/peers"
)

var (
	ErrNotRunning        = errors.New("signer is not running")
	ErrNoRelays          = errors.New("no relays configured")
	ErrNoRelaysConnected = errors.New("no relays connected")
	ErrConnectionLost    = errors.New("relay connection lost while starting")
	ErrRequestExpired    = errors.New("signing request expired")
	ErrRejected          = errors.New("signing request rejected")
	ErrNoResponse        = errors.New("peer did not respond")
	ErrInvalidPubkey     = peers.ErrInvalidPubkey
)
