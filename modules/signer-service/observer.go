package signer_service

import (
	"igloo-signer/modules/signer"
)

// observe logs coordinator events and keeps the peer book current. Log
// events are skipped: the coordinator already mirrors them to slog.
func (s *Service) observe(ev signer.Event) {
	switch e := ev.(type) {
	case signer.StatusChanged:
		s.log.Info("signer status", "status", e.Status)
	case signer.RelayConnected:
		s.log.Debug("relay connected", "url", e.URL)
	case signer.RelayDisconnected:
		s.log.Debug("relay disconnected", "url", e.URL)
	case signer.SigningRequestReceived:
		s.log.Info("signing request", "id", e.Request.ID, "from", e.Request.Pubkey)
	case signer.SigningCompleted:
		id := e.RequestID.TakeOr("")
		if e.Success {
			s.log.Info("signing completed", "id", id)
		} else {
			s.log.Warn("signing rejected", "id", id, "err", e.Err)
		}
	case signer.SigningError:
		s.log.Warn("signing failed", "id", e.RequestID.TakeOr(""), "err", e.Err)
	case signer.PeerStatusChanged:
		if s.book.UpdateStatus(e.Pubkey, e.Status, e.Latency) {
			s.log.Debug("peer status", "pubkey", e.Pubkey, "status", e.Status)
		}
	case signer.Error:
		s.log.Error("signer error", "err", e.Err)
	case signer.KeepaliveStatusChanged:
		s.log.Info("keepalive", "status", e.Status)
	}
}
