package signer_test

import (
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"igloo-signer/lib/test_utils"
	"igloo-signer/modules/peers"
	"igloo-signer/modules/signer"
	"igloo-signer/modules/transport"

	"github.com/moznion/go-optional"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSigningRequestReceived(t *testing.T) {
	h := newHarness(t)
	node := h.start(t, relays...)

	node.Emit(transport.SignRequest{
		ID:     "req-1",
		Pubkey: "02" + strings.ToUpper(h.creds.Pubkeys[1]),
		Kind:   optional.Some(1),
	})

	got := test_utils.EventsOf[signer.SigningRequestReceived](h.rec)
	require.Len(t, got, 1)
	req := got[0].Request
	assert.Equal(t, "req-1", req.ID)
	assert.Equal(t, h.creds.Pubkeys[1], req.Pubkey)
	assert.Equal(t, 1, req.Kind.Unwrap())
	assert.Equal(t, signer.RequestPending, req.Status)
	assert.Equal(t, h.clock.Now(), req.ReceivedAt)
	assert.Len(t, h.c.PendingRequests(), 1)
}

func TestDuplicateRequestIDsStayUnique(t *testing.T) {
	h := newHarness(t)
	node := h.start(t, relays...)

	for i := 0; i < 3; i++ {
		node.Emit(transport.SignRequest{ID: "same", Pubkey: h.creds.Pubkeys[1+i%2]})
	}
	node.Emit(transport.SignRequest{ID: "other", Pubkey: h.creds.Pubkeys[2]})

	pending := h.c.PendingRequests()
	require.Len(t, pending, 2)
	assert.Equal(t, "same", pending[0].ID)
	assert.Equal(t, h.creds.Pubkeys[1], pending[0].Pubkey)
	assert.Len(t, test_utils.EventsOf[signer.SigningRequestReceived](h.rec), 2)
}

func TestMalformedRequestsDropped(t *testing.T) {
	h := newHarness(t)
	node := h.start(t, relays...)

	node.Emit(transport.SignRequest{ID: "bad", Pubkey: "not-a-key"})
	node.Emit(transport.SignRequest{ID: "", Pubkey: h.creds.Pubkeys[1]})
	node.Emit(transport.SignRequest{ID: "anon"})

	assert.Empty(t, test_utils.EventsOf[signer.SigningRequestReceived](h.rec))
	assert.Empty(t, h.c.PendingRequests())
	assert.EqualValues(t, 3, h.c.Metrics()["dropped_events"])
}

func TestCorrelationByID(t *testing.T) {
	h := newHarness(t)
	node := h.start(t, relays...)
	node.Emit(transport.SignRequest{ID: "a", Pubkey: h.creds.Pubkeys[1]})
	node.Emit(transport.SignRequest{ID: "b", Pubkey: h.creds.Pubkeys[1]})

	node.Emit(transport.SignFinalized{ID: "b", Pubkey: h.creds.Pubkeys[1]})

	done := test_utils.EventsOf[signer.SigningCompleted](h.rec)
	require.Len(t, done, 1)
	assert.Equal(t, "b", done[0].RequestID.Unwrap())
	assert.True(t, done[0].Success)
	require.Len(t, h.c.PendingRequests(), 1)
	assert.Equal(t, "a", h.c.PendingRequests()[0].ID)
}

func TestCorrelationPrefersRequester(t *testing.T) {
	h := newHarness(t)
	node := h.start(t, relays...)
	peerA, peerB := h.creds.Pubkeys[1], h.creds.Pubkeys[2]

	node.Emit(transport.SignRequest{ID: "from-a", Pubkey: peerA})
	node.Emit(transport.SignRequest{ID: "from-b", Pubkey: peerB})

	node.Emit(transport.SignFinalized{Pubkey: "03" + peerB})

	done := test_utils.EventsOf[signer.SigningCompleted](h.rec)
	require.Len(t, done, 1)
	assert.Equal(t, "from-b", done[0].RequestID.Unwrap())

	pending := h.c.PendingRequests()
	require.Len(t, pending, 1)
	assert.Equal(t, "from-a", pending[0].ID)

	// a second outcome from B cannot reuse B's record; the sole pending
	// request is A's
	node.Emit(transport.SignFinalized{ID: "from-b", Pubkey: peerB})
	done = test_utils.EventsOf[signer.SigningCompleted](h.rec)
	require.Len(t, done, 2)
	assert.Equal(t, "from-a", done[1].RequestID.Unwrap())
}

func TestAmbiguousCorrelationYieldsNoID(t *testing.T) {
	h := newHarness(t)
	node := h.start(t, relays...)
	node.Emit(transport.SignRequest{ID: "a", Pubkey: h.creds.Pubkeys[1]})
	node.Emit(transport.SignRequest{ID: "b", Pubkey: h.creds.Pubkeys[2]})

	node.Emit(transport.SignFailed{Err: errors.New("round failed")})

	failed := test_utils.EventsOf[signer.SigningError](h.rec)
	require.Len(t, failed, 1)
	assert.True(t, failed[0].RequestID.IsNone())
	assert.EqualError(t, failed[0].Err, "round failed")
	assert.Len(t, h.c.PendingRequests(), 2)

	var warned bool
	for _, l := range test_utils.EventsOf[signer.Log](h.rec) {
		if l.Level == slog.LevelWarn && l.Category == signer.CategorySigning {
			warned = true
		}
	}
	assert.True(t, warned)
	assert.EqualValues(t, 1, h.c.Metrics()["ambiguous_correlations"])
}

func TestSolePendingFallback(t *testing.T) {
	h := newHarness(t)
	node := h.start(t, relays...)
	node.Emit(transport.SignRequest{ID: "only", Pubkey: h.creds.Pubkeys[1]})

	node.Emit(transport.SignRejected{Reason: "policy"})

	done := test_utils.EventsOf[signer.SigningCompleted](h.rec)
	require.Len(t, done, 1)
	assert.Equal(t, "only", done[0].RequestID.Unwrap())
	assert.False(t, done[0].Success)
	assert.ErrorIs(t, done[0].Err, signer.ErrRejected)
	assert.Empty(t, h.c.PendingRequests())
}

func TestStaleRequestsAreEvicted(t *testing.T) {
	h := newHarness(t)
	node := h.start(t, relays...)
	node.Emit(transport.SignRequest{ID: "old", Pubkey: h.creds.Pubkeys[1]})

	h.clock.Advance(signer.DefaultStaleAfter + time.Second)
	node.Emit(transport.SignFinalized{ID: "old", Pubkey: h.creds.Pubkeys[1]})

	failed := test_utils.EventsOf[signer.SigningError](h.rec)
	require.Len(t, failed, 1)
	assert.ErrorIs(t, failed[0].Err, signer.ErrRequestExpired)
	assert.Equal(t, "old", failed[0].RequestID.Unwrap())

	done := test_utils.EventsOf[signer.SigningCompleted](h.rec)
	require.Len(t, done, 1)
	assert.True(t, done[0].RequestID.IsNone())
	assert.Empty(t, h.c.PendingRequests())
}

func TestStaleAfterOption(t *testing.T) {
	h := newHarness(t, signer.WithStaleAfter(time.Second))
	node := h.start(t, relays...)
	node.Emit(transport.SignRequest{ID: "a", Pubkey: h.creds.Pubkeys[1]})
	h.clock.Advance(2 * time.Second)
	node.Emit(transport.SignRequest{ID: "b", Pubkey: h.creds.Pubkeys[2]})

	pending := h.c.PendingRequests()
	require.Len(t, pending, 1)
	assert.Equal(t, "b", pending[0].ID)
}

func TestSignResponseIsOnlyLogged(t *testing.T) {
	h := newHarness(t)
	node := h.start(t, relays...)
	node.Emit(transport.SignRequest{ID: "a", Pubkey: h.creds.Pubkeys[1]})
	node.Emit(transport.SignResponse{ID: "a", Pubkey: h.creds.Pubkeys[1]})

	assert.Empty(t, test_utils.EventsOf[signer.SigningCompleted](h.rec))
	assert.Len(t, h.c.PendingRequests(), 1)
}

func TestPingEventsFromKnownPeers(t *testing.T) {
	h := newHarness(t)
	node := h.start(t, relays...)

	node.Emit(transport.PingResponse{Pubkey: strings.ToUpper(h.creds.Pubkeys[1]), Latency: 30 * time.Millisecond})
	node.Emit(transport.PingRequest{Pubkey: h.creds.Pubkeys[2]})
	node.Emit(transport.PingError{Pubkey: h.creds.Pubkeys[1], Err: errors.New("gone")})

	got := test_utils.EventsOf[signer.PeerStatusChanged](h.rec)
	require.Len(t, got, 3)
	assert.Equal(t, signer.PeerStatusChanged{
		Pubkey:  h.creds.Pubkeys[1],
		Status:  peers.StatusOnline,
		Latency: optional.Some(30 * time.Millisecond),
	}, got[0])
	assert.Equal(t, peers.StatusOnline, got[1].Status)
	assert.True(t, got[1].Latency.IsNone())
	assert.Equal(t, peers.StatusOffline, got[2].Status)
}

func TestPingsFromUnknownPeersDropped(t *testing.T) {
	h := newHarness(t)
	node := h.start(t, relays...)
	stranger := test_utils.MakeCredentials(t, 1, 1).Pubkeys[0]

	node.Emit(transport.PingRequest{Pubkey: stranger})
	node.Emit(transport.PingResponse{Pubkey: stranger, Latency: time.Millisecond})
	node.Emit(transport.PingRequest{Pubkey: h.creds.Pubkeys[0]})
	node.Emit(transport.PingRequest{Pubkey: "garbage"})

	assert.Empty(t, test_utils.EventsOf[signer.PeerStatusChanged](h.rec))
}

func TestSigningMessagesBecomeSigningLogs(t *testing.T) {
	h := newHarness(t)
	node := h.start(t, relays...)
	h.rec.Reset()

	node.Emit(transport.Message{
		Level: transport.LevelDebug,
		Text:  "round opened",
		Payload: map[string]any{
			"tag":        "/sign/req",
			"session_id": "s-1",
			"type":       "message",
			"stamp":      float64(1_700_000_100),
			"members":    []any{h.creds.Pubkeys[0], "02" + h.creds.Pubkeys[1]},
			"content":    "hello",
		},
	})
	node.Emit(transport.Message{Level: transport.LevelInfo, Text: "relay chatter", Payload: "x"})
	node.Emit(transport.Message{
		Level:   transport.LevelInfo,
		Payload: map[string]any{"tag": "/sign/res", "members": []any{"bogus"}},
	})

	logs := test_utils.EventsOf[signer.Log](h.rec)
	require.Len(t, logs, 2)

	assert.Equal(t, signer.CategorySigning, logs[0].Category)
	assert.Equal(t, slog.LevelDebug, logs[0].Level)
	assert.Equal(t, "round opened", logs[0].Message)
	entry, ok := logs[0].Data.(signer.SigningLog)
	require.True(t, ok)
	assert.Equal(t, "s-1", entry.SessionID)
	assert.Equal(t, []string{h.creds.Pubkeys[0], h.creds.Pubkeys[1]}, entry.Members)
	assert.Equal(t, "hello", entry.Preview)
	assert.Equal(t, time.Unix(1_700_000_100, 0).UTC(), entry.Timestamp)

	assert.Equal(t, signer.CategorySystem, logs[1].Category)
	assert.Equal(t, "relay chatter", logs[1].Message)
}

func TestNodeErrorsAreForwarded(t *testing.T) {
	h := newHarness(t)
	node := h.start(t, relays...)
	boom := errors.New("relay hiccup")
	node.Emit(transport.NodeError{Err: boom})

	errs := test_utils.EventsOf[signer.Error](h.rec)
	require.Len(t, errs, 1)
	assert.Equal(t, boom, errs[0].Err)
	assert.True(t, h.c.IsRunning())
}
