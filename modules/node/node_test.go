package node_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"igloo-signer/lib/logger"
	"igloo-signer/lib/test_utils"
	"igloo-signer/modules/credentials"
	"igloo-signer/modules/node"
	"igloo-signer/modules/transport"

	"github.com/moznion/go-optional"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSigner struct {
	err error
}

func (s stubSigner) SignShare(ctx context.Context, req node.SignRequest) (json.RawMessage, error) {
	if s.err != nil {
		return nil, s.err
	}
	return json.RawMessage(`{"psig":"00"}`), nil
}

type member struct {
	node *node.Node
	rec  *test_utils.Recorder[transport.Event]
}

func connect(t *testing.T, r *test_utils.Relay, creds test_utils.Credentials, pos int, signer node.ShareSigner) member {
	c := &node.Connector{
		Codec:       credentials.Bifrost{},
		Signer:      signer,
		Log:         logger.Discard(),
		DialTimeout: time.Second,
	}
	tn, err := c.Connect(context.Background(), transport.Config{
		Group:  creds.GroupStr,
		Share:  creds.ShareStrs[pos],
		Relays: []string{r.URL()},
	})
	require.NoError(t, err)
	n := tn.(*node.Node)
	t.Cleanup(func() { n.Close() })

	rec := &test_utils.Recorder[transport.Event]{}
	n.Subscribe(rec.Record)
	return member{node: n, rec: rec}
}

// ready pings both ways until each side's subscription is live on the relay.
func ready(t *testing.T, a, b member) {
	for _, pair := range [][2]member{{a, b}, {b, a}} {
		from, to := pair[0], pair[1]
		require.Eventually(t, func() bool {
			ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
			defer cancel()
			_, err := from.node.Ping(ctx, to.node.Self())
			return err == nil
		}, 3*time.Second, 10*time.Millisecond)
	}
	a.rec.Reset()
	b.rec.Reset()
}

func waitFor[T any](t *testing.T, rec *test_utils.Recorder[transport.Event]) []T {
	var got []T
	require.Eventually(t, func() bool {
		got = test_utils.EventsOf[T](rec)
		return len(got) > 0
	}, 2*time.Second, 10*time.Millisecond)
	return got
}

func TestConnectorIdentity(t *testing.T) {
	r := test_utils.NewRelay()
	defer r.Close()
	creds := test_utils.MakeCredentials(t, 2, 3)

	m := connect(t, r, creds, 1, nil)
	assert.Equal(t, creds.Pubkeys[1], m.node.Self())
	connected, failed := transport.Connected(m.node.Relays())
	assert.Equal(t, []string{r.URL()}, connected)
	assert.Empty(t, failed)
}

func TestConnectorRejectsBadShare(t *testing.T) {
	c := &node.Connector{Codec: credentials.Bifrost{}, Log: logger.Discard()}
	_, err := c.Connect(context.Background(), transport.Config{Share: "bfshare1bogus", Relays: []string{"ws://127.0.0.1:1"}})
	assert.Error(t, err)
}

func TestPingRoundTrip(t *testing.T) {
	r := test_utils.NewRelay()
	defer r.Close()
	creds := test_utils.MakeCredentials(t, 2, 3)
	a, b := connect(t, r, creds, 0, nil), connect(t, r, creds, 1, nil)
	ready(t, a, b)

	res, err := a.node.Ping(context.Background(), b.node.Self())
	require.NoError(t, err)
	assert.Equal(t, b.node.Self(), res.Pubkey)
	assert.Positive(t, res.Latency)

	pings := waitFor[transport.PingRequest](t, b.rec)
	assert.Equal(t, a.node.Self(), pings[0].Pubkey)
}

func TestPingTimesOut(t *testing.T) {
	r := test_utils.NewRelay()
	defer r.Close()
	creds := test_utils.MakeCredentials(t, 2, 3)
	a := connect(t, r, creds, 0, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := a.node.Ping(ctx, creds.Pubkeys[2])
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSigningRoundTrip(t *testing.T) {
	r := test_utils.NewRelay()
	defer r.Close()
	creds := test_utils.MakeCredentials(t, 2, 3)
	a, b := connect(t, r, creds, 0, nil), connect(t, r, creds, 1, stubSigner{})
	ready(t, a, b)

	kind := 1
	id, err := a.node.RequestSignature(context.Background(), b.node.Self(), &kind, json.RawMessage(`"note"`))
	require.NoError(t, err)

	reqs := waitFor[transport.SignRequest](t, b.rec)
	assert.Equal(t, transport.SignRequest{ID: id, Pubkey: a.node.Self(), Kind: optional.Some(1)}, reqs[0])

	done := waitFor[transport.SignFinalized](t, b.rec)
	assert.Equal(t, id, done[0].ID)

	resp := waitFor[transport.SignResponse](t, a.rec)
	assert.Equal(t, transport.SignResponse{ID: id, Pubkey: b.node.Self()}, resp[0])

	var tagged bool
	for _, m := range test_utils.EventsOf[transport.Message](b.rec) {
		if p, ok := m.Payload.(map[string]any); ok && p["tag"] == node.TagSignReq {
			tagged = p["session_id"] == id
		}
	}
	assert.True(t, tagged)
}

func TestSigningWithoutSignerIsRejected(t *testing.T) {
	r := test_utils.NewRelay()
	defer r.Close()
	creds := test_utils.MakeCredentials(t, 2, 3)
	a, b := connect(t, r, creds, 0, nil), connect(t, r, creds, 1, nil)
	ready(t, a, b)

	id, err := a.node.RequestSignature(context.Background(), b.node.Self(), nil, nil)
	require.NoError(t, err)

	rejected := waitFor[transport.SignRejected](t, b.rec)
	assert.Equal(t, id, rejected[0].ID)
	assert.Equal(t, node.ErrNoSigner.Error(), rejected[0].Reason)

	require.Eventually(t, func() bool {
		for _, m := range test_utils.EventsOf[transport.Message](a.rec) {
			if m.Text == "peer rejected signing request" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSignerFailure(t *testing.T) {
	r := test_utils.NewRelay()
	defer r.Close()
	creds := test_utils.MakeCredentials(t, 2, 3)
	a, b := connect(t, r, creds, 0, nil), connect(t, r, creds, 1, stubSigner{err: errors.New("nonce reuse")})
	ready(t, a, b)

	_, err := a.node.RequestSignature(context.Background(), b.node.Self(), nil, nil)
	require.NoError(t, err)

	failed := waitFor[transport.SignFailed](t, b.rec)
	assert.EqualError(t, failed[0].Err, "nonce reuse")
}

func TestReceivePolicy(t *testing.T) {
	r := test_utils.NewRelay()
	defer r.Close()
	creds := test_utils.MakeCredentials(t, 2, 3)
	a, b := connect(t, r, creds, 0, nil), connect(t, r, creds, 1, stubSigner{})
	ready(t, a, b)

	require.NoError(t, b.node.SetPolicies(context.Background(), []transport.PeerPolicy{
		{Pubkey: a.node.Self(), AllowReceive: optional.Some(false)},
	}))
	_, err := a.node.RequestSignature(context.Background(), b.node.Self(), nil, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(test_utils.EventsOf[transport.Message](a.rec)) > 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, test_utils.EventsOf[transport.SignRequest](b.rec))
}

func TestSendPolicyAndMembership(t *testing.T) {
	r := test_utils.NewRelay()
	defer r.Close()
	creds := test_utils.MakeCredentials(t, 2, 3)
	a := connect(t, r, creds, 0, nil)
	ctx := context.Background()

	_, err := a.node.RequestSignature(ctx, test_utils.MakeCredentials(t, 1, 1).Pubkeys[0], nil, nil)
	assert.ErrorIs(t, err, node.ErrUnknownPeer)

	require.NoError(t, a.node.SetPolicies(ctx, []transport.PeerPolicy{
		{Pubkey: creds.Pubkeys[1], AllowSend: optional.Some(false)},
	}))
	_, err = a.node.RequestSignature(ctx, creds.Pubkeys[1], nil, nil)
	assert.ErrorIs(t, err, node.ErrSendBlocked)
}

func TestEchoReachesSiblingDevice(t *testing.T) {
	r := test_utils.NewRelay()
	defer r.Close()
	creds := test_utils.MakeCredentials(t, 2, 3)
	a, sibling, b := connect(t, r, creds, 0, nil), connect(t, r, creds, 0, nil), connect(t, r, creds, 1, nil)
	ready(t, a, b)
	ready(t, sibling, b)

	require.NoError(t, a.node.Echo(context.Background(), "c0ffee"))

	msgs := waitFor[transport.Message](t, sibling.rec)
	assert.Equal(t, "echo received", msgs[0].Text)
	assert.Equal(t, "c0ffee", msgs[0].Payload.(map[string]any)["challenge"])

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, test_utils.EventsOf[transport.Message](a.rec))
}

func TestRelayLossEmitsClosed(t *testing.T) {
	r := test_utils.NewRelay()
	defer r.Close()
	creds := test_utils.MakeCredentials(t, 2, 3)
	a := connect(t, r, creds, 0, nil)

	r.DropAll()
	waitFor[transport.Closed](t, a.rec)
}

func TestLateSubscriberSeesClosed(t *testing.T) {
	r := test_utils.NewRelay()
	defer r.Close()
	creds := test_utils.MakeCredentials(t, 2, 3)
	a := connect(t, r, creds, 0, nil)

	r.DropAll()
	waitFor[transport.Closed](t, a.rec)

	late := &test_utils.Recorder[transport.Event]{}
	a.node.Subscribe(late.Record)
	waitFor[transport.Closed](t, late)
}

func TestCloseIsQuiet(t *testing.T) {
	r := test_utils.NewRelay()
	defer r.Close()
	creds := test_utils.MakeCredentials(t, 2, 3)
	a := connect(t, r, creds, 0, nil)

	require.NoError(t, a.node.Close())
	require.NoError(t, a.node.Close())
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, test_utils.EventsOf[transport.Closed](a.rec))

	_, err := a.node.Ping(context.Background(), creds.Pubkeys[1])
	assert.ErrorIs(t, err, node.ErrClosed)
}
