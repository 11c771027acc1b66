package peers_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"igloo-signer/lib/logger"
	"igloo-signer/lib/test_utils"
	"igloo-signer/modules/credentials"
	"igloo-signer/modules/peers"

	"github.com/moznion/go-optional"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePubkey(t *testing.T) {
	xonly := strings.Repeat("ab", 32)
	cases := []string{
		xonly,
		strings.ToUpper(xonly),
		"02" + xonly,
		"03" + strings.ToUpper(xonly),
		"  " + xonly + "\n",
	}
	for _, c := range cases {
		n, err := peers.NormalizePubkey(c)
		require.NoError(t, err, c)
		assert.Equal(t, xonly, n)
	}

	for _, bad := range []string{"", "abcd", "04" + xonly, strings.Repeat("zz", 32), xonly + "00"} {
		_, err := peers.NormalizePubkey(bad)
		assert.ErrorIs(t, err, peers.ErrInvalidPubkey, bad)
	}
}

func TestNormalizeIdempotentAndCaseInsensitive(t *testing.T) {
	creds := test_utils.MakeCredentials(t, 2, 5)
	for _, c := range creds.Group.Commits {
		for _, k := range []string{c.Pubkey, c.Pubkey[2:]} {
			once, err := peers.NormalizePubkey(k)
			require.NoError(t, err)
			twice, err := peers.NormalizePubkey(once)
			require.NoError(t, err)
			upper, err := peers.NormalizePubkey(strings.ToUpper(k))
			require.NoError(t, err)

			assert.Equal(t, once, twice)
			assert.Equal(t, once, upper)
		}
	}
	assert.True(t, peers.SamePeer(creds.Group.Commits[0].Pubkey, strings.ToUpper(creds.Pubkeys[0])))
	assert.False(t, peers.SamePeer(creds.Pubkeys[0], creds.Pubkeys[1]))
	assert.False(t, peers.SamePeer("bad", "bad"))
}

func TestGetPeers(t *testing.T) {
	creds := test_utils.MakeCredentials(t, 2, 3)
	d := peers.NewDirectory(credentials.Bifrost{}, logger.Discard())

	for pos := range creds.Shares {
		got := d.GetPeers(creds.GroupStr, creds.ShareStrs[pos])
		assert.Equal(t, creds.PeersOf(pos), got)
		assert.NotContains(t, got, creds.Pubkeys[pos])
	}
}

func TestGetPeersBadCredentials(t *testing.T) {
	creds := test_utils.MakeCredentials(t, 2, 3)
	d := peers.NewDirectory(credentials.Bifrost{}, logger.Discard())

	assert.Empty(t, d.GetPeers("bfgroup1garbage", creds.ShareStrs[0]))
	assert.Empty(t, d.GetPeers(creds.GroupStr, "bfshare1garbage"))
	assert.True(t, d.GetSelfPubkey("nope", creds.ShareStrs[0]).IsNone())
}

// flakyCodec returns no peers from its extraction helper until told
// otherwise, and duplicates keys when it does answer.
type flakyCodec struct {
	credentials.Bifrost
	answer bool
	fail   bool
	calls  int
}

func (c *flakyCodec) PeerPubkeys(g credentials.GroupPackage, s credentials.SharePackage) ([]string, error) {
	c.calls++
	if c.fail {
		return nil, errors.New("broken")
	}
	if !c.answer {
		return nil, nil
	}
	keys, err := c.Bifrost.PeerPubkeys(g, s)
	return append(keys, keys...), err
}

func TestGetPeersFallbackIsSticky(t *testing.T) {
	creds := test_utils.MakeCredentials(t, 2, 4)
	codec := &flakyCodec{}
	d := peers.NewDirectory(codec, logger.Discard())

	want := creds.PeersOf(1)
	assert.Equal(t, want, d.GetPeers(creds.GroupStr, creds.ShareStrs[1]))
	assert.Equal(t, 1, codec.calls)

	// the library recovers, but this pair stays on the commit scan
	codec.answer = true
	assert.Equal(t, want, d.GetPeers(creds.GroupStr, creds.ShareStrs[1]))
	assert.Equal(t, 1, codec.calls)

	// a different pair makes its own decision
	assert.Equal(t, creds.PeersOf(2), d.GetPeers(creds.GroupStr, creds.ShareStrs[2]))
	assert.Equal(t, 2, codec.calls)
}

func TestGetPeersFallbackOnError(t *testing.T) {
	creds := test_utils.MakeCredentials(t, 2, 3)
	d := peers.NewDirectory(&flakyCodec{fail: true}, logger.Discard())
	assert.Equal(t, creds.PeersOf(0), d.GetPeers(creds.GroupStr, creds.ShareStrs[0]))
}

func TestGetPeersCodecFailureAfterSuccess(t *testing.T) {
	creds := test_utils.MakeCredentials(t, 2, 3)
	codec := &flakyCodec{answer: true}
	d := peers.NewDirectory(codec, logger.Discard())

	want := creds.PeersOf(0)
	require.Equal(t, want, d.GetPeers(creds.GroupStr, creds.ShareStrs[0]))

	codec.fail = true
	assert.Equal(t, want, d.GetPeers(creds.GroupStr, creds.ShareStrs[0]))
	assert.Equal(t, 2, codec.calls)

	// the commit scan is now sticky for this pair
	codec.fail = false
	assert.Equal(t, want, d.GetPeers(creds.GroupStr, creds.ShareStrs[0]))
	assert.Equal(t, 2, codec.calls)
}

func TestGetSelfPubkey(t *testing.T) {
	creds := test_utils.MakeCredentials(t, 2, 3)
	d := peers.NewDirectory(credentials.Bifrost{}, logger.Discard())

	self := d.GetSelfPubkey(creds.GroupStr, creds.ShareStrs[2])
	require.True(t, self.IsSome())
	assert.Equal(t, creds.Pubkeys[2], self.Unwrap())

	other := test_utils.MakeCredentials(t, 2, 2)
	share := other.Shares[0]
	share.Index = 9
	enc, err := credentials.EncodeShare(share)
	require.NoError(t, err)
	assert.True(t, d.GetSelfPubkey(creds.GroupStr, enc).IsNone())
}

func TestPolicyMerge(t *testing.T) {
	p := peers.DefaultPolicy()
	p = p.Merge(optional.Some(false), optional.None[bool]())
	assert.Equal(t, peers.Policy{AllowSend: false, AllowReceive: true}, p)
	p = p.Merge(optional.None[bool](), optional.None[bool]())
	assert.Equal(t, peers.Policy{AllowSend: false, AllowReceive: true}, p)
}

type memPolicies struct {
	saved map[string]peers.Policy
}

func (m *memPolicies) Policies(ctx context.Context) (map[string]peers.Policy, error) {
	res := map[string]peers.Policy{}
	for k, v := range m.saved {
		res[k] = v
	}
	return res, nil
}

func (m *memPolicies) SavePolicy(ctx context.Context, pubkey string, p peers.Policy) error {
	m.saved[pubkey] = p
	return nil
}

func TestBook(t *testing.T) {
	ctx := context.Background()
	a, b := strings.Repeat("aa", 32), strings.Repeat("bb", 32)
	store := &memPolicies{saved: map[string]peers.Policy{
		b: {AllowSend: true, AllowReceive: false},
	}}
	book := peers.NewBook(store)
	require.NoError(t, book.Reset(ctx, []string{"03" + b, strings.ToUpper(a)}))

	list := book.Peers()
	require.Len(t, list, 2)
	assert.Equal(t, a, list[0].Pubkey)
	assert.Equal(t, peers.StatusUnknown, list[0].Status)
	assert.Equal(t, peers.DefaultPolicy(), list[0].Policy)
	assert.False(t, list[1].AllowReceive)

	assert.True(t, book.UpdateStatus("02"+a, peers.StatusOnline, optional.Some(40*time.Millisecond)))
	assert.False(t, book.UpdateStatus(strings.Repeat("cc", 32), peers.StatusOnline, optional.None[time.Duration]()))

	pa, ok := book.Peer(a)
	require.True(t, ok)
	assert.Equal(t, peers.StatusOnline, pa.Status)
	assert.False(t, pa.LastSeen.IsZero())
	assert.Equal(t, 40*time.Millisecond, pa.Latency.Unwrap())

	// an offline report keeps the last measured latency
	book.UpdateStatus(a, peers.StatusOffline, optional.None[time.Duration]())
	pa, _ = book.Peer(a)
	assert.Equal(t, peers.StatusOffline, pa.Status)
	assert.True(t, pa.Latency.IsSome())

	require.NoError(t, book.SetPolicy(ctx, a, optional.Some(false), optional.None[bool]()))
	assert.Equal(t, peers.Policy{AllowSend: false, AllowReceive: true}, store.saved[a])
	pa, _ = book.Peer(a)
	assert.False(t, pa.AllowSend)

	assert.ErrorIs(t, book.SetPolicy(ctx, "bad", optional.None[bool](), optional.None[bool]()), peers.ErrInvalidPubkey)
}
