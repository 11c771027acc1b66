package test_utils

import (
	"encoding/hex"
	"slices"

	"igloo-signer/modules/credentials"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"
)

// Credentials is a freshly generated k-of-n group with every member's share.
type Credentials struct {
	Group     credentials.GroupPackage
	Shares    []credentials.SharePackage
	GroupStr  string
	ShareStrs []string
	// x-only member keys, by position
	Pubkeys []string
}

func randomKey(t require.TestingT) *btcec.PrivateKey {
	k, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	return k
}

func randomPoint(t require.TestingT) string {
	return hex.EncodeToString(randomKey(t).PubKey().SerializeCompressed())
}

func randomScalar(t require.TestingT) string {
	return hex.EncodeToString(randomKey(t).Serialize())
}

func MakeCredentials(t require.TestingT, threshold, total int) Credentials {
	c := Credentials{Group: credentials.GroupPackage{
		GroupPubkey: randomPoint(t),
		Threshold:   threshold,
	}}
	for i := 1; i <= total; i++ {
		k := randomKey(t)
		compressed := hex.EncodeToString(k.PubKey().SerializeCompressed())
		c.Group.Commits = append(c.Group.Commits, credentials.Commit{
			Index:       i,
			Pubkey:      compressed,
			HiddenNonce: randomPoint(t),
			BinderNonce: randomPoint(t),
		})
		c.Shares = append(c.Shares, credentials.SharePackage{
			Index:       i,
			Seckey:      hex.EncodeToString(k.Serialize()),
			BinderNonce: randomScalar(t),
			HiddenNonce: randomScalar(t),
		})
		c.Pubkeys = append(c.Pubkeys, compressed[2:])
	}

	var err error
	c.GroupStr, err = credentials.EncodeGroup(c.Group)
	require.NoError(t, err)
	for _, s := range c.Shares {
		enc, err := credentials.EncodeShare(s)
		require.NoError(t, err)
		c.ShareStrs = append(c.ShareStrs, enc)
	}
	return c
}

// PeersOf returns the sorted x-only keys of every member except the given
// position.
func (c Credentials) PeersOf(pos int) []string {
	var res []string
	for i, pk := range c.Pubkeys {
		if i != pos {
			res = append(res, pk)
		}
	}
	slices.Sort(res)
	return res
}
