package credentials

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

// Bifrost reads and writes the bfgroup / bfshare bech32m packages.
type Bifrost struct{}

var _ Codec = Bifrost{}

func decodeBech32(prefix, s string) ([]byte, error) {
	hrp, data, err := bech32.DecodeNoLimit(strings.ToLower(strings.TrimSpace(s)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	if hrp != prefix {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrPrefix, hrp, prefix)
	}
	raw, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	return raw, nil
}

func encodeBech32(prefix string, raw []byte) (string, error) {
	data, err := bech32.ConvertBits(raw, 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32.EncodeM(prefix, data)
}

func (Bifrost) DecodeGroup(group string) (GroupPackage, error) {
	raw, err := decodeBech32(GroupPrefix, group)
	if err != nil {
		return GroupPackage{}, err
	}
	if len(raw) < groupHeader+commitSize || (len(raw)-groupHeader)%commitSize != 0 {
		return GroupPackage{}, fmt.Errorf("%w: group payload is %d bytes", ErrLength, len(raw))
	}

	pkg := GroupPackage{
		GroupPubkey: hex.EncodeToString(raw[:pubkeySize]),
		Threshold:   int(binary.BigEndian.Uint32(raw[pubkeySize:groupHeader])),
	}
	seen := make(map[int]bool)
	for off := groupHeader; off < len(raw); off += commitSize {
		c := raw[off : off+commitSize]
		idx := int(binary.BigEndian.Uint32(c[:indexSize]))
		if idx < 1 || seen[idx] {
			return GroupPackage{}, fmt.Errorf("%w: commit index %d", ErrIndex, idx)
		}
		seen[idx] = true
		c = c[indexSize:]
		pkg.Commits = append(pkg.Commits, Commit{
			Index:       idx,
			Pubkey:      hex.EncodeToString(c[:pubkeySize]),
			HiddenNonce: hex.EncodeToString(c[pubkeySize : 2*pubkeySize]),
			BinderNonce: hex.EncodeToString(c[2*pubkeySize:]),
		})
	}
	if pkg.Threshold < 1 || pkg.Threshold > len(pkg.Commits) {
		return GroupPackage{}, fmt.Errorf("%w: %d of %d", ErrThreshold, pkg.Threshold, len(pkg.Commits))
	}
	return pkg, nil
}

func (Bifrost) DecodeShare(share string) (SharePackage, error) {
	raw, err := decodeBech32(SharePrefix, share)
	if err != nil {
		return SharePackage{}, err
	}
	if len(raw) != sharePayload {
		return SharePackage{}, fmt.Errorf("%w: share payload is %d bytes", ErrLength, len(raw))
	}
	idx := int(binary.BigEndian.Uint32(raw[:indexSize]))
	if idx < 1 {
		return SharePackage{}, fmt.Errorf("%w: share index %d", ErrIndex, idx)
	}
	s := raw[indexSize:]
	return SharePackage{
		Index:       idx,
		Seckey:      hex.EncodeToString(s[:scalarSize]),
		BinderNonce: hex.EncodeToString(s[scalarSize : 2*scalarSize]),
		HiddenNonce: hex.EncodeToString(s[2*scalarSize:]),
	}, nil
}

// PeerPubkeys lists the commit keys of every member other than the share
// holder, in commit order.
func (Bifrost) PeerPubkeys(group GroupPackage, share SharePackage) ([]string, error) {
	if _, ok := group.CommitFor(share.Index); !ok {
		return nil, fmt.Errorf("%w: index %d", ErrMismatch, share.Index)
	}
	res := make([]string, 0, len(group.Commits))
	for _, c := range group.Commits {
		if c.Index != share.Index {
			res = append(res, c.Pubkey)
		}
	}
	return res, nil
}

func hexField(name, value string, size int) ([]byte, error) {
	b, err := hex.DecodeString(value)
	if err != nil || len(b) != size {
		return nil, fmt.Errorf("%s must be %d bytes of hex", name, size)
	}
	return b, nil
}

func EncodeGroup(pkg GroupPackage) (string, error) {
	gpk, err := hexField("group_pk", pkg.GroupPubkey, pubkeySize)
	if err != nil {
		return "", err
	}
	raw := make([]byte, 0, groupHeader+len(pkg.Commits)*commitSize)
	raw = append(raw, gpk...)
	raw = binary.BigEndian.AppendUint32(raw, uint32(pkg.Threshold))
	for _, c := range pkg.Commits {
		raw = binary.BigEndian.AppendUint32(raw, uint32(c.Index))
		for _, f := range []struct{ name, value string }{
			{"pubkey", c.Pubkey},
			{"hidden_pn", c.HiddenNonce},
			{"binder_pn", c.BinderNonce},
		} {
			b, err := hexField(f.name, f.value, pubkeySize)
			if err != nil {
				return "", err
			}
			raw = append(raw, b...)
		}
	}
	return encodeBech32(GroupPrefix, raw)
}

func EncodeShare(pkg SharePackage) (string, error) {
	raw := make([]byte, 0, sharePayload)
	raw = binary.BigEndian.AppendUint32(raw, uint32(pkg.Index))
	for _, f := range []struct{ name, value string }{
		{"seckey", pkg.Seckey},
		{"binder_sn", pkg.BinderNonce},
		{"hidden_sn", pkg.HiddenNonce},
	} {
		b, err := hexField(f.name, f.value, scalarSize)
		if err != nil {
			return "", err
		}
		raw = append(raw, b...)
	}
	return encodeBech32(SharePrefix, raw)
}

// Details summarizes a decoded credential pair.
func Details(group GroupPackage, share SharePackage) (ShareDetails, error) {
	if group.Threshold < 1 || group.Threshold > len(group.Commits) {
		return ShareDetails{}, ErrThreshold
	}
	if _, ok := group.CommitFor(share.Index); !ok {
		return ShareDetails{}, fmt.Errorf("%w: index %d", ErrMismatch, share.Index)
	}
	return ShareDetails{
		Index:       share.Index,
		Threshold:   group.Threshold,
		Total:       len(group.Commits),
		GroupPubkey: group.GroupPubkey,
	}, nil
}
