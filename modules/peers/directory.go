package peers

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"

	"igloo-signer/lib/logger"
	"igloo-signer/lib/utils"
	"igloo-signer/modules/credentials"

	"github.com/moznion/go-optional"
)

type strategy int

const (
	strategyUnknown strategy = iota
	strategyCodec
	strategyCommits
)

func (s strategy) String() string {
	switch s {
	case strategyCodec:
		return "codec"
	case strategyCommits:
		return "commits"
	}
	return "unknown"
}

// Directory derives the co-signers of a credential pair.
//
// The codec's own extraction is tried first. When it yields nothing the
// directory reads the group commits directly and remembers that decision for
// the credential pair. A codec success is not remembered, so a later codec
// failure still falls back to the commits.
type Directory struct {
	codec credentials.Codec
	log   *slog.Logger

	mu         sync.Mutex
	strategies map[string]strategy
}

func NewDirectory(codec credentials.Codec, log *slog.Logger) *Directory {
	return &Directory{
		codec:      codec,
		log:        logger.Or(log, "peers"),
		strategies: make(map[string]strategy),
	}
}

// pairKey avoids holding the raw share string as a map key.
func pairKey(group, share string) string {
	sum := sha256.Sum256([]byte(group + "\x00" + share))
	return hex.EncodeToString(sum[:])
}

func (d *Directory) decode(group, share string) (credentials.GroupPackage, credentials.SharePackage, bool) {
	g, err := d.codec.DecodeGroup(group)
	if err != nil {
		d.log.Warn("group credential could not be decoded", "err", err)
		return g, credentials.SharePackage{}, false
	}
	s, err := d.codec.DecodeShare(share)
	if err != nil {
		d.log.Warn("share credential could not be decoded", "err", err)
		return g, s, false
	}
	return g, s, true
}

// GetPeers returns the normalized, deduplicated, sorted keys of every member
// except the share holder. An empty result means no peers, never an error.
func (d *Directory) GetPeers(group, share string) []string {
	g, s, ok := d.decode(group, share)
	if !ok {
		return []string{}
	}
	key := pairKey(group, share)

	d.mu.Lock()
	strat := d.strategies[key]
	d.mu.Unlock()

	var raw []string
	if strat == strategyCommits {
		raw = commitPeers(g, s)
	} else {
		raw = d.codecPeers(g, s)
		strat = strategyCodec
		if len(raw) == 0 {
			// only the fallback is remembered
			d.log.Debug("codec returned no peers, reading group commits")
			raw = commitPeers(g, s)
			strat = strategyCommits
			d.mu.Lock()
			d.strategies[key] = strat
			d.mu.Unlock()
		}
	}

	self, selfErr := selfKey(g, s).Take()
	res := make([]string, 0, len(raw))
	for _, pk := range raw {
		n, err := NormalizePubkey(pk)
		if err != nil {
			d.log.Warn("skipping malformed member key", "err", err)
			continue
		}
		if selfErr == nil && n == self {
			continue
		}
		res = append(res, n)
	}
	res = utils.SortedUnique(res)
	if len(res) == 0 {
		d.log.Warn("no peers found for credentials", "strategy", strat.String())
	}
	return res
}

func (d *Directory) codecPeers(g credentials.GroupPackage, s credentials.SharePackage) []string {
	keys, err := d.codec.PeerPubkeys(g, s)
	if err != nil {
		d.log.Debug("codec peer extraction failed", "err", err)
		return nil
	}
	return keys
}

func commitPeers(g credentials.GroupPackage, s credentials.SharePackage) []string {
	res := make([]string, 0, len(g.Commits))
	for _, c := range g.Commits {
		if c.Index != s.Index {
			res = append(res, c.Pubkey)
		}
	}
	return res
}

func selfKey(g credentials.GroupPackage, s credentials.SharePackage) optional.Option[string] {
	c, ok := g.CommitFor(s.Index)
	if !ok {
		return optional.None[string]()
	}
	n, err := NormalizePubkey(c.Pubkey)
	if err != nil {
		return optional.None[string]()
	}
	return optional.Some(n)
}

// GetSelfPubkey returns the share holder's own normalized key, or None when
// the credentials do not contain it.
func (d *Directory) GetSelfPubkey(group, share string) optional.Option[string] {
	g, s, ok := d.decode(group, share)
	if !ok {
		return optional.None[string]()
	}
	self := selfKey(g, s)
	if self.IsNone() {
		d.log.Warn("share index not found among group commits", "index", s.Index)
	}
	return self
}
