package signer

import (
	"crypto/sha256"
	"encoding/hex"

	"igloo-signer/modules/credentials"

	"github.com/moznion/go-optional"
)

func (c *Coordinator) GetPeers(group, share string) []string {
	return c.directory.GetPeers(group, share)
}

func (c *Coordinator) GetSelfPubkey(group, share string) optional.Option[string] {
	return c.directory.GetSelfPubkey(group, share)
}

// ShareDetails is computed once per credential pair.
func (c *Coordinator) ShareDetails(group, share string) (credentials.ShareDetails, error) {
	sum := sha256.Sum256([]byte(group + "\x00" + share))
	key := hex.EncodeToString(sum[:])

	c.mu.Lock()
	if c.detailsKey == key {
		d := c.details
		c.mu.Unlock()
		return d, nil
	}
	c.mu.Unlock()

	g, err := c.codec.DecodeGroup(group)
	if err != nil {
		return credentials.ShareDetails{}, err
	}
	s, err := c.codec.DecodeShare(share)
	if err != nil {
		return credentials.ShareDetails{}, err
	}
	d, err := credentials.Details(g, s)
	if err != nil {
		return credentials.ShareDetails{}, err
	}

	c.mu.Lock()
	c.detailsKey, c.details = key, d
	c.mu.Unlock()
	return d, nil
}

func (c *Coordinator) DecodeGroup(group string) (credentials.GroupPackage, error) {
	return c.codec.DecodeGroup(group)
}

func (c *Coordinator) DecodeShare(share string) (credentials.SharePackage, error) {
	return c.codec.DecodeShare(share)
}

func (c *Coordinator) ValidateGroup(group string) credentials.ValidationResult {
	return credentials.ValidateGroup(group)
}

func (c *Coordinator) ValidateShare(share string) credentials.ValidationResult {
	return credentials.ValidateShare(share)
}

func (c *Coordinator) VerifyGroup(group string) credentials.ValidationResult {
	return credentials.VerifyGroup(c.codec, group)
}

func (c *Coordinator) VerifyShare(share string) credentials.ValidationResult {
	return credentials.VerifyShare(c.codec, share)
}

func (c *Coordinator) VerifyPair(group, share string) credentials.ValidationResult {
	return credentials.VerifyPair(c.codec, group, share)
}
