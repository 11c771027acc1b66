package nostr

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

var (
	ErrBadID        = errors.New("event id does not match its content")
	ErrBadSignature = errors.New("event signature is invalid")
)

type Tag []string

type Event struct {
	ID        string `json:"id"`
	PubKey    string `json:"pubkey"`
	CreatedAt int64  `json:"created_at"`
	Kind      int    `json:"kind"`
	Tags      []Tag  `json:"tags"`
	Content   string `json:"content"`
	Sig       string `json:"sig"`
}

// Serialize produces the canonical NIP-01 commitment
// [0,pubkey,created_at,kind,tags,content] without HTML escaping.
func (e Event) Serialize() ([]byte, error) {
	tags := e.Tags
	if tags == nil {
		tags = []Tag{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode([]any{0, e.PubKey, e.CreatedAt, e.Kind, tags, e.Content}); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func (e Event) ComputeID() ([32]byte, error) {
	ser, err := e.Serialize()
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(ser), nil
}

// Sign fills PubKey, ID and Sig from priv. CreatedAt is set to now when zero.
func (e *Event) Sign(priv *btcec.PrivateKey) error {
	if e.CreatedAt == 0 {
		e.CreatedAt = time.Now().Unix()
	}
	if e.Tags == nil {
		e.Tags = []Tag{}
	}
	e.PubKey = PublicKeyHex(priv)
	id, err := e.ComputeID()
	if err != nil {
		return err
	}
	sig, err := schnorr.Sign(priv, id[:])
	if err != nil {
		return fmt.Errorf("sign event: %w", err)
	}
	e.ID = hex.EncodeToString(id[:])
	e.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

func (e Event) Verify() error {
	id, err := e.ComputeID()
	if err != nil {
		return err
	}
	if hex.EncodeToString(id[:]) != e.ID {
		return ErrBadID
	}
	pk, err := ParsePublicKey(e.PubKey)
	if err != nil {
		return err
	}
	sigBytes, err := hex.DecodeString(e.Sig)
	if err != nil {
		return ErrBadSignature
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return ErrBadSignature
	}
	if !sig.Verify(id[:], pk) {
		return ErrBadSignature
	}
	return nil
}

// Recipients returns the values of every "p" tag.
func (e Event) Recipients() []string {
	res := make([]string, 0, 1)
	for _, t := range e.Tags {
		if len(t) >= 2 && t[0] == "p" {
			res = append(res, t[1])
		}
	}
	return res
}

func PublicKeyHex(priv *btcec.PrivateKey) string {
	return hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey()))
}

// ParsePublicKey lifts a 32-byte x-only hex key onto the curve.
func ParsePublicKey(xonly string) (*btcec.PublicKey, error) {
	b, err := hex.DecodeString(xonly)
	if err != nil {
		return nil, fmt.Errorf("public key is not hex: %w", err)
	}
	pk, err := schnorr.ParsePubKey(b)
	if err != nil {
		return nil, fmt.Errorf("public key is not on the curve: %w", err)
	}
	return pk, nil
}

func ParsePrivateKey(seckey string) (*btcec.PrivateKey, error) {
	b, err := hex.DecodeString(seckey)
	if err != nil || len(b) != 32 {
		return nil, errors.New("secret key must be 32 bytes of hex")
	}
	priv, _ := btcec.PrivKeyFromBytes(b)
	return priv, nil
}
