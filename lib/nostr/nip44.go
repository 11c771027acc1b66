package nostr

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/bits"

	"github.com/btcsuite/btcd/btcec/v2"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"
)

const (
	nip44Version  = 2
	nip44Salt     = "nip44-v2"
	minPlaintext  = 1
	maxPlaintext  = 65535
	nonceSize     = 32
	macSize       = 32
	minPayloadLen = 1 + nonceSize + 32 + 2 + macSize
)

var (
	ErrPlaintextSize = errors.New("plaintext must be between 1 and 65535 bytes")
	ErrPayload       = errors.New("malformed encrypted payload")
	ErrMAC           = errors.New("encrypted payload failed authentication")
)

// ConversationKey derives the symmetric key shared by priv and the holder of
// the x-only public key pub.
func ConversationKey(priv *btcec.PrivateKey, pub string) ([32]byte, error) {
	var key [32]byte
	pk, err := ParsePublicKey(pub)
	if err != nil {
		return key, err
	}
	shared := btcec.GenerateSharedSecret(priv, pk)
	copy(key[:], hkdf.Extract(sha256.New, shared, []byte(nip44Salt)))
	return key, nil
}

func messageKeys(convKey [32]byte, nonce []byte) (chachaKey, chachaNonce, hmacKey []byte, err error) {
	out := make([]byte, 76)
	if _, err = io.ReadFull(hkdf.Expand(sha256.New, convKey[:], nonce), out); err != nil {
		return nil, nil, nil, err
	}
	return out[:32], out[32:44], out[44:], nil
}

func calcPaddedLen(l int) int {
	if l <= 32 {
		return 32
	}
	nextPower := 1 << bits.Len(uint(l-1))
	chunk := 32
	if nextPower > 256 {
		chunk = nextPower / 8
	}
	return chunk * ((l-1)/chunk + 1)
}

func pad(plaintext []byte) ([]byte, error) {
	l := len(plaintext)
	if l < minPlaintext || l > maxPlaintext {
		return nil, ErrPlaintextSize
	}
	out := make([]byte, 2+calcPaddedLen(l))
	binary.BigEndian.PutUint16(out, uint16(l))
	copy(out[2:], plaintext)
	return out, nil
}

func unpad(padded []byte) ([]byte, error) {
	if len(padded) < 2 {
		return nil, ErrPayload
	}
	l := int(binary.BigEndian.Uint16(padded))
	if l < minPlaintext || 2+l > len(padded) || len(padded) != 2+calcPaddedLen(l) {
		return nil, ErrPayload
	}
	return padded[2 : 2+l], nil
}

func Encrypt(convKey [32]byte, plaintext []byte) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	return encryptWithNonce(convKey, plaintext, nonce)
}

func encryptWithNonce(convKey [32]byte, plaintext, nonce []byte) (string, error) {
	chachaKey, chachaNonce, hmacKey, err := messageKeys(convKey, nonce)
	if err != nil {
		return "", err
	}
	padded, err := pad(plaintext)
	if err != nil {
		return "", err
	}
	cipher, err := chacha20.NewUnauthenticatedCipher(chachaKey, chachaNonce)
	if err != nil {
		return "", err
	}
	ciphertext := make([]byte, len(padded))
	cipher.XORKeyStream(ciphertext, padded)

	payload := make([]byte, 0, 1+nonceSize+len(ciphertext)+macSize)
	payload = append(payload, nip44Version)
	payload = append(payload, nonce...)
	payload = append(payload, ciphertext...)
	payload = append(payload, mac(hmacKey, nonce, ciphertext)...)
	return base64.StdEncoding.EncodeToString(payload), nil
}

func Decrypt(convKey [32]byte, payload string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPayload, err)
	}
	if len(raw) < minPayloadLen {
		return nil, ErrPayload
	}
	if raw[0] != nip44Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrPayload, raw[0])
	}
	nonce := raw[1 : 1+nonceSize]
	ciphertext := raw[1+nonceSize : len(raw)-macSize]
	tag := raw[len(raw)-macSize:]

	chachaKey, chachaNonce, hmacKey, err := messageKeys(convKey, nonce)
	if err != nil {
		return nil, err
	}
	if !hmac.Equal(tag, mac(hmacKey, nonce, ciphertext)) {
		return nil, ErrMAC
	}
	cipher, err := chacha20.NewUnauthenticatedCipher(chachaKey, chachaNonce)
	if err != nil {
		return nil, err
	}
	padded := make([]byte, len(ciphertext))
	cipher.XORKeyStream(padded, ciphertext)
	return unpad(padded)
}

func mac(key, nonce, ciphertext []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(nonce)
	h.Write(ciphertext)
	return h.Sum(nil)
}
