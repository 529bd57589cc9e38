// Package crypto defines the authenticated public-key encryption used to
// protect a single content transfer, and a NaCl box implementation of it.
package crypto

import (
	"encoding/base64"
	"errors"
	"fmt"
)

const (
	KeySize   = 32
	NonceSize = 24
)

var (
	// ErrAuthentication is returned by Open when the box fails verification.
	ErrAuthentication = errors.New("authentication failed")
	ErrInvalidKey     = errors.New("invalid key")
	ErrInvalidNonce   = errors.New("invalid nonce")
)

type Key [KeySize]byte

type Nonce [NonceSize]byte

type KeyPair struct {
	Public Key
	Secret Key
}

// Provider seals and opens payloads for one sender/recipient key pairing.
// Implementations must be safe for concurrent use.
type Provider interface {
	GenerateKeyPair() (KeyPair, error)
	GenerateNonce() (Nonce, error)
	Seal(message []byte, nonce Nonce, peerPublic, secret Key) ([]byte, error)
	Open(sealed []byte, nonce Nonce, peerPublic, secret Key) ([]byte, error)
}

// Erase zeroes the key in place.
func (k *Key) Erase() {
	for i := range k {
		k[i] = 0
	}
}

func (k Key) IsZero() bool {
	return k == Key{}
}

func (k Key) String() string {
	return base64.StdEncoding.EncodeToString(k[:])
}

// Erase zeroes the secret half of the pair.
func (p *KeyPair) Erase() {
	p.Secret.Erase()
}

func (n *Nonce) Erase() {
	for i := range n {
		n[i] = 0
	}
}

func (n Nonce) String() string {
	return base64.StdEncoding.EncodeToString(n[:])
}

// ParseKey decodes a standard base64 key.
func ParseKey(s string) (Key, error) {
	var k Key
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(raw) != KeySize {
		return k, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKey, KeySize, len(raw))
	}
	copy(k[:], raw)
	return k, nil
}

// ParseNonce decodes a standard base64 nonce.
func ParseNonce(s string) (Nonce, error) {
	var n Nonce
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return n, fmt.Errorf("%w: %v", ErrInvalidNonce, err)
	}
	if len(raw) != NonceSize {
		return n, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidNonce, NonceSize, len(raw))
	}
	copy(n[:], raw)
	return n, nil
}
