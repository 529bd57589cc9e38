package crypto

import (
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/box"
)

// Box is the NaCl crypto_box (Curve25519, XSalsa20, Poly1305) provider.
type Box struct {
	rand io.Reader
}

var _ Provider = (*Box)(nil)

func NewBox() *Box {
	return &Box{rand: rand.Reader}
}

func (b *Box) GenerateKeyPair() (KeyPair, error) {
	pub, sec, err := box.GenerateKey(b.rand)
	if err != nil {
		return KeyPair{}, fmt.Errorf("failed to generate key pair: %w", err)
	}
	pair := KeyPair{Public: Key(*pub), Secret: Key(*sec)}
	for i := range sec {
		sec[i] = 0
	}
	return pair, nil
}

func (b *Box) GenerateNonce() (Nonce, error) {
	var n Nonce
	if _, err := io.ReadFull(b.rand, n[:]); err != nil {
		return n, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return n, nil
}

func (b *Box) Seal(message []byte, nonce Nonce, peerPublic, secret Key) ([]byte, error) {
	n := [NonceSize]byte(nonce)
	pub := [KeySize]byte(peerPublic)
	sec := [KeySize]byte(secret)
	defer clear(sec[:])
	return box.Seal(nil, message, &n, &pub, &sec), nil
}

func (b *Box) Open(sealed []byte, nonce Nonce, peerPublic, secret Key) ([]byte, error) {
	if len(sealed) < box.Overhead {
		return nil, ErrAuthentication
	}
	n := [NonceSize]byte(nonce)
	pub := [KeySize]byte(peerPublic)
	sec := [KeySize]byte(secret)
	defer clear(sec[:])
	out, ok := box.Open(nil, sealed, &n, &pub, &sec)
	if !ok {
		return nil, ErrAuthentication
	}
	return out, nil
}
