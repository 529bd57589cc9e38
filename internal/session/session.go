// Package session tracks the requesting side of each transfer, one session
// per content id.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/rudransh-shrivastava/beam/internal/crypto"
)

type State int

const (
	Idle State = iota
	AwaitingDelivery
	Decrypting
	Completed
	NotFound
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingDelivery:
		return "awaiting-delivery"
	case Decrypting:
		return "decrypting"
	case Completed:
		return "completed"
	case NotFound:
		return "not-found"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == Completed || s == NotFound || s == Failed
}

var (
	ErrActive            = errors.New("session already in progress")
	ErrUnknown           = errors.New("no such session")
	ErrInvalidTransition = errors.New("invalid session transition")
	ErrChannelMismatch   = errors.New("message arrived on a different channel")
)

type Content struct {
	Name     string
	MimeType string
	IsFile   bool
	Body     []byte
}

type Session struct {
	CID       string
	PeerID    string
	ChannelID uint64
	Encrypt   bool
	State     State
	Err       error
	Content   *Content
	StartedAt time.Time
	UpdatedAt time.Time

	nonce  crypto.Nonce
	secret crypto.Key
}

// Keys is the single-use material needed to open one delivery.
type Keys struct {
	Nonce  crypto.Nonce
	Secret crypto.Key
}

func (k *Keys) Erase() {
	k.Nonce.Erase()
	k.Secret.Erase()
}

func (s *Session) eraseKeys() {
	s.nonce.Erase()
	s.secret.Erase()
}

func (s *Session) hasKeys() bool {
	return !s.secret.IsZero() || s.nonce != crypto.Nonce{}
}

func (s *Session) transition(to State) error {
	if s.State.Terminal() {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, s.State)
	}
	s.State = to
	s.UpdatedAt = time.Now()
	if to.Terminal() {
		s.eraseKeys()
	}
	return nil
}
