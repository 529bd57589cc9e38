package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/rudransh-shrivastava/beam/internal/crypto"
)

// Table holds every session by cid. The lock is never held across I/O.
type Table struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewTable() *Table {
	return &Table{sessions: make(map[string]*Session)}
}

// Reserve creates an Idle session for cid. A terminal session for the same
// cid is replaced.
func (t *Table) Reserve(cid, peerID string, encrypt bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.sessions[cid]; ok && !s.State.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrActive, cid, s.State)
	}

	now := time.Now()
	t.sessions[cid] = &Session{
		CID:       cid,
		PeerID:    peerID,
		Encrypt:   encrypt,
		State:     Idle,
		StartedAt: now,
		UpdatedAt: now,
	}
	return nil
}

// Arm stores the request's key material and moves the session to
// AwaitingDelivery on channelID.
func (t *Table) Arm(cid string, channelID uint64, nonce crypto.Nonce, secret crypto.Key) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, err := t.get(cid)
	if err != nil {
		return err
	}
	if s.State != Idle {
		return fmt.Errorf("%w: arm from %s", ErrInvalidTransition, s.State)
	}

	s.ChannelID = channelID
	s.nonce = nonce
	s.secret = secret
	return s.transition(AwaitingDelivery)
}

// BeginDecrypt claims the delivery for cid and hands out its key material.
// It succeeds at most once per session; the table keeps no copy afterwards.
func (t *Table) BeginDecrypt(cid string, channelID uint64) (Keys, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, err := t.awaiting(cid, channelID)
	if err != nil {
		return Keys{}, err
	}

	keys := Keys{Nonce: s.nonce, Secret: s.secret}
	s.eraseKeys()
	if err := s.transition(Decrypting); err != nil {
		return Keys{}, err
	}
	return keys, nil
}

// Complete stores the delivered content. Plaintext deliveries complete
// straight from AwaitingDelivery.
func (t *Table) Complete(cid string, channelID uint64, content Content) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, err := t.get(cid)
	if err != nil {
		return err
	}
	if s.State != AwaitingDelivery && s.State != Decrypting {
		return fmt.Errorf("%w: complete from %s", ErrInvalidTransition, s.State)
	}
	if s.ChannelID != channelID {
		return ErrChannelMismatch
	}

	s.Content = &content
	return s.transition(Completed)
}

func (t *Table) MarkNotFound(cid string, channelID uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, err := t.awaiting(cid, channelID)
	if err != nil {
		return err
	}
	return s.transition(NotFound)
}

// Fail moves a live session to Failed with cause.
func (t *Table) Fail(cid string, cause error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, err := t.get(cid)
	if err != nil {
		return err
	}
	if err := s.transition(Failed); err != nil {
		return err
	}
	s.Err = cause
	return nil
}

// FailChannel fails every session still waiting on channelID and returns
// their cids.
func (t *Table) FailChannel(channelID uint64, cause error) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var failed []string
	for cid, s := range t.sessions {
		if s.ChannelID != channelID || (s.State != Idle && s.State != AwaitingDelivery) {
			continue
		}
		if err := s.transition(Failed); err == nil {
			s.Err = cause
			failed = append(failed, cid)
		}
	}
	return failed
}

// Waiting reports whether cid is awaiting delivery on channelID.
func (t *Table) Waiting(cid string, channelID uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, err := t.awaiting(cid, channelID)
	return err == nil
}

// Get returns a snapshot of the session without key material.
func (t *Table) Get(cid string) (Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[cid]
	if !ok {
		return Session{}, false
	}
	out := *s
	out.eraseKeys()
	return out, true
}

// Active counts the sessions on channelID that have not reached a terminal
// state.
func (t *Table) Active(channelID uint64) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, s := range t.sessions {
		if s.ChannelID == channelID && !s.State.Terminal() {
			n++
		}
	}
	return n
}

// Reset erases all key material and drops every session.
func (t *Table) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, s := range t.sessions {
		s.eraseKeys()
	}
	t.sessions = make(map[string]*Session)
}

func (t *Table) get(cid string) (*Session, error) {
	s, ok := t.sessions[cid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknown, cid)
	}
	return s, nil
}

func (t *Table) awaiting(cid string, channelID uint64) (*Session, error) {
	s, err := t.get(cid)
	if err != nil {
		return nil, err
	}
	if s.State != AwaitingDelivery {
		return nil, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, cid, s.State)
	}
	if s.ChannelID != channelID {
		return nil, ErrChannelMismatch
	}
	return s, nil
}
