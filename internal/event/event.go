// Package event carries transfer notifications to observers.
package event

import (
	"sync"
	"time"
)

type Name string

// Status notifications. Each carries human-readable text from the active
// text set.
const (
	NetworkConnecting Name = "networkConnecting"
	NetworkConnected  Name = "networkConnected"
	Error             Name = "error"
	PeerConnecting    Name = "peerConnecting"
	RequestingData    Name = "requestingData"
	EncryptingData    Name = "encryptingData"
	SendingData       Name = "sendingData"
	DecryptingData    Name = "decryptingData"
	TransferCompleted Name = "transferCompleted"
	ReceivingData     Name = "receivingData"
	DataNotAvailable  Name = "dataNotAvailable"
)

// Lifecycle notifications.
const (
	Ready           Name = "ready"
	Connection      Name = "connection"
	SendStart       Name = "send-start"
	SendProgress    Name = "send-progress"
	SendFinish      Name = "send-finish"
	ReceiveStart    Name = "receive-start"
	ReceiveProgress Name = "receive-progress"
	ContentReceived Name = "transfer-completed"
	NotFound        Name = "not-found"
)

var statusNames = []Name{
	NetworkConnecting, NetworkConnected, Error, PeerConnecting, RequestingData,
	EncryptingData, SendingData, DecryptingData, TransferCompleted,
	ReceivingData, DataNotAvailable,
}

func (n Name) IsStatus() bool {
	for _, s := range statusNames {
		if s == n {
			return true
		}
	}
	return false
}

// StatusNames lists every status notification name.
func StatusNames() []Name {
	return append([]Name(nil), statusNames...)
}

type Content struct {
	CID      string
	Name     string
	MimeType string
	IsFile   bool
	Body     []byte
}

type Event struct {
	Name     Name
	CID      string
	PeerID   string
	Text     string
	Progress uint64
	Content  *Content
	Err      error
	Time     time.Time
}

type Observer interface {
	Notify(Event)
}

type ObserverFunc func(Event)

func (f ObserverFunc) Notify(e Event) { f(e) }

type subscription struct {
	id       uint64
	observer Observer
}

// Bus delivers events synchronously, in subscription order.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []subscription
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers o and returns a function that removes it.
func (b *Bus) Subscribe(o Observer) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, observer: o})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		s.observer.Notify(e)
	}
}
