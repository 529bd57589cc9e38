// Package transport defines the message channels the transfer engine runs on.
package transport

import (
	"context"
	"errors"
	"io"
)

var (
	ErrClosed   = errors.New("channel closed")
	ErrNotReady = errors.New("channel not ready")
)

// Provider opens channels to peers and surfaces channels opened by peers.
type Provider interface {
	Open(ctx context.Context, peerID string) (Channel, error)
	Accept() <-chan Channel
	Close() error
}

// Channel is a reliable, ordered, message-oriented link to one peer.
// Recv is closed once the channel is closed from either side.
type Channel interface {
	PeerID() string
	Send(data []byte) error
	Recv() <-chan []byte
	// BufferedAmount is the number of bytes queued but not yet handed to
	// the network.
	BufferedAmount() uint64
	Close() error
}

type Signaler interface {
	SendSignal(ctx context.Context, peerID string, signal []byte) error
	RecvSignal() <-chan Signal
	io.Closer
}

type Signal struct {
	PeerID  string
	Payload []byte
	// Err is set when the relay could not deliver our signal to PeerID.
	Err error
}
