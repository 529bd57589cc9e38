// Package signal relays opaque connection-setup payloads between peers
// over websockets. Peers connect to /ws/{id} and address each other by id.
package signal

import "errors"

var ErrPeerUnavailable = errors.New("peer not connected to relay")

type Message struct {
	To      string `json:"to,omitempty"`
	From    string `json:"from,omitempty"`
	Payload []byte `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}
