package webrtc

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/rudransh-shrivastava/beam/internal/transport"
)

const (
	lingerTimeout = 5 * time.Second
	drainPoll     = 10 * time.Millisecond
)

var errConnectionFailed = errors.New("peer connection failed")

type connection struct {
	peerID string
	pc     *webrtc.PeerConnection

	mu sync.Mutex
	dc *webrtc.DataChannel

	recvMu     sync.Mutex
	recv       chan []byte
	recvClosed bool

	opened   chan struct{}
	openOnce sync.Once

	done      chan struct{}
	closeOnce sync.Once
	err       error
	onClose   func()
}

var _ transport.Channel = (*connection)(nil)

func newConnection(peerID string, pc *webrtc.PeerConnection) *connection {
	c := &connection{
		peerID: peerID,
		pc:     pc,
		recv:   make(chan []byte, 256),
		opened: make(chan struct{}),
		done:   make(chan struct{}),
	}

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			c.fail(fmt.Errorf("%w: %s", errConnectionFailed, s))
		}
	})
	return c
}

func (c *connection) createDataChannel() error {
	dc, err := c.pc.CreateDataChannel("data", DefaultDataChannelConfig())
	if err != nil {
		return fmt.Errorf("failed to create data channel: %w", err)
	}
	c.setupDataChannel(dc, nil)
	return nil
}

// setupDataChannel wires dc to the connection. onOpen runs once, after the
// connection is marked open.
func (c *connection) setupDataChannel(dc *webrtc.DataChannel, onOpen func()) {
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()

	dc.OnOpen(func() {
		c.openOnce.Do(func() {
			close(c.opened)
			if onOpen != nil {
				onOpen()
			}
		})
	})

	// Blocking here applies backpressure to the SCTP reader and keeps order.
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.recvMu.Lock()
		defer c.recvMu.Unlock()
		if c.recvClosed {
			return
		}
		select {
		case c.recv <- msg.Data:
		case <-c.done:
		}
	})

	dc.OnClose(func() {
		c.fail(transport.ErrClosed)
	})
}

func (c *connection) PeerID() string {
	return c.peerID
}

func (c *connection) Send(data []byte) error {
	select {
	case <-c.done:
		return transport.ErrClosed
	default:
	}

	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()

	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return transport.ErrNotReady
	}
	return dc.Send(data)
}

func (c *connection) Recv() <-chan []byte {
	return c.recv
}

func (c *connection) BufferedAmount() uint64 {
	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()

	if dc == nil {
		return 0
	}
	return dc.BufferedAmount()
}

// Close stops delivery immediately and tears the peer connection down once
// the send buffer has drained or lingerTimeout passes.
func (c *connection) Close() error {
	c.shutdown(nil, true)
	return nil
}

func (c *connection) fail(err error) {
	c.shutdown(err, false)
}

func (c *connection) shutdown(err error, linger bool) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.done)

		c.recvMu.Lock()
		c.recvClosed = true
		close(c.recv)
		c.recvMu.Unlock()

		if c.onClose != nil {
			c.onClose()
		}

		go func() {
			if linger {
				c.drain()
			}
			c.mu.Lock()
			dc := c.dc
			c.mu.Unlock()
			if dc != nil {
				_ = dc.Close()
			}
			_ = c.pc.Close()
		}()
	})
}

func (c *connection) drain() {
	deadline := time.Now().Add(lingerTimeout)
	for c.BufferedAmount() > 0 && time.Now().Before(deadline) {
		time.Sleep(drainPoll)
	}
}

// closeErr reports why the connection ended before opening.
func (c *connection) closeErr() error {
	if c.err != nil {
		return c.err
	}
	return transport.ErrClosed
}
