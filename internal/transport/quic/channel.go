package quic

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/rudransh-shrivastava/beam/internal/transport"
)

// lingerTimeout bounds how long a closing channel waits for the peer to
// finish its side of the stream.
const lingerTimeout = 5 * time.Second

// channel carries length-prefixed frames over one bidirectional stream.
type channel struct {
	peerID string
	conn   quic.Connection
	stream quic.Stream

	recv     chan []byte
	readDone chan struct{}
	done     chan struct{}
	closed   chan struct{}
	once     sync.Once

	pending atomic.Int64

	mu     sync.Mutex
	queue  [][]byte
	notify chan struct{}
}

var _ transport.Channel = (*channel)(nil)

func newChannel(peerID string, conn quic.Connection, stream quic.Stream) *channel {
	c := &channel{
		peerID:   peerID,
		conn:     conn,
		stream:   stream,
		recv:     make(chan []byte, 64),
		readDone: make(chan struct{}),
		done:     make(chan struct{}),
		closed:   make(chan struct{}),
		notify:   make(chan struct{}, 1),
	}
	go c.readLoop()
	go c.writeLoop()
	return c
}

func (c *channel) PeerID() string {
	return c.peerID
}

func (c *channel) Send(data []byte) error {
	msg := append([]byte(nil), data...)

	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return transport.ErrClosed
	default:
	}
	c.queue = append(c.queue, msg)
	c.pending.Add(int64(len(msg)))
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

func (c *channel) Recv() <-chan []byte {
	return c.recv
}

func (c *channel) BufferedAmount() uint64 {
	n := c.pending.Load()
	if n < 0 {
		return 0
	}
	return uint64(n)
}

// Close stops accepting sends. Queued frames are still written before the
// stream is finished.
func (c *channel) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *channel) readLoop() {
	defer close(c.readDone)
	defer close(c.recv)
	defer func() { _ = c.Close() }()

	for {
		frame, err := readFrame(c.stream)
		if err != nil {
			return
		}
		select {
		case c.recv <- frame:
		case <-c.done:
		}
	}
}

func (c *channel) writeLoop() {
	defer close(c.closed)

	for {
		c.mu.Lock()
		if len(c.queue) > 0 {
			msg := c.queue[0]
			c.queue = c.queue[1:]
			c.mu.Unlock()
			if err := writeFrame(c.stream, msg); err != nil {
				_ = c.Close()
				c.pending.Store(0)
				break
			}
			c.pending.Add(-int64(len(msg)))
			continue
		}
		c.mu.Unlock()

		select {
		case <-c.notify:
			continue
		case <-c.done:
		}

		c.mu.Lock()
		rest := c.queue
		c.queue = nil
		c.mu.Unlock()
		for _, msg := range rest {
			if err := writeFrame(c.stream, msg); err != nil {
				break
			}
			c.pending.Add(-int64(len(msg)))
		}
		break
	}

	c.pending.Store(0)
	_ = c.stream.Close()

	select {
	case <-c.readDone:
	case <-time.After(lingerTimeout):
	}
	_ = c.conn.CloseWithError(0, "")
}
