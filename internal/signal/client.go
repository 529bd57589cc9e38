package signal

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rudransh-shrivastava/beam/internal/transport"
)

// Client is a transport.Signaler backed by a relay Server.
type Client struct {
	id      string
	conn    *websocket.Conn
	signals chan transport.Signal

	wmu  sync.Mutex
	once sync.Once
	done chan struct{}
}

var _ transport.Signaler = (*Client)(nil)

// Dial connects to the relay at baseURL (ws:// or http://) as id.
func Dial(ctx context.Context, baseURL, id string) (*Client, error) {
	if id == "" {
		return nil, errors.New("signal: empty id")
	}

	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("signal: bad relay url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/" + url.PathEscape(id)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("signal: failed to connect to %s: %w", u.Host, err)
	}

	c := &Client{
		id:      id,
		conn:    conn,
		signals: make(chan transport.Signal, 32),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) ID() string {
	return c.id
}

func (c *Client) SendSignal(ctx context.Context, peerID string, payload []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(writeTimeout)
	}
	_ = c.conn.SetWriteDeadline(deadline)

	if err := c.conn.WriteJSON(Message{To: peerID, Payload: payload}); err != nil {
		return fmt.Errorf("signal: failed to send to %s: %w", peerID, err)
	}
	return nil
}

// RecvSignal is closed when the relay connection ends.
func (c *Client) RecvSignal() <-chan transport.Signal {
	return c.signals
}

func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		c.wmu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.wmu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *Client) readLoop() {
	defer close(c.signals)

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		sig := transport.Signal{PeerID: msg.From, Payload: msg.Payload}
		if msg.Error != "" {
			sig.Err = fmt.Errorf("%w: %s", ErrPeerUnavailable, msg.Error)
			if msg.Error == ErrPeerUnavailable.Error() {
				sig.Err = ErrPeerUnavailable
			}
		}

		select {
		case c.signals <- sig:
		case <-c.done:
			return
		}
	}
}
