// Package memory implements an in-process transport. Every Provider joined to
// the same Network can open channels to the others by peer id.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rudransh-shrivastava/beam/internal/transport"
)

var ErrUnknownPeer = errors.New("unknown peer")

// drainTimeout bounds how long a closed channel waits for its reader to
// take the messages still queued.
var drainTimeout = 5 * time.Second

type Network struct {
	mu        sync.RWMutex
	providers map[string]*Provider
}

func NewNetwork() *Network {
	return &Network{providers: make(map[string]*Provider)}
}

// Join registers a provider reachable as peerID, replacing any previous one.
func (n *Network) Join(peerID string) *Provider {
	p := &Provider{
		id:       peerID,
		network:  n,
		incoming: make(chan transport.Channel, 16),
		channels: make(map[*endpoint]struct{}),
		done:     make(chan struct{}),
	}

	n.mu.Lock()
	n.providers[peerID] = p
	n.mu.Unlock()
	return p
}

func (n *Network) lookup(peerID string) (*Provider, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	p, ok := n.providers[peerID]
	return p, ok
}

func (n *Network) leave(p *Provider) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.providers[p.id] == p {
		delete(n.providers, p.id)
	}
}

type Provider struct {
	id       string
	network  *Network
	incoming chan transport.Channel
	done     chan struct{}
	once     sync.Once

	mu       sync.RWMutex
	channels map[*endpoint]struct{}
}

var _ transport.Provider = (*Provider)(nil)

func (p *Provider) ID() string {
	return p.id
}

func (p *Provider) Open(ctx context.Context, peerID string) (transport.Channel, error) {
	select {
	case <-p.done:
		return nil, transport.ErrClosed
	default:
	}

	remote, ok := p.network.lookup(peerID)
	if !ok {
		return nil, fmt.Errorf("failed to open channel to %s: %w", peerID, ErrUnknownPeer)
	}

	local, accepted := newPair(p.id, peerID)

	if err := remote.deliver(ctx, accepted); err != nil {
		_ = local.Close()
		return nil, fmt.Errorf("failed to open channel to %s: %w", peerID, err)
	}

	if !p.track(local) {
		_ = local.Close()
		return nil, transport.ErrClosed
	}
	return local, nil
}

func (p *Provider) deliver(ctx context.Context, e *endpoint) error {
	if !p.track(e) {
		return ErrUnknownPeer
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	select {
	case <-p.done:
		return ErrUnknownPeer
	default:
	}

	select {
	case p.incoming <- e:
		return nil
	case <-p.done:
		return ErrUnknownPeer
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Provider) track(e *endpoint) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	select {
	case <-p.done:
		return false
	default:
	}
	p.channels[e] = struct{}{}
	return true
}

func (p *Provider) Accept() <-chan transport.Channel {
	return p.incoming
}

// Close closes every channel this provider opened or accepted.
func (p *Provider) Close() error {
	p.once.Do(func() {
		close(p.done)
		p.network.leave(p)

		p.mu.Lock()
		for e := range p.channels {
			_ = e.Close()
		}
		p.channels = make(map[*endpoint]struct{})
		close(p.incoming)
		p.mu.Unlock()
	})
	return nil
}

type link struct {
	once sync.Once
	done chan struct{}
}

func (l *link) close() {
	l.once.Do(func() { close(l.done) })
}

type endpoint struct {
	peerID string
	link   *link
	remote *endpoint

	// pending counts bytes this end sent that the remote has not yet received.
	pending atomic.Int64

	mu     sync.Mutex
	queue  [][]byte
	notify chan struct{}
	out    chan []byte
}

func newPair(a, b string) (*endpoint, *endpoint) {
	l := &link{done: make(chan struct{})}
	ea := &endpoint{peerID: b, link: l, notify: make(chan struct{}, 1), out: make(chan []byte, 64)}
	eb := &endpoint{peerID: a, link: l, notify: make(chan struct{}, 1), out: make(chan []byte, 64)}
	ea.remote, eb.remote = eb, ea

	go ea.pump()
	go eb.pump()
	return ea, eb
}

func (e *endpoint) PeerID() string {
	return e.peerID
}

func (e *endpoint) Send(data []byte) error {
	msg := append([]byte(nil), data...)
	r := e.remote

	r.mu.Lock()
	select {
	case <-e.link.done:
		r.mu.Unlock()
		return transport.ErrClosed
	default:
	}
	r.queue = append(r.queue, msg)
	e.pending.Add(int64(len(msg)))
	r.mu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
	return nil
}

func (e *endpoint) Recv() <-chan []byte {
	return e.out
}

func (e *endpoint) BufferedAmount() uint64 {
	n := e.pending.Load()
	if n < 0 {
		return 0
	}
	return uint64(n)
}

func (e *endpoint) Close() error {
	e.link.close()
	return nil
}

// pump moves queued messages to out. Messages queued before the link
// closed are still delivered for up to drainTimeout, then out is closed.
func (e *endpoint) pump() {
	defer close(e.out)

	for {
		e.mu.Lock()
		if len(e.queue) == 0 {
			e.mu.Unlock()
			select {
			case <-e.notify:
				continue
			case <-e.link.done:
				e.drain(nil)
				return
			}
		}
		msg := e.queue[0]
		e.queue = e.queue[1:]
		e.mu.Unlock()

		select {
		case e.out <- msg:
			e.remote.pending.Add(-int64(len(msg)))
		case <-e.link.done:
			e.drain(msg)
			return
		}
	}
}

// drain hands out head and whatever is still queued until the reader stops
// taking them.
func (e *endpoint) drain(head []byte) {
	e.mu.Lock()
	rest := e.queue
	e.queue = nil
	e.mu.Unlock()
	if head != nil {
		rest = append([][]byte{head}, rest...)
	}

	timer := time.NewTimer(drainTimeout)
	defer timer.Stop()

	for _, msg := range rest {
		select {
		case e.out <- msg:
			e.remote.pending.Add(-int64(len(msg)))
		case <-timer.C:
			e.remote.pending.Store(0)
			return
		}
	}
}
