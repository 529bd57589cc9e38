package engine_test

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rudransh-shrivastava/beam/internal/crypto"
	"github.com/rudransh-shrivastava/beam/internal/engine"
	"github.com/rudransh-shrivastava/beam/internal/event"
	"github.com/rudransh-shrivastava/beam/internal/logger"
	"github.com/rudransh-shrivastava/beam/internal/protocol"
	"github.com/rudransh-shrivastava/beam/internal/transport"
	"github.com/rudransh-shrivastava/beam/internal/transport/memory"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 5 * time.Second

type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func record(e *engine.Engine) *recorder {
	r := &recorder{}
	e.Subscribe(event.ObserverFunc(func(ev event.Event) {
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
	}))
	return r
}

func (r *recorder) find(name event.Name, cid string) (event.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Name == name && ev.CID == cid {
			return ev, true
		}
	}
	return event.Event{}, false
}

func (r *recorder) wait(t *testing.T, name event.Name, cid string) event.Event {
	t.Helper()
	var found event.Event
	require.Eventually(t, func() bool {
		ev, ok := r.find(name, cid)
		found = ev
		return ok
	}, waitTimeout, 5*time.Millisecond, "waiting for %s on %q", name, cid)
	return found
}

// statuses returns the status notification names seen for cid, in order.
func (r *recorder) statuses(cid string) []event.Name {
	r.mu.Lock()
	defer r.mu.Unlock()
	var names []event.Name
	for _, ev := range r.events {
		if ev.CID == cid && ev.Name.IsStatus() {
			names = append(names, ev.Name)
		}
	}
	return names
}

type peerOptions struct {
	crypto  crypto.Provider
	newCID  func() string
	wrap    func(transport.Provider) transport.Provider
	options func(*engine.Options)
}

func startEngine(t *testing.T, network *memory.Network, id string, po peerOptions) *engine.Engine {
	t.Helper()

	var provider transport.Provider = network.Join(id)
	if po.wrap != nil {
		provider = po.wrap(provider)
	}

	opts := engine.Options{
		Provider:         provider,
		Crypto:           po.crypto,
		Logger:           logger.Discard(),
		ProgressInterval: 5 * time.Millisecond,
		NewCID:           po.newCID,
	}
	if po.options != nil {
		po.options(&opts)
	}

	e, err := engine.New(opts)
	require.NoError(t, err)
	require.NoError(t, e.Start())
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// countingCrypto wraps the NaCl provider and records how it is used.
type countingCrypto struct {
	inner *crypto.Box
	seals atomic.Int32
	opens atomic.Int32

	mu     sync.Mutex
	keys   []crypto.Key
	nonces []crypto.Nonce
}

func newCountingCrypto() *countingCrypto {
	return &countingCrypto{inner: crypto.NewBox()}
}

func (c *countingCrypto) GenerateKeyPair() (crypto.KeyPair, error) {
	pair, err := c.inner.GenerateKeyPair()
	c.mu.Lock()
	c.keys = append(c.keys, pair.Public)
	c.mu.Unlock()
	return pair, err
}

func (c *countingCrypto) GenerateNonce() (crypto.Nonce, error) {
	n, err := c.inner.GenerateNonce()
	c.mu.Lock()
	c.nonces = append(c.nonces, n)
	c.mu.Unlock()
	return n, err
}

func (c *countingCrypto) Seal(message []byte, nonce crypto.Nonce, peerPublic, secret crypto.Key) ([]byte, error) {
	c.seals.Add(1)
	return c.inner.Seal(message, nonce, peerPublic, secret)
}

func (c *countingCrypto) Open(sealed []byte, nonce crypto.Nonce, peerPublic, secret crypto.Key) ([]byte, error) {
	c.opens.Add(1)
	return c.inner.Open(sealed, nonce, peerPublic, secret)
}

// blockingSource serves data only after release is closed.
type blockingSource struct {
	data    []byte
	release chan struct{}
}

func (s *blockingSource) MimeType() string { return "application/octet-stream" }

func (s *blockingSource) Open() (io.ReadCloser, error) {
	return &blockingReader{src: s}, nil
}

type blockingReader struct {
	src  *blockingSource
	read bool
}

func (r *blockingReader) Read(p []byte) (int, error) {
	<-r.src.release
	if r.read {
		return 0, io.EOF
	}
	r.read = true
	return copy(p, r.src.data), nil
}

func (r *blockingReader) Close() error { return nil }

// rewriteProvider hands out channels whose incoming deliveries pass
// through rewrite first.
type rewriteProvider struct {
	transport.Provider
	rewrite func(*protocol.DeliverData)
}

func (p *rewriteProvider) Open(ctx context.Context, peerID string) (transport.Channel, error) {
	ch, err := p.Provider.Open(ctx, peerID)
	if err != nil {
		return nil, err
	}
	return newRewriteChannel(ch, p.rewrite), nil
}

type rewriteChannel struct {
	transport.Channel
	recv chan []byte
}

func newRewriteChannel(ch transport.Channel, rewrite func(*protocol.DeliverData)) *rewriteChannel {
	rc := &rewriteChannel{Channel: ch, recv: make(chan []byte, 64)}
	codec := protocol.NewCodec()
	go func() {
		defer close(rc.recv)
		for data := range ch.Recv() {
			if msg, err := codec.Decode(data); err == nil {
				if deliver, ok := msg.(*protocol.DeliverData); ok {
					rewrite(deliver)
					data, _ = codec.Encode(deliver)
				}
			}
			rc.recv <- data
		}
	}()
	return rc
}

func (c *rewriteChannel) Recv() <-chan []byte {
	return c.recv
}

// backlogProvider hands out accepted channels that report a send backlog
// of backlog bytes, shrinking by step on every sample, and hold deliveries
// back until that backlog has drained.
type backlogProvider struct {
	transport.Provider
	backlog, step uint64
	accepted      chan transport.Channel
}

func newBacklogProvider(p transport.Provider, backlog, step uint64) *backlogProvider {
	bp := &backlogProvider{Provider: p, backlog: backlog, step: step, accepted: make(chan transport.Channel)}
	go func() {
		defer close(bp.accepted)
		for ch := range p.Accept() {
			bp.accepted <- &backlogChannel{Channel: ch, backlog: bp.backlog, step: bp.step}
		}
	}()
	return bp
}

func (p *backlogProvider) Accept() <-chan transport.Channel {
	return p.accepted
}

type backlogChannel struct {
	transport.Channel
	step uint64

	mu      sync.Mutex
	backlog uint64
	held    [][]byte
}

func (c *backlogChannel) Send(data []byte) error {
	c.mu.Lock()
	if c.backlog > 0 {
		if msg, err := protocol.NewCodec().Decode(data); err == nil {
			if _, ok := msg.(*protocol.DeliverData); ok {
				c.held = append(c.held, append([]byte(nil), data...))
				c.mu.Unlock()
				return nil
			}
		}
	}
	c.mu.Unlock()
	return c.Channel.Send(data)
}

func (c *backlogChannel) BufferedAmount() uint64 {
	c.mu.Lock()
	if c.backlog > c.step {
		c.backlog -= c.step
	} else {
		c.backlog = 0
	}
	n := c.backlog
	var flush [][]byte
	if n == 0 {
		flush, c.held = c.held, nil
	}
	c.mu.Unlock()

	for _, data := range flush {
		_ = c.Channel.Send(data)
	}
	return n
}
