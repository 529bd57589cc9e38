// Package quic implements transport.Provider over QUIC. Each channel is
// its own connection with a single bidirectional stream; peers are
// addressed by host:port unless a Resolve func is given.
package quic

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/rudransh-shrivastava/beam/internal/logger"
	"github.com/rudransh-shrivastava/beam/internal/transport"
	"github.com/sirupsen/logrus"
)

const helloTimeout = 10 * time.Second

type Options struct {
	// ID is announced to the peers this provider dials. Accepted channels
	// are named after the remote's announced ID, or its address.
	ID      string
	Resolve func(peerID string) (string, error)
	TLS     *tls.Config
	QUIC    *quic.Config
	Logger  *logrus.Logger
}

type Provider struct {
	id       string
	listener *quic.Listener
	tlsConf  *tls.Config
	quicConf *quic.Config
	resolve  func(string) (string, error)
	logger   *logrus.Logger

	incoming chan transport.Channel
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	once     sync.Once

	mu       sync.Mutex
	channels map[*channel]struct{}
}

var _ transport.Provider = (*Provider)(nil)

// Listen starts accepting QUIC connections on addr (":0" picks a port).
func Listen(addr string, opts Options) (*Provider, error) {
	if opts.TLS == nil {
		tlsConf, err := DefaultTLSConfig()
		if err != nil {
			return nil, err
		}
		opts.TLS = tlsConf
	}
	if opts.QUIC == nil {
		opts.QUIC = DefaultQUICConfig()
	}
	if opts.Resolve == nil {
		opts.Resolve = func(peerID string) (string, error) { return peerID, nil }
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewLogger()
	}

	listener, err := quic.ListenAddr(addr, opts.TLS, opts.QUIC)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Provider{
		id:       opts.ID,
		listener: listener,
		tlsConf:  opts.TLS,
		quicConf: opts.QUIC,
		resolve:  opts.Resolve,
		logger:   opts.Logger,
		incoming: make(chan transport.Channel, 16),
		ctx:      ctx,
		cancel:   cancel,
		channels: make(map[*channel]struct{}),
	}

	p.wg.Add(1)
	go p.acceptLoop()

	p.logger.Infof("QUIC listening on %s", listener.Addr())
	return p, nil
}

func (p *Provider) Addr() net.Addr {
	return p.listener.Addr()
}

func (p *Provider) Open(ctx context.Context, peerID string) (transport.Channel, error) {
	if p.ctx.Err() != nil {
		return nil, transport.ErrClosed
	}

	addr, err := p.resolve(peerID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", peerID, err)
	}

	conn, err := quic.DialAddr(ctx, addr, p.tlsConf, p.quicConf)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, fmt.Errorf("failed to open stream to %s: %w", addr, err)
	}

	// The hello frame names us and makes the stream visible to the peer.
	if err := writeFrame(stream, []byte(p.id)); err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, fmt.Errorf("failed to greet %s: %w", addr, err)
	}

	c := newChannel(peerID, conn, stream)
	if !p.track(c) {
		_ = c.Close()
		return nil, transport.ErrClosed
	}
	p.logger.Debugf("Opened QUIC channel to %s (%s)", peerID, addr)
	return c, nil
}

func (p *Provider) Accept() <-chan transport.Channel {
	return p.incoming
}

// Close stops listening and closes every channel, waiting for them to
// finish flushing.
func (p *Provider) Close() error {
	var err error
	p.once.Do(func() {
		p.cancel()
		err = p.listener.Close()

		p.mu.Lock()
		channels := make([]*channel, 0, len(p.channels))
		for c := range p.channels {
			channels = append(channels, c)
		}
		p.mu.Unlock()

		for _, c := range channels {
			_ = c.Close()
		}
		for _, c := range channels {
			<-c.closed
		}

		p.wg.Wait()
		close(p.incoming)
	})
	return err
}

func (p *Provider) acceptLoop() {
	defer p.wg.Done()

	for {
		conn, err := p.listener.Accept(p.ctx)
		if err != nil {
			if p.ctx.Err() == nil {
				p.logger.Warnf("Error accepting QUIC connection: %v", err)
			}
			return
		}

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.handleConn(conn)
		}()
	}
}

func (p *Provider) handleConn(conn quic.Connection) {
	ctx, cancel := context.WithTimeout(p.ctx, helloTimeout)
	defer cancel()

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		p.logger.Debugf("No stream from %s: %v", conn.RemoteAddr(), err)
		_ = conn.CloseWithError(0, "")
		return
	}

	_ = stream.SetReadDeadline(time.Now().Add(helloTimeout))
	hello, err := readFrame(stream)
	if err != nil {
		p.logger.Debugf("No hello from %s: %v", conn.RemoteAddr(), err)
		_ = conn.CloseWithError(0, "")
		return
	}
	_ = stream.SetReadDeadline(time.Time{})

	peerID := string(hello)
	if peerID == "" {
		peerID = conn.RemoteAddr().String()
	}

	c := newChannel(peerID, conn, stream)
	if !p.track(c) {
		_ = c.Close()
		return
	}

	select {
	case p.incoming <- c:
		p.logger.Debugf("Accepted QUIC channel from %s", peerID)
	case <-p.ctx.Done():
		_ = c.Close()
	}
}

func (p *Provider) track(c *channel) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ctx.Err() != nil {
		return false
	}
	p.channels[c] = struct{}{}

	go func() {
		<-c.closed
		p.mu.Lock()
		delete(p.channels, c)
		p.mu.Unlock()
	}()
	return true
}
