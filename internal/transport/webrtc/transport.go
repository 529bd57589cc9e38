// Package webrtc implements transport.Provider over WebRTC data channels.
// Session descriptions travel through a transport.Signaler with ICE
// gathering completed up front, so one offer and one answer suffice.
package webrtc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/rudransh-shrivastava/beam/internal/logger"
	"github.com/rudransh-shrivastava/beam/internal/transport"
	"github.com/sirupsen/logrus"
)

type Options struct {
	Config   webrtc.Configuration
	Signaler transport.Signaler
	Logger   *logrus.Logger
}

type Provider struct {
	config   webrtc.Configuration
	signaler transport.Signaler
	logger   *logrus.Logger

	mu       sync.Mutex
	outgoing map[string]*connection
	incoming map[string]*connection
	closed   bool

	accept chan transport.Channel
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

var _ transport.Provider = (*Provider)(nil)

// New starts consuming signals from opts.Signaler. The provider owns the
// signaler and closes it on Close.
func New(opts Options) (*Provider, error) {
	if opts.Signaler == nil {
		return nil, fmt.Errorf("webrtc: signaler is required")
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewLogger()
	}

	p := &Provider{
		config:   opts.Config,
		signaler: opts.Signaler,
		logger:   opts.Logger,
		outgoing: make(map[string]*connection),
		incoming: make(map[string]*connection),
		accept:   make(chan transport.Channel, 16),
		done:     make(chan struct{}),
	}

	p.wg.Add(1)
	go p.signalLoop()
	return p, nil
}

// Open sends an offer to peerID and waits for the data channel to open.
func (p *Provider) Open(ctx context.Context, peerID string) (transport.Channel, error) {
	pc, err := webrtc.NewPeerConnection(p.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	conn := newConnection(peerID, pc)
	if !p.register(p.outgoing, conn) {
		_ = pc.Close()
		return nil, transport.ErrClosed
	}

	if err := conn.createDataChannel(); err != nil {
		conn.fail(err)
		return nil, err
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		conn.fail(err)
		return nil, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := p.sendDescription(ctx, conn, offer); err != nil {
		conn.fail(err)
		return nil, err
	}

	select {
	case <-conn.opened:
		return conn, nil
	case <-conn.done:
		return nil, conn.closeErr()
	case <-ctx.Done():
		conn.fail(ctx.Err())
		return nil, ctx.Err()
	case <-p.done:
		conn.fail(transport.ErrClosed)
		return nil, transport.ErrClosed
	}
}

func (p *Provider) Accept() <-chan transport.Channel {
	return p.accept
}

func (p *Provider) Close() error {
	p.once.Do(func() {
		close(p.done)

		p.mu.Lock()
		p.closed = true
		conns := make([]*connection, 0, len(p.outgoing)+len(p.incoming))
		for _, c := range p.outgoing {
			conns = append(conns, c)
		}
		for _, c := range p.incoming {
			conns = append(conns, c)
		}
		p.mu.Unlock()

		for _, c := range conns {
			_ = c.Close()
		}
		_ = p.signaler.Close()
		p.wg.Wait()
	})
	return nil
}

func (p *Provider) signalLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.done:
			return
		case sig, ok := <-p.signaler.RecvSignal():
			if !ok {
				p.logger.Debug("Signal stream ended")
				return
			}
			// Answering waits for ICE gathering; do not hold up other peers.
			p.wg.Add(1)
			go func() {
				defer p.wg.Done()
				if err := p.HandleSignal(sig); err != nil {
					p.logger.Warnf("Error handling signal from %s: %v", sig.PeerID, err)
				}
			}()
		}
	}
}

// HandleSignal applies one signal. Offers create an answering connection,
// answers complete a pending Open, relay errors fail it.
func (p *Provider) HandleSignal(sig transport.Signal) error {
	if sig.Err != nil {
		p.mu.Lock()
		conn := p.outgoing[sig.PeerID]
		p.mu.Unlock()
		if conn != nil {
			conn.fail(sig.Err)
		}
		return nil
	}

	var desc webrtc.SessionDescription
	if err := json.Unmarshal(sig.Payload, &desc); err != nil {
		return fmt.Errorf("malformed session description: %w", err)
	}

	switch desc.Type {
	case webrtc.SDPTypeOffer:
		return p.answer(sig.PeerID, desc)
	case webrtc.SDPTypeAnswer:
		p.mu.Lock()
		conn := p.outgoing[sig.PeerID]
		p.mu.Unlock()
		if conn == nil {
			return fmt.Errorf("unexpected answer")
		}
		if err := conn.pc.SetRemoteDescription(desc); err != nil {
			conn.fail(err)
			return fmt.Errorf("failed to set remote description: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unsupported description type %s", desc.Type)
	}
}

func (p *Provider) answer(peerID string, offer webrtc.SessionDescription) error {
	pc, err := webrtc.NewPeerConnection(p.config)
	if err != nil {
		return fmt.Errorf("failed to create peer connection: %w", err)
	}

	conn := newConnection(peerID, pc)
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		conn.setupDataChannel(dc, func() {
			select {
			case p.accept <- conn:
			case <-p.done:
				_ = conn.Close()
			}
		})
	})

	if !p.register(p.incoming, conn) {
		_ = pc.Close()
		return transport.ErrClosed
	}

	if err := pc.SetRemoteDescription(offer); err != nil {
		conn.fail(err)
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		conn.fail(err)
		return fmt.Errorf("failed to create answer: %w", err)
	}
	if err := p.sendDescription(context.Background(), conn, answer); err != nil {
		conn.fail(err)
		return err
	}
	return nil
}

// sendDescription applies desc locally, waits for ICE gathering and ships
// the complete description to the peer.
func (p *Provider) sendDescription(ctx context.Context, conn *connection, desc webrtc.SessionDescription) error {
	gathered := webrtc.GatheringCompletePromise(conn.pc)
	if err := conn.pc.SetLocalDescription(desc); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}

	select {
	case <-gathered:
	case <-ctx.Done():
		return ctx.Err()
	case <-conn.done:
		return conn.closeErr()
	}

	payload, err := json.Marshal(conn.pc.LocalDescription())
	if err != nil {
		return err
	}
	if err := p.signaler.SendSignal(ctx, conn.peerID, payload); err != nil {
		return fmt.Errorf("failed to send %s: %w", desc.Type, err)
	}
	return nil
}

// register replaces any previous connection in the same direction for the peer.
func (p *Provider) register(set map[string]*connection, conn *connection) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	prev := set[conn.peerID]
	set[conn.peerID] = conn
	conn.onClose = func() {
		p.mu.Lock()
		if set[conn.peerID] == conn {
			delete(set, conn.peerID)
		}
		p.mu.Unlock()
	}
	p.mu.Unlock()

	if prev != nil {
		_ = prev.Close()
	}
	return true
}
