// Package engine runs the content transfer protocol on top of a
// transport.Provider: it serves catalog entries to peers that ask for them
// and requests content from peers.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rudransh-shrivastava/beam/internal/catalog"
	"github.com/rudransh-shrivastava/beam/internal/crypto"
	"github.com/rudransh-shrivastava/beam/internal/event"
	"github.com/rudransh-shrivastava/beam/internal/logger"
	"github.com/rudransh-shrivastava/beam/internal/progress"
	"github.com/rudransh-shrivastava/beam/internal/protocol"
	"github.com/rudransh-shrivastava/beam/internal/session"
	"github.com/rudransh-shrivastava/beam/internal/store"
	"github.com/rudransh-shrivastava/beam/internal/transport"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const (
	defaultOpenTimeout = 30 * time.Second
	maxClaimAttempts   = 3
	historyTimeout     = 5 * time.Second
)

type Options struct {
	Provider transport.Provider
	Crypto   crypto.Provider
	Logger   *logrus.Logger

	// Transfers, when set, receives one record per finished transfer.
	Transfers store.TransferRepository

	Texts            *event.Texts
	ProgressInterval time.Duration
	OpenTimeout      time.Duration

	// NewCID overrides the catalog's cid generator.
	NewCID func() string
}

type Engine struct {
	provider  transport.Provider
	crypto    crypto.Provider
	logger    *logrus.Logger
	transfers store.TransferRepository
	texts     *event.Texts
	codec     *protocol.Codec

	catalog  *catalog.Catalog
	sessions *session.Table
	bus      *event.Bus
	opens    singleflight.Group

	progressInterval time.Duration
	openTimeout      time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	links   map[uint64]*link
	byPeer  map[string]*link
	lastID  uint64
	started bool
	closed  bool
}

func New(opts Options) (*Engine, error) {
	if opts.Provider == nil {
		return nil, &ValidationError{Field: "provider", Reason: "must not be nil"}
	}
	if opts.Crypto == nil {
		opts.Crypto = crypto.NewBox()
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewLogger()
	}
	if opts.Texts == nil {
		opts.Texts = event.NewTexts()
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = progress.DefaultInterval
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = defaultOpenTimeout
	}

	var catalogOpts []catalog.Option
	if opts.NewCID != nil {
		catalogOpts = append(catalogOpts, catalog.WithIDFunc(opts.NewCID))
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		provider:         opts.Provider,
		crypto:           opts.Crypto,
		logger:           opts.Logger,
		transfers:        opts.Transfers,
		texts:            opts.Texts,
		codec:            protocol.NewCodec(),
		catalog:          catalog.New(catalogOpts...),
		sessions:         session.NewTable(),
		bus:              event.NewBus(),
		progressInterval: opts.ProgressInterval,
		openTimeout:      opts.OpenTimeout,
		ctx:              ctx,
		cancel:           cancel,
		links:            make(map[uint64]*link),
		byPeer:           make(map[string]*link),
	}, nil
}

// Start accepts channels opened by peers until Close.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.mu.Unlock()

	e.status(event.NetworkConnecting, "", "", nil)

	e.wg.Add(1)
	go e.acceptLoop()

	e.status(event.NetworkConnected, "", "", nil)
	e.publish(event.Event{Name: event.Ready})
	return nil
}

// Close drops every channel, erases all session keys and waits for the
// engine's goroutines.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	links := make([]*link, 0, len(e.links))
	for _, l := range e.links {
		links = append(links, l)
	}
	e.mu.Unlock()

	e.cancel()
	for _, l := range links {
		e.dropLink(l, ErrClosed)
	}
	err := e.provider.Close()
	e.wg.Wait()
	e.sessions.Reset()
	return err
}

// ServeData registers src and returns the cid peers request it by.
func (e *Engine) ServeData(src catalog.Source, name string, isFile bool) (string, error) {
	if src == nil {
		return "", &ValidationError{Field: "source", Reason: "must not be nil"}
	}
	cid, err := e.catalog.Serve(src, name, isFile)
	if err != nil {
		return "", &ValidationError{Field: "source", Reason: err.Error()}
	}
	e.logger.Infof("Serving %s as %s", name, cid)
	return cid, nil
}

// RemoveData stops serving cid. Unknown cids are ignored.
func (e *Engine) RemoveData(cid string) {
	e.catalog.Remove(cid)
}

func (e *Engine) Served() []catalog.Record {
	return e.catalog.List()
}

// Subscribe registers o for every notification. Observers run on the
// engine's goroutines and must not block.
func (e *Engine) Subscribe(o event.Observer) func() {
	return e.bus.Subscribe(o)
}

// Session returns the requesting-side state of cid.
func (e *Engine) Session(cid string) (session.Session, bool) {
	return e.sessions.Get(cid)
}

func (e *Engine) Texts() *event.Texts {
	return e.texts
}

// ActiveChannels is the number of channels currently open.
func (e *Engine) ActiveChannels() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.links)
}

func (e *Engine) acceptLoop() {
	defer e.wg.Done()

	for {
		select {
		case <-e.ctx.Done():
			return
		case ch, ok := <-e.provider.Accept():
			if !ok {
				return
			}
			l, err := e.addLink(ch, false)
			if err != nil {
				_ = ch.Close()
				return
			}
			e.logger.Debugf("Accepted channel %d from %s", l.id, ch.PeerID())
			e.publish(event.Event{Name: event.Connection, PeerID: ch.PeerID()})
			e.status(event.PeerConnecting, "", ch.PeerID(), nil)
		}
	}
}

func (e *Engine) status(name event.Name, cid, peerID string, err error) {
	e.publish(event.Event{
		Name:   name,
		CID:    cid,
		PeerID: peerID,
		Text:   e.texts.Text(name),
		Err:    err,
	})
}

func (e *Engine) publish(ev event.Event) {
	e.bus.Publish(ev)
}

func (e *Engine) send(l *link, msg protocol.Message) error {
	data, err := e.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", msg.Type(), err)
	}
	if err := l.ch.Send(data); err != nil {
		return fmt.Errorf("failed to send %s to %s: %w", msg.Type(), l.ch.PeerID(), err)
	}
	e.logger.Debugf("Sent %s to %s on channel %d", msg.Type(), l.ch.PeerID(), l.id)
	return nil
}

func (e *Engine) record(t *store.Transfer) {
	if e.transfers == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()
	if err := e.transfers.SaveTransfer(ctx, t); err != nil {
		e.logger.Warnf("Error saving transfer %s: %v", t.CID, err)
	}
}
