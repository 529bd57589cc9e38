package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rudransh-shrivastava/beam/internal/event"
	"github.com/rudransh-shrivastava/beam/internal/protocol"
	"github.com/rudransh-shrivastava/beam/internal/session"
	"github.com/rudransh-shrivastava/beam/internal/store"
	"github.com/rudransh-shrivastava/beam/internal/transport"
)

// link is one open channel plus the serving work in flight on it.
type link struct {
	id     uint64
	ch     transport.Channel
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	mu       sync.Mutex
	outbound map[string]*outbound

	// reqMu orders our requests against the decision to stop reusing the
	// link, so a request is either on the wire before that decision or
	// goes out on a fresh link.
	reqMu   sync.Mutex
	retired bool
}

// outbound is a delivery waiting for confirm-transfer-finish.
type outbound struct {
	cid          string
	name         string
	mimeType     string
	size         atomic.Int64
	encrypted    bool
	startedAt    time.Time
	stopProgress context.CancelFunc
}

// transfer is the history record of the delivery ending in state.
func (o *outbound) transfer(peerID string, state session.State, cause error) *store.Transfer {
	t := &store.Transfer{
		CID:       o.cid,
		PeerID:    peerID,
		Role:      store.RoleServe,
		State:     state.String(),
		Name:      o.name,
		MimeType:  o.mimeType,
		Size:      o.size.Load(),
		Encrypted: o.encrypted,
		StartedAt: o.startedAt.Unix(),
	}
	if cause != nil {
		t.Error = cause.Error()
	}
	return t
}

func (o *outbound) stop() {
	if o.stopProgress != nil {
		o.stopProgress()
	}
}

func (l *link) addOutbound(o *outbound) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if prev, ok := l.outbound[o.cid]; ok {
		prev.stop()
	}
	l.outbound[o.cid] = o
}

// watch attaches a progress reporter's cancel func to the pending delivery.
// It reports false when the delivery is no longer pending.
func (l *link) watch(o *outbound, cancel context.CancelFunc) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.outbound[o.cid] != o {
		return false
	}
	o.stopProgress = cancel
	return true
}

// takeOutbound removes the delivery for cid. An empty cid matches the only
// pending delivery, if there is exactly one.
func (l *link) takeOutbound(cid string) (*outbound, int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cid == "" && len(l.outbound) == 1 {
		for k := range l.outbound {
			cid = k
		}
	}
	o, ok := l.outbound[cid]
	if !ok {
		return nil, len(l.outbound)
	}
	delete(l.outbound, cid)
	return o, len(l.outbound)
}

// removeOutbound drops o if it is still the pending delivery for its cid.
func (l *link) removeOutbound(o *outbound) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.outbound[o.cid] != o {
		return false
	}
	delete(l.outbound, o.cid)
	return true
}

func (l *link) pendingOutbound() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.outbound)
}

func (l *link) drainOutbound() []*outbound {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]*outbound, 0, len(l.outbound))
	for cid, o := range l.outbound {
		out = append(out, o)
		delete(l.outbound, cid)
	}
	return out
}

// addLink registers ch and starts its reader. Links opened by this engine
// are reused for later requests to the same peer.
func (e *Engine) addLink(ch transport.Channel, reusable bool) (*link, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrClosed
	}

	e.lastID++
	ctx, cancel := context.WithCancel(e.ctx)
	l := &link{
		id:       e.lastID,
		ch:       ch,
		ctx:      ctx,
		cancel:   cancel,
		outbound: make(map[string]*outbound),
	}
	e.links[l.id] = l
	if reusable {
		e.byPeer[ch.PeerID()] = l
	}

	e.wg.Add(1)
	go e.runLink(l)
	return l, nil
}

// dropLink closes the channel once. Sessions still waiting on it fail with
// cause and unconfirmed deliveries are recorded as failed.
func (e *Engine) dropLink(l *link, cause error) {
	l.once.Do(func() {
		e.mu.Lock()
		delete(e.links, l.id)
		if e.byPeer[l.ch.PeerID()] == l {
			delete(e.byPeer, l.ch.PeerID())
		}
		e.mu.Unlock()

		l.cancel()
		if err := l.ch.Close(); err != nil {
			e.logger.Debugf("Error closing channel %d: %v", l.id, err)
		}
		e.logger.Debugf("Channel %d to %s closed", l.id, l.ch.PeerID())

		if cause == nil {
			cause = ErrChannelClosed
		}

		for _, cid := range e.sessions.FailChannel(l.id, cause) {
			e.logger.Warnf("Request for %s failed: %v", cid, cause)
			e.status(event.Error, cid, l.ch.PeerID(), cause)
			e.recordRequest(cid)
		}

		for _, o := range l.drainOutbound() {
			o.stop()
			e.logger.Warnf("Delivery of %s to %s was not confirmed", o.cid, l.ch.PeerID())
			e.record(o.transfer(l.ch.PeerID(), session.Failed, cause))
		}
	})
}

// runLink decodes and dispatches the channel's messages in arrival order.
func (e *Engine) runLink(l *link) {
	defer e.wg.Done()
	defer e.dropLink(l, ErrChannelClosed)

	for {
		select {
		case <-l.ctx.Done():
			return
		case data, ok := <-l.ch.Recv():
			if !ok {
				return
			}
			msg, err := e.codec.Decode(data)
			if err != nil {
				e.logger.Warnf("Dropping undecodable message from %s: %v", l.ch.PeerID(), err)
				continue
			}
			e.dispatch(l, msg)
		}
	}
}

func (e *Engine) dispatch(l *link, msg protocol.Message) {
	e.logger.Debugf("Received %s from %s on channel %d", msg.Type(), l.ch.PeerID(), l.id)

	switch m := msg.(type) {
	case *protocol.RequestData:
		e.handleRequest(l, m)
	case *protocol.ConfirmTransferFinish:
		e.handleConfirm(l, m)
	case *protocol.DeliverData:
		e.handleDeliver(l, m)
	case *protocol.DataNotFound:
		e.handleNotFound(l, m)
	case *protocol.NotifyTransferStart:
		e.handleTransferStart(l, m)
	case *protocol.Progress:
		e.handleProgress(l, m)
	default:
		e.logger.Warnf("Unhandled message %s from %s", msg.Type(), l.ch.PeerID())
	}
}

// linkTo returns a live channel to peerID, opening one if needed.
// Concurrent opens to the same peer share one attempt.
func (e *Engine) linkTo(ctx context.Context, peerID string) (*link, error) {
	if l := e.reusableLink(peerID); l != nil {
		return l, nil
	}

	v, err, _ := e.opens.Do(peerID, func() (any, error) {
		if l := e.reusableLink(peerID); l != nil {
			return l, nil
		}

		openCtx, cancel := context.WithTimeout(ctx, e.openTimeout)
		defer cancel()

		ch, err := e.provider.Open(openCtx, peerID)
		if err != nil {
			return nil, err
		}
		l, err := e.addLink(ch, true)
		if err != nil {
			_ = ch.Close()
			return nil, err
		}
		e.logger.Debugf("Opened channel %d to %s", l.id, peerID)
		return l, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*link), nil
}

// claimLink returns a live link to peerID with its request lock held.
// Retired links are skipped in favour of a fresh one.
func (e *Engine) claimLink(ctx context.Context, peerID string) (*link, error) {
	for attempt := 0; attempt < maxClaimAttempts; attempt++ {
		l, err := e.linkTo(ctx, peerID)
		if err != nil {
			return nil, err
		}
		l.reqMu.Lock()
		if !l.retired {
			return l, nil
		}
		l.reqMu.Unlock()
	}
	return nil, ErrChannelClosed
}

// settle runs once one of our requests on l has finished. With no other
// request pending, l is no longer handed out: the deliverer closes it after
// our confirmation. abandon also closes it ourselves, unless it still
// carries deliveries of ours.
func (e *Engine) settle(l *link, abandon bool) {
	l.reqMu.Lock()
	idle := e.sessions.Active(l.id) == 0
	if idle {
		l.retired = true
		e.mu.Lock()
		if e.byPeer[l.ch.PeerID()] == l {
			delete(e.byPeer, l.ch.PeerID())
		}
		e.mu.Unlock()
	}
	l.reqMu.Unlock()
	if !idle {
		return
	}

	if abandon && l.pendingOutbound() == 0 {
		e.dropLink(l, nil)
	}
}

func (e *Engine) reusableLink(peerID string) *link {
	e.mu.Lock()
	defer e.mu.Unlock()

	l, ok := e.byPeer[peerID]
	if !ok || l.ctx.Err() != nil {
		return nil
	}
	return l
}
