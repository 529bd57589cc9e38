package engine

import (
	"context"
	"time"

	"github.com/rudransh-shrivastava/beam/internal/catalog"
	"github.com/rudransh-shrivastava/beam/internal/crypto"
	"github.com/rudransh-shrivastava/beam/internal/event"
	"github.com/rudransh-shrivastava/beam/internal/progress"
	"github.com/rudransh-shrivastava/beam/internal/protocol"
	"github.com/rudransh-shrivastava/beam/internal/session"
	"github.com/rudransh-shrivastava/beam/internal/store"
)

func (e *Engine) handleRequest(l *link, req *protocol.RequestData) {
	peerID := l.ch.PeerID()

	peerKey, err := crypto.ParseKey(req.EncryptionKey)
	if err != nil {
		e.logger.Warnf("Dropping request for %s from %s: %v", req.CID, peerID, err)
		return
	}
	nonce, err := crypto.ParseNonce(req.Nonce)
	if err != nil {
		e.logger.Warnf("Dropping request for %s from %s: %v", req.CID, peerID, err)
		return
	}

	rec, ok := e.catalog.Lookup(req.CID)
	if !ok {
		e.logger.Infof("Content %s requested by %s is not served", req.CID, peerID)
		e.notServed(l, req.CID, req.Flags, nil)
		return
	}

	o := &outbound{
		cid:       req.CID,
		name:      rec.Name,
		mimeType:  rec.MimeType,
		encrypted: !req.Flags.Has(protocol.FlagNoEncryption),
		startedAt: time.Now(),
	}
	l.addOutbound(o)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.deliver(l, o, rec, req.Flags, peerKey, nonce)
	}()
}

// deliver reads, seals and sends one catalog entry. It runs off the
// channel's dispatch goroutine so a slow source does not hold up other
// transfers on the same channel.
func (e *Engine) deliver(l *link, o *outbound, rec catalog.Record, flags protocol.Flags, peerKey crypto.Key, nonce crypto.Nonce) {
	peerID := l.ch.PeerID()

	data, err := catalog.ReadAll(l.ctx, rec)
	if err != nil {
		if l.ctx.Err() != nil {
			return
		}
		// Content that disappeared after it was served is not found.
		e.logger.Errorf("Error reading %s: %v", rec.CID, err)
		e.status(event.Error, rec.CID, peerID, err)
		if l.removeOutbound(o) {
			o.stop()
		}
		e.notServed(l, rec.CID, flags, o)
		return
	}

	pair, err := e.crypto.GenerateKeyPair()
	if err != nil {
		e.logger.Errorf("Error generating key pair for %s: %v", rec.CID, err)
		e.abortDelivery(l, o, err)
		return
	}
	defer pair.Erase()

	payload := data
	if o.encrypted {
		e.status(event.EncryptingData, rec.CID, peerID, nil)
		payload, err = e.crypto.Seal(data, nonce, peerKey, pair.Secret)
		if err != nil {
			e.logger.Errorf("Error encrypting %s: %v", rec.CID, err)
			e.abortDelivery(l, o, err)
			return
		}
	}
	pair.Erase()

	o.size.Store(int64(len(data)))

	if err := e.send(l, &protocol.NotifyTransferStart{CID: rec.CID}); err != nil {
		e.logger.Warnf("Error starting transfer of %s: %v", rec.CID, err)
		e.abortDelivery(l, o, err)
		return
	}
	e.publish(event.Event{Name: event.SendStart, CID: rec.CID, PeerID: peerID})
	e.status(event.SendingData, rec.CID, peerID, nil)

	if !rec.IsFile {
		flags = flags.With(protocol.FlagNotFile)
	}

	reportCtx, stopReport := context.WithCancel(l.ctx)
	if !l.watch(o, stopReport) {
		stopReport()
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		progress.Run(reportCtx, e.progressInterval, l.ch.BufferedAmount, func(outstanding uint64) error {
			if err := e.send(l, &protocol.Progress{CID: rec.CID, Progress: outstanding}); err != nil {
				return err
			}
			e.publish(event.Event{Name: event.SendProgress, CID: rec.CID, PeerID: peerID, Progress: outstanding})
			return nil
		})
	}()

	err = e.send(l, &protocol.DeliverData{
		Flags:             flags,
		Message:           payload,
		AuthenticationKey: pair.Public.String(),
		Metadata: protocol.Metadata{
			Name:   rec.Name,
			Type:   rec.MimeType,
			CID:    rec.CID,
			IsFile: rec.IsFile,
		},
	})
	if err != nil {
		e.logger.Warnf("Error delivering %s: %v", rec.CID, err)
		stopReport()
		e.abortDelivery(l, o, err)
		return
	}
	e.logger.Infof("Delivered %s (%d bytes) to %s", rec.CID, len(data), peerID)
}

func (e *Engine) handleConfirm(l *link, msg *protocol.ConfirmTransferFinish) {
	peerID := l.ch.PeerID()

	o, remaining := l.takeOutbound(msg.CID)
	if o == nil {
		e.logger.Debugf("Ignoring confirm for %q from %s", msg.CID, peerID)
		return
	}
	o.stop()

	e.publish(event.Event{Name: event.SendFinish, CID: o.cid, PeerID: peerID})
	e.status(event.TransferCompleted, o.cid, peerID, nil)
	e.logger.Infof("Transfer of %s to %s confirmed", o.cid, peerID)

	e.record(o.transfer(peerID, session.Completed, nil))

	if remaining == 0 {
		e.dropLink(l, nil)
	}
}

// notServed answers a request for content we cannot produce and closes the
// channel. o is the delivery that was under way, if any.
func (e *Engine) notServed(l *link, cid string, flags protocol.Flags, o *outbound) {
	if err := e.send(l, &protocol.DataNotFound{CID: cid, Flags: flags}); err != nil {
		e.logger.Warnf("Error sending not-found: %v", err)
	}

	t := &store.Transfer{
		CID:       cid,
		PeerID:    l.ch.PeerID(),
		Role:      store.RoleServe,
		State:     session.NotFound.String(),
		Encrypted: !flags.Has(protocol.FlagNoEncryption),
		StartedAt: time.Now().Unix(),
	}
	if o != nil {
		t = o.transfer(l.ch.PeerID(), session.NotFound, nil)
	}
	e.record(t)
	e.dropLink(l, nil)
}

// abortDelivery gives up on o. Closing the channel is the only way to tell
// the requester, whose session then fails.
func (e *Engine) abortDelivery(l *link, o *outbound, cause error) {
	e.status(event.Error, o.cid, l.ch.PeerID(), cause)
	if l.removeOutbound(o) {
		o.stop()
		e.record(o.transfer(l.ch.PeerID(), session.Failed, cause))
	}
	e.dropLink(l, cause)
}
