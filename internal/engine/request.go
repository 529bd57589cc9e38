package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/rudransh-shrivastava/beam/internal/crypto"
	"github.com/rudransh-shrivastava/beam/internal/event"
	"github.com/rudransh-shrivastava/beam/internal/protocol"
	"github.com/rudransh-shrivastava/beam/internal/session"
	"github.com/rudransh-shrivastava/beam/internal/store"
)

// RequestData asks peerID for cid. Only argument problems are returned;
// everything after validation, including connection failures, is reported
// to observers and reflected in Session(cid).
func (e *Engine) RequestData(ctx context.Context, peerID, cid string, encrypt bool) error {
	if peerID == "" {
		return &ValidationError{Field: "peerID", Reason: "must not be empty"}
	}
	if cid == "" {
		return &ValidationError{Field: "cid", Reason: "must not be empty"}
	}

	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}

	if err := e.sessions.Reserve(cid, peerID, encrypt); err != nil {
		if errors.Is(err, session.ErrActive) {
			return &ValidationError{Field: "cid", Reason: "a request for it is already in progress"}
		}
		return err
	}

	e.status(event.PeerConnecting, cid, peerID, nil)

	pair, err := e.crypto.GenerateKeyPair()
	if err != nil {
		e.failRequest(nil, cid, peerID, err)
		return nil
	}
	defer pair.Erase()

	nonce, err := e.crypto.GenerateNonce()
	if err != nil {
		e.failRequest(nil, cid, peerID, err)
		return nil
	}

	l, err := e.claimLink(ctx, peerID)
	if err != nil {
		e.failRequest(nil, cid, peerID, &ConnectionError{PeerID: peerID, Err: err})
		return nil
	}

	// Keys are stored before the request leaves so the delivery can
	// never arrive first.
	if err := e.sessions.Arm(cid, l.id, nonce, pair.Secret); err != nil {
		l.reqMu.Unlock()
		e.logger.Warnf("Request for %s was cancelled: %v", cid, err)
		return nil
	}

	e.status(event.RequestingData, cid, peerID, nil)

	var flags protocol.Flags
	if !encrypt {
		flags = flags.With(protocol.FlagNoEncryption)
	}

	req := &protocol.RequestData{
		CID:           cid,
		Flags:         flags,
		EncryptionKey: pair.Public.String(),
		Nonce:         nonce.String(),
	}
	err = e.send(l, req)
	l.reqMu.Unlock()
	if err != nil {
		e.failRequest(l, cid, peerID, &ConnectionError{PeerID: peerID, Err: err})
		return nil
	}

	e.logger.Infof("Requested %s from %s", cid, peerID)
	return nil
}

func (e *Engine) handleDeliver(l *link, msg *protocol.DeliverData) {
	cid := msg.Metadata.CID
	peerID := l.ch.PeerID()

	s, ok := e.sessions.Get(cid)
	if !ok || s.State != session.AwaitingDelivery || s.ChannelID != l.id {
		e.logger.Debugf("Dropping unexpected delivery of %q from %s", cid, peerID)
		return
	}

	var body []byte
	if msg.Flags.Has(protocol.FlagNoEncryption) {
		if s.Encrypt {
			e.failRequest(l, cid, peerID, fmt.Errorf("%w: unencrypted delivery for an encrypted request", ErrAuthentication))
			return
		}
		body = msg.Message
	} else {
		keys, err := e.sessions.BeginDecrypt(cid, l.id)
		if err != nil {
			e.logger.Debugf("Dropping delivery of %s: %v", cid, err)
			return
		}
		e.status(event.DecryptingData, cid, peerID, nil)
		body, err = e.open(msg, keys)
		keys.Erase()
		if err != nil {
			e.failRequest(l, cid, peerID, err)
			return
		}
	}

	content := session.Content{
		Name:     msg.Metadata.Name,
		MimeType: msg.Metadata.Type,
		IsFile:   !msg.Flags.Has(protocol.FlagNotFile),
		Body:     body,
	}
	if err := e.sessions.Complete(cid, l.id, content); err != nil {
		e.logger.Debugf("Dropping delivery of %s: %v", cid, err)
		return
	}

	e.logger.Infof("Received %s (%d bytes) from %s", cid, len(body), peerID)
	e.status(event.TransferCompleted, cid, peerID, nil)
	e.publish(event.Event{
		Name:   event.ContentReceived,
		CID:    cid,
		PeerID: peerID,
		Content: &event.Content{
			CID:      cid,
			Name:     content.Name,
			MimeType: content.MimeType,
			IsFile:   content.IsFile,
			Body:     body,
		},
	})
	e.recordRequest(cid)

	e.settle(l, false)
	if err := e.send(l, &protocol.ConfirmTransferFinish{CID: cid}); err != nil {
		e.logger.Warnf("Error confirming %s: %v", cid, err)
	}
}

func (e *Engine) open(msg *protocol.DeliverData, keys session.Keys) ([]byte, error) {
	senderKey, err := crypto.ParseKey(msg.AuthenticationKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	body, err := e.crypto.Open(msg.Message, keys.Nonce, senderKey, keys.Secret)
	if err != nil {
		if errors.Is(err, ErrAuthentication) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	return body, nil
}

func (e *Engine) handleNotFound(l *link, msg *protocol.DataNotFound) {
	peerID := l.ch.PeerID()

	if err := e.sessions.MarkNotFound(msg.CID, l.id); err != nil {
		e.logger.Debugf("Ignoring not-found for %q from %s: %v", msg.CID, peerID, err)
		return
	}

	e.logger.Infof("%s is not available from %s", msg.CID, peerID)
	e.publish(event.Event{Name: event.NotFound, CID: msg.CID, PeerID: peerID, Err: ErrContentNotFound})
	e.status(event.DataNotAvailable, msg.CID, peerID, ErrContentNotFound)
	e.recordRequest(msg.CID)
	e.settle(l, false)
}

func (e *Engine) handleTransferStart(l *link, msg *protocol.NotifyTransferStart) {
	if msg.CID != "" && !e.sessions.Waiting(msg.CID, l.id) {
		return
	}
	e.publish(event.Event{Name: event.ReceiveStart, CID: msg.CID, PeerID: l.ch.PeerID()})
	e.status(event.ReceivingData, msg.CID, l.ch.PeerID(), nil)
}

func (e *Engine) handleProgress(l *link, msg *protocol.Progress) {
	if !e.sessions.Waiting(msg.CID, l.id) {
		return
	}
	e.publish(event.Event{Name: event.ReceiveProgress, CID: msg.CID, PeerID: l.ch.PeerID(), Progress: msg.Progress})
}

// failRequest ends the session for cid with cause. A transfer is abandoned
// by closing its channel, so l is closed once nothing else waits on it.
func (e *Engine) failRequest(l *link, cid, peerID string, cause error) {
	if err := e.sessions.Fail(cid, cause); err != nil {
		e.logger.Debugf("Request for %s already finished: %v", cid, err)
		return
	}
	e.logger.Warnf("Request for %s from %s failed: %v", cid, peerID, cause)
	e.status(event.Error, cid, peerID, cause)
	e.recordRequest(cid)

	if l != nil {
		e.settle(l, true)
	}
}

func (e *Engine) recordRequest(cid string) {
	s, ok := e.sessions.Get(cid)
	if !ok {
		return
	}

	t := &store.Transfer{
		CID:       cid,
		PeerID:    s.PeerID,
		Role:      store.RoleRequest,
		State:     s.State.String(),
		Encrypted: s.Encrypt,
		StartedAt: s.StartedAt.Unix(),
	}
	if s.Content != nil {
		t.Name = s.Content.Name
		t.MimeType = s.Content.MimeType
		t.Size = int64(len(s.Content.Body))
	}
	if s.Err != nil {
		t.Error = s.Err.Error()
	}
	e.record(t)
}
