package engine_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rudransh-shrivastava/beam/internal/catalog"
	"github.com/rudransh-shrivastava/beam/internal/crypto"
	"github.com/rudransh-shrivastava/beam/internal/engine"
	"github.com/rudransh-shrivastava/beam/internal/event"
	"github.com/rudransh-shrivastava/beam/internal/protocol"
	"github.com/rudransh-shrivastava/beam/internal/session"
	"github.com/rudransh-shrivastava/beam/internal/store"
	"github.com/rudransh-shrivastava/beam/internal/transport"
	"github.com/rudransh-shrivastava/beam/internal/transport/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeliverFileAndCloseAfterConfirm(t *testing.T) {
	network := memory.NewNetwork()
	deliverer := startEngine(t, network, "deliverer", peerOptions{newCID: func() string { return "c1" }})
	requester := startEngine(t, network, "requester", peerOptions{})
	served := record(deliverer)
	received := record(requester)

	cid, err := deliverer.ServeData(catalog.Bytes([]byte{1, 2, 3, 4}, "application/octet-stream"), "t.bin", true)
	require.NoError(t, err)
	require.Equal(t, "c1", cid)

	require.NoError(t, requester.RequestData(context.Background(), "deliverer", "c1", true))

	ev := received.wait(t, event.ContentReceived, "c1")
	require.NotNil(t, ev.Content)
	assert.Equal(t, []byte{1, 2, 3, 4}, ev.Content.Body)
	assert.Equal(t, "t.bin", ev.Content.Name)
	assert.Equal(t, "application/octet-stream", ev.Content.MimeType)
	assert.True(t, ev.Content.IsFile)

	s, ok := requester.Session("c1")
	require.True(t, ok)
	assert.Equal(t, session.Completed, s.State)

	served.wait(t, event.SendFinish, "c1")
	require.Eventually(t, func() bool { return deliverer.ActiveChannels() == 0 }, waitTimeout, 5*time.Millisecond)
	require.Eventually(t, func() bool { return requester.ActiveChannels() == 0 }, waitTimeout, 5*time.Millisecond)

	assert.Equal(t, []event.Name{
		event.PeerConnecting,
		event.RequestingData,
		event.ReceivingData,
		event.DecryptingData,
		event.TransferCompleted,
	}, received.statuses("c1"))

	_, encrypted := served.find(event.EncryptingData, "c1")
	assert.True(t, encrypted)
	_, sending := served.find(event.SendingData, "c1")
	assert.True(t, sending)
}

func TestPlaintextPassthrough(t *testing.T) {
	network := memory.NewNetwork()
	delivererCrypto := newCountingCrypto()
	requesterCrypto := newCountingCrypto()
	deliverer := startEngine(t, network, "deliverer", peerOptions{crypto: delivererCrypto})
	requester := startEngine(t, network, "requester", peerOptions{crypto: requesterCrypto})
	received := record(requester)
	served := record(deliverer)

	cid, err := deliverer.ServeData(catalog.Bytes([]byte("hello"), "text/plain"), "", false)
	require.NoError(t, err)

	require.NoError(t, requester.RequestData(context.Background(), "deliverer", cid, false))

	ev := received.wait(t, event.ContentReceived, cid)
	assert.Equal(t, []byte("hello"), ev.Content.Body)
	assert.False(t, ev.Content.IsFile)
	assert.Equal(t, "text/plain", ev.Content.Name)

	served.wait(t, event.SendFinish, cid)
	assert.Zero(t, delivererCrypto.seals.Load())
	assert.Zero(t, requesterCrypto.opens.Load())

	_, decrypting := received.find(event.DecryptingData, cid)
	assert.False(t, decrypting)
	_, encrypting := served.find(event.EncryptingData, cid)
	assert.False(t, encrypting)
}

func TestNotFound(t *testing.T) {
	network := memory.NewNetwork()
	deliverer := startEngine(t, network, "deliverer", peerOptions{})
	requester := startEngine(t, network, "requester", peerOptions{})
	received := record(requester)

	require.NoError(t, requester.RequestData(context.Background(), "deliverer", "missing", true))

	ev := received.wait(t, event.NotFound, "missing")
	assert.ErrorIs(t, ev.Err, engine.ErrContentNotFound)
	received.wait(t, event.DataNotAvailable, "missing")

	s, ok := requester.Session("missing")
	require.True(t, ok)
	assert.Equal(t, session.NotFound, s.State)

	_, completed := received.find(event.ContentReceived, "missing")
	assert.False(t, completed)

	require.Eventually(t, func() bool { return deliverer.ActiveChannels() == 0 }, waitTimeout, 5*time.Millisecond)
}

func TestFreshKeysPerTransfer(t *testing.T) {
	network := memory.NewNetwork()
	delivererCrypto := newCountingCrypto()
	requesterCrypto := newCountingCrypto()
	deliverer := startEngine(t, network, "deliverer", peerOptions{crypto: delivererCrypto})
	requester := startEngine(t, network, "requester", peerOptions{crypto: requesterCrypto})
	received := record(requester)

	cid, err := deliverer.ServeData(catalog.Bytes([]byte("same payload"), ""), "p", true)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, requester.RequestData(context.Background(), "deliverer", cid, true))
		require.Eventually(t, func() bool {
			s, _ := requester.Session(cid)
			return s.State == session.Completed && requester.ActiveChannels() == 0
		}, waitTimeout, 5*time.Millisecond)
	}
	received.wait(t, event.ContentReceived, cid)

	requesterCrypto.mu.Lock()
	defer requesterCrypto.mu.Unlock()
	delivererCrypto.mu.Lock()
	defer delivererCrypto.mu.Unlock()

	require.Len(t, requesterCrypto.nonces, 3)
	require.Len(t, requesterCrypto.keys, 3)
	require.Len(t, delivererCrypto.keys, 3)

	keys := make(map[crypto.Key]bool)
	for _, k := range append(append([]crypto.Key(nil), requesterCrypto.keys...), delivererCrypto.keys...) {
		assert.False(t, keys[k], "key reused")
		keys[k] = true
	}
	nonces := make(map[crypto.Nonce]bool)
	for _, n := range requesterCrypto.nonces {
		assert.False(t, nonces[n], "nonce reused")
		nonces[n] = true
	}
}

func TestSessionIsolationOnOneChannel(t *testing.T) {
	network := memory.NewNetwork()
	deliverer := startEngine(t, network, "deliverer", peerOptions{})
	requester := startEngine(t, network, "requester", peerOptions{})
	received := record(requester)

	slow := &blockingSource{data: []byte("payload a"), release: make(chan struct{})}
	cidA, err := deliverer.ServeData(slow, "a", true)
	require.NoError(t, err)
	cidB, err := deliverer.ServeData(catalog.Bytes([]byte("payload b"), ""), "b", true)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, requester.RequestData(ctx, "deliverer", cidA, true))
	require.NoError(t, requester.RequestData(ctx, "deliverer", cidB, true))

	evB := received.wait(t, event.ContentReceived, cidB)
	assert.Equal(t, []byte("payload b"), evB.Content.Body)

	sA, _ := requester.Session(cidA)
	sB, _ := requester.Session(cidB)
	assert.Equal(t, session.AwaitingDelivery, sA.State)
	assert.Equal(t, sA.ChannelID, sB.ChannelID)
	assert.Equal(t, 1, deliverer.ActiveChannels())

	close(slow.release)

	evA := received.wait(t, event.ContentReceived, cidA)
	assert.Equal(t, []byte("payload a"), evA.Content.Body)

	require.Eventually(t, func() bool { return deliverer.ActiveChannels() == 0 }, waitTimeout, 5*time.Millisecond)
}

func TestProgressReachesZero(t *testing.T) {
	network := memory.NewNetwork()
	deliverer := startEngine(t, network, "deliverer", peerOptions{
		wrap: func(p transport.Provider) transport.Provider {
			return newBacklogProvider(p, 3000, 1000)
		},
	})
	requester := startEngine(t, network, "requester", peerOptions{})
	served := record(deliverer)
	received := record(requester)

	cid, err := deliverer.ServeData(catalog.Bytes(make([]byte, 4096), ""), "big", true)
	require.NoError(t, err)
	require.NoError(t, requester.RequestData(context.Background(), "deliverer", cid, true))

	// The delivery is held until the backlog drains, so the transfer cannot
	// finish without progress counting down to zero.
	received.wait(t, event.ContentReceived, cid)
	served.wait(t, event.SendFinish, cid)

	served.mu.Lock()
	defer served.mu.Unlock()
	var reported []uint64
	for _, ev := range served.events {
		if ev.Name == event.SendProgress && ev.CID == cid {
			reported = append(reported, ev.Progress)
		}
	}
	assert.Equal(t, []uint64{2000, 1000, 0}, reported)
}

func TestServedFileRemovedBeforeRequest(t *testing.T) {
	network := memory.NewNetwork()
	deliverer := startEngine(t, network, "deliverer", peerOptions{})
	requester := startEngine(t, network, "requester", peerOptions{})
	served := record(deliverer)
	received := record(requester)

	path := filepath.Join(t.TempDir(), "gone.txt")
	require.NoError(t, os.WriteFile(path, []byte("soon gone"), 0o600))
	cid, err := deliverer.ServeData(catalog.File(path), "gone.txt", true)
	require.NoError(t, err)
	require.NoError(t, os.Remove(path))

	require.NoError(t, requester.RequestData(context.Background(), "deliverer", cid, true))

	ev := received.wait(t, event.NotFound, cid)
	assert.ErrorIs(t, ev.Err, engine.ErrContentNotFound)

	s, ok := requester.Session(cid)
	require.True(t, ok)
	assert.Equal(t, session.NotFound, s.State)

	_, failed := served.find(event.Error, cid)
	assert.True(t, failed)
	_, sending := served.find(event.SendingData, cid)
	assert.False(t, sending)

	require.Eventually(t, func() bool { return deliverer.ActiveChannels() == 0 }, waitTimeout, 5*time.Millisecond)
	require.Eventually(t, func() bool { return requester.ActiveChannels() == 0 }, waitTimeout, 5*time.Millisecond)
}

func TestSequentialRequestsToOnePeer(t *testing.T) {
	network := memory.NewNetwork()
	deliverer := startEngine(t, network, "deliverer", peerOptions{})
	requester := startEngine(t, network, "requester", peerOptions{})
	received := record(requester)

	var cids []string
	for _, body := range []string{"one", "two", "three"} {
		cid, err := deliverer.ServeData(catalog.Bytes([]byte(body), "text/plain"), body, false)
		require.NoError(t, err)
		cids = append(cids, cid)
	}

	// Each request is made the moment the previous content arrives, racing
	// the deliverer closing the channel behind it.
	for i, cid := range cids {
		require.NoError(t, requester.RequestData(context.Background(), "deliverer", cid, true))
		ev := received.wait(t, event.ContentReceived, cid)
		assert.Equal(t, []byte([]string{"one", "two", "three"}[i]), ev.Content.Body)
		_, failed := received.find(event.Error, cid)
		assert.False(t, failed)
	}

	require.Eventually(t, func() bool { return deliverer.ActiveChannels() == 0 }, waitTimeout, 5*time.Millisecond)
}

func TestTamperedCiphertext(t *testing.T) {
	network := memory.NewNetwork()
	deliverer := startEngine(t, network, "deliverer", peerOptions{})
	requester := startEngine(t, network, "requester", peerOptions{
		wrap: func(p transport.Provider) transport.Provider {
			return &rewriteProvider{Provider: p, rewrite: func(d *protocol.DeliverData) {
				d.Message[len(d.Message)-1] ^= 0x01
			}}
		},
	})
	received := record(requester)
	served := record(deliverer)

	cid, err := deliverer.ServeData(catalog.Bytes([]byte{1, 2, 3, 4}, ""), "t.bin", true)
	require.NoError(t, err)
	require.NoError(t, requester.RequestData(context.Background(), "deliverer", cid, true))

	ev := received.wait(t, event.Error, cid)
	assert.ErrorIs(t, ev.Err, engine.ErrAuthentication)

	s, _ := requester.Session(cid)
	assert.Equal(t, session.Failed, s.State)
	assert.Nil(t, s.Content)

	_, completed := received.find(event.ContentReceived, cid)
	assert.False(t, completed)
	_, confirmed := served.find(event.SendFinish, cid)
	assert.False(t, confirmed)

	// The requester abandons the transfer by closing the channel.
	require.Eventually(t, func() bool { return requester.ActiveChannels() == 0 }, waitTimeout, 5*time.Millisecond)
	require.Eventually(t, func() bool { return deliverer.ActiveChannels() == 0 }, waitTimeout, 5*time.Millisecond)
}

func TestPlaintextDowngradeRejected(t *testing.T) {
	network := memory.NewNetwork()
	deliverer := startEngine(t, network, "deliverer", peerOptions{})
	requester := startEngine(t, network, "requester", peerOptions{
		wrap: func(p transport.Provider) transport.Provider {
			return &rewriteProvider{Provider: p, rewrite: func(d *protocol.DeliverData) {
				d.Flags = d.Flags.With(protocol.FlagNoEncryption)
				d.Message = []byte("forged")
			}}
		},
	})
	received := record(requester)

	cid, err := deliverer.ServeData(catalog.Bytes([]byte("real"), ""), "r", true)
	require.NoError(t, err)
	require.NoError(t, requester.RequestData(context.Background(), "deliverer", cid, true))

	ev := received.wait(t, event.Error, cid)
	assert.ErrorIs(t, ev.Err, engine.ErrAuthentication)
	_, completed := received.find(event.ContentReceived, cid)
	assert.False(t, completed)

	require.Eventually(t, func() bool { return deliverer.ActiveChannels() == 0 }, waitTimeout, 5*time.Millisecond)
}

func TestChannelCloseFailsAwaitingSession(t *testing.T) {
	network := memory.NewNetwork()
	deliverer := startEngine(t, network, "deliverer", peerOptions{})
	requester := startEngine(t, network, "requester", peerOptions{})
	received := record(requester)

	slow := &blockingSource{data: []byte("never"), release: make(chan struct{})}
	cid, err := deliverer.ServeData(slow, "slow", true)
	require.NoError(t, err)

	require.NoError(t, requester.RequestData(context.Background(), "deliverer", cid, true))
	require.Eventually(t, func() bool { return deliverer.ActiveChannels() == 1 }, waitTimeout, 5*time.Millisecond)

	require.NoError(t, deliverer.Close())

	ev := received.wait(t, event.Error, cid)
	assert.ErrorIs(t, ev.Err, engine.ErrChannelClosed)

	s, _ := requester.Session(cid)
	assert.Equal(t, session.Failed, s.State)
	close(slow.release)
}

func TestConnectionError(t *testing.T) {
	network := memory.NewNetwork()
	requester := startEngine(t, network, "requester", peerOptions{})
	received := record(requester)

	require.NoError(t, requester.RequestData(context.Background(), "nobody", "c1", true))

	ev := received.wait(t, event.Error, "c1")
	var connErr *engine.ConnectionError
	require.True(t, errors.As(ev.Err, &connErr))
	assert.Equal(t, "nobody", connErr.PeerID)
	assert.ErrorIs(t, ev.Err, memory.ErrUnknownPeer)

	s, _ := requester.Session("c1")
	assert.Equal(t, session.Failed, s.State)
}

func TestValidationErrors(t *testing.T) {
	network := memory.NewNetwork()
	deliverer := startEngine(t, network, "deliverer", peerOptions{})
	requester := startEngine(t, network, "requester", peerOptions{})

	var verr *engine.ValidationError

	err := requester.RequestData(context.Background(), "", "c1", true)
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "peerID", verr.Field)

	err = requester.RequestData(context.Background(), "deliverer", "", true)
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "cid", verr.Field)

	_, err = deliverer.ServeData(nil, "x", true)
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "source", verr.Field)

	slow := &blockingSource{data: []byte("x"), release: make(chan struct{})}
	defer close(slow.release)
	cid, err := deliverer.ServeData(slow, "x", true)
	require.NoError(t, err)

	require.NoError(t, requester.RequestData(context.Background(), "deliverer", cid, true))
	err = requester.RequestData(context.Background(), "deliverer", cid, true)
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "cid", verr.Field)

	_, err = engine.New(engine.Options{})
	require.True(t, errors.As(err, &verr))
}

func TestRemoveData(t *testing.T) {
	network := memory.NewNetwork()
	deliverer := startEngine(t, network, "deliverer", peerOptions{})
	requester := startEngine(t, network, "requester", peerOptions{})
	received := record(requester)

	cid, err := deliverer.ServeData(catalog.Bytes([]byte("x"), ""), "x", true)
	require.NoError(t, err)
	require.Len(t, deliverer.Served(), 1)

	deliverer.RemoveData(cid)
	deliverer.RemoveData(cid)
	assert.Empty(t, deliverer.Served())

	require.NoError(t, requester.RequestData(context.Background(), "deliverer", cid, true))
	received.wait(t, event.NotFound, cid)
}

func TestHistoryRecorded(t *testing.T) {
	network := memory.NewNetwork()

	openStore := func() *store.TransferStore {
		db, err := store.Open(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close(db) })
		return store.NewTransferStore(db)
	}
	servedHistory := openStore()
	requestedHistory := openStore()

	deliverer := startEngine(t, network, "deliverer", peerOptions{options: func(o *engine.Options) { o.Transfers = servedHistory }})
	requester := startEngine(t, network, "requester", peerOptions{options: func(o *engine.Options) { o.Transfers = requestedHistory }})
	served := record(deliverer)

	cid, err := deliverer.ServeData(catalog.Bytes([]byte{1, 2, 3, 4}, ""), "t.bin", true)
	require.NoError(t, err)
	require.NoError(t, requester.RequestData(context.Background(), "deliverer", cid, true))
	served.wait(t, event.SendFinish, cid)

	var records []store.Transfer
	require.Eventually(t, func() bool {
		records, err = servedHistory.GetTransfersByCID(context.Background(), cid)
		return err == nil && len(records) == 1
	}, waitTimeout, 5*time.Millisecond)
	assert.Equal(t, store.RoleServe, records[0].Role)
	assert.Equal(t, "completed", records[0].State)
	assert.Equal(t, int64(4), records[0].Size)
	assert.True(t, records[0].Encrypted)

	records, err = requestedHistory.GetTransfersByCID(context.Background(), cid)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, store.RoleRequest, records[0].Role)
	assert.Equal(t, "deliverer", records[0].PeerID)
	assert.Equal(t, "t.bin", records[0].Name)
}

func TestCustomStatusTexts(t *testing.T) {
	network := memory.NewNetwork()
	requester := startEngine(t, network, "requester", peerOptions{})
	received := record(requester)

	require.NoError(t, requester.Texts().Install("terse", event.TextSet{event.PeerConnecting: "dialing"}))
	require.NoError(t, requester.Texts().Use("terse"))

	require.NoError(t, requester.RequestData(context.Background(), "nobody", "c9", true))

	ev := received.wait(t, event.PeerConnecting, "c9")
	assert.Equal(t, "dialing", ev.Text)
	errEv := received.wait(t, event.Error, "c9")
	assert.Equal(t, "❌ An error has occurred.", errEv.Text)
}

func TestCloseIsIdempotent(t *testing.T) {
	network := memory.NewNetwork()
	e := startEngine(t, network, "solo", peerOptions{})

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
	assert.ErrorIs(t, e.RequestData(context.Background(), "peer", "c1", true), engine.ErrClosed)
	assert.ErrorIs(t, e.Start(), engine.ErrClosed)
}
