package quic

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/rudransh-shrivastava/beam/internal/logger"
	"github.com/rudransh-shrivastava/beam/internal/transport"
)

func listen(t *testing.T, id string) *Provider {
	t.Helper()
	p, err := Listen("127.0.0.1:0", Options{ID: id, Logger: logger.Discard()})
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func connect(t *testing.T, from, to *Provider) (transport.Channel, transport.Channel) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	local, err := from.Open(ctx, to.Addr().String())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	select {
	case remote := <-to.Accept():
		return local, remote
	case <-ctx.Done():
		t.Fatal("Timeout waiting for accepted channel")
	}
	return nil, nil
}

func TestOpenAcceptSendRecv(t *testing.T) {
	server := listen(t, "server")
	client := listen(t, "client")

	local, remote := connect(t, client, server)

	if remote.PeerID() != "client" {
		t.Errorf("Expected accepted peer id 'client', got %q", remote.PeerID())
	}
	if local.PeerID() != server.Addr().String() {
		t.Errorf("Expected dialed peer id %q, got %q", server.Addr(), local.PeerID())
	}

	payload := bytes.Repeat([]byte{0xAB}, 100_000)
	if err := local.Send(payload); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if err := local.Send([]byte("second")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	for _, want := range [][]byte{payload, []byte("second")} {
		select {
		case got := <-remote.Recv():
			if !bytes.Equal(got, want) {
				t.Fatalf("Expected %d bytes, got %d", len(want), len(got))
			}
		case <-time.After(5 * time.Second):
			t.Fatal("Timeout waiting for frame")
		}
	}

	if err := remote.Send([]byte("reply")); err != nil {
		t.Fatalf("Send reply failed: %v", err)
	}
	select {
	case got := <-local.Recv():
		if string(got) != "reply" {
			t.Errorf("Expected reply, got %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for reply")
	}
}

func TestCloseFlushesQueuedFrames(t *testing.T) {
	server := listen(t, "server")
	client := listen(t, "client")

	local, remote := connect(t, client, server)

	if err := remote.Send([]byte("not found")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	_ = remote.Close()

	select {
	case got, ok := <-local.Recv():
		if !ok || string(got) != "not found" {
			t.Fatalf("Expected queued frame before close, got %q ok=%v", got, ok)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for frame")
	}

	select {
	case _, ok := <-local.Recv():
		if ok {
			t.Fatal("Expected Recv to close")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Timeout waiting for close")
	}

	if err := remote.Send([]byte("late")); err != transport.ErrClosed {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}

func TestOpenUnreachable(t *testing.T) {
	client := listen(t, "client")

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	if _, err := client.Open(ctx, "127.0.0.1:1"); err == nil {
		t.Error("Expected error dialing a closed port")
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := writeFrame(&buf, []byte("abc")); err != nil {
		t.Fatalf("writeFrame failed: %v", err)
	}
	if err := writeFrame(&buf, nil); err != nil {
		t.Fatalf("writeFrame failed: %v", err)
	}

	first, err := readFrame(&buf)
	if err != nil || string(first) != "abc" {
		t.Fatalf("readFrame = %q, %v", first, err)
	}
	second, err := readFrame(&buf)
	if err != nil || len(second) != 0 {
		t.Fatalf("readFrame = %q, %v", second, err)
	}
	if _, err := readFrame(&buf); err == nil {
		t.Error("Expected EOF on empty buffer")
	}
}
