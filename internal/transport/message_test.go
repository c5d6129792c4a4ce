package transport

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

func TestStreamReceiverSplitsMessages(t *testing.T) {
	srv := listenLoopback(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msgs := make(chan string, 8)
	errCh := make(chan error, 1)
	go func() {
		errCh <- NewStreamReceiver(srv, lengthFramer).ReceiveMessages(ctx, func(msg []byte) {
			msgs <- string(msg)
		})
	}()

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	conn.Write([]byte("\x03one\x03two"))
	conn.Close()

	// a second client after the first disconnected is still served
	conn, err = net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	conn.Write([]byte("\x05three"))
	defer conn.Close()

	for _, want := range []string{"one", "two", "three"} {
		select {
		case got := <-msgs:
			if got != want {
				t.Errorf("Expected %q, got %q", want, got)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}

	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("ReceiveMessages did not stop")
	}
}

func TestDatagramSenderAndReceiver(t *testing.T) {
	a, b := datagramPair(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msgs := make(chan string, 4)
	go NewDatagramReceiver(b).ReceiveMessages(ctx, func(msg []byte) {
		msgs <- string(msg)
	})

	sender := NewDatagramSender(a)
	if err := sender.Send(ctx, []byte("image")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case got := <-msgs:
		if got != "image" {
			t.Errorf("Expected image, got %q", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for datagram")
	}

	cancel()
	if err := sender.Send(ctx, []byte("late")); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled after cancel, got %v", err)
	}
}
