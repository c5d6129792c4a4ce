package transport

import (
	"context"
	"errors"
	"io"
)

// MessageSender delivers one complete message to the peer
type MessageSender interface {
	Send(ctx context.Context, b []byte) error
}

// MessageReceiver calls handle for every complete message until ctx is done
// or the underlying socket fails.
type MessageReceiver interface {
	ReceiveMessages(ctx context.Context, handle func(msg []byte)) error
}

// NewDatagramSender sends each message as one datagram on ch
func NewDatagramSender(ch *DatagramChannel) MessageSender {
	return datagramSender{ch: ch}
}

// NewDatagramReceiver treats every datagram from the peer as one message
func NewDatagramReceiver(ch *DatagramChannel) MessageReceiver {
	return datagramReceiver{ch: ch}
}

// NewStreamReceiver serves clients of s one at a time and splits their
// byte streams into messages with frame. A framing error closes the
// offending connection; the server keeps accepting.
func NewStreamReceiver(s *StreamServer, frame Framer) MessageReceiver {
	return streamReceiver{server: s, frame: frame}
}

type datagramSender struct {
	ch *DatagramChannel
}

func (s datagramSender) Send(ctx context.Context, b []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.ch.Send(b)
}

type datagramReceiver struct {
	ch *DatagramChannel
}

func (r datagramReceiver) ReceiveMessages(ctx context.Context, handle func(msg []byte)) error {
	for {
		msg, err := r.ch.Receive(ctx, MaxDatagramSize)
		if err != nil {
			return err
		}
		handle(msg)
	}
}

type streamReceiver struct {
	server *StreamServer
	frame  Framer
}

func (r streamReceiver) ReceiveMessages(ctx context.Context, handle func(msg []byte)) error {
	return r.server.Serve(ctx, func(ctx context.Context, conn *StreamConn) error {
		for {
			msg, err := conn.ReadMessage(ctx, r.frame)
			if err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}
				return err
			}
			handle(msg)
		}
	})
}
