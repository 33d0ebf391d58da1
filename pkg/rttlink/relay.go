package rttlink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

const relayFramesMethod = "/rttlink.Relay/Frames"

// rawFrame carries one opaque message through gRPC.
type rawFrame struct {
	data []byte
}

// rawCodec passes message bytes through unchanged, so the relay needs no
// generated protobuf code.
type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	f, ok := v.(*rawFrame)
	if !ok {
		return nil, fmt.Errorf("relay codec: unexpected type %T", v)
	}
	return f.data, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*rawFrame)
	if !ok {
		return fmt.Errorf("relay codec: unexpected type %T", v)
	}
	f.data = bytes.Clone(data)
	if f.data == nil {
		f.data = []byte{}
	}
	return nil
}

func (rawCodec) Name() string { return "rttlink-raw" }

type relayService interface {
	Frames(stream grpc.ServerStream) error
}

var relayServiceDesc = grpc.ServiceDesc{
	ServiceName: "rttlink.Relay",
	HandlerType: (*relayService)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "Frames",
		Handler:       func(srv any, stream grpc.ServerStream) error { return srv.(relayService).Frames(stream) },
		ServerStreams: true,
		ClientStreams: true,
	}},
	Metadata: "rttlink/relay",
}

// RelayServer exposes a bridge's queues to one remote client at a time
// over a bidirectional gRPC stream.
type RelayServer struct {
	tx     *BridgeTx
	rx     *BridgeRx
	logger *Logger
	grpc   *grpc.Server
	active atomic.Bool
}

// NewRelayServer creates a relay for b.
func NewRelayServer(b *Bridge, logger *Logger, opts ...grpc.ServerOption) *RelayServer {
	s := &RelayServer{
		tx:     b.Tx(),
		rx:     b.Rx(),
		logger: orDiscard(logger),
	}
	opts = append([]grpc.ServerOption{grpc.ForceServerCodec(rawCodec{})}, opts...)
	s.grpc = grpc.NewServer(opts...)
	s.grpc.RegisterService(&relayServiceDesc, s)
	return s
}

// Serve accepts clients on lis until Stop.
func (s *RelayServer) Serve(lis net.Listener) error {
	s.logger.Info("relay listening", "address", lis.Addr().String())
	return s.grpc.Serve(lis)
}

// Stop closes the listener and any attached client.
func (s *RelayServer) Stop() { s.grpc.Stop() }

// Frames handles one attached client: messages it sends go to the
// outbound queue and inbound messages are streamed back to it.
func (s *RelayServer) Frames(stream grpc.ServerStream) error {
	if !s.active.CompareAndSwap(false, true) {
		return status.Error(codes.ResourceExhausted, "relay already has a client")
	}
	defer s.active.Store(false)

	ctx := WithTraceID(stream.Context())
	logger := s.logger
	if p, ok := peer.FromContext(ctx); ok {
		logger = logger.WithPeer(p.Addr.String())
	}
	logger.InfoContext(ctx, "relay client attached")

	// RecvMsg unblocks only on client input or handler return, so the
	// client side runs detached and reports failures through the cause.
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go func() {
		if err := s.fromClient(ctx, stream); err != nil {
			cancel(err)
		}
	}()

	err := s.toClient(ctx, stream)
	if ctx.Err() != nil {
		if cause := context.Cause(ctx); cause != nil {
			err = cause
		}
	}
	logger.InfoContext(ctx, "relay client detached", "reason", err)
	return relayStatus(err)
}

// fromClient forwards client messages to the outbound queue. A half close
// ends it without error.
func (s *RelayServer) fromClient(ctx context.Context, stream grpc.ServerStream) error {
	for {
		var f rawFrame
		if err := stream.RecvMsg(&f); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := s.tx.Send(ctx, f.data); err != nil {
			return err
		}
	}
}

// toClient streams inbound messages until the bridge stops or ctx ends.
func (s *RelayServer) toClient(ctx context.Context, stream grpc.ServerStream) error {
	for {
		msg, err := s.rx.Receive(ctx)
		if err != nil {
			return err
		}
		if err := stream.SendMsg(&rawFrame{data: msg}); err != nil {
			return err
		}
	}
}

func relayStatus(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrQueueClosed):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, ErrMessageTooLarge):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		if _, ok := status.FromError(err); ok {
			return err
		}
		return status.Error(codes.Internal, err.Error())
	}
}

// RelayClient is an attached relay session.
type RelayClient struct {
	conn   *grpc.ClientConn
	stream grpc.ClientStream
	cancel context.CancelFunc
}

// DialRelay attaches to a relay server. The session lasts until Close or
// until ctx ends.
func DialRelay(ctx context.Context, target string, opts ...grpc.DialOption) (*RelayClient, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                10 * time.Second,
			Timeout:             3 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(rawCodec{})),
	}, opts...)

	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", target, err)
	}

	sctx, cancel := context.WithCancel(ctx)
	stream, err := conn.NewStream(sctx, &relayServiceDesc.Streams[0], relayFramesMethod)
	if err != nil {
		cancel()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open relay stream: %w", err)
	}
	return &RelayClient{conn: conn, stream: stream, cancel: cancel}, nil
}

// Send queues msg for the device.
func (c *RelayClient) Send(msg []byte) error {
	return c.stream.SendMsg(&rawFrame{data: msg})
}

// Receive returns the next message from the device.
func (c *RelayClient) Receive() ([]byte, error) {
	var f rawFrame
	if err := c.stream.RecvMsg(&f); err != nil {
		return nil, err
	}
	return f.data, nil
}

// CloseSend tells the server no more messages will be sent.
func (c *RelayClient) CloseSend() error { return c.stream.CloseSend() }

// Close ends the session.
func (c *RelayClient) Close() error {
	c.cancel()
	return c.conn.Close()
}
