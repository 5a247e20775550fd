package provider

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// GRPCConfig holds gRPC connection settings.
type GRPCConfig struct {
	Endpoint         string        `yaml:"endpoint"`
	KeepaliveTime    time.Duration `yaml:"keepalive_time"`
	KeepaliveTimeout time.Duration `yaml:"keepalive_timeout"`
}

// GRPCTransport implements Transport over a gRPC connection.
// Every payload travels as a google.protobuf.BytesValue.
type GRPCTransport struct {
	endpoint string
	conn     *grpc.ClientConn
	Monitor  *Monitor
}

// NewGRPCTransport creates a new gRPC transport. Extra dial options are
// appended after the defaults.
func NewGRPCTransport(cfg GRPCConfig, extra ...grpc.DialOption) (*GRPCTransport, error) {
	// Parse endpoint to determine if TLS is needed
	target := cfg.Endpoint
	var opts []grpc.DialOption

	if strings.HasPrefix(target, "https://") || strings.HasSuffix(target, ":443") {
		creds := credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
		opts = append(opts, grpc.WithTransportCredentials(creds))
		target = strings.TrimPrefix(target, "https://")
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
		target = strings.TrimPrefix(target, "http://")
	}

	kaTime := cfg.KeepaliveTime
	if kaTime <= 0 {
		kaTime = 30 * time.Second
	}
	kaTimeout := cfg.KeepaliveTimeout
	if kaTimeout <= 0 {
		kaTimeout = 10 * time.Second
	}

	t := &GRPCTransport{
		endpoint: cfg.Endpoint,
		Monitor:  NewMonitor(),
	}

	opts = append(opts,
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                kaTime,
			Timeout:             kaTimeout,
			PermitWithoutStream: true,
		}),
		grpc.WithChainUnaryInterceptor(t.monitorUnary),
		grpc.WithChainStreamInterceptor(t.monitorStream),
	)
	opts = append(opts, extra...)

	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create grpc client for %s: %w", target, err)
	}
	t.conn = conn

	return t, nil
}

// Conn returns the underlying gRPC connection.
func (t *GRPCTransport) Conn() *grpc.ClientConn {
	return t.conn
}

// Unary implements Transport.
func (t *GRPCTransport) Unary(ctx context.Context, method string, payload []byte, md Metadata) ([]byte, error) {
	out := new(wrapperspb.BytesValue)
	if err := t.conn.Invoke(withMetadata(ctx, md), method, wrapperspb.Bytes(payload), out); err != nil {
		return nil, err
	}
	return out.GetValue(), nil
}

// ServerStream implements Transport.
func (t *GRPCTransport) ServerStream(ctx context.Context, method string, payload []byte, md Metadata) (Receiver, error) {
	desc := &grpc.StreamDesc{StreamName: method, ServerStreams: true}
	cs, err := t.conn.NewStream(withMetadata(ctx, md), desc, method)
	if err != nil {
		return nil, err
	}
	if err := cs.SendMsg(wrapperspb.Bytes(payload)); err != nil {
		return nil, err
	}
	if err := cs.CloseSend(); err != nil {
		return nil, err
	}
	return &grpcReceiver{stream: cs}, nil
}

// Close cleans up resources.
func (t *GRPCTransport) Close() error {
	return t.conn.Close()
}

type grpcReceiver struct {
	stream grpc.ClientStream
}

func (r *grpcReceiver) Recv() ([]byte, error) {
	out := new(wrapperspb.BytesValue)
	if err := r.stream.RecvMsg(out); err != nil {
		return nil, err
	}
	return out.GetValue(), nil
}

func withMetadata(ctx context.Context, md Metadata) context.Context {
	if len(md) == 0 {
		return ctx
	}
	out := metadata.New(md)
	if existing, ok := metadata.FromOutgoingContext(ctx); ok {
		out = metadata.Join(existing, out)
	}
	return metadata.NewOutgoingContext(ctx, out)
}

func (t *GRPCTransport) monitorUnary(
	ctx context.Context,
	method string,
	req, reply any,
	cc *grpc.ClientConn,
	invoker grpc.UnaryInvoker,
	opts ...grpc.CallOption,
) error {
	start := time.Now()
	err := invoker(ctx, method, req, reply, cc, opts...)
	t.record(time.Since(start), err)
	return err
}

func (t *GRPCTransport) monitorStream(
	ctx context.Context,
	desc *grpc.StreamDesc,
	cc *grpc.ClientConn,
	method string,
	streamer grpc.Streamer,
	opts ...grpc.CallOption,
) (grpc.ClientStream, error) {
	start := time.Now()
	cs, err := streamer(ctx, desc, cc, method, opts...)
	t.record(time.Since(start), err)
	return cs, err
}

func (t *GRPCTransport) record(latency time.Duration, err error) {
	if err == nil {
		t.Monitor.RecordSuccess(latency)
		return
	}
	if status.Code(err) == codes.Canceled {
		return
	}
	t.Monitor.RecordFailure()
	if status.Code(err) == codes.ResourceExhausted {
		f := ToFailure(err)
		var retryAfter time.Duration
		if f.UserError != nil {
			retryAfter = f.UserError.RetryAfter
		}
		t.Monitor.RecordThrottle(retryAfter)
	}
}
