package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"transitcoords/internal/logging"
)

const (
	maxMsgSize    = 4 * 1024 * 1024
	keepaliveTime = 30 * time.Second
)

// NewServer returns a grpc.Server with the Exporter service registered.
func NewServer(svc ExporterServer, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{
		grpc.MaxRecvMsgSize(maxMsgSize),
		grpc.MaxSendMsgSize(maxMsgSize),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             keepaliveTime / 2,
			PermitWithoutStream: true,
		}),
	}, opts...)
	s := grpc.NewServer(opts...)
	s.RegisterService(&ServiceDesc, svc)
	return s
}

// Serve listens on addr until ctx is done, then stops gracefully.
func Serve(ctx context.Context, addr string, svc ExporterServer, log *slog.Logger) error {
	if log == nil {
		log = logging.Discard()
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s := NewServer(svc)
	go func() {
		<-ctx.Done()
		log.Info("shutting down grpc server")
		s.GracefulStop()
	}()

	log.Info("grpc server starting", "addr", lis.Addr().String(), "service", serviceName)
	if err := s.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Dial connects to a server at addr without transport security.
func Dial(addr string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                keepaliveTime,
			Timeout:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(maxMsgSize),
			grpc.MaxCallSendMsgSize(maxMsgSize),
		),
	}, opts...)
	return grpc.NewClient(addr, opts...)
}

// Client calls the Exporter service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Submit queues a run with the given overrides and returns its id.
func (c *Client) Submit(ctx context.Context, overrides map[string]any, opts ...grpc.CallOption) (string, error) {
	in, err := structpb.NewStruct(overrides)
	if err != nil {
		return "", err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, submitMethod, in, out, opts...); err != nil {
		return "", err
	}
	return out.GetFields()["id"].GetStringValue(), nil
}

// ListRuns returns the recent runs as generic maps.
func (c *Client) ListRuns(ctx context.Context, opts ...grpc.CallOption) ([]map[string]any, error) {
	out := new(structpb.ListValue)
	if err := c.cc.Invoke(ctx, listRunsMethod, new(emptypb.Empty), out, opts...); err != nil {
		return nil, err
	}
	runs := make([]map[string]any, 0, len(out.GetValues()))
	for _, v := range out.GetValues() {
		if m := v.GetStructValue(); m != nil {
			runs = append(runs, m.AsMap())
		}
	}
	return runs, nil
}
