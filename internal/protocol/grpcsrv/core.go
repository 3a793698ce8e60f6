// Package grpcsrv serves loaded proto services over native gRPC without
// generated code. A single unknown-service handler resolves every call
// against the current registry snapshot and decodes frames with dynamic
// messages.
package grpcsrv

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/wudi/grpcmock/internal/handler"
	"github.com/wudi/grpcmock/internal/logging"
	"github.com/wudi/grpcmock/internal/metrics"
)

// SnapshotFunc returns the registry/rules/engine triple in effect. The
// core calls it exactly once per RPC.
type SnapshotFunc func() *handler.Snapshot

// Core is the shared dynamic dispatch used by both native gRPC
// listeners and the in-process gRPC server behind the Connect listener.
type Core struct {
	protocol string
	handler  *handler.Handler
	snapshot SnapshotFunc
	metrics  *metrics.Collector
	log      *zap.Logger
}

// NewCore builds a dispatch core. protocol labels the requests_total
// counter (grpc, grpc_tls, grpc_h2).
func NewCore(protocol string, h *handler.Handler, snap SnapshotFunc, m *metrics.Collector) *Core {
	return &Core{
		protocol: protocol,
		handler:  h,
		snapshot: snap,
		metrics:  m,
		log:      logging.Global(),
	}
}

// NewGRPCServer wires the core into a grpc.Server via the
// unknown-service path with the raw codec.
func NewGRPCServer(core *Core, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts,
		grpc.UnknownServiceHandler(core.Handle),
		grpc.ForceServerCodec(rawCodec{}),
	)
	return grpc.NewServer(opts...)
}

// Handle serves one RPC of any shape.
func (c *Core) Handle(_ any, stream grpc.ServerStream) error {
	ctx := stream.Context()
	c.metrics.RecordRequest(c.protocol)

	full, ok := grpc.Method(ctx)
	if !ok {
		return status.Error(codes.Internal, "no method in stream context")
	}
	service, method, ok := splitMethod(full)
	if !ok {
		return status.Errorf(codes.Unimplemented, "malformed method %q", full)
	}

	snap := c.snapshot()
	meta, ok := snap.Registry.Method(service, method)
	if !ok {
		return status.Errorf(codes.Unimplemented, "unknown method %s/%s", service, method)
	}

	call := &handler.Call{
		Snap:     snap,
		Meta:     meta,
		Metadata: flattenMetadata(ctx),
	}

	recv := func() (proto.Message, error) {
		var raw []byte
		if err := stream.RecvMsg(&raw); err != nil {
			return nil, err
		}
		msg := dynamicpb.NewMessage(meta.Input)
		if err := proto.Unmarshal(raw, msg); err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "decode %s: %v", meta.Input.FullName(), err)
		}
		return msg, nil
	}
	send := func(m proto.Message) error {
		b, err := proto.Marshal(m)
		if err != nil {
			return err
		}
		return stream.SendMsg(b)
	}

	switch {
	case meta.ClientStream && meta.ServerStream:
		trailers, rerr := c.handler.Bidi(ctx, call, recv, send)
		return c.finish(stream, trailers, rerr)
	case meta.ClientStream:
		reply, rerr := c.handler.ClientStream(ctx, call, recv)
		if rerr != nil {
			return c.finish(stream, rerr.Trailers, rerr)
		}
		if err := send(reply.Msg); err != nil {
			return err
		}
		return c.finish(stream, reply.Trailers, nil)
	case meta.ServerStream:
		msg, err := recv()
		if err != nil {
			return err
		}
		trailers, rerr := c.handler.ServerStream(ctx, call, msg, send)
		return c.finish(stream, trailers, rerr)
	default:
		msg, err := recv()
		if err != nil {
			return err
		}
		reply, rerr := c.handler.Unary(ctx, call, msg)
		if rerr != nil {
			return c.finish(stream, rerr.Trailers, rerr)
		}
		if err := send(reply.Msg); err != nil {
			return err
		}
		return c.finish(stream, reply.Trailers, nil)
	}
}

// finish attaches custom trailers and converts the normalized error to
// a grpc status.
func (c *Core) finish(stream grpc.ServerStream, trailers map[string]string, rerr *handler.RPCError) error {
	if len(trailers) > 0 {
		md := metadata.New(trailers)
		stream.SetTrailer(md)
	}
	if rerr == nil {
		return nil
	}
	c.log.Debug("rpc error",
		zap.String("code", rerr.Name()),
		zap.String("message", rerr.Message))
	return status.Error(codes.Code(rerr.Code), rerr.Message)
}

// splitMethod parses "/pkg.Service/Method".
func splitMethod(full string) (service, method string, ok bool) {
	full = strings.TrimPrefix(full, "/")
	i := strings.LastIndexByte(full, '/')
	if i <= 0 || i == len(full)-1 {
		return "", "", false
	}
	return full[:i], full[i+1:], true
}

// flattenMetadata lower-cases incoming metadata into a flat map, joining
// repeated values with a comma.
func flattenMetadata(ctx context.Context) map[string]string {
	out := map[string]string{}
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return out
	}
	for k, vals := range md {
		if len(vals) == 0 {
			continue
		}
		out[strings.ToLower(k)] = strings.Join(vals, ", ")
	}
	return out
}
