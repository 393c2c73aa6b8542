// Package grpcserver delivers rig outputs over gRPC. Messages are
// google.protobuf.Struct values carrying the JSON form of frame results,
// so clients need no generated code.
package grpcserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"meshtrack/internal/pipeline"
	"meshtrack/internal/session"
	"meshtrack/internal/storage"
)

const (
	serviceName    = "meshtrack.RigOutput"
	subscribeRoute = "/" + serviceName + "/Subscribe"
	framesRoute    = "/" + serviceName + "/Frames"

	maxMessageSize = 16 * 1024 * 1024
	defaultLimit   = 1000
)

// RigOutputServer streams live frame results and serves stored ones.
type RigOutputServer struct {
	frames *pipeline.FrameHub
	store  *storage.Store
	log    *slog.Logger
}

// NewRigOutputServer creates a server over hub and store; either may be nil,
// disabling the corresponding call.
func NewRigOutputServer(hub *pipeline.FrameHub, store *storage.Store, log *slog.Logger) *RigOutputServer {
	if log == nil {
		log = slog.Default()
	}
	return &RigOutputServer{frames: hub, store: store, log: log}
}

type rigOutputService interface {
	Subscribe(req *structpb.Struct, stream grpc.ServerStream) error
	Frames(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*rigOutputService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Frames", Handler: framesHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Subscribe", Handler: subscribeHandler, ServerStreams: true},
	},
	Metadata: "meshtrack/rig_output",
}

// RegisterWithServer adds the service to grpcServer.
func (s *RigOutputServer) RegisterWithServer(grpcServer *grpc.Server) {
	grpcServer.RegisterService(&serviceDesc, s)
}

// Serve runs a gRPC server on lis until ctx is cancelled.
func (s *RigOutputServer) Serve(ctx context.Context, lis net.Listener) error {
	grpcServer := grpc.NewServer(
		grpc.MaxRecvMsgSize(maxMessageSize),
		grpc.MaxSendMsgSize(maxMessageSize),
	)
	s.RegisterWithServer(grpcServer)
	go func() {
		<-ctx.Done()
		grpcServer.GracefulStop()
	}()
	s.log.Info("gRPC server starting", "addr", lis.Addr().String())
	return grpcServer.Serve(lis)
}

// ListenAndServe listens on addr and calls Serve.
func (s *RigOutputServer) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, lis)
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(rigOutputService).Subscribe(req, stream)
}

func framesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(structpb.Struct)
	if err := dec(req); err != nil {
		return nil, err
	}
	s := srv.(rigOutputService)
	if interceptor == nil {
		return s.Frames(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: framesRoute}
	handler := func(ctx context.Context, req any) (any, error) {
		return s.Frames(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, req, info, handler)
}

// Subscribe streams the frame results of req.session (all sessions when
// empty) until the client goes away. The response header is sent once the
// subscription is in place.
func (s *RigOutputServer) Subscribe(req *structpb.Struct, stream grpc.ServerStream) error {
	if s.frames == nil {
		return status.Error(codes.Unavailable, "no frame source")
	}
	sessionID := req.GetFields()["session"].GetStringValue()
	results, unsubscribe := s.frames.Subscribe(sessionID, 256)
	defer unsubscribe()
	if err := stream.SendHeader(metadata.Pairs("session", sessionID)); err != nil {
		return err
	}
	s.log.Debug("rig output subscriber attached", "session", sessionID)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case res, ok := <-results:
			if !ok {
				return nil
			}
			msg, err := encodeFrame(res)
			if err != nil {
				s.log.Warn("encode frame", "session", res.SessionID, "frame", res.Frame, "error", err)
				continue
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

// Frames returns stored frames of req.session from req.from, at most
// req.limit of them.
func (s *RigOutputServer) Frames(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.store == nil {
		return nil, status.Error(codes.Unavailable, "no store")
	}
	fields := req.GetFields()
	sessionID := fields["session"].GetStringValue()
	if sessionID == "" {
		return nil, status.Error(codes.InvalidArgument, "session is required")
	}
	from := int(fields["from"].GetNumberValue())
	limit := int(fields["limit"].GetNumberValue())
	if limit <= 0 {
		limit = defaultLimit
	}
	recs, err := s.store.Frames(sessionID, from, limit)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	list := make([]any, 0, len(recs))
	for _, rec := range recs {
		var output any
		if err := json.Unmarshal(rec.Output, &output); err != nil {
			return nil, status.Errorf(codes.DataLoss, "frame %d: %v", rec.Frame, err)
		}
		list = append(list, map[string]any{
			"session_id":     rec.SessionID,
			"frame":          rec.Frame,
			"valid":          rec.Valid,
			"failed":         rec.Failed,
			"low_confidence": rec.LowConfidence,
			"output":         output,
		})
	}
	out, err := structpb.NewStruct(map[string]any{"frames": list})
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func encodeFrame(res session.FrameResult) (*structpb.Struct, error) {
	data, err := json.Marshal(res)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

func decodeStruct(msg *structpb.Struct, v any) error {
	data, err := protojson.Marshal(msg)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
