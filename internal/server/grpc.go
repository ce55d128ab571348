package server

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matt-riley/flagtree/internal/scope"
)

// FlagServiceName is the fully qualified gRPC service name.
const FlagServiceName = "flagtree.v1.FlagService"

// FlagServiceServer is the server API for the flagtree.v1.FlagService
// service. Messages are protobuf well-known types: requests carry "scope",
// "flag" and "value" string fields in a Struct.
type FlagServiceServer interface {
	ListFlags(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Resolve(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetOverride(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeleteOverride(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Watch(*structpb.Struct, grpc.ServerStream) error
}

// FlagServiceDesc describes flagtree.v1.FlagService for registration with a
// [grpc.Server].
var FlagServiceDesc = grpc.ServiceDesc{
	ServiceName: FlagServiceName,
	HandlerType: (*FlagServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListFlags", Handler: listFlagsHandler},
		{MethodName: "Resolve", Handler: structMethodHandler("Resolve", FlagServiceServer.Resolve)},
		{MethodName: "SetOverride", Handler: structMethodHandler("SetOverride", FlagServiceServer.SetOverride)},
		{MethodName: "DeleteOverride", Handler: structMethodHandler("DeleteOverride", FlagServiceServer.DeleteOverride)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Watch", Handler: watchHandler, ServerStreams: true},
	},
	Metadata: "flagtree/v1/flag_service.proto",
}

// RegisterFlagServiceServer registers srv on s.
func RegisterFlagServiceServer(s grpc.ServiceRegistrar, srv FlagServiceServer) {
	s.RegisterService(&FlagServiceDesc, srv)
}

func listFlagsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FlagServiceServer).ListFlags(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + FlagServiceName + "/ListFlags"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(FlagServiceServer).ListFlags(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

type structMethod func(FlagServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func structMethodHandler(name string, method structMethod) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	fullMethod := "/" + FlagServiceName + "/" + name
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return method(srv.(FlagServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return method(srv.(FlagServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(FlagServiceServer).Watch(in, stream)
}

// GRPCServer implements [FlagServiceServer] on top of a [Service].
type GRPCServer struct {
	service  Service
	recorder Recorder
}

// NewGRPCServer creates a [GRPCServer]. The recorder may be nil.
func NewGRPCServer(svc Service, recorder Recorder) *GRPCServer {
	if svc == nil {
		panic("service is nil")
	}

	return &GRPCServer{service: svc, recorder: recorder}
}

func (s *GRPCServer) ListFlags(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	defs := s.service.Definitions()
	items := make([]any, 0, len(defs))
	for _, d := range defs {
		items = append(items, map[string]any{
			"name":    d.Name,
			"kind":    d.Kind,
			"default": d.Default,
			"example": d.Example,
		})
	}

	return newStruct(map[string]any{"flags": items})
}

func (s *GRPCServer) Resolve(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	name, err := requiredField(req, "flag")
	if err != nil {
		return nil, err
	}

	res, err := s.service.Resolve(ctx, stringField(req, "scope"), name)
	if err != nil {
		return nil, toGRPCError(err)
	}
	if s.recorder != nil {
		s.recorder.RecordResolution(res.Flag.Name(), res.Local)
	}

	return resolutionStruct(res)
}

func (s *GRPCServer) SetOverride(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	name, err := requiredField(req, "flag")
	if err != nil {
		return nil, err
	}
	value, ok := req.GetFields()["value"]
	if !ok {
		return nil, status.Error(codes.InvalidArgument, "value is required")
	}

	path := stringField(req, "scope")
	set, err := s.service.SetOverride(ctx, path, name, value.GetStringValue())
	if err != nil {
		return nil, toGRPCError(err)
	}

	normalized, _ := scope.NormalizePath(path)
	return resolutionStruct(scope.Resolution{Scope: normalized, Flag: set, Local: true, Source: normalized})
}

func (s *GRPCServer) DeleteOverride(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	name, err := requiredField(req, "flag")
	if err != nil {
		return nil, err
	}

	removed, ok, err := s.service.DeleteOverride(ctx, stringField(req, "scope"), name)
	if err != nil {
		return nil, toGRPCError(err)
	}

	fields := map[string]any{"removed": ok}
	if ok {
		fields["flag"] = removed.Name()
		fields["value"] = removed.Serialize()
	}
	return newStruct(fields)
}

// Watch streams update events, optionally limited to a scope and its
// descendants, until the client goes away.
func (s *GRPCServer) Watch(req *structpb.Struct, stream grpc.ServerStream) error {
	filter, err := scope.NormalizePath(stringField(req, "scope"))
	if err != nil {
		return toGRPCError(err)
	}

	ctx, cancel := context.WithCancel(stream.Context())
	defer cancel()
	events := s.service.Watch(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-events:
			if !ok {
				return nil
			}
			if !inScope(filter, event.Scope) {
				continue
			}

			msg, err := newStruct(map[string]any{
				"scope":  event.Scope,
				"flag":   event.Flag.Name(),
				"value":  event.Flag.Serialize(),
				"update": event.Update.String(),
			})
			if err != nil {
				return toGRPCError(err)
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

func toGRPCError(err error) error {
	if err == nil {
		return nil
	}

	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, scope.ErrUnknownFlag):
		return status.Error(codes.NotFound, "unknown flag")
	case isInvalidArgumentError(err):
		return status.Error(codes.InvalidArgument, serviceErrorMessage(err))
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "request canceled")
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, "deadline exceeded")
	default:
		return status.Error(codes.Internal, "internal server error")
	}
}

func resolutionStruct(res scope.Resolution) (*structpb.Struct, error) {
	return newStruct(map[string]any{
		"scope":  res.Scope,
		"flag":   res.Flag.Name(),
		"kind":   string(res.Flag.Kind()),
		"value":  res.Flag.Serialize(),
		"local":  res.Local,
		"source": res.Source,
	})
}

func newStruct(fields map[string]any) (*structpb.Struct, error) {
	msg, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	return msg, nil
}

func stringField(req *structpb.Struct, name string) string {
	return req.GetFields()[name].GetStringValue()
}

func requiredField(req *structpb.Struct, name string) (string, error) {
	value := strings.TrimSpace(stringField(req, name))
	if value == "" {
		return "", status.Errorf(codes.InvalidArgument, "%s is required", name)
	}
	return value, nil
}

var _ FlagServiceServer = (*GRPCServer)(nil)
