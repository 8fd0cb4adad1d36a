// Package grpcserver exposes run submission and history over gRPC. Messages
// are protobuf well-known types, so no generated code is needed.
package grpcserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"transitcoords/internal/export"
	"transitcoords/internal/pipeline"
	"transitcoords/internal/storage"
)

const (
	serviceName    = "transitcoords.v1.Exporter"
	submitMethod   = "/" + serviceName + "/Submit"
	listRunsMethod = "/" + serviceName + "/ListRuns"
	listRunsLimit  = 100
)

// ExporterServer is the server API for the Exporter service.
type ExporterServer interface {
	// Submit queues a run. The request holds run overrides (pattern, output,
	// body, separator, policy, workers, ephemeris, ephemeris_path); the reply
	// holds the run id.
	Submit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	// ListRuns returns the most recent runs, newest first.
	ListRuns(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
}

// ServiceDesc describes the Exporter service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ExporterServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Submit", Handler: submitHandler},
		{MethodName: "ListRuns", Handler: listRunsHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "transitcoords/v1/exporter.proto",
}

func submitHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ExporterServer).Submit(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: submitMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ExporterServer).Submit(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func listRunsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ExporterServer).ListRuns(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: listRunsMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ExporterServer).ListRuns(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// Submitter queues jobs; *pipeline.Pipeline satisfies it.
type Submitter interface {
	Submit(job pipeline.Job) (string, error)
}

// Service implements ExporterServer on top of the pipeline and run store.
type Service struct {
	runs    Submitter
	store   *storage.Store
	base    pipeline.Job
	baseDir string
}

// NewService returns a Service whose submissions override base. Overridden
// paths must stay under baseDir.
func NewService(runs Submitter, store *storage.Store, base pipeline.Job, baseDir string) *Service {
	return &Service{runs: runs, store: store, base: base, baseDir: baseDir}
}

func (s *Service) Submit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	raw, err := in.MarshalJSON()
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "encode request: %v", err)
	}
	var o pipeline.Overrides
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&o); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}

	if err := o.Within(s.baseDir); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	job, err := o.Apply(s.base)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	id, err := s.runs.Submit(job)
	switch {
	case errors.Is(err, export.ErrInvalidRequest):
		return nil, status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, pipeline.ErrQueueFull):
		return nil, status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, pipeline.ErrStopped):
		return nil, status.Error(codes.Unavailable, err.Error())
	case err != nil:
		return nil, status.Error(codes.Internal, err.Error())
	}
	return structpb.NewStruct(map[string]any{"id": id})
}

func (s *Service) ListRuns(ctx context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	recs, err := s.store.RecentRuns(listRunsLimit)
	if errors.Is(err, storage.ErrNotInitialized) {
		return nil, status.Error(codes.Unavailable, "run history is disabled")
	}
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}

	items := make([]any, 0, len(recs))
	for _, rec := range recs {
		m, err := toMap(rec)
		if err != nil {
			return nil, status.Error(codes.Internal, err.Error())
		}
		items = append(items, m)
	}
	list, err := structpb.NewList(items)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return list, nil
}

// toMap converts v to the generic form structpb accepts.
func toMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}
