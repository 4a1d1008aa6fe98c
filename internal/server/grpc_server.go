package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"kvdata/internal/config"
	"kvdata/internal/logging"
	"kvdata/internal/storage"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// GRPCServer serves the DataService over the storage facade
type GRPCServer struct {
	config   *config.Config
	data     *storage.Data
	logger   *logging.Logger
	server   *grpc.Server
	listener net.Listener
}

// NewGRPCServer creates a gRPC server with the DataService registered
func NewGRPCServer(cfg *config.Config, data *storage.Data, logger *logging.Logger) *GRPCServer {
	s := &GRPCServer{
		config: cfg,
		data:   data,
		logger: logger,
	}
	// Create gRPC server with tracing and logging
	s.server = grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.UnaryInterceptor(s.loggingInterceptor),
	)
	RegisterDataServiceServer(s.server, s)
	return s
}

// Start listens on the configured gRPC port and serves in the background
func (s *GRPCServer) Start() error {
	address := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.GRPCPort)

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	s.listener = listener

	s.logger.Info("Starting gRPC server", "address", address, "service", DataServiceName)

	go func() {
		if err := s.Serve(listener); err != nil {
			s.logger.Error("gRPC server failed", "error", err)
		}
	}()

	return nil
}

// Serve blocks serving on lis until Stop is called
func (s *GRPCServer) Serve(lis net.Listener) error {
	err := s.server.Serve(lis)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// Stop stops the gRPC server
func (s *GRPCServer) Stop() {
	s.logger.Info("Stopping gRPC server")
	s.server.GracefulStop()
}

type dataRequest struct {
	table  string
	target string
	key    string
	value  storage.Value
	opts   []storage.AccessOption
}

func parseDataRequest(in *structpb.Struct, needKey bool) (dataRequest, error) {
	fields := in.GetFields()
	req := dataRequest{
		table:  fields["table"].GetStringValue(),
		target: fields["target"].GetStringValue(),
		key:    fields["key"].GetStringValue(),
		value:  storage.Null(),
	}
	if req.table == "" || req.target == "" {
		return req, status.Error(codes.InvalidArgument, "table and target are required")
	}
	if needKey && req.key == "" {
		return req, status.Error(codes.InvalidArgument, "key cannot be empty")
	}

	if v, ok := fields["cache"]; ok {
		if _, isBool := v.GetKind().(*structpb.Value_BoolValue); !isBool {
			return req, status.Error(codes.InvalidArgument, "cache must be a bool")
		}
		req.opts = append(req.opts, storage.WithCache(v.GetBoolValue()))
	}

	if v, ok := fields["value"]; ok {
		switch kind := v.GetKind().(type) {
		case *structpb.Value_StringValue:
			req.value = storage.Some(kind.StringValue)
		case *structpb.Value_NullValue:
		default:
			return req, status.Error(codes.InvalidArgument, "value must be a string or null")
		}
	}

	return req, nil
}

func success() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{"success": true})
}

// Get implements the Get RPC. Null and missing values are both NotFound.
func (s *GRPCServer) Get(ctx context.Context, in *structpb.Struct) (*wrapperspb.StringValue, error) {
	req, err := parseDataRequest(in, true)
	if err != nil {
		return nil, err
	}
	s.logger.DebugContext(ctx, "Get request", "table", req.table, "target", req.target, "key", req.key)

	value, ok := s.data.Get(ctx, req.table, req.target, req.key, req.opts...)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "no value for %s/%s/%s", req.table, req.target, req.key)
	}
	return wrapperspb.String(value), nil
}

// Set implements the Set RPC. A null value removes the key.
func (s *GRPCServer) Set(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := parseDataRequest(in, true)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(req.key, storage.TargetKey) {
		return nil, status.Error(codes.InvalidArgument, storage.ErrReservedKey.Error())
	}
	s.logger.DebugContext(ctx, "Set request", "table", req.table, "target", req.target, "key", req.key)

	s.data.Set(ctx, req.table, req.target, req.key, req.value, req.opts...)
	return success()
}

// Remove implements the Remove RPC
func (s *GRPCServer) Remove(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := parseDataRequest(in, true)
	if err != nil {
		return nil, err
	}
	s.logger.DebugContext(ctx, "Remove request", "table", req.table, "target", req.target, "key", req.key)

	s.data.Remove(ctx, req.table, req.target, req.key, req.opts...)
	return success()
}

// Flush implements the Flush RPC and reports the writes that stayed dirty
func (s *GRPCServer) Flush(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	failed := s.data.Flush(ctx)

	// Convert failed sets to struct values
	failures := make([]interface{}, 0, len(failed))
	for _, f := range failed {
		failures = append(failures, map[string]interface{}{
			"table":  f.Table,
			"target": f.Target,
			"key":    f.Key,
			"error":  f.Err.Error(),
		})
	}

	resp, err := structpb.NewStruct(map[string]interface{}{
		"success":      len(failed) == 0,
		"failed_count": len(failed),
		"failures":     failures,
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode flush result: %v", err)
	}
	return resp, nil
}

// loggingInterceptor carries correlation ids from the incoming metadata and
// logs every call
func (s *GRPCServer) loggingInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()

	// Take correlation and request IDs from the incoming metadata
	var correlationID, requestID string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get(logging.CorrelationIDMetadata); len(ids) > 0 {
			correlationID = logging.SanitizeCorrelationID(ids[0])
		}
		if ids := md.Get(logging.RequestIDMetadata); len(ids) > 0 {
			requestID = logging.SanitizeCorrelationID(ids[0])
		}
	}
	// Generate whatever the caller left out
	if correlationID == "" {
		correlationID = logging.GenerateCorrelationID()
	}
	if requestID == "" {
		requestID = logging.GenerateRequestID()
	}
	ctx = logging.CreateContextWithIDs(ctx, correlationID, requestID)
	ctx = context.WithValue(ctx, logging.ServiceKey, "kvdata-grpc")
	// Echo the IDs back as response headers
	grpc.SetHeader(ctx, metadata.New(logging.GRPCCorrelationIDFromContext(ctx)))

	resp, err := handler(ctx, req)

	duration := time.Since(start)

	// Log request completion; NotFound is a normal miss

	if err != nil && status.Code(err) != codes.NotFound {
		s.logger.ErrorContext(ctx, "gRPC request failed",
			"method", info.FullMethod,
			"duration", duration,
			"error", err,
		)
	} else {
		s.logger.DebugContext(ctx, "gRPC request completed",
			"method", info.FullMethod,
			"duration", duration,
		)
	}

	return resp, err
}
