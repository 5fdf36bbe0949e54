package server

import (
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// The streaming service is registered by hand with a passthrough codec:
// frames are JSON documents, the same shapes the HTTP surface speaks. This
// keeps the wire contract in one place without a generated stub layer for a
// single server-streaming method.

// rawFrame is one JSON payload carried over gRPC.
type rawFrame []byte

// rawCodec moves frames through the transport untouched.
type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	f, ok := v.(*rawFrame)
	if !ok {
		return nil, fmt.Errorf("raw codec: unsupported message type %T", v)
	}
	return *f, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*rawFrame)
	if !ok {
		return fmt.Errorf("raw codec: unsupported message type %T", v)
	}
	*f = append((*f)[:0], data...)
	return nil
}

func (rawCodec) Name() string { return "courier-json" }

// subscribeRequest is the first (and only) client frame on Subscribe.
type subscribeRequest struct {
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`
	// After replays durable updates created after this time before the
	// live stream begins.
	After time.Time `json:"after,omitempty"`
}

const updateStreamSubscribe = "/courier.v1.UpdateStream/Subscribe"

var updateStreamServiceDesc = grpc.ServiceDesc{
	ServiceName: "courier.v1.UpdateStream",
	HandlerType: (*updateStreamService)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "Subscribe",
		Handler:       updateStreamSubscribeHandler,
		ServerStreams: true,
	}},
}

type updateStreamService interface {
	Subscribe(req *rawFrame, stream grpc.ServerStream) error
}

func updateStreamSubscribeHandler(srv any, stream grpc.ServerStream) error {
	req := new(rawFrame)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(updateStreamService).Subscribe(req, stream)
}

// Subscribe implements courier.v1.UpdateStream/Subscribe: an optional
// catch-up read followed by the live per-connection update stream.
func (s *Server) Subscribe(req *rawFrame, stream grpc.ServerStream) error {
	var sub subscribeRequest
	if err := json.Unmarshal(*req, &sub); err != nil {
		return status.Error(codes.InvalidArgument, "invalid subscribe frame")
	}
	if sub.TenantID == "" || sub.UserID == "" {
		return status.Error(codes.InvalidArgument, "tenant_id and user_id are required")
	}

	conn, err := s.registry.Subscribe(sub.TenantID, sub.UserID)
	if err != nil {
		return status.Error(codes.Unavailable, "subscription unavailable")
	}
	defer s.registry.Unsubscribe(conn.ID)

	ctx := stream.Context()
	if !sub.After.IsZero() {
		missed, err := s.store.ListUserUpdates(ctx, sub.TenantID, sub.UserID, sub.After, 0)
		if err != nil {
			return status.Errorf(codes.Internal, "catch-up read failed: %v", err)
		}
		for _, u := range missed {
			if err := sendUpdateFrame(stream, u); err != nil {
				return err
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, open := <-conn.Updates():
			if !open {
				return status.Error(codes.Unavailable, "subscription closed")
			}
			if err := sendUpdateFrame(stream, u); err != nil {
				return err
			}
			conn.Touch()
		}
	}
}

func sendUpdateFrame(stream grpc.ServerStream, u any) error {
	data, err := json.Marshal(u)
	if err != nil {
		return status.Errorf(codes.Internal, "encode update: %v", err)
	}
	frame := rawFrame(data)
	return stream.SendMsg(&frame)
}

// NewGRPCServer creates a gRPC server with standard interceptors and the
// update stream service registered.
func NewGRPCServer(s *Server, authToken string) *grpc.Server {
	srv := grpc.NewServer(
		grpc.ForceServerCodec(rawCodec{}),
		grpc.ChainStreamInterceptor(
			StreamRecoveryInterceptor,
			StreamLoggingInterceptor,
			StreamAuthInterceptor(authToken),
		),
	)
	srv.RegisterService(&updateStreamServiceDesc, s)
	return srv
}
