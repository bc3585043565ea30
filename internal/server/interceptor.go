package server

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// RequestIDHeader carries the request id in both directions. A client may
// supply one; otherwise the server generates it.
const RequestIDHeader = "x-request-id"

type requestIDKey struct{}

// RequestID returns the id LoggingInterceptor attached to ctx, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// LoggingInterceptor tags every unary call with a request id and logs its
// method, status code and duration.
func LoggingInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		requestID := incomingRequestID(ctx)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx = context.WithValue(ctx, requestIDKey{}, requestID)
		_ = grpc.SetHeader(ctx, metadata.Pairs(RequestIDHeader, requestID))

		started := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)
		elapsed := time.Since(started).Round(time.Microsecond)

		switch code {
		case codes.OK:
			log.Printf("INFO rpc: method=%s code=%s elapsed=%s request_id=%s", info.FullMethod, code, elapsed, requestID)
		case codes.Internal, codes.Unknown, codes.DataLoss:
			log.Printf("ERROR rpc: method=%s code=%s elapsed=%s request_id=%s err=%q", info.FullMethod, code, elapsed, requestID, status.Convert(err).Message())
		default:
			log.Printf("WARN rpc: method=%s code=%s elapsed=%s request_id=%s err=%q", info.FullMethod, code, elapsed, requestID, status.Convert(err).Message())
		}
		return resp, err
	}
}

func incomingRequestID(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	for _, v := range md.Get(RequestIDHeader) {
		if v = strings.TrimSpace(v); v != "" && len(v) <= 128 {
			return v
		}
	}
	return ""
}
