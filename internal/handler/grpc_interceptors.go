package handler

import (
	"context"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/pesio-ai/be-loan-approvals/pkg/logger"
)

// UnaryLogging logs every unary call and carries the caller's request id from
// incoming metadata into the handler context.
func UnaryLogging(log *logger.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if ids := md.Get(strings.ToLower(RequestIDHeader)); len(ids) > 0 && ids[0] != "" {
				ctx = context.WithValue(ctx, requestIDKey{}, ids[0])
			}
		}

		start := time.Now()
		resp, err := next(ctx, req)

		ev := log.Debug()
		if err != nil {
			ev = log.Warn().Err(err)
		}
		ev.Str("method", info.FullMethod).
			Str("code", status.Code(err).String()).
			Str("request_id", RequestIDFrom(ctx)).
			Dur("duration", time.Since(start)).
			Msg("gRPC request")
		return resp, err
	}
}
