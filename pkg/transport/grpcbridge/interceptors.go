package grpcbridge

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/billm/baaaht/ipcflow/internal/logger"
	"github.com/billm/baaaht/ipcflow/pkg/types"
)

const (
	// authorizationKey is the metadata key for authorization tokens
	authorizationKey = "authorization"
	// bearerPrefix is the prefix for bearer tokens
	bearerPrefix = "Bearer "
)

// loggingUnaryInterceptor logs unary RPC calls
func loggingUnaryInterceptor(log *logger.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		log.DebugCtx(ctx, "RPC started", "method", info.FullMethod, "request_type", fmt.Sprintf("%T", req))

		resp, err := handler(ctx, req)

		duration := time.Since(start)
		if err != nil {
			st, _ := status.FromError(err)
			log.Error("RPC failed",
				"method", info.FullMethod,
				"code", st.Code().String(),
				"message", st.Message(),
				"duration_ms", duration.Milliseconds())
		} else {
			log.DebugCtx(ctx, "RPC completed", "method", info.FullMethod, "duration_ms", duration.Milliseconds())
		}
		return resp, err
	}
}

// loggingStreamInterceptor logs streaming RPC calls
func loggingStreamInterceptor(log *logger.Logger) grpc.StreamServerInterceptor {
	return func(srv any, stream grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		log.Debug("Stream started", "method", info.FullMethod)

		err := handler(srv, stream)

		duration := time.Since(start)
		if err != nil {
			st, _ := status.FromError(err)
			log.Error("Stream failed",
				"method", info.FullMethod,
				"code", st.Code().String(),
				"message", st.Message(),
				"duration_ms", duration.Milliseconds())
		} else {
			log.Debug("Stream completed", "method", info.FullMethod, "duration_ms", duration.Milliseconds())
		}
		return err
	}
}

// authenticator checks the bearer token of incoming calls. An empty token
// disables authentication.
type authenticator struct {
	token   string
	logger  *logger.Logger
	success atomic.Int64
	failed  atomic.Int64
}

func newAuthenticator(token string, log *logger.Logger) *authenticator {
	return &authenticator{token: token, logger: log.With("component", "grpc_auth_interceptor")}
}

func (a *authenticator) check(ctx context.Context, method string) error {
	if a.token == "" {
		return nil
	}
	token, err := extractToken(ctx)
	if err == nil && subtle.ConstantTimeCompare([]byte(token), []byte(a.token)) != 1 {
		err = types.NewError(types.ErrCodePermissionDenied, "invalid authentication token")
	}
	if err != nil {
		a.failed.Add(1)
		a.logger.Warn("Authentication failed", "method", method, "error", err.Error())
		return status.Error(codes.Unauthenticated, err.Error())
	}
	a.success.Add(1)
	return nil
}

func (a *authenticator) unary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if err := a.check(ctx, info.FullMethod); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

func (a *authenticator) stream() grpc.StreamServerInterceptor {
	return func(srv any, stream grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if err := a.check(stream.Context(), info.FullMethod); err != nil {
			return err
		}
		return handler(srv, stream)
	}
}

// extractToken extracts the bearer token from the context metadata
func extractToken(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", types.NewError(types.ErrCodePermissionDenied, "no metadata provided")
	}
	values := md.Get(authorizationKey)
	if len(values) == 0 {
		return "", types.NewError(types.ErrCodePermissionDenied, "no authorization token provided")
	}
	if !strings.HasPrefix(values[0], bearerPrefix) {
		return "", types.NewError(types.ErrCodePermissionDenied, fmt.Sprintf("authorization token must start with %q", bearerPrefix))
	}
	token := strings.TrimPrefix(values[0], bearerPrefix)
	if token == "" {
		return "", types.NewError(types.ErrCodePermissionDenied, "empty authorization token")
	}
	return token, nil
}

// bearerCredentials attaches the token to every outgoing call.
type bearerCredentials string

func (b bearerCredentials) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{authorizationKey: bearerPrefix + string(b)}, nil
}

// RequireTransportSecurity is false: the bridge runs on local sockets.
func (bearerCredentials) RequireTransportSecurity() bool {
	return false
}
