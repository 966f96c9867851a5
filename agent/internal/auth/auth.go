package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// ModeAPIKey enables key checking.
const ModeAPIKey = "apikey"

// Checker validates presented API keys.
type Checker struct {
	header string
	key    string
	on     bool
}

// NewChecker returns a Checker for mode. header is matched case-insensitively.
func NewChecker(mode, header, key string) Checker {
	return Checker{
		header: strings.ToLower(header),
		key:    key,
		on:     mode == ModeAPIKey && key != "",
	}
}

// Enabled reports whether keys are checked at all.
func (c Checker) Enabled() bool { return c.on }

// Valid reports whether presented matches the configured key.
func (c Checker) Valid(presented string) bool {
	if !c.on {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(c.key)) == 1
}

func (c Checker) fromContext(ctx context.Context) error {
	if !c.on {
		return nil
	}
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "missing metadata")
	}
	vals := md.Get(c.header)
	if len(vals) == 0 || !c.Valid(vals[0]) {
		return status.Error(codes.Unauthenticated, "invalid api key")
	}
	return nil
}

// APIKeyInterceptor returns a gRPC UnaryServerInterceptor enforcing c.
// A missing or incorrect key returns codes.Unauthenticated.
func APIKeyInterceptor(c Checker) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if err := c.fromContext(ctx); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// APIKeyStreamInterceptor is the streaming counterpart of APIKeyInterceptor,
// needed for health Watch.
func APIKeyStreamInterceptor(c Checker) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if err := c.fromContext(ss.Context()); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}

// APIKeyMiddleware rejects HTTP requests without the configured key with 401.
func APIKeyMiddleware(c Checker) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !c.on {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !c.Valid(r.Header.Get(c.header)) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"invalid api key"}` + "\n"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
