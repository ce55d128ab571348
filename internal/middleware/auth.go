package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

var (
	errMissingAuthorizationHeader = errors.New("missing authorization header")
	errInvalidAuthorizationHeader = errors.New("invalid authorization header")
	errNilValidator               = errors.New("token validator is nil")
)

// TokenValidator validates a bearer token and returns the caller's
// principal.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (string, error)
}

// AuthOption configures optional auth middleware parameters.
type AuthOption func(*authConfig)

type authConfig struct {
	onFailure   func()
	rateLimiter *RateLimiter
}

// WithOnAuthFailure registers a callback invoked on every authentication
// failure (e.g. to increment a Prometheus counter).
func WithOnAuthFailure(fn func()) AuthOption {
	return func(c *authConfig) { c.onFailure = fn }
}

// WithRateLimiter attaches a per-IP rate limiter that throttles repeated
// authentication failures.
func WithRateLimiter(rl *RateLimiter) AuthOption {
	return func(c *authConfig) { c.rateLimiter = rl }
}

func newAuthConfig(opts []AuthOption) authConfig {
	cfg := authConfig{}
	for _, o := range opts {
		o(&cfg)
	}
	return cfg
}

// failed reports whether the caller from ip may keep trying.
func (c authConfig) failed(ip string) bool {
	if c.onFailure != nil {
		c.onFailure()
	}
	if c.rateLimiter == nil || ip == "" {
		return true
	}
	return c.rateLimiter.RecordFailureAndAllow(ip)
}

// HTTPBearerAuthMiddleware enforces bearer-token auth for HTTP handlers.
func HTTPBearerAuthMiddleware(validator TokenValidator, opts ...AuthOption) func(http.Handler) http.Handler {
	cfg := newAuthConfig(opts)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, err := authorizeHTTP(r.Context(), r.Header.Get("Authorization"), validator)
			if err != nil {
				if !cfg.failed(ExtractIP(r.RemoteAddr)) {
					http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
					return
				}
				writeHTTPUnauthorized(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(NewContextWithPrincipal(r.Context(), principal)))
		})
	}
}

// UnaryBearerAuthInterceptor enforces bearer-token auth for unary gRPC requests.
func UnaryBearerAuthInterceptor(validator TokenValidator, opts ...AuthOption) grpc.UnaryServerInterceptor {
	cfg := newAuthConfig(opts)
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		principal, err := authorizeGRPC(ctx, validator)
		if err != nil {
			if !cfg.failed(extractGRPCPeerIP(ctx)) {
				return nil, status.Error(codes.ResourceExhausted, "too many failed auth attempts")
			}
			return nil, status.Error(codes.Unauthenticated, "unauthorized")
		}
		return handler(NewContextWithPrincipal(ctx, principal), req)
	}
}

// StreamBearerAuthInterceptor enforces bearer-token auth for streaming gRPC requests.
func StreamBearerAuthInterceptor(validator TokenValidator, opts ...AuthOption) grpc.StreamServerInterceptor {
	cfg := newAuthConfig(opts)
	return func(srv any, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx := ss.Context()
		principal, err := authorizeGRPC(ctx, validator)
		if err != nil {
			if !cfg.failed(extractGRPCPeerIP(ctx)) {
				return status.Error(codes.ResourceExhausted, "too many failed auth attempts")
			}
			return status.Error(codes.Unauthenticated, "unauthorized")
		}

		return handler(srv, &wrappedServerStream{
			ServerStream: ss,
			ctx:          NewContextWithPrincipal(ctx, principal),
		})
	}
}

type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}

type contextKey string

const principalKey contextKey = "principal"

// PrincipalFromContext retrieves the authenticated principal from the context.
func PrincipalFromContext(ctx context.Context) (string, bool) {
	p, ok := ctx.Value(principalKey).(string)
	return p, ok
}

// NewContextWithPrincipal returns a new context carrying principal.
func NewContextWithPrincipal(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, principalKey, principal)
}

func authorizeHTTP(ctx context.Context, authorizationHeader string, validator TokenValidator) (string, error) {
	if validator == nil {
		return "", errNilValidator
	}
	if strings.TrimSpace(authorizationHeader) == "" {
		return "", errMissingAuthorizationHeader
	}

	token, err := parseBearerToken(authorizationHeader)
	if err != nil {
		return "", err
	}
	return validate(ctx, validator, token)
}

func authorizeGRPC(ctx context.Context, validator TokenValidator) (string, error) {
	if validator == nil {
		return "", errNilValidator
	}

	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", errMissingAuthorizationHeader
	}

	authorizationHeaders := md.Get("authorization")
	if len(authorizationHeaders) == 0 {
		return "", errMissingAuthorizationHeader
	}

	for _, authorizationHeader := range authorizationHeaders {
		token, err := parseBearerToken(authorizationHeader)
		if err != nil {
			continue
		}
		if principal, err := validate(ctx, validator, token); err == nil {
			return principal, nil
		}
	}

	return "", errInvalidAuthorizationHeader
}

func validate(ctx context.Context, validator TokenValidator, token string) (string, error) {
	principal, err := validator.ValidateToken(ctx, token)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(principal) == "" {
		return "", errInvalidAuthorizationHeader
	}
	return principal, nil
}

func parseBearerToken(authorizationHeader string) (string, error) {
	parts := strings.Fields(authorizationHeader)
	if len(parts) != 2 {
		return "", errInvalidAuthorizationHeader
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return "", errInvalidAuthorizationHeader
	}
	if parts[1] == "" {
		return "", errInvalidAuthorizationHeader
	}

	return parts[1], nil
}

func writeHTTPUnauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
}

func extractGRPCPeerIP(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	return ExtractIP(p.Addr.String())
}
