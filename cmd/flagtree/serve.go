package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"tailscale.com/tsnet"

	"github.com/matt-riley/flagtree/flags"
	"github.com/matt-riley/flagtree/internal/catalog"
	"github.com/matt-riley/flagtree/internal/config"
	"github.com/matt-riley/flagtree/internal/logging"
	"github.com/matt-riley/flagtree/internal/metrics"
	"github.com/matt-riley/flagtree/internal/middleware"
	"github.com/matt-riley/flagtree/internal/repository"
	"github.com/matt-riley/flagtree/internal/scope"
	"github.com/matt-riley/flagtree/internal/server"
	"github.com/matt-riley/flagtree/internal/tracing"
)

const (
	shutdownTimeout       = 10 * time.Second
	httpReadHeaderTimeout = 5 * time.Second
	httpReadTimeout       = 30 * time.Second
	httpIdleTimeout       = 2 * time.Minute
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and gRPC servers",
		Long: `Run the HTTP (HTTP_ADDR, default :8080) and gRPC (GRPC_ADDR, default :9090)
servers until SIGINT or SIGTERM.

With DATABASE_URL set, overrides are stored in Postgres and kept in sync
across instances through LISTEN/NOTIFY. Run "flagtree migrate" first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

// serve runs the servers until ctx is done.
//
// The bootstrap sequence is:
//  1. Set up logging and tracing.
//  2. Register the flag catalog and connect to PostgreSQL if configured.
//  3. Create the scope service (replaying stored overrides).
//  4. Start the HTTP, gRPC and optional tailnet servers.
//  5. Wait for ctx, then gracefully shut everything down.
func serve(ctx context.Context, cfg config.Config) error {
	log := logging.New(cfg.LogLevel)
	slog.SetDefault(log)

	shutdownTracer, err := tracing.Init(ctx, version)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("tracer shutdown error", "err", err)
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m := metrics.New()
	reg := flags.NewRegistry()
	catalog.Register(reg)
	m.SetRecognizedFlags(len(reg.RecognizedFlags()))

	opts := []scope.Option{
		scope.WithLogger(log),
		scope.WithResyncInterval(cfg.ResyncInterval),
		scope.WithHooks(scope.Hooks{
			OnReload:       m.IncOverrideReloads,
			OnInvalidation: m.IncInvalidations,
			OnScopes:       m.SetScopes,
			OnParseFailure: m.RecordParseFailure,
		}),
	}
	if cfg.Persistent() {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pool.Close()

		metrics.RegisterPoolMetrics(m.Registry, pool)
		opts = append(opts, scope.WithRepository(repository.NewPostgresRepositoryWithChannel(pool, cfg.NotifyChannel)))
	} else {
		log.Warn("DATABASE_URL is not set; overrides are kept in memory only")
	}

	svc, err := scope.New(ctx, reg, opts...)
	if err != nil {
		return fmt.Errorf("init scope service: %w", err)
	}
	go recordUpdates(ctx, svc, m)

	validator, err := newTokenValidator(cfg)
	if err != nil {
		return err
	}

	var authOpts []middleware.AuthOption
	if validator != nil {
		rl := middleware.NewRateLimiter(ctx, cfg.AuthRateLimit)
		defer rl.Stop()
		m.RegisterAuthLimiter(rl.Tracked)
		authOpts = append(authOpts,
			middleware.WithOnAuthFailure(m.AuthFailuresTotal.Inc),
			middleware.WithRateLimiter(rl),
		)
	}

	apiHandler := server.NewHTTPHandler(svc,
		server.WithRecorder(m),
		server.WithMetricsHandler(m.Handler()),
		server.WithMaxJSONBodySize(cfg.MaxJSONBodySize),
		server.WithHTTPLogger(log),
	)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(middleware.HTTPRequestLogging(log)(newHTTPHandler(apiHandler, validator, authOpts...)), "flagtree-http"),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		IdleTimeout:       httpIdleTimeout,
	}

	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(unaryInterceptors(log, m, validator, authOpts)...),
		grpc.ChainStreamInterceptor(streamInterceptors(log, m, validator, authOpts)...),
	)
	server.RegisterFlagServiceServer(grpcServer, server.NewGRPCServer(svc, m))
	healthServer := health.NewServer()
	healthServer.SetServingStatus(server.FlagServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	var tsServer *tsnet.Server
	if cfg.AdminHostname != "" {
		tsServer, err = serveTailnet(ctx, cfg, log, apiHandler)
		if err != nil {
			return err
		}
		defer tsServer.Close()
	}

	httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen HTTP %s: %w", cfg.HTTPAddr, err)
	}
	defer httpListener.Close()

	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen gRPC %s: %w", cfg.GRPCAddr, err)
	}
	defer grpcListener.Close()

	serveErrCh := make(chan error, 2)
	go func() {
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- fmt.Errorf("serve HTTP: %w", err)
		}
	}()
	go func() {
		if err := grpcServer.Serve(grpcListener); err != nil {
			serveErrCh <- fmt.Errorf("serve gRPC: %w", err)
		}
	}()

	log.Info("server started",
		"http_addr", cfg.HTTPAddr,
		"grpc_addr", cfg.GRPCAddr,
		"persistent", cfg.Persistent(),
		"auth", validator != nil,
	)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-serveErrCh:
	}
	cancel()

	log.Info("server shutting down")
	healthServer.Shutdown()

	httpShutdownCtx, cancelHTTP := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelHTTP()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		if serveErr != nil {
			return serveErr
		}
		return fmt.Errorf("shutdown HTTP: %w", err)
	}

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(shutdownTimeout):
		grpcServer.Stop()
	}

	return serveErr
}

// serveTailnet exposes a read-only copy of the HTTP API on the tailnet
// until ctx is done.
func serveTailnet(ctx context.Context, cfg config.Config, log *slog.Logger, apiHandler http.Handler) (*tsnet.Server, error) {
	if err := os.MkdirAll(cfg.TSStateDir, 0o700); err != nil {
		return nil, fmt.Errorf("create ts-state dir: %w", err)
	}

	tsServer := &tsnet.Server{
		Hostname: cfg.AdminHostname,
		AuthKey:  cfg.TSAuthKey,
		Dir:      cfg.TSStateDir,
		Logf:     func(format string, args ...any) { log.Debug(fmt.Sprintf(format, args...), "component", "tailscale") },
	}

	lis, err := tsServer.Listen("tcp", ":80")
	if err != nil {
		tsServer.Close()
		return nil, fmt.Errorf("listen tailnet: %w", err)
	}
	log.Info("tailnet listener started", "hostname", cfg.AdminHostname)

	adminServer := &http.Server{
		Handler:           readOnly(apiHandler),
		ReadHeaderTimeout: httpReadHeaderTimeout,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := adminServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("tailnet server shutdown error", "error", err)
		}
	}()
	go func() {
		if err := adminServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("tailnet server error", "error", err)
		}
	}()

	return tsServer, nil
}

func unaryInterceptors(log *slog.Logger, m *metrics.Metrics, validator middleware.TokenValidator, authOpts []middleware.AuthOption) []grpc.UnaryServerInterceptor {
	interceptors := []grpc.UnaryServerInterceptor{middleware.UnaryRequestLoggingInterceptor(log)}
	if validator != nil {
		interceptors = append(interceptors, middleware.UnaryBearerAuthInterceptor(validator, authOpts...))
	}
	return append(interceptors, m.UnaryServerInterceptor())
}

func streamInterceptors(log *slog.Logger, m *metrics.Metrics, validator middleware.TokenValidator, authOpts []middleware.AuthOption) []grpc.StreamServerInterceptor {
	interceptors := []grpc.StreamServerInterceptor{middleware.StreamRequestLoggingInterceptor(log)}
	if validator != nil {
		interceptors = append(interceptors, middleware.StreamBearerAuthInterceptor(validator, authOpts...))
	}
	return append(interceptors, m.StreamServerInterceptor())
}

type updateRecorder interface {
	RecordUpdate(flag, update string)
}

// recordUpdates counts every update notification until ctx is done.
func recordUpdates(ctx context.Context, svc *scope.Service, rec updateRecorder) {
	for event := range svc.Watch(ctx) {
		rec.RecordUpdate(event.Flag.Name(), event.Update.String())
	}
}
