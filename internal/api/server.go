// Package api hosts the stratflow listeners: the REST and event-stream
// handler over HTTP, and the workflow service over gRPC.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"stratflow/internal/config"
)

// Server is the main API server that hosts HTTP and gRPC endpoints.
type Server struct {
	httpAddr string
	grpcAddr string
	log      *slog.Logger

	http *http.Server
	grpc *grpc.Server

	hooks []func()
}

// NewServer creates a Server listening on the addresses in cfg. A zero
// gRPC port disables the gRPC listener.
func NewServer(cfg *config.Config, handler http.Handler, workflow *WorkflowService, log *slog.Logger) *Server {
	s := &Server{
		httpAddr: fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		log:      log,
		http: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	if cfg.Server.GRPCPort > 0 && workflow != nil {
		s.grpcAddr = fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.GRPCPort)
		s.grpc = grpc.NewServer()
		workflow.RegisterGRPC(s.grpc)
	}
	return s
}

// OnShutdown registers fn to run when shutdown begins, before in-flight
// requests and streams are drained. Closing sessions here ends their
// event streams.
func (s *Server) OnShutdown(fn func()) {
	s.hooks = append(s.hooks, fn)
}

// ListenAndServe starts the HTTP and gRPC listeners and blocks until the
// context is cancelled or a listener fails. It shuts both down before
// returning.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpLis, err := net.Listen("tcp", s.httpAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.httpAddr, err)
	}
	var grpcLis net.Listener
	if s.grpc != nil {
		grpcLis, err = net.Listen("tcp", s.grpcAddr)
		if err != nil {
			httpLis.Close()
			return fmt.Errorf("listening on %s: %w", s.grpcAddr, err)
		}
	}
	return s.Serve(ctx, httpLis, grpcLis)
}

// Serve is ListenAndServe on existing listeners. grpcLis may be nil.
func (s *Server) Serve(ctx context.Context, httpLis, grpcLis net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.log.Info("http server listening", "addr", httpLis.Addr().String())
		if err := s.http.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if s.grpc != nil && grpcLis != nil {
		g.Go(func() error {
			s.log.Info("grpc server listening", "addr", grpcLis.Addr().String())
			if err := s.grpc.Serve(grpcLis); err != nil {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Shutdown performs a graceful shutdown of the HTTP and gRPC servers.
// Streaming connections are cut when ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	for _, fn := range s.hooks {
		fn()
	}
	if s.grpc != nil {
		done := make(chan struct{})
		go func() {
			s.grpc.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			s.grpc.Stop()
		}
	}
	err := s.http.Shutdown(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		s.log.Warn("http shutdown timed out; closing connections")
		return s.http.Close()
	}
	return err
}
