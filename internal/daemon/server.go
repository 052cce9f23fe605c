package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/matheus3301/relay/internal/config"
	"github.com/matheus3301/relay/internal/fanout"
	"github.com/matheus3301/relay/internal/gateway"
	"github.com/matheus3301/relay/internal/instance"
	"github.com/matheus3301/relay/internal/registry"
	"github.com/matheus3301/relay/internal/stats"
	"github.com/matheus3301/relay/internal/store"
)

// StatusReport is the body served at /status.
type StatusReport struct {
	Instance    string         `json:"instance"`
	Listen      string         `json:"listen"`
	StartedAt   time.Time      `json:"started_at"`
	OnlineUsers int            `json:"online_users"`
	Connections int            `json:"connections"`
	Sessions    int            `json:"sessions"`
	ChatWorkers int            `json:"chat_workers"`
	Chats       int64          `json:"chats"`
	Messages    int64          `json:"messages"`
	Counters    stats.Snapshot `json:"counters"`
}

// Server owns the client-facing HTTP listener and the admin gRPC socket.
type Server struct {
	instance   string
	httpServer *http.Server
	httpLn     net.Listener
	grpcServer *grpc.Server
	health     *health.Server
	adminLn    net.Listener
	socketPath string
	started    time.Time

	gw        *gateway.Gateway
	reg       *registry.Registry
	fanout    *fanout.Fanout
	db        *store.DB
	collector *stats.Collector
	logger    *zap.Logger
}

// NewServer binds the HTTP listener on the configured address and the admin
// gRPC server on the instance's Unix domain socket.
func NewServer(
	p Params,
	cfg *config.Config,
	logger *zap.Logger,
	gw *gateway.Gateway,
	reg *registry.Registry,
	fo *fanout.Fanout,
	db *store.DB,
	collector *stats.Collector,
) (*Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = instance.SocketPath(p.Instance)
	}

	httpLn, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
	}

	// Clean stale socket if it exists.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}
	adminLn, err := net.Listen("unix", socketPath)
	if err != nil {
		_ = httpLn.Close()
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = httpLn.Close()
		_ = adminLn.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, hs)

	s := &Server{
		instance:   p.Instance,
		httpLn:     httpLn,
		grpcServer: grpcServer,
		health:     hs,
		adminLn:    adminLn,
		socketPath: socketPath,
		gw:         gw,
		reg:        reg,
		fanout:     fo,
		db:         db,
		collector:  collector,
		logger:     logger,
	}

	mux := http.NewServeMux()
	mux.Handle("GET /ws", gw)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("OK"))
	})
	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Addr returns the bound HTTP address.
func (s *Server) Addr() string {
	return s.httpLn.Addr().String()
}

// Start serves HTTP in the background and gRPC until stopped.
func (s *Server) Start() error {
	s.started = time.Now()
	go func() {
		s.logger.Info("http server starting", zap.String("listen", s.Addr()))
		if err := s.httpServer.Serve(s.httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", zap.Error(err))
		}
	}()

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.logger.Info("admin gRPC server starting", zap.String("socket", s.socketPath))
	return s.grpcServer.Serve(s.adminLn)
}

// Stop reports NOT_SERVING, stops accepting clients, closes every session and
// finally removes the admin socket.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("server stopping")
	s.health.Shutdown()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("http shutdown", zap.Error(err))
	}
	if err := s.gw.Shutdown(ctx); err != nil {
		s.logger.Warn("sessions did not close in time", zap.Error(err))
	}
	s.grpcServer.GracefulStop()
	_ = os.Remove(s.socketPath)
}

// Report gathers the live numbers served at /status.
func (s *Server) Report(ctx context.Context) (StatusReport, error) {
	users, conns := s.reg.Counts()
	st, err := s.db.Stats(ctx)
	if err != nil {
		return StatusReport{}, err
	}
	return StatusReport{
		Instance:    s.instance,
		Listen:      s.Addr(),
		StartedAt:   s.started,
		OnlineUsers: users,
		Connections: conns,
		Sessions:    s.gw.Sessions(),
		ChatWorkers: s.fanout.Workers(),
		Chats:       st.Chats,
		Messages:    st.Messages,
		Counters:    s.collector.Snapshot(),
	}, nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	report, err := s.Report(r.Context())
	if err != nil {
		s.logger.Warn("status report failed", zap.Error(err))
		http.Error(w, "status unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(report)
}
