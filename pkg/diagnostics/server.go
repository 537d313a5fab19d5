package diagnostics

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"

	"github.com/billm/baaaht/ipcflow/internal/config"
	"github.com/billm/baaaht/ipcflow/internal/logger"
	"github.com/billm/baaaht/ipcflow/pkg/types"
)

const readHeaderTimeout = 5 * time.Second

// Server exposes a Service over HTTP.
type Server struct {
	mu       sync.Mutex
	cfg      config.DiagnosticsConfig
	rpc      *rpc.Server
	http     *http.Server
	listener net.Listener
	logger   *logger.Logger
}

// NewServer creates a diagnostics server for svc.
func NewServer(cfg config.DiagnosticsConfig, svc *Service, log *logger.Logger) (*Server, error) {
	if svc == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "service cannot be nil")
	}
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}
	def := config.DefaultDiagnosticsConfig()
	if cfg.Address == "" {
		cfg.Address = def.Address
	}
	if cfg.Path == "" {
		cfg.Path = def.Path
	}

	s := &Server{
		cfg:    cfg,
		rpc:    rpc.NewServer(),
		logger: log.With("component", "diagnostics"),
	}
	s.rpc.RegisterCodec(json2.NewCodec(), "application/json")
	if err := s.rpc.RegisterService(svc, ServiceName); err != nil {
		return nil, types.WrapError(types.ErrCodeInternal, "failed to register diagnostics service", err)
	}
	s.rpc.RegisterAfterFunc(func(info *rpc.RequestInfo) {
		if info.Error != nil {
			s.logger.Debug("Diagnostics call failed", "method", info.Method, "error", info.Error)
		}
	})
	return s, nil
}

// Handler returns the HTTP handler serving the JSON-RPC endpoint at the
// configured path.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.cfg.Path, s.rpc)
	return mux
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.http != nil {
		return types.NewError(types.ErrCodeFailedPrecondition, "diagnostics server already started")
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Address)
	if err != nil {
		return types.WrapError(types.ErrCodeUnavailable, "failed to listen on "+s.cfg.Address, err)
	}
	s.listener = ln
	s.http = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: readHeaderTimeout}

	go func(srv *http.Server) {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Diagnostics server error", "error", err)
		}
	}(s.http)

	s.logger.Info("Diagnostics listening", "addr", ln.Addr().String(), "path", s.cfg.Path)
	return nil
}

// Addr returns the listening address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Address
}

// URL returns the endpoint URL.
func (s *Server) URL() string {
	return "http://" + s.Addr() + s.cfg.Path
}

// Stop shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	s.http = nil
	s.listener = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return types.WrapError(types.ErrCodeInternal, "diagnostics shutdown failed", err)
	}
	return nil
}
