package grpcbridge

import (
	"context"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/billm/baaaht/ipcflow/internal/config"
	"github.com/billm/baaaht/ipcflow/internal/logger"
	"github.com/billm/baaaht/ipcflow/pkg/transport"
	"github.com/billm/baaaht/ipcflow/pkg/types"
)

// isClosedConnError checks if an error indicates a connection is already closed
func isClosedConnError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}

// Server is the host side of the bridge. It implements
// transport.ServerTransport and exposes one Destination per connected worker.
type Server struct {
	mu       sync.RWMutex
	cfg      config.TransportConfig
	listener net.Listener
	server   *grpc.Server
	health   *HealthServer
	handlers map[string]transport.RawHandler
	table    *transport.ListenerTable
	workers  map[string]*Worker
	auth     *authenticator
	logger   *logger.Logger
	started  bool
	closed   bool
	wg       sync.WaitGroup
	stats    ServerStats
}

// ServerStats counts traffic through the bridge.
type ServerStats struct {
	StartTime   time.Time `json:"start_time"`
	IsServing   bool      `json:"is_serving"`
	Invocations int64     `json:"invocations"`
	Deliveries  int64     `json:"deliveries"`
	Pushed      int64     `json:"pushed"`
	Dropped     int64     `json:"dropped"`
	Workers     int       `json:"workers"`
	AuthFailed  int64     `json:"auth_failed"`
}

var (
	_ transport.ServerTransport = (*Server)(nil)
	_ TransportService          = (*Server)(nil)
)

// NewServer creates a bridge server. Call Start to listen.
func NewServer(cfg config.TransportConfig, log *logger.Logger) (*Server, error) {
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}
	if cfg.Network != "unix" && cfg.Network != "tcp" {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "unsupported network: "+cfg.Network)
	}
	if cfg.Address == "" {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "address cannot be empty")
	}
	def := config.DefaultTransportConfig()
	if cfg.MaxMsgSize <= 0 {
		cfg.MaxMsgSize = def.MaxMsgSize
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = def.StreamBuffer
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	log = log.With("component", "grpc_bridge_server", "address", cfg.Address)
	health, err := NewHealthServer(log)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		health:   health,
		handlers: make(map[string]transport.RawHandler),
		table:    transport.NewListenerTable(log),
		workers:  make(map[string]*Worker),
		auth:     newAuthenticator(cfg.AuthToken, log),
		logger:   log,
	}

	s.server = grpc.NewServer(
		grpc.MaxRecvMsgSize(cfg.MaxMsgSize),
		grpc.MaxSendMsgSize(cfg.MaxMsgSize),
		grpc.Creds(insecure.NewCredentials()),
		grpc.ChainUnaryInterceptor(loggingUnaryInterceptor(log), s.auth.unary()),
		grpc.ChainStreamInterceptor(loggingStreamInterceptor(log), s.auth.stream()),
	)
	s.server.RegisterService(&ServiceDesc, s)
	grpc_health_v1.RegisterHealthServer(s.server, health)

	s.logger.Info("gRPC bridge server initialized",
		"network", cfg.Network,
		"max_msg_size", cfg.MaxMsgSize,
		"stream_buffer", cfg.StreamBuffer,
		"auth", cfg.AuthToken != "")
	return s, nil
}

// removeStaleSocket deletes a leftover socket or regular file at path,
// refusing to delete anything else.
func removeStaleSocket(path string) error {
	fi, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return types.WrapError(types.ErrCodeInternal, "failed to stat existing path at socket path", err)
	}
	mode := fi.Mode()
	if mode&os.ModeSocket == 0 && !mode.IsRegular() {
		return types.NewError(types.ErrCodeInternal,
			fmt.Sprintf("existing path at socket path is of unsafe type %v; refusing to remove", mode))
	}
	if err := os.Remove(path); err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to remove existing file at socket path", err)
	}
	return nil
}

// Start listens and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return types.NewError(types.ErrCodeUnavailable, "server is closed")
	}
	if s.started {
		s.mu.Unlock()
		return types.NewError(types.ErrCodeFailedPrecondition, "server already started")
	}
	s.started = true
	s.mu.Unlock()

	if s.cfg.Network == "unix" {
		if err := removeStaleSocket(s.cfg.Address); err != nil {
			s.resetStarted()
			return err
		}
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, s.cfg.Network, s.cfg.Address)
	if err != nil {
		s.resetStarted()
		return types.WrapError(types.ErrCodeUnavailable, "failed to listen", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.stats.StartTime = time.Now()
	s.stats.IsServing = true
	s.mu.Unlock()

	s.logger.Info("gRPC bridge listening", "addr", listener.Addr().String())

	s.wg.Add(1)
	go s.serve(listener)
	return nil
}

func (s *Server) resetStarted() {
	s.mu.Lock()
	s.started = false
	s.mu.Unlock()
}

func (s *Server) serve(listener net.Listener) {
	defer s.wg.Done()
	if err := s.server.Serve(listener); err != nil {
		s.mu.RLock()
		closed := s.closed
		s.mu.RUnlock()
		if !closed {
			s.logger.Error("gRPC bridge server error", "error", err)
		}
	}
}

// Addr returns the listening address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Address
}

// Stop shuts the server down gracefully, forcing it after the shutdown timeout.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return types.NewError(types.ErrCodeFailedPrecondition, "server already closed")
	}
	s.closed = true
	s.stats.IsServing = false
	workers := make([]*Worker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	s.mu.Unlock()

	s.health.Shutdown()
	for _, w := range workers {
		w.closeAll()
	}

	done := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("gRPC bridge stopped gracefully")
	case <-time.After(s.cfg.ShutdownTimeout):
		s.logger.Warn("gRPC bridge shutdown timeout, stopping immediately")
		s.server.Stop()
	}

	s.mu.Lock()
	if s.listener != nil {
		if err := s.listener.Close(); err != nil && !isClosedConnError(err) {
			s.logger.Error("Failed to close listener", "error", err)
		}
	}
	s.mu.Unlock()
	s.wg.Wait()

	if s.cfg.Network == "unix" {
		if err := os.Remove(s.cfg.Address); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("Failed to remove socket file", "path", s.cfg.Address, "error", err)
		}
	}
	return nil
}

// Stats returns a snapshot of the server statistics.
func (s *Server) Stats() ServerStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := s.stats
	stats.Workers = len(s.workers)
	stats.AuthFailed = s.auth.failed.Load()
	return stats
}

// On implements transport.ServerTransport.
func (s *Server) On(channel string, l transport.RawListener) types.ID {
	return s.table.Add(channel, l)
}

// Off implements transport.ServerTransport.
func (s *Server) Off(channel string, id types.ID) {
	s.table.Remove(channel, id)
}

// Handle implements transport.ServerTransport.
func (s *Server) Handle(channel string, h transport.RawHandler) {
	s.mu.Lock()
	s.handlers[channel] = h
	s.mu.Unlock()
}

// RemoveHandler implements transport.ServerTransport.
func (s *Server) RemoveHandler(channel string) {
	s.mu.Lock()
	delete(s.handlers, channel)
	s.mu.Unlock()
}

// Workers returns the connected workers sorted by ID.
func (s *Server) Workers() []*Worker {
	s.mu.RLock()
	out := make([]*Worker, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, w)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Worker returns the connected worker with the given ID.
func (s *Server) Worker(id string) (*Worker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workers[id]
	return w, ok
}

// Destinations is a DestinationResolver over every connected worker.
func (s *Server) Destinations(context.Context) ([]transport.Destination, error) {
	ws := s.Workers()
	out := make([]transport.Destination, len(ws))
	for i, w := range ws {
		out[i] = w
	}
	return out, nil
}

// caller identifies the worker behind an incoming call.
type caller struct {
	worker string
	frame  transport.Frame
	md     map[string]string
}

func callerFrom(ctx context.Context) (caller, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	c := caller{md: make(map[string]string)}
	for k, v := range md {
		if len(v) > 0 && k != authorizationKey {
			c.md[k] = v[0]
		}
	}
	c.worker = c.md[mdWorker]
	if c.worker == "" {
		return c, status.Error(codes.InvalidArgument, "missing "+mdWorker+" metadata")
	}
	if v := c.md[mdFrame]; v != "" {
		id, err := strconv.Atoi(v)
		if err != nil {
			return c, status.Error(codes.InvalidArgument, "invalid "+mdFrame+" metadata")
		}
		c.frame.FrameID = id
	}
	if v := c.md[mdPID]; v != "" {
		pid, err := strconv.Atoi(v)
		if err != nil {
			return c, status.Error(codes.InvalidArgument, "invalid "+mdPID+" metadata")
		}
		c.frame.ProcessID = pid
	}
	return c, nil
}

func (s *Server) event(c caller, ch string) *transport.Event {
	ev := &transport.Event{
		SenderID: c.worker,
		Frame:    c.frame,
		Channel:  ch,
		Metadata: c.md,
	}
	if w, ok := s.Worker(c.worker); ok {
		ev.Sender = w
	}
	return ev
}

// Invoke implements TransportService.
func (s *Server) Invoke(ctx context.Context, req *InvokeRequest) (*InvokeResponse, error) {
	c, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	handler, ok := s.handlers[req.Channel]
	s.stats.Invocations++
	s.mu.Unlock()
	if !ok {
		return nil, status.Errorf(codes.Unimplemented, "no handler registered for '%s'", req.Channel)
	}

	result, err := handler(ctx, s.event(c, req.Channel), transport.Args(req.Args))
	if err != nil {
		return nil, status.Errorf(codes.Aborted, "error invoking remote method '%s': %v", req.Channel, err)
	}
	return &InvokeResponse{Result: result}, nil
}

// Send implements TransportService.
func (s *Server) Send(ctx context.Context, req *SendRequest) (*SendResponse, error) {
	c, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.stats.Deliveries++
	s.mu.Unlock()

	if n := s.table.Emit(s.event(c, req.Channel), transport.Args(req.Args)); n == 0 {
		s.logger.Debug("No listener for channel", "channel", req.Channel, "worker", c.worker)
	}
	return &SendResponse{}, nil
}

// Subscribe implements TransportService. The stream stays open until the
// worker goes away or the server stops.
func (s *Server) Subscribe(_ *SubscribeRequest, stream grpc.ServerStream) error {
	c, err := callerFrom(stream.Context())
	if err != nil {
		return err
	}

	sub, err := s.attach(c)
	if err != nil {
		return err
	}
	defer s.detach(c, sub)

	if err := stream.SendMsg(&Message{}); err != nil {
		return err
	}

	for {
		select {
		case msg, ok := <-sub.ch:
			if !ok {
				return nil
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func (s *Server) attach(c caller) (*subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, status.Error(codes.Unavailable, "server is closed")
	}
	w, ok := s.workers[c.worker]
	if !ok {
		w = newWorker(s, c.worker, c.frame.ProcessID)
		s.workers[c.worker] = w
		s.logger.Info("Worker connected", "worker", c.worker)
	}
	return w.attach(c.frame.FrameID, s.cfg.StreamBuffer)
}

func (s *Server) detach(c caller, sub *subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[c.worker]
	if !ok {
		return
	}
	if w.detach(c.frame.FrameID, sub) == 0 {
		delete(s.workers, c.worker)
		s.logger.Info("Worker disconnected", "worker", c.worker)
	}
}

func (s *Server) countPush(ok bool) {
	s.mu.Lock()
	if ok {
		s.stats.Pushed++
	} else {
		s.stats.Dropped++
	}
	s.mu.Unlock()
}
