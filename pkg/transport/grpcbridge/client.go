package grpcbridge

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strconv"
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

// HostID is the sender ID of every push received from the host.
const HostID = "host"

// bridgeCall selects the JSON codec. Health checks keep the proto codec.
var bridgeCall = grpc.CallContentSubtype(CodecName)

// Client is the worker side of the bridge. It implements
// transport.ClientTransport, and its embedded Scope is where client APIs
// are exposed.
type Client struct {
	*transport.Scope

	mu      sync.RWMutex
	cfg     config.TransportConfig
	pid     int
	conn    *grpc.ClientConn
	table   *transport.ListenerTable
	logger  *logger.Logger
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closed  bool
	stats   ClientStats
	onClose []func()
}

// ClientStats represents client statistics
type ClientStats struct {
	ConnectTime time.Time `json:"connect_time"`
	IsConnected bool      `json:"is_connected"`
	TotalRPCs   int64     `json:"total_rpcs"`
	FailedRPCs  int64     `json:"failed_rpcs"`
	Received    int64     `json:"received"`
}

var (
	_ transport.ClientTransport = (*Client)(nil)
	_ transport.Exposer         = (*Client)(nil)
	_ transport.Globals         = (*Client)(nil)
)

// NewClient creates a worker client. Call Dial to connect.
func NewClient(cfg config.TransportConfig, log *logger.Logger) (*Client, error) {
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
	if cfg.WorkerID == "" {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "worker ID cannot be empty")
	}
	def := config.DefaultTransportConfig()
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.MaxMsgSize <= 0 {
		cfg.MaxMsgSize = def.MaxMsgSize
	}

	log = log.With("component", "grpc_bridge_client", "worker", cfg.WorkerID, "frame", cfg.FrameID)
	return &Client{
		Scope:  transport.NewScope(),
		cfg:    cfg,
		pid:    os.Getpid(),
		table:  transport.NewListenerTable(log),
		logger: log,
	}, nil
}

func (c *Client) dialOptions() []grpc.DialOption {
	network := c.cfg.Network
	dialer := func(ctx context.Context, addr string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, network, addr)
	}
	opts := []grpc.DialOption{
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(c.cfg.MaxMsgSize),
			grpc.MaxCallSendMsgSize(c.cfg.MaxMsgSize),
		),
	}
	if c.cfg.AuthToken != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(bearerCredentials(c.cfg.AuthToken)))
	}
	return opts
}

// Dial connects to the host, waits until it reports healthy and opens the
// push stream of this client's frame.
func (c *Client) Dial(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return types.NewError(types.ErrCodeUnavailable, "client is closed")
	}
	if c.conn != nil {
		c.mu.Unlock()
		return types.NewError(types.ErrCodeFailedPrecondition, "already connected")
	}
	c.mu.Unlock()

	c.logger.Info("Dialing host", "network", c.cfg.Network, "address", c.cfg.Address)

	conn, err := grpc.NewClient("passthrough:///"+c.cfg.Address, c.dialOptions()...)
	if err != nil {
		return types.WrapError(types.ErrCodeUnavailable, "failed to create gRPC client", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	resp, err := grpc_health_v1.NewHealthClient(conn).Check(dialCtx,
		&grpc_health_v1.HealthCheckRequest{Service: ServiceName},
		grpc.WaitForReady(true))
	if err != nil {
		_ = conn.Close()
		return types.WrapError(types.ErrCodeUnavailable, "host health check failed", err)
	}
	if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
		_ = conn.Close()
		return types.NewError(types.ErrCodeUnavailable, "host is not serving: "+resp.GetStatus().String())
	}

	streamCtx, streamCancel := context.WithCancel(context.Background())
	stream, err := c.subscribe(dialCtx, c.outgoing(streamCtx), conn)
	if err != nil {
		streamCancel()
		_ = conn.Close()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.cancel = streamCancel
	c.stats.ConnectTime = time.Now()
	c.stats.IsConnected = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.receive(stream)

	c.logger.Info("Connected to host", "address", c.cfg.Address)
	return nil
}

// subscribe opens the push stream and waits for its acknowledgement, so
// that pushes sent after Dial returns are never missed.
func (c *Client) subscribe(dialCtx, streamCtx context.Context, conn *grpc.ClientConn) (grpc.ClientStream, error) {
	desc := &ServiceDesc.Streams[0]
	stream, err := conn.NewStream(streamCtx, desc, methodSubscribe, bridgeCall)
	if err != nil {
		return nil, fromStatus(err, "subscribe")
	}
	if err := stream.SendMsg(&SubscribeRequest{}); err != nil {
		return nil, fromStatus(err, "subscribe")
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fromStatus(err, "subscribe")
	}

	ack := make(chan error, 1)
	go func() {
		var m Message
		ack <- stream.RecvMsg(&m)
	}()
	select {
	case err := <-ack:
		if err != nil {
			return nil, fromStatus(err, "subscribe")
		}
		return stream, nil
	case <-dialCtx.Done():
		return nil, types.WrapError(types.ErrCodeTimeout, "subscription was not acknowledged", dialCtx.Err())
	}
}

func (c *Client) receive(stream grpc.ClientStream) {
	defer c.wg.Done()
	frame := transport.Frame{ProcessID: c.pid, FrameID: c.cfg.FrameID}
	for {
		var msg Message
		if err := stream.RecvMsg(&msg); err != nil {
			if !errors.Is(err, io.EOF) && status.Code(err) != codes.Canceled {
				c.logger.Warn("Push stream ended", "error", err)
			}
			c.markDisconnected()
			return
		}
		c.mu.Lock()
		c.stats.Received++
		c.mu.Unlock()

		ev := &transport.Event{SenderID: HostID, Frame: frame, Channel: msg.Channel}
		c.table.Emit(ev, transport.Args(msg.Args))
	}
}

func (c *Client) markDisconnected() {
	c.mu.Lock()
	c.stats.IsConnected = false
	hooks := c.onClose
	c.onClose = nil
	c.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

// OnDisconnect registers fn to run once when the push stream ends.
func (c *Client) OnDisconnect(fn func()) {
	c.mu.Lock()
	c.onClose = append(c.onClose, fn)
	c.mu.Unlock()
}

func (c *Client) outgoing(ctx context.Context) context.Context {
	return metadata.AppendToOutgoingContext(ctx,
		mdWorker, c.cfg.WorkerID,
		mdFrame, strconv.Itoa(c.cfg.FrameID),
		mdPID, strconv.Itoa(c.pid))
}

func (c *Client) connection() (*grpc.ClientConn, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, types.NewError(types.ErrCodeUnavailable, "client is closed")
	}
	if c.conn == nil {
		return nil, types.NewError(types.ErrCodeUnavailable, "client not connected")
	}
	return c.conn, nil
}

func (c *Client) countRPC(err error) {
	c.mu.Lock()
	c.stats.TotalRPCs++
	if err != nil {
		c.stats.FailedRPCs++
	}
	c.mu.Unlock()
}

// Send implements transport.ClientTransport.
func (c *Client) Send(channel string, args ...any) error {
	conn, err := c.connection()
	if err != nil {
		return err
	}
	cloned, err := transport.CloneArgs(args)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(c.outgoing(context.Background()), c.cfg.DialTimeout)
	defer cancel()

	err = conn.Invoke(ctx, methodSend, &SendRequest{Channel: channel, Args: cloned}, new(SendResponse), bridgeCall)
	c.countRPC(err)
	if err != nil {
		return fromStatus(err, channel)
	}
	return nil
}

// Invoke implements transport.ClientTransport.
func (c *Client) Invoke(ctx context.Context, channel string, args ...any) (any, error) {
	conn, err := c.connection()
	if err != nil {
		return nil, err
	}
	cloned, err := transport.CloneArgs(args)
	if err != nil {
		return nil, err
	}
	resp := new(InvokeResponse)
	err = conn.Invoke(c.outgoing(ctx), methodInvoke, &InvokeRequest{Channel: channel, Args: cloned}, resp, bridgeCall)
	c.countRPC(err)
	if err != nil {
		return nil, fromStatus(err, channel)
	}
	return resp.Result, nil
}

// On implements transport.ClientTransport.
func (c *Client) On(channel string, l transport.RawListener) types.ID {
	return c.table.Add(channel, l)
}

// Off implements transport.ClientTransport.
func (c *Client) Off(channel string, id types.ID) {
	c.table.Remove(channel, id)
}

// ListenerCount returns the number of raw listeners on channel.
func (c *Client) ListenerCount(channel string) int {
	return c.table.Count(channel)
}

// Stats returns the current client statistics
func (c *Client) Stats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

// IsConnected reports whether the push stream is alive.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats.IsConnected && !c.closed
}

// Close closes the push stream and the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return types.NewError(types.ErrCodeFailedPrecondition, "client already closed")
	}
	c.closed = true
	cancel := c.cancel
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()

	if conn != nil {
		if err := conn.Close(); err != nil {
			return types.WrapError(types.ErrCodeInternal, "failed to close connection", err)
		}
	}
	c.logger.Info("gRPC bridge client closed")
	return nil
}

// fromStatus maps a gRPC status to a typed error.
func fromStatus(err error, channel string) error {
	st, ok := status.FromError(err)
	if !ok {
		return types.WrapError(types.ErrCodeInternal, "bridge call failed: "+channel, err)
	}
	code := types.ErrCodeInternal
	switch st.Code() {
	case codes.Unimplemented, codes.NotFound:
		code = types.ErrCodeNotFound
	case codes.Aborted:
		code = types.ErrCodeHandlerFailed
	case codes.Unavailable:
		code = types.ErrCodeUnavailable
	case codes.Unauthenticated, codes.PermissionDenied:
		code = types.ErrCodePermissionDenied
	case codes.InvalidArgument:
		code = types.ErrCodeInvalidArgument
	case codes.Canceled:
		code = types.ErrCodeCanceled
	case codes.DeadlineExceeded:
		code = types.ErrCodeTimeout
	}
	return types.NewError(code, st.Message())
}
