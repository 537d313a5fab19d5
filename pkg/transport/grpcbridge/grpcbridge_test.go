package grpcbridge

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/billm/baaaht/ipcflow/internal/config"
	"github.com/billm/baaaht/ipcflow/internal/logger"
	"github.com/billm/baaaht/ipcflow/pkg/flow"
	"github.com/billm/baaaht/ipcflow/pkg/transport"
	"github.com/billm/baaaht/ipcflow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 5 * time.Second

// socketConfig returns a transport config on a short unix socket path.
func socketConfig(t *testing.T) config.TransportConfig {
	t.Helper()
	dir, err := os.MkdirTemp("", "ipcflow")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	cfg := config.DefaultTransportConfig()
	cfg.Address = filepath.Join(dir, "bridge.sock")
	cfg.WorkerID = "w1"
	cfg.DialTimeout = waitTimeout
	cfg.ShutdownTimeout = time.Second
	return cfg
}

func startServer(t *testing.T, cfg config.TransportConfig) *Server {
	t.Helper()
	srv, err := NewServer(cfg, logger.Discard())
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { _ = srv.Stop() })
	return srv
}

func dialClient(t *testing.T, cfg config.TransportConfig) *Client {
	t.Helper()
	c, err := NewClient(cfg, logger.Discard())
	require.NoError(t, err)
	require.NoError(t, c.Dial(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestInvokeAndSend(t *testing.T) {
	cfg := socketConfig(t)
	srv := startServer(t, cfg)

	srv.Handle("echo", func(ctx context.Context, ev *transport.Event, args transport.Args) (any, error) {
		s, err := args.String(0)
		if err != nil {
			return nil, err
		}
		return s + "!", nil
	})

	got := make(chan *transport.Event, 1)
	srv.On("note", func(ev *transport.Event, args transport.Args) {
		got <- ev
	})

	c := dialClient(t, cfg)

	v, err := c.Invoke(context.Background(), "echo", "hi")
	require.NoError(t, err)
	assert.Equal(t, "hi!", v)

	require.NoError(t, c.Send("note", 1))
	select {
	case ev := <-got:
		assert.Equal(t, "w1", ev.SenderID)
		assert.Equal(t, "note", ev.Channel)
		assert.Equal(t, os.Getpid(), ev.Frame.ProcessID)
		assert.NotNil(t, ev.Sender)
	case <-time.After(waitTimeout):
		t.Fatal("event not delivered")
	}

	stats := c.Stats()
	assert.True(t, stats.IsConnected)
	assert.Equal(t, int64(2), stats.TotalRPCs)
}

func TestInvokeErrors(t *testing.T) {
	cfg := socketConfig(t)
	srv := startServer(t, cfg)
	srv.Handle("fail", func(ctx context.Context, ev *transport.Event, args transport.Args) (any, error) {
		return nil, errors.New("boom")
	})
	c := dialClient(t, cfg)

	_, err := c.Invoke(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, types.IsErrCode(err, types.ErrCodeNotFound))
	assert.Contains(t, err.Error(), "no handler registered for 'missing'")

	_, err = c.Invoke(context.Background(), "fail")
	require.Error(t, err)
	assert.True(t, types.IsErrCode(err, types.ErrCodeHandlerFailed))

	_, err = c.Invoke(context.Background(), "fail", func() {})
	require.Error(t, err)
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))
}

func TestPushToWorkerFrame(t *testing.T) {
	cfg := socketConfig(t)
	srv := startServer(t, cfg)
	c := dialClient(t, cfg)

	got := make(chan transport.Args, 2)
	c.On("push", func(ev *transport.Event, args transport.Args) {
		assert.Equal(t, HostID, ev.SenderID)
		got <- args
	})

	w, ok := srv.Worker("w1")
	require.True(t, ok)
	assert.Equal(t, []int{0}, w.Frames())

	require.NoError(t, w.Send("push", 1, "a"))
	require.NoError(t, w.SendToFrame(transport.FrameOf(0), "push", 2))

	for _, want := range []transport.Args{{float64(1), "a"}, {float64(2)}} {
		select {
		case args := <-got:
			assert.Equal(t, want, args)
		case <-time.After(waitTimeout):
			t.Fatal("push not delivered")
		}
	}

	err := w.SendToFrame(transport.FrameOf(7), "push")
	assert.True(t, types.IsErrCode(err, types.ErrCodeNotFound))

	err = w.SendToFrame(transport.Frame{ProcessID: os.Getpid() + 1, FrameID: 0}, "push")
	assert.True(t, types.IsErrCode(err, types.ErrCodeNotFound))

	dests, err := srv.Destinations(context.Background())
	require.NoError(t, err)
	require.Len(t, dests, 1)
	assert.Equal(t, "w1", dests[0].ID())
}

func TestPushDuringFrameChurn(t *testing.T) {
	srv, err := NewServer(socketConfig(t), logger.Discard())
	require.NoError(t, err)

	first := caller{worker: "w1", frame: transport.FrameOf(1)}
	_, err = srv.attach(first)
	require.NoError(t, err)
	w, ok := srv.Worker("w1")
	require.True(t, ok)

	const rounds = 2000
	done := make(chan struct{}, 2)
	go func() {
		for i := 0; i < rounds; i++ {
			_ = w.push(1, "churn", nil)
		}
		done <- struct{}{}
	}()
	go func() {
		extra := caller{worker: "w1", frame: transport.FrameOf(2)}
		for i := 0; i < rounds; i++ {
			sub, err := srv.attach(extra)
			if err == nil {
				srv.detach(extra, sub)
			}
		}
		done <- struct{}{}
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Fatal("push and frame attach/detach did not finish")
		}
	}

	stats := srv.Stats()
	assert.Equal(t, int64(rounds), stats.Pushed+stats.Dropped)
	assert.Equal(t, []int{1}, w.Frames())
}

func TestAuthToken(t *testing.T) {
	cfg := socketConfig(t)
	cfg.AuthToken = "s3cret-token"
	cfg.DialTimeout = 500 * time.Millisecond
	srv := startServer(t, cfg)

	bad := cfg
	bad.AuthToken = "wrong"
	c, err := NewClient(bad, logger.Discard())
	require.NoError(t, err)
	err = c.Dial(context.Background())
	require.Error(t, err)
	assert.True(t, types.IsErrCode(err, types.ErrCodeUnavailable))
	assert.Positive(t, srv.Stats().AuthFailed)

	good := dialClient(t, cfg)
	require.True(t, good.IsConnected())
}

func TestStopDisconnectsWorkers(t *testing.T) {
	cfg := socketConfig(t)
	srv, err := NewServer(cfg, logger.Discard())
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))

	c := dialClient(t, cfg)
	gone := make(chan struct{})
	c.OnDisconnect(func() { close(gone) })

	require.NoError(t, srv.Stop())
	select {
	case <-gone:
	case <-time.After(waitTimeout):
		t.Fatal("client not disconnected")
	}
	assert.False(t, c.IsConnected())
	assert.False(t, srv.Stats().IsServing)

	_, err = os.Stat(cfg.Address)
	assert.True(t, os.IsNotExist(err))

	err = srv.Stop()
	assert.True(t, types.IsErrCode(err, types.ErrCodeFailedPrecondition))
}

func TestRemoveStaleSocket(t *testing.T) {
	dir := t.TempDir()

	stale := filepath.Join(dir, "stale.sock")
	require.NoError(t, os.WriteFile(stale, nil, 0o600))
	require.NoError(t, removeStaleSocket(stale))
	_, err := os.Stat(stale)
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, removeStaleSocket(filepath.Join(dir, "absent.sock")))

	sub := filepath.Join(dir, "subdir")
	require.NoError(t, os.Mkdir(sub, 0o700))
	assert.Error(t, removeStaleSocket(sub))
}

func TestConfigValidation(t *testing.T) {
	cfg := config.DefaultTransportConfig()
	cfg.Network = "udp"
	_, err := NewServer(cfg, logger.Discard())
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))

	cfg = config.DefaultTransportConfig()
	cfg.WorkerID = ""
	_, err = NewClient(cfg, logger.Discard())
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))

	c, err := NewClient(config.DefaultTransportConfig(), logger.Discard())
	require.NoError(t, err)
	_, err = c.Invoke(context.Background(), "x")
	assert.True(t, types.IsErrCode(err, types.ErrCodeUnavailable))
}

func TestFromStatus(t *testing.T) {
	tests := []struct {
		code codes.Code
		want string
	}{
		{codes.Unimplemented, types.ErrCodeNotFound},
		{codes.Aborted, types.ErrCodeHandlerFailed},
		{codes.Unavailable, types.ErrCodeUnavailable},
		{codes.Unauthenticated, types.ErrCodePermissionDenied},
		{codes.DeadlineExceeded, types.ErrCodeTimeout},
		{codes.Canceled, types.ErrCodeCanceled},
		{codes.DataLoss, types.ErrCodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			err := fromStatus(status.Error(tt.code, "m"), "ch")
			assert.True(t, types.IsErrCode(err, tt.want))
		})
	}
}

func TestControllersOverBridge(t *testing.T) {
	cfg := socketConfig(t)
	log := logger.Discard()
	srv := startServer(t, cfg)

	host, err := flow.NewHost(srv, config.DefaultFlowConfig(), log)
	require.NoError(t, err)
	host.SetDefaultDestinations(srv.Destinations)

	sc, err := host.NewController("greeter")
	require.NoError(t, err)
	require.NoError(t, sc.Handle("say", func(ctx context.Context, args transport.Args) (any, error) {
		who, err := args.String(0)
		if err != nil {
			return nil, err
		}
		return "hi " + who, nil
	}))
	require.NoError(t, sc.Handle("fail", func(ctx context.Context, args transport.Args) (any, error) {
		return nil, types.NewError(types.ErrCodeInvalid, "bad input")
	}))

	c := dialClient(t, cfg)
	mux, err := flow.Preload(c, c, flow.PreloadOptionsFromConfig(config.DefaultFlowConfig(), log))
	require.NoError(t, err)
	cc, err := mux.NewController("greeter")
	require.NoError(t, err)

	v, err := cc.Invoke(context.Background(), "say", "world")
	require.NoError(t, err)
	assert.Equal(t, "hi world", v)

	_, err = cc.Invoke(context.Background(), "fail")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.NewError(types.ErrCodeInvalid, ""))

	ticks := make(chan transport.Args, 1)
	_, err = cc.On("tick", func(ev *transport.Event, args transport.Args) {
		ticks <- args
	})
	require.NoError(t, err)

	require.NoError(t, sc.Send(context.Background(), "tick", 5))
	select {
	case args := <-ticks:
		assert.Equal(t, transport.Args{float64(5)}, args)
	case <-time.After(waitTimeout):
		t.Fatal("broadcast not delivered")
	}

	heard := make(chan string, 1)
	_, err = sc.On("hello", func(ev *transport.Event, args transport.Args) {
		heard <- ev.SenderID
	})
	require.NoError(t, err)
	require.NoError(t, cc.Send("hello"))
	select {
	case id := <-heard:
		assert.Equal(t, "w1", id)
	case <-time.After(waitTimeout):
		t.Fatal("event not delivered")
	}
}
