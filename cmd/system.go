package cmd

import (
	"context"
	"time"

	"github.com/billm/baaaht/ipcflow/pkg/flow"
	"github.com/billm/baaaht/ipcflow/pkg/transport"
	"github.com/billm/baaaht/ipcflow/pkg/transport/grpcbridge"
)

// SystemController is the name of the builtin host controller.
const SystemController = "system"

// newSystemController installs the builtin operations every host serves:
// ping, echo, time, whoami and workers, plus a "log" event workers can
// use to write to the host log.
func newSystemController(host *flow.Host, srv *grpcbridge.Server) (*flow.ServerController, error) {
	sc, err := host.NewController(SystemController)
	if err != nil {
		return nil, err
	}

	err = sc.SetHandlers(map[string]flow.HandlerFunc{
		"ping": func(context.Context, transport.Args) (any, error) {
			return "pong", nil
		},
		"echo": func(_ context.Context, args transport.Args) (any, error) {
			return []any(args), nil
		},
		"time": func(context.Context, transport.Args) (any, error) {
			return time.Now().UTC().Format(time.RFC3339Nano), nil
		},
		"workers": func(context.Context, transport.Args) (any, error) {
			ws := srv.Workers()
			out := make([]map[string]any, len(ws))
			for i, w := range ws {
				out[i] = map[string]any{"id": w.ID(), "frames": w.Frames()}
			}
			return out, nil
		},
	})
	if err != nil {
		return nil, err
	}

	err = sc.HandleWithEvent("whoami", func(_ context.Context, ev *transport.Event, _ transport.Args) (any, error) {
		return map[string]any{"worker": ev.SenderID, "frame": ev.Frame.String()}, nil
	})
	if err != nil {
		return nil, err
	}

	_, err = sc.On("log", func(ev *transport.Event, args transport.Args) {
		msg, _ := args.String(0)
		rootLog.Info("Worker log", "worker", ev.SenderID, "message", msg)
	})
	if err != nil {
		return nil, err
	}
	return sc, nil
}
