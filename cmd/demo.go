package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/billm/baaaht/ipcflow/internal/config"
	"github.com/billm/baaaht/ipcflow/internal/logger"
	"github.com/billm/baaaht/ipcflow/pkg/flow"
	"github.com/billm/baaaht/ipcflow/pkg/transport"
	"github.com/billm/baaaht/ipcflow/pkg/transport/loopback"
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run an in-process walkthrough of invocations, events and trust",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := workerSetup()
		if err != nil {
			return err
		}
		return runDemo(cmd.Context(), cmd.OutOrStdout(), cfg.Flow, rootLog)
	},
}

// runDemo wires a host and one window over the loopback transport and
// prints what each step observes.
func runDemo(ctx context.Context, w io.Writer, cfg config.FlowConfig, log *logger.Logger) error {
	hub := loopback.NewHub(log)
	host, err := flow.NewHost(hub, cfg, log)
	if err != nil {
		return err
	}
	defer host.Close()
	host.SetDefaultDestinations(hub.AllWindows)

	win, err := hub.NewWindow("main")
	if err != nil {
		return err
	}
	mux, err := flow.Preload(win.MainFrame(), win.MainFrame(), flow.PreloadOptionsFromConfig(cfg, log))
	if err != nil {
		return err
	}

	greeter, err := host.NewController("greeter")
	if err != nil {
		return err
	}
	err = greeter.Handle("say", func(_ context.Context, args transport.Args) (any, error) {
		who, err := args.String(0)
		if err != nil {
			return nil, err
		}
		return "hi " + who, nil
	})
	if err != nil {
		return err
	}
	heard := make(chan string, 1)
	if _, err := greeter.On("wave", func(ev *transport.Event, _ transport.Args) {
		heard <- ev.SenderID
	}); err != nil {
		return err
	}

	client, err := mux.NewController("greeter")
	if err != nil {
		return err
	}

	v, err := client.Invoke(ctx, "say", "world")
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "invoke greeter.say(\"world\") -> %v\n", v)

	if err := client.Send("wave"); err != nil {
		return err
	}
	fmt.Fprintf(w, "event greeter.wave from %s\n", <-heard)

	if _, err := client.Once("news", func(_ *transport.Event, args transport.Args) {
		fmt.Fprintf(w, "broadcast greeter.news -> %v\n", []any(args))
	}); err != nil {
		return err
	}
	if err := greeter.Send(ctx, "news", "first"); err != nil {
		return err
	}
	if err := greeter.Send(ctx, "news", "second"); err != nil {
		return err
	}

	greeter.SetTrust(func(_ context.Context, req flow.TrustRequest) (bool, error) {
		return req.Operation != "say", nil
	})
	_, err = client.Invoke(ctx, "say", "again")
	switch {
	case errors.Is(err, flow.ErrBlocked):
		fmt.Fprintf(w, "invoke greeter.say after trust change -> %v\n", err)
	case err != nil:
		return err
	default:
		return fmt.Errorf("trust handler did not block greeter.say")
	}

	stats := greeter.Stats()
	fmt.Fprintf(w, "stats invocations=%d blocked=%d sent=%d\n", stats.Invocations, stats.Blocked, stats.Sent)
	return nil
}
