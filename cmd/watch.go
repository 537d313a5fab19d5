package cmd

import (
	"context"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/billm/baaaht/ipcflow/pkg/transport"
)

var watchCount int

var watchCmd = &cobra.Command{
	Use:   "watch <controller> <event>...",
	Short: "Print events broadcast by a host controller as JSON lines",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runWatch,
}

func init() {
	watchCmd.Flags().IntVar(&watchCount, "count", 0, "Exit after this many events (0 waits for a signal)")
}

type watchLine struct {
	Controller string `json:"controller"`
	Event      string `json:"event"`
	Args       []any  `json:"args"`
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := workerSetup()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	client, mux, err := dialWorker(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()
	client.OnDisconnect(cancel)

	cc, err := mux.NewController(args[0])
	if err != nil {
		return err
	}
	defer cc.Close()

	var (
		mu   sync.Mutex
		seen int
	)
	out := cmd.OutOrStdout()
	for _, event := range args[1:] {
		_, err := cc.On(event, func(_ *transport.Event, a transport.Args) {
			mu.Lock()
			defer mu.Unlock()
			if err := printJSON(out, watchLine{Controller: args[0], Event: event, Args: a}); err != nil {
				rootLog.Warn("Failed to print event", "error", err)
			}
			seen++
			if watchCount > 0 && seen >= watchCount {
				cancel()
			}
		})
		if err != nil {
			return err
		}
	}

	<-ctx.Done()
	return nil
}
