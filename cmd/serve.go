package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/billm/baaaht/ipcflow/internal/config"
	"github.com/billm/baaaht/ipcflow/pkg/diagnostics"
	"github.com/billm/baaaht/ipcflow/pkg/flow"
	"github.com/billm/baaaht/ipcflow/pkg/policy"
	"github.com/billm/baaaht/ipcflow/pkg/transport/grpcbridge"
)

var (
	serveTick        time.Duration
	serveDiagnostics bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the host: bridge server, system controller, trust policy and diagnostics",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().DurationVar(&serveTick, "tick", 0, "Broadcast system.tick to every worker at this interval (0 disables)")
	serveCmd.Flags().BoolVar(&serveDiagnostics, "diagnostics", false, "Enable the JSON-RPC diagnostics endpoint")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := setup()
	if err != nil {
		return err
	}
	if serveDiagnostics {
		cfg.Diagnostics.Enabled = true
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootLog.Info("Starting ipcflow host", "version", Version, "config", cfg.String())

	srv, err := grpcbridge.NewServer(cfg.Transport, rootLog)
	if err != nil {
		return err
	}
	host, err := flow.NewHost(srv, cfg.Flow, rootLog)
	if err != nil {
		return err
	}
	host.SetDefaultDestinations(srv.Destinations)

	enforcer, err := policy.New(cfg.Policy, rootLog)
	if err != nil {
		return err
	}
	defer enforcer.Close()
	host.SetDefaultTrust(enforcer.Trust())

	if cfg.Policy.ConfigPath != "" {
		reloader, err := policy.NewReloader(cfg.Policy.ConfigPath, enforcer, rootLog)
		if err != nil {
			return err
		}
		reloader.Start()
		defer reloader.Stop()
		rootLog.Info("Policy reloader started, send SIGHUP to reload", "policy_path", cfg.Policy.ConfigPath)
	}

	system, err := newSystemController(host, srv)
	if err != nil {
		return err
	}

	if err := srv.Start(ctx); err != nil {
		return err
	}

	var diag *diagnostics.Server
	if cfg.Diagnostics.Enabled {
		diag, err = startDiagnostics(ctx, cfg.Diagnostics, host, srv, enforcer)
		if err != nil {
			_ = srv.Stop()
			return err
		}
	}

	if serveTick > 0 {
		go tick(ctx, system, serveTick)
	}

	rootLog.Info("Host is running. Press Ctrl+C to stop.", "address", srv.Addr())
	<-ctx.Done()
	rootLog.Info("Shutting down host")

	if diag != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Transport.ShutdownTimeout)
		if err := diag.Stop(shutdownCtx); err != nil {
			rootLog.Error("Failed to stop diagnostics", "error", err)
		}
		cancel()
	}
	host.Close()
	if err := srv.Stop(); err != nil {
		return fmt.Errorf("failed to stop bridge server: %w", err)
	}
	rootLog.Info("Host shutdown complete")
	return nil
}

func startDiagnostics(ctx context.Context, cfg config.DiagnosticsConfig, host *flow.Host, srv *grpcbridge.Server, enforcer *policy.Enforcer) (*diagnostics.Server, error) {
	svc, err := diagnostics.NewService(host)
	if err != nil {
		return nil, err
	}
	svc.AddSource("transport", func() any { return srv.Stats() })
	svc.AddSource("policy", func() any { return enforcer.Stats() })

	diag, err := diagnostics.NewServer(cfg, svc, rootLog)
	if err != nil {
		return nil, err
	}
	if err := diag.Start(ctx); err != nil {
		return nil, err
	}
	return diag, nil
}

func tick(ctx context.Context, system *flow.ServerController, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	n := 0
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			n++
			if err := system.Send(ctx, "tick", n, now.UTC().Format(time.RFC3339)); err != nil {
				rootLog.Warn("Tick broadcast failed", "error", err)
			}
		}
	}
}
