package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/billm/baaaht/ipcflow/internal/config"
	"github.com/billm/baaaht/ipcflow/internal/logger"
)

// Version is the ipcflow release.
const Version = "0.3.0"

var (
	// CLI flags
	cfgFile   string
	logLevel  string
	logFormat string
	logOutput string
	debug     bool
	network   string
	address   string
	workerID  string

	rootLog *logger.Logger
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "ipcflow",
	Short: "ipcflow - named controllers over a privileged/unprivileged process boundary",
	Long: `ipcflow runs named controllers on a privileged host process and lets worker
processes invoke their operations and exchange events with them over a local
gRPC bridge. Every inbound call passes the host's trust policy first.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if rootLog != nil {
			rootLog.Error("Command execution failed", "error", err)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Config file path (default: ~/.config/ipcflow/config.yaml)")
	pf.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default: from config or env)")
	pf.StringVar(&logFormat, "log-format", "", "Log format: json, text (default: from config or env)")
	pf.StringVar(&logOutput, "log-output", "", "Log output: stdout, stderr, or file path (default: from config or env)")
	pf.BoolVar(&debug, "debug", false, "Trace every controller operation at debug level")
	pf.StringVar(&network, "network", "", "Bridge network: unix or tcp")
	pf.StringVar(&address, "address", "", "Bridge socket path or host:port")
	pf.StringVar(&workerID, "worker-id", "", "Worker identity presented to the host")

	rootCmd.AddCommand(serveCmd, callCmd, emitCmd, watchCmd, statsCmd, demoCmd)
}

// setup loads the configuration, applies CLI overrides and installs the
// global logger.
func setup() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if cfgFile != "" {
		cfg, err = config.LoadWithPath(cfgFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	cfg.ApplyOverrides(config.OverrideOptions{
		LogLevel:  logLevel,
		LogFormat: logFormat,
		LogOutput: logOutput,
		Debug:     debug,
		Network:   network,
		Address:   address,
		WorkerID:  workerID,
	})
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	rootLog = log
	logger.SetGlobal(log)
	return cfg, nil
}
