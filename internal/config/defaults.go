package config

import (
	"os"
	"path/filepath"
	"time"
)

// testConfigPath is an override for the default config path used in testing
var testConfigPath string

// SetTestConfigPath sets a custom config path for testing purposes
// This should only be called from tests
func SetTestConfigPath(path string) {
	testConfigPath = path
}

// GetConfigDir returns the ipcflow configuration directory
// Uses ~/.config/ipcflow/ on Unix systems
func GetConfigDir() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "ipcflow"), nil
}

// GetDefaultConfigPath returns the default config file path
func GetDefaultConfigPath() (string, error) {
	if testConfigPath != "" {
		return testConfigPath, nil
	}

	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "config.yaml"), nil
}

const (
	// Environment variable names
	EnvLogLevel           = "LOG_LEVEL"
	EnvLogFormat          = "LOG_FORMAT"
	EnvLogOutput          = "LOG_OUTPUT"
	EnvDebug              = "IPCFLOW_DEBUG"
	EnvAutoRegister       = "IPCFLOW_AUTO_REGISTER"
	EnvDuplicateNames     = "IPCFLOW_DUPLICATE_NAMES"
	EnvTransportNetwork   = "IPCFLOW_NETWORK"
	EnvTransportAddress   = "IPCFLOW_ADDRESS"
	EnvWorkerID           = "IPCFLOW_WORKER_ID"
	EnvDialTimeout        = "IPCFLOW_DIAL_TIMEOUT"
	EnvAuthToken          = "IPCFLOW_AUTH_TOKEN"
	EnvDiagnosticsAddress = "IPCFLOW_DIAGNOSTICS_ADDRESS"
	EnvPolicyPath         = "IPCFLOW_POLICY_PATH"
)

const (
	// Default values
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "text"
	DefaultNetwork         = "unix"
	DefaultSocketName      = "ipcflow.sock"
	DefaultWorkerID        = "worker"
	DefaultDialTimeout     = 10 * time.Second
	DefaultShutdownTimeout = 5 * time.Second
	DefaultMaxMsgSize      = 16 * 1024 * 1024 // 16 MB
	DefaultStreamBuffer    = 256
	DefaultDiagnosticsAddr = "127.0.0.1:7070"
	DefaultDiagnosticsPath = "/rpc"
)

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		Logging:     DefaultLoggingConfig(),
		Flow:        DefaultFlowConfig(),
		Transport:   DefaultTransportConfig(),
		Diagnostics: DefaultDiagnosticsConfig(),
		Policy:      PolicyConfig{},
	}
}

// DefaultLoggingConfig returns the default logging configuration
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:  DefaultLogLevel,
		Format: DefaultLogFormat,
		Output: "stdout",
	}
}

// DefaultFlowConfig returns the default controller layer configuration
func DefaultFlowConfig() FlowConfig {
	return FlowConfig{
		Debug:           false,
		AutoRegister:    true,
		DisableRegistry: false,
		DuplicateNames:  DuplicateMerge,
	}
}

// DefaultTransportConfig returns the default gRPC bridge configuration
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		Network:         DefaultNetwork,
		Address:         filepath.Join(os.TempDir(), DefaultSocketName),
		WorkerID:        DefaultWorkerID,
		FrameID:         0,
		DialTimeout:     DefaultDialTimeout,
		ShutdownTimeout: DefaultShutdownTimeout,
		MaxMsgSize:      DefaultMaxMsgSize,
		StreamBuffer:    DefaultStreamBuffer,
	}
}

// DefaultDiagnosticsConfig returns the default diagnostics configuration
func DefaultDiagnosticsConfig() DiagnosticsConfig {
	return DiagnosticsConfig{
		Enabled: false,
		Address: DefaultDiagnosticsAddr,
		Path:    DefaultDiagnosticsPath,
	}
}
