package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/billm/baaaht/ipcflow/pkg/types"
)

// Config represents the complete configuration for an ipcflow process
type Config struct {
	Logging     LoggingConfig     `json:"logging" yaml:"logging"`
	Flow        FlowConfig        `json:"flow" yaml:"flow"`
	Transport   TransportConfig   `json:"transport" yaml:"transport"`
	Diagnostics DiagnosticsConfig `json:"diagnostics" yaml:"diagnostics"`
	Policy      PolicyConfig      `json:"policy" yaml:"policy"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // json, text
	Output string `json:"output" yaml:"output"` // stdout, stderr, file path
}

// DuplicatePolicy decides what happens when two controllers claim the same name
type DuplicatePolicy string

const (
	// DuplicateMerge lets controllers with the same name share one namespace
	DuplicateMerge DuplicatePolicy = "merge"
	// DuplicateReject refuses a second live controller with the same name
	DuplicateReject DuplicatePolicy = "reject"
)

// FlowConfig contains controller layer configuration
type FlowConfig struct {
	// Debug enables verbose tracing of every channel, action and payload
	Debug bool `json:"debug" yaml:"debug"`
	// AutoRegister registers client controllers with the multiplexer on construction
	AutoRegister bool `json:"auto_register" yaml:"auto_register"`
	// DisableRegistry lets any controller name use the client transport surface
	DisableRegistry bool `json:"disable_registry" yaml:"disable_registry"`
	// DuplicateNames is the host policy for duplicate controller names
	DuplicateNames DuplicatePolicy `json:"duplicate_names" yaml:"duplicate_names"`
}

// TransportConfig contains gRPC bridge configuration
type TransportConfig struct {
	Network         string        `json:"network" yaml:"network"` // unix, tcp
	Address         string        `json:"address" yaml:"address"`
	WorkerID        string        `json:"worker_id" yaml:"worker_id"`
	FrameID         int           `json:"frame_id" yaml:"frame_id"`
	DialTimeout     time.Duration `json:"dial_timeout" yaml:"dial_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	MaxMsgSize      int           `json:"max_msg_size" yaml:"max_msg_size"`
	StreamBuffer    int           `json:"stream_buffer" yaml:"stream_buffer"`
	// AuthToken, when set, must be presented by every worker as a bearer token
	AuthToken string `json:"-" yaml:"auth_token"`
}

// DiagnosticsConfig contains the JSON-RPC introspection endpoint configuration
type DiagnosticsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Address string `json:"address" yaml:"address"`
	Path    string `json:"path" yaml:"path"`
}

// PolicyConfig contains trust policy configuration
type PolicyConfig struct {
	ConfigPath string `json:"config_path" yaml:"config_path"`
	AuditPath  string `json:"audit_path" yaml:"audit_path"`
}

// applyDefaults fills zero-valued fields with their defaults
func applyDefaults(cfg *Config) {
	def := DefaultConfig()

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = def.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = def.Logging.Format
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = def.Logging.Output
	}

	if cfg.Flow.DuplicateNames == "" {
		cfg.Flow.DuplicateNames = def.Flow.DuplicateNames
	}

	if cfg.Transport.Network == "" {
		cfg.Transport.Network = def.Transport.Network
	}
	if cfg.Transport.Address == "" {
		cfg.Transport.Address = def.Transport.Address
	}
	if cfg.Transport.WorkerID == "" {
		cfg.Transport.WorkerID = def.Transport.WorkerID
	}
	if cfg.Transport.DialTimeout == 0 {
		cfg.Transport.DialTimeout = def.Transport.DialTimeout
	}
	if cfg.Transport.ShutdownTimeout == 0 {
		cfg.Transport.ShutdownTimeout = def.Transport.ShutdownTimeout
	}
	if cfg.Transport.MaxMsgSize == 0 {
		cfg.Transport.MaxMsgSize = def.Transport.MaxMsgSize
	}
	if cfg.Transport.StreamBuffer == 0 {
		cfg.Transport.StreamBuffer = def.Transport.StreamBuffer
	}

	if cfg.Diagnostics.Address == "" {
		cfg.Diagnostics.Address = def.Diagnostics.Address
	}
	if cfg.Diagnostics.Path == "" {
		cfg.Diagnostics.Path = def.Diagnostics.Path
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv(EnvLogOutput); v != "" {
		cfg.Logging.Output = v
	}

	if v := os.Getenv(EnvDebug); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument,
				fmt.Sprintf("invalid %s value: %s", EnvDebug, v), err)
		}
		cfg.Flow.Debug = b
	}
	if v := os.Getenv(EnvAutoRegister); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument,
				fmt.Sprintf("invalid %s value: %s", EnvAutoRegister, v), err)
		}
		cfg.Flow.AutoRegister = b
	}
	if v := os.Getenv(EnvDuplicateNames); v != "" {
		cfg.Flow.DuplicateNames = DuplicatePolicy(strings.ToLower(v))
	}

	if v := os.Getenv(EnvTransportNetwork); v != "" {
		cfg.Transport.Network = v
	}
	if v := os.Getenv(EnvTransportAddress); v != "" {
		cfg.Transport.Address = v
	}
	if v := os.Getenv(EnvWorkerID); v != "" {
		cfg.Transport.WorkerID = v
	}
	if v := os.Getenv(EnvAuthToken); v != "" {
		cfg.Transport.AuthToken = v
	}
	if v := os.Getenv(EnvDialTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument,
				fmt.Sprintf("invalid %s value: %s", EnvDialTimeout, v), err)
		}
		cfg.Transport.DialTimeout = d
	}

	if v := os.Getenv(EnvDiagnosticsAddress); v != "" {
		cfg.Diagnostics.Address = v
		cfg.Diagnostics.Enabled = true
	}
	if v := os.Getenv(EnvPolicyPath); v != "" {
		cfg.Policy.ConfigPath = v
	}

	return nil
}

// Load builds the configuration from defaults, the default config file if present,
// and environment variable overrides
func Load() (*Config, error) {
	var cfg *Config

	path, err := GetDefaultConfigPath()
	if err == nil {
		if _, statErr := os.Stat(path); statErr == nil {
			cfg, err = LoadFromFile(path)
			if err != nil {
				return nil, err
			}
		}
	}
	if cfg == nil {
		def := DefaultConfig()
		cfg = &def
	}
	return finishLoad(cfg)
}

// LoadWithPath is Load with an explicit config file, which must exist
func LoadWithPath(path string) (*Config, error) {
	cfg, err := LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	return finishLoad(cfg)
}

func finishLoad(cfg *Config) (*Config, error) {
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid log level: %s", c.Logging.Level))
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid log format: %s", c.Logging.Format))
	}

	switch c.Flow.DuplicateNames {
	case DuplicateMerge, DuplicateReject:
	default:
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid duplicate name policy: %s (must be merge or reject)", c.Flow.DuplicateNames))
	}

	switch c.Transport.Network {
	case "unix", "tcp":
	default:
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid transport network: %s (must be unix or tcp)", c.Transport.Network))
	}
	if c.Transport.Address == "" {
		return types.NewError(types.ErrCodeInvalidArgument, "transport address cannot be empty")
	}
	if c.Transport.DialTimeout < 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "transport dial timeout cannot be negative")
	}
	if c.Transport.MaxMsgSize < 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "transport max message size cannot be negative")
	}
	if c.Transport.StreamBuffer < 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "transport stream buffer cannot be negative")
	}

	if c.Diagnostics.Enabled {
		if c.Diagnostics.Address == "" {
			return types.NewError(types.ErrCodeInvalidArgument, "diagnostics address cannot be empty when enabled")
		}
		if !strings.HasPrefix(c.Diagnostics.Path, "/") {
			return types.NewError(types.ErrCodeInvalidArgument,
				fmt.Sprintf("diagnostics path must start with '/': %s", c.Diagnostics.Path))
		}
	}

	return nil
}

// ApplyOverrides applies command-line overrides on top of the loaded configuration
func (c *Config) ApplyOverrides(opts OverrideOptions) {
	if opts.LogLevel != "" {
		c.Logging.Level = opts.LogLevel
	}
	if opts.LogFormat != "" {
		c.Logging.Format = opts.LogFormat
	}
	if opts.LogOutput != "" {
		c.Logging.Output = opts.LogOutput
	}
	if opts.Debug {
		c.Flow.Debug = true
	}
	if opts.Address != "" {
		c.Transport.Address = opts.Address
	}
	if opts.Network != "" {
		c.Transport.Network = opts.Network
	}
	if opts.WorkerID != "" {
		c.Transport.WorkerID = opts.WorkerID
	}
	if c.Flow.Debug && c.Logging.Level != "debug" {
		// tracing is emitted at debug level
		c.Logging.Level = "debug"
	}
}

// OverrideOptions holds command-line overrides
type OverrideOptions struct {
	LogLevel  string
	LogFormat string
	LogOutput string
	Debug     bool
	Network   string
	Address   string
	WorkerID  string
}

// String returns a string representation of the configuration
func (c *Config) String() string {
	return fmt.Sprintf("Config{Logging: %s, Flow: %s, Transport: %s, Diagnostics: %s, Policy: %s}",
		c.Logging, c.Flow, c.Transport, c.Diagnostics, c.Policy)
}

func (c LoggingConfig) String() string {
	return fmt.Sprintf("LoggingConfig{Level: %s, Format: %s, Output: %s}", c.Level, c.Format, c.Output)
}

func (c FlowConfig) String() string {
	return fmt.Sprintf("FlowConfig{Debug: %v, AutoRegister: %v, DisableRegistry: %v, DuplicateNames: %s}",
		c.Debug, c.AutoRegister, c.DisableRegistry, c.DuplicateNames)
}

func (c TransportConfig) String() string {
	return fmt.Sprintf("TransportConfig{Network: %s, Address: %s, WorkerID: %s, FrameID: %d, DialTimeout: %s}",
		c.Network, c.Address, c.WorkerID, c.FrameID, c.DialTimeout)
}

func (c DiagnosticsConfig) String() string {
	return fmt.Sprintf("DiagnosticsConfig{Enabled: %v, Address: %s, Path: %s}", c.Enabled, c.Address, c.Path)
}

func (c PolicyConfig) String() string {
	return fmt.Sprintf("PolicyConfig{ConfigPath: %s, AuditPath: %s}", c.ConfigPath, c.AuditPath)
}
