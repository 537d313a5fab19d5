package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/billm/baaaht/ipcflow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(c *Config) {}},
		{name: "invalid log level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: true},
		{name: "invalid log format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: true},
		{name: "reject duplicates", mutate: func(c *Config) { c.Flow.DuplicateNames = DuplicateReject }},
		{name: "unknown duplicate policy", mutate: func(c *Config) { c.Flow.DuplicateNames = "explode" }, wantErr: true},
		{name: "tcp network", mutate: func(c *Config) { c.Transport.Network = "tcp"; c.Transport.Address = "127.0.0.1:0" }},
		{name: "invalid network", mutate: func(c *Config) { c.Transport.Network = "udp" }, wantErr: true},
		{name: "empty address", mutate: func(c *Config) { c.Transport.Address = "" }, wantErr: true},
		{name: "negative dial timeout", mutate: func(c *Config) { c.Transport.DialTimeout = -time.Second }, wantErr: true},
		{name: "diagnostics bad path", mutate: func(c *Config) {
			c.Diagnostics.Enabled = true
			c.Diagnostics.Path = "rpc"
		}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv(EnvLogLevel, "warn")
	t.Setenv(EnvDebug, "true")
	t.Setenv(EnvDuplicateNames, "REJECT")
	t.Setenv(EnvTransportAddress, "/tmp/override.sock")
	t.Setenv(EnvDialTimeout, "3s")
	t.Setenv(EnvDiagnosticsAddress, "127.0.0.1:9999")

	cfg := DefaultConfig()
	require.NoError(t, applyEnvOverrides(&cfg))

	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.True(t, cfg.Flow.Debug)
	assert.Equal(t, DuplicateReject, cfg.Flow.DuplicateNames)
	assert.Equal(t, "/tmp/override.sock", cfg.Transport.Address)
	assert.Equal(t, 3*time.Second, cfg.Transport.DialTimeout)
	assert.True(t, cfg.Diagnostics.Enabled)
	assert.Equal(t, "127.0.0.1:9999", cfg.Diagnostics.Address)
}

func TestApplyEnvOverridesInvalidBool(t *testing.T) {
	t.Setenv(EnvDebug, "maybe")

	cfg := DefaultConfig()
	err := applyEnvOverrides(&cfg)
	require.Error(t, err)
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))
}

func TestLoadWithoutConfigFile(t *testing.T) {
	SetTestConfigPath(filepath.Join(t.TempDir(), "missing.yaml"))
	defer SetTestConfigPath("")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultLogLevel, cfg.Logging.Level)
	assert.True(t, cfg.Flow.AutoRegister)
}

func TestApplyOverridesDebugRaisesLogLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ApplyOverrides(OverrideOptions{Debug: true, WorkerID: "w-7"})

	assert.True(t, cfg.Flow.Debug)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "w-7", cfg.Transport.WorkerID)
}
