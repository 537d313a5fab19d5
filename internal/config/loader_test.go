package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/billm/baaaht/ipcflow/pkg/types"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	return path
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
logging:
  level: debug
  format: json

flow:
  debug: true
  duplicate_names: reject

transport:
  network: tcp
  address: 127.0.0.1:7001
  dial_timeout: 2s
`)

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Logging.Level != "debug" {
		t.Errorf("Expected level debug, got %s", cfg.Logging.Level)
	}
	if cfg.Logging.Output != "stdout" {
		t.Errorf("Expected default output stdout, got %s", cfg.Logging.Output)
	}
	if !cfg.Flow.Debug {
		t.Errorf("Expected flow debug enabled")
	}
	if !cfg.Flow.AutoRegister {
		t.Errorf("Expected auto_register to keep its default")
	}
	if cfg.Flow.DuplicateNames != DuplicateReject {
		t.Errorf("Expected duplicate policy reject, got %s", cfg.Flow.DuplicateNames)
	}
	if cfg.Transport.Address != "127.0.0.1:7001" {
		t.Errorf("Expected address 127.0.0.1:7001, got %s", cfg.Transport.Address)
	}
	if cfg.Transport.DialTimeout != 2*time.Second {
		t.Errorf("Expected dial timeout 2s, got %v", cfg.Transport.DialTimeout)
	}
	if cfg.Transport.StreamBuffer != DefaultStreamBuffer {
		t.Errorf("Expected default stream buffer, got %d", cfg.Transport.StreamBuffer)
	}
}

func TestLoadFromFileInterpolation(t *testing.T) {
	t.Setenv("IPCFLOW_TEST_SOCK", "/tmp/interp.sock")

	path := writeConfig(t, "config.yml", `
transport:
  address: ${IPCFLOW_TEST_SOCK}
  worker_id: ${IPCFLOW_TEST_UNSET:-renderer}
`)

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}
	if cfg.Transport.Address != "/tmp/interp.sock" {
		t.Errorf("Expected interpolated address, got %s", cfg.Transport.Address)
	}
	if cfg.Transport.WorkerID != "renderer" {
		t.Errorf("Expected default worker id renderer, got %s", cfg.Transport.WorkerID)
	}
}

func TestLoadFromFileErrors(t *testing.T) {
	tests := []struct {
		name     string
		path     func(t *testing.T) string
		wantCode string
	}{
		{
			name:     "empty path",
			path:     func(t *testing.T) string { return "" },
			wantCode: types.ErrCodeInvalidArgument,
		},
		{
			name:     "wrong extension",
			path:     func(t *testing.T) string { return writeConfig(t, "config.json", "{}") },
			wantCode: types.ErrCodeInvalidArgument,
		},
		{
			name:     "missing file",
			path:     func(t *testing.T) string { return filepath.Join(t.TempDir(), "nope.yaml") },
			wantCode: types.ErrCodeNotFound,
		},
		{
			name:     "whitespace only",
			path:     func(t *testing.T) string { return writeConfig(t, "config.yaml", "   \n  ") },
			wantCode: types.ErrCodeInvalid,
		},
		{
			name:     "invalid yaml",
			path:     func(t *testing.T) string { return writeConfig(t, "config.yaml", "flow: [unclosed") },
			wantCode: types.ErrCodeInvalid,
		},
		{
			name:     "fails validation",
			path:     func(t *testing.T) string { return writeConfig(t, "config.yaml", "flow:\n  duplicate_names: sometimes\n") },
			wantCode: types.ErrCodeInvalid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromFile(tt.path(t))
			if err == nil {
				t.Fatal("Expected an error")
			}
			if got := types.GetErrorCode(err); got != tt.wantCode {
				t.Errorf("Expected code %s, got %s (%v)", tt.wantCode, got, err)
			}
		})
	}
}

func TestLoadWithPathAppliesEnv(t *testing.T) {
	path := writeConfig(t, "config.yaml", "transport:\n  worker_id: from-file\n")
	t.Setenv(EnvWorkerID, "from-env")

	cfg, err := LoadWithPath(path)
	if err != nil {
		t.Fatalf("LoadWithPath() error = %v", err)
	}
	if cfg.Transport.WorkerID != "from-env" {
		t.Errorf("WorkerID = %q, want from-env", cfg.Transport.WorkerID)
	}

	_, err = LoadWithPath(filepath.Join(t.TempDir(), "missing.yaml"))
	if !types.IsErrCode(err, types.ErrCodeNotFound) {
		t.Errorf("LoadWithPath(missing) error = %v, want NOT_FOUND", err)
	}
}
