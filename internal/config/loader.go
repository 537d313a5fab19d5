package config

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/billm/baaaht/ipcflow/pkg/types"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR_NAME} and ${VAR_NAME:-default}
var envVarPattern = regexp.MustCompile(`\$\{([a-zA-Z_][a-zA-Z0-9_]*)(:-([^}]*))?\}`)

// interpolateEnvVars replaces environment variable placeholders with their values
// Supports ${VAR_NAME} and ${VAR_NAME:-default_value} syntax
func interpolateEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultValue := ""
		if len(parts) >= 4 && parts[3] != "" {
			defaultValue = parts[3]
		}

		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultValue
	})
}

// validateFilePath checks if the file path is valid and has the correct extension
func validateFilePath(path string) error {
	if path == "" {
		return types.NewError(types.ErrCodeInvalidArgument, "configuration file path cannot be empty")
	}

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return types.NewError(types.ErrCodeInvalidArgument,
			"configuration file must have .yaml or .yml extension, got: "+ext)
	}

	return nil
}

// validateYAMLContent validates the YAML content and provides detailed error messages
func validateYAMLContent(data []byte, path string) error {
	if len(data) == 0 {
		return types.NewError(types.ErrCodeInvalid, "configuration file is empty: "+path)
	}

	if strings.TrimSpace(string(data)) == "" {
		return types.NewError(types.ErrCodeInvalid, "configuration file contains only whitespace: "+path)
	}

	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return types.WrapError(types.ErrCodeInvalid, "invalid YAML syntax in "+path, err)
	}

	if node.Kind == 0 && len(node.Content) == 0 {
		return types.NewError(types.ErrCodeInvalid, "configuration file contains no valid YAML content: "+path)
	}

	return nil
}

// formatYAMLError formats a YAML error with file context
func formatYAMLError(err error, path string) error {
	if err == nil {
		return nil
	}

	if yamlErr, ok := err.(*yaml.TypeError); ok {
		return types.WrapError(types.ErrCodeInvalid, "YAML type error in "+path, yamlErr)
	}

	return types.WrapError(types.ErrCodeInvalid, "failed to parse YAML configuration from "+path, err)
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	// Validate file path
	if err := validateFilePath(path); err != nil {
		return nil, err
	}

	// Read the file
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, types.WrapError(types.ErrCodeNotFound, "configuration file not found: "+path, err)
		}
		return nil, types.WrapError(types.ErrCodeInvalidArgument, "failed to read configuration file: "+path, err)
	}

	// Validate YAML content before parsing
	if err := validateYAMLContent(data, path); err != nil {
		return nil, err
	}

	// Parse YAML. Flow defaults must be present before unmarshal so that an omitted
	// auto_register keeps its default of true.
	cfg := Config{Flow: DefaultFlowConfig()}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, formatYAMLError(err, path)
	}

	// Interpolate environment variables in all string fields
	interpolateEnvVarsInConfig(&cfg)

	// Apply defaults to any zero-valued fields that weren't specified in the YAML
	applyDefaults(&cfg)

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, types.WrapError(types.ErrCodeInvalid, "configuration validation failed for "+path, err)
	}

	return &cfg, nil
}

// interpolateEnvVarsInConfig interpolates environment variables in all string fields
func interpolateEnvVarsInConfig(cfg *Config) {
	// Logging config
	cfg.Logging.Level = interpolateEnvVars(cfg.Logging.Level)
	cfg.Logging.Format = interpolateEnvVars(cfg.Logging.Format)
	cfg.Logging.Output = interpolateEnvVars(cfg.Logging.Output)

	// Flow config
	cfg.Flow.DuplicateNames = DuplicatePolicy(interpolateEnvVars(string(cfg.Flow.DuplicateNames)))

	// Transport config
	cfg.Transport.Network = interpolateEnvVars(cfg.Transport.Network)
	cfg.Transport.Address = interpolateEnvVars(cfg.Transport.Address)
	cfg.Transport.WorkerID = interpolateEnvVars(cfg.Transport.WorkerID)
	cfg.Transport.AuthToken = interpolateEnvVars(cfg.Transport.AuthToken)

	// Diagnostics config
	cfg.Diagnostics.Address = interpolateEnvVars(cfg.Diagnostics.Address)
	cfg.Diagnostics.Path = interpolateEnvVars(cfg.Diagnostics.Path)

	// Policy config
	cfg.Policy.ConfigPath = interpolateEnvVars(cfg.Policy.ConfigPath)
	cfg.Policy.AuditPath = interpolateEnvVars(cfg.Policy.AuditPath)
}
