package policy

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

func interpolateEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPattern.FindStringSubmatch(match)
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		return parts[3]
	})
}

// LoadFromFile loads a policy from a .yaml or .yml file.
func LoadFromFile(path string) (*Policy, error) {
	if path == "" {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "policy file path cannot be empty")
	}
	if ext := strings.ToLower(filepath.Ext(path)); ext != ".yaml" && ext != ".yml" {
		return nil, types.NewError(types.ErrCodeInvalidArgument,
			"policy file must have .yaml or .yml extension, got: "+ext)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, types.WrapError(types.ErrCodeNotFound, "policy file not found: "+path, err)
		}
		return nil, types.WrapError(types.ErrCodeInvalidArgument, "failed to read policy file: "+path, err)
	}
	return parse(data, path)
}

// LoadFromBytes loads a policy from YAML.
func LoadFromBytes(data []byte) (*Policy, error) {
	return parse(data, "<bytes>")
}

func parse(data []byte, source string) (*Policy, error) {
	if strings.TrimSpace(string(data)) == "" {
		return nil, types.NewError(types.ErrCodeInvalid, "policy is empty: "+source)
	}

	var pol Policy
	if err := yaml.Unmarshal(data, &pol); err != nil {
		if typeErr, ok := err.(*yaml.TypeError); ok {
			return nil, types.WrapError(types.ErrCodeInvalid, "YAML type error in "+source, typeErr)
		}
		return nil, types.WrapError(types.ErrCodeInvalid, "invalid YAML syntax in "+source, err)
	}

	interpolateEnvVarsInPolicy(&pol)
	applyDefaults(&pol)

	if err := pol.Validate(); err != nil {
		return nil, types.WrapError(types.ErrCodeInvalid, "policy validation failed for "+source, err)
	}
	return &pol, nil
}

func interpolateEnvVarsInPolicy(pol *Policy) {
	pol.ID = interpolateEnvVars(pol.ID)
	pol.Name = interpolateEnvVars(pol.Name)
	pol.Description = interpolateEnvVars(pol.Description)

	for i := range pol.Rules {
		r := &pol.Rules[i]
		r.Name = interpolateEnvVars(r.Name)
		for _, list := range [][]string{r.Controllers, r.Operations, r.Senders} {
			for k := range list {
				list[k] = interpolateEnvVars(list[k])
			}
		}
	}
}

// applyDefaults applies default values to any zero-valued fields
func applyDefaults(pol *Policy) {
	if pol.ID == "" {
		pol.ID = "default"
	}
	if pol.Name == "" {
		pol.Name = "Policy"
	}
	if pol.Mode == "" {
		pol.Mode = EnforcementModeStrict
	}
	if pol.Default == "" {
		pol.Default = EffectAllow
	}
	for i := range pol.Rules {
		pol.Rules[i].Effect = Effect(strings.ToLower(string(pol.Rules[i].Effect)))
	}
}
