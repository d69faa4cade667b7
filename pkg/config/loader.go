package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ConfigFilename is the project config file name, relative to the project root.
const ConfigFilename = ".claude-autopilot.yml"

// Load reads "<projectPath>/.claude-autopilot.yml", deep-merges it onto Defaults(), and
// validates the result. A missing file is not an error: an absent config is valid and
// just means defaults.
func Load(projectPath string) (*Config, error) {
	path := filepath.Join(projectPath, ConfigFilename)

	defaults := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if verr := defaults.Validate(); verr != nil {
				return nil, fmt.Errorf("default config is invalid: %w", verr)
			}
			return defaults, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var overlay map[string]any
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	stripDangerousKeys(overlay)
	warnUnknownKeys(overlay)

	var defaultsMap map[string]any
	defaultsBytes, err := yaml.Marshal(defaults)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal defaults: %w", err)
	}
	if err := yaml.Unmarshal(defaultsBytes, &defaultsMap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal defaults: %w", err)
	}

	merged := deepMerge(defaultsMap, overlay)

	mergedBytes, err := yaml.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal merged config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(mergedBytes, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal merged config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// deepMerge merges src onto a copy of dst. Nested maps merge recursively; any other
// value type (including slices) is replaced wholesale by src's value when present.
// A nil value in src (YAML's "key: " with no value, i.e. Go's `undefined`) preserves the
// value already in dst.
func deepMerge(dst, src map[string]any) map[string]any {
	result := make(map[string]any, len(dst))
	for k, v := range dst {
		result[k] = v
	}

	for k, sv := range src {
		if sv == nil {
			continue
		}
		if dv, exists := result[k]; exists {
			dvMap, dvIsMap := dv.(map[string]any)
			svMap, svIsMap := sv.(map[string]any)
			if dvIsMap && svIsMap {
				result[k] = deepMerge(dvMap, svMap)
				continue
			}
		}
		result[k] = sv
	}

	return result
}

// stripDangerousKeys recursively removes any "__proto__" key from the overlay before it
// is ever merged, so it can never reach the final config regardless of nesting depth.
func stripDangerousKeys(m map[string]any) {
	delete(m, "__proto__")
	for _, v := range m {
		if nested, ok := v.(map[string]any); ok {
			stripDangerousKeys(nested)
		}
	}
}

// knownTopLevelKeys lists the recognised top-level sections; anything else in the file
// is logged as a warning but does not fail loading.
var knownTopLevelKeys = map[string]bool{
	"linear": true, "executor": true, "planner": true,
	"monitor": true, "budget": true, "host": true,
}

func warnUnknownKeys(overlay map[string]any) {
	for k := range overlay {
		if !knownTopLevelKeys[k] {
			fmt.Fprintf(os.Stderr, "warning: unrecognised config key %q in %s (ignored)\n", k, ConfigFilename)
		}
	}
}
