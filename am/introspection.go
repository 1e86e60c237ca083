package am

import (
	"os"
	"sort"
	"strings"
)

// ConfigSource tells where a setting came from.
type ConfigSource string

const (
	SourceDefault     ConfigSource = "default"
	SourceSystem      ConfigSource = "system"      // /etc/harvest/config.toml
	SourceUser        ConfigSource = "user"        // ~/.harvest/am.toml
	SourceProject     ConfigSource = "project"     // nearest am.toml
	SourceEnvironment ConfigSource = "environment" // HARVEST_* variables
)

// SourceInfo is the origin of one setting.
type SourceInfo struct {
	Source ConfigSource
	Path   string // file path or variable name
}

// ConfigSources maps dotted keys to the file that last set them. It is
// filled by Load.
var ConfigSources = map[string]SourceInfo{}

// SettingInfo is one effective setting with its origin.
type SettingInfo struct {
	Key        string       `json:"key"`
	Value      any          `json:"value"`
	Source     ConfigSource `json:"source"`
	SourcePath string       `json:"source_path,omitempty"`
}

// Introspection describes the effective configuration.
type Introspection struct {
	Files    []string      `json:"files"`
	Settings []SettingInfo `json:"settings"`
}

// Introspect returns every effective setting, sorted by key, with the
// layer it came from.
func Introspect() (*Introspection, error) {
	mu.Lock()
	v, err := initViperLocked()
	if err != nil {
		mu.Unlock()
		return nil, err
	}
	sources := make(map[string]SourceInfo, len(ConfigSources))
	for k, s := range ConfigSources {
		sources[k] = s
	}
	files := append([]string(nil), loadedFiles...)
	settings := v.AllSettings()
	mu.Unlock()

	out := &Introspection{Files: files}
	flatten(settings, "", func(key string, value any) {
		info := SourceInfo{Source: SourceDefault, Path: "built-in default"}
		if s, ok := sources[key]; ok {
			info = s
		}
		if name := EnvVar(key); os.Getenv(name) != "" {
			info = SourceInfo{Source: SourceEnvironment, Path: name}
		}
		out.Settings = append(out.Settings, SettingInfo{
			Key:        key,
			Value:      value,
			Source:     info.Source,
			SourcePath: info.Path,
		})
	})
	return out, nil
}

// EnvVar returns the environment variable overriding a dotted key.
func EnvVar(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func trackSources(settings map[string]any, prefix string, info SourceInfo, sources map[string]SourceInfo) {
	flatten(settings, prefix, func(key string, _ any) {
		sources[key] = info
	})
}

// flatten visits the leaves of a nested settings map in key order.
func flatten(settings map[string]any, prefix string, visit func(key string, value any)) {
	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		full := k
		if prefix != "" {
			full = prefix + "." + k
		}
		if nested, ok := settings[k].(map[string]any); ok {
			flatten(nested, full, visit)
			continue
		}
		visit(full, settings[k])
	}
}
