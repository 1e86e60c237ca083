package am

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"

	"github.com/remilejeune/udata-harvest/errors"
)

const (
	// EnvPrefix prefixes environment overrides: harvest.debug is read from
	// HARVEST_HARVEST_DEBUG.
	EnvPrefix = "HARVEST"

	// ProjectFileName is looked up from the working directory upwards.
	ProjectFileName = "am.toml"
)

// SystemConfigPath has the lowest file precedence.
var SystemConfigPath = "/etc/harvest/config.toml"

var (
	mu            sync.Mutex
	globalConfig  *Config
	viperInstance *viper.Viper
	loadedFiles   []string
)

// Load reads the configuration once and caches it. Precedence, lowest
// first: defaults, SystemConfigPath, ~/.harvest/am.toml, the nearest
// am.toml above the working directory, HARVEST_* variables.
func Load() (*Config, error) {
	mu.Lock()
	defer mu.Unlock()
	if globalConfig != nil {
		return globalConfig, nil
	}

	v, err := initViperLocked()
	if err != nil {
		return nil, err
	}
	cfg, err := LoadWithViper(v)
	if err != nil {
		return nil, err
	}
	globalConfig = cfg
	return cfg, nil
}

// GetViper returns the merged viper instance, loading it if needed.
func GetViper() (*viper.Viper, error) {
	mu.Lock()
	defer mu.Unlock()
	return initViperLocked()
}

// LoadWithViper decodes v into a Config.
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	return &cfg, nil
}

// LoadFromFile reads one file over the defaults, ignoring other files and
// the environment.
func LoadFromFile(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", path)
	}
	return LoadWithViper(v)
}

// Reset drops the cached configuration. The next Load reads the files again.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	globalConfig = nil
	viperInstance = nil
	loadedFiles = nil
	ConfigSources = map[string]SourceInfo{}
}

// LoadedFiles returns the config files merged by the last load, lowest
// precedence first.
func LoadedFiles() []string {
	mu.Lock()
	defer mu.Unlock()
	return append([]string(nil), loadedFiles...)
}

func initViperLocked() (*viper.Viper, error) {
	if viperInstance != nil {
		return viperInstance, nil
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)

	sources := map[string]SourceInfo{}
	files, err := mergeConfigFiles(v, sources)
	if err != nil {
		return nil, err
	}

	viperInstance = v
	loadedFiles = files
	ConfigSources = sources
	return v, nil
}

type configFile struct {
	path   string
	source ConfigSource
}

// candidateFiles lists the config files in precedence order, lowest first.
func candidateFiles() []configFile {
	files := []configFile{{SystemConfigPath, SourceSystem}}
	if p := UserConfigPath(); p != "" {
		files = append(files, configFile{p, SourceUser})
	}
	if p := findProjectConfig(); p != "" {
		files = append(files, configFile{p, SourceProject})
	}
	return files
}

// UserConfigPath returns ~/.harvest/am.toml, or "" without a home directory.
func UserConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".harvest", "am.toml")
}

// findProjectConfig walks up from the working directory looking for
// ProjectFileName.
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		p := filepath.Join(dir, ProjectFileName)
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// mergeConfigFiles merges the existing candidate files into the config
// layer of v, so environment variables still win. A file that exists but
// does not parse is an error.
func mergeConfigFiles(v *viper.Viper, sources map[string]SourceInfo) ([]string, error) {
	var merged []string
	seen := map[string]bool{}
	for _, f := range candidateFiles() {
		if seen[f.path] {
			continue
		}
		seen[f.path] = true
		if _, err := os.Stat(f.path); err != nil {
			continue
		}

		fv := viper.New()
		fv.SetConfigFile(f.path)
		fv.SetConfigType("toml")
		if err := fv.ReadInConfig(); err != nil {
			return nil, errors.WithHint(
				errors.Wrapf(err, "failed to read config file %s", f.path),
				"run `harvest config show` after fixing the file")
		}
		settings := fv.AllSettings()
		if err := v.MergeConfigMap(settings); err != nil {
			return nil, errors.Wrapf(err, "failed to merge config file %s", f.path)
		}
		trackSources(settings, "", SourceInfo{Source: f.source, Path: f.path}, sources)
		merged = append(merged, f.path)
	}
	return merged, nil
}
