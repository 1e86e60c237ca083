package am

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"github.com/remilejeune/udata-harvest/errors"
	"github.com/remilejeune/udata-harvest/logger"
)

// ErrConfigExists is returned by WriteDefault when the file exists.
var ErrConfigExists = errors.New("config file already exists")

const fileHeader = `# harvest configuration
#
# Every key can be overridden with an environment variable, for example
# HARVEST_HARVEST_DEBUG=true or HARVEST_SERVER_ADDR=:8470.

`

// Marshal renders cfg as TOML.
func Marshal(cfg *Config) ([]byte, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.SetIndentTables(true)
	if err := enc.Encode(cfg); err != nil {
		return nil, errors.Wrap(err, "failed to marshal config")
	}
	return buf.Bytes(), nil
}

// WriteDefault writes the default configuration to path. An existing file
// is only replaced when force is set, after a rotating backup.
func WriteDefault(path string, force bool) error {
	if _, err := os.Stat(path); err == nil {
		if !force {
			return errors.WithHint(
				errors.Wrapf(ErrConfigExists, "%s", path),
				"pass --force to overwrite it; the current file is kept as .back1")
		}
		if err := createBackup(path); err != nil {
			return errors.Wrap(err, "failed to create backup")
		}
	}

	data, err := Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return errors.Wrapf(err, "failed to create %s", filepath.Dir(path))
	}

	if w := GetGlobalWatcher(); w != nil {
		w.MarkOwnWrite()
	}
	if err := os.WriteFile(path, append([]byte(fileHeader), data...), 0o644); err != nil {
		return errors.Wrapf(err, "failed to write %s", path)
	}
	return nil
}

// createBackup rotates path.back1..back3 and copies path to .back1.
func createBackup(path string) error {
	back := func(n int) string { return path + ".back" + string(rune('0'+n)) }

	if err := os.Remove(back(3)); err != nil && !os.IsNotExist(err) {
		logger.Warnw("Failed to delete old config backup", "file", back(3), "error", err)
	}
	for n := 2; n >= 1; n-- {
		if _, err := os.Stat(back(n)); err == nil {
			if err := os.Rename(back(n), back(n+1)); err != nil {
				return errors.Wrapf(err, "failed to rotate %s", back(n))
			}
		}
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "failed to read config for backup")
	}
	return errors.Wrap(os.WriteFile(back(1), content, 0o644), "failed to write backup")
}
