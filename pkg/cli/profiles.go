package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const defaultProfileName = "default"

// profileSet is the on-disk form of ~/.delta-append/config.yaml.
type profileSet struct {
	Current  string             `yaml:"current-profile"`
	Profiles map[string]profile `yaml:"profiles"`
}

// profile holds CLI defaults for one table. Empty fields defer to the
// environment and built-in defaults.
type profile struct {
	TableURI string `json:"table_uri,omitempty" yaml:"table-uri,omitempty"`
	Output   string `json:"output,omitempty" yaml:"output,omitempty"`
	LogLevel string `json:"log_level,omitempty" yaml:"log-level,omitempty"`
}

func profilesPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".delta-append", "config.yaml")
	}
	return filepath.Join(home, ".delta-append", "config.yaml")
}

// readProfiles loads the saved profiles. A missing file yields an empty set.
func readProfiles() (*profileSet, error) {
	set := &profileSet{Current: defaultProfileName, Profiles: map[string]profile{}}
	data, err := os.ReadFile(profilesPath())
	if errors.Is(err, fs.ErrNotExist) {
		return set, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read profiles: %w", err)
	}
	if err := yaml.Unmarshal(data, set); err != nil {
		return nil, fmt.Errorf("parse %s: %w", profilesPath(), err)
	}
	if set.Profiles == nil {
		set.Profiles = map[string]profile{}
	}
	return set, nil
}

// write replaces the profiles file through a temp file in the same directory,
// so a reader never sees a partial file.
func (s *profileSet) write() error {
	path := profilesPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal profiles: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "config-*.yaml")
	if err != nil {
		return fmt.Errorf("write profiles: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write profiles: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write profiles: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}
