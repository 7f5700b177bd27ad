package snapctrl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that round-trips through YAML as a string
// like "5s" or "1m30s".
type Duration time.Duration

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Profile is one saved server connection.
type Profile struct {
	ID          uuid.UUID `yaml:"id"`
	Name        string    `yaml:"name"`
	Host        string    `yaml:"host"`
	Port        int       `yaml:"port"`
	AutoConnect bool      `yaml:"auto_connect"`
}

// Config is the persisted client configuration.
type Config struct {
	Profiles      []Profile `yaml:"profiles"`
	LastProfileID uuid.UUID `yaml:"last_profile_id,omitempty"`
	DialTimeout   Duration  `yaml:"dial_timeout,omitempty"`
	CallTimeout   Duration  `yaml:"call_timeout,omitempty"`
}

// Profile returns the profile with the given id.
func (c *Config) Profile(id uuid.UUID) (Profile, bool) {
	for _, p := range c.Profiles {
		if p.ID == id {
			return p, true
		}
	}
	return Profile{}, false
}

// Upsert inserts or replaces a profile, keyed by id. A profile with a zero
// id gets a fresh one.
func (c *Config) Upsert(p Profile) Profile {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	for i, existing := range c.Profiles {
		if existing.ID == p.ID {
			c.Profiles[i] = p
			return p
		}
	}
	c.Profiles = append(c.Profiles, p)
	return p
}

// Remove deletes the profile with the given id.
func (c *Config) Remove(id uuid.UUID) bool {
	for i, p := range c.Profiles {
		if p.ID == id {
			c.Profiles = append(c.Profiles[:i], c.Profiles[i+1:]...)
			if c.LastProfileID == id {
				c.LastProfileID = uuid.Nil
			}
			return true
		}
	}
	return false
}

// DefaultConfigPath returns the per-user config file location.
func DefaultConfigPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("user config dir: %w", err)
	}
	return filepath.Join(dir, "snapctrl", "config.yaml"), nil
}

// LoadConfig reads a config file. A missing file is not an error and yields
// a zero config.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// Save writes the config atomically (temp file + rename), creating the
// parent directory when needed.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".config-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

// WatchConfig invokes onChange whenever the config file is written or
// replaced, until ctx is canceled. The parent directory is watched so that
// atomic rename saves are seen too.
func WatchConfig(ctx context.Context, path string, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name != path {
					continue
				}
				if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
					continue
				}
				cfg, err := LoadConfig(path)
				if err != nil {
					slog.Warn("reloading config failed", "path", path, "err", err)
					continue
				}
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", "err", err)
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}
