package config

import (
	"fmt"
	"os"
	"sync"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// ChangeCallback is notified with the prior and new configuration whenever
// UpdateConfig or ReloadConfig installs a new one.
type ChangeCallback func(oldConfig, newConfig *Config)

// Manager owns the current Config and notifies the callbacks registered
// with it when it changes. In this module the serve command registers a
// log-level update and a reload log line; the ConnectionPool and the
// history retention sweep do not subscribe and keep their startup settings.
type Manager struct {
	mu         sync.RWMutex
	current    *Config
	configFile string
	callbacks  []ChangeCallback
}

// Load reads configFile through viper, merges it onto DefaultConfig, and
// validates the result.
func Load(configFile string) (*Manager, error) {
	v := viper.New()
	v.SetConfigFile(configFile)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config file %s: %w", configFile, err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &Manager{current: cfg, configFile: configFile}, nil
}

// NewManager wraps an already-loaded Config, for tests and for callers that
// build configuration programmatically rather than from a YAML file.
func NewManager(cfg *Config, configFile string) *Manager {
	return &Manager{current: cfg, configFile: configFile}
}

// GetConfig returns the current configuration.
func (m *Manager) GetConfig() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// UpdateConfig installs a new configuration and notifies subscribers with
// a deep copy of the configuration it replaces.
func (m *Manager) UpdateConfig(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	var oldCfg *Config
	if m.current != nil {
		oldCfg = m.current.DeepCopy()
	}
	m.current = cfg
	callbacks := make([]ChangeCallback, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.Unlock()

	for _, cb := range callbacks {
		cb(oldCfg, cfg)
	}
	return nil
}

// Persist writes the current configuration back to configFile as YAML, so
// edits made through UpdateConfig (e.g. the set-webdav-password command)
// survive past the process that made them. A no-op if no config file is
// set, which lets programmatically-built Managers skip it in tests.
func (m *Manager) Persist() error {
	m.mu.RLock()
	cfg := m.current
	file := m.configFile
	m.mu.RUnlock()

	if file == "" {
		return nil
	}

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(file, out, 0o600); err != nil {
		return fmt.Errorf("write config file %s: %w", file, err)
	}
	return nil
}

// OnConfigChange registers a callback invoked after every UpdateConfig or
// ReloadConfig call.
func (m *Manager) OnConfigChange(cb ChangeCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// ReloadConfig re-reads the configuration file and installs the result,
// notifying subscribers the same way UpdateConfig does.
func (m *Manager) ReloadConfig() error {
	if m.configFile == "" {
		return fmt.Errorf("reload config: no config file set")
	}

	v := viper.New()
	v.SetConfigFile(m.configFile)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file %s: %w", m.configFile, err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}

	return m.UpdateConfig(cfg)
}
