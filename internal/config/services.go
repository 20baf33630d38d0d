package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/R3E-Network/orchestrator/internal/engine/state"
	"github.com/R3E-Network/orchestrator/services/base"
)

// ServicesConfig lists extra services registered at boot.
type ServicesConfig struct {
	Services map[string]*ServiceSettings `yaml:"services"`
}

// ServiceSettings describes one configured service.
type ServiceSettings struct {
	Enabled      bool     `yaml:"enabled"`
	Name         string   `yaml:"name"`
	Type         string   `yaml:"type"`
	Dependencies []string `yaml:"dependencies"`
	Description  string   `yaml:"description"`
}

// reserved ids are owned by built-in services.
var reserved = map[string]bool{
	"interactive-chat": true,
	"memory-system":    true,
}

// LoadServicesConfig loads the services configuration from config/services.yaml
func LoadServicesConfig() (*ServicesConfig, error) {
	return LoadServicesConfigFromPath(filepath.Join("config", "services.yaml"))
}

// LoadServicesConfigFromPath loads the services configuration from a specific path
func LoadServicesConfigFromPath(path string) (*ServicesConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read services config: %w", err)
	}

	var cfg ServicesConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse services config: %w", err)
	}

	for id, settings := range cfg.Services {
		if settings == nil {
			return nil, fmt.Errorf("service %s: empty definition", id)
		}
		if reserved[id] {
			return nil, fmt.Errorf("service %s: id is reserved", id)
		}
		typ, err := state.ParseServiceType(settings.Type)
		if err != nil {
			return nil, fmt.Errorf("service %s: %w", id, err)
		}
		if typ != state.TypeModule && typ != state.TypeExtension {
			return nil, fmt.Errorf("service %s: type must be MODULE or EXTENSION, got %s", id, typ)
		}
	}

	return &cfg, nil
}

// LoadServicesConfigOrDefault loads path, returning an empty configuration
// when the file does not exist.
func LoadServicesConfigOrDefault(path string) (*ServicesConfig, error) {
	cfg, err := LoadServicesConfigFromPath(path)
	if errors.Is(err, os.ErrNotExist) {
		return &ServicesConfig{Services: map[string]*ServiceSettings{}}, nil
	}
	return cfg, err
}

// Descriptors returns the enabled services as STOPPED descriptors, sorted
// by id.
func (c *ServicesConfig) Descriptors() []base.Descriptor {
	ids := make([]string, 0, len(c.Services))
	for id, s := range c.Services {
		if s.Enabled {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	out := make([]base.Descriptor, 0, len(ids))
	for _, id := range ids {
		s := c.Services[id]
		typ, _ := state.ParseServiceType(s.Type)
		name := s.Name
		if name == "" {
			name = id
		}
		deps := append([]string{}, s.Dependencies...)
		out = append(out, base.Descriptor{
			ID:           id,
			Name:         name,
			Type:         typ,
			Status:       state.StatusStopped,
			Dependencies: deps,
		})
	}
	return out
}
