package signal

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Source describes one monitored signal channel.
type Source struct {
	Name     string `yaml:"name"`
	ChatID   int64  `yaml:"chat_id"`
	Enabled  bool   `yaml:"enabled"`
	Leverage int    `yaml:"leverage"` // 0 means use the global default
}

// Registry holds the configured signal sources. With no configuration file
// the registry is open: signals from any chat are accepted.
type Registry struct {
	open    bool
	sources map[int64]Source
}

type sourcesFile struct {
	Sources []Source `yaml:"sources"`
}

// LoadRegistry reads the YAML source registry. A missing file yields an open
// registry rather than an error, so the registry is strictly opt-in.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Registry{open: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read signal sources: %w", err)
	}

	var f sourcesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse signal sources: %w", err)
	}

	r := &Registry{sources: make(map[int64]Source, len(f.Sources))}
	for _, s := range f.Sources {
		if s.ChatID == 0 {
			return nil, fmt.Errorf("signal source %q: chat_id is required", s.Name)
		}
		if _, dup := r.sources[s.ChatID]; dup {
			return nil, fmt.Errorf("signal source %q: duplicate chat_id %d", s.Name, s.ChatID)
		}
		r.sources[s.ChatID] = s
	}
	return r, nil
}

// Allowed reports whether signals from chatID should be processed.
func (r *Registry) Allowed(chatID int64) bool {
	if r.open {
		return true
	}
	s, ok := r.sources[chatID]
	return ok && s.Enabled
}

// LeverageFor returns the per-source leverage override, or def.
func (r *Registry) LeverageFor(chatID int64, def int) int {
	if s, ok := r.sources[chatID]; ok && s.Leverage > 0 {
		return s.Leverage
	}
	return def
}

// SourceName returns the configured name for a chat, or empty.
func (r *Registry) SourceName(chatID int64) string {
	return r.sources[chatID].Name
}
