// Package config persists the manager's configuration file. The file is
// plain JSON with three top-level sections: "general" holds the runtime
// settings, "handlers" holds per-capability connection data, and
// "default_handlers" maps each capability role to the identifier used
// when the caller does not name one. Writes merge at section and key
// granularity; a missing or unreadable file reads as an empty
// configuration, never a fatal error.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"

	"llm-interaction-manager/pkg/capability"
	"llm-interaction-manager/pkg/errs"
)

const (
	SectionGeneral         = "general"
	SectionHandlers        = "handlers"
	SectionDefaultHandlers = "default_handlers"
)

type Store struct {
	path string
	mu   sync.Mutex
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Path() string { return s.path }

func (s *Store) readAll() map[string]any {
	v := viper.New()
	v.SetConfigFile(s.path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		// Missing or malformed files behave as an empty configuration.
		return map[string]any{}
	}
	return v.AllSettings()
}

func (s *Store) writeAll(all map[string]any) error {
	if dir := filepath.Dir(s.path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory %s: %w", dir, err)
		}
	}
	v := viper.New()
	v.SetConfigType("json")
	for key, value := range all {
		v.Set(key, value)
	}
	if err := v.WriteConfigAs(s.path); err != nil {
		return fmt.Errorf("write %s: %w", s.path, err)
	}
	return nil
}

func sectionOf(all map[string]any, name string) map[string]any {
	out := map[string]any{}
	raw, ok := all[name]
	if !ok {
		return out
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return out
	}
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Section returns a copy of one top-level section, empty when absent.
func (s *Store) Section(name string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sectionOf(s.readAll(), name)
}

// MergeSection upserts the given keys into one section, leaving the other
// sections and any unmentioned keys untouched. Keys are stored lowercase
// since viper reads them case-insensitively and round-trips must be
// stable.
func (s *Store) MergeSection(name string, values map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.readAll()
	section := sectionOf(all, name)
	for k, v := range values {
		section[strings.ToLower(k)] = v
	}
	all[name] = section
	return s.writeAll(all)
}

// Connection returns the stored connection data for a handler identifier.
func (s *Store) Connection(identifier string) (map[string]any, error) {
	handlers := s.Section(SectionHandlers)
	raw, ok := handlers[strings.ToLower(identifier)]
	if !ok {
		return nil, errs.Configuration("no connection configuration for handler %q", identifier)
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, errs.Configuration("connection configuration for handler %q is not an object", identifier)
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out, nil
}

// SaveConnection upserts connection data for a handler identifier,
// preserving stored keys the new data does not mention.
func (s *Store) SaveConnection(identifier string, cfg map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.readAll()
	handlers := sectionOf(all, SectionHandlers)

	existing := map[string]any{}
	if raw, ok := handlers[strings.ToLower(identifier)]; ok {
		if m, ok := raw.(map[string]any); ok {
			for k, v := range m {
				existing[k] = v
			}
		}
	}
	for k, v := range cfg {
		existing[strings.ToLower(k)] = v
	}
	handlers[strings.ToLower(identifier)] = existing
	all[SectionHandlers] = handlers
	return s.writeAll(all)
}

// DefaultIdentifier reports the persisted default handler for a role. It
// satisfies capability.DefaultSource.
func (s *Store) DefaultIdentifier(role capability.Role) (string, bool) {
	defaults := s.Section(SectionDefaultHandlers)
	raw, ok := defaults[string(role)]
	if !ok {
		return "", false
	}
	id, ok := raw.(string)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// SaveDefaultIdentifier persists the default handler for a role.
func (s *Store) SaveDefaultIdentifier(role capability.Role, identifier string) error {
	return s.MergeSection(SectionDefaultHandlers, map[string]any{
		string(role): strings.ToLower(identifier),
	})
}
