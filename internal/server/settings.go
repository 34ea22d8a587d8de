package server

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/6ilo/plotter/internal/device"
)

// NamedProfile is one stored speed profile.
type NamedProfile struct {
	Name    string              `yaml:"name" json:"name"`
	Default bool                `yaml:"default" json:"default"`
	Profile device.SpeedProfile `yaml:"profile" json:"profile"`
}

// SettingsStore persists named speed profiles to a YAML file. At most
// one profile is marked default; setting a new default clears all
// others on write.
type SettingsStore struct {
	mu       sync.Mutex
	path     string
	profiles []NamedProfile
}

// NewSettingsStore loads the store from path, starting empty if the
// file does not exist.
func NewSettingsStore(path string) *SettingsStore {
	s := &SettingsStore{path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		return s
	}
	if err := yaml.Unmarshal(data, &s.profiles); err != nil {
		log.Printf("[settings] error parsing %s: %v, starting empty", path, err)
		s.profiles = nil
	}
	return s
}

// List returns a copy of all stored profiles.
func (s *SettingsStore) List() []NamedProfile {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]NamedProfile, len(s.profiles))
	copy(out, s.profiles)
	return out
}

// Upsert inserts or replaces the profile with p.Name. If p is marked
// default, every other default flag is cleared.
func (s *SettingsStore) Upsert(p NamedProfile) error {
	if p.Name == "" {
		return fmt.Errorf("settings: profile name required")
	}
	s.mu.Lock()
	if p.Default {
		for i := range s.profiles {
			s.profiles[i].Default = false
		}
	}
	replaced := false
	for i := range s.profiles {
		if s.profiles[i].Name == p.Name {
			s.profiles[i] = p
			replaced = true
			break
		}
	}
	if !replaced {
		s.profiles = append(s.profiles, p)
	}
	s.mu.Unlock()
	return s.save()
}

// Delete removes the profile with the given name. Unknown names are a
// no-op.
func (s *SettingsStore) Delete(name string) error {
	s.mu.Lock()
	kept := s.profiles[:0]
	for _, p := range s.profiles {
		if p.Name != name {
			kept = append(kept, p)
		}
	}
	s.profiles = kept
	s.mu.Unlock()
	return s.save()
}

// Default returns the default profile, if one is marked.
func (s *SettingsStore) Default() (device.SpeedProfile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.profiles {
		if p.Default {
			return p.Profile, true
		}
	}
	return device.SpeedProfile{}, false
}

func (s *SettingsStore) save() error {
	s.mu.Lock()
	data, err := yaml.Marshal(s.profiles)
	path := s.path
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if path == "" {
		return nil // in-memory store (tests)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
