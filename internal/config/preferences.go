package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"smartfarm-notifier/internal/domain/notification"
	"smartfarm-notifier/internal/suppression"
)

// preferencesFile is the on-disk YAML shape of the suppression preferences.
type preferencesFile struct {
	Cooldown   string `yaml:"cooldown,omitempty"`
	QuietHours *struct {
		Enabled bool `yaml:"enabled"`
		Start   int  `yaml:"start"`
		End     int  `yaml:"end"`
	} `yaml:"quiet_hours,omitempty"`
	Levels  map[string]bool `yaml:"levels,omitempty"`
	Sources map[string]bool `yaml:"sources,omitempty"`
}

// DefaultPreferences builds the suppression preferences from the environment.
func (c AgentConfig) DefaultPreferences() suppression.Preferences {
	p := suppression.DefaultPreferences()
	p.Cooldown = c.Cooldown
	p.QuietHours = suppression.QuietHours{
		Enabled:   c.QuietHoursEnabled,
		StartHour: c.QuietHoursStart,
		EndHour:   c.QuietHoursEnd,
	}
	return p
}

// LoadPreferences overlays the YAML file at path onto base. A missing file
// returns base unchanged.
func LoadPreferences(path string, base suppression.Preferences) (suppression.Preferences, error) {
	if path == "" {
		return base, nil
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return base, nil
	}
	if err != nil {
		return base, fmt.Errorf("read preferences: %w", err)
	}

	var file preferencesFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return base, fmt.Errorf("parse preferences %s: %w", path, err)
	}

	p := base
	p.Levels = copyLevels(base.Levels)
	p.Sources = copySources(base.Sources)

	if file.Cooldown != "" {
		d, err := time.ParseDuration(file.Cooldown)
		if err != nil {
			return base, fmt.Errorf("parse preferences cooldown: %w", err)
		}
		p.Cooldown = d
	}
	if file.QuietHours != nil {
		p.QuietHours = suppression.QuietHours{
			Enabled:   file.QuietHours.Enabled,
			StartHour: file.QuietHours.Start,
			EndHour:   file.QuietHours.End,
		}
		if err := p.QuietHours.Validate(); err != nil {
			return base, err
		}
	}
	for name, enabled := range file.Levels {
		level, err := notification.ParseLevel(name)
		if err != nil {
			return base, err
		}
		p.Levels[level] = enabled
	}
	for name, enabled := range file.Sources {
		p.Sources[notification.Source(name)] = enabled
	}
	return p, nil
}

// SavePreferences writes p to path as YAML.
func SavePreferences(path string, p suppression.Preferences) error {
	file := preferencesFile{
		Cooldown: p.Cooldown.String(),
		Levels:   make(map[string]bool, len(p.Levels)),
		Sources:  make(map[string]bool, len(p.Sources)),
	}
	file.QuietHours = &struct {
		Enabled bool `yaml:"enabled"`
		Start   int  `yaml:"start"`
		End     int  `yaml:"end"`
	}{p.QuietHours.Enabled, p.QuietHours.StartHour, p.QuietHours.EndHour}
	for l, v := range p.Levels {
		file.Levels[string(l)] = v
	}
	for s, v := range p.Sources {
		file.Sources[string(s)] = v
	}

	raw, err := yaml.Marshal(&file)
	if err != nil {
		return fmt.Errorf("encode preferences: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write preferences: %w", err)
	}
	return os.Rename(tmp, path)
}

func copyLevels(in map[notification.Level]bool) map[notification.Level]bool {
	out := make(map[notification.Level]bool, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copySources(in map[notification.Source]bool) map[notification.Source]bool {
	out := make(map[notification.Source]bool, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
