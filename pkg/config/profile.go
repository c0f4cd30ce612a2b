package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// SupportedProfileVersions is the range of profile schema versions this
// build understands.
const SupportedProfileVersions = ">= 1.0.0, < 2.0.0"

// Profile is a YAML file of default per-community values, applied wherever
// a community has not set its own.
type Profile struct {
	Version  string         `yaml:"version" json:"version"`
	Name     string         `yaml:"name,omitempty" json:"name,omitempty"`
	Defaults map[string]any `yaml:"defaults" json:"defaults"`

	encoded map[string]json.RawMessage
}

// LoadProfile reads and validates a profile file.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}
	return ParseProfile(data)
}

// ParseProfile decodes a profile and checks its version and keys.
func ParseProfile(data []byte) (*Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse profile: %w", err)
	}

	v, err := semver.NewVersion(p.Version)
	if err != nil {
		return nil, fmt.Errorf("profile version %q: %w", p.Version, err)
	}
	constraint, err := semver.NewConstraint(SupportedProfileVersions)
	if err != nil {
		return nil, err
	}
	if !constraint.Check(v) {
		return nil, fmt.Errorf("profile version %s not in supported range %s", v, SupportedProfileVersions)
	}

	p.encoded = make(map[string]json.RawMessage, len(p.Defaults))
	for key, val := range p.Defaults {
		if !IsKnownKey(key) {
			return nil, fmt.Errorf("profile: unknown key %q", key)
		}
		raw, err := json.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("profile: encode %s: %w", key, err)
		}
		p.encoded[key] = raw
	}
	return &p, nil
}

// Default returns the profile's JSON value for key.
func (p *Profile) Default(key string) (json.RawMessage, bool) {
	if p == nil {
		return nil, false
	}
	raw, ok := p.encoded[key]
	return raw, ok
}
