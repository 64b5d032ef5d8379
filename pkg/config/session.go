package config

import (
	"maps"

	"github.com/pkg/errors"
)

// SessionConfig is the engine configuration combined with the property
// overrides a client supplied alongside a statement.
type SessionConfig struct {
	base      Config
	overrides map[string]string
}

// NewSessionConfig creates a session configuration. The overrides map is
// copied.
func NewSessionConfig(base Config, overrides map[string]string) SessionConfig {
	return SessionConfig{base: base, overrides: maps.Clone(overrides)}
}

// Config returns the effective configuration. When withOverrides is false the
// base configuration is returned unchanged. Invalid overrides are ignored
// here; call CheckOverrides to surface them.
func (s SessionConfig) Config(withOverrides bool) Config {
	if !withOverrides || len(s.overrides) == 0 {
		return s.base
	}
	cfg, err := s.base.WithOverrides(s.overrides)
	if err != nil {
		return s.base
	}
	return cfg
}

// Overrides returns a copy of the session overrides.
func (s SessionConfig) Overrides() map[string]string {
	return maps.Clone(s.overrides)
}

// WithOverride returns a copy of the session with one more override.
func (s SessionConfig) WithOverride(name, value string) SessionConfig {
	o := maps.Clone(s.overrides)
	if o == nil {
		o = make(map[string]string, 1)
	}
	o[name] = value
	return SessionConfig{base: s.base, overrides: o}
}

// CheckOverrides fails when an override targets an immutable or unknown
// property, or carries an unparsable value.
func (s SessionConfig) CheckOverrides() error {
	for name := range s.overrides {
		if s.base.IsImmutable(name) {
			return errors.Wrapf(ErrImmutableProperty, "%s", name)
		}
	}
	_, err := s.base.WithOverrides(s.overrides)
	return err
}
