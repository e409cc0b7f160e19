package config

import (
	"fmt"
	"strings"
)

// KeyInfo describes a config key for display purposes. Default is true when
// the effective value equals the built-in default.
type KeyInfo struct {
	Section string
	Key     string
	EnvVar  string
	Value   string
	Default bool
}

// ShowAll returns every non-secret key in declaration order, which groups
// keys by section.
func ShowAll(cfg Config) []KeyInfo {
	def := defaults()
	var result []KeyInfo
	for _, s := range specs {
		if s.secret {
			continue
		}
		section, _ := splitKey(s.key)
		value := fmt.Sprintf("%v", s.extract(cfg))
		result = append(result, KeyInfo{
			Section: section,
			Key:     s.key,
			EnvVar:  s.env,
			Value:   value,
			Default: value == fmt.Sprintf("%v", s.extract(def)),
		})
	}
	return result
}

// SetKey validates value and writes it to the config file.
func SetKey(key, value string) error {
	return setKey(newPlatformBackend(), key, value)
}

// UnsetKey removes key from the config file so the default applies again.
func UnsetKey(key string) error {
	return unsetKey(newPlatformBackend(), key)
}

func settable(key string) (keySpec, error) {
	s, ok := lookupSpec(key)
	if !ok {
		return keySpec{}, fmt.Errorf("unknown config key %q (valid keys: %s)", key, strings.Join(ValidKeys(), ", "))
	}
	if s.secret {
		return keySpec{}, fmt.Errorf("cannot set secret %q via config; use environment variable %s", key, s.env)
	}
	return s, nil
}

func setKey(b ConfigBackend, key, value string) error {
	s, err := settable(key)
	if err != nil {
		return err
	}
	v, err := s.parseValue(value)
	if err != nil {
		return err
	}
	if s.typ == kInt {
		return b.SetInt(key, v.(int))
	}
	return b.SetString(key, v.(string))
}

func unsetKey(b ConfigBackend, key string) error {
	if _, err := settable(key); err != nil {
		return err
	}
	return b.Delete(key)
}

// ValidKeys returns the list of valid non-secret config key names.
func ValidKeys() []string {
	var keys []string
	for _, s := range specs {
		if !s.secret {
			keys = append(keys, s.key)
		}
	}
	return keys
}
