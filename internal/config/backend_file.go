package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "mealsense-data"
		}
	}
	return filepath.Join(dir, "mealsense")
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "mealsense", "config.json")
}

// fileBackend keeps settings grouped by section, mirroring Config:
//
//	{"server": {"port": 4100}, "cache": {"backend": "redis"}}
//
// Flat dotted keys ("server.port": 4100) are still read and are rewritten
// into their section on the next save.
type fileBackend struct {
	path     string
	sections map[string]map[string]any
}

func newPlatformBackend() ConfigBackend {
	return newFileBackend(configFilePath())
}

func newFileBackend(path string) *fileBackend {
	b := &fileBackend{path: path, sections: make(map[string]map[string]any)}
	b.load()
	return b
}

func splitKey(key string) (section, field string) {
	section, field, ok := strings.Cut(key, ".")
	if !ok {
		return "", key
	}
	return section, field
}

func (b *fileBackend) load() {
	raw, err := os.ReadFile(b.path)
	if err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "[WARN] could not read config file %s: %v. Using default values.\n", b.path, err)
		}
		return
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var top map[string]any
	if err := dec.Decode(&top); err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] could not parse config file %s: %v. Using default values.\n", b.path, err)
		return
	}

	for k, v := range top {
		if nested, ok := v.(map[string]any); ok {
			for field, fv := range nested {
				b.put(k, field, fv)
			}
			continue
		}
		section, field := splitKey(k)
		b.put(section, field, v)
	}
}

func (b *fileBackend) put(section, field string, v any) {
	m, ok := b.sections[section]
	if !ok {
		m = make(map[string]any)
		b.sections[section] = m
	}
	m[field] = v
}

func (b *fileBackend) lookup(key string) (any, bool) {
	section, field := splitKey(key)
	v, ok := b.sections[section][field]
	return v, ok
}

// save writes through a temp file so a crash never leaves a truncated config.
func (b *fileBackend) save() error {
	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := json.MarshalIndent(b.sections, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".config-*.json")
	if err != nil {
		return fmt.Errorf("creating temp config: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp config: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), b.path)
}

func (b *fileBackend) GetString(key string) (string, bool, error) {
	v, ok := b.lookup(key)
	if !ok {
		return "", false, nil
	}
	switch val := v.(type) {
	case string:
		return val, true, nil
	case json.Number:
		return val.String(), true, nil
	default:
		return "", true, fmt.Errorf("%s must be a string, got %T", key, v)
	}
}

func (b *fileBackend) GetInt(key string) (int, bool, error) {
	v, ok := b.lookup(key)
	if !ok {
		return 0, false, nil
	}
	var s string
	switch val := v.(type) {
	case json.Number:
		s = val.String()
	case string:
		s = val
	case int:
		return val, true, nil
	default:
		return 0, true, fmt.Errorf("%s must be an integer, got %T", key, v)
	}
	i, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, true, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return i, true, nil
}

func (b *fileBackend) SetString(key, val string) error {
	section, field := splitKey(key)
	b.put(section, field, val)
	return b.save()
}

func (b *fileBackend) SetInt(key string, val int) error {
	section, field := splitKey(key)
	b.put(section, field, val)
	return b.save()
}

func (b *fileBackend) Delete(key string) error {
	section, field := splitKey(key)
	m, ok := b.sections[section]
	if !ok {
		return nil
	}
	delete(m, field)
	if len(m) == 0 {
		delete(b.sections, section)
	}
	return b.save()
}
