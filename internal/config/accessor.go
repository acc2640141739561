package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// GetByPath retrieves a config value by dot-notation path
// (e.g. "debounce.windowSeconds").
func GetByPath(cfg *Config, path string) (any, error) {
	m, err := toMap(cfg)
	if err != nil {
		return nil, err
	}

	var current any = m
	for _, key := range strings.Split(path, ".") {
		node, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("cannot traverse into %T at %q", current, key)
		}
		current, ok = node[key]
		if !ok {
			return nil, fmt.Errorf("key not found: %s", path)
		}
	}
	return current, nil
}

// SetByPath sets a config value by dot-notation path, coercing the string
// value to the JSON type already present, and writes the result back into cfg.
func SetByPath(cfg *Config, path, value string) error {
	m, err := toMap(cfg)
	if err != nil {
		return err
	}

	parts := strings.Split(path, ".")
	node := m
	for _, key := range parts[:len(parts)-1] {
		next, ok := node[key].(map[string]any)
		if !ok {
			return fmt.Errorf("key not found: %s", path)
		}
		node = next
	}
	node[parts[len(parts)-1]] = coerce(value)

	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("invalid value for %s: %w", path, err)
	}
	return Validate(cfg)
}

func toMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func coerce(value string) any {
	if n, err := strconv.ParseFloat(value, 64); err == nil {
		return n
	}
	if b, err := strconv.ParseBool(value); err == nil {
		return b
	}
	return value
}
