package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// GetPath retrieves a value from the configuration using a dot-notation path
// such as "dispatcher.busy_poll_interval".
func (c *Config) GetPath(path string) (any, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}

	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return getValue(m, path)
}

func getValue(m map[string]any, path string) (any, error) {
	parts := strings.Split(path, ".")
	var current any = m

	for _, part := range parts {
		if part == "" {
			continue
		}

		m, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("path %q breaks at %q (not a map)", path, part)
		}

		val, exists := m[part]
		if !exists {
			return nil, fmt.Errorf("path %q: key %q not found", path, part)
		}
		current = val
	}

	return current, nil
}

func findNode(node *yaml.Node, path string, create bool) (*yaml.Node, error) {
	parts := strings.Split(path, ".")
	current := node

	for _, part := range parts {
		if current.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("not a mapping node")
		}

		found := false
		for i := 0; i < len(current.Content); i += 2 {
			if current.Content[i].Value == part {
				current = current.Content[i+1]
				found = true
				break
			}
		}
		if found {
			continue
		}
		if !create {
			return nil, fmt.Errorf("key %q not found", part)
		}

		keyNode := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: part}
		// The last part is overwritten with a scalar by the caller.
		valueNode := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		current.Content = append(current.Content, keyNode, valueNode)
		current = valueNode
	}

	return current, nil
}

// SetPath modifies a configuration value at the specified path in the source
// file. With persist, the edited file is validated before it replaces the
// original, and an existing checksum manifest is refreshed.
func (c *Config) SetPath(path, value string, persist bool) error {
	if c.SourcePath == "" {
		return fmt.Errorf("no valid configuration source found")
	}

	original, err := os.ReadFile(c.SourcePath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var root yaml.Node
	if err := yaml.Unmarshal(original, &root); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		root = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}}}
	}

	target, err := findNode(root.Content[0], path, true)
	if err != nil {
		return fmt.Errorf("failed to navigate/create path %q: %w", path, err)
	}

	target.Kind = yaml.ScalarNode
	target.Value = value
	target.Tag = guessTag(value)
	target.Content = nil

	candidate, err := yaml.Marshal(&root)
	if err != nil {
		return err
	}

	updated, err := parseCandidate(candidate)
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	if !persist {
		updated.SourcePath = c.SourcePath
		*c = *updated
		return nil
	}

	return c.persist(candidate, original, updated)
}

func parseCandidate(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), &cfg); err != nil {
		return nil, err
	}
	applyConfigDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func guessTag(v string) string {
	if v == "true" || v == "false" {
		return "!!bool"
	}
	isDigit := true
	for i, c := range v {
		if i == 0 && c == '-' {
			continue
		}
		if c < '0' || c > '9' {
			isDigit = false
			break
		}
	}
	if isDigit && v != "" && v != "-" {
		return "!!int"
	}
	return "!!str"
}

func (c *Config) persist(candidate, original []byte, updated *Config) error {
	mode := os.FileMode(0o644)
	if info, statErr := os.Stat(c.SourcePath); statErr == nil {
		mode = info.Mode().Perm()
	}

	if err := os.WriteFile(c.SourcePath, candidate, mode); err != nil {
		return fmt.Errorf("failed to persist config change: %w", err)
	}

	if _, err := LoadChecksums(ChecksumPath(c.SourcePath)); err == nil {
		if _, err := WriteChecksum(c.SourcePath, false); err != nil {
			if restoreErr := os.WriteFile(c.SourcePath, original, mode); restoreErr != nil {
				return fmt.Errorf("checksum refresh failed (%v) and rollback failed (%v)", err, restoreErr)
			}
			return fmt.Errorf("checksum refresh failed: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	updated.SourcePath = c.SourcePath
	*c = *updated
	return nil
}
