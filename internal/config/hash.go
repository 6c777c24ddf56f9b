package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// checksumFile is the manifest written by `cellgate config lock`.
const checksumFile = ".checksums"

// ChecksumManifest records the expected BLAKE3 hash of config files.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// HashUpdateReport captures checksum generation details for a config file.
type HashUpdateReport struct {
	ConfigPath   string
	ChecksumPath string
	Hash         string
	Written      bool
}

// Fingerprint returns the hex BLAKE3-256 hash of the file at filePath.
func Fingerprint(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// ChecksumPath returns the manifest path for the config file at configPath.
func ChecksumPath(configPath string) string {
	return filepath.Join(filepath.Dir(configPath), checksumFile)
}

// WriteChecksum hashes configPath and records it in the manifest next to it.
// When dryRun is true, the hash is computed but nothing is written.
func WriteChecksum(configPath string, dryRun bool) (*HashUpdateReport, error) {
	hash, err := Fingerprint(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to hash %s: %w", filepath.Base(configPath), err)
	}

	report := &HashUpdateReport{
		ConfigPath:   configPath,
		ChecksumPath: ChecksumPath(configPath),
		Hash:         hash,
	}
	if dryRun {
		return report, nil
	}

	manifest, err := LoadChecksums(report.ChecksumPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if manifest == nil {
		manifest = &ChecksumManifest{Version: 1, Hashes: make(map[string]string)}
	}
	manifest.GeneratedAt = time.Now().UTC().Format(time.RFC3339)
	manifest.Hashes[filepath.Base(configPath)] = hash

	data, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checksums: %w", err)
	}
	// Restrictive permissions: the manifest gates what config may be loaded.
	if err := os.WriteFile(report.ChecksumPath, data, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write checksums: %w", err)
	}
	report.Written = true
	return report, nil
}

// LoadChecksums reads a checksum manifest. A missing file yields an error
// wrapping os.ErrNotExist.
func LoadChecksums(checksumPath string) (*ChecksumManifest, error) {
	data, err := os.ReadFile(checksumPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("checksums file not found (run 'cellgate config lock'): %w", os.ErrNotExist)
		}
		return nil, fmt.Errorf("failed to read checksums: %w", err)
	}

	var manifest ChecksumManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse checksums: %w", err)
	}
	if manifest.Version != 1 {
		return nil, fmt.Errorf("unsupported checksums version: %d", manifest.Version)
	}
	if manifest.Hashes == nil {
		manifest.Hashes = make(map[string]string)
	}
	return &manifest, nil
}

// VerifyChecksum checks configPath against the manifest next to it. Configs
// without a manifest are accepted.
func VerifyChecksum(configPath string) error {
	manifest, err := LoadChecksums(ChecksumPath(configPath))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	name := filepath.Base(configPath)
	expected, ok := manifest.Hashes[name]
	if !ok {
		return fmt.Errorf("%s has no hash in checksums (run 'cellgate config lock')", name)
	}

	actual, err := Fingerprint(configPath)
	if err != nil {
		return fmt.Errorf("failed to compute hash: %w", err)
	}
	if actual != expected {
		return fmt.Errorf("hash mismatch for %s: expected %s, got %s\n"+
			"If you edited this file intentionally, run: cellgate config lock", name, expected, actual)
	}
	return nil
}
