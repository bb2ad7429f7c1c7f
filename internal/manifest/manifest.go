// Package manifest parses and validates pinned dependency manifests.
package manifest

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var ErrInvalidManifest = errors.New("invalid_manifest")

var (
	namePattern      = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
	separatorPattern = regexp.MustCompile(`[-_.]+`)
)

type Entry struct {
	Name    string `json:"name" yaml:"name"`
	Version string `json:"version" yaml:"version"`
}

func (e Entry) String() string {
	return e.Name + "==" + e.Version
}

// Manifest is an ordered, validated list of pinned packages.
type Manifest struct {
	entries []Entry
}

type yamlDocument struct {
	Packages []Entry `yaml:"packages"`
}

// New validates entries and returns an immutable manifest.
func New(entries []Entry) (Manifest, error) {
	out := make([]Entry, 0, len(entries))
	seen := make(map[string]int, len(entries))
	for i, entry := range entries {
		entry.Name = strings.TrimSpace(entry.Name)
		entry.Version = strings.TrimSpace(entry.Version)
		if err := ValidateName(entry.Name); err != nil {
			return Manifest{}, fmt.Errorf("%w: packages[%d]: %v", ErrInvalidManifest, i, err)
		}
		if err := ValidateVersion(entry.Version); err != nil {
			return Manifest{}, fmt.Errorf("%w: packages[%d] %s: %v", ErrInvalidManifest, i, entry.Name, err)
		}
		key := NormalizeName(entry.Name)
		if prev, ok := seen[key]; ok {
			return Manifest{}, fmt.Errorf("%w: packages[%d] duplicates packages[%d] (%q)", ErrInvalidManifest, i, prev, entry.Name)
		}
		seen[key] = i
		out = append(out, entry)
	}
	return Manifest{entries: out}, nil
}

// Parse reads the line format: one `name==version` or `name version` per line.
func Parse(input []byte) (Manifest, error) {
	var entries []Entry
	scanner := bufio.NewScanner(bytes.NewReader(input))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if idx := strings.Index(line, "#"); idx >= 0 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var name, version string
		if before, after, ok := strings.Cut(line, "=="); ok {
			name, version = strings.TrimSpace(before), strings.TrimSpace(after)
		} else {
			fields := strings.Fields(line)
			if len(fields) != 2 {
				return Manifest{}, fmt.Errorf("%w: line %d: want `name==version`, got %q", ErrInvalidManifest, lineNo, line)
			}
			name, version = fields[0], fields[1]
		}
		entries = append(entries, Entry{Name: name, Version: version})
	}
	if err := scanner.Err(); err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	return New(entries)
}

// ParseYAML reads `packages: [{name, version}]`.
func ParseYAML(input []byte) (Manifest, error) {
	var doc yamlDocument
	if err := yaml.Unmarshal(input, &doc); err != nil {
		return Manifest{}, fmt.Errorf("%w: decode: %v", ErrInvalidManifest, err)
	}
	return New(doc.Packages)
}

// Load picks the format from the file extension.
func Load(path string) (Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(raw)
	default:
		return Parse(raw)
	}
}

func (m Manifest) Entries() []Entry {
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

func (m Manifest) Len() int {
	return len(m.entries)
}

// Digest hashes the canonical manifest in declaration order.
func (m Manifest) Digest() string {
	h := sha256.New()
	for _, entry := range m.entries {
		fmt.Fprintf(h, "%s==%s\n", NormalizeName(entry.Name), entry.Version)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// NormalizeName lowercases and collapses separator runs, so Foo_Bar and foo-bar collide.
func NormalizeName(name string) string {
	return separatorPattern.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "-")
}

func ValidateName(name string) error {
	if name == "" {
		return errors.New("name is required")
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("name %q is not a valid package name", name)
	}
	return nil
}

// ValidateVersion accepts exact pins only.
func ValidateVersion(version string) error {
	if version == "" {
		return errors.New("version is required")
	}
	if strings.ContainsAny(version, "<>=!~^,* \t") {
		return fmt.Errorf("version %q is a range, want an exact pin", version)
	}
	if version[0] < '0' || version[0] > '9' {
		return fmt.Errorf("version %q must start with a digit", version)
	}
	for _, segment := range strings.FieldsFunc(version, func(r rune) bool { return r == '.' || r == '-' || r == '+' }) {
		if segment == "x" || segment == "X" {
			return fmt.Errorf("version %q has a wildcard segment", version)
		}
	}
	for _, r := range version {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r == '.' || r == '-' || r == '+' || r == '_') {
			return fmt.Errorf("version %q has invalid character %q", version, r)
		}
	}
	return nil
}
