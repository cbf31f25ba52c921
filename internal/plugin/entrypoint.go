package plugin

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// EntryPoint turns a plugin directory into a Plugin. A directory qualifies
// for an entry point when it contains the entry point's File.
type EntryPoint interface {
	File() string
	Load(ctx context.Context, dir, id string) (Plugin, error)
}

// ManifestFile is the entry point file for builtin plugins.
const ManifestFile = "plugin.yaml"

// Manifest is the decoded plugin.yaml of a builtin plugin directory.
type Manifest struct {
	Name       string            `yaml:"name"`
	Builtin    string            `yaml:"builtin"`
	OrderAfter []string          `yaml:"order_after"`
	Settings   []Setting         `yaml:"settings"`
	Config     map[string]string `yaml:"config"`

	// ID and Dir are filled by the loader, not the file.
	ID  string `yaml:"-"`
	Dir string `yaml:"-"`
}

// NameOr returns the manifest name or fallback when it is unset.
func (m Manifest) NameOr(fallback string) string {
	if n := strings.TrimSpace(m.Name); n != "" {
		return n
	}
	return fallback
}

// Factory builds a builtin plugin from its manifest.
type Factory func(m Manifest) (Plugin, error)

// ParseManifest decodes and validates a plugin.yaml payload.
func ParseManifest(data []byte) (Manifest, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Manifest{}, fmt.Errorf("manifest is empty")
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	m.Builtin = strings.TrimSpace(m.Builtin)
	if m.Builtin == "" {
		return Manifest{}, fmt.Errorf("manifest has no builtin")
	}
	for i, s := range m.Settings {
		if strings.TrimSpace(s.Key) == "" {
			return Manifest{}, fmt.Errorf("setting[%d] has no key", i)
		}
	}
	return m, nil
}

// Builtins is the manifest entry point, mapping builtin names to factories.
type Builtins map[string]Factory

// File implements EntryPoint.
func (b Builtins) File() string { return ManifestFile }

// Load implements EntryPoint.
func (b Builtins) Load(_ context.Context, dir, id string) (Plugin, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, err
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, err
	}
	factory, ok := b[m.Builtin]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBuiltin, m.Builtin)
	}
	m.ID = id
	m.Dir = dir
	return factory(m)
}
