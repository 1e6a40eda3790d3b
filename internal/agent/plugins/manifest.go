// Package plugins loads script-backed tools from plugin manifests and runs
// them as subprocesses.
package plugins

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	"github.com/rs/zerolog/log"

	"github.com/itsharex/aeroftp-sub001/internal/agent/tools"
)

// ManifestFile is the manifest name inside each plugin directory.
const ManifestFile = "plugin.json"

// Param describes one argument of a plugin tool.
type Param struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Required    bool   `json:"required,omitempty"`
}

// ToolDef is a tool contributed by a plugin.
type ToolDef struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Parameters  []Param `json:"parameters"`
	DangerLevel string  `json:"dangerLevel,omitempty"`
	Command     string  `json:"command"`
}

// Manifest is the content of a plugin.json file.
type Manifest struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	Version string    `json:"version"`
	Author  string    `json:"author"`
	Tools   []ToolDef `json:"tools"`
	Enabled bool      `json:"enabled"`

	// Dir is the plugin directory the manifest was read from.
	Dir string `json:"-"`
}

// UnmarshalJSON defaults Enabled to true when the field is absent.
func (m *Manifest) UnmarshalJSON(data []byte) error {
	type plain Manifest
	aux := plain{Enabled: true}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*m = Manifest(aux)
	return nil
}

// ValidID reports whether id is non-empty and only letters, digits or underscores.
func ValidID(id string) bool {
	if id == "" {
		return false
	}
	for _, r := range id {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' {
			return false
		}
	}
	return true
}

// Danger returns the effective danger of the tool. Plugins never rank as
// safe, and an unrecognized declaration is treated as high.
func (t ToolDef) Danger() tools.DangerLevel {
	if strings.TrimSpace(t.DangerLevel) == "" {
		return tools.DangerMedium
	}
	level, err := tools.ParseDangerLevel(t.DangerLevel)
	if err != nil {
		return tools.DangerHigh
	}
	return tools.MaxDanger(level, tools.DangerMedium)
}

// Definition converts the tool to a registry definition.
func (t ToolDef) Definition(pluginID string) tools.Definition {
	params := make([]tools.Parameter, 0, len(t.Parameters))
	for _, p := range t.Parameters {
		params = append(params, tools.Parameter{Name: p.Name, Type: p.Type, Description: p.Description, Required: p.Required})
	}
	return tools.Definition{
		Name:        t.Name,
		Description: fmt.Sprintf("%s (plugin %s)", t.Description, pluginID),
		Parameters:  params,
		Danger:      t.Danger(),
		Origin:      tools.OriginPlugin,
		Mutating:    true,
		Exclusive:   true,
	}
}

// Load scans dir for <id>/plugin.json manifests. Invalid and disabled
// plugins are skipped with a log line. A missing dir yields no plugins.
func Load(dir string) ([]Manifest, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read plugins directory: %w", err)
	}

	var manifests []Manifest
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name(), ManifestFile)
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Failed to read plugin manifest")
			continue
		}
		var m Manifest
		if err := json.Unmarshal(data, &m); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Skipping invalid plugin manifest")
			continue
		}
		if !ValidID(m.ID) {
			log.Warn().Str("path", path).Str("plugin", m.ID).Msg("Skipping plugin with invalid id")
			continue
		}
		if !m.Enabled {
			log.Debug().Str("plugin", m.ID).Msg("Skipping disabled plugin")
			continue
		}
		m.Dir = filepath.Join(dir, entry.Name())
		manifests = append(manifests, m)
	}
	sort.Slice(manifests, func(i, j int) bool { return manifests[i].ID < manifests[j].ID })
	return manifests, nil
}

// Install writes a manifest into dir/<id>/plugin.json and returns the id.
func Install(dir string, manifestJSON []byte) (string, error) {
	var m Manifest
	if err := json.Unmarshal(manifestJSON, &m); err != nil {
		return "", fmt.Errorf("invalid manifest: %w", err)
	}
	if !ValidID(m.ID) {
		return "", fmt.Errorf("plugin id must be non-empty alphanumeric with underscores")
	}
	pluginDir := filepath.Join(dir, m.ID)
	if err := os.MkdirAll(pluginDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create plugin directory: %w", err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(pluginDir, ManifestFile), data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write manifest: %w", err)
	}
	log.Info().Str("plugin", m.ID).Str("version", m.Version).Msg("Installed plugin")
	return m.ID, nil
}

// Remove deletes an installed plugin.
func Remove(dir, id string) error {
	if !ValidID(id) {
		return fmt.Errorf("invalid plugin id %q", id)
	}
	pluginDir := filepath.Join(dir, id)
	if _, err := os.Stat(pluginDir); err != nil {
		return fmt.Errorf("plugin %q not found", id)
	}
	if err := os.RemoveAll(pluginDir); err != nil {
		return fmt.Errorf("failed to remove plugin: %w", err)
	}
	log.Info().Str("plugin", id).Msg("Removed plugin")
	return nil
}
