package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FilterPreset is one named, reusable call-list view: a filter predicate
// plus a sort order, following the teacher's internal/config/task.go idea
// of per-task YAML config fragments — adapted here from "capture task"
// fragments to call-view presets, since this analyzer has no scheduled
// task subsystem of its own.
type FilterPreset struct {
	Name    string   `yaml:"name"`
	Methods []string `yaml:"methods"`
	Payload string   `yaml:"payload"`
	Negate  bool     `yaml:"negate"`
	Sort    string   `yaml:"sort"`
}

// presetFile is the root document shape of a presets YAML file: a plain
// list under `presets:`, independent of the `sipwatch:`-rooted main
// config so presets can be authored and shared without touching it.
type presetFile struct {
	Presets []FilterPreset `yaml:"presets"`
}

// LoadPresets reads a YAML file of named filter/sort presets. An empty
// path is not an error: it means no presets were configured.
func LoadPresets(path string) (map[string]FilterPreset, error) {
	if path == "" {
		return map[string]FilterPreset{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read presets file %s: %w", path, err)
	}

	var doc presetFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: parse presets file %s: %w", path, err)
	}

	out := make(map[string]FilterPreset, len(doc.Presets))
	for _, p := range doc.Presets {
		if p.Name == "" {
			return nil, fmt.Errorf("config: presets file %s: preset with empty name", path)
		}
		out[p.Name] = p
	}
	return out, nil
}
