package runbook

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Parse decodes a YAML or JSON runbook document after checking it against the
// document schema. The result is not structurally validated. A document
// without is_enabled is enabled.
func Parse(data []byte) (Runbook, error) {
	if err := ValidateDocument(data); err != nil {
		return Runbook{}, err
	}
	rb := Runbook{IsEnabled: true}
	if err := yaml.Unmarshal(data, &rb); err != nil {
		return Runbook{}, fmt.Errorf("decoding runbook: %w", err)
	}
	return rb, nil
}

func LoadFile(path string) (Runbook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Runbook{}, fmt.Errorf("reading runbook %s: %w", path, err)
	}
	rb, err := Parse(data)
	if err != nil {
		return Runbook{}, fmt.Errorf("parsing runbook %s: %w", path, err)
	}
	if rb.ID == "" {
		rb.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return rb, nil
}

// LoadDir reads every .yaml, .yml and .json file in dir, in name order.
func LoadDir(dir string) ([]Runbook, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading runbook directory: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml", ".json":
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	out := make([]Runbook, 0, len(names))
	for _, name := range names {
		rb, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		out = append(out, rb)
	}
	return out, nil
}
