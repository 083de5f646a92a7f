// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.yaml.in/yaml/v3"
)

// ExportEntry is one chunk as written to the export files.
type ExportEntry struct {
	ID      string `json:"id" yaml:"id"`
	Source  string `json:"source" yaml:"source"`
	Chapter int    `json:"chapter" yaml:"chapter"`
	Seq     int    `json:"seq" yaml:"seq"`
	Text    string `json:"text" yaml:"text"`
}

// ExportYAML writes the namespace to knowledge/index/<project>.yaml and
// returns the path.
func (n *Namespace) ExportYAML(ctx context.Context) (string, error) {
	entries, err := n.exportEntries(ctx)
	if err != nil {
		return "", err
	}
	data, err := yaml.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("marshaling YAML: %w", err)
	}
	path := filepath.Join(n.store.dir, indexDir, n.project+".yaml")
	return path, os.WriteFile(path, data, 0o644)
}

// ExportJSON writes the namespace to knowledge/index/<project>.json and
// returns the path.
func (n *Namespace) ExportJSON(ctx context.Context) (string, error) {
	entries, err := n.exportEntries(ctx)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling JSON: %w", err)
	}
	path := filepath.Join(n.store.dir, indexDir, n.project+".json")
	return path, os.WriteFile(path, data, 0o644)
}

func (n *Namespace) exportEntries(ctx context.Context) ([]ExportEntry, error) {
	chunks, err := n.Chunks(ctx)
	if err != nil {
		return nil, fmt.Errorf("querying for export: %w", err)
	}
	entries := make([]ExportEntry, len(chunks))
	for i, c := range chunks {
		entries[i] = ExportEntry{
			ID:      c.ID,
			Source:  string(c.Source),
			Chapter: c.Chapter,
			Seq:     c.Seq,
			Text:    c.Text,
		}
	}
	return entries, nil
}
