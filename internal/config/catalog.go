package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fentz26/kaiba/internal/models"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Catalog is the file format of a backend catalog.
//
//	backends:
//	  - id: gemini-pro
//	    provider: google
//	    model: gemini-2.5-pro
//	    priority: 1
//	links:
//	  persona-id: [gemini-pro]
type Catalog struct {
	Backends []CatalogBackend    `json:"backends" yaml:"backends" toml:"backends"`
	Links    map[string][]string `json:"links,omitempty" yaml:"links,omitempty" toml:"links,omitempty"`
}

// CatalogBackend is one backend entry of a catalog.
type CatalogBackend struct {
	ID       string               `json:"id" yaml:"id" toml:"id"`
	Name     string               `json:"name,omitempty" yaml:"name,omitempty" toml:"name,omitempty"`
	Provider string               `json:"provider" yaml:"provider" toml:"provider"`
	Model    string               `json:"model" yaml:"model" toml:"model"`
	Priority int                  `json:"priority,omitempty" yaml:"priority,omitempty" toml:"priority,omitempty"`
	Fallback bool                 `json:"fallback,omitempty" yaml:"fallback,omitempty" toml:"fallback,omitempty"`
	Config   models.BackendConfig `json:"config,omitempty" yaml:"config,omitempty" toml:"config,omitempty"`
}

// LoadCatalog reads a catalog file. The extension selects the format:
// .yaml and .yml use YAML, .toml uses TOML.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}

	var cat Catalog
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cat)
	case ".toml":
		err = toml.Unmarshal(data, &cat)
	default:
		return nil, fmt.Errorf("unsupported catalog format %q", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	if _, err := cat.Models(); err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return &cat, nil
}

// Models converts the catalog entries to backends, checking ids are unique
// and links refer to known backends.
func (c Catalog) Models() ([]models.Backend, error) {
	seen := make(map[string]bool, len(c.Backends))
	out := make([]models.Backend, 0, len(c.Backends))
	var errs []error
	for i, b := range c.Backends {
		id := strings.TrimSpace(b.ID)
		if id == "" {
			errs = append(errs, fmt.Errorf("backend #%d: id is required", i+1))
			continue
		}
		if seen[id] {
			errs = append(errs, fmt.Errorf("backend %s: duplicate id", id))
			continue
		}
		seen[id] = true

		provider, err := models.ParseProvider(b.Provider)
		if err != nil {
			errs = append(errs, fmt.Errorf("backend %s: %w", id, err))
			continue
		}
		if strings.TrimSpace(b.Model) == "" {
			errs = append(errs, fmt.Errorf("backend %s: model is required", id))
			continue
		}
		name := b.Name
		if name == "" {
			name = id
		}
		out = append(out, models.Backend{
			ID:         id,
			Name:       name,
			Provider:   provider,
			ModelID:    b.Model,
			Priority:   b.Priority,
			IsFallback: b.Fallback,
			Config:     b.Config,
		})
	}
	for persona, ids := range c.Links {
		for _, id := range ids {
			if !seen[id] {
				errs = append(errs, fmt.Errorf("link %s -> %s: unknown backend", persona, id))
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return out, nil
}
