package declaration

import (
	"embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"efiling/internal/filing/models"
	"efiling/pkg/platform/sentinel"
)

//go:embed catalog/*.yaml
var catalogFS embed.FS

const defaultCatalog = "catalog/itr.yaml"

// Source supplies the declaration set for a form type.
type Source interface {
	Lookup(formType models.FormType) (models.DeclarationSet, error)
}

// Catalog is an immutable, in-memory set of declaration sets.
type Catalog struct {
	sets map[models.FormType]models.DeclarationSet
}

type catalogFile struct {
	Sets []models.DeclarationSet `yaml:"sets"`
}

// DefaultCatalog loads the catalog compiled into the binary.
func DefaultCatalog() (*Catalog, error) {
	data, err := catalogFS.ReadFile(defaultCatalog)
	if err != nil {
		return nil, fmt.Errorf("read embedded catalog: %w", err)
	}
	return ParseCatalog(data)
}

// LoadCatalog reads a catalog from path, or the embedded one when path is empty.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read declaration catalog %s: %w", path, err)
	}
	return ParseCatalog(data)
}

// ParseCatalog validates and indexes a YAML catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse declaration catalog: %w", err)
	}
	c := &Catalog{sets: make(map[models.FormType]models.DeclarationSet, len(file.Sets))}
	for _, set := range file.Sets {
		if !set.FormType.IsValid() {
			return nil, fmt.Errorf("declaration catalog: unknown form type %q", set.FormType)
		}
		if set.Version == "" {
			return nil, fmt.Errorf("declaration catalog: %s has no version", set.FormType)
		}
		if _, dup := c.sets[set.FormType]; dup {
			return nil, fmt.Errorf("declaration catalog: duplicate set for %s", set.FormType)
		}
		seen := make(map[string]struct{}, len(set.Items))
		for _, item := range set.Items {
			if item.ID == "" || item.Text == "" {
				return nil, fmt.Errorf("declaration catalog: %s has an item without id or text", set.FormType)
			}
			if _, dup := seen[item.ID]; dup {
				return nil, fmt.Errorf("declaration catalog: %s repeats id %q", set.FormType, item.ID)
			}
			seen[item.ID] = struct{}{}
		}
		if len(set.RequiredIDs()) == 0 {
			return nil, fmt.Errorf("declaration catalog: %s has no required declarations", set.FormType)
		}
		c.sets[set.FormType] = set
	}
	return c, nil
}

func (c *Catalog) Lookup(formType models.FormType) (models.DeclarationSet, error) {
	set, ok := c.sets[formType]
	if !ok {
		return models.DeclarationSet{}, fmt.Errorf("declarations for %s: %w", formType, sentinel.ErrNotFound)
	}
	return set, nil
}

// Sets returns every set in the catalog.
func (c *Catalog) Sets() []models.DeclarationSet {
	out := make([]models.DeclarationSet, 0, len(c.sets))
	for _, ft := range []models.FormType{models.FormITR1, models.FormITR2, models.FormITR3, models.FormITR4} {
		if set, ok := c.sets[ft]; ok {
			out = append(out, set)
		}
	}
	return out
}
