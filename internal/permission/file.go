package permission

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// stringOrList handles YAML fields that can be either a single string
// or a list of strings. In catalog.yaml, users can write either:
//
//	permissions: planner:read
//	permissions: [planner:read, planner:write]
type stringOrList []string

// UnmarshalYAML handles both the scalar and the sequence form.
func (s *stringOrList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		*s = []string{value.Value}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		*s = list
		return nil
	default:
		return fmt.Errorf("expected string or list, got %v", value.Kind)
	}
}

// catalogFile is the YAML envelope for catalog.yaml.
type catalogFile struct {
	Roles []Role `yaml:"roles"`
	Tiers []Tier `yaml:"tiers"`
}

// LoadCatalog reads catalog.yaml. A missing or empty file yields the
// built-in default catalog.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultCatalog(), nil
		}
		return nil, fmt.Errorf("reading catalog %s: %w", path, err)
	}
	if len(data) == 0 {
		return DefaultCatalog(), nil
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing catalog %s: %w", path, err)
	}

	c, err := NewCatalog(file.Roles, file.Tiers)
	if err != nil {
		return nil, fmt.Errorf("invalid catalog %s: %w", path, err)
	}
	return c, nil
}

// SaveCatalog writes a catalog to path in the format LoadCatalog reads.
func SaveCatalog(path string, c *Catalog) error {
	file := catalogFile{Roles: c.Roles(), Tiers: c.Tiers()}
	data, err := yaml.Marshal(&file)
	if err != nil {
		return fmt.Errorf("marshaling catalog: %w", err)
	}

	header := "# plangov role/tier catalog\n" +
		"# Each role and tier lists the domain:verb permissions it grants.\n" +
		"# An actor's permissions are the union over all assigned roles and tiers.\n\n"
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

// WriteDefaultCatalog writes the built-in catalog to path.
func WriteDefaultCatalog(path string) error {
	return SaveCatalog(path, DefaultCatalog())
}
