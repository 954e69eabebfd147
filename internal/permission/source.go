package permission

import (
	"fmt"
	"log/slog"
	"sync/atomic"
)

// Source holds the active catalog for a long-running process. Readers get
// an immutable snapshot; Reload swaps in a new one atomically.
type Source struct {
	current  atomic.Pointer[Catalog]
	path     string
	required [][]string
}

// NewSource loads the catalog at path. For each non-empty group in
// required, at least one permission of that group must be granted by some
// role or tier, both now and after each reload.
func NewSource(path string, required ...[]string) (*Source, error) {
	s := &Source{path: path, required: required}
	c, err := s.load()
	if err != nil {
		return nil, err
	}
	s.current.Store(c)
	slog.Info("permission catalog loaded",
		"roles", len(c.Roles()), "tiers", len(c.Tiers()), "permissions", len(c.all), "path", path)
	return s, nil
}

// StaticSource wraps a fixed catalog (tests, embedded use).
func StaticSource(c *Catalog) *Source {
	s := &Source{}
	s.current.Store(c)
	return s
}

// Current returns the active catalog.
func (s *Source) Current() *Catalog {
	return s.current.Load()
}

// Reload re-reads the catalog file. On any error the previous catalog stays
// active and the error is returned.
func (s *Source) Reload() error {
	if s.path == "" {
		return nil
	}
	c, err := s.load()
	if err != nil {
		return err
	}
	s.current.Store(c)
	slog.Info("permission catalog reloaded", "roles", len(c.Roles()), "tiers", len(c.Tiers()))
	return nil
}

func (s *Source) load() (*Catalog, error) {
	c, err := LoadCatalog(s.path)
	if err != nil {
		return nil, err
	}
	for _, group := range s.required {
		if len(group) > 0 && len(c.Unknown(group...)) == len(group) {
			return nil, fmt.Errorf("catalog %s grants none of the required permissions %v", s.path, group)
		}
	}
	return c, nil
}
