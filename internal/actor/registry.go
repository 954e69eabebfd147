// Package actor tracks who may act on governance records: the role and tier
// assignment of each actor, and the set of suspended actors.
//
// Assignments persist to ~/.plangov/actors.yaml and suspensions to
// ~/.plangov/suspended.yaml. A running server file-watches both and calls
// Reload, so `plangov actors assign` and `plangov actors suspend` take
// effect without a restart.
package actor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ctrlai/plangov/internal/permission"
)

// ErrNotFound is returned by Get for an actor with no assignment record.
var ErrNotFound = errors.New("actor not found")

// Assignment is the stored role and tier assignment of one actor.
type Assignment struct {
	ID        string    `yaml:"-" json:"id"`
	Name      string    `yaml:"name,omitempty" json:"name,omitempty"`
	Roles     []string  `yaml:"roles" json:"roles"`
	Tiers     []string  `yaml:"tiers" json:"tiers"`
	UpdatedAt time.Time `yaml:"updated_at" json:"updated_at"`
}

// Actor converts the assignment into the permission model's Actor.
func (a Assignment) Actor() permission.Actor {
	return permission.Actor{
		ID:    a.ID,
		Roles: append([]string(nil), a.Roles...),
		Tiers: append([]string(nil), a.Tiers...),
	}
}

// Registry manages actor assignments. Safe for concurrent use: the engine
// reads assignments on every decision while the CLI, API, and file watcher
// modify them.
type Registry struct {
	mu     sync.RWMutex
	actors map[string]*Assignment
	path   string
}

// registryFile is the YAML envelope for actors.yaml.
type registryFile struct {
	Actors map[string]*Assignment `yaml:"actors"`
}

// NewRegistry loads the registry from path. A missing file yields an empty
// registry.
func NewRegistry(path string) (*Registry, error) {
	r := &Registry{path: path}
	actors, err := readRegistry(path)
	if err != nil {
		return nil, err
	}
	r.actors = actors
	slog.Info("actor registry loaded", "actors", len(actors), "path", path)
	return r, nil
}

func readRegistry(path string) (map[string]*Assignment, error) {
	actors := make(map[string]*Assignment)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return actors, nil
		}
		return nil, fmt.Errorf("reading actor registry %s: %w", path, err)
	}
	if len(data) == 0 {
		return actors, nil
	}

	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing actor registry %s: %w", path, err)
	}

	// The id lives in the map key.
	for id, a := range file.Actors {
		if a == nil {
			continue
		}
		a.ID = id
		a.Roles = normalize(a.Roles)
		a.Tiers = normalize(a.Tiers)
		actors[id] = a
	}
	return actors, nil
}

// List returns all actors sorted by id.
func (r *Registry) List() []Assignment {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Assignment, 0, len(r.actors))
	for _, a := range r.actors {
		out = append(out, clone(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns the assignment of id, or ErrNotFound.
func (r *Registry) Get(id string) (Assignment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cur, ok := r.actors[id]
	if !ok {
		return Assignment{}, fmt.Errorf("actor %q: %w", id, ErrNotFound)
	}
	next := clone(cur)
	next.Roles = without(next.Roles, roles)
	next.Tiers = without(next.Tiers, tiers)
	next.UpdatedAt = time.Now().UTC()

	if err := r.commit(id, &next); err != nil {
		return Assignment{}, err
	}
	slog.Info("actor unassigned", "actor", id, "roles", next.Roles, "tiers", next.Tiers)
	return clone(&next), nil
}

// Remove deletes an actor's assignment record.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.actors[id]; !ok {
		return nil
	}
	if err := r.commit(id, nil); err != nil {
		return err
	}
	slog.Info("actor removed", "actor", id)
	return nil
}

// Reload re-reads actors.yaml. On a parse error the in-memory state is left
// untouched.
func (r *Registry) Reload() error {
	actors, err := readRegistry(r.path)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.actors = actors
	r.mu.Unlock()

	slog.Info("actor registry reloaded", "actors", len(actors))
	return nil
}

// Save persists the registry to actors.yaml.
func (r *Registry) Save() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.save(r.actors)
}

// commit persists the registry with id set to a (or removed when a is nil)
// and only then installs the new map. Caller must hold the write lock.
func (r *Registry) commit(id string, a *Assignment) error {
	next := make(map[string]*Assignment, len(r.actors)+1)
	for k, v := range r.actors {
		next[k] = v
	}
	if a == nil {
		delete(next, id)
	} else {
		next[id] = a
	}
	if err := r.save(next); err != nil {
		return err
	}
	r.actors = next
	return nil
}

func (r *Registry) save(actors map[string]*Assignment) error {
	data, err := yaml.Marshal(&registryFile{Actors: actors})
	if err != nil {
		return fmt.Errorf("marshaling actor registry: %w", err)
	}
	if err := writeFileAtomic(r.path, data); err != nil {
		return fmt.Errorf("writing actor registry %s: %w", r.path, err)
	}
	return nil
}

func clone(a *Assignment) Assignment {
	c := *a
	c.Roles = append([]string(nil), a.Roles...)
	c.Tiers = append([]string(nil), a.Tiers...)
	return c
}

// normalize sorts and de-duplicates ids. Assignment is a set, so the stored
// form is canonical.
func normalize(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func without(ids, drop []string) []string {
	skip := make(map[string]struct{}, len(drop))
	for _, d := range drop {
		skip[d] = struct{}{}
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := skip[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}
