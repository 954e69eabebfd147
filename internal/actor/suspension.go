package actor

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Suspension is a single record in suspended.yaml.
//
// A suspended actor keeps its role assignment but is refused every
// governance action until reinstated.
type Suspension struct {
	Actor       string    `yaml:"actor" json:"actor"`
	SuspendedAt time.Time `yaml:"suspended_at" json:"suspended_at"`
	Reason      string    `yaml:"reason" json:"reason"`
	SuspendedBy string    `yaml:"suspended_by" json:"suspended_by"`
}

// Suspensions manages the suspended-actor list. IsSuspended is on the hot
// path of every decision, so lookups go through an in-memory map.
type Suspensions struct {
	mu        sync.RWMutex
	suspended map[string]Suspension
	entries   []Suspension // file order
	path      string
}

// NewSuspensions loads suspended.yaml. A missing file means nobody is
// suspended.
func NewSuspensions(path string) (*Suspensions, error) {
	s := &Suspensions{
		suspended: make(map[string]Suspension),
		path:      path,
	}
	if err := s.loadFromFile(); err != nil {
		return nil, err
	}
	return s, nil
}

// IsSuspended reports whether id is currently suspended.
func (s *Suspensions) IsSuspended(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.suspended[id]
	return ok
}

// List returns the current suspensions in the order they were made.
func (s *Suspensions) List() []Suspension {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Suspension(nil), s.entries...)
}

// Suspend adds id to the list and persists it. Suspending an already
// suspended actor is a no-op.
func (s *Suspensions) Suspend(id, reason, by string) error {
	if id == "" {
		return fmt.Errorf("actor id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.suspended[id]; exists {
		return nil
	}

	entry := Suspension{
		Actor:       id,
		SuspendedAt: time.Now().UTC(),
		Reason:      reason,
		SuspendedBy: by,
	}
	entries := append(append([]Suspension(nil), s.entries...), entry)
	if err := s.saveToFile(entries); err != nil {
		return err
	}
	s.suspended[id] = entry
	s.entries = entries

	slog.Warn("actor suspended", "actor", id, "reason", reason, "by", by)
	return nil
}

// Reinstate removes id from the list and persists it. Reinstating an actor
// that is not suspended is a no-op.
func (s *Suspensions) Reinstate(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.suspended[id]; !exists {
		return nil
	}

	kept := make([]Suspension, 0, len(s.entries))
	for _, e := range s.entries {
		if e.Actor != id {
			kept = append(kept, e)
		}
	}
	if err := s.saveToFile(kept); err != nil {
		return err
	}
	delete(s.suspended, id)
	s.entries = kept

	slog.Info("actor reinstated", "actor", id)
	return nil
}

// Reload re-reads suspended.yaml from disk.
func (s *Suspensions) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prevMap, prevEntries := s.suspended, s.entries
	s.suspended = make(map[string]Suspension)
	s.entries = nil

	if err := s.loadFromFile(); err != nil {
		s.suspended, s.entries = prevMap, prevEntries
		return err
	}

	slog.Info("suspensions reloaded", "suspended_actors", len(s.suspended))
	return nil
}

// loadFromFile populates the in-memory state. Caller must hold the mutex.
func (s *Suspensions) loadFromFile() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading suspensions %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return nil
	}

	var entries []Suspension
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parsing suspensions %s: %w", s.path, err)
	}

	s.entries = entries
	for _, e := range entries {
		s.suspended[e.Actor] = e
	}
	return nil
}

// saveToFile writes entries to suspended.yaml. Caller must hold the mutex.
func (s *Suspensions) saveToFile(entries []Suspension) error {
	var data []byte
	if len(entries) > 0 {
		var err error
		if data, err = yaml.Marshal(entries); err != nil {
			return fmt.Errorf("marshaling suspensions: %w", err)
		}
	}
	if err := writeFileAtomic(s.path, data); err != nil {
		return fmt.Errorf("saving suspensions: %w", err)
	}
	return nil
}
