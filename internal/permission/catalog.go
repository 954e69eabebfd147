// Package permission implements the role/tier permission model.
//
// A Catalog is an immutable set of roles and tiers, each a named list of
// coarse capability strings of the form "domain:verb" (planner:approve,
// users:read). An actor's effective permission set is the union of the
// permissions of every role and tier assigned to it. There are no deny
// rules and no implied permissions: "planner:write" does not imply
// "planner:read".
//
// Catalogs are loaded from catalog.yaml (or the built-in default) and
// passed explicitly to callers. Hot reload builds a fresh Catalog and swaps
// it in through a Source; a Catalog value is never mutated after
// construction.
package permission

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/gobwas/glob"
)

// Role is a named, ordered set of permissions.
type Role struct {
	ID          string       `yaml:"id" json:"id"`
	Name        string       `yaml:"name" json:"name"`
	Permissions stringOrList `yaml:"permissions" json:"permissions"`
	Description string       `yaml:"description,omitempty" json:"description,omitempty"`
}

// Tier is a scope-level grant (cross-program export and the like).
type Tier struct {
	ID          string       `yaml:"id" json:"id"`
	Name        string       `yaml:"name" json:"name"`
	Permissions stringOrList `yaml:"permissions" json:"permissions"`
	Description string       `yaml:"description,omitempty" json:"description,omitempty"`
}

// Actor is an identity together with its current role and tier assignment.
type Actor struct {
	ID    string   `json:"id"`
	Roles []string `json:"roles"`
	Tiers []string `json:"tiers"`
}

// Set is a logical set of permission strings.
type Set map[string]struct{}

// Has reports whether p is in the set.
func (s Set) Has(p string) bool {
	_, ok := s[p]
	return ok
}

// HasAny reports whether the set contains at least one of perms.
func (s Set) HasAny(perms ...string) bool {
	for _, p := range perms {
		if s.Has(p) {
			return true
		}
	}
	return false
}

// Sorted returns the permissions in lexical order.
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

var permissionPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*:[a-z][a-z0-9_]*$`)

// Catalog is the immutable role/tier catalog.
type Catalog struct {
	roles     map[string]Role
	tiers     map[string]Tier
	roleOrder []string
	tierOrder []string
	all       []string
}

// NewCatalog validates roles and tiers and builds a Catalog. Role and tier
// ids must be unique and every permission must be a "domain:verb" string.
func NewCatalog(roles []Role, tiers []Tier) (*Catalog, error) {
	c := &Catalog{
		roles: make(map[string]Role, len(roles)),
		tiers: make(map[string]Tier, len(tiers)),
	}
	union := make(Set)

	for _, r := range roles {
		if r.ID == "" {
			return nil, fmt.Errorf("role with empty id")
		}
		if _, dup := c.roles[r.ID]; dup {
			return nil, fmt.Errorf("duplicate role %q", r.ID)
		}
		perms, err := checkPermissions("role", r.ID, r.Permissions)
		if err != nil {
			return nil, err
		}
		r.Permissions = perms
		c.roles[r.ID] = r
		c.roleOrder = append(c.roleOrder, r.ID)
		for _, p := range perms {
			union[p] = struct{}{}
		}
	}

	for _, t := range tiers {
		if t.ID == "" {
			return nil, fmt.Errorf("tier with empty id")
		}
		if _, dup := c.tiers[t.ID]; dup {
			return nil, fmt.Errorf("duplicate tier %q", t.ID)
		}
		perms, err := checkPermissions("tier", t.ID, t.Permissions)
		if err != nil {
			return nil, err
		}
		t.Permissions = perms
		c.tiers[t.ID] = t
		c.tierOrder = append(c.tierOrder, t.ID)
		for _, p := range perms {
			union[p] = struct{}{}
		}
	}

	c.all = union.Sorted()
	return c, nil
}

// checkPermissions validates a permission list and returns a private copy.
func checkPermissions(kind, id string, perms []string) ([]string, error) {
	out := make([]string, 0, len(perms))
	for _, p := range perms {
		if !permissionPattern.MatchString(p) {
			return nil, fmt.Errorf("%s %q: invalid permission %q (want domain:verb)", kind, id, p)
		}
		out = append(out, p)
	}
	return out, nil
}

// Resolve returns the effective permission set of an actor. Unknown role or
// tier ids contribute nothing. The result does not depend on the order of
// the actor's assignments.
func (c *Catalog) Resolve(a Actor) Set {
	set := make(Set)
	for _, id := range a.Roles {
		r, ok := c.roles[id]
		if !ok {
			continue
		}
		for _, p := range r.Permissions {
			set[p] = struct{}{}
		}
	}
	for _, id := range a.Tiers {
		t, ok := c.tiers[id]
		if !ok {
			continue
		}
		for _, p := range t.Permissions {
			set[p] = struct{}{}
		}
	}
	return set
}

// Has reports whether the actor's effective set contains perm.
func (c *Catalog) Has(a Actor, perm string) bool {
	return c.Resolve(a).Has(perm)
}

// AllPermissions returns the sorted union of every permission in the catalog.
func (c *Catalog) AllPermissions() []string {
	out := make([]string, len(c.all))
	copy(out, c.all)
	return out
}

// Unknown returns the entries of perms that no role or tier grants.
func (c *Catalog) Unknown(perms ...string) []string {
	var missing []string
	for _, p := range perms {
		i := sort.SearchStrings(c.all, p)
		if i == len(c.all) || c.all[i] != p {
			missing = append(missing, p)
		}
	}
	return missing
}

// Match returns the catalog permissions matching a glob pattern such as
// "planner:*". The ':' separator is treated like a path separator so '*'
// never crosses it.
func (c *Catalog) Match(pattern string) ([]string, error) {
	g, err := glob.Compile(pattern, ':')
	if err != nil {
		return nil, fmt.Errorf("invalid permission pattern %q: %w", pattern, err)
	}
	var out []string
	for _, p := range c.all {
		if g.Match(p) {
			out = append(out, p)
		}
	}
	return out, nil
}

// Roles returns the roles in catalog order.
func (c *Catalog) Roles() []Role {
	out := make([]Role, 0, len(c.roleOrder))
	for _, id := range c.roleOrder {
		r, _ := c.Role(id)
		out = append(out, r)
	}
	return out
}

// Tiers returns the tiers in catalog order.
func (c *Catalog) Tiers() []Tier {
	out := make([]Tier, 0, len(c.tierOrder))
	for _, id := range c.tierOrder {
		t, _ := c.Tier(id)
		out = append(out, t)
	}
	return out
}

// Role looks up a role by id. The returned permission list is a copy.
func (c *Catalog) Role(id string) (Role, bool) {
	r, ok := c.roles[id]
	r.Permissions = append(stringOrList(nil), r.Permissions...)
	return r, ok
}

// Tier looks up a tier by id. The returned permission list is a copy.
func (c *Catalog) Tier(id string) (Tier, bool) {
	t, ok := c.tiers[id]
	t.Permissions = append(stringOrList(nil), t.Permissions...)
	return t, ok
}

// ResolvePermissions is the package-level form of Catalog.Resolve.
func ResolvePermissions(c *Catalog, a Actor) Set {
	return c.Resolve(a)
}

// HasPermission is the package-level form of Catalog.Has.
func HasPermission(c *Catalog, a Actor, perm string) bool {
	return c.Has(a, perm)
}
