// Package identity resolves users, projects and domains from the
// configured directory.
package identity

import (
	"context"
	"sort"
	"sync/atomic"

	"notifyrouter/internal/model"
)

type Resource struct {
	Type     model.ResourceType
	ID       string
	Name     string
	DomainID string
}

type User struct {
	ID       string
	Name     string
	DomainID string
	Disabled bool
}

type Project struct {
	ID       string
	Name     string
	DomainID string
}

type Domain struct {
	ID   string
	Name string
}

// Snapshot is one immutable view of the directory.
type Snapshot struct {
	Users    []User
	Projects []Project
	Domains  []Domain
}

type index struct {
	users    map[string]User
	projects map[string]Project
	domains  map[string]Domain
}

// Directory is an in-memory identity lookup. Replace swaps the contents
// atomically on config reload.
type Directory struct {
	idx atomic.Pointer[index]
}

func NewDirectory(s Snapshot) *Directory {
	d := &Directory{}
	d.Replace(s)
	return d
}

func (d *Directory) Replace(s Snapshot) {
	idx := &index{
		users:    make(map[string]User, len(s.Users)),
		projects: make(map[string]Project, len(s.Projects)),
		domains:  make(map[string]Domain, len(s.Domains)),
	}
	for _, u := range s.Users {
		idx.users[u.ID] = u
	}
	for _, p := range s.Projects {
		idx.projects[p.ID] = p
	}
	for _, dm := range s.Domains {
		idx.domains[dm.ID] = dm
	}
	d.idx.Store(idx)
}

// GetResource returns the resource when it exists in the given tenant.
func (d *Directory) GetResource(_ context.Context, typ model.ResourceType, id, domainID string) (Resource, error) {
	idx := d.idx.Load()
	switch typ {
	case model.ResourceUser:
		if u, ok := idx.users[id]; ok && u.DomainID == domainID {
			return Resource{Type: typ, ID: u.ID, Name: u.Name, DomainID: u.DomainID}, nil
		}
	case model.ResourceProject:
		if p, ok := idx.projects[id]; ok && p.DomainID == domainID {
			return Resource{Type: typ, ID: p.ID, Name: p.Name, DomainID: p.DomainID}, nil
		}
	case model.ResourceDomain:
		if dm, ok := idx.domains[id]; ok && id == domainID {
			return Resource{Type: typ, ID: dm.ID, Name: dm.Name, DomainID: dm.ID}, nil
		}
	default:
		return Resource{}, model.Invalid("resource_type", "unsupported %q", typ)
	}
	return Resource{}, model.NotFound(string(typ), id)
}

// ListEnabledUsers returns the ids of enabled users of the tenant, sorted.
func (d *Directory) ListEnabledUsers(_ context.Context, domainID string) ([]string, error) {
	idx := d.idx.Load()
	var out []string
	for _, u := range idx.users {
		if u.DomainID == domainID && !u.Disabled {
			out = append(out, u.ID)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Domains lists the configured tenant ids.
func (d *Directory) Domains() []string {
	idx := d.idx.Load()
	out := make([]string, 0, len(idx.domains))
	for id := range idx.domains {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
