package plugin

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"notifyrouter/internal/model"
)

// Factory opens a plugin instance for one resolved endpoint.
type Factory func(ep Endpoint) (Plugin, error)

// Descriptor describes one installable plugin.
type Descriptor struct {
	ID         string
	Name       string
	Capability model.Capability
	// Versions maps version to endpoint URL. Built-ins use an empty URL.
	Versions map[string]string
	New      Factory
}

// Endpoint is a resolved plugin location.
type Endpoint struct {
	PluginID string `json:"plugin_id"`
	Version  string `json:"version"`
	URL      string `json:"url,omitempty"`
}

// Info is the public view of a registered plugin.
type Info struct {
	ID         string           `json:"plugin_id"`
	Name       string           `json:"name"`
	Capability model.Capability `json:"capability"`
	Versions   []string         `json:"versions"`
}

type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Descriptor
}

func NewRegistry() *Registry {
	return &Registry{plugins: map[string]Descriptor{}}
}

// Register adds or replaces a plugin descriptor.
func (r *Registry) Register(d Descriptor) error {
	if strings.TrimSpace(d.ID) == "" {
		return errors.New("plugin id is required")
	}
	if len(d.Versions) == 0 {
		return fmt.Errorf("plugin %s: at least one version is required", d.ID)
	}
	if d.New == nil {
		return fmt.Errorf("plugin %s: factory is required", d.ID)
	}
	r.mu.Lock()
	r.plugins[d.ID] = d
	r.mu.Unlock()
	return nil
}

// IDs returns the registered plugin ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.plugins))
	for id := range r.plugins {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) lookup(pluginID string) (Descriptor, error) {
	r.mu.RLock()
	d, ok := r.plugins[pluginID]
	r.mu.RUnlock()
	if !ok {
		return Descriptor{}, model.NotFound("plugin", pluginID)
	}
	return d, nil
}

// GetPlugin returns the plugin's public info.
func (r *Registry) GetPlugin(_ context.Context, pluginID, _ string) (Info, error) {
	d, err := r.lookup(pluginID)
	if err != nil {
		return Info{}, err
	}
	return Info{ID: d.ID, Name: d.Name, Capability: d.Capability, Versions: sortedVersions(d.Versions)}, nil
}

// ListVersions returns the plugin versions, newest first.
func (r *Registry) ListVersions(_ context.Context, pluginID, _ string) ([]string, error) {
	d, err := r.lookup(pluginID)
	if err != nil {
		return nil, err
	}
	vs := sortedVersions(d.Versions)
	for i, j := 0, len(vs)-1; i < j; i, j = i+1, j-1 {
		vs[i], vs[j] = vs[j], vs[i]
	}
	return vs, nil
}

// ResolveEndpoint picks the version to run. AUTO (or an empty version)
// selects the latest; MANUAL requires the pinned version to exist.
func (r *Registry) ResolveEndpoint(_ context.Context, pluginID, version string, mode model.UpgradeMode, _ string) (Endpoint, error) {
	d, err := r.lookup(pluginID)
	if err != nil {
		return Endpoint{}, err
	}
	if mode == model.UpgradeManual {
		url, ok := d.Versions[version]
		if !ok {
			return Endpoint{}, &model.InvalidPluginVersionError{PluginID: pluginID, Version: version}
		}
		return Endpoint{PluginID: pluginID, Version: version, URL: url}, nil
	}
	vs := sortedVersions(d.Versions)
	latest := vs[len(vs)-1]
	return Endpoint{PluginID: pluginID, Version: latest, URL: d.Versions[latest]}, nil
}

// Open instantiates the plugin behind ep.
func (r *Registry) Open(ep Endpoint) (Plugin, error) {
	d, err := r.lookup(ep.PluginID)
	if err != nil {
		return nil, err
	}
	return d.New(ep)
}

func sortedVersions(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for v := range m {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return compareVersions(out[i], out[j]) < 0 })
	return out
}

// compareVersions orders dotted versions numerically where possible
// ("1.10" > "1.9"), falling back to string order per segment.
func compareVersions(a, b string) int {
	as := strings.Split(strings.TrimPrefix(a, "v"), ".")
	bs := strings.Split(strings.TrimPrefix(b, "v"), ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var x, y string
		if i < len(as) {
			x = as[i]
		}
		if i < len(bs) {
			y = bs[i]
		}
		xi, xerr := strconv.Atoi(x)
		yi, yerr := strconv.Atoi(y)
		switch {
		case xerr == nil && yerr == nil:
			if xi != yi {
				if xi < yi {
					return -1
				}
				return 1
			}
		case x != y:
			if x < y {
				return -1
			}
			return 1
		}
	}
	return 0
}
