package route

import (
	"sort"
	"strings"

	"github.com/sagernet/devgate/adapter"
	"github.com/sagernet/devgate/option"
	E "github.com/sagernet/sing/common/exceptions"
)

// Registry maps mount prefixes to targets. It is built once at startup and
// read concurrently without locking afterwards.
type Registry struct {
	routes []*Route
	byID   map[string]*Route
}

type Route struct {
	Target *adapter.Target
	Status *Status
}

func NewTarget(options option.TargetOptions) *adapter.Target {
	return &adapter.Target{
		ID:             options.ID,
		Host:           options.Host,
		Port:           options.Port,
		Scheme:         "http",
		MountPrefix:    options.MountPrefixOrDefault(),
		RewriteEnabled: options.Rewrite != nil,
		WebSocket:      options.WebSocket,
		MissingAssets:  options.MissingAssets,
	}
}

func NewRegistry(targets []*adapter.Target) (*Registry, error) {
	registry := &Registry{
		byID: make(map[string]*Route, len(targets)),
	}
	for _, target := range targets {
		if _, loaded := registry.byID[target.ID]; loaded {
			return nil, E.New("duplicate target id: ", target.ID)
		}
		if target.MountPrefix == "" || target.MountPrefix == "/" || !strings.HasPrefix(target.MountPrefix, "/") || strings.HasSuffix(target.MountPrefix, "/") {
			return nil, E.New("invalid mount prefix for target ", target.ID, ": ", target.MountPrefix)
		}
		for _, route := range registry.routes {
			if route.Target.MountPrefix == target.MountPrefix {
				return nil, E.New("target ", target.ID, " mounts at ", target.MountPrefix, ", already used by ", route.Target.ID)
			}
		}
		route := &Route{
			Target: target,
			Status: NewStatus(target),
		}
		registry.routes = append(registry.routes, route)
		registry.byID[target.ID] = route
	}
	sort.SliceStable(registry.routes, func(i, j int) bool {
		return len(registry.routes[i].Target.MountPrefix) > len(registry.routes[j].Target.MountPrefix)
	})
	return registry, nil
}

// Match returns the route with the longest mount prefix that ends on a path
// segment boundary of path, and the remainder of path after the prefix. The
// remainder is empty when path equals the prefix and starts with "/" otherwise.
func (r *Registry) Match(path string) (*Route, string, bool) {
	for _, route := range r.routes {
		prefix := route.Target.MountPrefix
		if !strings.HasPrefix(path, prefix) {
			continue
		}
		rest := path[len(prefix):]
		if rest == "" || rest[0] == '/' {
			return route, rest, true
		}
	}
	return nil, "", false
}

func (r *Registry) Lookup(id string) (*Route, bool) {
	route, loaded := r.byID[id]
	return route, loaded
}

// Routes returns the routes in configuration-independent order, sorted by ID.
func (r *Registry) Routes() []*Route {
	routes := make([]*Route, len(r.routes))
	copy(routes, r.routes)
	sort.Slice(routes, func(i, j int) bool {
		return routes[i].Target.ID < routes[j].Target.ID
	})
	return routes
}

func (r *Registry) Len() int {
	return len(r.routes)
}

