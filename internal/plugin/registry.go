package plugin

import (
	"fmt"
	"log"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Loader constructs a fresh Plugin instance for a given name. Registered
// once per name at process startup (from config).
type Loader func(options map[string]any) (Plugin, error)

// Registry is the process-lifetime plugin registry. Loading an unknown
// plugin is collapsed across concurrent callers via singleflight, so two
// requests naming the same plugin trigger one load. Loaded plugins are
// shared singletons, not one-per-request objects: per-stream/per-request
// state lives in StreamContext.State, not in the Plugin value itself. A
// plugin is torn down at registry Close, or after Unregister: at once if no
// request holds it, otherwise at the last holding request's release().
type Registry struct {
	mu           sync.RWMutex
	loaders      map[string]Loader
	options      map[string]map[string]any
	group        singleflight.Group
	loaded       map[string]Plugin
	refCount     map[string]int
	pendingEvict map[string]bool
}

func NewRegistry() *Registry {
	return &Registry{
		loaders:      make(map[string]Loader),
		options:      make(map[string]map[string]any),
		loaded:       make(map[string]Plugin),
		refCount:     make(map[string]int),
		pendingEvict: make(map[string]bool),
	}
}

// Register associates a plugin name with its loader and default options.
func (r *Registry) Register(name string, loader Loader, options map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaders[name] = loader
	r.options[name] = options
}

// EnsureLoaded returns the cached instance for name, constructing it at most
// once even under concurrent callers.
func (r *Registry) EnsureLoaded(name string) (Plugin, error) {
	r.mu.RLock()
	if p, ok := r.loaded[name]; ok {
		r.mu.RUnlock()
		return p, nil
	}
	loader, ok := r.loaders[name]
	opts := r.options[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("plugin %q not registered", name)
	}

	v, err, _ := r.group.Do(name, func() (any, error) {
		p, err := loader(opts)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.loaded[name] = p
		r.mu.Unlock()
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Plugin), nil
}

// Instances is a resolved, ordered set of plugin instances for one request,
// split into the global and route-specific lists, which fix the hook
// ordering.
type Instances struct {
	Global []Plugin
	Route  []Plugin
}

// Outbound returns plugins in outbound order: global, then route.
func (i *Instances) Outbound() []Plugin {
	out := make([]Plugin, 0, len(i.Global)+len(i.Route))
	out = append(out, i.Global...)
	out = append(out, i.Route...)
	return out
}

// Inbound returns plugins in inbound order: route (reversed), then global.
func (i *Instances) Inbound() []Plugin {
	out := make([]Plugin, 0, len(i.Global)+len(i.Route))
	for idx := len(i.Route) - 1; idx >= 0; idx-- {
		out = append(out, i.Route[idx])
	}
	out = append(out, i.Global...)
	return out
}

// AcquireInstances loads (or reuses) the plugins named by globalNames and
// routeNames and returns them plus a release function. Every exit path of a
// request handler must call release(); a
// plugin that fails to load is logged and excluded rather than aborting the
// request. release() drops this request's hold on each plugin; a plugin
// evicted by Unregister while held is destroyed by the last release().
func (r *Registry) AcquireInstances(globalNames, routeNames []string) (*Instances, func()) {
	inst := &Instances{
		Global: r.loadMany(globalNames),
		Route:  r.loadMany(routeNames),
	}
	for _, p := range inst.Global {
		r.acquire(p.Name())
	}
	for _, p := range inst.Route {
		r.acquire(p.Name())
	}
	released := false
	release := func() {
		if released {
			return
		}
		released = true
		for _, p := range inst.Global {
			r.releaseOne(p.Name())
		}
		for _, p := range inst.Route {
			r.releaseOne(p.Name())
		}
	}
	return inst, release
}

func (r *Registry) acquire(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refCount[name]++
}

// releaseOne decrements name's in-flight refcount and, if the plugin was
// marked for eviction (Unregister called while requests were still using
// it) and no requests remain, tears it down.
func (r *Registry) releaseOne(name string) {
	r.mu.Lock()
	r.refCount[name]--
	n := r.refCount[name]
	evict := r.pendingEvict[name] && n <= 0
	var p Plugin
	if evict {
		p = r.loaded[name]
		delete(r.loaded, name)
		delete(r.pendingEvict, name)
		delete(r.refCount, name)
	}
	r.mu.Unlock()
	if evict {
		if d, ok := p.(Destroyer); ok {
			d.Destroy()
		}
	}
}

// Unregister removes a plugin from the registry so future EnsureLoaded
// calls for name reload it from scratch. If requests are currently holding
// an acquired instance, the teardown (Destroy) is deferred until the last
// release() call for name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.loaders, name)
	delete(r.options, name)
	if r.refCount[name] > 0 {
		r.pendingEvict[name] = true
		return
	}
	p := r.loaded[name]
	delete(r.loaded, name)
	if d, ok := p.(Destroyer); ok {
		d.Destroy()
	}
}

// Close tears down every currently loaded plugin; call once at process
// shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	plugins := make([]Plugin, 0, len(r.loaded))
	for _, p := range r.loaded {
		plugins = append(plugins, p)
	}
	r.loaded = make(map[string]Plugin)
	r.mu.Unlock()
	for _, p := range plugins {
		if d, ok := p.(Destroyer); ok {
			d.Destroy()
		}
	}
}

func (r *Registry) loadMany(names []string) []Plugin {
	out := make([]Plugin, 0, len(names))
	for _, name := range names {
		p, err := r.EnsureLoaded(name)
		if err != nil {
			log.Printf("plugin registry: failed to load %q: %v", name, err)
			continue
		}
		out = append(out, p)
	}
	return out
}
