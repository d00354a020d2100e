package platform

import (
	"fmt"
	"log"
	"sort"
	"sync"
)

// Priority constants for platform registration.
// Higher priority values override lower priority platforms with the same name.
const (
	PriorityDefault  = 0
	PriorityOverride = 100
)

// DefaultOrder is used when Info.Order is zero
const DefaultOrder = 50

// Info contains metadata about a registered platform
type Info struct {
	// Name is the unique identifier for the platform.
	Name string

	// Description is a human-readable description of the platform.
	Description string

	// Priority decides which registration wins for the same name.
	Priority int

	// Factory creates a platform instance per device.
	Factory Factory

	// Order specifies the setup order. Lower values start first and stop last,
	// and are notified first on every coordinator update.
	Order int
}

// Registry manages platform registration and per-device setup
type Registry struct {
	mu        sync.RWMutex
	platforms map[string]Info
	order     []string
}

// NewRegistry creates a new platform registry
func NewRegistry() *Registry {
	return &Registry{
		platforms: make(map[string]Info),
		order:     make([]string, 0),
	}
}

// Register adds a platform to the registry.
// If a platform with the same name already exists, the one with higher
// priority wins. If priorities are equal, the later registration wins.
func (r *Registry) Register(info Info) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if info.Name == "" {
		return fmt.Errorf("platform name cannot be empty")
	}

	if info.Factory == nil {
		return fmt.Errorf("platform %s: factory cannot be nil", info.Name)
	}

	if info.Order == 0 {
		info.Order = DefaultOrder
	}

	existing, exists := r.platforms[info.Name]
	if exists {
		if info.Priority < existing.Priority {
			log.Printf("Platform %q registration skipped (priority %d < existing %d)",
				info.Name, info.Priority, existing.Priority)
			return nil
		}
		log.Printf("Platform %q being overridden (priority %d -> %d)",
			info.Name, existing.Priority, info.Priority)
	}

	r.platforms[info.Name] = info

	if !exists {
		r.order = append(r.order, info.Name)
	}

	log.Printf("Platform %q registered (priority %d, order %d): %s",
		info.Name, info.Priority, info.Order, info.Description)

	return nil
}

// Get returns the info for a given name, or nil if not found
func (r *Registry) Get(name string) *Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, ok := r.platforms[name]
	if !ok {
		return nil
	}
	return &info
}

// List returns all registered platforms sorted by their setup order
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Info, 0, len(r.platforms))
	for _, name := range r.order {
		result = append(result, r.platforms[name])
	}

	sort.SliceStable(result, func(i, j int) bool {
		if result[i].Order != result[j].Order {
			return result[i].Order < result[j].Order
		}
		return result[i].Name < result[j].Name
	})

	return result
}

// Setup creates and starts every registered platform for one device, in
// order. On failure the platforms already started are stopped in reverse.
func (r *Registry) Setup(ctx *Context) ([]Platform, error) {
	infos := r.List()
	started := make([]Platform, 0, len(infos))

	for _, info := range infos {
		p, err := info.Factory(ctx)
		if err != nil {
			Unload(started)
			return nil, fmt.Errorf("failed to create platform %s: %w", info.Name, err)
		}
		if err := p.Start(); err != nil {
			p.Stop()
			Unload(started)
			return nil, fmt.Errorf("failed to start platform %s: %w", info.Name, err)
		}
		started = append(started, p)
	}

	return started, nil
}

// Unload stops platforms in reverse setup order
func Unload(platforms []Platform) {
	for i := len(platforms) - 1; i >= 0; i-- {
		platforms[i].Stop()
	}
}

// Names returns the names of all registered platforms
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]string, len(r.order))
	copy(result, r.order)
	return result
}

// Clear removes all registered platforms. Useful for testing.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.platforms = make(map[string]Info)
	r.order = make([]string, 0)
}

var globalRegistry = NewRegistry()

// Default returns the global registry that init() registrations go to
func Default() *Registry {
	return globalRegistry
}

// Register adds a platform to the global registry.
// This is typically called from init() functions in platform packages.
func Register(info Info) error {
	return globalRegistry.Register(info)
}
