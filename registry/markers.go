package registry

import (
	"fmt"
	"sort"

	"driftpursuit/replication/ecs"
)

// MarkerConfig declares a command marker: a component that, when present on
// a client entity, swaps the write/remove behaviour for specific components.
type MarkerConfig struct {
	Marker ecs.ComponentID
	// Priority orders markers when an entity carries several; higher wins.
	Priority int
	// NeedsHistory keeps stale mutations flowing through the marker's write
	// function instead of skipping them through consume, for layers that
	// replay past values.
	NeedsHistory bool
}

// RegisterMarker records a command marker. Like rules, markers must be
// registered in the same order on server and client.
func (r *Registry) RegisterMarker(cfg MarkerConfig) error {
	if r == nil {
		return fmt.Errorf("registry not initialised")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.markers {
		if existing.marker == cfg.Marker {
			return fmt.Errorf("marker %d already registered", cfg.Marker)
		}
	}
	r.markers = append(r.markers, markerConfig{
		marker:   cfg.Marker,
		priority: cfg.Priority,
		history:  cfg.NeedsHistory,
	})
	sort.SliceStable(r.markers, func(i, j int) bool { return r.markers[i].priority > r.markers[j].priority })
	return nil
}

// SetMarkerFns installs the write/remove override for one (marker,
// component) pair. Nil overrides fall back to the defaults.
func (r *Registry) SetMarkerFns(marker, component ecs.ComponentID, write WriteFn, remove MarkerRemoveFn) error {
	if r == nil {
		return fmt.Errorf("registry not initialised")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	found := false
	for _, cfg := range r.markers {
		if cfg.marker == marker {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("marker %d not registered", marker)
	}
	r.markerOverrides[markerComponent{marker: marker, component: component}] = markerFns{write: write, remove: remove}
	return nil
}

// ResolvedWrite is the write behaviour selected for one entity/component.
type ResolvedWrite struct {
	Write WriteFn
	// History reports whether stale mutations still go through Write;
	// without it they are skipped through the component's consume function.
	History bool
}

// ResolveWrite picks the write function for a component on an entity by
// scanning the entity's markers in priority order.
func (r *Registry) ResolveWrite(world *ecs.World, entity ecs.Entity, fns *ComponentFns) ResolvedWrite {
	resolved := ResolvedWrite{Write: DefaultWrite}
	if r == nil || world == nil || fns == nil {
		return resolved
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, cfg := range r.markers {
		if !world.Has(entity, cfg.marker) {
			continue
		}
		override, ok := r.markerOverrides[markerComponent{marker: cfg.marker, component: fns.Component}]
		if !ok || override.write == nil {
			continue
		}
		//1.- The first matching marker wins; the list is priority-sorted.
		resolved.Write = override.write
		resolved.History = cfg.history
		return resolved
	}
	return resolved
}

// ResolveRemove picks the remove function for a component on an entity.
func (r *Registry) ResolveRemove(world *ecs.World, entity ecs.Entity, fns *ComponentFns) MarkerRemoveFn {
	if r == nil || world == nil || fns == nil {
		return DefaultRemove
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, cfg := range r.markers {
		if !world.Has(entity, cfg.marker) {
			continue
		}
		override, ok := r.markerOverrides[markerComponent{marker: cfg.marker, component: fns.Component}]
		if !ok || override.remove == nil {
			continue
		}
		return override.remove
	}
	return DefaultRemove
}
