package server

import (
	"driftpursuit/replication/ecs"
)

// Policy selects how per-client visibility filtering behaves.
type Policy int

const (
	// All makes every replicated entity visible to every client.
	All Policy = iota
	// Blacklist hides only explicitly hidden entities.
	Blacklist
	// Whitelist shows only explicitly visible entities.
	Whitelist
)

func (p Policy) String() string {
	switch p {
	case All:
		return "all"
	case Blacklist:
		return "blacklist"
	case Whitelist:
		return "whitelist"
	default:
		return "unknown"
	}
}

// Transition classifies one entity's visibility for one client this tick.
type Transition int

const (
	// MaintainedHidden stays invisible; nothing is replicated.
	MaintainedHidden Transition = iota
	// Gained became visible; the full component set is serialized.
	Gained
	// MaintainedVisible stays visible; diffs are replicated.
	MaintainedVisible
	// Lost became invisible; only a despawn is replicated.
	Lost
)

// Visibility is one client's filter: a policy plus per-entity overrides.
// The policy is fixed at construction; overrides flip at runtime.
type Visibility struct {
	policy Policy
	// set holds the hidden entities under Blacklist and the visible ones
	// under Whitelist. Unused for All.
	set map[ecs.Entity]struct{}
}

func newVisibility(policy Policy) *Visibility {
	return &Visibility{policy: policy, set: make(map[ecs.Entity]struct{})}
}

// Policy reports the filter mode.
func (v *Visibility) Policy() Policy {
	if v == nil {
		return All
	}
	return v.policy
}

// SetVisible overrides one entity's visibility for this client. Under the
// All policy the call is a no-op.
func (v *Visibility) SetVisible(e ecs.Entity, visible bool) {
	if v == nil {
		return
	}
	switch v.policy {
	case Blacklist:
		if visible {
			delete(v.set, e)
		} else {
			v.set[e] = struct{}{}
		}
	case Whitelist:
		if visible {
			v.set[e] = struct{}{}
		} else {
			delete(v.set, e)
		}
	}
}

// IsVisible reports whether the entity is currently visible to the client.
func (v *Visibility) IsVisible(e ecs.Entity) bool {
	if v == nil {
		return true
	}
	switch v.policy {
	case Blacklist:
		_, hidden := v.set[e]
		return !hidden
	case Whitelist:
		_, visible := v.set[e]
		return visible
	default:
		return true
	}
}

// forget clears any override for a despawned entity.
func (v *Visibility) forget(e ecs.Entity) {
	if v != nil {
		delete(v.set, e)
	}
}
