package registry

import (
	"fmt"
	"sort"
	"sync"

	"driftpursuit/replication/ecs"
	"driftpursuit/replication/tick"
	"driftpursuit/replication/wire"
)

// FnsID indexes a component function table. Ids are assigned in registration
// order, so server and client must register in the same order to agree.
type FnsID uint16

// SerializeCtx carries serialization-side state into component functions.
type SerializeCtx struct {
	// ServerTick is the tick of the snapshot being serialized.
	ServerTick tick.Tick
}

// EntityMapper resolves server entities to their client mirrors while
// deserializing component payloads that embed entity references.
type EntityMapper interface {
	MapEntity(server ecs.Entity) (ecs.Entity, error)
}

// WriteCtx carries apply-side state into component functions.
type WriteCtx struct {
	World *ecs.World
	// MessageTick is the server tick stamped on the carrying message.
	MessageTick tick.Tick
	Mapper      EntityMapper
}

// RemoveCtx carries removal-side state into component functions.
type RemoveCtx struct {
	World       *ecs.World
	MessageTick tick.Tick
}

// SerializeFn encodes a component value into the writer.
type SerializeFn func(ctx *SerializeCtx, value any, w *wire.Writer) error

// DeserializeFn decodes a fresh component value from the reader.
type DeserializeFn func(ctx *WriteCtx, r *wire.Reader) (any, error)

// DeserializeInPlaceFn decodes into an existing value, returning the value
// to store. Used for components where allocation reuse matters.
type DeserializeInPlaceFn func(ctx *WriteCtx, existing any, r *wire.Reader) (any, error)

// ConsumeFn advances the reader past one serialized component without
// applying it, used for stale mutations on entities without a history marker.
type ConsumeFn func(ctx *WriteCtx, r *wire.Reader) error

// RemoveFn removes the component from a client entity.
type RemoveFn func(ctx *RemoveCtx, entity ecs.Entity)

// WriteFn applies one serialized component to a client entity. Command
// markers may swap this per (marker, component) pair to layer interpolation
// or prediction on top of raw writes.
type WriteFn func(ctx *WriteCtx, fns *ComponentFns, entity ecs.Entity, r *wire.Reader) error

// MarkerRemoveFn is the marker-swappable counterpart to RemoveFn.
type MarkerRemoveFn func(ctx *RemoveCtx, fns *ComponentFns, entity ecs.Entity)

// ComponentFns bundles the per-component protocol functions.
type ComponentFns struct {
	Component          ecs.ComponentID
	Serialize          SerializeFn
	Deserialize        DeserializeFn
	DeserializeInPlace DeserializeInPlaceFn
	Consume            ConsumeFn
	Remove             RemoveFn
}

// DefaultWrite decodes and stores the component, preferring in-place
// deserialization when a value already exists on the entity.
func DefaultWrite(ctx *WriteCtx, fns *ComponentFns, entity ecs.Entity, r *wire.Reader) error {
	if ctx == nil || ctx.World == nil || fns == nil {
		return fmt.Errorf("registry: nil write context")
	}
	if existing, ok := ctx.World.Get(entity, fns.Component); ok && fns.DeserializeInPlace != nil {
		value, err := fns.DeserializeInPlace(ctx, existing, r)
		if err != nil {
			return err
		}
		ctx.World.Insert(entity, fns.Component, value)
		return nil
	}
	value, err := fns.Deserialize(ctx, r)
	if err != nil {
		return err
	}
	ctx.World.Insert(entity, fns.Component, value)
	return nil
}

// DefaultRemove strips the component from the entity.
func DefaultRemove(ctx *RemoveCtx, fns *ComponentFns, entity ecs.Entity) {
	if ctx == nil || ctx.World == nil || fns == nil {
		return
	}
	ctx.World.Remove(entity, fns.Component)
}

// SendRate controls how often a rule component emits mutations.
type SendRate int

const (
	// EveryTick replicates mutations on every server tick.
	EveryTick SendRate = iota
	// Once replicates only insertions and removals, never mutations.
	Once
	// Periodic replicates mutations when server_tick mod Period == 0.
	Periodic
)

// RuleComponent binds one component of a rule to its functions and rate.
type RuleComponent struct {
	Component ecs.ComponentID
	Fns       FnsID
	Rate      SendRate
	// Period is the modulus for Periodic rates.
	Period uint32
}

// SendsAt reports whether mutations for this component go out at the tick.
func (c RuleComponent) SendsAt(t tick.Tick) bool {
	switch c.Rate {
	case Once:
		return false
	case Periodic:
		if c.Period == 0 {
			return true
		}
		return t.Get()%c.Period == 0
	default:
		return true
	}
}

// Rule groups components replicated together for matching archetypes.
type Rule struct {
	// Priority resolves per-component overlaps between rules; a zero value
	// defaults to the component count.
	Priority   int
	Components []RuleComponent
}

// Matches reports whether the archetype contains every rule component.
func (r Rule) Matches(components []ecs.ComponentID) bool {
	for _, rc := range r.Components {
		if !containsComponent(components, rc.Component) {
			return false
		}
	}
	return len(r.Components) > 0
}

func containsComponent(sorted []ecs.ComponentID, id ecs.ComponentID) bool {
	//1.- The archetype slice arrives sorted, so a binary search suffices.
	i := sort.Search(len(sorted), func(i int) bool { return sorted[i] >= id })
	return i < len(sorted) && sorted[i] == id
}

// ResolvedComponent is one archetype component selected for replication.
type ResolvedComponent struct {
	Component ecs.ComponentID
	Fns       FnsID
	Rate      SendRate
	Period    uint32
}

// SendsAt reports whether mutations for this component go out at the tick.
func (c ResolvedComponent) SendsAt(t tick.Tick) bool {
	switch c.Rate {
	case Once:
		return false
	case Periodic:
		if c.Period == 0 {
			return true
		}
		return t.Get()%c.Period == 0
	default:
		return true
	}
}

// Registry holds the replication function tables, rules and command
// markers. All registration happens during setup; afterwards the registry
// is read-only and safe to share between systems.
type Registry struct {
	mu sync.RWMutex

	fns             []ComponentFns
	markers         []markerConfig
	markerOverrides map[markerComponent]markerFns
	rules           []Rule
}

type markerComponent struct {
	marker    ecs.ComponentID
	component ecs.ComponentID
}

type markerFns struct {
	write  WriteFn
	remove MarkerRemoveFn
}

type markerConfig struct {
	marker   ecs.ComponentID
	priority int
	history  bool
}

// New constructs an empty registry.
func New() *Registry {
	return &Registry{markerOverrides: make(map[markerComponent]markerFns)}
}

// RegisterFns records a component function table and assigns its id.
func (r *Registry) RegisterFns(fns ComponentFns) (FnsID, error) {
	if r == nil {
		return 0, fmt.Errorf("registry not initialised")
	}
	if fns.Serialize == nil || fns.Deserialize == nil {
		return 0, fmt.Errorf("component %d: serialize and deserialize are required", fns.Component)
	}
	if fns.Consume == nil {
		//1.- Default consume decodes and discards so the reader advances.
		deserialize := fns.Deserialize
		fns.Consume = func(ctx *WriteCtx, reader *wire.Reader) error {
			_, err := deserialize(ctx, reader)
			return err
		}
	}
	if fns.Remove == nil {
		component := fns.Component
		fns.Remove = func(ctx *RemoveCtx, entity ecs.Entity) {
			if ctx != nil && ctx.World != nil {
				ctx.World.Remove(entity, component)
			}
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.fns {
		if existing.Component == fns.Component {
			return 0, fmt.Errorf("component %d already has registered fns", fns.Component)
		}
	}
	if len(r.fns) >= 1<<16 {
		return 0, fmt.Errorf("function table full")
	}
	r.fns = append(r.fns, fns)
	return FnsID(len(r.fns) - 1), nil
}

// Fns resolves a function table by id.
func (r *Registry) Fns(id FnsID) (*ComponentFns, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if int(id) >= len(r.fns) {
		return nil, false
	}
	return &r.fns[id], true
}

// FnsFor resolves the function table registered for a component.
func (r *Registry) FnsFor(component ecs.ComponentID) (FnsID, bool) {
	if r == nil {
		return 0, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id := range r.fns {
		if r.fns[id].Component == component {
			return FnsID(id), true
		}
	}
	return 0, false
}

// RegisterRule appends a rule and re-sorts the list by descending priority.
// Registration order breaks ties so server and client resolve identically.
func (r *Registry) RegisterRule(rule Rule) error {
	if r == nil {
		return fmt.Errorf("registry not initialised")
	}
	if len(rule.Components) == 0 {
		return fmt.Errorf("rule must name at least one component")
	}
	if rule.Priority == 0 {
		rule.Priority = len(rule.Components)
	}
	seen := make(map[ecs.ComponentID]struct{}, len(rule.Components))
	for _, rc := range rule.Components {
		if _, dup := seen[rc.Component]; dup {
			return fmt.Errorf("rule lists component %d twice", rc.Component)
		}
		seen[rc.Component] = struct{}{}
		if _, ok := r.Fns(rc.Fns); !ok {
			return fmt.Errorf("rule component %d references unknown fns id %d", rc.Component, rc.Fns)
		}
		if rc.Rate == Periodic && rc.Period == 0 {
			return fmt.Errorf("rule component %d: periodic rate needs a period", rc.Component)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, rule)
	//1.- Stable sort on descending priority keeps equal rules in
	// registration order on every peer.
	sort.SliceStable(r.rules, func(i, j int) bool { return r.rules[i].Priority > r.rules[j].Priority })
	return nil
}

// Rules returns the rule list in resolution order.
func (r *Registry) Rules() []Rule {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Rule(nil), r.rules...)
}

// ResolveArchetype selects the replicated components for an archetype: the
// union of every matching rule's components, with the highest-priority rule
// winning per component.
func (r *Registry) ResolveArchetype(components []ecs.ComponentID) []ResolvedComponent {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	selected := make(map[ecs.ComponentID]ResolvedComponent)
	order := make([]ecs.ComponentID, 0, len(components))
	for _, rule := range r.rules {
		if !rule.Matches(components) {
			continue
		}
		for _, rc := range rule.Components {
			if _, taken := selected[rc.Component]; taken {
				//1.- A higher-priority rule already claimed the component.
				continue
			}
			selected[rc.Component] = ResolvedComponent{
				Component: rc.Component,
				Fns:       rc.Fns,
				Rate:      rc.Rate,
				Period:    rc.Period,
			}
			order = append(order, rc.Component)
		}
	}
	if len(order) == 0 {
		return nil
	}
	//2.- Emit in component-id order so serialized layouts are deterministic.
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	resolved := make([]ResolvedComponent, 0, len(order))
	for _, id := range order {
		resolved = append(resolved, selected[id])
	}
	return resolved
}
