package server

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"driftpursuit/replication/channel"
	"driftpursuit/replication/ecs"
	"driftpursuit/replication/internal/config"
	"driftpursuit/replication/internal/logging"
	"driftpursuit/replication/registry"
	"driftpursuit/replication/tick"
	"driftpursuit/replication/transport"
	"driftpursuit/replication/wire"
)

// Option tunes engine construction.
type Option func(*Engine)

// WithLogger attaches a structured logger.
func WithLogger(logger *logging.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithClock overrides the wall clock, used by tests and replay harnesses.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.now = clock }
}

// WithMaxPacketBytes bounds one mutation message to the transport MTU.
func WithMaxPacketBytes(limit int) Option {
	return func(e *Engine) {
		if limit > 0 {
			e.maxPacketBytes = limit
		}
	}
}

// WithMutationsTimeout bounds how long unacked mutate records are retained.
func WithMutationsTimeout(timeout time.Duration) Option {
	return func(e *Engine) {
		if timeout > 0 {
			e.mutationsTimeout = timeout
		}
	}
}

// WithPolicy selects the visibility policy applied to every client.
func WithPolicy(policy Policy) Option {
	return func(e *Engine) { e.policy = policy }
}

// Engine is the server replication engine: it scans the replicated world
// each tick, diffs it against every client's acknowledged state and emits
// update and mutation messages into the transport queues.
type Engine struct {
	world     *ecs.World
	registry  *registry.Registry
	transport transport.Server
	logger    *logging.Logger
	now       func() time.Time

	maxPacketBytes   int
	mutationsTimeout time.Duration
	policy           Policy

	clients map[transport.PeerID]*ClientState

	// archetypes caches rule resolution per archetype key.
	archetypes map[string][]registry.ResolvedComponent
}

// NewEngine wires the engine to its world, registry and transport.
func NewEngine(world *ecs.World, reg *registry.Registry, tr transport.Server, opts ...Option) *Engine {
	e := &Engine{
		world:            world,
		registry:         reg,
		transport:        tr,
		logger:           logging.L(),
		now:              time.Now,
		maxPacketBytes:   config.DefaultMaxPacketBytes,
		mutationsTimeout: config.DefaultMutationsTimeout,
		policy:           All,
		clients:          make(map[transport.PeerID]*ClientState),
		archetypes:       make(map[string][]registry.ResolvedComponent),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Client looks up the state for one connected client.
func (e *Engine) Client(peer transport.PeerID) (*ClientState, bool) {
	if e == nil {
		return nil, false
	}
	c, ok := e.clients[peer]
	return c, ok
}

// Clients lists connected replicating clients in deterministic order.
func (e *Engine) Clients() []transport.PeerID {
	if e == nil {
		return nil
	}
	peers := make([]transport.PeerID, 0, len(e.clients))
	for peer := range e.clients {
		peers = append(peers, peer)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	return peers
}

// UpdateTick reports the update-tick watermark for one client.
func (e *Engine) UpdateTick(peer transport.PeerID) (tick.Tick, bool) {
	c, ok := e.Client(peer)
	if !ok {
		return 0, false
	}
	return c.UpdateTick(), true
}

// MapEntity queues a pre-spawn mapping so the server entity applies onto an
// entity the client already created speculatively.
func (e *Engine) MapEntity(peer transport.PeerID, server, client ecs.Entity) error {
	c, ok := e.Client(peer)
	if !ok {
		return fmt.Errorf("%w: %q", transport.ErrUnknownPeer, peer)
	}
	c.queueMapping(server, client)
	return nil
}

// componentKey addresses one serialized component in the shared cache.
type componentKey struct {
	entity    ecs.Entity
	component ecs.ComponentID
}

// mutationEntry is one entity's pending mutation payload for one client.
type mutationEntry struct {
	entity  ecs.Entity
	payload []byte
}

// ReplicateTick runs the full per-tick algorithm: intake, scan, build,
// dispatch and reclaim. The world tick must already be advanced.
func (e *Engine) ReplicateTick() error {
	if e == nil || e.world == nil || e.registry == nil || e.transport == nil {
		return errors.New("server engine not initialised")
	}

	//1.- Intake lifecycle events and acknowledgements before building.
	e.intakeEvents()
	e.intakeAcks()

	serverTick := e.world.Tick()
	now := e.now()
	removals := e.groupRemovals(e.world.DrainRemovals())
	despawns := e.world.DrainDespawns()

	//2.- Serialized component ranges are shared across clients this tick.
	cache := make(map[componentKey][]byte)

	var errs []error
	for _, peer := range e.Clients() {
		c := e.clients[peer]
		if err := e.replicateClient(c, serverTick, now, removals, despawns, cache); err != nil {
			//3.- A serialization fault is fatal for this client's frame only.
			e.logger.Error("replication frame failed",
				logging.String("peer", string(peer)),
				logging.Uint32("server_tick", serverTick.Get()),
				logging.Error(err))
			errs = append(errs, fmt.Errorf("client %q: %w", peer, err))
			continue
		}
		//4.- Reclaim memory from records the client never acknowledged.
		if evicted := c.evictTimedOut(now, e.mutationsTimeout); evicted > 0 {
			e.logger.Debug("evicted unacked mutate records",
				logging.String("peer", string(peer)),
				logging.Int("count", evicted))
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) intakeEvents() {
	for _, event := range e.transport.DrainEvents() {
		switch event.Kind {
		case transport.PeerConnected:
			if event.Peer == transport.ServerPeer {
				//1.- The local listen-server participant reads world state
				// directly and never receives replication.
				continue
			}
			e.clients[event.Peer] = newClientState(event.Peer, e.policy)
			e.logger.Info("client replicating", logging.String("peer", string(event.Peer)))
		case transport.PeerDisconnected:
			if c, ok := e.clients[event.Peer]; ok {
				c.release()
				delete(e.clients, event.Peer)
				e.logger.Info("client dropped", logging.String("peer", string(event.Peer)))
			}
		}
	}
}

func (e *Engine) intakeAcks() {
	for peer, c := range e.clients {
		for _, payload := range e.transport.Receive(peer, channel.ClientAcks) {
			acks, err := wire.DecodeAcks(payload)
			if err != nil {
				//1.- Malformed traffic from a client is a protocol error;
				// the peer is disconnected per policy.
				e.logger.Warn("malformed ack payload, disconnecting",
					logging.String("peer", string(peer)), logging.Error(err))
				e.transport.Disconnect(peer)
				break
			}
			for _, ack := range acks {
				if !c.ackMutation(ack.Index) {
					e.logger.Debug("ack for unknown mutate index",
						logging.String("peer", string(peer)),
						logging.Uint64("index", uint64(ack.Index)))
				}
			}
		}
	}
}

func (e *Engine) groupRemovals(removals []ecs.Removal) map[ecs.Entity][]uint64 {
	if len(removals) == 0 {
		return nil
	}
	grouped := make(map[ecs.Entity][]uint64)
	for _, removal := range removals {
		fnsID, ok := e.registry.FnsFor(removal.Component)
		if !ok {
			//1.- Components without registered fns never replicated.
			continue
		}
		grouped[removal.Entity] = append(grouped[removal.Entity], uint64(fnsID))
	}
	return grouped
}

func (e *Engine) resolveArchetype(components []ecs.ComponentID) []registry.ResolvedComponent {
	key := ecs.ArchetypeKey(components)
	if resolved, ok := e.archetypes[key]; ok {
		return resolved
	}
	resolved := e.registry.ResolveArchetype(components)
	e.archetypes[key] = resolved
	return resolved
}

func (e *Engine) serializeComponent(cache map[componentKey][]byte, entity ecs.Entity, rc registry.ResolvedComponent, serverTick tick.Tick) ([]byte, error) {
	key := componentKey{entity: entity, component: rc.Component}
	if element, ok := cache[key]; ok {
		return element, nil
	}
	fns, ok := e.registry.Fns(rc.Fns)
	if !ok {
		return nil, fmt.Errorf("unknown fns id %d", rc.Fns)
	}
	value, ok := e.world.Get(entity, rc.Component)
	if !ok {
		return nil, fmt.Errorf("entity %v lost component %d mid-tick", entity, rc.Component)
	}
	w := wire.NewWriter()
	w.WriteUvarint(uint64(rc.Fns))
	ctx := &registry.SerializeCtx{ServerTick: serverTick}
	if err := fns.Serialize(ctx, value, w); err != nil {
		return nil, fmt.Errorf("serialize component %d on %v: %w", rc.Component, entity, err)
	}
	element := append([]byte(nil), w.Bytes()...)
	cache[key] = element
	return element, nil
}

func (e *Engine) replicateClient(c *ClientState, serverTick tick.Tick, now time.Time, removals map[ecs.Entity][]uint64, despawns []ecs.Despawn, cache map[componentKey][]byte) error {
	update := &wire.UpdateMessage{ServerTick: serverTick}
	update.Mappings = c.drainMappings()

	//1.- World-level despawns cover destroyed entities and removed markers.
	for _, despawn := range despawns {
		if c.tracked(despawn.Entity) {
			update.Despawns = append(update.Despawns, despawn.Entity)
			c.untrack(despawn.Entity)
		}
		//2.- The slot index will be reused; stale overrides must not leak
		// onto its next occupant.
		c.visibility.forget(despawn.Entity)
	}

	var mutations []mutationEntry
	var scanErr error
	e.world.ForEachReplicated(func(entity ecs.Entity, components []ecs.ComponentID) {
		if scanErr != nil {
			return
		}
		resolved := e.resolveArchetype(components)
		if len(resolved) == 0 {
			return
		}
		switch c.transition(entity) {
		case Gained:
			//2.- Gain serializes the complete component set atomically.
			payload, err := e.buildFullPayload(cache, entity, resolved, serverTick)
			if err != nil {
				scanErr = err
				return
			}
			update.Changes = append(update.Changes, wire.EntityPayload{Entity: entity, Payload: payload})
			c.track(entity, serverTick)
		case MaintainedVisible:
			if err := e.diffEntity(c, update, &mutations, cache, entity, resolved, removals, serverTick); err != nil {
				scanErr = err
				return
			}
		case Lost:
			//3.- Loss replicates only the despawn; no component bytes leak.
			update.Despawns = append(update.Despawns, entity)
			c.untrack(entity)
		}
	})
	if scanErr != nil {
		return scanErr
	}

	//4.- Removal entries apply only to entities the client still tracks.
	for entity, fnsIDs := range removals {
		if c.tracked(entity) {
			update.Removals = append(update.Removals, wire.Removal{Entity: entity, FnsIDs: fnsIDs})
		}
	}
	sort.Slice(update.Removals, func(i, j int) bool {
		return update.Removals[i].Entity.Index < update.Removals[j].Entity.Index
	})

	if !update.IsEmpty() {
		w := wire.NewWriter()
		if err := wire.EncodeUpdate(w, update); err != nil {
			return err
		}
		if err := e.transport.Send(c.peer, channel.ServerUpdates, append([]byte(nil), w.Bytes()...)); err != nil {
			return fmt.Errorf("send update: %w", err)
		}
		c.updateTick = serverTick
		c.stats.UpdateMessages++
		c.stats.SentBytes += uint64(w.Len())
	}

	return e.sendMutations(c, serverTick, now, mutations)
}

// buildFullPayload serializes every resolved component of a gained entity.
func (e *Engine) buildFullPayload(cache map[componentKey][]byte, entity ecs.Entity, resolved []registry.ResolvedComponent, serverTick tick.Tick) ([]byte, error) {
	var payload []byte
	for _, rc := range resolved {
		element, err := e.serializeComponent(cache, entity, rc, serverTick)
		if err != nil {
			return nil, err
		}
		payload = append(payload, element...)
	}
	return payload, nil
}

// diffEntity compares one maintained-visible entity against the client's
// acknowledged state and routes each component to the update or mutation
// message.
func (e *Engine) diffEntity(c *ClientState, update *wire.UpdateMessage, mutations *[]mutationEntry, cache map[componentKey][]byte, entity ecs.Entity, resolved []registry.ResolvedComponent, removals map[ecs.Entity][]uint64, serverTick tick.Tick) error {
	mutationTick := c.mutationTicks[entity]
	var inserted []byte
	var changed []registry.ResolvedComponent

	for _, rc := range resolved {
		added, changedAt, ok := e.world.ChangeTicks(entity, rc.Component)
		if !ok {
			continue
		}
		//0.- Host writes made after a snapshot carry that snapshot's tick, so
		// a stamp equal to the mutation tick is still newer than the client's data.
		if added.AtLeast(mutationTick) {
			//1.- Newly inserted components always travel reliably.
			element, err := e.serializeComponent(cache, entity, rc, serverTick)
			if err != nil {
				return err
			}
			inserted = append(inserted, element...)
			continue
		}
		if changedAt.AtLeast(mutationTick) {
			changed = append(changed, rc)
		}
	}

	_, hasRemoval := removals[entity]
	if len(inserted) > 0 || hasRemoval {
		//2.- Promote pending mutations so the whole entity update is atomic,
		// ignoring send rates: the reliable channel carries them exactly once.
		payload := inserted
		for _, rc := range changed {
			element, err := e.serializeComponent(cache, entity, rc, serverTick)
			if err != nil {
				return err
			}
			payload = append(payload, element...)
		}
		if len(payload) > 0 {
			update.Changes = append(update.Changes, wire.EntityPayload{Entity: entity, Payload: payload})
		}
		c.track(entity, serverTick)
		return nil
	}

	var payload []byte
	for _, rc := range changed {
		if !rc.SendsAt(serverTick) {
			continue
		}
		element, err := e.serializeComponent(cache, entity, rc, serverTick)
		if err != nil {
			return err
		}
		payload = append(payload, element...)
	}
	if len(payload) > 0 {
		*mutations = append(*mutations, mutationEntry{entity: entity, payload: payload})
	}
	return nil
}

// sendMutations packs the entries into MTU-bounded messages, splitting only
// between entities, and records each packet for acknowledgement tracking.
func (e *Engine) sendMutations(c *ClientState, serverTick tick.Tick, now time.Time, entries []mutationEntry) error {
	if len(entries) == 0 {
		return nil
	}

	//1.- Partition by whole entities against the per-packet byte budget.
	const headerBytes = 4 + 4 + 5 + 5
	var groups [][]mutationEntry
	var current []mutationEntry
	currentSize := headerBytes
	for _, entry := range entries {
		entrySize := 10 + 5 + len(entry.payload)
		if len(current) > 0 && currentSize+entrySize > e.maxPacketBytes {
			groups = append(groups, current)
			current = nil
			currentSize = headerBytes
		}
		current = append(current, entry)
		currentSize += entrySize
	}
	if len(current) > 0 {
		groups = append(groups, current)
	}

	//2.- Encode each packet with the tick's total message count so the
	// client can tell when a tick's mutations fully landed.
	for _, group := range groups {
		entities := borrowEntityList()
		message := &wire.MutationMessage{
			UpdateTick:   c.updateTick,
			ServerTick:   serverTick,
			MessageCount: uint64(len(groups)),
		}
		for _, entry := range group {
			entities = append(entities, entry.entity)
			message.Entities = append(message.Entities, wire.EntityPayload{Entity: entry.entity, Payload: entry.payload})
		}
		message.Index = c.recordMutation(serverTick, now, entities)
		w := wire.NewWriter()
		if err := wire.EncodeMutation(w, message); err != nil {
			return err
		}
		if err := e.transport.Send(c.peer, channel.ServerMutations, append([]byte(nil), w.Bytes()...)); err != nil {
			//3.- Loss on the unreliable channel is benign; drop the record
			// so the contents resend next tick.
			e.logger.Debug("mutation send failed",
				logging.String("peer", string(c.peer)), logging.Error(err))
			c.discardMutation(message.Index)
			continue
		}
		c.stats.MutationMessages++
		c.stats.SentBytes += uint64(w.Len())
	}
	return nil
}
