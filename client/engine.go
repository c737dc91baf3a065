package client

import (
	"errors"
	"fmt"

	"driftpursuit/replication/channel"
	"driftpursuit/replication/ecs"
	"driftpursuit/replication/internal/logging"
	"driftpursuit/replication/registry"
	"driftpursuit/replication/tick"
	"driftpursuit/replication/transport"
	"driftpursuit/replication/wire"
)

// DespawnFn removes a despawned mirror entity from the client world.
type DespawnFn func(world *ecs.World, entity ecs.Entity)

// Option tunes engine construction.
type Option func(*Engine)

// WithLogger attaches a structured logger.
func WithLogger(logger *logging.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithDespawnFn overrides the despawn behaviour for replicated mirrors.
func WithDespawnFn(fn DespawnFn) Option {
	return func(e *Engine) {
		if fn != nil {
			e.despawnFn = fn
		}
	}
}

// Engine is the client replication engine: it parses update and mutation
// messages, mirrors server entities into the local world and emits
// acknowledgements.
type Engine struct {
	world     *ecs.World
	registry  *registry.Registry
	transport transport.Client
	logger    *logging.Logger

	serverMap *ServerEntityMap

	// updateTick is the latest fully applied update message tick; mutation
	// and event delivery gates on it.
	updateTick tick.Tick

	// entityTicks is the per-mirror latest applied server tick, the basis
	// for discarding stale mutation entries.
	entityTicks map[ecs.Entity]tick.Tick

	confirm     map[ecs.Entity]*ConfirmHistory
	mutateTicks *MutateTicks

	buffered    []*wire.MutationMessage
	pendingAcks []wire.Ack

	onUpdate []func(tick.Tick)

	wasConnected bool

	despawnFn DespawnFn
}

// NewEngine wires the engine to its world, registry and transport.
func NewEngine(world *ecs.World, reg *registry.Registry, tr transport.Client, opts ...Option) *Engine {
	e := &Engine{
		world:       world,
		registry:    reg,
		transport:   tr,
		logger:      logging.L(),
		serverMap:   NewServerEntityMap(world),
		entityTicks: make(map[ecs.Entity]tick.Tick),
		confirm:     make(map[ecs.Entity]*ConfirmHistory),
		mutateTicks: NewMutateTicks(),
		despawnFn: func(world *ecs.World, entity ecs.Entity) {
			world.Despawn(entity)
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ServerUpdateTick reports the latest applied update message tick.
func (e *Engine) ServerUpdateTick() tick.Tick {
	if e == nil {
		return 0
	}
	return e.updateTick
}

// EntityMap exposes the server↔client entity bijection.
func (e *Engine) EntityMap() *ServerEntityMap {
	if e == nil {
		return nil
	}
	return e.serverMap
}

// Confirmed returns the confirm history for a mirror entity, if any.
func (e *Engine) Confirmed(entity ecs.Entity) (*ConfirmHistory, bool) {
	if e == nil {
		return nil, false
	}
	history, ok := e.confirm[entity]
	return history, ok
}

// MutateTicks exposes the complete-tick tracker for mutation messages.
func (e *Engine) MutateTicks() *MutateTicks {
	if e == nil {
		return nil
	}
	return e.mutateTicks
}

// OnUpdateApplied registers a hook fired after every applied update
// message, with the new update tick. The event layer drains its causality
// queue from here.
func (e *Engine) OnUpdateApplied(fn func(tick.Tick)) {
	if e != nil && fn != nil {
		e.onUpdate = append(e.onUpdate, fn)
	}
}

// ProcessTick drains the inbound queues in causal order: updates first (each
// applied update retries the buffered mutations it unblocks), then newly
// received mutations, then the outbound ack flush.
func (e *Engine) ProcessTick() error {
	if e == nil || e.world == nil || e.registry == nil || e.transport == nil {
		return errors.New("client engine not initialised")
	}
	if e.transport.Status() != transport.Connected {
		if e.wasConnected {
			e.Reset()
		}
		return nil
	}
	e.wasConnected = true

	//1.- Update messages apply strictly in channel order.
	for _, payload := range e.transport.Receive(channel.ServerUpdates) {
		message, err := wire.DecodeUpdate(payload)
		if err != nil {
			e.logger.Warn("dropping malformed update message", logging.Error(err))
			continue
		}
		if err := e.applyUpdate(message); err != nil {
			e.logger.Warn("dropping update message", logging.Error(err))
		}
	}

	//2.- Mutation messages apply when their update tick is covered and
	// buffer otherwise.
	for _, payload := range e.transport.Receive(channel.ServerMutations) {
		message, err := wire.DecodeMutation(payload)
		if err != nil {
			e.logger.Warn("dropping malformed mutation message", logging.Error(err))
			continue
		}
		e.handleMutation(message)
	}

	e.flushAcks()
	return nil
}

// Reset clears every piece of replicated state after a disconnect.
func (e *Engine) Reset() {
	if e == nil {
		return
	}
	e.serverMap.Reset()
	e.updateTick = 0
	e.entityTicks = make(map[ecs.Entity]tick.Tick)
	e.confirm = make(map[ecs.Entity]*ConfirmHistory)
	e.mutateTicks.Reset()
	e.buffered = nil
	e.pendingAcks = nil
	e.wasConnected = false
}

func (e *Engine) applyUpdate(message *wire.UpdateMessage) error {
	//1.- Mappings first so later sections resolve pre-spawned entities.
	for _, mapping := range message.Mappings {
		client := e.serverMap.Insert(mapping.Server, mapping.Client)
		e.world.MarkReplicated(client)
		e.confirmEntity(client, message.ServerTick)
	}

	for _, server := range message.Despawns {
		client, ok := e.serverMap.Get(server)
		if !ok {
			continue
		}
		e.despawnFn(e.world, client)
		e.serverMap.RemoveByServer(server)
		delete(e.entityTicks, client)
		delete(e.confirm, client)
	}

	for _, removal := range message.Removals {
		client, ok := e.serverMap.Get(removal.Entity)
		if !ok {
			e.logger.Debug("removal for unmapped entity",
				logging.Uint32("index", removal.Entity.Index))
			continue
		}
		for _, raw := range removal.FnsIDs {
			fns, ok := e.registry.Fns(registry.FnsID(raw))
			if !ok {
				return fmt.Errorf("removal references unknown fns id %d", raw)
			}
			remove := e.registry.ResolveRemove(e.world, client, fns)
			remove(&registry.RemoveCtx{World: e.world, MessageTick: message.ServerTick}, fns, client)
		}
		e.confirmEntity(client, message.ServerTick)
	}

	for _, change := range message.Changes {
		client := e.serverMap.GetOrSpawn(change.Entity)
		e.world.MarkReplicated(client)
		if err := e.applyComponents(client, change.Payload, message.ServerTick); err != nil {
			return err
		}
		if message.ServerTick.After(e.entityTicks[client]) {
			e.entityTicks[client] = message.ServerTick
		}
		e.confirmEntity(client, message.ServerTick)
	}

	//2.- The update tick advances only once the whole message has applied,
	// then buffered mutations that waited on it get their retry.
	e.updateTick = tick.Max(e.updateTick, message.ServerTick)
	e.retryBuffered()
	for _, fn := range e.onUpdate {
		fn(e.updateTick)
	}
	return nil
}

func (e *Engine) handleMutation(message *wire.MutationMessage) {
	if message.UpdateTick.After(e.updateTick) {
		//1.- Causality deferred: the prerequisite update has not landed yet.
		e.buffered = append(e.buffered, message)
		return
	}
	e.applyMutation(message)
}

func (e *Engine) retryBuffered() {
	if len(e.buffered) == 0 {
		return
	}
	remaining := e.buffered[:0]
	for _, message := range e.buffered {
		if message.UpdateTick.After(e.updateTick) {
			remaining = append(remaining, message)
			continue
		}
		e.applyMutation(message)
	}
	e.buffered = remaining
}

func (e *Engine) applyMutation(message *wire.MutationMessage) {
	for _, entry := range message.Entities {
		client, ok := e.serverMap.Get(entry.Entity)
		if !ok {
			//1.- The mirror despawned after this message was sent; the data
			// is obsolete by construction.
			continue
		}
		stale := !message.ServerTick.After(e.entityTicks[client])
		if err := e.applyMutationPayload(client, entry.Payload, message.ServerTick, stale); err != nil {
			e.logger.Error("mutation apply failed",
				logging.Uint32("server_tick", message.ServerTick.Get()),
				logging.Error(err))
			continue
		}
		if !stale {
			e.entityTicks[client] = message.ServerTick
		}
		e.confirmEntity(client, message.ServerTick)
	}
	e.mutateTicks.Record(message.ServerTick, message.MessageCount)
	//2.- The message is acknowledged regardless of how many entries were
	// stale; the ack names the message, not its contents.
	e.pendingAcks = append(e.pendingAcks, wire.Ack{Index: message.Index, ServerTick: message.ServerTick})
}

func (e *Engine) applyMutationPayload(client ecs.Entity, payload []byte, messageTick tick.Tick, stale bool) error {
	r := wire.NewReader(payload)
	ctx := &registry.WriteCtx{World: e.world, MessageTick: messageTick, Mapper: e.serverMap}
	for r.Remaining() > 0 {
		raw, err := r.ReadUvarint()
		if err != nil {
			return err
		}
		fns, ok := e.registry.Fns(registry.FnsID(raw))
		if !ok {
			return fmt.Errorf("mutation references unknown fns id %d", raw)
		}
		resolved := e.registry.ResolveWrite(e.world, client, fns)
		switch {
		case !stale:
			err = resolved.Write(ctx, fns, client, r)
		case resolved.History:
			//1.- History markers still want old values, in stamped order.
			err = resolved.Write(ctx, fns, client, r)
		default:
			err = fns.Consume(ctx, r)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) applyComponents(client ecs.Entity, payload []byte, messageTick tick.Tick) error {
	r := wire.NewReader(payload)
	ctx := &registry.WriteCtx{World: e.world, MessageTick: messageTick, Mapper: e.serverMap}
	for r.Remaining() > 0 {
		raw, err := r.ReadUvarint()
		if err != nil {
			return err
		}
		fns, ok := e.registry.Fns(registry.FnsID(raw))
		if !ok {
			return fmt.Errorf("change references unknown fns id %d", raw)
		}
		resolved := e.registry.ResolveWrite(e.world, client, fns)
		if err := resolved.Write(ctx, fns, client, r); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) confirmEntity(client ecs.Entity, t tick.Tick) {
	history, ok := e.confirm[client]
	if !ok {
		e.confirm[client] = NewConfirmHistory(t)
		return
	}
	history.Confirm(t)
}

func (e *Engine) flushAcks() {
	if len(e.pendingAcks) == 0 {
		return
	}
	w := wire.NewWriter()
	if err := wire.EncodeAcks(w, e.pendingAcks); err != nil {
		e.logger.Error("encode acks", logging.Error(err))
		return
	}
	if err := e.transport.Send(channel.ClientAcks, append([]byte(nil), w.Bytes()...)); err != nil {
		e.logger.Warn("ack send failed", logging.Error(err))
		return
	}
	e.pendingAcks = e.pendingAcks[:0]
}
