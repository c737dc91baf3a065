package client

import (
	"testing"

	"driftpursuit/replication/channel"
	"driftpursuit/replication/ecs"
	"driftpursuit/replication/internal/logging"
	"driftpursuit/replication/registry"
	"driftpursuit/replication/tick"
	"driftpursuit/replication/transport"
	"driftpursuit/replication/transport/memory"
	"driftpursuit/replication/wire"
)

type clientHarness struct {
	world    *ecs.World
	registry *registry.Registry
	network  *memory.Network
	handle   transport.Client
	engine   *Engine
	boolID   ecs.ComponentID
	scoreID  ecs.ComponentID
	boolFns  registry.FnsID
	scoreFns registry.FnsID
}

const harnessPeer transport.PeerID = "alice"

func newClientHarness(t *testing.T, opts ...Option) *clientHarness {
	t.Helper()
	h := &clientHarness{
		world:    ecs.NewWorld(),
		registry: registry.New(),
		network:  memory.NewNetwork(),
	}
	var err error
	if h.boolID, err = h.world.RegisterComponent("alive"); err != nil {
		t.Fatalf("register component: %v", err)
	}
	if h.scoreID, err = h.world.RegisterComponent("score"); err != nil {
		t.Fatalf("register component: %v", err)
	}
	if h.boolFns, err = h.registry.RegisterFns(registry.BoolFns(h.boolID)); err != nil {
		t.Fatalf("register fns: %v", err)
	}
	if h.scoreFns, err = h.registry.RegisterFns(registry.Uint64Fns(h.scoreID)); err != nil {
		t.Fatalf("register fns: %v", err)
	}
	if h.handle, err = h.network.Connect(harnessPeer); err != nil {
		t.Fatalf("connect: %v", err)
	}
	opts = append([]Option{WithLogger(logging.NewTestLogger())}, opts...)
	h.engine = NewEngine(h.world, h.registry, h.handle, opts...)
	return h
}

func (h *clientHarness) pushUpdate(t *testing.T, message *wire.UpdateMessage) {
	t.Helper()
	w := wire.NewWriter()
	if err := wire.EncodeUpdate(w, message); err != nil {
		t.Fatalf("encode update: %v", err)
	}
	if err := h.network.Send(harnessPeer, channel.ServerUpdates, w.Bytes()); err != nil {
		t.Fatalf("send update: %v", err)
	}
}

func (h *clientHarness) pushMutation(t *testing.T, message *wire.MutationMessage) {
	t.Helper()
	w := wire.NewWriter()
	if err := wire.EncodeMutation(w, message); err != nil {
		t.Fatalf("encode mutation: %v", err)
	}
	if err := h.network.Send(harnessPeer, channel.ServerMutations, w.Bytes()); err != nil {
		t.Fatalf("send mutation: %v", err)
	}
}

func (h *clientHarness) boolPayload(t *testing.T, value bool) []byte {
	t.Helper()
	w := wire.NewWriter()
	w.WriteUvarint(uint64(h.boolFns))
	if value {
		w.WriteUint8(1)
	} else {
		w.WriteUint8(0)
	}
	return append([]byte(nil), w.Bytes()...)
}

func (h *clientHarness) process(t *testing.T) {
	t.Helper()
	if err := h.engine.ProcessTick(); err != nil {
		t.Fatalf("process tick: %v", err)
	}
}

func (h *clientHarness) drainAcks(t *testing.T) []wire.Ack {
	t.Helper()
	var acks []wire.Ack
	for _, payload := range h.network.Receive(harnessPeer, channel.ClientAcks) {
		decoded, err := wire.DecodeAcks(payload)
		if err != nil {
			t.Fatalf("decode acks: %v", err)
		}
		acks = append(acks, decoded...)
	}
	return acks
}

func TestUpdateSpawnsMirrorAndPopulatesMap(t *testing.T) {
	h := newClientHarness(t)
	server := ecs.Entity{Index: 0, Generation: 1}

	h.pushUpdate(t, &wire.UpdateMessage{
		ServerTick: tick.New(1),
		Changes: []wire.EntityPayload{
			{Entity: server, Payload: h.boolPayload(t, false)},
		},
	})
	h.process(t)

	mirror, ok := h.engine.EntityMap().Get(server)
	if !ok {
		t.Fatalf("expected server entity to be mapped")
	}
	if back, ok := h.engine.EntityMap().GetByClient(mirror); !ok || back != server {
		t.Fatalf("expected bijective mapping, got %v ok=%v", back, ok)
	}
	value, ok := h.world.Get(mirror, h.boolID)
	if !ok || value.(bool) != false {
		t.Fatalf("expected mirrored bool=false, got %v ok=%v", value, ok)
	}
	if !h.world.Replicated(mirror) {
		t.Fatalf("mirror must carry the replication marker")
	}
	if h.engine.ServerUpdateTick() != tick.New(1) {
		t.Fatalf("update tick %v, want 1", h.engine.ServerUpdateTick())
	}
	if history, ok := h.engine.Confirmed(mirror); !ok || !history.Contains(tick.New(1)) {
		t.Fatalf("expected confirm history for tick 1")
	}
}

func TestMutationBuffersUntilUpdateApplied(t *testing.T) {
	h := newClientHarness(t)
	server := ecs.Entity{Index: 0, Generation: 1}

	//1.- Seed the entity at update tick 1 with bool=false.
	h.pushUpdate(t, &wire.UpdateMessage{
		ServerTick: tick.New(1),
		Changes:    []wire.EntityPayload{{Entity: server, Payload: h.boolPayload(t, false)}},
	})
	h.process(t)
	mirror, _ := h.engine.EntityMap().Get(server)

	//2.- A mutation depending on update tick 5 arrives early and must wait.
	h.pushMutation(t, &wire.MutationMessage{
		UpdateTick:   tick.New(5),
		ServerTick:   tick.New(6),
		MessageCount: 1,
		Index:        3,
		Entities:     []wire.EntityPayload{{Entity: server, Payload: h.boolPayload(t, true)}},
	})
	h.process(t)
	if value, _ := h.world.Get(mirror, h.boolID); value.(bool) {
		t.Fatalf("mutation applied before its prerequisite update")
	}
	if acks := h.drainAcks(t); len(acks) != 0 {
		t.Fatalf("buffered mutation must not ack yet, got %v", acks)
	}

	//3.- Applying update tick 5 releases the buffered mutation exactly once.
	h.pushUpdate(t, &wire.UpdateMessage{
		ServerTick: tick.New(5),
		Changes:    []wire.EntityPayload{{Entity: server, Payload: h.boolPayload(t, false)}},
	})
	h.process(t)
	if value, _ := h.world.Get(mirror, h.boolID); !value.(bool) {
		t.Fatalf("buffered mutation did not apply after update 5")
	}
	acks := h.drainAcks(t)
	if len(acks) != 1 || acks[0].Index != 3 || acks[0].ServerTick != tick.New(6) {
		t.Fatalf("unexpected acks %v", acks)
	}
}

func TestStaleMutationEntriesSkippedButMessageAcked(t *testing.T) {
	h := newClientHarness(t)
	server := ecs.Entity{Index: 0, Generation: 1}

	h.pushUpdate(t, &wire.UpdateMessage{
		ServerTick: tick.New(4),
		Changes:    []wire.EntityPayload{{Entity: server, Payload: h.boolPayload(t, true)}},
	})
	h.process(t)
	mirror, _ := h.engine.EntityMap().Get(server)

	//1.- A mutation older than the entity's applied tick is discarded.
	h.pushMutation(t, &wire.MutationMessage{
		UpdateTick:   tick.New(2),
		ServerTick:   tick.New(3),
		MessageCount: 1,
		Index:        9,
		Entities:     []wire.EntityPayload{{Entity: server, Payload: h.boolPayload(t, false)}},
	})
	h.process(t)
	if value, _ := h.world.Get(mirror, h.boolID); !value.(bool) {
		t.Fatalf("stale mutation overwrote newer state")
	}
	//2.- The message still acks so the server can release its record.
	acks := h.drainAcks(t)
	if len(acks) != 1 || acks[0].Index != 9 {
		t.Fatalf("expected ack for stale message, got %v", acks)
	}
}

func TestMutationOrderingWithinEntity(t *testing.T) {
	h := newClientHarness(t)
	server := ecs.Entity{Index: 0, Generation: 1}

	h.pushUpdate(t, &wire.UpdateMessage{
		ServerTick: tick.New(1),
		Changes:    []wire.EntityPayload{{Entity: server, Payload: h.boolPayload(t, false)}},
	})
	h.process(t)
	mirror, _ := h.engine.EntityMap().Get(server)

	//1.- Deliver tick 7 before tick 6; the older value must not win.
	h.pushMutation(t, &wire.MutationMessage{
		UpdateTick: tick.New(1), ServerTick: tick.New(7), MessageCount: 1, Index: 1,
		Entities: []wire.EntityPayload{{Entity: server, Payload: h.boolPayload(t, true)}},
	})
	h.pushMutation(t, &wire.MutationMessage{
		UpdateTick: tick.New(1), ServerTick: tick.New(6), MessageCount: 1, Index: 2,
		Entities: []wire.EntityPayload{{Entity: server, Payload: h.boolPayload(t, false)}},
	})
	h.process(t)
	if value, _ := h.world.Get(mirror, h.boolID); !value.(bool) {
		t.Fatalf("out-of-order mutation rolled the value back")
	}
	if acks := h.drainAcks(t); len(acks) != 2 {
		t.Fatalf("both messages must ack, got %v", acks)
	}
}

func TestPreSpawnedMappingAppliesWithoutExtraEntity(t *testing.T) {
	h := newClientHarness(t)

	//1.- The client speculatively spawns its local entity first.
	local := h.world.Spawn()
	server := ecs.Entity{Index: 7, Generation: 1}

	h.pushUpdate(t, &wire.UpdateMessage{
		ServerTick: tick.New(2),
		Mappings:   []wire.Mapping{{Server: server, Client: local}},
		Changes:    []wire.EntityPayload{{Entity: server, Payload: h.boolPayload(t, true)}},
	})
	h.process(t)

	mirror, ok := h.engine.EntityMap().Get(server)
	if !ok || mirror != local {
		t.Fatalf("expected mapping onto pre-spawned entity, got %v ok=%v", mirror, ok)
	}
	value, ok := h.world.Get(local, h.boolID)
	if !ok || !value.(bool) {
		t.Fatalf("expected component applied to pre-spawned entity")
	}
	if !h.world.Replicated(local) {
		t.Fatalf("pre-spawned entity must carry the replication marker")
	}
	if h.engine.EntityMap().Len() != 1 {
		t.Fatalf("expected exactly one mapping, got %d", h.engine.EntityMap().Len())
	}
}

func TestDespawnRemovesMirrorAndMapping(t *testing.T) {
	h := newClientHarness(t)
	server := ecs.Entity{Index: 0, Generation: 1}

	h.pushUpdate(t, &wire.UpdateMessage{
		ServerTick: tick.New(1),
		Changes:    []wire.EntityPayload{{Entity: server, Payload: h.boolPayload(t, true)}},
	})
	h.process(t)
	mirror, _ := h.engine.EntityMap().Get(server)

	h.pushUpdate(t, &wire.UpdateMessage{
		ServerTick: tick.New(2),
		Despawns:   []ecs.Entity{server},
	})
	h.process(t)

	if h.world.Alive(mirror) {
		t.Fatalf("expected mirror to despawn")
	}
	if _, ok := h.engine.EntityMap().Get(server); ok {
		t.Fatalf("expected mapping to be dropped")
	}
	if h.engine.ServerUpdateTick() != tick.New(2) {
		t.Fatalf("update tick %v, want 2", h.engine.ServerUpdateTick())
	}
}

func TestDespawnFnOverrideReplacesDefault(t *testing.T) {
	var despawned []ecs.Entity
	h := newClientHarness(t, WithDespawnFn(func(world *ecs.World, entity ecs.Entity) {
		//1.- Record the call and keep the entity alive, the way a fade-out
		// or corpse-leaving override would.
		despawned = append(despawned, entity)
	}))
	server := ecs.Entity{Index: 0, Generation: 1}

	h.pushUpdate(t, &wire.UpdateMessage{
		ServerTick: tick.New(1),
		Changes:    []wire.EntityPayload{{Entity: server, Payload: h.boolPayload(t, true)}},
	})
	h.process(t)
	mirror, _ := h.engine.EntityMap().Get(server)

	h.pushUpdate(t, &wire.UpdateMessage{
		ServerTick: tick.New(2),
		Despawns:   []ecs.Entity{server},
	})
	h.process(t)

	if len(despawned) != 1 || despawned[0] != mirror {
		t.Fatalf("expected override to fire for %v, got %v", mirror, despawned)
	}
	//2.- The default world despawn must not run alongside the override.
	if !h.world.Alive(mirror) {
		t.Fatalf("override kept the entity, default despawn still ran")
	}
	//3.- Replication bookkeeping is dropped regardless of the override.
	if _, ok := h.engine.EntityMap().Get(server); ok {
		t.Fatalf("expected mapping removed after despawn")
	}
}

func TestRemovalUsesRegisteredRemoveFns(t *testing.T) {
	h := newClientHarness(t)
	server := ecs.Entity{Index: 0, Generation: 1}

	payload := h.boolPayload(t, true)
	w := wire.NewWriter()
	w.WriteUvarint(uint64(h.scoreFns))
	w.WriteUvarint(42)
	payload = append(payload, w.Bytes()...)

	h.pushUpdate(t, &wire.UpdateMessage{
		ServerTick: tick.New(1),
		Changes:    []wire.EntityPayload{{Entity: server, Payload: payload}},
	})
	h.process(t)
	mirror, _ := h.engine.EntityMap().Get(server)
	if !h.world.Has(mirror, h.scoreID) {
		t.Fatalf("expected score component before removal")
	}

	h.pushUpdate(t, &wire.UpdateMessage{
		ServerTick: tick.New(2),
		Removals:   []wire.Removal{{Entity: server, FnsIDs: []uint64{uint64(h.scoreFns)}}},
	})
	h.process(t)

	if h.world.Has(mirror, h.scoreID) {
		t.Fatalf("expected score component removed")
	}
	if !h.world.Has(mirror, h.boolID) {
		t.Fatalf("unrelated component must survive")
	}
}

func TestMalformedUpdateIsDroppedWithoutStateChange(t *testing.T) {
	h := newClientHarness(t)

	if err := h.network.Send(harnessPeer, channel.ServerUpdates, []byte{0xFF}); err != nil {
		t.Fatalf("send: %v", err)
	}
	h.process(t)

	if h.engine.ServerUpdateTick() != tick.New(0) {
		t.Fatalf("malformed message advanced the update tick")
	}
	if h.engine.EntityMap().Len() != 0 {
		t.Fatalf("malformed message touched the entity map")
	}
}

func TestResetOnDisconnect(t *testing.T) {
	h := newClientHarness(t)
	server := ecs.Entity{Index: 0, Generation: 1}

	h.pushUpdate(t, &wire.UpdateMessage{
		ServerTick: tick.New(3),
		Changes:    []wire.EntityPayload{{Entity: server, Payload: h.boolPayload(t, true)}},
	})
	h.process(t)

	h.handle.Disconnect()
	h.process(t)

	if h.engine.ServerUpdateTick() != tick.New(0) {
		t.Fatalf("expected update tick reset")
	}
	if h.engine.EntityMap().Len() != 0 {
		t.Fatalf("expected entity map reset")
	}
}
