package ecs

import "testing"

func TestSpawnReusesIndexWithNewGeneration(t *testing.T) {
	world := NewWorld()
	first := world.Spawn()
	world.Despawn(first)
	second := world.Spawn()

	if second.Index != first.Index {
		t.Fatalf("expected index reuse, got %v then %v", first, second)
	}
	if second.Generation == first.Generation {
		t.Fatalf("expected bumped generation, got %v twice", second.Generation)
	}
	//1.- The stale handle must no longer resolve to the new occupant.
	if world.Alive(first) {
		t.Fatalf("expected stale entity %v to be dead", first)
	}
	if !world.Alive(second) {
		t.Fatalf("expected fresh entity %v to be alive", second)
	}
}

func TestInsertTracksChangeTicks(t *testing.T) {
	world := NewWorld()
	health, err := world.RegisterComponent("health")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	world.AdvanceTick()
	e := world.Spawn()
	world.Insert(e, health, 100)
	added, changed, ok := world.ChangeTicks(e, health)
	if !ok || added.Get() != 1 || changed.Get() != 1 {
		t.Fatalf("unexpected ticks added=%v changed=%v ok=%v", added, changed, ok)
	}

	//1.- A later write must advance changed but keep the original added tick.
	world.AdvanceTick()
	world.Insert(e, health, 90)
	added, changed, _ = world.ChangeTicks(e, health)
	if added.Get() != 1 || changed.Get() != 2 {
		t.Fatalf("unexpected ticks after rewrite added=%v changed=%v", added, changed)
	}
}

func TestRemoveBuffersOnlyReplicatedEntities(t *testing.T) {
	world := NewWorld()
	health, _ := world.RegisterComponent("health")

	private := world.Spawn()
	world.Insert(private, health, 1)
	world.Remove(private, health)
	if drained := world.DrainRemovals(); len(drained) != 0 {
		t.Fatalf("expected no removals for private entity, got %v", drained)
	}

	shared := world.Spawn()
	world.MarkReplicated(shared)
	world.Insert(shared, health, 1)
	world.Remove(shared, health)
	drained := world.DrainRemovals()
	if len(drained) != 1 || drained[0].Entity != shared || drained[0].Component != health {
		t.Fatalf("unexpected removal buffer %v", drained)
	}
	//1.- Draining must clear the buffer.
	if drained := world.DrainRemovals(); len(drained) != 0 {
		t.Fatalf("expected drained buffer to stay empty, got %v", drained)
	}
}

func TestClearReplicatedRecordsDespawn(t *testing.T) {
	world := NewWorld()
	e := world.Spawn()
	world.MarkReplicated(e)
	world.ClearReplicated(e)

	drained := world.DrainDespawns()
	if len(drained) != 1 || drained[0].Entity != e {
		t.Fatalf("unexpected despawn buffer %v", drained)
	}
	if !world.Alive(e) {
		t.Fatalf("expected entity to survive marker removal")
	}

	//1.- A full despawn of a replicated entity must also be recorded.
	other := world.Spawn()
	world.MarkReplicated(other)
	world.Despawn(other)
	drained = world.DrainDespawns()
	if len(drained) != 1 || drained[0].Entity != other {
		t.Fatalf("unexpected despawn buffer %v", drained)
	}
}

func TestForEachReplicatedReturnsSortedComponents(t *testing.T) {
	world := NewWorld()
	a, _ := world.RegisterComponent("a")
	b, _ := world.RegisterComponent("b")

	e := world.Spawn()
	world.MarkReplicated(e)
	world.Insert(e, b, 2)
	world.Insert(e, a, 1)

	hidden := world.Spawn()
	world.Insert(hidden, a, 3)

	var visited int
	world.ForEachReplicated(func(entity Entity, components []ComponentID) {
		visited++
		if entity != e {
			t.Fatalf("unexpected entity %v", entity)
		}
		if len(components) != 2 || components[0] != a || components[1] != b {
			t.Fatalf("expected sorted components, got %v", components)
		}
	})
	if visited != 1 {
		t.Fatalf("expected one replicated entity, visited %d", visited)
	}
}
