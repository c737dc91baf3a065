package client

import (
	"fmt"

	"driftpursuit/replication/ecs"
)

// ErrEntityUnmapped reports a server entity with no client counterpart in a
// context where spawning one is not allowed.
type ErrEntityUnmapped struct {
	Server ecs.Entity
}

func (e *ErrEntityUnmapped) Error() string {
	return fmt.Sprintf("server entity %v has no client mapping", e.Server)
}

// ServerEntityMap is the client-side bijection between server entities and
// their local mirrors. Entries appear on first reference to an unknown
// server entity (spawning the mirror) or through explicit pre-spawn
// mappings replicated from the server.
type ServerEntityMap struct {
	world    *ecs.World
	toClient map[ecs.Entity]ecs.Entity
	toServer map[ecs.Entity]ecs.Entity
}

// NewServerEntityMap binds the map to the client world it spawns into.
func NewServerEntityMap(world *ecs.World) *ServerEntityMap {
	return &ServerEntityMap{
		world:    world,
		toClient: make(map[ecs.Entity]ecs.Entity),
		toServer: make(map[ecs.Entity]ecs.Entity),
	}
}

// Insert registers an explicit pair, spawning the client entity when the
// given one no longer exists locally.
func (m *ServerEntityMap) Insert(server, client ecs.Entity) ecs.Entity {
	if m == nil {
		return ecs.Invalid
	}
	if !m.world.Alive(client) {
		client = m.world.Spawn()
	}
	//1.- Drop any stale pairing for either side before linking.
	if old, ok := m.toClient[server]; ok {
		delete(m.toServer, old)
	}
	if old, ok := m.toServer[client]; ok {
		delete(m.toClient, old)
	}
	m.toClient[server] = client
	m.toServer[client] = server
	return client
}

// GetOrSpawn resolves the client mirror, spawning one on first reference.
func (m *ServerEntityMap) GetOrSpawn(server ecs.Entity) ecs.Entity {
	if m == nil {
		return ecs.Invalid
	}
	if client, ok := m.toClient[server]; ok && m.world.Alive(client) {
		return client
	}
	client := m.world.Spawn()
	m.toClient[server] = client
	m.toServer[client] = server
	return client
}

// Get resolves the client mirror without spawning.
func (m *ServerEntityMap) Get(server ecs.Entity) (ecs.Entity, bool) {
	if m == nil {
		return ecs.Invalid, false
	}
	client, ok := m.toClient[server]
	return client, ok
}

// GetByClient resolves the server entity backing a local mirror.
func (m *ServerEntityMap) GetByClient(client ecs.Entity) (ecs.Entity, bool) {
	if m == nil {
		return ecs.Invalid, false
	}
	server, ok := m.toServer[client]
	return server, ok
}

// MapEntity implements the registry mapper contract for component payloads
// that embed entity references.
func (m *ServerEntityMap) MapEntity(server ecs.Entity) (ecs.Entity, error) {
	if m == nil {
		return ecs.Invalid, &ErrEntityUnmapped{Server: server}
	}
	return m.GetOrSpawn(server), nil
}

// RemoveByServer unlinks the pair for a despawned server entity.
func (m *ServerEntityMap) RemoveByServer(server ecs.Entity) {
	if m == nil {
		return
	}
	if client, ok := m.toClient[server]; ok {
		delete(m.toServer, client)
		delete(m.toClient, server)
	}
}

// Len reports the number of mapped pairs.
func (m *ServerEntityMap) Len() int {
	if m == nil {
		return 0
	}
	return len(m.toClient)
}

// Reset drops every pair on disconnect.
func (m *ServerEntityMap) Reset() {
	if m == nil {
		return
	}
	m.toClient = make(map[ecs.Entity]ecs.Entity)
	m.toServer = make(map[ecs.Entity]ecs.Entity)
}
