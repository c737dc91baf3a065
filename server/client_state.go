package server

import (
	"sync"
	"time"

	"driftpursuit/replication/ecs"
	"driftpursuit/replication/tick"
	"driftpursuit/replication/transport"
	"driftpursuit/replication/wire"
)

// entityListPool recycles the per-mutation entity vectors so steady-state
// replication does not allocate per tick.
var entityListPool = sync.Pool{
	New: func() any { return make([]ecs.Entity, 0, 16) },
}

func borrowEntityList() []ecs.Entity {
	return entityListPool.Get().([]ecs.Entity)[:0]
}

func returnEntityList(list []ecs.Entity) {
	entityListPool.Put(list[:0]) //nolint:staticcheck // slice reuse is the point
}

// mutateRecord is one in-flight mutation message awaiting acknowledgement.
type mutateRecord struct {
	serverTick tick.Tick
	sent       time.Time
	entities   []ecs.Entity
}

// Stats counts outbound traffic per client.
type Stats struct {
	UpdateMessages   uint64
	MutationMessages uint64
	SentBytes        uint64
}

// ClientState is the server-side record for one connected, replicating
// client. It is owned exclusively by the server engine.
type ClientState struct {
	peer transport.PeerID

	// updateTick is the most recent server tick at which this client was
	// sent any insert/remove/despawn; mutation messages carry it so the
	// client knows when it may apply them.
	updateTick tick.Tick

	// mutationTicks holds, per replicated entity, the last server tick
	// whose mutations this client acknowledged. An entity present here is
	// "tracked": the client knows about it.
	mutationTicks map[ecs.Entity]tick.Tick

	inFlight  map[tick.MutateIndex]*mutateRecord
	nextIndex tick.MutateIndex

	visibility      *Visibility
	pendingMappings []wire.Mapping

	stats Stats
}

func newClientState(peer transport.PeerID, policy Policy) *ClientState {
	return &ClientState{
		peer:          peer,
		mutationTicks: make(map[ecs.Entity]tick.Tick),
		inFlight:      make(map[tick.MutateIndex]*mutateRecord),
		visibility:    newVisibility(policy),
	}
}

// Peer returns the client's transport identifier.
func (c *ClientState) Peer() transport.PeerID {
	if c == nil {
		return ""
	}
	return c.peer
}

// UpdateTick returns the client's update-tick watermark.
func (c *ClientState) UpdateTick() tick.Tick {
	if c == nil {
		return 0
	}
	return c.updateTick
}

// Visibility exposes the client's filter for host gameplay code.
func (c *ClientState) Visibility() *Visibility {
	if c == nil {
		return nil
	}
	return c.visibility
}

// Stats returns a copy of the outbound traffic counters.
func (c *ClientState) Stats() Stats {
	if c == nil {
		return Stats{}
	}
	return c.stats
}

// tracked reports whether the client already knows the entity.
func (c *ClientState) tracked(e ecs.Entity) bool {
	_, ok := c.mutationTicks[e]
	return ok
}

// transition classifies the entity for this client this tick.
func (c *ClientState) transition(e ecs.Entity) Transition {
	visible := c.visibility.IsVisible(e)
	switch {
	case visible && !c.tracked(e):
		return Gained
	case visible:
		return MaintainedVisible
	case c.tracked(e):
		return Lost
	default:
		return MaintainedHidden
	}
}

// track registers the entity at the given mutation tick.
func (c *ClientState) track(e ecs.Entity, t tick.Tick) {
	c.mutationTicks[e] = t
}

// untrack forgets the entity's replication state. Visibility overrides are
// kept: a Lost entity must stay hidden until the host flips it back.
func (c *ClientState) untrack(e ecs.Entity) {
	delete(c.mutationTicks, e)
}

// recordMutation allocates the next mutate index for a packed message and
// retains its entity list until acknowledgement or timeout.
func (c *ClientState) recordMutation(serverTick tick.Tick, now time.Time, entities []ecs.Entity) tick.MutateIndex {
	index := c.nextIndex
	c.nextIndex = c.nextIndex.Next()
	c.inFlight[index] = &mutateRecord{serverTick: serverTick, sent: now, entities: entities}
	return index
}

// ackMutation applies one acknowledgement: the record's entities advance
// their mutation tick (never backwards) and the record is released.
// Duplicate or unknown indices report false and change nothing.
func (c *ClientState) ackMutation(index tick.MutateIndex) bool {
	record, ok := c.inFlight[index]
	if !ok {
		return false
	}
	for _, e := range record.entities {
		if current, tracked := c.mutationTicks[e]; tracked && record.serverTick.After(current) {
			c.mutationTicks[e] = record.serverTick
		}
	}
	delete(c.inFlight, index)
	returnEntityList(record.entities)
	return true
}

// discardMutation releases a record without advancing any mutation tick,
// used when the packet never reached the transport.
func (c *ClientState) discardMutation(index tick.MutateIndex) {
	if record, ok := c.inFlight[index]; ok {
		delete(c.inFlight, index)
		returnEntityList(record.entities)
	}
}

// evictTimedOut drops in-flight records older than the timeout. Their
// contents resend naturally because the entity mutation ticks stayed put.
func (c *ClientState) evictTimedOut(now time.Time, timeout time.Duration) int {
	if timeout <= 0 {
		return 0
	}
	evicted := 0
	for index, record := range c.inFlight {
		if now.Sub(record.sent) >= timeout {
			delete(c.inFlight, index)
			returnEntityList(record.entities)
			evicted++
		}
	}
	return evicted
}

// queueMapping schedules a pre-spawn mapping for transmission.
func (c *ClientState) queueMapping(server, client ecs.Entity) {
	c.pendingMappings = append(c.pendingMappings, wire.Mapping{Server: server, Client: client})
}

// drainMappings hands off and clears the pending mapping entries.
func (c *ClientState) drainMappings() []wire.Mapping {
	drained := c.pendingMappings
	c.pendingMappings = nil
	return drained
}

// release returns pooled resources when the client disconnects.
func (c *ClientState) release() {
	for index, record := range c.inFlight {
		delete(c.inFlight, index)
		returnEntityList(record.entities)
	}
	c.pendingMappings = nil
}
