package wire

import (
	"fmt"

	"driftpursuit/replication/ecs"
	"driftpursuit/replication/tick"
)

// UpdateFlags declares which arrays an update message carries.
type UpdateFlags uint8

const (
	// FlagMappings marks the server→client entity mapping array.
	FlagMappings UpdateFlags = 1 << iota
	// FlagDespawns marks the despawned entity array.
	FlagDespawns
	// FlagRemovals marks the component removal array.
	FlagRemovals
	// FlagChanges marks the insertion/change array.
	FlagChanges
)

// Has reports whether the flag bit is set.
func (f UpdateFlags) Has(flag UpdateFlags) bool { return f&flag != 0 }

func (f UpdateFlags) last() UpdateFlags {
	//1.- The highest set bit names the final array, which omits its length.
	var last UpdateFlags
	for _, flag := range []UpdateFlags{FlagMappings, FlagDespawns, FlagRemovals, FlagChanges} {
		if f.Has(flag) {
			last = flag
		}
	}
	return last
}

// Mapping pairs a server entity with the client entity that mirrors it.
type Mapping struct {
	Server ecs.Entity
	Client ecs.Entity
}

// Removal lists the component function ids removed from one entity.
type Removal struct {
	Entity ecs.Entity
	FnsIDs []uint64
}

// EntityPayload carries one entity's opaque component bytes: a sequence of
// (fns_id varint, serialized component) elements the registry decodes.
type EntityPayload struct {
	Entity  ecs.Entity
	Payload []byte
}

// UpdateMessage is the reliable-ordered per-tick message: mappings,
// despawns, removals and insertions/changes stamped with the server tick.
type UpdateMessage struct {
	ServerTick tick.Tick
	Mappings   []Mapping
	Despawns   []ecs.Entity
	Removals   []Removal
	Changes    []EntityPayload
}

// Flags computes the header bits for the populated arrays.
func (m *UpdateMessage) Flags() UpdateFlags {
	if m == nil {
		return 0
	}
	var flags UpdateFlags
	if len(m.Mappings) > 0 {
		flags |= FlagMappings
	}
	if len(m.Despawns) > 0 {
		flags |= FlagDespawns
	}
	if len(m.Removals) > 0 {
		flags |= FlagRemovals
	}
	if len(m.Changes) > 0 {
		flags |= FlagChanges
	}
	return flags
}

// IsEmpty reports whether the message carries no arrays at all.
func (m *UpdateMessage) IsEmpty() bool { return m.Flags() == 0 }

// EncodeUpdate serialises the message into the writer. The final present
// array omits its length prefix; the reader consumes the remaining bytes.
func EncodeUpdate(w *Writer, m *UpdateMessage) error {
	if w == nil || m == nil {
		return fmt.Errorf("wire: nil update encode arguments")
	}
	flags := m.Flags()
	last := flags.last()
	w.WriteUint8(uint8(flags))
	w.WriteFixed32(m.ServerTick.Get())

	if flags.Has(FlagMappings) {
		if last != FlagMappings {
			w.WriteUvarint(uint64(len(m.Mappings)))
		}
		for _, mapping := range m.Mappings {
			w.WriteEntity(mapping.Server)
			w.WriteEntity(mapping.Client)
		}
	}
	if flags.Has(FlagDespawns) {
		if last != FlagDespawns {
			w.WriteUvarint(uint64(len(m.Despawns)))
		}
		for _, entity := range m.Despawns {
			w.WriteEntity(entity)
		}
	}
	if flags.Has(FlagRemovals) {
		if last != FlagRemovals {
			w.WriteUvarint(uint64(len(m.Removals)))
		}
		for _, removal := range m.Removals {
			w.WriteEntity(removal.Entity)
			w.WriteUvarint(uint64(len(removal.FnsIDs)))
			for _, id := range removal.FnsIDs {
				w.WriteUvarint(id)
			}
		}
	}
	if flags.Has(FlagChanges) {
		//1.- Changes are always last, so each entity carries its own length.
		for _, change := range m.Changes {
			w.WriteEntity(change.Entity)
			w.WriteBytes(change.Payload)
		}
	}
	return nil
}

// DecodeUpdate parses an update message. Component payloads stay opaque;
// the client engine resolves them against the replication registry.
func DecodeUpdate(buf []byte) (*UpdateMessage, error) {
	r := NewReader(buf)
	rawFlags, err := r.ReadUint8()
	if err != nil {
		return nil, fmt.Errorf("update flags: %w", err)
	}
	flags := UpdateFlags(rawFlags)
	serverTick, err := r.ReadFixed32()
	if err != nil {
		return nil, fmt.Errorf("update tick: %w", err)
	}
	message := &UpdateMessage{ServerTick: tick.New(serverTick)}
	last := flags.last()

	if flags.Has(FlagMappings) {
		count, err := arrayCount(r, flags, FlagMappings, last, 2)
		if err != nil {
			return nil, fmt.Errorf("mappings: %w", err)
		}
		for i := uint64(0); i < count; i++ {
			server, err := r.ReadEntity()
			if err != nil {
				return nil, fmt.Errorf("mapping server entity: %w", err)
			}
			client, err := r.ReadEntity()
			if err != nil {
				return nil, fmt.Errorf("mapping client entity: %w", err)
			}
			message.Mappings = append(message.Mappings, Mapping{Server: server, Client: client})
		}
	}
	if flags.Has(FlagDespawns) {
		if last == FlagDespawns {
			for r.Remaining() > 0 {
				entity, err := r.ReadEntity()
				if err != nil {
					return nil, fmt.Errorf("despawn entity: %w", err)
				}
				message.Despawns = append(message.Despawns, entity)
			}
		} else {
			count, err := r.ReadUvarint()
			if err != nil {
				return nil, fmt.Errorf("despawn count: %w", err)
			}
			for i := uint64(0); i < count; i++ {
				entity, err := r.ReadEntity()
				if err != nil {
					return nil, fmt.Errorf("despawn entity: %w", err)
				}
				message.Despawns = append(message.Despawns, entity)
			}
		}
	}
	if flags.Has(FlagRemovals) {
		read := func() error {
			entity, err := r.ReadEntity()
			if err != nil {
				return fmt.Errorf("removal entity: %w", err)
			}
			fnsCount, err := r.ReadUvarint()
			if err != nil {
				return fmt.Errorf("removal fns count: %w", err)
			}
			removal := Removal{Entity: entity}
			for i := uint64(0); i < fnsCount; i++ {
				id, err := r.ReadUvarint()
				if err != nil {
					return fmt.Errorf("removal fns id: %w", err)
				}
				removal.FnsIDs = append(removal.FnsIDs, id)
			}
			message.Removals = append(message.Removals, removal)
			return nil
		}
		if last == FlagRemovals {
			for r.Remaining() > 0 {
				if err := read(); err != nil {
					return nil, err
				}
			}
		} else {
			count, err := r.ReadUvarint()
			if err != nil {
				return nil, fmt.Errorf("removal count: %w", err)
			}
			for i := uint64(0); i < count; i++ {
				if err := read(); err != nil {
					return nil, err
				}
			}
		}
	}
	if flags.Has(FlagChanges) {
		//1.- Changes terminate the message and run to the end of the buffer.
		for r.Remaining() > 0 {
			entity, err := r.ReadEntity()
			if err != nil {
				return nil, fmt.Errorf("change entity: %w", err)
			}
			payload, err := r.ReadBytes()
			if err != nil {
				return nil, fmt.Errorf("change payload: %w", err)
			}
			message.Changes = append(message.Changes, EntityPayload{Entity: entity, Payload: payload})
		}
	}
	if r.Remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, r.Remaining())
	}
	return message, nil
}

func arrayCount(r *Reader, flags, flag, last UpdateFlags, entitiesPerElement int) (uint64, error) {
	if last != flag {
		return r.ReadUvarint()
	}
	//1.- The trailing array has no prefix; derive the count by consuming the
	// remainder through a probing reader so decode logic stays uniform.
	probe := NewReader(r.buf[r.off:])
	count := uint64(0)
	for probe.Remaining() > 0 {
		for i := 0; i < entitiesPerElement; i++ {
			if _, err := probe.ReadEntity(); err != nil {
				return 0, err
			}
		}
		count++
	}
	return count, nil
}
