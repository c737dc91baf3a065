package wire

import (
	"fmt"

	"driftpursuit/replication/tick"
)

// MutationMessage is the unreliable per-tick message carrying component
// value changes. Lost messages are healed by later retransmits because the
// per-entity mutation tick on the server only advances on acknowledgement.
type MutationMessage struct {
	// UpdateTick is the client's update tick at send time; the client must
	// not apply the message before that update has been applied.
	UpdateTick tick.Tick
	// ServerTick is the snapshot tick of the carried component values.
	ServerTick tick.Tick
	// MessageCount is the number of mutation messages emitted for this
	// client at ServerTick, letting the receiver track complete ticks.
	MessageCount uint64
	// Index identifies this message for acknowledgement.
	Index tick.MutateIndex
	// Entities holds per-entity opaque component payloads.
	Entities []EntityPayload
}

// EncodeMutation serialises the message into the writer.
func EncodeMutation(w *Writer, m *MutationMessage) error {
	if w == nil || m == nil {
		return fmt.Errorf("wire: nil mutation encode arguments")
	}
	w.WriteFixed32(m.UpdateTick.Get())
	w.WriteFixed32(m.ServerTick.Get())
	w.WriteUvarint(m.MessageCount)
	w.WriteUvarint(uint64(m.Index))
	for _, entry := range m.Entities {
		w.WriteEntity(entry.Entity)
		w.WriteBytes(entry.Payload)
	}
	return nil
}

// DecodeMutation parses a mutation message, leaving component payloads
// opaque for the registry to resolve.
func DecodeMutation(buf []byte) (*MutationMessage, error) {
	r := NewReader(buf)
	updateTick, err := r.ReadFixed32()
	if err != nil {
		return nil, fmt.Errorf("mutation update tick: %w", err)
	}
	serverTick, err := r.ReadFixed32()
	if err != nil {
		return nil, fmt.Errorf("mutation server tick: %w", err)
	}
	count, err := r.ReadUvarint()
	if err != nil {
		return nil, fmt.Errorf("mutation message count: %w", err)
	}
	index, err := r.ReadUvarint()
	if err != nil {
		return nil, fmt.Errorf("mutation index: %w", err)
	}
	message := &MutationMessage{
		UpdateTick:   tick.New(updateTick),
		ServerTick:   tick.New(serverTick),
		MessageCount: count,
		Index:        tick.MutateIndex(index),
	}
	//1.- Entities run to the end of the buffer, each with its own length.
	for r.Remaining() > 0 {
		entity, err := r.ReadEntity()
		if err != nil {
			return nil, fmt.Errorf("mutation entity: %w", err)
		}
		payload, err := r.ReadBytes()
		if err != nil {
			return nil, fmt.Errorf("mutation payload: %w", err)
		}
		message.Entities = append(message.Entities, EntityPayload{Entity: entity, Payload: payload})
	}
	return message, nil
}

// Ack acknowledges one mutation message back to the server.
type Ack struct {
	Index      tick.MutateIndex
	ServerTick tick.Tick
}

// EncodeAcks serialises a frame's acknowledgements as concatenated
// (mutate_index varint, server_tick fixed32) pairs.
func EncodeAcks(w *Writer, acks []Ack) error {
	if w == nil {
		return fmt.Errorf("wire: nil ack writer")
	}
	for _, ack := range acks {
		w.WriteUvarint(uint64(ack.Index))
		w.WriteFixed32(ack.ServerTick.Get())
	}
	return nil
}

// DecodeAcks parses a batch of acknowledgements.
func DecodeAcks(buf []byte) ([]Ack, error) {
	r := NewReader(buf)
	var acks []Ack
	for r.Remaining() > 0 {
		index, err := r.ReadUvarint()
		if err != nil {
			return nil, fmt.Errorf("ack index: %w", err)
		}
		serverTick, err := r.ReadFixed32()
		if err != nil {
			return nil, fmt.Errorf("ack tick: %w", err)
		}
		acks = append(acks, Ack{Index: tick.MutateIndex(index), ServerTick: tick.New(serverTick)})
	}
	return acks, nil
}
