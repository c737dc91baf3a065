package wire

import (
	"bytes"
	"errors"
	"reflect"
	"testing"

	"driftpursuit/replication/ecs"
	"driftpursuit/replication/tick"
)

func TestUpdateRoundTripAllArrays(t *testing.T) {
	message := &UpdateMessage{
		ServerTick: tick.New(42),
		Mappings: []Mapping{
			{Server: ecs.Entity{Index: 1, Generation: 1}, Client: ecs.Entity{Index: 9, Generation: 2}},
		},
		Despawns: []ecs.Entity{{Index: 3, Generation: 1}},
		Removals: []Removal{
			{Entity: ecs.Entity{Index: 4, Generation: 1}, FnsIDs: []uint64{0, 7}},
		},
		Changes: []EntityPayload{
			{Entity: ecs.Entity{Index: 5, Generation: 3}, Payload: []byte{1, 2, 3}},
			{Entity: ecs.Entity{Index: 6, Generation: 1}, Payload: nil},
		},
	}

	w := NewWriter()
	if err := EncodeUpdate(w, message); err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeUpdate(w.Bytes())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if decoded.ServerTick != message.ServerTick {
		t.Fatalf("tick mismatch: %v != %v", decoded.ServerTick, message.ServerTick)
	}
	if !reflect.DeepEqual(decoded.Mappings, message.Mappings) {
		t.Fatalf("mappings mismatch: %+v", decoded.Mappings)
	}
	if !reflect.DeepEqual(decoded.Despawns, message.Despawns) {
		t.Fatalf("despawns mismatch: %+v", decoded.Despawns)
	}
	if !reflect.DeepEqual(decoded.Removals, message.Removals) {
		t.Fatalf("removals mismatch: %+v", decoded.Removals)
	}
	if len(decoded.Changes) != 2 || decoded.Changes[0].Entity != message.Changes[0].Entity {
		t.Fatalf("changes mismatch: %+v", decoded.Changes)
	}
	if !bytes.Equal(decoded.Changes[0].Payload, []byte{1, 2, 3}) {
		t.Fatalf("payload mismatch: %v", decoded.Changes[0].Payload)
	}
}

func TestUpdateLastArrayOmitsLength(t *testing.T) {
	//1.- With only despawns present the array must run to the buffer end.
	message := &UpdateMessage{
		ServerTick: tick.New(7),
		Despawns:   []ecs.Entity{{Index: 1, Generation: 1}, {Index: 2, Generation: 5}},
	}
	w := NewWriter()
	if err := EncodeUpdate(w, message); err != nil {
		t.Fatalf("encode: %v", err)
	}
	// flags byte + fixed32 tick + two entities at two varints each.
	if got, want := w.Len(), 1+4+4; got != want {
		t.Fatalf("expected %d bytes without length prefix, got %d", want, got)
	}
	decoded, err := DecodeUpdate(w.Bytes())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(decoded.Despawns, message.Despawns) {
		t.Fatalf("despawns mismatch: %+v", decoded.Despawns)
	}
}

func TestUpdateMappingsOnlyRoundTrip(t *testing.T) {
	message := &UpdateMessage{
		ServerTick: tick.New(3),
		Mappings: []Mapping{
			{Server: ecs.Entity{Index: 10, Generation: 1}, Client: ecs.Entity{Index: 11, Generation: 1}},
			{Server: ecs.Entity{Index: 12, Generation: 2}, Client: ecs.Entity{Index: 13, Generation: 4}},
		},
	}
	w := NewWriter()
	if err := EncodeUpdate(w, message); err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeUpdate(w.Bytes())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(decoded.Mappings, message.Mappings) {
		t.Fatalf("mappings mismatch: %+v", decoded.Mappings)
	}
}

func TestDecodeUpdateRejectsTruncation(t *testing.T) {
	message := &UpdateMessage{
		ServerTick: tick.New(1),
		Changes:    []EntityPayload{{Entity: ecs.Entity{Index: 1, Generation: 1}, Payload: []byte{9, 9, 9, 9}}},
	}
	w := NewWriter()
	if err := EncodeUpdate(w, message); err != nil {
		t.Fatalf("encode: %v", err)
	}
	buf := w.Bytes()
	if _, err := DecodeUpdate(buf[:len(buf)-2]); !errors.Is(err, ErrShortBuffer) {
		t.Fatalf("expected short buffer error, got %v", err)
	}
}

func TestDecodeEntityRejectsZeroGeneration(t *testing.T) {
	w := NewWriter()
	w.WriteUvarint(4)
	w.WriteUvarint(0)
	if _, err := NewReader(w.Bytes()).ReadEntity(); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected malformed entity error, got %v", err)
	}
}

func TestMutationRoundTrip(t *testing.T) {
	message := &MutationMessage{
		UpdateTick:   tick.New(5),
		ServerTick:   tick.New(9),
		MessageCount: 2,
		Index:        tick.MutateIndex(77),
		Entities: []EntityPayload{
			{Entity: ecs.Entity{Index: 2, Generation: 1}, Payload: []byte{0xAA}},
			{Entity: ecs.Entity{Index: 4, Generation: 2}, Payload: []byte{0xBB, 0xCC}},
		},
	}
	w := NewWriter()
	if err := EncodeMutation(w, message); err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeMutation(w.Bytes())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.UpdateTick != message.UpdateTick || decoded.ServerTick != message.ServerTick {
		t.Fatalf("tick mismatch: %+v", decoded)
	}
	if decoded.MessageCount != 2 || decoded.Index != message.Index {
		t.Fatalf("header mismatch: %+v", decoded)
	}
	if len(decoded.Entities) != 2 || !bytes.Equal(decoded.Entities[1].Payload, []byte{0xBB, 0xCC}) {
		t.Fatalf("entities mismatch: %+v", decoded.Entities)
	}
}

func TestAckBatchRoundTrip(t *testing.T) {
	acks := []Ack{
		{Index: 1, ServerTick: tick.New(10)},
		{Index: 2, ServerTick: tick.New(11)},
	}
	w := NewWriter()
	if err := EncodeAcks(w, acks); err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeAcks(w.Bytes())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(decoded, acks) {
		t.Fatalf("ack mismatch: %+v", decoded)
	}
}
