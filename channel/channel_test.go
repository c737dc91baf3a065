package channel

import (
	"testing"
	"time"
)

func TestNewRegistryReservesReplicationSlots(t *testing.T) {
	registry := NewRegistry()

	updates, ok := registry.ServerChannel(ServerUpdates)
	if !ok || updates.Kind != OrderedReliable {
		t.Fatalf("expected ordered-reliable updates channel, got %+v ok=%v", updates, ok)
	}
	mutations, ok := registry.ServerChannel(ServerMutations)
	if !ok || mutations.Kind != Unreliable {
		t.Fatalf("expected unreliable mutations channel, got %+v ok=%v", mutations, ok)
	}
	acks, ok := registry.ClientChannel(ClientAcks)
	if !ok || acks.Kind != OrderedReliable {
		t.Fatalf("expected ordered-reliable acks channel, got %+v ok=%v", acks, ok)
	}
}

func TestAddChannelAssignsContiguousIDs(t *testing.T) {
	registry := NewRegistry()

	//1.- User channels must start right after the reserved replication slots.
	first, err := registry.AddServerChannel(Channel{Name: "chat", Kind: OrderedReliable})
	if err != nil {
		t.Fatalf("add server channel: %v", err)
	}
	if first != 2 {
		t.Fatalf("expected first user server channel id 2, got %d", first)
	}
	second, err := registry.AddClientChannel(Channel{Name: "input", Kind: Unreliable, ResendTimeout: time.Second})
	if err != nil {
		t.Fatalf("add client channel: %v", err)
	}
	if second != 1 {
		t.Fatalf("expected first user client channel id 1, got %d", second)
	}

	//2.- Unreliable channels must not advertise a retransmit timer.
	ch, ok := registry.ClientChannel(second)
	if !ok || ch.ResendTimeout != 0 {
		t.Fatalf("expected cleared resend timeout, got %+v ok=%v", ch, ok)
	}
}

func TestAddChannelDefaultsResendTimeout(t *testing.T) {
	registry := NewRegistry()
	id, err := registry.AddServerChannel(Channel{Name: "score", Kind: UnorderedReliable})
	if err != nil {
		t.Fatalf("add server channel: %v", err)
	}
	ch, _ := registry.ServerChannel(id)
	if ch.ResendTimeout != DefaultResendTimeout {
		t.Fatalf("expected default resend timeout, got %v", ch.ResendTimeout)
	}
}
