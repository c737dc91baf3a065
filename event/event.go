// Package event carries typed, user-defined messages in both directions
// over the replication channel machinery. Server→client events are bound to
// the tick they were emitted at so they never fire before the world state
// they implicitly depend on has replicated.
package event

import (
	"driftpursuit/replication/transport"
	"driftpursuit/replication/wire"
)

// SerializeFn encodes one event value.
type SerializeFn func(event any, w *wire.Writer) error

// DeserializeFn decodes one event value.
type DeserializeFn func(r *wire.Reader) (any, error)

// FromClient wraps an event received from one client, or from the local
// participant under the reserved SERVER sender.
type FromClient struct {
	Sender transport.PeerID
	Event  any
}

type modeKind int

const (
	modeBroadcast modeKind = iota
	modeBroadcastExcept
	modeDirect
)

// SendMode selects the recipients of one server→client event.
type SendMode struct {
	kind modeKind
	peer transport.PeerID
}

// Broadcast targets every connected client.
func Broadcast() SendMode { return SendMode{kind: modeBroadcast} }

// BroadcastExcept targets every connected client but one.
func BroadcastExcept(peer transport.PeerID) SendMode {
	return SendMode{kind: modeBroadcastExcept, peer: peer}
}

// Direct targets a single client.
func Direct(peer transport.PeerID) SendMode {
	return SendMode{kind: modeDirect, peer: peer}
}

// Recipients filters the connected peer list down to the mode's targets.
func (m SendMode) Recipients(peers []transport.PeerID) []transport.PeerID {
	switch m.kind {
	case modeDirect:
		for _, peer := range peers {
			if peer == m.peer {
				return []transport.PeerID{peer}
			}
		}
		return nil
	case modeBroadcastExcept:
		recipients := make([]transport.PeerID, 0, len(peers))
		for _, peer := range peers {
			if peer != m.peer {
				recipients = append(recipients, peer)
			}
		}
		return recipients
	default:
		return append([]transport.PeerID(nil), peers...)
	}
}
