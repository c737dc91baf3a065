package transport

import (
	"errors"

	"driftpursuit/replication/channel"
)

// PeerID identifies one connected participant with a stable opaque value.
type PeerID string

// ServerPeer is the reserved id for the local listen-server participant.
const ServerPeer PeerID = "SERVER"

// Status describes the client-side connection lifecycle.
type Status int

const (
	// NoConnection means the client is idle with cleared queues.
	NoConnection Status = iota
	// Connecting means a session is being established.
	Connecting
	// Connected means the queues are live.
	Connected
)

func (s Status) String() string {
	switch s {
	case NoConnection:
		return "no-connection"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// ErrNotConnected is returned when sending without a live session.
var ErrNotConnected = errors.New("transport: not connected")

// ErrUnknownPeer is returned for operations against an unconnected peer.
var ErrUnknownPeer = errors.New("transport: unknown peer")

// ErrChannelBackpressure reports an outbound queue exceeding its budget.
// The core surfaces it to the host; reliable traffic is never dropped here.
var ErrChannelBackpressure = errors.New("transport: outbound channel over budget")

// EventKind distinguishes peer lifecycle events on the server side.
type EventKind int

const (
	// PeerConnected announces a new participant.
	PeerConnected EventKind = iota
	// PeerDisconnected announces a departed participant.
	PeerDisconnected
)

// PeerEvent is one entry of the server-side connect/disconnect stream.
type PeerEvent struct {
	Peer PeerID
	Kind EventKind
}

// Client is the client-side transport resource: per-channel inbox and
// outbox queues plus a connection status. The replication core never blocks
// on it; all I/O happens through these queues.
type Client interface {
	// Status reports the connection lifecycle state.
	Status() Status
	// Receive drains the inbox FIFO for one channel.
	Receive(ch channel.ID) [][]byte
	// Send enqueues one payload on an outbound channel.
	Send(ch channel.ID, payload []byte) error
	// Disconnect tears the session down and clears both queue sets.
	Disconnect()
}

// Server is the server-side transport resource: per-peer, per-channel
// queues and a lifecycle event stream.
type Server interface {
	// Running reports whether the backend accepts traffic.
	Running() bool
	// Peers lists the currently connected participants.
	Peers() []PeerID
	// DrainEvents hands off buffered connect/disconnect events in order.
	DrainEvents() []PeerEvent
	// Receive drains the inbox FIFO for one peer and channel.
	Receive(peer PeerID, ch channel.ID) [][]byte
	// Send enqueues one payload for a peer on an outbound channel.
	Send(peer PeerID, ch channel.ID, payload []byte) error
	// Disconnect drops one peer and clears its queues.
	Disconnect(peer PeerID)
}
