package event

import (
	"fmt"

	"driftpursuit/replication/channel"
	"driftpursuit/replication/internal/logging"
	"driftpursuit/replication/transport"
	"driftpursuit/replication/wire"
)

// ClientEvent is one registered client→server event type bound to its own
// channel.
type ClientEvent struct {
	name        string
	channel     channel.ID
	serialize   SerializeFn
	deserialize DeserializeFn

	// pending holds locally emitted events awaiting the next flush.
	pending []any
	// received holds decoded events on the server side awaiting drain.
	received []FromClient
}

// Channel reports the channel id assigned at registration.
func (e *ClientEvent) Channel() channel.ID {
	if e == nil {
		return 0
	}
	return e.channel
}

// Send queues one event for transmission on the next flush.
func (e *ClientEvent) Send(event any) {
	if e != nil {
		e.pending = append(e.pending, event)
	}
}

// Drain hands off the events received from clients, in arrival order.
func (e *ClientEvent) Drain() []FromClient {
	if e == nil {
		return nil
	}
	drained := e.received
	e.received = nil
	return drained
}

// ClientEvents is the client→server event registry. Register every event in
// the same order on both peers so channel ids line up.
type ClientEvents struct {
	events []*ClientEvent
	logger *logging.Logger
}

// NewClientEvents constructs an empty registry.
func NewClientEvents(logger *logging.Logger) *ClientEvents {
	if logger == nil {
		logger = logging.L()
	}
	return &ClientEvents{logger: logger}
}

// Register adds one event type with its own client→server channel.
func (s *ClientEvents) Register(channels *channel.Registry, name string, kind channel.Kind, serialize SerializeFn, deserialize DeserializeFn) (*ClientEvent, error) {
	if s == nil || channels == nil {
		return nil, fmt.Errorf("event registry not initialised")
	}
	if serialize == nil || deserialize == nil {
		return nil, fmt.Errorf("event %q: serialize and deserialize are required", name)
	}
	id, err := channels.AddClientChannel(channel.Channel{Name: name, Kind: kind})
	if err != nil {
		return nil, err
	}
	ev := &ClientEvent{name: name, channel: id, serialize: serialize, deserialize: deserialize}
	s.events = append(s.events, ev)
	return ev, nil
}

// FlushToServer serializes pending events onto the transport, client side.
func (s *ClientEvents) FlushToServer(tr transport.Client) error {
	if s == nil || tr == nil {
		return nil
	}
	for _, ev := range s.events {
		for _, pending := range ev.pending {
			w := wire.NewWriter()
			if err := ev.serialize(pending, w); err != nil {
				return fmt.Errorf("event %q: %w", ev.name, err)
			}
			if err := tr.Send(ev.channel, append([]byte(nil), w.Bytes()...)); err != nil {
				return fmt.Errorf("event %q: %w", ev.name, err)
			}
		}
		ev.pending = nil
	}
	return nil
}

// ReceiveFromClients decodes inbound events per peer, server side. Events
// that fail to decode are logged and dropped.
func (s *ClientEvents) ReceiveFromClients(tr transport.Server) {
	if s == nil || tr == nil {
		return
	}
	for _, ev := range s.events {
		for _, peer := range tr.Peers() {
			for _, payload := range tr.Receive(peer, ev.channel) {
				decoded, err := ev.deserialize(wire.NewReader(payload))
				if err != nil {
					s.logger.Warn("dropping malformed client event",
						logging.String("event", ev.name),
						logging.String("peer", string(peer)),
						logging.Error(err))
					continue
				}
				ev.received = append(ev.received, FromClient{Sender: peer, Event: decoded})
			}
		}
	}
}

// DrainLocal re-emits locally queued events as FromClient entries under the
// reserved SERVER sender. In singleplayer and listen-server topologies game
// code reads the same FromClient stream either way.
func (s *ClientEvents) DrainLocal() {
	if s == nil {
		return
	}
	for _, ev := range s.events {
		for _, pending := range ev.pending {
			ev.received = append(ev.received, FromClient{Sender: transport.ServerPeer, Event: pending})
		}
		ev.pending = nil
	}
}
