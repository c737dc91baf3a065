package event

import (
	"fmt"
	"sort"

	"driftpursuit/replication/channel"
	"driftpursuit/replication/internal/logging"
	"driftpursuit/replication/tick"
	"driftpursuit/replication/transport"
	"driftpursuit/replication/wire"
)

// ToClients wraps one server→client event with its recipient selection.
type ToClients struct {
	Mode  SendMode
	Event any
}

// ServerEvent is one registered server→client event type.
type ServerEvent struct {
	name        string
	channel     channel.ID
	serialize   SerializeFn
	deserialize DeserializeFn

	// independent events skip the tick-causality queue entirely.
	independent bool

	// pending holds ToClients entries queued on the server.
	pending []ToClients
	// received holds delivered events on the client side awaiting drain.
	received []any
	// handlers fire on delivery, trigger style.
	handlers []func(any)
}

// Channel reports the channel id assigned at registration.
func (e *ServerEvent) Channel() channel.ID {
	if e == nil {
		return 0
	}
	return e.channel
}

// Send queues one event for fan-out on the next flush.
func (e *ServerEvent) Send(message ToClients) {
	if e != nil {
		e.pending = append(e.pending, message)
	}
}

// Observe registers a one-shot style handler fired on every delivery.
func (e *ServerEvent) Observe(handler func(any)) {
	if e != nil && handler != nil {
		e.handlers = append(e.handlers, handler)
	}
}

// Drain hands off delivered events in delivery order, client side.
func (e *ServerEvent) Drain() []any {
	if e == nil {
		return nil
	}
	drained := e.received
	e.received = nil
	return drained
}

func (e *ServerEvent) deliver(event any) {
	e.received = append(e.received, event)
	for _, handler := range e.handlers {
		handler(event)
	}
}

// ClientTicks is the view of per-client state the event fan-out needs.
type ClientTicks interface {
	Clients() []transport.PeerID
	UpdateTick(peer transport.PeerID) (tick.Tick, bool)
}

type queuedEvent struct {
	tick    tick.Tick
	ev      *ServerEvent
	payload []byte
}

// ServerEvents is the server→client event registry plus the client-side
// causality queue.
type ServerEvents struct {
	events []*ServerEvent
	logger *logging.Logger

	// queued holds events whose tick outruns the applied update tick,
	// ordered ascending so delivery is tick-ordered.
	queued []queuedEvent
}

// NewServerEvents constructs an empty registry.
func NewServerEvents(logger *logging.Logger) *ServerEvents {
	if logger == nil {
		logger = logging.L()
	}
	return &ServerEvents{logger: logger}
}

// Register adds one event type with its own server→client channel. An
// independent event is delivered immediately on receipt instead of waiting
// for the update tick it was stamped with.
func (s *ServerEvents) Register(channels *channel.Registry, name string, kind channel.Kind, independent bool, serialize SerializeFn, deserialize DeserializeFn) (*ServerEvent, error) {
	if s == nil || channels == nil {
		return nil, fmt.Errorf("event registry not initialised")
	}
	if serialize == nil || deserialize == nil {
		return nil, fmt.Errorf("event %q: serialize and deserialize are required", name)
	}
	id, err := channels.AddServerChannel(channel.Channel{Name: name, Kind: kind})
	if err != nil {
		return nil, err
	}
	ev := &ServerEvent{name: name, channel: id, serialize: serialize, deserialize: deserialize, independent: independent}
	s.events = append(s.events, ev)
	return ev, nil
}

// FlushToClients fans pending events out to their recipients, server side.
// Non-independent events are stamped with each recipient's update tick, and
// the encoded form is reused across recipients sharing that tick. A
// recipient list containing the reserved SERVER id delivers locally.
func (s *ServerEvents) FlushToClients(tr transport.Server, ticks ClientTicks, localDelivery bool) error {
	if s == nil || tr == nil || ticks == nil {
		return nil
	}
	peers := ticks.Clients()
	for _, ev := range s.events {
		for _, message := range ev.pending {
			recipients := message.Mode.Recipients(peers)
			if localDelivery && len(message.Mode.Recipients([]transport.PeerID{transport.ServerPeer})) > 0 {
				//1.- The listen-server participant consumes the event
				// directly; no serialization round trip is needed.
				ev.deliver(message.Event)
			}
			if len(recipients) == 0 {
				continue
			}
			encoded := make(map[tick.Tick][]byte)
			for _, peer := range recipients {
				updateTick, ok := ticks.UpdateTick(peer)
				if !ok {
					continue
				}
				frame, cached := encoded[updateTick]
				if !cached {
					w := wire.NewWriter()
					if !ev.independent {
						w.WriteFixed32(updateTick.Get())
					}
					if err := ev.serialize(message.Event, w); err != nil {
						return fmt.Errorf("event %q: %w", ev.name, err)
					}
					frame = append([]byte(nil), w.Bytes()...)
					encoded[updateTick] = frame
				}
				if err := tr.Send(peer, ev.channel, frame); err != nil {
					return fmt.Errorf("event %q to %q: %w", ev.name, peer, err)
				}
			}
		}
		ev.pending = nil
	}
	return nil
}

// ReceiveFromServer decodes inbound events, client side. Events stamped
// beyond the applied update tick are queued; the rest deliver immediately.
func (s *ServerEvents) ReceiveFromServer(tr transport.Client, updateTick tick.Tick) {
	if s == nil || tr == nil {
		return
	}
	for _, ev := range s.events {
		for _, payload := range tr.Receive(ev.channel) {
			if ev.independent {
				s.decodeAndDeliver(ev, payload)
				continue
			}
			r := wire.NewReader(payload)
			stamped, err := r.ReadFixed32()
			if err != nil {
				s.logger.Warn("dropping malformed server event",
					logging.String("event", ev.name), logging.Error(err))
				continue
			}
			rest, err := r.ReadRaw(r.Remaining())
			if err != nil {
				continue
			}
			eventTick := tick.New(stamped)
			if eventTick.After(updateTick) {
				s.enqueue(queuedEvent{tick: eventTick, ev: ev, payload: append([]byte(nil), rest...)})
				continue
			}
			s.decodeAndDeliver(ev, rest)
		}
	}
}

func (s *ServerEvents) enqueue(entry queuedEvent) {
	//1.- Insert keeping ascending tick order, preserving arrival order for
	// equal ticks so same-tick events fire in emission order.
	i := sort.Search(len(s.queued), func(i int) bool { return entry.tick.Before(s.queued[i].tick) })
	s.queued = append(s.queued, queuedEvent{})
	copy(s.queued[i+1:], s.queued[i:])
	s.queued[i] = entry
}

// DispatchReady delivers every queued event whose tick is now covered by
// the applied update tick. The client engine calls this after each applied
// update message.
func (s *ServerEvents) DispatchReady(updateTick tick.Tick) {
	if s == nil {
		return
	}
	ready := 0
	for ready < len(s.queued) && s.queued[ready].tick.AtMost(updateTick) {
		ready++
	}
	if ready == 0 {
		return
	}
	batch := s.queued[:ready]
	s.queued = append([]queuedEvent(nil), s.queued[ready:]...)
	for _, entry := range batch {
		s.decodeAndDeliver(entry.ev, entry.payload)
	}
}

// Reset clears the causality queue on disconnect.
func (s *ServerEvents) Reset() {
	if s == nil {
		return
	}
	s.queued = nil
	for _, ev := range s.events {
		ev.received = nil
	}
}

func (s *ServerEvents) decodeAndDeliver(ev *ServerEvent, payload []byte) {
	decoded, err := ev.deserialize(wire.NewReader(payload))
	if err != nil {
		//1.- Entity-map misses and malformed payloads drop just this event.
		s.logger.Warn("dropping undecodable server event",
			logging.String("event", ev.name), logging.Error(err))
		return
	}
	ev.deliver(decoded)
}
