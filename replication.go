// Package replication assembles the server-authoritative entity
// replication engine: registry, channels, server and client engines and the
// typed event layer, wired over a pluggable queue-based transport.
package replication

import (
	"errors"

	"driftpursuit/replication/channel"
	"driftpursuit/replication/client"
	"driftpursuit/replication/ecs"
	"driftpursuit/replication/event"
	"driftpursuit/replication/internal/logging"
	"driftpursuit/replication/registry"
	"driftpursuit/replication/server"
	"driftpursuit/replication/tick"
	"driftpursuit/replication/transport"
)

// Server bundles the server-side subsystems behind one per-tick entry point.
type Server struct {
	World        *ecs.World
	Registry     *registry.Registry
	Channels     *channel.Registry
	Engine       *server.Engine
	ClientEvents *event.ClientEvents
	ServerEvents *event.ServerEvents

	transport transport.Server
	local     bool
}

// ServerOption tunes facade construction.
type ServerOption func(*Server)

// WithLocalParticipant enables listen-server behaviour: locally emitted
// client events loop back under the SERVER sender and locally targeted
// server events deliver without serialization.
func WithLocalParticipant() ServerOption {
	return func(s *Server) { s.local = true }
}

// NewServer wires a server over the given world, registries and transport.
func NewServer(world *ecs.World, reg *registry.Registry, channels *channel.Registry, tr transport.Server, logger *logging.Logger, engineOpts []server.Option, opts ...ServerOption) *Server {
	if logger == nil {
		logger = logging.L()
	}
	s := &Server{
		World:        world,
		Registry:     reg,
		Channels:     channels,
		Engine:       server.NewEngine(world, reg, tr, engineOpts...),
		ClientEvents: event.NewClientEvents(logger),
		ServerEvents: event.NewServerEvents(logger),
		transport:    tr,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Tick advances the world clock and runs one full server frame: event
// intake, replication build/dispatch and event fan-out, in that order.
func (s *Server) Tick() error {
	if s == nil {
		return errors.New("server not initialised")
	}
	s.World.AdvanceTick()

	//1.- Intake user events before replication so handlers may mutate the
	// world within the same frame budget.
	s.ClientEvents.ReceiveFromClients(s.transport)
	if s.local {
		s.ClientEvents.DrainLocal()
	}

	//2.- Replication builds and dispatches updates and mutations, which
	// also advances each client's update-tick watermark.
	replicateErr := s.Engine.ReplicateTick()

	//3.- Server events are stamped with the post-replication watermarks so
	// clients hold them until the prerequisite state has landed.
	eventErr := s.ServerEvents.FlushToClients(s.transport, s.Engine, s.local)

	return errors.Join(replicateErr, eventErr)
}

// Client bundles the client-side subsystems behind one per-tick entry point.
type Client struct {
	World        *ecs.World
	Registry     *registry.Registry
	Channels     *channel.Registry
	Engine       *client.Engine
	ClientEvents *event.ClientEvents
	ServerEvents *event.ServerEvents

	transport transport.Client
}

// NewClient wires a client over the given world, registries and transport.
func NewClient(world *ecs.World, reg *registry.Registry, channels *channel.Registry, tr transport.Client, logger *logging.Logger, engineOpts ...client.Option) *Client {
	if logger == nil {
		logger = logging.L()
	}
	c := &Client{
		World:        world,
		Registry:     reg,
		Channels:     channels,
		Engine:       client.NewEngine(world, reg, tr, engineOpts...),
		ClientEvents: event.NewClientEvents(logger),
		ServerEvents: event.NewServerEvents(logger),
		transport:    tr,
	}
	//1.- Queued events drain the moment the update tick covering them has
	// been applied, inside the same frame as the prerequisite state.
	c.Engine.OnUpdateApplied(func(t tick.Tick) {
		c.ServerEvents.DispatchReady(t)
	})
	return c
}

// Tick runs one full client frame: replication intake and apply, event
// intake and dispatch, then the outbound flush.
func (c *Client) Tick() error {
	if c == nil {
		return errors.New("client not initialised")
	}
	if c.transport.Status() != transport.Connected {
		//1.- Dropped connections clear the causality queue along with the
		// engine's replicated state.
		c.ServerEvents.Reset()
		return c.Engine.ProcessTick()
	}

	if err := c.Engine.ProcessTick(); err != nil {
		return err
	}

	//2.- Events received this frame deliver immediately when their tick is
	// already covered and queue otherwise.
	c.ServerEvents.ReceiveFromServer(c.transport, c.Engine.ServerUpdateTick())
	c.ServerEvents.DispatchReady(c.Engine.ServerUpdateTick())

	//3.- Locally emitted events go out last, after this frame's state.
	return c.ClientEvents.FlushToServer(c.transport)
}
