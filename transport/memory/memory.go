// Package memory provides an in-process transport backend. It backs the
// listen-server topology and the protocol test harnesses, where packet loss
// and delivery delay need to be injected deterministically.
package memory

import (
	"fmt"
	"sync"

	"driftpursuit/replication/channel"
	"driftpursuit/replication/transport"
)

// Verdict decides the fate of one intercepted packet.
type Verdict int

const (
	// Deliver forwards the packet immediately.
	Deliver Verdict = iota
	// Drop discards the packet, simulating loss on unreliable channels.
	Drop
	// Hold parks the packet until ReleaseHeld, simulating delay.
	Hold
)

// Tap inspects an outbound packet before delivery.
type Tap func(peer transport.PeerID, ch channel.ID, payload []byte) Verdict

type queueSet map[channel.ID][][]byte

func (q queueSet) push(ch channel.ID, payload []byte) {
	q[ch] = append(q[ch], payload)
}

func (q queueSet) drain(ch channel.ID) [][]byte {
	drained := q[ch]
	delete(q, ch)
	return drained
}

type link struct {
	toClient queueSet
	toServer queueSet
	status   transport.Status
}

type heldPacket struct {
	peer    transport.PeerID
	ch      channel.ID
	payload []byte
}

// Network is an in-process hub implementing the server transport contract.
// Clients attach through Connect and talk over shared queue pairs.
type Network struct {
	mu        sync.Mutex
	running   bool
	links     map[transport.PeerID]*link
	events    []transport.PeerEvent
	serverTap Tap
	held      []heldPacket

	// channelBudget bounds the queued bytes per peer and channel; zero
	// disables the check.
	channelBudget int64
}

// NewNetwork constructs a running hub with no peers.
func NewNetwork() *Network {
	return &Network{running: true, links: make(map[transport.PeerID]*link)}
}

// SetChannelBudget bounds the bytes queued per peer and channel. Sends over
// the budget fail with the backpressure error so the host can react; nothing
// already queued is dropped.
func (n *Network) SetChannelBudget(bytes int64) {
	if n == nil {
		return
	}
	n.mu.Lock()
	n.channelBudget = bytes
	n.mu.Unlock()
}

// SetServerTap installs an interceptor for server→client packets.
func (n *Network) SetServerTap(tap Tap) {
	if n == nil {
		return
	}
	n.mu.Lock()
	n.serverTap = tap
	n.mu.Unlock()
}

// ReleaseHeld delivers every packet parked by a Hold verdict, in order.
func (n *Network) ReleaseHeld() {
	if n == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, packet := range n.held {
		if l, ok := n.links[packet.peer]; ok {
			l.toClient.push(packet.ch, packet.payload)
		}
	}
	n.held = nil
}

// Connect attaches a new peer and returns its client-side handle.
func (n *Network) Connect(peer transport.PeerID) (transport.Client, error) {
	if n == nil {
		return nil, fmt.Errorf("memory network not initialised")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.running {
		return nil, transport.ErrNotConnected
	}
	if _, exists := n.links[peer]; exists {
		return nil, fmt.Errorf("peer %q already connected", peer)
	}
	n.links[peer] = &link{
		toClient: make(queueSet),
		toServer: make(queueSet),
		status:   transport.Connected,
	}
	//1.- Queue the lifecycle event for the next server intake pass.
	n.events = append(n.events, transport.PeerEvent{Peer: peer, Kind: transport.PeerConnected})
	return &clientHandle{network: n, peer: peer}, nil
}

// Running reports whether the hub accepts traffic.
func (n *Network) Running() bool {
	if n == nil {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.running
}

// Shutdown stops the hub and disconnects every peer.
func (n *Network) Shutdown() {
	if n == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.running = false
	for peer := range n.links {
		n.dropLocked(peer)
	}
}

// Peers lists connected peer ids in unspecified order.
func (n *Network) Peers() []transport.PeerID {
	if n == nil {
		return nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	peers := make([]transport.PeerID, 0, len(n.links))
	for peer := range n.links {
		peers = append(peers, peer)
	}
	return peers
}

// DrainEvents hands off buffered connect/disconnect events in order.
func (n *Network) DrainEvents() []transport.PeerEvent {
	if n == nil {
		return nil
	}
	n.mu.Lock()
	drained := n.events
	n.events = nil
	n.mu.Unlock()
	return drained
}

// Receive drains the server-side inbox for one peer and channel.
func (n *Network) Receive(peer transport.PeerID, ch channel.ID) [][]byte {
	if n == nil {
		return nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	l, ok := n.links[peer]
	if !ok {
		return nil
	}
	return l.toServer.drain(ch)
}

// Send enqueues a payload for one peer, honouring the installed tap.
func (n *Network) Send(peer transport.PeerID, ch channel.ID, payload []byte) error {
	if n == nil {
		return transport.ErrNotConnected
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.running {
		return transport.ErrNotConnected
	}
	l, ok := n.links[peer]
	if !ok {
		return fmt.Errorf("%w: %q", transport.ErrUnknownPeer, peer)
	}
	if n.serverTap != nil {
		switch n.serverTap(peer, ch, payload) {
		case Drop:
			return nil
		case Hold:
			n.held = append(n.held, heldPacket{peer: peer, ch: ch, payload: payload})
			return nil
		}
	}
	if n.overBudgetLocked(l.toClient, ch, payload) {
		return fmt.Errorf("%w: peer %q channel %d", transport.ErrChannelBackpressure, peer, ch)
	}
	l.toClient.push(ch, payload)
	return nil
}

func (n *Network) overBudgetLocked(q queueSet, ch channel.ID, payload []byte) bool {
	if n.channelBudget <= 0 {
		return false
	}
	queued := int64(0)
	for _, pending := range q[ch] {
		queued += int64(len(pending))
	}
	return queued+int64(len(payload)) > n.channelBudget
}

// Disconnect drops one peer and clears its queues.
func (n *Network) Disconnect(peer transport.PeerID) {
	if n == nil {
		return
	}
	n.mu.Lock()
	n.dropLocked(peer)
	n.mu.Unlock()
}

func (n *Network) dropLocked(peer transport.PeerID) {
	l, ok := n.links[peer]
	if !ok {
		return
	}
	l.status = transport.NoConnection
	l.toClient = make(queueSet)
	l.toServer = make(queueSet)
	delete(n.links, peer)
	n.events = append(n.events, transport.PeerEvent{Peer: peer, Kind: transport.PeerDisconnected})
}

// clientHandle is the client side of one memory link.
type clientHandle struct {
	network *Network
	peer    transport.PeerID
}

// Status reports the link state.
func (c *clientHandle) Status() transport.Status {
	if c == nil || c.network == nil {
		return transport.NoConnection
	}
	c.network.mu.Lock()
	defer c.network.mu.Unlock()
	l, ok := c.network.links[c.peer]
	if !ok {
		return transport.NoConnection
	}
	return l.status
}

// Receive drains the client inbox for one channel.
func (c *clientHandle) Receive(ch channel.ID) [][]byte {
	if c == nil || c.network == nil {
		return nil
	}
	c.network.mu.Lock()
	defer c.network.mu.Unlock()
	l, ok := c.network.links[c.peer]
	if !ok {
		return nil
	}
	return l.toClient.drain(ch)
}

// Send enqueues a payload for the server.
func (c *clientHandle) Send(ch channel.ID, payload []byte) error {
	if c == nil || c.network == nil {
		return transport.ErrNotConnected
	}
	c.network.mu.Lock()
	defer c.network.mu.Unlock()
	l, ok := c.network.links[c.peer]
	if !ok || l.status != transport.Connected {
		return transport.ErrNotConnected
	}
	if c.network.overBudgetLocked(l.toServer, ch, payload) {
		return fmt.Errorf("%w: channel %d", transport.ErrChannelBackpressure, ch)
	}
	l.toServer.push(ch, payload)
	return nil
}

// Disconnect tears down the link from the client side.
func (c *clientHandle) Disconnect() {
	if c == nil || c.network == nil {
		return
	}
	c.network.Disconnect(c.peer)
}
