// Package ws implements the transport contracts over WebSocket
// connections. Each binary frame carries one channel payload wrapped in a
// small envelope; payloads above a threshold are compressed.
package ws

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"driftpursuit/replication/channel"
	"driftpursuit/replication/internal/logging"
	"driftpursuit/replication/transport"
	"driftpursuit/replication/wire"
)

const (
	// PeerHeader names the HTTP header carrying the peer identifier.
	PeerHeader = "X-Replication-Peer"

	codecRaw        = 0
	codecCompressed = 1

	// DefaultCompressThreshold is the payload size from which frames are
	// compressed before hitting the wire.
	DefaultCompressThreshold = 512
)

// Options tunes both endpoint roles.
type Options struct {
	// Compressor encodes oversized frames; nil disables compression.
	Compressor transport.Compressor
	// CompressThreshold overrides DefaultCompressThreshold when positive.
	CompressThreshold int
	Logger            *logging.Logger
}

func (o Options) normalise() Options {
	if o.CompressThreshold <= 0 {
		o.CompressThreshold = DefaultCompressThreshold
	}
	if o.Logger == nil {
		o.Logger = logging.L()
	}
	return o
}

func encodeFrame(opts Options, ch channel.ID, payload []byte) ([]byte, error) {
	w := wire.NewWriter()
	w.WriteUvarint(uint64(ch))
	if opts.Compressor != nil && len(payload) >= opts.CompressThreshold {
		compressed, err := opts.Compressor.Compress(payload)
		if err != nil {
			return nil, fmt.Errorf("compress frame: %w", err)
		}
		if len(compressed) < len(payload) {
			w.WriteUint8(codecCompressed)
			w.WriteRaw(compressed)
			return append([]byte(nil), w.Bytes()...), nil
		}
	}
	w.WriteUint8(codecRaw)
	w.WriteRaw(payload)
	return append([]byte(nil), w.Bytes()...), nil
}

func decodeFrame(opts Options, frame []byte) (channel.ID, []byte, error) {
	r := wire.NewReader(frame)
	ch, err := r.ReadUvarint()
	if err != nil {
		return 0, nil, fmt.Errorf("frame channel: %w", err)
	}
	if ch > 255 {
		return 0, nil, fmt.Errorf("frame channel %d out of range", ch)
	}
	codec, err := r.ReadUint8()
	if err != nil {
		return 0, nil, fmt.Errorf("frame codec: %w", err)
	}
	payload, err := r.ReadRaw(r.Remaining())
	if err != nil {
		return 0, nil, err
	}
	switch codec {
	case codecRaw:
		return channel.ID(ch), append([]byte(nil), payload...), nil
	case codecCompressed:
		if opts.Compressor == nil {
			return 0, nil, fmt.Errorf("compressed frame without configured codec")
		}
		restored, err := opts.Compressor.Decompress(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("decompress frame: %w", err)
		}
		return channel.ID(ch), restored, nil
	default:
		return 0, nil, fmt.Errorf("unknown frame codec %d", codec)
	}
}

type peerConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	inbox   map[channel.ID][][]byte
}

// Hub is the server-side WebSocket backend. Register it as an HTTP handler;
// each upgraded connection becomes one replication peer.
type Hub struct {
	mu       sync.Mutex
	opts     Options
	upgrader websocket.Upgrader
	running  bool
	peers    map[transport.PeerID]*peerConn
	events   []transport.PeerEvent
	nextPeer int
}

// NewHub constructs a running hub.
func NewHub(opts Options) *Hub {
	return &Hub{
		opts:     opts.normalise(),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		running:  true,
		peers:    make(map[transport.PeerID]*peerConn),
	}
}

// ServeHTTP upgrades the request and registers the peer.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h == nil {
		http.Error(w, "hub not initialised", http.StatusServiceUnavailable)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.opts.Logger.Warn("websocket upgrade failed", logging.Error(err))
		return
	}
	peer := transport.PeerID(r.Header.Get(PeerHeader))

	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	if peer == "" || peer == transport.ServerPeer {
		h.nextPeer++
		peer = transport.PeerID(fmt.Sprintf("peer-%d", h.nextPeer))
	}
	if _, taken := h.peers[peer]; taken {
		h.mu.Unlock()
		h.opts.Logger.Warn("duplicate peer rejected", logging.String("peer", string(peer)))
		_ = conn.Close()
		return
	}
	pc := &peerConn{conn: conn, inbox: make(map[channel.ID][][]byte)}
	h.peers[peer] = pc
	h.events = append(h.events, transport.PeerEvent{Peer: peer, Kind: transport.PeerConnected})
	h.mu.Unlock()

	//1.- The reader goroutine owns the connection until it fails or closes.
	go h.readLoop(peer, pc)
}

func (h *Hub) readLoop(peer transport.PeerID, pc *peerConn) {
	for {
		kind, frame, err := pc.conn.ReadMessage()
		if err != nil {
			h.Disconnect(peer)
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		ch, payload, err := decodeFrame(h.opts, frame)
		if err != nil {
			//2.- A malformed frame is a protocol error; drop the peer.
			h.opts.Logger.Warn("malformed frame", logging.String("peer", string(peer)), logging.Error(err))
			h.Disconnect(peer)
			return
		}
		h.mu.Lock()
		if current, ok := h.peers[peer]; ok && current == pc {
			pc.inbox[ch] = append(pc.inbox[ch], payload)
		}
		h.mu.Unlock()
	}
}

// Running reports whether the hub accepts traffic.
func (h *Hub) Running() bool {
	if h == nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

// Shutdown stops the hub and closes every connection.
func (h *Hub) Shutdown() {
	if h == nil {
		return
	}
	h.mu.Lock()
	h.running = false
	peers := make([]transport.PeerID, 0, len(h.peers))
	for peer := range h.peers {
		peers = append(peers, peer)
	}
	h.mu.Unlock()
	for _, peer := range peers {
		h.Disconnect(peer)
	}
}

// Peers lists connected peer ids.
func (h *Hub) Peers() []transport.PeerID {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	peers := make([]transport.PeerID, 0, len(h.peers))
	for peer := range h.peers {
		peers = append(peers, peer)
	}
	return peers
}

// DrainEvents hands off buffered lifecycle events.
func (h *Hub) DrainEvents() []transport.PeerEvent {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	drained := h.events
	h.events = nil
	h.mu.Unlock()
	return drained
}

// Receive drains one peer's inbox for a channel.
func (h *Hub) Receive(peer transport.PeerID, ch channel.ID) [][]byte {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	pc, ok := h.peers[peer]
	if !ok {
		return nil
	}
	drained := pc.inbox[ch]
	delete(pc.inbox, ch)
	return drained
}

// Send writes one payload to a peer.
func (h *Hub) Send(peer transport.PeerID, ch channel.ID, payload []byte) error {
	if h == nil {
		return transport.ErrNotConnected
	}
	h.mu.Lock()
	pc, ok := h.peers[peer]
	running := h.running
	h.mu.Unlock()
	if !running {
		return transport.ErrNotConnected
	}
	if !ok {
		return fmt.Errorf("%w: %q", transport.ErrUnknownPeer, peer)
	}
	frame, err := encodeFrame(h.opts, ch, payload)
	if err != nil {
		return err
	}
	pc.writeMu.Lock()
	defer pc.writeMu.Unlock()
	if err := pc.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		//1.- A reliable-channel write failure means the peer is gone.
		h.Disconnect(peer)
		return fmt.Errorf("write to %q: %w", peer, err)
	}
	return nil
}

// Disconnect drops one peer, closes its socket and queues the event.
func (h *Hub) Disconnect(peer transport.PeerID) {
	if h == nil {
		return
	}
	h.mu.Lock()
	pc, ok := h.peers[peer]
	if ok {
		delete(h.peers, peer)
		h.events = append(h.events, transport.PeerEvent{Peer: peer, Kind: transport.PeerDisconnected})
	}
	h.mu.Unlock()
	if ok {
		_ = pc.conn.Close()
	}
}

// Client is the client-side WebSocket backend. Dial retries the initial
// connection on a backoff schedule; once connected, a dropped socket leaves
// the client disconnected.
type Client struct {
	mu     sync.Mutex
	opts   Options
	url    string
	peer   transport.PeerID
	conn   *websocket.Conn
	status transport.Status
	inbox  map[channel.ID][][]byte
}

// Dial connects to the hub at url, retrying on an exponential backoff
// schedule until the deadline elapses.
func Dial(url string, peer transport.PeerID, opts Options, maxWait time.Duration) (*Client, error) {
	c := &Client{
		opts:   opts.normalise(),
		url:    url,
		peer:   peer,
		status: transport.Connecting,
		inbox:  make(map[channel.ID][][]byte),
	}
	schedule := backoff.NewExponentialBackOff()
	if maxWait > 0 {
		schedule.MaxElapsedTime = maxWait
	}
	dial := func() error {
		header := http.Header{}
		if peer != "" {
			header.Set(PeerHeader, string(peer))
		}
		conn, resp, err := websocket.DefaultDialer.Dial(url, header)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.conn = conn
		c.status = transport.Connected
		c.mu.Unlock()
		return nil
	}
	if err := backoff.Retry(dial, schedule); err != nil {
		c.mu.Lock()
		c.status = transport.NoConnection
		c.mu.Unlock()
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}
		kind, frame, err := conn.ReadMessage()
		if err != nil {
			c.Disconnect()
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		ch, payload, err := decodeFrame(c.opts, frame)
		if err != nil {
			//1.- Malformed server frames are logged and dropped client-side.
			c.opts.Logger.Warn("malformed frame", logging.Error(err))
			continue
		}
		c.mu.Lock()
		if c.status == transport.Connected {
			c.inbox[ch] = append(c.inbox[ch], payload)
		}
		c.mu.Unlock()
	}
}

// Status reports the connection lifecycle state.
func (c *Client) Status() transport.Status {
	if c == nil {
		return transport.NoConnection
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Receive drains the inbox for one channel.
func (c *Client) Receive(ch channel.ID) [][]byte {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	drained := c.inbox[ch]
	delete(c.inbox, ch)
	return drained
}

// Send writes one payload to the server.
func (c *Client) Send(ch channel.ID, payload []byte) error {
	if c == nil {
		return transport.ErrNotConnected
	}
	c.mu.Lock()
	conn := c.conn
	status := c.status
	c.mu.Unlock()
	if status != transport.Connected || conn == nil {
		return transport.ErrNotConnected
	}
	frame, err := encodeFrame(c.opts, ch, payload)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		c.Disconnect()
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// Disconnect closes the socket and clears both queue sets.
func (c *Client) Disconnect() {
	if c == nil {
		return
	}
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.status = transport.NoConnection
	c.inbox = make(map[channel.ID][][]byte)
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}
