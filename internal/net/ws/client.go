package ws

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"lockstep/internal/net/wire"
	"lockstep/internal/telemetry"
	"lockstep/internal/transport"
)

// ClientConfig tunes Dial.
type ClientConfig struct {
	Logger telemetry.Logger
	// HandshakeTimeout bounds the wait for the relay's hello.
	HandshakeTimeout time.Duration
}

// Client is a transport.Substrate backed by one relay connection.
type Client struct {
	conn     *websocket.Conn
	logger   telemetry.Logger
	local    transport.PeerID
	maxFrame int

	writeMu sync.Mutex

	mu        sync.Mutex
	authority transport.PeerID
	peers     map[transport.PeerID]bool
	inbox     []transport.Event
	closed    bool
	readErr   error
	done      chan struct{}
}

var _ transport.Substrate = (*Client)(nil)

// Dial connects to a relay session URL such as ws://host:8080/ws/arena and waits for the
// relay to assign a peer id.
func Dial(ctx context.Context, url string, cfg ClientConfig) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.Discard()
	}
	timeout := cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", url, err)
	}
	conn.SetReadDeadline(time.Now().Add(timeout))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read relay hello: %w", err)
	}
	hello, err := wire.Decode(payload)
	if err == nil && hello.Kind != wire.KindHello {
		err = fmt.Errorf("expected hello, got %s", hello.Kind)
	}
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("relay handshake: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	c := &Client{
		conn:      conn,
		logger:    logger,
		local:     hello.Peer,
		maxFrame:  hello.MaxFrame,
		authority: hello.Authority,
		peers:     make(map[transport.PeerID]bool, len(hello.Peers)),
		done:      make(chan struct{}),
	}
	for _, p := range hello.Peers {
		c.peers[p] = true
		c.inbox = append(c.inbox, transport.Event{Kind: transport.EventPeerJoined, Peer: p})
	}
	if hello.Authority == hello.Peer {
		c.inbox = append(c.inbox, transport.Event{Kind: transport.EventAuthorityChanged, Peer: hello.Authority})
	}
	go c.readLoop()
	logger.Printf("[ws] connected to %s as peer=%d authority=%d peers=%d", url, c.local, c.authority, len(c.peers))
	return c, nil
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if !c.closed {
				c.readErr = err
				c.logger.Printf("[ws] peer=%d relay connection lost: %v", c.local, err)
			}
			c.mu.Unlock()
			return
		}
		env, err := wire.Decode(payload)
		if err != nil {
			c.logger.Printf("[ws] peer=%d discarding malformed relay message: %v", c.local, err)
			continue
		}
		c.apply(env)
	}
}

func (c *Client) apply(env wire.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	switch env.Kind {
	case wire.KindJoined:
		c.peers[env.Peer] = true
		c.inbox = append(c.inbox, transport.Event{Kind: transport.EventPeerJoined, Peer: env.Peer})
	case wire.KindLeft:
		delete(c.peers, env.Peer)
		c.inbox = append(c.inbox, transport.Event{Kind: transport.EventPeerLeft, Peer: env.Peer})
	case wire.KindAuthority:
		c.authority = env.Peer
		c.inbox = append(c.inbox, transport.Event{Kind: transport.EventAuthorityChanged, Peer: env.Peer})
	case wire.KindFrame:
		c.inbox = append(c.inbox, transport.Event{Kind: transport.EventFrame, Peer: env.Peer, Slot: env.Slot, Data: env.Data})
	case wire.KindResult:
		c.inbox = append(c.inbox, transport.Event{Kind: transport.EventSendResult, Slot: env.Slot, OK: env.OK})
	default:
		c.logger.Printf("[ws] peer=%d ignoring %s from relay", c.local, env.Kind)
	}
}

func (c *Client) LocalPeer() transport.PeerID {
	return c.local
}

// Authority is the peer the relay last announced as authoritative.
func (c *Client) Authority() transport.PeerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authority
}

func (c *Client) Peers() []transport.PeerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	peers := make([]transport.PeerID, 0, len(c.peers))
	for p := range c.peers {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	return peers
}

func (c *Client) MaxFrame() int {
	return c.maxFrame
}

// Send writes the frame to the relay. The relay answers with a send result once the frame
// was fanned out or rejected.
func (c *Client) Send(slot transport.Slot, frame []byte) error {
	if len(frame) > c.maxFrame {
		return transport.ErrFrameTooLarge
	}
	c.mu.Lock()
	lost := c.closed || c.readErr != nil
	c.mu.Unlock()
	if lost {
		return transport.ErrClosed
	}
	data := wire.Frame(0, slot, frame).Encode()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Poll drains frames, presence changes and send results read since the previous call.
func (c *Client) Poll(dst []transport.Event) []transport.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	dst = append(dst, c.inbox...)
	c.inbox = c.inbox[:0]
	return dst
}

// Close says goodbye to the relay and waits for the reader to stop.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.inbox = nil
	c.mu.Unlock()

	c.writeMu.Lock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	c.writeMu.Unlock()
	select {
	case <-c.done:
	case <-time.After(writeWait):
	}
	return c.conn.Close()
}
