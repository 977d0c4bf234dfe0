// Package ws carries the broadcast substrate over websockets. A Relay accepts peer
// connections grouped into named sessions and fans every frame out to the other peers of
// the session; Client is the peer-side substrate.
package ws

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"lockstep/internal/net/wire"
	"lockstep/internal/telemetry"
	"lockstep/internal/transport"
	"lockstep/logging"
	relaylog "lockstep/logging/relay"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	outboundBuffer = 256
)

const (
	connectionsMetricKey    = "relay_connections_total"
	framesForwardedMetric   = "relay_frames_forwarded_total"
	framesRejectedMetric    = "relay_frames_rejected_total"
	slowConsumersMetricKey  = "relay_slow_consumers_total"
	activeSessionsMetricKey = "relay_sessions_active"
)

// RelayConfig tunes a relay.
type RelayConfig struct {
	// MaxFrame is the broadcast cap announced to peers.
	MaxFrame int
	// FramesPerSecond and Burst bound how fast one connection may broadcast. Frames over
	// the limit are rejected with a failed send result.
	FramesPerSecond float64
	Burst           int
	Logger          telemetry.Logger
	Metrics         telemetry.Metrics
	Publisher       logging.Publisher
}

// DefaultRelayConfig returns the relay defaults.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		MaxFrame:        transport.DefaultMaxFrame,
		FramesPerSecond: 600,
		Burst:           120,
	}
}

// SessionInfo summarises one live session.
type SessionInfo struct {
	Name      string             `json:"name"`
	Peers     []transport.PeerID `json:"peers"`
	Authority transport.PeerID   `json:"authority"`
}

// Relay hosts sessions of websocket peers.
type Relay struct {
	cfg      RelayConfig
	logger   telemetry.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*session
}

// NewRelay constructs a relay.
func NewRelay(cfg RelayConfig) *Relay {
	def := DefaultRelayConfig()
	if cfg.MaxFrame <= 0 {
		cfg.MaxFrame = def.MaxFrame
	}
	if cfg.FramesPerSecond <= 0 {
		cfg.FramesPerSecond = def.FramesPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.Discard()
	}
	return &Relay{
		cfg:    cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		sessions: make(map[string]*session),
	}
}

// Sessions lists live sessions sorted by name.
func (r *Relay) Sessions() []SessionInfo {
	r.mu.Lock()
	sessions := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()
	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Serve upgrades the request and attaches the connection to the named session until it
// disconnects.
func (r *Relay) Serve(w http.ResponseWriter, req *http.Request, name string) {
	if name == "" {
		http.Error(w, "missing session", http.StatusBadRequest)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Printf("[relay] session=%s upgrade failed: %v", name, err)
		return
	}
	conn.SetReadLimit(int64(r.cfg.MaxFrame) + 64)

	pc := &peerConn{
		connID:  uuid.New(),
		conn:    conn,
		out:     make(chan []byte, outboundBuffer),
		limiter: rate.NewLimiter(rate.Limit(r.cfg.FramesPerSecond), r.cfg.Burst),
	}
	s := r.attach(name, pc)
	r.count(connectionsMetricKey)
	r.logger.Printf("[relay] session=%s peer=%d conn=%s connected", name, pc.id, pc.connID)
	relaylog.PeerConnected(req.Context(), r.cfg.Publisher, name, r.payload(s, pc))

	go r.writePump(s, pc)
	r.readPump(s, pc)
}

func (r *Relay) attach(name string, pc *peerConn) *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[name]
	if !ok {
		s = &session{name: name, conns: make(map[transport.PeerID]*peerConn)}
		r.sessions[name] = s
		r.store(activeSessionsMetricKey, uint64(len(r.sessions)))
	}
	s.join(pc, r.cfg.MaxFrame)
	return s
}

func (r *Relay) detach(s *session, pc *peerConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.leave(pc) {
		r.logger.Printf("[relay] session=%s peer=%d conn=%s disconnected", s.name, pc.id, pc.connID)
		relaylog.PeerDisconnected(context.Background(), r.cfg.Publisher, s.name, r.payload(s, pc))
	}
	if s.empty() && r.sessions[s.name] == s {
		delete(r.sessions, s.name)
		r.store(activeSessionsMetricKey, uint64(len(r.sessions)))
	}
}

func (r *Relay) readPump(s *session, pc *peerConn) {
	defer func() {
		r.detach(s, pc)
		pc.conn.Close()
	}()
	pc.conn.SetReadDeadline(time.Now().Add(pongWait))
	pc.conn.SetPongHandler(func(string) error {
		pc.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		messageType, payload, err := pc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				r.logger.Printf("[relay] session=%s peer=%d read failed: %v", s.name, pc.id, err)
			}
			return
		}
		if messageType != websocket.BinaryMessage {
			r.logger.Printf("[relay] session=%s peer=%d discarding non-binary message", s.name, pc.id)
			continue
		}
		env, err := wire.Decode(payload)
		if err != nil || env.Kind != wire.KindFrame {
			r.logger.Printf("[relay] session=%s peer=%d discarding malformed message: %v", s.name, pc.id, err)
			continue
		}
		if len(env.Data) > r.cfg.MaxFrame || !pc.limiter.Allow() {
			r.count(framesRejectedMetric)
			s.reject(pc, env.Slot)
			continue
		}
		r.count(framesForwardedMetric)
		s.broadcast(pc, env.Slot, env.Data)
	}
}

func (r *Relay) writePump(s *session, pc *peerConn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		pc.conn.Close()
	}()
	for {
		select {
		case data, ok := <-pc.out:
			pc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				if pc.slow {
					r.logger.Printf("[relay] session=%s peer=%d dropped as slow consumer", s.name, pc.id)
					r.count(slowConsumersMetricKey)
					relaylog.SlowConsumer(context.Background(), r.cfg.Publisher, s.name, r.payload(s, pc))
					pc.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "slow consumer"))
				}
				return
			}
			if err := pc.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				r.logger.Printf("[relay] session=%s peer=%d write failed: %v", s.name, pc.id, err)
				return
			}
		case <-ticker.C:
			pc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := pc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (r *Relay) payload(s *session, pc *peerConn) relaylog.PeerPayload {
	return relaylog.PeerPayload{Peer: uint32(pc.id), Connection: pc.connID.String(), Peers: s.size()}
}

func (r *Relay) count(key string) {
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.Add(key, 1)
	}
}

func (r *Relay) store(key string, value uint64) {
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.Store(key, value)
	}
}

type peerConn struct {
	id      transport.PeerID
	connID  uuid.UUID
	conn    *websocket.Conn
	out     chan []byte
	limiter *rate.Limiter
	gone    bool
	slow    bool
}

// session orders every outbound message under one lock so that each peer observes
// presence changes and frames in the same order.
type session struct {
	name string

	mu     sync.Mutex
	nextID transport.PeerID
	order  []transport.PeerID
	conns  map[transport.PeerID]*peerConn
}

func (s *session) info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	peers := append([]transport.PeerID(nil), s.order...)
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	return SessionInfo{Name: s.name, Peers: peers, Authority: s.authorityLocked()}
}

func (s *session) authorityLocked() transport.PeerID {
	if len(s.order) == 0 {
		return 0
	}
	return s.order[0]
}

func (s *session) empty() bool {
	return s.size() == 0
}

func (s *session) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

func (s *session) join(pc *peerConn, maxFrame int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	pc.id = s.nextID
	s.order = append(s.order, pc.id)
	s.conns[pc.id] = pc
	peers := append([]transport.PeerID(nil), s.order...)
	s.enqueueLocked(pc, wire.Hello(pc.id, s.authorityLocked(), maxFrame, peers).Encode())
	joined := wire.Presence(wire.KindJoined, pc.id).Encode()
	for _, id := range peers {
		if id != pc.id {
			s.enqueueLocked(s.conns[id], joined)
		}
	}
}

// leave reports whether pc was still attached.
func (s *session) leave(pc *peerConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns[pc.id] != pc {
		return false
	}
	s.removeLocked(pc)
	return true
}

func (s *session) removeLocked(pc *peerConn) {
	previous := s.authorityLocked()
	delete(s.conns, pc.id)
	for i, id := range s.order {
		if id == pc.id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	if !pc.gone {
		pc.gone = true
		close(pc.out)
	}
	left := wire.Presence(wire.KindLeft, pc.id).Encode()
	authority := s.authorityLocked()
	for _, id := range append([]transport.PeerID(nil), s.order...) {
		other := s.conns[id]
		s.enqueueLocked(other, left)
		if authority != previous && authority != 0 {
			s.enqueueLocked(other, wire.Presence(wire.KindAuthority, authority).Encode())
		}
	}
}

func (s *session) broadcast(from *peerConn, slot transport.Slot, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns[from.id] != from {
		return
	}
	frame := wire.Frame(from.id, slot, data).Encode()
	for _, id := range append([]transport.PeerID(nil), s.order...) {
		if id != from.id {
			s.enqueueLocked(s.conns[id], frame)
		}
	}
	s.enqueueLocked(from, wire.Result(slot, true).Encode())
}

func (s *session) reject(from *peerConn, slot transport.Slot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enqueueLocked(from, wire.Result(slot, false).Encode())
}

// enqueueLocked hands data to the peer's writer. A peer whose buffer is full is cut off:
// it has already missed frames the other peers received.
func (s *session) enqueueLocked(pc *peerConn, data []byte) {
	if pc == nil || pc.gone {
		return
	}
	select {
	case pc.out <- data:
	default:
		pc.slow = true
		s.removeLocked(pc)
	}
}
