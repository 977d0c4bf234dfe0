// Package redisbus runs the broadcast substrate over Redis pub/sub. Every session uses
// one channel for frames and presence notices, a counter for peer ids and a sorted set of
// members scored by their last heartbeat.
package redisbus

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"lockstep/internal/net/wire"
	"lockstep/internal/telemetry"
	"lockstep/internal/transport"
)

const (
	publishedMetricKey = "redisbus_frames_published_total"
	failedMetricKey    = "redisbus_publish_failures_total"
	reapedMetricKey    = "redisbus_peers_reaped_total"
)

// Config tunes a bus connection.
type Config struct {
	Session           string
	MaxFrame          int
	HeartbeatInterval time.Duration
	// PeerTTL is how long a member may go without a heartbeat before any peer reaps it.
	PeerTTL        time.Duration
	PublishTimeout time.Duration
	Logger         telemetry.Logger
	Metrics        telemetry.Metrics
}

func (c Config) normalized() Config {
	if c.Session == "" {
		c.Session = "default"
	}
	if c.MaxFrame <= 0 {
		c.MaxFrame = transport.DefaultMaxFrame
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = time.Second
	}
	if c.PeerTTL <= 0 {
		c.PeerTTL = 5 * c.HeartbeatInterval
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 2 * time.Second
	}
	if c.Logger == nil {
		c.Logger = telemetry.Discard()
	}
	return c
}

// Bus is a transport.Substrate on one Redis session.
type Bus struct {
	rdb    redis.UniversalClient
	pubsub *redis.PubSub
	cfg    Config
	local  transport.PeerID

	channel    string
	membersKey string

	mu       sync.Mutex
	presence *presence
	inbox    []transport.Event
	closed   bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ transport.Substrate = (*Bus)(nil)

func sessionKey(session, suffix string) string {
	return "lockstep:" + session + ":" + suffix
}

// Connect allocates a peer id, subscribes to the session channel and announces the peer.
func Connect(ctx context.Context, rdb redis.UniversalClient, cfg Config) (*Bus, error) {
	cfg = cfg.normalized()
	b := &Bus{
		rdb:        rdb,
		cfg:        cfg,
		channel:    sessionKey(cfg.Session, "bus"),
		membersKey: sessionKey(cfg.Session, "members"),
	}
	id, err := rdb.Incr(ctx, sessionKey(cfg.Session, "seq")).Result()
	if err != nil {
		return nil, fmt.Errorf("allocate peer id: %w", err)
	}
	if id <= 0 || id > int64(transport.MaxPeerID) {
		return nil, fmt.Errorf("allocate peer id: counter out of range: %d", id)
	}
	b.local = transport.PeerID(id)
	b.presence = newPresence(b.local)

	b.pubsub = rdb.Subscribe(ctx, b.channel)
	if _, err := b.pubsub.Receive(ctx); err != nil {
		b.pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	if _, err := b.heartbeat(ctx); err != nil {
		b.pubsub.Close()
		return nil, err
	}
	members, err := b.liveMembers(ctx)
	if err != nil {
		b.pubsub.Close()
		return nil, err
	}
	b.mu.Lock()
	b.inbox = b.presence.join(b.local, b.inbox)
	for _, peer := range members {
		b.inbox = b.presence.join(peer, b.inbox)
	}
	b.mu.Unlock()
	if err := b.publish(ctx, wire.Presence(wire.KindJoined, b.local)); err != nil {
		b.pubsub.Close()
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.wg.Add(2)
	go b.receiveLoop(loopCtx)
	go b.heartbeatLoop(loopCtx)
	cfg.Logger.Printf("[redisbus] session=%s joined as peer=%d members=%d", cfg.Session, b.local, len(members)+1)
	return b, nil
}

// heartbeat refreshes the local member score and reports whether the member had to be
// re-added, which happens after another peer reaped it.
func (b *Bus) heartbeat(ctx context.Context) (bool, error) {
	member := redis.Z{Score: float64(time.Now().UnixMilli()), Member: strconv.FormatUint(uint64(b.local), 10)}
	added, err := b.rdb.ZAdd(ctx, b.membersKey, member).Result()
	if err != nil {
		return false, fmt.Errorf("heartbeat: %w", err)
	}
	return added > 0, nil
}

func (b *Bus) liveMembers(ctx context.Context) ([]transport.PeerID, error) {
	floor := time.Now().Add(-b.cfg.PeerTTL).UnixMilli()
	raw, err := b.rdb.ZRangeByScore(ctx, b.membersKey, &redis.ZRangeBy{
		Min: strconv.FormatInt(floor, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	return parsePeers(raw), nil
}

func parsePeers(raw []string) []transport.PeerID {
	peers := make([]transport.PeerID, 0, len(raw))
	for _, s := range raw {
		v, err := strconv.ParseUint(s, 10, 32)
		if err != nil || v == 0 || v > uint64(transport.MaxPeerID) {
			continue
		}
		peers = append(peers, transport.PeerID(v))
	}
	return peers
}

// reap removes members whose heartbeat is older than the TTL. Only the peer whose ZREM
// succeeds announces the departure.
func (b *Bus) reap(ctx context.Context) {
	ceiling := time.Now().Add(-b.cfg.PeerTTL).UnixMilli()
	raw, err := b.rdb.ZRangeByScore(ctx, b.membersKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(ceiling, 10),
	}).Result()
	if err != nil {
		b.cfg.Logger.Printf("[redisbus] session=%s reap scan failed: %v", b.cfg.Session, err)
		return
	}
	for _, peer := range parsePeers(raw) {
		removed, err := b.rdb.ZRem(ctx, b.membersKey, strconv.FormatUint(uint64(peer), 10)).Result()
		if err != nil || removed == 0 {
			continue
		}
		b.count(reapedMetricKey)
		b.cfg.Logger.Printf("[redisbus] session=%s reaped silent peer=%d", b.cfg.Session, peer)
		if err := b.publish(ctx, wire.Presence(wire.KindLeft, peer)); err != nil {
			b.cfg.Logger.Printf("[redisbus] session=%s announce departure of peer=%d failed: %v", b.cfg.Session, peer, err)
		}
	}
}

func (b *Bus) heartbeatLoop(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			readded, err := b.heartbeat(ctx)
			switch {
			case err != nil && !errors.Is(err, context.Canceled):
				b.cfg.Logger.Printf("[redisbus] session=%s peer=%d %v", b.cfg.Session, b.local, err)
			case readded:
				if err := b.publish(ctx, wire.Presence(wire.KindJoined, b.local)); err != nil {
					b.cfg.Logger.Printf("[redisbus] session=%s peer=%d re-announce failed: %v", b.cfg.Session, b.local, err)
				}
			}
			b.reap(ctx)
		}
	}
}

func (b *Bus) receiveLoop(ctx context.Context) {
	defer b.wg.Done()
	messages := b.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			env, err := wire.Decode([]byte(msg.Payload))
			if err != nil {
				b.cfg.Logger.Printf("[redisbus] session=%s discarding malformed message: %v", b.cfg.Session, err)
				continue
			}
			b.apply(env)
		}
	}
}

func (b *Bus) apply(env wire.Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	switch env.Kind {
	case wire.KindJoined, wire.KindHeartbeat:
		b.inbox = b.presence.join(env.Peer, b.inbox)
	case wire.KindLeft:
		if env.Peer == b.local {
			b.cfg.Logger.Printf("[redisbus] session=%s peer=%d was reaped by another peer", b.cfg.Session, b.local)
			return
		}
		b.inbox = b.presence.leave(env.Peer, b.inbox)
	case wire.KindFrame:
		if env.Peer == b.local {
			return
		}
		if !b.presence.peers[env.Peer] {
			b.inbox = b.presence.join(env.Peer, b.inbox)
		}
		b.inbox = append(b.inbox, transport.Event{Kind: transport.EventFrame, Peer: env.Peer, Slot: env.Slot, Data: env.Data})
	}
}

func (b *Bus) publish(ctx context.Context, env wire.Envelope) error {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.PublishTimeout)
	defer cancel()
	if err := b.rdb.Publish(ctx, b.channel, env.Encode()).Err(); err != nil {
		b.count(failedMetricKey)
		return fmt.Errorf("publish %s: %w", env.Kind, err)
	}
	return nil
}

func (b *Bus) count(key string) {
	if b.cfg.Metrics != nil {
		b.cfg.Metrics.Add(key, 1)
	}
}

func (b *Bus) LocalPeer() transport.PeerID {
	return b.local
}

// Authority is the lowest live peer id seen in the presence hash.
func (b *Bus) Authority() transport.PeerID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.presence.authority
}

func (b *Bus) Peers() []transport.PeerID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.presence.list()
}

func (b *Bus) MaxFrame() int {
	return b.cfg.MaxFrame
}

// Send publishes the frame and reports the outcome on the next Poll.
func (b *Bus) Send(slot transport.Slot, frame []byte) error {
	if len(frame) > b.cfg.MaxFrame {
		return transport.ErrFrameTooLarge
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}
	err := b.publish(context.Background(), wire.Frame(b.local, slot, frame))
	if err == nil {
		b.count(publishedMetricKey)
	}
	b.mu.Lock()
	b.inbox = append(b.inbox, transport.Event{Kind: transport.EventSendResult, Slot: slot, OK: err == nil})
	b.mu.Unlock()
	return nil
}

// Poll drains events collected by the subscriber goroutine and by Send.
func (b *Bus) Poll(dst []transport.Event) []transport.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	dst = append(dst, b.inbox...)
	b.inbox = b.inbox[:0]
	return dst
}

// Close announces the departure, leaves the member set and stops the background loops.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.inbox = nil
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.PublishTimeout)
	defer cancel()
	var errs []error
	if err := b.rdb.ZRem(ctx, b.membersKey, strconv.FormatUint(uint64(b.local), 10)).Err(); err != nil {
		errs = append(errs, fmt.Errorf("leave members: %w", err))
	}
	if err := b.publish(ctx, wire.Presence(wire.KindLeft, b.local)); err != nil {
		errs = append(errs, err)
	}
	if err := b.pubsub.Close(); err != nil {
		errs = append(errs, fmt.Errorf("unsubscribe: %w", err))
	}
	return errors.Join(errs...)
}
