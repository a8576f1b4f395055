package signaling

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/consentgate/internal/platform/apperr"
	"github.com/ehr/consentgate/internal/platform/ratelimit"
)

// Handler consumes events delivered to a peer, one at a time in arrival
// order.
type Handler func(ctx context.Context, ev Event)

const peerQueueSize = 64

// Peer is one identity's attachment to the hub.
type Peer struct {
	key     string
	hub     *Hub
	handler Handler
	queue   chan Event
	done    chan struct{}
	once    sync.Once
}

// Hub routes events by identity key. Ordering is guaranteed per receiving
// peer only.
type Hub struct {
	logger  zerolog.Logger
	limiter *ratelimit.Keyed
	now     func() time.Time

	mu    sync.RWMutex
	peers map[string]*Peer
}

func NewHub(logger zerolog.Logger, limiter *ratelimit.Keyed) *Hub {
	return &Hub{
		logger:  logger.With().Str("component", "signaling").Logger(),
		limiter: limiter,
		now:     time.Now,
		peers:   make(map[string]*Peer),
	}
}

// Attach registers handler for key. A peer already attached under the same
// key is detached first.
func (h *Hub) Attach(key string, handler Handler) *Peer {
	p := &Peer{
		key:     key,
		hub:     h,
		handler: handler,
		queue:   make(chan Event, peerQueueSize),
		done:    make(chan struct{}),
	}

	h.mu.Lock()
	old := h.peers[key]
	h.peers[key] = p
	h.mu.Unlock()

	if old != nil {
		old.stop()
		h.logger.Info().Str("peer", key).Msg("peer replaced")
	}
	go p.run()
	return p
}

// Online reports whether key has an attached peer.
func (h *Hub) Online(key string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.peers[key]
	return ok
}

func (h *Hub) PeerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

func (h *Hub) lookup(key string) *Peer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.peers[key]
}

func (h *Hub) detach(p *Peer) {
	h.mu.Lock()
	if h.peers[p.key] == p {
		delete(h.peers, p.key)
	}
	h.mu.Unlock()
}

func (h *Hub) route(from *Peer, ev Event) error {
	if wait, ok := h.limiter.Reserve(from.key, h.now()); !ok {
		return fmt.Errorf("emit %s: rate limited, retry in %s: %w", ev.Type, wait, apperr.ErrSignalingUnavailable)
	}

	ev.From = from.key
	if ev.Timestamp.IsZero() {
		ev.Timestamp = h.now().UTC()
	}

	target := h.lookup(ev.To)
	if ev.Type == EventCallRequest {
		if target == nil {
			from.deliver(Event{
				Type:      EventRecipientOffline,
				RoomID:    ev.RoomID,
				From:      ev.To,
				To:        from.key,
				Timestamp: ev.Timestamp,
			})
			return nil
		}
		ev.Type = EventIncomingCall
	}
	if target == nil {
		h.logger.Debug().Str("type", string(ev.Type)).Str("to", ev.To).Msg("dropping event for offline peer")
		return nil
	}
	target.deliver(ev)
	return nil
}

// Key returns the identity key the peer is attached under.
func (p *Peer) Key() string { return p.key }

// Emit sends ev from this peer. A call_request to an offline identity is
// answered with recipient_offline on this peer's own queue.
func (p *Peer) Emit(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-p.done:
		return fmt.Errorf("emit %s: peer detached: %w", ev.Type, apperr.ErrSignalingUnavailable)
	default:
	}
	return p.hub.route(p, ev)
}

func (p *Peer) deliver(ev Event) {
	select {
	case <-p.done:
		return
	default:
	}
	select {
	case p.queue <- ev:
	default:
		p.hub.logger.Warn().Str("peer", p.key).Str("type", string(ev.Type)).Msg("peer queue full, event dropped")
	}
}

func (p *Peer) run() {
	for {
		select {
		case <-p.done:
			return
		case ev := <-p.queue:
			p.handler(context.Background(), ev)
		}
	}
}

func (p *Peer) stop() {
	p.once.Do(func() { close(p.done) })
}

// Close detaches the peer. Queued events are discarded.
func (p *Peer) Close() {
	p.hub.detach(p)
	p.stop()
}

// Done is closed when the peer is detached, including when a newer peer
// replaced it.
func (p *Peer) Done() <-chan struct{} { return p.done }
