package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/ChuLiYu/tickcast/pkg/types"
	"github.com/google/uuid"
)

var (
	// ErrSlowConsumer is reported by a subscription pruned because its buffer filled.
	ErrSlowConsumer = errors.New("observer too slow, dropped")
	// ErrHubClosed is reported by subscriptions closed by Hub.Close.
	ErrHubClosed = errors.New("hub closed")
)

// Metrics receives observer counts and drops. A nil Metrics is allowed.
type Metrics interface {
	SetObservers(transport string, n int)
	RecordBroadcastDrop(transport string)
}

// Config tunes the hub.
type Config struct {
	BufferSize int // per-subscriber event buffer, default 64
	Logger     *slog.Logger
	Metrics    Metrics
}

// Subscription is one observer's view of the event stream.
type Subscription struct {
	ID        string
	Transport types.Transport

	ch   chan types.Event
	hub  *Hub
	stop func() bool // releases the context.AfterFunc registration

	// guarded by hub.mu
	closed bool
	err    error
}

// Events returns the event channel. It is closed when the subscription ends.
func (s *Subscription) Events() <-chan types.Event {
	return s.ch
}

// Close removes the subscription from the hub. Safe to call more than once.
func (s *Subscription) Close() {
	s.hub.Unsubscribe(s.ID)
}

// Err reports why the subscription ended: nil for a normal close,
// ErrSlowConsumer or ErrHubClosed otherwise.
func (s *Subscription) Err() error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	return s.err
}

// Hub tracks subscribers per transport and broadcasts events to them.
type Hub struct {
	cfg Config
	log *slog.Logger

	mu     sync.Mutex
	subs   map[types.Transport]map[string]*Subscription
	byID   map[string]*Subscription
	closed bool
}

// New creates an empty hub.
func New(cfg Config) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 64
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	h := &Hub{
		cfg:  cfg,
		log:  cfg.Logger,
		subs: make(map[types.Transport]map[string]*Subscription),
		byID: make(map[string]*Subscription),
	}
	for _, tr := range types.Transports {
		h.subs[tr] = make(map[string]*Subscription)
	}
	return h
}

// Subscribe registers an observer on transport. The returned subscription's
// first event is a bootstrap carrying the given snapshot. When ctx ends the
// subscription is removed without waiting for a failed write.
func (h *Hub) Subscribe(ctx context.Context, transport types.Transport, bootstrap []types.Timer) *Subscription {
	sub := &Subscription{
		ID:        uuid.NewString(),
		Transport: transport,
		ch:        make(chan types.Event, h.cfg.BufferSize),
		hub:       h,
	}
	sub.ch <- types.NewBootstrap(bootstrap)

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		sub.closed = true
		sub.err = ErrHubClosed
		close(sub.ch)
		return sub
	}

	set, ok := h.subs[transport]
	if !ok {
		set = make(map[string]*Subscription)
		h.subs[transport] = set
	}
	set[sub.ID] = sub
	h.byID[sub.ID] = sub
	// a context that is already done fires immediately and waits for h.mu
	sub.stop = context.AfterFunc(ctx, func() { h.Unsubscribe(sub.ID) })

	h.reportLocked(transport)
	h.log.Debug("Observer subscribed", "subscriber", sub.ID, "transport", transport)
	return sub
}

// Unsubscribe removes a subscriber and closes its channel. Unknown IDs are ignored.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	sub, ok := h.byID[id]
	if !ok {
		h.mu.Unlock()
		return
	}
	h.removeLocked(sub, nil)
	stop := sub.stop
	h.mu.Unlock()

	if stop != nil {
		stop()
	}
	h.log.Debug("Observer unsubscribed", "subscriber", id, "transport", sub.Transport)
}

// Publish delivers event to every subscriber. A subscriber whose buffer is
// full is pruned; the others are unaffected.
func (h *Hub) Publish(event types.Event) {
	var stops []func() bool

	h.mu.Lock()
	for transport, set := range h.subs {
		for _, sub := range set {
			select {
			case sub.ch <- event:
			default:
				h.removeLocked(sub, ErrSlowConsumer)
				if sub.stop != nil {
					stops = append(stops, sub.stop)
				}
				if h.cfg.Metrics != nil {
					h.cfg.Metrics.RecordBroadcastDrop(string(transport))
				}
				h.log.Warn("Dropping slow observer",
					"subscriber", sub.ID,
					"transport", transport,
					"event", event.Type)
			}
		}
	}
	h.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
}

// Counts returns the number of connected observers per transport.
func (h *Hub) Counts() map[types.Transport]int {
	h.mu.Lock()
	defer h.mu.Unlock()

	counts := make(map[types.Transport]int, len(h.subs))
	for transport, set := range h.subs {
		counts[transport] = len(set)
	}
	return counts
}

// Total returns the number of connected observers across transports.
func (h *Hub) Total() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.byID)
}

// Close ends every subscription. Later subscriptions are returned closed.
func (h *Hub) Close() {
	var stops []func() bool

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	for _, sub := range h.byID {
		h.removeLocked(sub, ErrHubClosed)
		if sub.stop != nil {
			stops = append(stops, sub.stop)
		}
	}
	h.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
}

func (h *Hub) removeLocked(sub *Subscription, reason error) {
	if sub.closed {
		return
	}
	sub.closed = true
	sub.err = reason
	close(sub.ch)

	delete(h.byID, sub.ID)
	delete(h.subs[sub.Transport], sub.ID)
	h.reportLocked(sub.Transport)
}

func (h *Hub) reportLocked(transport types.Transport) {
	if h.cfg.Metrics != nil {
		h.cfg.Metrics.SetObservers(string(transport), len(h.subs[transport]))
	}
}
