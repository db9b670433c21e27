// Package status implements real-time fan-out of floor transition records
// to subscribed observers, one bounded FIFO stream per subscription.
package status

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/openfloor-dev/floor-manager/internal/v1/logging"
	"github.com/openfloor-dev/floor-manager/internal/v1/metrics"
	"github.com/openfloor-dev/floor-manager/internal/v1/types"
)

// Record types delivered on a subscription stream.
const (
	RecordTransition = "transition"
	RecordHeartbeat  = "heartbeat"
)

// Record is a single delivery on a subscription stream: either a floor
// transition or a heartbeat keeping long-lived transports alive.
type Record struct {
	Type       string            `json:"type"`
	Transition *types.Transition `json:"transition,omitempty"`
	Lag        uint64            `json:"lag,omitempty"`
}

// Subscription is a bounded, FIFO-delivering stream of records for one
// conversation. Obtain via Hub.Subscribe; release via Hub.Unsubscribe.
type Subscription struct {
	conversationID types.ConversationIDType

	ch   chan Record
	stop chan struct{}

	mu       sync.Mutex // serializes producers (publish, heartbeat, close)
	closed   bool
	lag      uint64
	lastSend atomic.Int64 // unix nanos of the last successful delivery
}

// C returns the receive side of the subscription stream. The channel is
// closed when the subscription is released.
func (s *Subscription) C() <-chan Record {
	return s.ch
}

// ConversationID returns the conversation this subscription observes.
func (s *Subscription) ConversationID() types.ConversationIDType {
	return s.conversationID
}

// LagCount returns the number of records dropped for this subscriber so far.
func (s *Subscription) LagCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lag
}

// send enqueues a record without ever blocking. When the buffer is full the
// oldest buffered record is dropped and the lag counter incremented; the lag
// value rides on the next delivered record.
func (s *Subscription) send(rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	rec.Lag = s.lag
	select {
	case s.ch <- rec:
	default:
		select {
		case <-s.ch:
			s.lag++
			metrics.DroppedTransitions.Inc()
		default:
		}
		rec.Lag = s.lag
		select {
		case s.ch <- rec:
		default:
		}
	}
	s.lastSend.Store(time.Now().UnixNano())
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	close(s.stop)
	close(s.ch)
}

// Hub publishes transition records to per-conversation subscribers.
// It implements types.TransitionPublisher.
type Hub struct {
	mu   sync.RWMutex
	subs map[types.ConversationIDType]map[*Subscription]struct{}

	bufferSize        int
	heartbeatInterval time.Duration

	wg sync.WaitGroup
}

// NewHub creates a Hub with the given per-subscriber buffer size and
// heartbeat interval.
func NewHub(bufferSize int, heartbeatInterval time.Duration) *Hub {
	return &Hub{
		subs:              make(map[types.ConversationIDType]map[*Subscription]struct{}),
		bufferSize:        bufferSize,
		heartbeatInterval: heartbeatInterval,
	}
}

// Subscribe returns a new subscription for the given conversation.
func (h *Hub) Subscribe(conversationID types.ConversationIDType) *Subscription {
	sub := &Subscription{
		conversationID: conversationID,
		ch:             make(chan Record, h.bufferSize),
		stop:           make(chan struct{}),
	}
	sub.lastSend.Store(time.Now().UnixNano())

	h.mu.Lock()
	if _, ok := h.subs[conversationID]; !ok {
		h.subs[conversationID] = make(map[*Subscription]struct{})
	}
	h.subs[conversationID][sub] = struct{}{}
	h.mu.Unlock()

	metrics.ActiveSubscriptions.Inc()

	h.wg.Add(1)
	go h.heartbeatLoop(sub)

	logging.Info(context.Background(), "Subscription created",
		zap.String("conversationId", string(conversationID)))
	return sub
}

// Unsubscribe releases a subscription. Idempotent.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	h.mu.Lock()
	set, ok := h.subs[sub.conversationID]
	if ok {
		if _, present := set[sub]; present {
			delete(set, sub)
			if len(set) == 0 {
				delete(h.subs, sub.conversationID)
			}
			metrics.ActiveSubscriptions.Dec()
		} else {
			ok = false
		}
	}
	h.mu.Unlock()

	if ok {
		sub.close()
	}
}

// Publish delivers a transition to every subscriber of its conversation.
// Never blocks; a slow subscriber loses its own oldest records only.
func (h *Hub) Publish(t types.Transition) {
	h.mu.RLock()
	set := h.subs[t.ConversationID]
	targets := make([]*Subscription, 0, len(set))
	for sub := range set {
		targets = append(targets, sub)
	}
	h.mu.RUnlock()

	rec := Record{Type: RecordTransition, Transition: &t}
	for _, sub := range targets {
		sub.send(rec)
	}
}

// SubscriberCount returns the number of live subscriptions for a conversation.
func (h *Hub) SubscriberCount(conversationID types.ConversationIDType) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[conversationID])
}

// Shutdown releases every subscription and waits for heartbeat loops to exit.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	var all []*Subscription
	for _, set := range h.subs {
		for sub := range set {
			all = append(all, sub)
		}
	}
	h.subs = make(map[types.ConversationIDType]map[*Subscription]struct{})
	h.mu.Unlock()

	for _, sub := range all {
		metrics.ActiveSubscriptions.Dec()
		sub.close()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.wg.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// heartbeatLoop emits a heartbeat record whenever a subscription has seen no
// delivery for a full heartbeat interval.
func (h *Hub) heartbeatLoop(sub *Subscription) {
	defer h.wg.Done()

	// Tick at half the interval so silence never stretches much past it.
	tick := h.heartbeatInterval / 2
	if tick <= 0 {
		tick = h.heartbeatInterval
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-sub.stop:
			return
		case <-ticker.C:
			elapsed := time.Since(time.Unix(0, sub.lastSend.Load()))
			if elapsed >= h.heartbeatInterval {
				sub.send(Record{Type: RecordHeartbeat})
			}
		}
	}
}
