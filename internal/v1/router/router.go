// Package router dispatches conversation envelopes to registered recipient
// handlers: per-event recipient resolution, concurrent bounded delivery,
// per-delivery timeouts, and panic containment.
package router

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/openfloor-dev/floor-manager/internal/v1/envelope"
	"github.com/openfloor-dev/floor-manager/internal/v1/logging"
	"github.com/openfloor-dev/floor-manager/internal/v1/metrics"
	"github.com/openfloor-dev/floor-manager/internal/v1/types"
)

// Handler receives an envelope addressed to one recipient. The context
// carries the per-delivery deadline.
type Handler func(ctx context.Context, env *envelope.Envelope) error

type registration struct {
	handler    Handler
	serviceURL string
}

// Router maps speakerUris to delivery handlers. Registration is for envelope
// delivery only; it does not make an agent a conversation participant.
type Router struct {
	mu     sync.RWMutex
	routes map[types.SpeakerURIType]registration

	deliveryTimeout time.Duration
	sem             chan struct{} // bounds in-flight deliveries
}

// New creates a Router with the given per-delivery timeout and in-flight
// delivery cap.
func New(deliveryTimeout time.Duration, queueSize int) *Router {
	return &Router{
		routes:          make(map[types.SpeakerURIType]registration),
		deliveryTimeout: deliveryTimeout,
		sem:             make(chan struct{}, queueSize),
	}
}

// Register installs a delivery handler for a speakerUri. Last write wins.
// serviceURL, when non-empty, also matches events addressed by serviceUrl.
func (r *Router) Register(speakerURI types.SpeakerURIType, serviceURL string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[speakerURI] = registration{handler: h, serviceURL: serviceURL}
}

// Unregister removes a speakerUri's handler. Unknown uris are ignored.
func (r *Router) Unregister(speakerURI types.SpeakerURIType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.routes, speakerURI)
}

// Registered reports whether a handler is installed for the speakerUri.
func (r *Router) Registered(speakerURI types.SpeakerURIType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.routes[speakerURI]
	return ok
}

// Route delivers an envelope to every recipient with at least one matching
// event. Broadcast events (no addressing block) reach all registered
// recipients except the sender; addressed events reach exactly their target.
// Each recipient receives a copy holding only its events, so a privately
// addressed utterance is never visible to bystanders. Deliveries run
// concurrently; Route waits for them and returns true iff at least one
// handler completed successfully.
func (r *Router) Route(ctx context.Context, env *envelope.Envelope) bool {
	r.mu.RLock()
	targets := make(map[types.SpeakerURIType]registration, len(r.routes))
	for uri, reg := range r.routes {
		targets[uri] = reg
	}
	r.mu.RUnlock()

	r.warnUnknownRecipients(ctx, env, targets)

	var routed atomic.Bool
	var wg sync.WaitGroup

	for uri, reg := range targets {
		if uri == env.Sender.SpeakerURI {
			continue
		}
		events := env.EventsFor(uri, reg.serviceURL)
		if len(events) == 0 {
			continue
		}

		select {
		case r.sem <- struct{}{}:
		default:
			logging.Warn(ctx, "Delivery rejected - dispatch queue full",
				zap.String("conversationId", string(env.Conversation.ID)),
				zap.String("recipient", string(uri)))
			metrics.RouterDeliveries.WithLabelValues("backpressure").Inc()
			continue
		}

		view := *env
		view.Events = events

		wg.Add(1)
		go func(uri types.SpeakerURIType, reg registration, view envelope.Envelope) {
			defer wg.Done()
			defer func() { <-r.sem }()
			if r.deliver(ctx, uri, reg.handler, &view) {
				routed.Store(true)
			}
		}(uri, reg, view)
	}

	wg.Wait()
	return routed.Load()
}

// deliver invokes one handler under the per-delivery timeout. On expiry the
// handler goroutine is abandoned; it should honor ctx cancellation.
func (r *Router) deliver(ctx context.Context, uri types.SpeakerURIType, h Handler, env *envelope.Envelope) bool {
	deliveryCtx, cancel := context.WithTimeout(ctx, r.deliveryTimeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- fmt.Errorf("handler panic: %v", rec)
			}
		}()
		done <- h(deliveryCtx, env)
	}()

	select {
	case err := <-done:
		metrics.DeliveryDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			logging.Error(ctx, "Envelope delivery failed",
				zap.String("conversationId", string(env.Conversation.ID)),
				zap.String("recipient", string(uri)),
				zap.String("eventType", string(env.Events[0].EventType)),
				zap.Error(err))
			metrics.RouterDeliveries.WithLabelValues("error").Inc()
			return false
		}
		metrics.RouterDeliveries.WithLabelValues("success").Inc()
		return true
	case <-deliveryCtx.Done():
		logging.Error(ctx, "Envelope delivery timed out",
			zap.String("conversationId", string(env.Conversation.ID)),
			zap.String("recipient", string(uri)),
			zap.Duration("timeout", r.deliveryTimeout))
		metrics.RouterDeliveries.WithLabelValues("timeout").Inc()
		return false
	}
}

// warnUnknownRecipients logs addressed events whose target has no handler.
// Routing continues; delivery to the rest is unaffected.
func (r *Router) warnUnknownRecipients(ctx context.Context, env *envelope.Envelope, targets map[types.SpeakerURIType]registration) {
	for _, ev := range env.Events {
		if ev.To == nil || ev.To.SpeakerURI == "" {
			continue
		}
		if _, ok := targets[ev.To.SpeakerURI]; !ok {
			logging.Warn(ctx, "Event addressed to unregistered recipient",
				zap.String("conversationId", string(env.Conversation.ID)),
				zap.String("recipient", string(ev.To.SpeakerURI)),
				zap.String("eventType", string(ev.EventType)))
		}
	}
}
