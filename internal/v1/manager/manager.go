// Package manager composes floor control and envelope routing into the
// conversation-floor service: incoming envelopes apply their floor effects
// in event order, then flow to recipients carrying the updated floor state.
package manager

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/openfloor-dev/floor-manager/internal/v1/envelope"
	"github.com/openfloor-dev/floor-manager/internal/v1/floor"
	"github.com/openfloor-dev/floor-manager/internal/v1/logging"
	"github.com/openfloor-dev/floor-manager/internal/v1/metrics"
	"github.com/openfloor-dev/floor-manager/internal/v1/router"
	"github.com/openfloor-dev/floor-manager/internal/v1/types"
)

// Option configures a Manager.
type Option func(*Manager)

// WithConvener names the speakerUri allowed to issue revokeFloor. Without a
// convener every revokeFloor event is ignored.
func WithConvener(uri types.SpeakerURIType) Option {
	return func(m *Manager) { m.convener = uri }
}

// Manager owns envelope processing for all conversations.
type Manager struct {
	control *floor.Control
	router  *router.Router

	convener types.SpeakerURIType

	// conversations where the convener role has been recorded
	convenerSeen sync.Map // types.ConversationIDType -> struct{}
}

// New creates a Manager over the given floor control and router.
func New(control *floor.Control, r *router.Router, opts ...Option) *Manager {
	m := &Manager{control: control, router: r}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Control exposes the underlying floor control for read-side transports.
func (m *Manager) Control() *floor.Control { return m.control }

// Router exposes the underlying router for handler registration.
func (m *Manager) Router() *router.Router { return m.router }

// ProcessEnvelope applies the envelope's floor-control events in array order,
// then routes the envelope. Recipients and observers see the post-mutation
// floor state. Returns true when any event mutated state or at least one
// delivery succeeded.
func (m *Manager) ProcessEnvelope(ctx context.Context, env *envelope.Envelope) bool {
	conversationID := env.Conversation.ID
	sender := env.Sender.SpeakerURI
	m.ensureConvenerRole(conversationID)

	mutated := false
	for _, ev := range env.Events {
		switch ev.EventType {
		case envelope.EventRequestFloor:
			priority := envelope.PriorityOf(ev)
			granted := m.control.RequestFloor(ctx, conversationID, sender, priority)
			if granted || m.control.QueuePosition(conversationID, sender) > 0 {
				mutated = true
			}
		case envelope.EventYieldFloor:
			if m.control.YieldFloor(ctx, conversationID, sender) {
				mutated = true
			}
		case envelope.EventRevokeFloor:
			if m.revokeFloor(ctx, conversationID, sender, ev) {
				mutated = true
			}
		default:
			// Forwarded as-is; no pre-routing effect.
		}
	}

	routed := m.router.Route(ctx, m.withFloorState(ctx, env))

	if mutated || routed {
		metrics.EnvelopesProcessed.WithLabelValues("handled").Inc()
	} else {
		metrics.EnvelopesProcessed.WithLabelValues("ignored").Inc()
	}
	return mutated || routed
}

// revokeFloor applies a revokeFloor event. Only the configured convener may
// revoke; anyone else's event is dropped with a warning.
func (m *Manager) revokeFloor(ctx context.Context, conversationID types.ConversationIDType, sender types.SpeakerURIType, ev envelope.Event) bool {
	if m.convener == "" || sender != m.convener {
		logging.Warn(ctx, "revokeFloor from non-convener ignored",
			zap.String("conversationId", string(conversationID)),
			zap.String("speakerUri", string(sender)))
		return false
	}
	reason := ev.Reason
	if reason == "" {
		reason = types.ReasonOverride
	}
	return m.control.Revoke(ctx, conversationID, reason)
}

// SendUtterance builds an utterance envelope on behalf of a sender and
// processes it. The built envelope is returned so callers can echo it.
func (m *Manager) SendUtterance(ctx context.Context, conversationID types.ConversationIDType, senderURI types.SpeakerURIType, senderServiceURL string, targetURI types.SpeakerURIType, targetServiceURL, text string, private bool) *envelope.Envelope {
	env := envelope.NewUtterance(conversationID, senderURI, senderServiceURL, targetURI, targetServiceURL, text, private)
	m.ProcessEnvelope(ctx, env)
	return env
}

// CreateEnvelope returns a valid envelope for the given sender and events.
func (m *Manager) CreateEnvelope(conversationID types.ConversationIDType, senderURI types.SpeakerURIType, senderServiceURL string, events ...envelope.Event) *envelope.Envelope {
	return envelope.New(conversationID, senderURI, senderServiceURL, events...)
}

// RemoveAgent drops an agent from delivery and from any floor queues, and
// yields the floor if the agent holds it. For use when an agent's connection
// goes away.
func (m *Manager) RemoveAgent(ctx context.Context, conversationID types.ConversationIDType, speakerURI types.SpeakerURIType) {
	m.router.Unregister(speakerURI)
	m.control.RemoveFromQueue(ctx, conversationID, speakerURI)
	if holder, ok := m.control.Holder(ctx, conversationID); ok && holder == speakerURI {
		m.control.Revoke(ctx, conversationID, types.ReasonUninvite)
	}
}

// withFloorState returns a copy of the envelope whose conversation block
// carries the current floor metadata, so recipients observe the state their
// envelope produced.
func (m *Manager) withFloorState(ctx context.Context, env *envelope.Envelope) *envelope.Envelope {
	md := m.control.Metadata(ctx, env.Conversation.ID)
	out := *env
	out.Conversation.AssignedFloorRoles = md.AssignedFloorRoles
	out.Conversation.FloorGranted = md.FloorGranted
	return &out
}

func (m *Manager) ensureConvenerRole(conversationID types.ConversationIDType) {
	if m.convener == "" {
		return
	}
	if _, seen := m.convenerSeen.LoadOrStore(conversationID, struct{}{}); !seen {
		m.control.AssignRole(conversationID, "convener", m.convener)
	}
}
