// Package floor implements the per-conversation floor control state machine:
// exclusive speaking-right arbitration with a priority queue, lazy hold
// timeouts, and involuntary revocation.
package floor

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openfloor-dev/floor-manager/internal/v1/logging"
	"github.com/openfloor-dev/floor-manager/internal/v1/metrics"
	"github.com/openfloor-dev/floor-manager/internal/v1/types"
)

// holder records the current floor holder of a conversation.
type holder struct {
	speakerURI types.SpeakerURIType
	grantedAt  time.Time
}

// request is a pending floor request.
type request struct {
	speakerURI types.SpeakerURIType
	priority   int
	timestamp  time.Time
}

// conversationState is the floor state of one conversation. Created lazily
// on first request or grant; mutated under its own lock so conversations
// proceed independently.
type conversationState struct {
	mu                 sync.Mutex
	holder             *holder
	queue              []request
	assignedFloorRoles map[string][]types.SpeakerURIType
}

// Metadata is the conversation-level floor metadata exposed to transports.
type Metadata struct {
	AssignedFloorRoles map[string][]types.SpeakerURIType `json:"assignedFloorRoles"`
	FloorGranted       []types.SpeakerURIType            `json:"floorGranted"`
}

// Control arbitrates the floor for any number of conversations.
type Control struct {
	mu     sync.RWMutex
	states map[types.ConversationIDType]*conversationState

	maxHoldTime time.Duration
	queueMax    int

	publisher types.TransitionPublisher
	bus       types.BusService

	publishChan chan struct{} // limits concurrent bus publishes
	wg          sync.WaitGroup

	now func() time.Time
}

// NewControl creates a Control. publisher receives every transition record;
// bus, when non-nil, gets a best-effort copy for external observers.
func NewControl(maxHoldTime time.Duration, queueMax int, publisher types.TransitionPublisher, bus types.BusService) *Control {
	return &Control{
		states:      make(map[types.ConversationIDType]*conversationState),
		maxHoldTime: maxHoldTime,
		queueMax:    queueMax,
		publisher:   publisher,
		bus:         bus,
		publishChan: make(chan struct{}, 100),
		now:         time.Now,
	}
}

// state returns the conversation state, creating it on first use.
func (c *Control) state(conversationID types.ConversationIDType) *conversationState {
	c.mu.RLock()
	st, ok := c.states[conversationID]
	c.mu.RUnlock()
	if ok {
		return st
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok = c.states[conversationID]; ok {
		return st
	}
	st = &conversationState{assignedFloorRoles: make(map[string][]types.SpeakerURIType)}
	c.states[conversationID] = st
	metrics.ActiveConversations.Inc()
	return st
}

// lookup returns the conversation state without creating it.
func (c *Control) lookup(conversationID types.ConversationIDType) *conversationState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.states[conversationID]
}

// RequestFloor requests the floor for a speaker. Returns true when granted
// immediately; false when queued or refused because the queue is at capacity.
func (c *Control) RequestFloor(ctx context.Context, conversationID types.ConversationIDType, speakerURI types.SpeakerURIType, priority int) bool {
	logging.Info(ctx, "Floor request received",
		zap.String("conversationId", string(conversationID)),
		zap.String("speakerUri", string(speakerURI)),
		zap.Int("priority", priority))

	st := c.state(conversationID)
	st.mu.Lock()
	defer st.mu.Unlock()

	c.expireLocked(ctx, conversationID, st)

	if st.holder == nil {
		c.grantLocked(ctx, conversationID, st, speakerURI)
		return true
	}

	if len(st.queue) >= c.queueMax {
		logging.Warn(ctx, "Floor queue full, refusing request",
			zap.String("conversationId", string(conversationID)),
			zap.String("speakerUri", string(speakerURI)),
			zap.Int("maxSize", c.queueMax))
		metrics.FloorQueueOverflows.Inc()
		return false
	}

	st.queue = append(st.queue, request{
		speakerURI: speakerURI,
		priority:   priority,
		timestamp:  c.now(),
	})
	// Stable: equal (priority, timestamp) pairs keep arrival order.
	sort.SliceStable(st.queue, func(i, j int) bool {
		if st.queue[i].priority != st.queue[j].priority {
			return st.queue[i].priority > st.queue[j].priority
		}
		return st.queue[i].timestamp.Before(st.queue[j].timestamp)
	})
	metrics.FloorQueueDepth.WithLabelValues(string(conversationID)).Set(float64(len(st.queue)))

	return false
}

// YieldFloor releases the floor. Only the current holder may yield; any
// other caller is ignored. The queue head, if any, is promoted.
func (c *Control) YieldFloor(ctx context.Context, conversationID types.ConversationIDType, speakerURI types.SpeakerURIType) bool {
	logging.Info(ctx, "Floor yield received",
		zap.String("conversationId", string(conversationID)),
		zap.String("speakerUri", string(speakerURI)))

	st := c.lookup(conversationID)
	if st == nil {
		return false
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.holder == nil || st.holder.speakerURI != speakerURI {
		return false
	}

	st.holder = nil
	next := c.peekLocked(st)
	c.publishTransition(ctx, types.Transition{
		ConversationID: conversationID,
		Kind:           types.TransitionReleased,
		SpeakerURI:     speakerURI,
		HolderAfter:    next,
		QueueAfter:     c.queueSnapshotLocked(st, next != ""),
		Timestamp:      c.now(),
	})

	c.promoteLocked(ctx, conversationID, st)
	return true
}

// Holder returns the current floor holder. An expired hold is revoked with
// reason @timeout before answering, so the returned holder may be a freshly
// promoted queue head.
func (c *Control) Holder(ctx context.Context, conversationID types.ConversationIDType) (types.SpeakerURIType, bool) {
	st := c.lookup(conversationID)
	if st == nil {
		return "", false
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	c.expireLocked(ctx, conversationID, st)

	if st.holder == nil {
		return "", false
	}
	return st.holder.speakerURI, true
}

// Revoke forcibly clears the current holder with the given reason token and
// promotes the queue head. Returns false when nobody holds the floor.
func (c *Control) Revoke(ctx context.Context, conversationID types.ConversationIDType, reason string) bool {
	st := c.lookup(conversationID)
	if st == nil {
		return false
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.holder == nil {
		return false
	}
	c.revokeLocked(ctx, conversationID, st, reason)
	return true
}

// Metadata returns the conversation's assignedFloorRoles and floorGranted.
// floorGranted is a length-0-or-1 sequence; the state machine grants a
// single holder even though the wire format admits several.
func (c *Control) Metadata(ctx context.Context, conversationID types.ConversationIDType) Metadata {
	md := Metadata{
		AssignedFloorRoles: map[string][]types.SpeakerURIType{},
		FloorGranted:       []types.SpeakerURIType{},
	}

	st := c.lookup(conversationID)
	if st == nil {
		return md
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	c.expireLocked(ctx, conversationID, st)

	for role, uris := range st.assignedFloorRoles {
		md.AssignedFloorRoles[role] = append([]types.SpeakerURIType(nil), uris...)
	}
	if st.holder != nil {
		md.FloorGranted = []types.SpeakerURIType{st.holder.speakerURI}
	}
	return md
}

// AssignRole records a floor role assignment (e.g. "convener") surfaced in
// conversation metadata.
func (c *Control) AssignRole(conversationID types.ConversationIDType, role string, uris ...types.SpeakerURIType) {
	st := c.state(conversationID)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.assignedFloorRoles[role] = append([]types.SpeakerURIType(nil), uris...)
}

// QueueSnapshot returns the pending requests of a conversation in grant order.
func (c *Control) QueueSnapshot(conversationID types.ConversationIDType) []types.QueuedRequest {
	st := c.lookup(conversationID)
	if st == nil {
		return []types.QueuedRequest{}
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return c.queueSnapshotLocked(st, false)
}

// QueuePosition returns the 1-based position of the first queued request by
// the given speaker, or 0 when the speaker is not queued.
func (c *Control) QueuePosition(conversationID types.ConversationIDType, speakerURI types.SpeakerURIType) int {
	st := c.lookup(conversationID)
	if st == nil {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	for i, r := range st.queue {
		if r.speakerURI == speakerURI {
			return i + 1
		}
	}
	return 0
}

// RemoveFromQueue drops every pending request by the given speaker, e.g.
// when the speaker leaves the conversation. Returns true when anything was
// removed.
func (c *Control) RemoveFromQueue(ctx context.Context, conversationID types.ConversationIDType, speakerURI types.SpeakerURIType) bool {
	st := c.lookup(conversationID)
	if st == nil {
		return false
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	kept := st.queue[:0]
	for _, r := range st.queue {
		if r.speakerURI != speakerURI {
			kept = append(kept, r)
		}
	}
	removed := len(kept) < len(st.queue)
	st.queue = kept

	if removed {
		metrics.FloorQueueDepth.WithLabelValues(string(conversationID)).Set(float64(len(st.queue)))
		logging.Info(ctx, "Speaker removed from floor queue",
			zap.String("conversationId", string(conversationID)),
			zap.String("speakerUri", string(speakerURI)))
	}
	return removed
}

// --- Internal state machine steps. Callers hold st.mu. ---

// expireLocked enforces the lazy hold timeout: an overdue holder is revoked
// with reason @timeout and the queue head promoted.
func (c *Control) expireLocked(ctx context.Context, conversationID types.ConversationIDType, st *conversationState) {
	if st.holder == nil || c.maxHoldTime <= 0 {
		return
	}
	if c.now().Sub(st.holder.grantedAt) > c.maxHoldTime {
		c.revokeLocked(ctx, conversationID, st, types.ReasonTimeout)
	}
}

func (c *Control) grantLocked(ctx context.Context, conversationID types.ConversationIDType, st *conversationState, speakerURI types.SpeakerURIType) {
	st.holder = &holder{speakerURI: speakerURI, grantedAt: c.now()}

	logging.Info(ctx, "Floor granted",
		zap.String("conversationId", string(conversationID)),
		zap.String("speakerUri", string(speakerURI)))
	metrics.FloorGrants.Inc()

	c.publishTransition(ctx, types.Transition{
		ConversationID: conversationID,
		Kind:           types.TransitionGranted,
		SpeakerURI:     speakerURI,
		HolderAfter:    speakerURI,
		QueueAfter:     c.queueSnapshotLocked(st, false),
		Timestamp:      c.now(),
	})
}

func (c *Control) revokeLocked(ctx context.Context, conversationID types.ConversationIDType, st *conversationState, reason string) {
	revoked := st.holder.speakerURI
	st.holder = nil

	logging.Warn(ctx, "Floor revoked",
		zap.String("conversationId", string(conversationID)),
		zap.String("speakerUri", string(revoked)),
		zap.String("reason", reason))
	metrics.FloorRevocations.WithLabelValues(reason).Inc()

	next := c.peekLocked(st)
	c.publishTransition(ctx, types.Transition{
		ConversationID: conversationID,
		Kind:           types.TransitionRevoked,
		SpeakerURI:     revoked,
		Reason:         reason,
		HolderAfter:    next,
		QueueAfter:     c.queueSnapshotLocked(st, next != ""),
		Timestamp:      c.now(),
	})

	c.promoteLocked(ctx, conversationID, st)
}

// promoteLocked pops the queue head, if any, and grants it the floor.
func (c *Control) promoteLocked(ctx context.Context, conversationID types.ConversationIDType, st *conversationState) {
	if len(st.queue) == 0 {
		return
	}
	next := st.queue[0]
	st.queue = st.queue[1:]
	metrics.FloorQueueDepth.WithLabelValues(string(conversationID)).Set(float64(len(st.queue)))
	c.grantLocked(ctx, conversationID, st, next.speakerURI)
}

func (c *Control) peekLocked(st *conversationState) types.SpeakerURIType {
	if len(st.queue) == 0 {
		return ""
	}
	return st.queue[0].speakerURI
}

// queueSnapshotLocked copies the queue; with skipHead it reflects the state
// after the imminent promotion of the head.
func (c *Control) queueSnapshotLocked(st *conversationState, skipHead bool) []types.QueuedRequest {
	q := st.queue
	if skipHead && len(q) > 0 {
		q = q[1:]
	}
	out := make([]types.QueuedRequest, 0, len(q))
	for _, r := range q {
		out = append(out, types.QueuedRequest{SpeakerURI: r.speakerURI, Priority: r.priority})
	}
	return out
}

// publishTransition hands the record to the in-process hub synchronously and
// to the optional bus asynchronously, never blocking the state machine.
func (c *Control) publishTransition(ctx context.Context, t types.Transition) {
	if c.publisher != nil {
		c.publisher.Publish(t)
	}

	if c.bus == nil {
		return
	}
	select {
	case c.publishChan <- struct{}{}:
		c.wg.Add(1)
		go func() {
			defer func() {
				<-c.publishChan
				c.wg.Done()
			}()
			if err := c.bus.PublishTransition(context.Background(), t); err != nil {
				logging.Error(context.Background(), "Bus publish failed",
					zap.String("conversationId", string(t.ConversationID)), zap.Error(err))
			}
		}()
	default:
		logging.Warn(ctx, "Dropping bus publish - queue full",
			zap.String("conversationId", string(t.ConversationID)))
	}
}

// Shutdown waits for in-flight bus publishes to drain.
func (c *Control) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.wg.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
