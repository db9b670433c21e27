package types

import (
	"context"
	"time"
)

// --- Core Domain Types ---

// ConversationIDType represents a stable identifier for a conversation.
type ConversationIDType string

// SpeakerURIType represents a globally unique, persistent agent identifier
// (typically a tag: URI).
type SpeakerURIType string

// TransitionKind classifies a floor state change.
type TransitionKind string

// Transition kinds emitted by the floor control state machine.
const (
	TransitionGranted  TransitionKind = "granted"
	TransitionRevoked  TransitionKind = "revoked"
	TransitionReleased TransitionKind = "released"
)

// Reason tokens carried on floor control events and revoke transitions.
const (
	ReasonTimeout  = "@timeout"
	ReasonOverride = "@override"
	ReasonComplete = "@complete"
	ReasonUninvite = "@uninvite"
)

// QueuedRequest is a queue snapshot entry exposed to observers.
type QueuedRequest struct {
	SpeakerURI SpeakerURIType `json:"speakerUri"`
	Priority   int            `json:"priority"`
}

// Transition is a floor state-change record. One is published for every
// mutation of a conversation's floor state, in mutation order.
type Transition struct {
	ConversationID ConversationIDType `json:"conversation_id"`
	Kind           TransitionKind     `json:"kind"`
	SpeakerURI     SpeakerURIType     `json:"speakerUri"`
	Reason         string             `json:"reason,omitempty"`
	HolderAfter    SpeakerURIType     `json:"holder_after,omitempty"`
	QueueAfter     []QueuedRequest    `json:"queue_after"`
	Timestamp      time.Time          `json:"timestamp"`
}

// --- Shared Interfaces ---

// TransitionPublisher receives transition records from floor control.
// Publish must never block the caller.
type TransitionPublisher interface {
	Publish(t Transition)
}

// BusService defines the interface for the optional cross-instance relay of
// transition records. Implementations degrade to no-ops when unavailable.
type BusService interface {
	PublishTransition(ctx context.Context, t Transition) error
	Ping(ctx context.Context) error
	Close() error
}
