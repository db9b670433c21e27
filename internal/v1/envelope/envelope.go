// Package envelope implements the Open Floor conversation envelope wire
// format: parsing, validation, addressing queries, and builders.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/openfloor-dev/floor-manager/internal/v1/types"
)

// SchemaVersion is the protocol version tag emitted by this implementation.
const SchemaVersion = "1.1.0"

// ErrMalformedEnvelope is returned when a document fails parsing or is
// missing required fields.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// EventType identifies a single protocol action within an envelope.
type EventType string

// The closed set of event types.
const (
	EventUtterance        EventType = "utterance"
	EventContext          EventType = "context"
	EventInvite           EventType = "invite"
	EventUninvite         EventType = "uninvite"
	EventAcceptInvite     EventType = "acceptInvite"
	EventDeclineInvite    EventType = "declineInvite"
	EventBye              EventType = "bye"
	EventGetManifests     EventType = "getManifests"
	EventPublishManifests EventType = "publishManifests"
	EventRequestFloor     EventType = "requestFloor"
	EventGrantFloor       EventType = "grantFloor"
	EventRevokeFloor      EventType = "revokeFloor"
	EventYieldFloor       EventType = "yieldFloor"
)

var validEventTypes = map[EventType]struct{}{
	EventUtterance:        {},
	EventContext:          {},
	EventInvite:           {},
	EventUninvite:         {},
	EventAcceptInvite:     {},
	EventDeclineInvite:    {},
	EventBye:              {},
	EventGetManifests:     {},
	EventPublishManifests: {},
	EventRequestFloor:     {},
	EventGrantFloor:       {},
	EventRevokeFloor:      {},
	EventYieldFloor:       {},
}

// IsValidEventType reports whether s spells a member of the closed event set.
func IsValidEventType(s EventType) bool {
	_, ok := validEventTypes[s]
	return ok
}

// Schema carries the protocol version tag.
type Schema struct {
	Version string `json:"version"`
	URL     string `json:"url,omitempty"`
}

// Identification describes an agent's identity.
type Identification struct {
	SpeakerURI         types.SpeakerURIType `json:"speakerUri"`
	ServiceURL         string               `json:"serviceUrl,omitempty"`
	Organization       string               `json:"organization,omitempty"`
	ConversationalName string               `json:"conversationalName,omitempty"`
	Department         string               `json:"department,omitempty"`
	Role               string               `json:"role,omitempty"`
	Synopsis           string               `json:"synopsis,omitempty"`
}

// Conversant is a conversation participant record.
type Conversant struct {
	Identification  Identification         `json:"identification"`
	PersistentState map[string]any         `json:"persistentState,omitempty"`
}

// Conversation identifies the conversation an envelope belongs to.
type Conversation struct {
	ID                 types.ConversationIDType          `json:"id"`
	Conversants        []Conversant                      `json:"conversants,omitempty"`
	AssignedFloorRoles map[string][]types.SpeakerURIType `json:"assignedFloorRoles,omitempty"`
	FloorGranted       []types.SpeakerURIType            `json:"floorGranted,omitempty"`
}

// Sender identifies the agent that emitted an envelope.
type Sender struct {
	SpeakerURI types.SpeakerURIType `json:"speakerUri"`
	ServiceURL string               `json:"serviceUrl,omitempty"`
}

// To is the optional addressing block of an event. When absent the event is
// a broadcast to all non-sender recipients.
type To struct {
	SpeakerURI types.SpeakerURIType `json:"speakerUri,omitempty"`
	ServiceURL string               `json:"serviceUrl,omitempty"`
	Private    bool                 `json:"private,omitempty"`
}

// Event is a single action within an envelope. Parameters are schema-free;
// extraction is type-directed at the edges that care.
type Event struct {
	To         *To            `json:"to,omitempty"`
	EventType  EventType      `json:"eventType"`
	Reason     string         `json:"reason,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Envelope is a single immutable conversation message. Treat a parsed
// envelope as read-only; it is safe to share across concurrent readers.
type Envelope struct {
	Schema       Schema       `json:"schema"`
	Conversation Conversation `json:"conversation"`
	Sender       Sender       `json:"sender"`
	Events       []Event      `json:"events"`
}

// document is the wrapped wire form.
type document struct {
	OpenFloor *Envelope `json:"openFloor"`
}

// Parse decodes and validates an envelope document. Both the wrapped
// {"openFloor": {...}} form and the bare object are accepted.
func Parse(data []byte) (*Envelope, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err == nil && doc.OpenFloor != nil {
		if err := doc.OpenFloor.Validate(); err != nil {
			return nil, err
		}
		return doc.OpenFloor, nil
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// Validate checks required fields and the event type closed set.
func (e *Envelope) Validate() error {
	if e.Conversation.ID == "" {
		return fmt.Errorf("%w: missing conversation.id", ErrMalformedEnvelope)
	}
	if e.Sender.SpeakerURI == "" {
		return fmt.Errorf("%w: missing sender.speakerUri", ErrMalformedEnvelope)
	}
	if len(e.Events) == 0 {
		return fmt.Errorf("%w: events must not be empty", ErrMalformedEnvelope)
	}
	for i, ev := range e.Events {
		if !IsValidEventType(ev.EventType) {
			return fmt.Errorf("%w: unknown eventType %q at index %d", ErrMalformedEnvelope, ev.EventType, i)
		}
	}
	return nil
}

// Encode serializes the envelope in the wrapped wire form, omitting absent
// fields.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(document{OpenFloor: e})
}

// EventsFor returns, in original order, every event whose addressing block
// is absent or matches the given speakerUri (or serviceUrl, when provided).
func (e *Envelope) EventsFor(speakerURI types.SpeakerURIType, serviceURL string) []Event {
	var out []Event
	for _, ev := range e.Events {
		if ev.To == nil {
			out = append(out, ev)
			continue
		}
		if ev.To.SpeakerURI == speakerURI {
			out = append(out, ev)
			continue
		}
		if serviceURL != "" && ev.To.ServiceURL == serviceURL {
			out = append(out, ev)
		}
	}
	return out
}
