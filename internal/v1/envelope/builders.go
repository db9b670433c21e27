package envelope

import (
	"github.com/google/uuid"

	"github.com/openfloor-dev/floor-manager/internal/v1/types"
)

// New constructs a valid envelope for a given sender and event list. An
// empty conversationID gets a fresh one minted.
func New(conversationID types.ConversationIDType, senderURI types.SpeakerURIType, senderServiceURL string, events ...Event) *Envelope {
	if conversationID == "" {
		conversationID = types.ConversationIDType("conv:" + uuid.NewString())
	}
	return &Envelope{
		Schema:       Schema{Version: SchemaVersion},
		Conversation: Conversation{ID: conversationID},
		Sender:       Sender{SpeakerURI: senderURI, ServiceURL: senderServiceURL},
		Events:       events,
	}
}

// NewUtterance builds a well-formed utterance envelope. When targetURI is
// empty the utterance is a broadcast and the private flag is meaningless.
func NewUtterance(conversationID types.ConversationIDType, senderURI types.SpeakerURIType, senderServiceURL string, targetURI types.SpeakerURIType, targetServiceURL, text string, private bool) *Envelope {
	var to *To
	if targetURI != "" || targetServiceURL != "" {
		to = &To{SpeakerURI: targetURI, ServiceURL: targetServiceURL, Private: private}
	}

	ev := Event{
		To:        to,
		EventType: EventUtterance,
		Parameters: map[string]any{
			"dialogEvent": map[string]any{
				"speakerUri": string(senderURI),
				"features": map[string]any{
					"text": map[string]any{
						"mimeType": "text/plain",
						"tokens":   []any{map[string]any{"token": text}},
					},
				},
			},
		},
	}

	return New(conversationID, senderURI, senderServiceURL, ev)
}

// UtteranceText extracts the plain text of an utterance event by walking
// parameters.dialogEvent.features.text.tokens. Returns "" when the shape
// does not match.
func UtteranceText(ev Event) string {
	dialogEvent, ok := ev.Parameters["dialogEvent"].(map[string]any)
	if !ok {
		return ""
	}
	features, ok := dialogEvent["features"].(map[string]any)
	if !ok {
		return ""
	}
	text, ok := features["text"].(map[string]any)
	if !ok {
		return ""
	}
	tokens, ok := text["tokens"].([]any)
	if !ok {
		return ""
	}

	var out string
	for _, t := range tokens {
		tok, ok := t.(map[string]any)
		if !ok {
			continue
		}
		if s, ok := tok["token"].(string); ok {
			out += s
		}
	}
	return out
}

// PriorityOf extracts the integer priority parameter of a requestFloor
// event, defaulting to 0. JSON numbers decode as float64; both forms are
// accepted so programmatically built events work too.
func PriorityOf(ev Event) int {
	v, ok := ev.Parameters["priority"]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return 0
	}
}
