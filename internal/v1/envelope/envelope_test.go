package envelope

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfloor-dev/floor-manager/internal/v1/types"
)

const wrappedDoc = `{
	"openFloor": {
		"schema": {"version": "1.1.0"},
		"conversation": {"id": "conv-1"},
		"sender": {"speakerUri": "tag:a.com,2025:agent-a"},
		"events": [
			{"eventType": "utterance", "parameters": {
				"dialogEvent": {
					"speakerUri": "tag:a.com,2025:agent-a",
					"features": {"text": {"mimeType": "text/plain", "tokens": [
						{"token": "hello "}, {"token": "world"}
					]}}
				}
			}}
		]
	}
}`

func TestParse_Wrapped(t *testing.T) {
	env, err := Parse([]byte(wrappedDoc))
	require.NoError(t, err)

	assert.Equal(t, "1.1.0", env.Schema.Version)
	assert.Equal(t, types.ConversationIDType("conv-1"), env.Conversation.ID)
	assert.Equal(t, types.SpeakerURIType("tag:a.com,2025:agent-a"), env.Sender.SpeakerURI)
	require.Len(t, env.Events, 1)
	assert.Equal(t, EventUtterance, env.Events[0].EventType)
}

func TestParse_Bare(t *testing.T) {
	bare := `{
		"schema": {"version": "1.1.0"},
		"conversation": {"id": "conv-1"},
		"sender": {"speakerUri": "s:a"},
		"events": [{"eventType": "requestFloor"}]
	}`
	env, err := Parse([]byte(bare))
	require.NoError(t, err)
	assert.Equal(t, EventRequestFloor, env.Events[0].EventType)
}

func TestParse_Malformed(t *testing.T) {
	cases := map[string]string{
		"not json":           `{`,
		"missing id":         `{"conversation": {}, "sender": {"speakerUri": "s:a"}, "events": [{"eventType": "bye"}]}`,
		"missing sender":     `{"conversation": {"id": "c"}, "sender": {}, "events": [{"eventType": "bye"}]}`,
		"no events":          `{"conversation": {"id": "c"}, "sender": {"speakerUri": "s:a"}, "events": []}`,
		"unknown event type": `{"conversation": {"id": "c"}, "sender": {"speakerUri": "s:a"}, "events": [{"eventType": "teleport"}]}`,
	}

	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformedEnvelope)
		})
	}
}

func TestEncode_WrapsDocument(t *testing.T) {
	env := New("conv-1", "s:a", "https://a.example.com", Event{EventType: EventBye})

	data, err := env.Encode()
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	inner, ok := doc["openFloor"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "conv-1", inner["conversation"].(map[string]any)["id"])

	// Round trip through Parse.
	back, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, env.Sender, back.Sender)
}

func TestEventsFor(t *testing.T) {
	env := New("conv-1", "s:a", "",
		Event{EventType: EventContext},
		Event{To: &To{SpeakerURI: "s:b"}, EventType: EventInvite},
		Event{To: &To{ServiceURL: "https://c.example.com"}, EventType: EventUninvite},
		Event{To: &To{SpeakerURI: "s:b", Private: true}, EventType: EventUtterance},
	)

	forB := env.EventsFor("s:b", "")
	require.Len(t, forB, 3)
	assert.Equal(t, EventContext, forB[0].EventType)
	assert.Equal(t, EventInvite, forB[1].EventType)
	assert.Equal(t, EventUtterance, forB[2].EventType)

	forC := env.EventsFor("s:c", "https://c.example.com")
	require.Len(t, forC, 2)
	assert.Equal(t, EventUninvite, forC[1].EventType)

	forStranger := env.EventsFor("s:z", "")
	require.Len(t, forStranger, 1)
	assert.Equal(t, EventContext, forStranger[0].EventType)
}

func TestNewUtterance(t *testing.T) {
	env := NewUtterance("conv-1", "s:a", "https://a.example.com", "s:b", "", "hi there", true)
	require.NoError(t, env.Validate())
	require.Len(t, env.Events, 1)

	ev := env.Events[0]
	assert.Equal(t, EventUtterance, ev.EventType)
	require.NotNil(t, ev.To)
	assert.Equal(t, types.SpeakerURIType("s:b"), ev.To.SpeakerURI)
	assert.True(t, ev.To.Private)
	assert.Equal(t, "hi there", UtteranceText(ev))

	// Broadcast form has no addressing block.
	broadcast := NewUtterance("conv-1", "s:a", "", "", "", "hey all", false)
	assert.Nil(t, broadcast.Events[0].To)
}

func TestNew_MintsConversationID(t *testing.T) {
	env := New("", "s:a", "", Event{EventType: EventBye})
	assert.NotEmpty(t, env.Conversation.ID)
	assert.Contains(t, string(env.Conversation.ID), "conv:")

	other := New("", "s:a", "", Event{EventType: EventBye})
	assert.NotEqual(t, env.Conversation.ID, other.Conversation.ID)
}

func TestUtteranceText(t *testing.T) {
	env, err := Parse([]byte(wrappedDoc))
	require.NoError(t, err)
	assert.Equal(t, "hello world", UtteranceText(env.Events[0]))

	// Shapes that don't match yield the empty string.
	assert.Equal(t, "", UtteranceText(Event{EventType: EventUtterance}))
	assert.Equal(t, "", UtteranceText(Event{
		EventType:  EventUtterance,
		Parameters: map[string]any{"dialogEvent": map[string]any{"features": "nope"}},
	}))
}

func TestPriorityOf(t *testing.T) {
	assert.Equal(t, 0, PriorityOf(Event{EventType: EventRequestFloor}))
	assert.Equal(t, 5, PriorityOf(Event{
		EventType:  EventRequestFloor,
		Parameters: map[string]any{"priority": 5},
	}))
	// JSON numbers decode as float64.
	assert.Equal(t, 3, PriorityOf(Event{
		EventType:  EventRequestFloor,
		Parameters: map[string]any{"priority": float64(3)},
	}))
	assert.Equal(t, 0, PriorityOf(Event{
		EventType:  EventRequestFloor,
		Parameters: map[string]any{"priority": "high"},
	}))
}

func TestIsValidEventType(t *testing.T) {
	for _, et := range []EventType{
		EventUtterance, EventContext, EventInvite, EventUninvite,
		EventAcceptInvite, EventDeclineInvite, EventBye,
		EventGetManifests, EventPublishManifests,
		EventRequestFloor, EventGrantFloor, EventRevokeFloor, EventYieldFloor,
	} {
		assert.True(t, IsValidEventType(et), string(et))
	}
	assert.False(t, IsValidEventType("teleport"))
	assert.False(t, IsValidEventType(""))
}
