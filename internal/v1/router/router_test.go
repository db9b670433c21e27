package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/openfloor-dev/floor-manager/internal/v1/envelope"
	"github.com/openfloor-dev/floor-manager/internal/v1/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// recorder captures delivered envelopes per recipient.
type recorder struct {
	mu        sync.Mutex
	delivered map[types.SpeakerURIType][]*envelope.Envelope
}

func newRecorder() *recorder {
	return &recorder{delivered: make(map[types.SpeakerURIType][]*envelope.Envelope)}
}

func (r *recorder) handler(uri types.SpeakerURIType) Handler {
	return func(_ context.Context, env *envelope.Envelope) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.delivered[uri] = append(r.delivered[uri], env)
		return nil
	}
}

func (r *recorder) envelopes(uri types.SpeakerURIType) []*envelope.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.delivered[uri]
}

func broadcastEnvelope(sender types.SpeakerURIType, eventType envelope.EventType) *envelope.Envelope {
	return envelope.New("conv-1", sender, "", envelope.Event{EventType: eventType})
}

func addressedEnvelope(sender, target types.SpeakerURIType, eventType envelope.EventType, private bool) *envelope.Envelope {
	return envelope.New("conv-1", sender, "", envelope.Event{
		To:        &envelope.To{SpeakerURI: target, Private: private},
		EventType: eventType,
	})
}

func TestRoute_BroadcastExcludesSender(t *testing.T) {
	r := New(time.Second, 100)
	rec := newRecorder()
	for _, uri := range []types.SpeakerURIType{"s:a", "s:b", "s:c"} {
		r.Register(uri, "", rec.handler(uri))
	}

	routed := r.Route(context.Background(), broadcastEnvelope("s:a", envelope.EventUtterance))

	assert.True(t, routed)
	assert.Empty(t, rec.envelopes("s:a"))
	assert.Len(t, rec.envelopes("s:b"), 1)
	assert.Len(t, rec.envelopes("s:c"), 1)
}

func TestRoute_PrivateUtteranceIsolation(t *testing.T) {
	r := New(time.Second, 100)
	rec := newRecorder()
	for _, uri := range []types.SpeakerURIType{"s:a", "s:b", "s:c"} {
		r.Register(uri, "", rec.handler(uri))
	}

	routed := r.Route(context.Background(), addressedEnvelope("s:a", "s:b", envelope.EventUtterance, true))

	assert.True(t, routed)
	require.Len(t, rec.envelopes("s:b"), 1)
	assert.Empty(t, rec.envelopes("s:c"))
	assert.Empty(t, rec.envelopes("s:a"))
}

func TestRoute_NonUtterancePrivacyIgnored(t *testing.T) {
	r := New(time.Second, 100)
	rec := newRecorder()
	for _, uri := range []types.SpeakerURIType{"s:a", "s:b", "s:c"} {
		r.Register(uri, "", rec.handler(uri))
	}

	// An addressed invite behaves identically with private true or false.
	for _, private := range []bool{true, false} {
		routed := r.Route(context.Background(), addressedEnvelope("s:a", "s:b", envelope.EventInvite, private))
		assert.True(t, routed)
	}
	assert.Len(t, rec.envelopes("s:b"), 2)
	assert.Empty(t, rec.envelopes("s:c"))
}

func TestRoute_MixedEventsFilteredPerRecipient(t *testing.T) {
	r := New(time.Second, 100)
	rec := newRecorder()
	for _, uri := range []types.SpeakerURIType{"s:a", "s:b", "s:c"} {
		r.Register(uri, "", rec.handler(uri))
	}

	env := envelope.New("conv-1", "s:a", "",
		envelope.Event{EventType: envelope.EventContext},
		envelope.Event{
			To:        &envelope.To{SpeakerURI: "s:b", Private: true},
			EventType: envelope.EventUtterance,
		},
	)
	require.True(t, r.Route(context.Background(), env))

	// s:b sees both events; s:c sees only the broadcast context event.
	bEnvs := rec.envelopes("s:b")
	require.Len(t, bEnvs, 1)
	assert.Len(t, bEnvs[0].Events, 2)

	cEnvs := rec.envelopes("s:c")
	require.Len(t, cEnvs, 1)
	require.Len(t, cEnvs[0].Events, 1)
	assert.Equal(t, envelope.EventContext, cEnvs[0].Events[0].EventType)
}

func TestRoute_ServiceURLAddressing(t *testing.T) {
	r := New(time.Second, 100)
	rec := newRecorder()
	r.Register("s:b", "https://b.example.com", rec.handler("s:b"))

	env := envelope.New("conv-1", "s:a", "", envelope.Event{
		To:        &envelope.To{ServiceURL: "https://b.example.com"},
		EventType: envelope.EventInvite,
	})
	assert.True(t, r.Route(context.Background(), env))
	assert.Len(t, rec.envelopes("s:b"), 1)
}

func TestRoute_UnknownRecipientContinues(t *testing.T) {
	r := New(time.Second, 100)
	rec := newRecorder()
	r.Register("s:c", "", rec.handler("s:c"))

	env := envelope.New("conv-1", "s:a", "",
		envelope.Event{
			To:        &envelope.To{SpeakerURI: "s:ghost"},
			EventType: envelope.EventInvite,
		},
		envelope.Event{EventType: envelope.EventUtterance},
	)
	assert.True(t, r.Route(context.Background(), env))
	assert.Len(t, rec.envelopes("s:c"), 1)
}

func TestRoute_NoRecipients(t *testing.T) {
	r := New(time.Second, 100)
	assert.False(t, r.Route(context.Background(), broadcastEnvelope("s:a", envelope.EventUtterance)))
}

func TestRoute_HandlerErrorDoesNotAbortOthers(t *testing.T) {
	r := New(time.Second, 100)
	rec := newRecorder()
	r.Register("s:b", "", func(context.Context, *envelope.Envelope) error {
		return errors.New("boom")
	})
	r.Register("s:c", "", rec.handler("s:c"))

	routed := r.Route(context.Background(), broadcastEnvelope("s:a", envelope.EventUtterance))

	assert.True(t, routed)
	assert.Len(t, rec.envelopes("s:c"), 1)
}

func TestRoute_HandlerPanicContained(t *testing.T) {
	r := New(time.Second, 100)
	r.Register("s:b", "", func(context.Context, *envelope.Envelope) error {
		panic("handler exploded")
	})

	assert.False(t, r.Route(context.Background(), broadcastEnvelope("s:a", envelope.EventUtterance)))
}

func TestRoute_DeliveryTimeout(t *testing.T) {
	r := New(50*time.Millisecond, 100)
	rec := newRecorder()
	r.Register("s:b", "", func(ctx context.Context, _ *envelope.Envelope) error {
		<-ctx.Done()
		return ctx.Err()
	})
	r.Register("s:c", "", rec.handler("s:c"))

	start := time.Now()
	routed := r.Route(context.Background(), broadcastEnvelope("s:a", envelope.EventUtterance))

	assert.True(t, routed)
	assert.Less(t, time.Since(start), time.Second)
	assert.Len(t, rec.envelopes("s:c"), 1)
}

func TestRoute_BackpressureRejection(t *testing.T) {
	r := New(time.Second, 1)

	release := make(chan struct{})
	started := make(chan struct{}, 2)
	slow := func(ctx context.Context, _ *envelope.Envelope) error {
		started <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}
	r.Register("s:b", "", slow)
	r.Register("s:c", "", slow)

	done := make(chan bool, 1)
	go func() {
		done <- r.Route(context.Background(), broadcastEnvelope("s:a", envelope.EventUtterance))
	}()

	// Only one delivery fits the dispatch queue; the other is rejected.
	<-started
	close(release)

	assert.True(t, <-done)
	assert.Len(t, started, 0)
}

func TestRegisterUnregister(t *testing.T) {
	r := New(time.Second, 100)
	rec := newRecorder()

	r.Register("s:b", "", rec.handler("s:b"))
	assert.True(t, r.Registered("s:b"))

	r.Unregister("s:b")
	r.Unregister("s:b")
	assert.False(t, r.Registered("s:b"))

	assert.False(t, r.Route(context.Background(), broadcastEnvelope("s:a", envelope.EventUtterance)))
}
