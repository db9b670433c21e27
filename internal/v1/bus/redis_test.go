package bus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfloor-dev/floor-manager/internal/v1/types"
)

func newTestService(t *testing.T, instanceID string) (*Service, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	svc, err := NewService(mr.Addr(), "", instanceID)
	require.NoError(t, err)

	return svc, mr
}

func sampleTransition(conversationID types.ConversationIDType) types.Transition {
	return types.Transition{
		ConversationID: conversationID,
		Kind:           types.TransitionGranted,
		SpeakerURI:     "s:a",
		HolderAfter:    "s:a",
		Timestamp:      time.Now().UTC(),
	}
}

func TestNewService(t *testing.T) {
	svc, mr := newTestService(t, "instance-1")
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	assert.NotNil(t, svc.Client())
	assert.Equal(t, "instance-1", svc.InstanceID())
	assert.NoError(t, svc.Ping(context.Background()))
}

func TestNewService_ConnectionFailure(t *testing.T) {
	_, err := NewService("localhost:1", "", "instance-1")
	assert.Error(t, err)
}

func TestPublishTransition(t *testing.T) {
	svc, mr := newTestService(t, "instance-1")
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()

	// Subscribe manually to check if message arrives
	sub := svc.Client().Subscribe(ctx, "floor:conv:conv-1")
	defer func() { _ = sub.Close() }()
	time.Sleep(50 * time.Millisecond)

	err := svc.PublishTransition(ctx, sampleTransition("conv-1"))
	assert.NoError(t, err)

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)

	var payload TransitionPayload
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &payload))
	assert.Equal(t, "instance-1", payload.InstanceID)
	assert.Equal(t, types.ConversationIDType("conv-1"), payload.Transition.ConversationID)
	assert.Equal(t, types.TransitionGranted, payload.Transition.Kind)
}

func TestSubscribe_FiltersOwnMessages(t *testing.T) {
	publisher, mr := newTestService(t, "instance-1")
	defer mr.Close()
	defer func() { _ = publisher.Close() }()

	subscriber, err := NewService(mr.Addr(), "", "instance-2")
	require.NoError(t, err)
	defer func() { _ = subscriber.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wg := &sync.WaitGroup{}
	received := make(chan TransitionPayload, 2)
	subscriber.Subscribe(ctx, "conv-1", wg, func(p TransitionPayload) {
		received <- p
	})
	time.Sleep(50 * time.Millisecond)

	// The subscriber's own message is skipped; the other instance's arrives.
	require.NoError(t, subscriber.PublishTransition(ctx, sampleTransition("conv-1")))
	require.NoError(t, publisher.PublishTransition(ctx, sampleTransition("conv-1")))

	select {
	case p := <-received:
		assert.Equal(t, "instance-1", p.InstanceID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for relayed transition")
	}
	select {
	case p := <-received:
		t.Fatalf("unexpected second payload from %s", p.InstanceID)
	case <-time.After(100 * time.Millisecond):
	}

	cancel()
	wg.Wait()
}

func TestSubscribeAll(t *testing.T) {
	publisher, mr := newTestService(t, "instance-1")
	defer mr.Close()
	defer func() { _ = publisher.Close() }()

	subscriber, err := NewService(mr.Addr(), "", "instance-2")
	require.NoError(t, err)
	defer func() { _ = subscriber.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wg := &sync.WaitGroup{}
	received := make(chan TransitionPayload, 2)
	subscriber.SubscribeAll(ctx, wg, func(p TransitionPayload) {
		received <- p
	})
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, publisher.PublishTransition(ctx, sampleTransition("conv-a")))
	require.NoError(t, publisher.PublishTransition(ctx, sampleTransition("conv-b")))

	seen := map[types.ConversationIDType]bool{}
	for i := 0; i < 2; i++ {
		select {
		case p := <-received:
			seen[p.Transition.ConversationID] = true
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for relayed transitions")
		}
	}
	assert.True(t, seen["conv-a"])
	assert.True(t, seen["conv-b"])

	cancel()
	wg.Wait()
}

func TestNilService_Degrades(t *testing.T) {
	var svc *Service

	ctx := context.Background()
	assert.NoError(t, svc.PublishTransition(ctx, sampleTransition("conv-1")))
	assert.NoError(t, svc.Ping(ctx))
	assert.NoError(t, svc.Close())
	assert.Nil(t, svc.Client())
	assert.Empty(t, svc.InstanceID())

	svc.Subscribe(ctx, "conv-1", nil, func(TransitionPayload) {
		t.Fatal("handler must not run in single-instance mode")
	})
}

func TestPublishTransition_AfterRedisDown(t *testing.T) {
	svc, mr := newTestService(t, "instance-1")
	defer func() { _ = svc.Close() }()

	mr.Close()

	err := svc.PublishTransition(context.Background(), sampleTransition("conv-1"))
	assert.Error(t, err)
}
