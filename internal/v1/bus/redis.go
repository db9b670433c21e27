// Package bus relays floor transition records between instances over Redis
// Pub/Sub. The relay is best-effort: a nil Service (single-instance mode)
// and an open circuit breaker both degrade to no-ops.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/openfloor-dev/floor-manager/internal/v1/metrics"
	"github.com/openfloor-dev/floor-manager/internal/v1/types"
)

// TransitionPayload is the wire container for a relayed transition.
// InstanceID identifies the publishing instance so subscribers can skip
// their own messages and avoid echo loops.
type TransitionPayload struct {
	InstanceID string           `json:"instanceId"`
	Transition types.Transition `json:"transition"`
}

// Service handles all interaction with Redis.
type Service struct {
	client     *redis.Client
	cb         *gobreaker.CircuitBreaker
	instanceID string
}

// Client returns the underlying Redis client.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// InstanceID returns this instance's relay identity.
func (s *Service) InstanceID() string {
	if s == nil {
		return ""
	}
	return s.instanceID
}

// NewService connects to Redis and verifies the connection.
func NewService(addr, password, instanceID string) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateVal)
		},
	}

	slog.Info("Connected to Redis Pub/Sub", "addr", addr)
	return &Service{
		client:     rdb,
		cb:         gobreaker.NewCircuitBreaker(st),
		instanceID: instanceID,
	}, nil
}

// channelFor returns the per-conversation relay channel.
// Channel schema: "floor:conv:{id}".
func channelFor(conversationID types.ConversationIDType) string {
	return fmt.Sprintf("floor:conv:%s", conversationID)
}

// channelPattern matches every conversation's relay channel.
const channelPattern = "floor:conv:*"

// PublishTransition relays a transition to other instances watching its
// conversation. Drops silently when Redis is unavailable or the breaker is
// open; floor state never depends on the relay.
func (s *Service) PublishTransition(ctx context.Context, t types.Transition) error {
	if s == nil || s.client == nil {
		return nil // Single-instance mode, no Redis available
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		data, err := json.Marshal(TransitionPayload{
			InstanceID: s.instanceID,
			Transition: t,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal transition payload: %w", err)
		}
		return nil, s.client.Publish(ctx, channelFor(t.ConversationID), data).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("Redis Circuit Breaker Open: dropping transition", "conversationId", t.ConversationID)
			return nil // Graceful degradation: drop message, don't crash caller
		}
		slog.Error("Redis Publish failed", "conversationId", t.ConversationID, "error", err)
		return err
	}

	return nil
}

// Subscribe listens for transitions relayed for one conversation. handler
// runs for every message published by another instance; this instance's own
// messages are filtered out.
func (s *Service) Subscribe(ctx context.Context, conversationID types.ConversationIDType, wg *sync.WaitGroup, handler func(TransitionPayload)) {
	if s == nil || s.client == nil {
		return // Single-instance mode, no Redis available
	}
	s.listen(ctx, s.client.Subscribe(ctx, channelFor(conversationID)), wg, handler)
}

// SubscribeAll listens for transitions relayed for any conversation.
func (s *Service) SubscribeAll(ctx context.Context, wg *sync.WaitGroup, handler func(TransitionPayload)) {
	if s == nil || s.client == nil {
		return
	}
	s.listen(ctx, s.client.PSubscribe(ctx, channelPattern), wg, handler)
}

func (s *Service) listen(ctx context.Context, pubsub *redis.PubSub, wg *sync.WaitGroup, handler func(TransitionPayload)) {
	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer pubsub.Close()
		if wg != nil {
			defer wg.Done()
		}

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					slog.Warn("Redis subscription channel closed")
					return
				}

				var payload TransitionPayload
				if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
					slog.Error("Failed to unmarshal relayed transition", "error", err, "raw", msg.Payload)
					continue
				}
				if payload.InstanceID == s.instanceID {
					continue // our own message echoed back
				}

				handler(payload)
			}
		}
	}()
}

// Ping checks Redis connectivity. Used by health checks.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil // Single-instance mode, no Redis available
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
		}
		return err
	}
	return nil
}

// Close gracefully shuts down the Redis connection.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil // Single-instance mode, no Redis available
	}
	return s.client.Close()
}
