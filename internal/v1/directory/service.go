package directory

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/openfloor-dev/floor-manager/internal/v1/envelope"
	"github.com/openfloor-dev/floor-manager/internal/v1/logging"
	"github.com/openfloor-dev/floor-manager/internal/v1/types"
)

// Service answers directory operations carried in conversation envelopes.
// publishManifests events upsert records; getManifests events look them up.
// The reply is always an envelope holding one publishManifests event with
// the resulting records in parameters.manifests and a count.
type Service struct {
	store *Store

	speakerURI types.SpeakerURIType
	serviceURL string
}

// NewService creates a Service answering as the given directory identity.
func NewService(store *Store, speakerURI types.SpeakerURIType, serviceURL string) *Service {
	return &Service{store: store, speakerURI: speakerURI, serviceURL: serviceURL}
}

// Store exposes the backing store for REST convenience endpoints.
func (s *Service) Store() *Store { return s.store }

// HandleEnvelope processes the first directory event of an envelope and
// returns the reply envelope. Envelopes without a publishManifests or
// getManifests event are rejected.
func (s *Service) HandleEnvelope(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	for _, ev := range env.Events {
		switch ev.EventType {
		case envelope.EventPublishManifests:
			manifests, err := manifestsParam(ev)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", envelope.ErrMalformedEnvelope, err)
			}
			stored := s.store.Publish(manifests)
			logging.Info(ctx, "Manifests published",
				zap.String("conversationId", string(env.Conversation.ID)),
				zap.Int("count", len(stored)))
			return s.reply(env, stored), nil

		case envelope.EventGetManifests:
			filters, err := filtersParam(ev)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", envelope.ErrMalformedEnvelope, err)
			}
			found := s.store.Get(filters)
			logging.Info(ctx, "Manifest lookup",
				zap.String("conversationId", string(env.Conversation.ID)),
				zap.Int("count", len(found)))
			return s.reply(env, found), nil
		}
	}
	return nil, fmt.Errorf("%w: no directory event", envelope.ErrMalformedEnvelope)
}

// reply builds the response envelope, addressed back to the requester.
func (s *Service) reply(req *envelope.Envelope, manifests []Manifest) *envelope.Envelope {
	return envelope.New(req.Conversation.ID, s.speakerURI, s.serviceURL, envelope.Event{
		To:        &envelope.To{SpeakerURI: req.Sender.SpeakerURI},
		EventType: envelope.EventPublishManifests,
		Parameters: map[string]any{
			"manifests": manifests,
			"count":     len(manifests),
		},
	})
}

// manifestsParam decodes parameters.manifests. Event parameters are
// schema-free maps, so decoding goes through JSON.
func manifestsParam(ev envelope.Event) ([]Manifest, error) {
	raw, ok := ev.Parameters["manifests"]
	if !ok {
		return nil, fmt.Errorf("missing parameters.manifests")
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var manifests []Manifest
	if err := json.Unmarshal(data, &manifests); err != nil {
		return nil, fmt.Errorf("invalid manifests: %v", err)
	}
	return manifests, nil
}

// filtersParam decodes lookup filters from event parameters. Both a nested
// parameters.filters object and flat parameters are accepted.
func filtersParam(ev envelope.Event) (Filters, error) {
	src := any(ev.Parameters)
	if nested, ok := ev.Parameters["filters"]; ok {
		src = nested
	}
	data, err := json.Marshal(src)
	if err != nil {
		return Filters{}, err
	}
	var f Filters
	if err := json.Unmarshal(data, &f); err != nil {
		return Filters{}, fmt.Errorf("invalid filters: %v", err)
	}
	return f, nil
}
