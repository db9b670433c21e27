// Package directory implements the agent directory: an in-memory manifest
// store with upsert-by-identity publishing and set-containment capability
// filtering, plus an envelope-wrapped service facade.
package directory

import (
	"sort"
	"sync"
	"time"

	"github.com/openfloor-dev/floor-manager/internal/v1/envelope"
	"github.com/openfloor-dev/floor-manager/internal/v1/metrics"
	"github.com/openfloor-dev/floor-manager/internal/v1/types"
)

// Manifest statuses. Records default to active; non-active records are
// excluded from lookups unless their status is requested explicitly.
const (
	StatusActive     = "active"
	StatusDeprecated = "deprecated"
	StatusInactive   = "inactive"
)

// Manifest is a published agent capability record.
type Manifest struct {
	Identification envelope.Identification `json:"identification"`
	Capabilities   []string                `json:"capabilities"`
	Status         string                  `json:"status,omitempty"`
	PublishedAt    time.Time               `json:"publishedAt"`
	UpdatedAt      time.Time               `json:"updatedAt"`
}

// Filters narrows a manifest lookup. A returned manifest matches all
// supplied fields; zero values are ignored.
type Filters struct {
	Capabilities []string             `json:"capabilities,omitempty"`
	Organization string               `json:"organization,omitempty"`
	Role         string               `json:"role,omitempty"`
	SpeakerURI   types.SpeakerURIType `json:"speakerUri,omitempty"`
	Status       string               `json:"status,omitempty"`
}

// Store holds manifests keyed by speakerUri. Mutations are serialized;
// reads proceed concurrently.
type Store struct {
	mu        sync.RWMutex
	manifests map[types.SpeakerURIType]Manifest

	now func() time.Time
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		manifests: make(map[types.SpeakerURIType]Manifest),
		now:       time.Now,
	}
}

// Publish upserts each manifest by its identification.speakerUri and returns
// the stored records. A re-publish keeps the original publishedAt and
// refreshes updatedAt; publishing under an existing speakerUri is not an
// error. Manifests without a speakerUri are skipped.
func (s *Store) Publish(manifests []Manifest) []Manifest {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	stored := make([]Manifest, 0, len(manifests))
	for _, m := range manifests {
		uri := m.Identification.SpeakerURI
		if uri == "" {
			continue
		}
		if m.Status == "" {
			m.Status = StatusActive
		}
		if prev, ok := s.manifests[uri]; ok {
			m.PublishedAt = prev.PublishedAt
		} else {
			m.PublishedAt = now
		}
		m.UpdatedAt = now
		s.manifests[uri] = m
		stored = append(stored, m)
	}

	metrics.DirectoryManifests.Set(float64(len(s.manifests)))
	return stored
}

// Get returns manifests matching all supplied filters, ordered by speakerUri.
// Unless a status is requested explicitly only active records are returned.
func (s *Store) Get(f Filters) []Manifest {
	status := f.Status
	if status == "" {
		status = StatusActive
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Manifest, 0)
	for _, m := range s.manifests {
		if m.Status != status {
			continue
		}
		if f.SpeakerURI != "" && m.Identification.SpeakerURI != f.SpeakerURI {
			continue
		}
		if f.Organization != "" && m.Identification.Organization != f.Organization {
			continue
		}
		if f.Role != "" && m.Identification.Role != f.Role {
			continue
		}
		if !containsAll(m.Capabilities, f.Capabilities) {
			continue
		}
		out = append(out, m)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Identification.SpeakerURI < out[j].Identification.SpeakerURI
	})
	return out
}

// List returns every stored manifest regardless of status, ordered by
// speakerUri.
func (s *Store) List() []Manifest {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Manifest, 0, len(s.manifests))
	for _, m := range s.manifests {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Identification.SpeakerURI < out[j].Identification.SpeakerURI
	})
	return out
}

// Delete removes the record for a speakerUri. Returns false when absent.
func (s *Store) Delete(uri types.SpeakerURIType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.manifests[uri]; !ok {
		return false
	}
	delete(s.manifests, uri)
	metrics.DirectoryManifests.Set(float64(len(s.manifests)))
	return true
}

// Count returns the number of stored manifests.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.manifests)
}

// containsAll reports whether every wanted capability is present in have.
func containsAll(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(have))
	for _, c := range have {
		set[c] = struct{}{}
	}
	for _, c := range want {
		if _, ok := set[c]; !ok {
			return false
		}
	}
	return true
}
