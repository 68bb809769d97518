package synapse

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/hupe1980/him"
	"github.com/hupe1980/him/experience"
)

// Experience is an experience tagged with the node it was loaded from.
type Experience struct {
	SourceID string
	experience.Experience
}

type pendingExperience struct {
	observation string
	response    string
	metadata    map[string]any
}

// Session is a loaded node. Query and RecordExperience are meant for a
// single owner at a time.
type Session struct {
	network   *Network
	modelID   string
	owner     *experience.Store
	connected []string
	combined  []Experience

	mu      sync.Mutex
	pending []pendingExperience
	closed  bool
}

// ModelID returns the id of the loaded node.
func (s *Session) ModelID() string { return s.modelID }

// ConnectedIDs returns the neighbours whose experiences were loaded.
func (s *Session) ConnectedIDs() []string { return slices.Clone(s.connected) }

// CombinedExperiences returns the experiences of the node and its direct
// neighbours as they were when the session was loaded.
func (s *Session) CombinedExperiences() []Experience {
	return slices.Clone(s.combined)
}

// Pending returns the number of buffered experiences.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Query answers text with the most relevant combined experience, falling
// back to the owning store's Generate when nothing matches.
func (s *Session) Query(text string) (string, error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}
	exps := make([]experience.Experience, len(s.combined))
	for i, e := range s.combined {
		exps[i] = e.Experience
	}
	if best, ok := experience.Best(text, exps); ok {
		return best.Response, nil
	}
	return s.owner.Generate(text), nil
}

// RecordExperience buffers an experience. It becomes visible and durable
// only when the session is released with commit.
func (s *Session) RecordExperience(observation, response string, metadata map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.closedErr()
	}
	s.pending = append(s.pending, pendingExperience{
		observation: observation,
		response:    response,
		metadata:    maps.Clone(metadata),
	})
	return nil
}

// Close releases the session through its network, committing buffered
// experiences.
func (s *Session) Close(ctx context.Context, opts ...ReleaseOption) error {
	return s.network.ReleaseFromGPU(ctx, s, opts...)
}

// Closed reports whether the session was released.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// close marks the session closed and hands over the buffer.
func (s *Session) close() []pendingExperience {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	pending := s.pending
	s.pending = nil
	return pending
}

func (s *Session) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.closedErr()
	}
	return nil
}

func (s *Session) closedErr() error {
	return fmt.Errorf("%w: session for %q is closed", him.ErrInvalidState, s.modelID)
}
