// Package synapse coordinates experience stores connected in an undirected
// graph and admits a bounded number of them into working sessions.
//
// A node is either unloaded or loaded. Loading takes an admission slot and
// opens a Session that sees the node's experiences plus those of its direct
// neighbours. Releasing the session persists what it recorded into the
// node's own store and frees the slot.
package synapse

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"slices"
	"strings"
	"sync"

	"github.com/hupe1980/him"
	"github.com/hupe1980/him/experience"
	"github.com/hupe1980/him/resource"
)

// Config configures a Network.
type Config struct {
	// MaxGPUSlots bounds concurrently loaded nodes. <= 0 means unlimited.
	MaxGPUSlots int
	// Resources overrides the admission controller. When set, MaxGPUSlots
	// is ignored.
	Resources *resource.Controller
	Logger    *slog.Logger
}

// Network is a graph of experience stores with admission control.
type Network struct {
	mu       sync.Mutex
	nodes    map[string]*experience.Store
	edges    map[string]map[string]float64 // symmetric, value is the edge weight
	sessions map[string]*Session
	loading  map[string]struct{}
	rc       *resource.Controller
	logger   *slog.Logger
}

// NewNetwork creates an empty network.
func NewNetwork(cfg Config) *Network {
	rc := cfg.Resources
	if rc == nil {
		rc = resource.NewController(resource.Config{MaxSlots: int64(cfg.MaxGPUSlots)})
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Network{
		nodes:    make(map[string]*experience.Store),
		edges:    make(map[string]map[string]float64),
		sessions: make(map[string]*Session),
		loading:  make(map[string]struct{}),
		rc:       rc,
		logger:   logger,
	}
}

// RegisterModel adds a node. Returns ErrConflict when id is taken.
func (n *Network) RegisterModel(id string, store *experience.Store) error {
	if id == "" || store == nil {
		return &him.ValidationError{Index: -1, Field: "model_id", Reason: "id and store are required"}
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.nodes[id]; ok {
		return fmt.Errorf("%w: model %q already registered", him.ErrConflict, id)
	}
	n.nodes[id] = store
	n.logger.Debug("model registered", "model_id", id)
	return nil
}

// ConnectOption configures Connect.
type ConnectOption func(*connectOptions)

type connectOptions struct {
	weight float64
}

// WithWeight sets the edge weight. Default: 1
func WithWeight(w float64) ConnectOption {
	return func(o *connectOptions) { o.weight = w }
}

// Connect adds an undirected edge between a and b. Connecting an existing
// pair again only replaces its weight.
func (n *Network) Connect(a, b string, opts ...ConnectOption) error {
	o := connectOptions{weight: 1}
	for _, opt := range opts {
		opt(&o)
	}
	if a == b {
		return &him.ValidationError{Index: -1, Field: "model_id", Reason: fmt.Sprintf("cannot connect %q to itself", a)}
	}
	if math.IsNaN(o.weight) || math.IsInf(o.weight, 0) {
		return &him.ValidationError{Index: -1, Field: "weight", Reason: fmt.Sprintf("must be finite, got %v", o.weight)}
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, id := range []string{a, b} {
		if _, ok := n.nodes[id]; !ok {
			return fmt.Errorf("%w: model %q", him.ErrNotFound, id)
		}
	}
	n.link(a, b, o.weight)
	n.link(b, a, o.weight)
	return nil
}

func (n *Network) link(from, to string, weight float64) {
	if n.edges[from] == nil {
		n.edges[from] = make(map[string]float64)
	}
	n.edges[from][to] = weight
}

// Weight returns the weight of the edge between a and b.
func (n *Network) Weight(a, b string) (float64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	w, ok := n.edges[a][b]
	if !ok {
		return 0, fmt.Errorf("%w: edge %q-%q", him.ErrNotFound, a, b)
	}
	return w, nil
}

// Neighbors returns the ids connected to id in sorted order.
func (n *Network) Neighbors(id string) ([]string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.nodes[id]; !ok {
		return nil, fmt.Errorf("%w: model %q", him.ErrNotFound, id)
	}
	return n.neighbors(id), nil
}

func (n *Network) neighbors(id string) []string {
	out := make([]string, 0, len(n.edges[id]))
	for nb := range n.edges[id] {
		out = append(out, nb)
	}
	slices.Sort(out)
	return out
}

// LoadToGPU opens a session for id. It fails immediately with a
// CapacityError when every slot is taken and with ErrInvalidState when id is
// already loaded. A failure leaves no slot held and no session registered.
func (n *Network) LoadToGPU(ctx context.Context, id string) (*Session, error) {
	n.mu.Lock()
	store, ok := n.nodes[id]
	if !ok {
		n.mu.Unlock()
		return nil, fmt.Errorf("%w: model %q", him.ErrNotFound, id)
	}
	_, loaded := n.sessions[id]
	if _, pending := n.loading[id]; loaded || pending {
		n.mu.Unlock()
		return nil, fmt.Errorf("%w: model %q is already loaded", him.ErrInvalidState, id)
	}
	if !n.rc.TryAcquireSlot() {
		n.mu.Unlock()
		n.logger.Warn("gpu slots exhausted", "model_id", id, "slots", n.rc.MaxSlots())
		return nil, &him.CapacityError{Resource: "gpu slots", Limit: int(n.rc.MaxSlots())}
	}

	// Reserve the node so a concurrent load sees it as taken while the
	// experiences are gathered outside the lock. The session is published
	// only once complete.
	n.loading[id] = struct{}{}
	neighbors := n.neighbors(id)
	stores := make([]*experience.Store, len(neighbors))
	for i, nb := range neighbors {
		stores[i] = n.nodes[nb]
	}
	n.mu.Unlock()

	combined, err := gather(ctx, id, store, neighbors, stores)
	if err != nil {
		n.mu.Lock()
		delete(n.loading, id)
		n.mu.Unlock()
		n.rc.ReleaseSlot()
		n.logger.Error("load failed", "model_id", id, "error", err)
		return nil, err
	}

	session := &Session{network: n, modelID: id, owner: store, connected: neighbors, combined: combined}
	n.mu.Lock()
	delete(n.loading, id)
	n.sessions[id] = session
	n.mu.Unlock()
	n.logger.Info("model loaded", "model_id", id, "neighbors", len(neighbors), "experiences", len(combined))
	return session, nil
}

func gather(ctx context.Context, id string, owner *experience.Store, ids []string, stores []*experience.Store) ([]Experience, error) {
	own, err := owner.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load experiences of %q: %w", id, err)
	}
	combined := make([]Experience, 0, len(own))
	for _, e := range own {
		combined = append(combined, Experience{SourceID: id, Experience: e})
	}
	for i, s := range stores {
		exps, err := s.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("load experiences of %q: %w", ids[i], err)
		}
		for _, e := range exps {
			combined = append(combined, Experience{SourceID: ids[i], Experience: e})
		}
	}
	return combined, nil
}

// ReleaseOption configures ReleaseFromGPU.
type ReleaseOption func(*releaseOptions)

type releaseOptions struct {
	commit bool
}

// WithoutCommit discards the experiences buffered on the session.
func WithoutCommit() ReleaseOption {
	return func(o *releaseOptions) { o.commit = false }
}

// ReleaseFromGPU persists the session's buffered experiences into the
// owning node's store, frees its slot and closes it. Releasing a session
// that is not currently held returns ErrInvalidState.
//
// The slot is freed even when persisting fails; the error reports the
// experiences that were not written.
func (n *Network) ReleaseFromGPU(ctx context.Context, s *Session, opts ...ReleaseOption) error {
	o := releaseOptions{commit: true}
	for _, opt := range opts {
		opt(&o)
	}
	if s == nil {
		return fmt.Errorf("%w: nil session", him.ErrInvalidState)
	}

	n.mu.Lock()
	if active, ok := n.sessions[s.modelID]; !ok || active != s || s.network != n {
		n.mu.Unlock()
		return fmt.Errorf("%w: session for %q is not held", him.ErrInvalidState, s.modelID)
	}
	delete(n.sessions, s.modelID)
	n.mu.Unlock()

	pending := s.close()
	defer n.rc.ReleaseSlot()

	if !o.commit {
		n.logger.Info("model released", "model_id", s.modelID, "discarded", len(pending))
		return nil
	}
	for i, p := range pending {
		if _, err := s.owner.Ingest(ctx, p.observation, p.response, p.metadata); err != nil {
			n.logger.Error("persist experience failed", "model_id", s.modelID, "error", err)
			return fmt.Errorf("persist %d of %d experiences for %q: %w", len(pending)-i, len(pending), s.modelID, err)
		}
	}
	n.logger.Info("model released", "model_id", s.modelID, "persisted", len(pending))
	return nil
}

// ActiveSessions returns the loaded sessions ordered by model id.
func (n *Network) ActiveSessions() []*Session {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]*Session, 0, len(n.sessions))
	for _, s := range n.sessions {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b *Session) int { return strings.Compare(a.modelID, b.modelID) })
	return out
}
