// Package registry maintains the authoritative in-memory view of all storage
// nodes and their liveness state.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/prn-tf/bluetap/internal/domain"
	"github.com/prn-tf/bluetap/internal/metrics"
)

// Persister durably stores node records so a restarted control plane can
// rebuild a cold view of the cluster. Liveness is always decided from
// in-memory heartbeat recency, never from persisted state.
type Persister interface {
	SaveNode(ctx context.Context, node *domain.NodeRecord) error
	DeleteNode(ctx context.Context, nodeID string) error
}

// Options configures a Registry.
type Options struct {
	// HeartbeatTimeout is how long an online node may go silent before it is
	// marked suspect (T).
	HeartbeatTimeout time.Duration

	// GraceWindow is how long a suspect node may stay silent before it is
	// marked offline (G).
	GraceWindow time.Duration

	// ForceOverride allows a registration to replace an online node at a
	// different address.
	ForceOverride bool

	// Persister, if set, receives node records on register/deregister.
	Persister Persister

	// Metrics, if set, receives node-state gauges and transition counters.
	Metrics *metrics.Metrics

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// Transition is a liveness demotion computed by the heartbeat monitor.
// ObservedAt carries the last-heartbeat timestamp the decision was based on;
// a fresher heartbeat invalidates the transition.
type Transition struct {
	NodeID     string
	To         domain.NodeStatus
	ObservedAt time.Time
}

// Registry is the single source of truth for node health. All mutations are
// serialized per node under one mutex and are short and purely in-memory;
// nothing network-bound ever runs while it is held.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]*domain.NodeRecord

	opts   Options
	logger zerolog.Logger
	now    func() time.Time

	transitions chan Transition
	done        chan struct{}
	wg          sync.WaitGroup
}

// New creates a Registry and starts its transition applier.
func New(opts Options, logger zerolog.Logger) *Registry {
	now := opts.Clock
	if now == nil {
		now = time.Now
	}

	r := &Registry{
		nodes:       make(map[string]*domain.NodeRecord),
		opts:        opts,
		logger:      logger.With().Str("component", "registry").Logger(),
		now:         now,
		transitions: make(chan Transition, 256),
		done:        make(chan struct{}),
	}

	r.wg.Add(1)
	go r.applyLoop()

	return r
}

// Close stops the transition applier. The registry must not be used after
// Close returns.
func (r *Registry) Close() {
	close(r.done)
	r.wg.Wait()
}

// applyLoop consumes demotions from the heartbeat monitor. Routing them
// through a channel keeps the sweep decoupled from the mutation path.
func (r *Registry) applyLoop() {
	defer r.wg.Done()
	for {
		select {
		case t := <-r.transitions:
			r.apply(t)
		case <-r.done:
			return
		}
	}
}

// Offer hands a demotion to the registry. Used by the heartbeat monitor;
// drops the transition if the registry is shutting down.
func (r *Registry) Offer(t Transition) {
	select {
	case r.transitions <- t:
	case <-r.done:
	}
}

func (r *Registry) apply(t Transition) {
	switch t.To {
	case domain.NodeStatusSuspect:
		r.MarkSuspect(t.NodeID, t.ObservedAt)
	case domain.NodeStatusOffline:
		r.MarkOffline(t.NodeID, t.ObservedAt)
	}
}

// Register joins a node to the cluster in the registering state. A node that
// is currently online at a different address is rejected unless the
// force-override policy is set. Re-registration of an offline or suspect node
// always succeeds.
func (r *Registry) Register(ctx context.Context, nodeID, address string, capacityBytes int64) error {
	r.mu.Lock()

	if existing, ok := r.nodes[nodeID]; ok {
		if existing.Status == domain.NodeStatusOnline &&
			existing.Address != address && !r.opts.ForceOverride {
			r.mu.Unlock()
			return domain.ErrDuplicateRegistration
		}
	}

	node := &domain.NodeRecord{
		ID:              nodeID,
		Address:         address,
		Status:          domain.NodeStatusRegistering,
		LastHeartbeatAt: r.now(),
		CapacityBytes:   capacityBytes,
	}
	r.nodes[nodeID] = node
	snapshot := node.Clone()
	r.updateGauges()
	r.mu.Unlock()

	r.logger.Info().
		Str("node_id", nodeID).
		Str("address", address).
		Int64("capacity_bytes", capacityBytes).
		Msg("node registered")

	r.persistNode(ctx, snapshot)
	return nil
}

// Restore seeds the registry with persisted node records on a cold start.
// Restored nodes come back as suspect with a fresh observation time: their
// liveness is unknown until they heartbeat again, and ones that never do
// age out through the normal suspect-to-offline path.
func (r *Registry) Restore(nodes []*domain.NodeRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	restored := 0
	for _, node := range nodes {
		if _, ok := r.nodes[node.ID]; ok {
			continue
		}
		clone := node.Clone()
		clone.Status = domain.NodeStatusSuspect
		clone.LastHeartbeatAt = r.now()
		r.nodes[clone.ID] = clone
		restored++
	}
	r.updateGauges()

	if restored > 0 {
		r.logger.Info().Int("nodes", restored).Msg("restored persisted node records")
	}
}

// Heartbeat records a liveness observation. Registering and suspect nodes are
// promoted to online. An offline node is reported as unknown so that it
// re-registers; the registering-heartbeat path is the only way back in.
func (r *Registry) Heartbeat(nodeID string, stats domain.HeartbeatStats) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		return domain.ErrUnknownNode
	}
	if node.Status == domain.NodeStatusOffline {
		return domain.ErrUnknownNode
	}

	prev := node.Status
	node.LastHeartbeatAt = r.now()
	node.UsedBytes = stats.UsedBytes
	if stats.CapacityBytes > 0 {
		node.CapacityBytes = stats.CapacityBytes
	}
	node.Status = domain.NodeStatusOnline

	if prev != domain.NodeStatusOnline {
		r.recordTransition(nodeID, prev, domain.NodeStatusOnline)
	}
	r.updateGauges()
	return nil
}

// MarkSuspect demotes an online node whose heartbeat has not been seen since
// observedAt. It is called by the heartbeat monitor and by clients that
// observe a failed I/O (the fast failure signal). A heartbeat newer than the
// observation wins the race and the demotion is dropped.
func (r *Registry) MarkSuspect(nodeID string, observedAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok || node.Status != domain.NodeStatusOnline {
		return
	}
	if node.LastHeartbeatAt.After(observedAt) {
		return
	}

	node.Status = domain.NodeStatusSuspect
	r.recordTransition(nodeID, domain.NodeStatusOnline, domain.NodeStatusSuspect)
	r.updateGauges()
}

// MarkOffline demotes a suspect node whose grace window has elapsed. As with
// MarkSuspect, a fresher heartbeat invalidates the demotion.
func (r *Registry) MarkOffline(nodeID string, observedAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok || node.Status != domain.NodeStatusSuspect {
		return
	}
	if node.LastHeartbeatAt.After(observedAt) {
		return
	}

	node.Status = domain.NodeStatusOffline
	r.recordTransition(nodeID, domain.NodeStatusSuspect, domain.NodeStatusOffline)
	r.updateGauges()
}

// Deregister removes a node from the cluster regardless of its state.
// This is the administrative path; it deletes the record rather than
// marking it offline.
func (r *Registry) Deregister(ctx context.Context, nodeID string) error {
	r.mu.Lock()
	_, ok := r.nodes[nodeID]
	delete(r.nodes, nodeID)
	r.updateGauges()
	r.mu.Unlock()

	if !ok {
		return domain.ErrUnknownNode
	}

	r.logger.Info().Str("node_id", nodeID).Msg("node deregistered")

	if r.opts.Persister != nil {
		if err := r.opts.Persister.DeleteNode(ctx, nodeID); err != nil {
			r.logger.Warn().Err(err).Str("node_id", nodeID).Msg("failed to delete persisted node record")
		}
	}
	return nil
}

// ListHealthy returns online nodes not in the exclude set, least-loaded
// first. Ties are broken by node ID so placement is deterministic.
func (r *Registry) ListHealthy(exclude map[string]struct{}) []*domain.NodeRecord {
	r.mu.RLock()
	healthy := make([]*domain.NodeRecord, 0, len(r.nodes))
	for id, node := range r.nodes {
		if node.Status != domain.NodeStatusOnline {
			continue
		}
		if _, skip := exclude[id]; skip {
			continue
		}
		healthy = append(healthy, node.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(healthy, func(i, j int) bool {
		if healthy[i].UsedBytes != healthy[j].UsedBytes {
			return healthy[i].UsedBytes < healthy[j].UsedBytes
		}
		return healthy[i].ID < healthy[j].ID
	})
	return healthy
}

// Get returns a copy of a single node record.
func (r *Registry) Get(nodeID string) (*domain.NodeRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		return nil, domain.ErrUnknownNode
	}
	return node.Clone(), nil
}

// Snapshot returns copies of every node record, sorted by node ID.
func (r *Registry) Snapshot() []*domain.NodeRecord {
	r.mu.RLock()
	out := make([]*domain.NodeRecord, 0, len(r.nodes))
	for _, node := range r.nodes {
		out = append(out, node.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// sweepCandidates returns, without blocking writers for long, the demotions
// implied by the current clock: online nodes silent past the heartbeat
// timeout and suspect nodes silent past timeout plus grace.
func (r *Registry) sweepCandidates(now time.Time) []Transition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Transition
	for id, node := range r.nodes {
		silent := now.Sub(node.LastHeartbeatAt)
		switch node.Status {
		case domain.NodeStatusOnline:
			if silent > r.opts.HeartbeatTimeout {
				out = append(out, Transition{NodeID: id, To: domain.NodeStatusSuspect, ObservedAt: node.LastHeartbeatAt})
			}
		case domain.NodeStatusSuspect:
			if silent > r.opts.HeartbeatTimeout+r.opts.GraceWindow {
				out = append(out, Transition{NodeID: id, To: domain.NodeStatusOffline, ObservedAt: node.LastHeartbeatAt})
			}
		}
	}
	return out
}

func (r *Registry) recordTransition(nodeID string, from, to domain.NodeStatus) {
	r.logger.Info().
		Str("node_id", nodeID).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("node status changed")

	if r.opts.Metrics != nil {
		r.opts.Metrics.NodeTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	}
}

// updateGauges refreshes per-status node counts. Caller holds r.mu.
func (r *Registry) updateGauges() {
	if r.opts.Metrics == nil {
		return
	}
	counts := map[domain.NodeStatus]int{}
	for _, node := range r.nodes {
		counts[node.Status]++
	}
	for _, s := range []domain.NodeStatus{
		domain.NodeStatusRegistering,
		domain.NodeStatusOnline,
		domain.NodeStatusSuspect,
		domain.NodeStatusOffline,
	} {
		r.opts.Metrics.NodesByStatus.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

func (r *Registry) persistNode(ctx context.Context, node *domain.NodeRecord) {
	if r.opts.Persister == nil {
		return
	}
	if err := r.opts.Persister.SaveNode(ctx, node); err != nil {
		r.logger.Warn().Err(err).Str("node_id", node.ID).Msg("failed to persist node record")
	}
}
