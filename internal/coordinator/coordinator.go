// Package coordinator implements replica placement for writes and the
// background machinery that keeps objects at their replication target.
package coordinator

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/prn-tf/bluetap/internal/config"
	"github.com/prn-tf/bluetap/internal/domain"
	"github.com/prn-tf/bluetap/internal/metadata"
	"github.com/prn-tf/bluetap/internal/metrics"
	"github.com/prn-tf/bluetap/internal/registry"
)

// NodeClient is the data-plane access the coordinator needs for repair and
// garbage collection. The client library provides the HTTP implementation.
type NodeClient interface {
	Put(ctx context.Context, node *domain.NodeRecord, objectID string, version int64, checksum string, size int64, body io.Reader) error
	Get(ctx context.Context, node *domain.NodeRecord, objectID string, version int64) (io.ReadCloser, error)
	Delete(ctx context.Context, node *domain.NodeRecord, objectID string, version int64) error
}

// Coordinator selects nodes for writes, decides the durability outcome once
// acks are in, and owns the repair and garbage-collection queues. It never
// sits on the data path: clients stream bytes to nodes directly.
type Coordinator struct {
	registry *registry.Registry
	store    metadata.Store
	nodes    NodeClient
	cfg      config.ReplicationConfig
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	repairQ chan repairJob
	gcQ     chan gcTask

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

type repairJob struct {
	objectID string
	tenantID string
	version  int64
	attempt  int
}

type gcTask struct {
	objectID string
	version  int64
	nodeIDs  []string
}

// Options configures a Coordinator.
type Options struct {
	Registry    *registry.Registry
	Store       metadata.Store
	NodeClient  NodeClient
	Replication config.ReplicationConfig
	Metrics     *metrics.Metrics
	Logger      zerolog.Logger

	// ScanInterval is how often committed metadata is scanned for
	// under-replicated objects missed by the inline enqueue. Zero disables
	// the scanner (tests drive repair directly).
	ScanInterval time.Duration

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// New creates a Coordinator and starts its repair and GC workers.
func New(opts Options) (*Coordinator, error) {
	if err := opts.Replication.Validate(); err != nil {
		return nil, err
	}

	now := opts.Clock
	if now == nil {
		now = time.Now
	}

	c := &Coordinator{
		registry: opts.Registry,
		store:    opts.Store,
		nodes:    opts.NodeClient,
		cfg:      opts.Replication,
		logger:   opts.Logger.With().Str("component", "coordinator").Logger(),
		metrics:  opts.Metrics,
		now:      now,
		repairQ:  make(chan repairJob, 1024),
		gcQ:      make(chan gcTask, 1024),
		done:     make(chan struct{}),
	}

	workers := c.cfg.RepairWorkers
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		c.wg.Add(1)
		go c.repairWorker()
	}

	c.wg.Add(1)
	go c.gcWorker()

	if opts.ScanInterval > 0 {
		c.wg.Add(1)
		go c.scanLoop(opts.ScanInterval)
	}

	return c, nil
}

// Close stops the background workers. Queued repair and GC work is dropped;
// the periodic scanner re-discovers under-replicated objects after restart.
func (c *Coordinator) Close() {
	c.stopOnce.Do(func() { close(c.done) })
	c.wg.Wait()
}

// PlaceWrite reserves the next version of an object and selects up to R
// distinct healthy nodes with room for the write, least-loaded first. It
// fails with ErrInsufficientReplicas when fewer than W such nodes exist.
// An empty objectID starts a fresh object; a known one is an overwrite.
func (c *Coordinator) PlaceWrite(ctx context.Context, tenantID, objectID string, size int64) (*domain.PlacementPlan, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant id is required")
	}

	version := int64(1)
	if objectID == "" {
		objectID = uuid.NewString()
	} else {
		latest, err := c.store.LatestVersion(ctx, objectID)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve object version: %w", err)
		}
		if latest > 0 {
			// Overwrites must stay within the owning tenant.
			if _, err := c.store.GetObjectVersion(ctx, tenantID, objectID, latest); err != nil {
				if err != domain.ErrObjectNotFound {
					return nil, err
				}
			}
		}
		version = latest + 1
	}

	healthy := c.registry.ListHealthy(nil)
	candidates := make([]*domain.NodeRecord, 0, len(healthy))
	for _, node := range healthy {
		if node.FreeBytes() < size {
			continue
		}
		candidates = append(candidates, node)
	}

	if len(candidates) < c.cfg.WriteQuorum {
		c.recordPlacement("insufficient_replicas")
		return nil, domain.ErrInsufficientReplicas
	}
	if len(candidates) > c.cfg.Factor {
		candidates = candidates[:c.cfg.Factor]
	}

	// The planned node set rides on the pending record so finalize can
	// check acks against what was actually placed.
	planned := make([]string, 0, len(candidates))
	for _, node := range candidates {
		planned = append(planned, node.ID)
	}

	pending := &domain.ObjectRecord{
		ID:         objectID,
		TenantID:   tenantID,
		Size:       size,
		Version:    version,
		ReplicaSet: planned,
		State:      domain.ObjectStatePending,
		CreatedAt:  c.now().UTC(),
		UpdatedAt:  c.now().UTC(),
	}
	if err := c.store.PutObject(ctx, pending); err != nil {
		c.recordPlacement("metadata_error")
		return nil, fmt.Errorf("failed to record pending write: %w", err)
	}

	c.recordPlacement("ok")
	c.logger.Debug().
		Str("object_id", objectID).
		Int64("version", version).
		Int("nodes", len(candidates)).
		Msg("placement plan issued")

	return &domain.PlacementPlan{
		ObjectID: objectID,
		TenantID: tenantID,
		Version:  version,
		Nodes:    candidates,
	}, nil
}

// FinalizeWrite commits or aborts a write once the client has collected acks.
// The caller must own the pending record PlaceWrite created for the version;
// acks naming nodes the plan never selected are dropped. With at least W
// surviving acks the object record is committed: durable at the full replica
// target, under-replicated otherwise (and queued for repair). Below W the
// write fails, the pending record is tombstoned and any bytes accepted by
// acking nodes are scheduled for deletion. A metadata commit failure is fatal
// for the write: durability is never claimed without a persisted record.
func (c *Coordinator) FinalizeWrite(ctx context.Context, tenantID, objectID string, version int64, acks []string, checksum string, size int64) (*domain.ObjectRecord, error) {
	pending, err := c.pendingWrite(ctx, tenantID, objectID, version)
	if err != nil {
		c.recordFinalize("rejected")
		return nil, err
	}

	acked := plannedOnly(dedupe(acks), pending.ReplicaSet)

	if len(acked) < c.cfg.WriteQuorum {
		c.discardWrite(ctx, pending, acked)
		c.recordFinalize("failed")
		return nil, domain.ErrWriteFailed
	}

	state := domain.ObjectStateUnderReplicated
	if len(acked) >= c.cfg.Factor {
		state = domain.ObjectStateDurable
	}

	obj := pending
	obj.Size = size
	obj.Checksum = checksum
	obj.ReplicaSet = acked
	obj.State = state
	obj.UpdatedAt = c.now().UTC()

	if err := c.store.PutObject(ctx, obj); err != nil {
		// Without a persisted record the write must not report success.
		c.scheduleGC(objectID, version, acked)
		c.recordFinalize("metadata_error")
		return nil, fmt.Errorf("failed to commit object record: %w", err)
	}

	c.recordFinalize(string(state))
	c.logger.Info().
		Str("object_id", objectID).
		Int64("version", version).
		Str("state", string(state)).
		Int("replicas", len(acked)).
		Msg("write finalized")

	if state == domain.ObjectStateUnderReplicated {
		c.enqueueRepair(repairJob{objectID: objectID, tenantID: tenantID, version: version})
	}
	return obj.Clone(), nil
}

// AbortWrite discards an in-flight write whose initiator disconnected. Only
// the tenant that placed the write may abort it, and only while the record
// is still pending. Bytes already accepted by nodes are scheduled for
// asynchronous deletion.
func (c *Coordinator) AbortWrite(ctx context.Context, tenantID, objectID string, version int64, acks []string) error {
	pending, err := c.pendingWrite(ctx, tenantID, objectID, version)
	if err != nil {
		return err
	}
	c.discardWrite(ctx, pending, plannedOnly(dedupe(acks), pending.ReplicaSet))
	return nil
}

// pendingWrite loads the in-flight record for (objectID, version) and
// verifies the caller placed it. Finalize and abort never touch a record
// another tenant owns or one already past the pending state.
func (c *Coordinator) pendingWrite(ctx context.Context, tenantID, objectID string, version int64) (*domain.ObjectRecord, error) {
	obj, err := c.store.GetObjectVersion(ctx, tenantID, objectID, version)
	if err != nil {
		return nil, err
	}
	if obj.State != domain.ObjectStatePending {
		return nil, domain.ErrNoPendingWrite
	}
	return obj, nil
}

// discardWrite tombstones a pending record and schedules deletion of any
// bytes the acking nodes accepted.
func (c *Coordinator) discardWrite(ctx context.Context, pending *domain.ObjectRecord, acked []string) {
	pending.ReplicaSet = nil
	pending.State = domain.ObjectStateDeleted
	pending.UpdatedAt = c.now().UTC()
	if err := c.store.PutObject(ctx, pending); err != nil {
		c.logger.Warn().Err(err).Str("object_id", pending.ID).Msg("failed to tombstone aborted write")
	}
	if len(acked) > 0 {
		c.scheduleGC(pending.ID, pending.Version, acked)
	}
}

// DeleteObject tombstones the latest version of an object and schedules its
// replica bytes for deletion.
func (c *Coordinator) DeleteObject(ctx context.Context, tenantID, objectID string) error {
	obj, err := c.store.GetObject(ctx, tenantID, objectID)
	if err != nil {
		return err
	}

	obj.State = domain.ObjectStateDeleted
	obj.UpdatedAt = c.now().UTC()
	if err := c.store.PutObject(ctx, obj); err != nil {
		return fmt.Errorf("failed to tombstone object: %w", err)
	}

	c.scheduleGC(obj.ID, obj.Version, obj.ReplicaSet)
	c.logger.Info().
		Str("object_id", objectID).
		Int64("version", obj.Version).
		Msg("object deleted")
	return nil
}

// FlagCorruptReplica drops a replica that served bytes failing checksum
// verification, schedules deletion of the bad copy and queues the object for
// re-sync from a good replica. Never blocks the foreground read.
func (c *Coordinator) FlagCorruptReplica(ctx context.Context, tenantID, objectID string, version int64, nodeID string) error {
	obj, err := c.store.GetObjectVersion(ctx, tenantID, objectID, version)
	if err != nil {
		return err
	}
	if !obj.HasReplicaOn(nodeID) {
		return nil
	}

	kept := make([]string, 0, len(obj.ReplicaSet))
	for _, id := range obj.ReplicaSet {
		if id != nodeID {
			kept = append(kept, id)
		}
	}
	obj.ReplicaSet = kept
	obj.State = domain.ObjectStateUnderReplicated
	obj.UpdatedAt = c.now().UTC()

	if err := c.store.PutObject(ctx, obj); err != nil {
		return fmt.Errorf("failed to record corrupt replica: %w", err)
	}

	c.logger.Warn().
		Str("object_id", objectID).
		Str("node_id", nodeID).
		Msg("replica flagged corrupt, scheduling re-sync")

	c.scheduleGC(objectID, version, []string{nodeID})
	c.enqueueRepair(repairJob{objectID: objectID, tenantID: tenantID, version: version})
	return nil
}

func (c *Coordinator) recordPlacement(outcome string) {
	if c.metrics != nil {
		c.metrics.PlacementsTotal.WithLabelValues(outcome).Inc()
	}
}

func (c *Coordinator) recordFinalize(state string) {
	if c.metrics != nil {
		c.metrics.WritesFinalizedTotal.WithLabelValues(state).Inc()
	}
}

// plannedOnly keeps the acks naming nodes the placement plan actually
// selected; a committed replica_set never contains an unplanned node.
func plannedOnly(acks, planned []string) []string {
	allowed := make(map[string]struct{}, len(planned))
	for _, id := range planned {
		allowed[id] = struct{}{}
	}
	out := make([]string, 0, len(acks))
	for _, id := range acks {
		if _, ok := allowed[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
