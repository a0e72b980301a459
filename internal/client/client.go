package client

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/prn-tf/bluetap/internal/config"
	"github.com/prn-tf/bluetap/internal/coordinator"
	"github.com/prn-tf/bluetap/internal/domain"
	"github.com/prn-tf/bluetap/internal/metadata"
	"github.com/prn-tf/bluetap/internal/metrics"
)

// ControlPlane is what the library needs from the write coordinator:
// placement before the fan-out, the commit decision after it, and the
// corrupt-replica signal from verified reads. *coordinator.Coordinator
// satisfies it.
type ControlPlane interface {
	PlaceWrite(ctx context.Context, tenantID, objectID string, size int64) (*domain.PlacementPlan, error)
	FinalizeWrite(ctx context.Context, tenantID, objectID string, version int64, acks []string, checksum string, size int64) (*domain.ObjectRecord, error)
	AbortWrite(ctx context.Context, tenantID, objectID string, version int64, acks []string) error
	DeleteObject(ctx context.Context, tenantID, objectID string) error
	FlagCorruptReplica(ctx context.Context, tenantID, objectID string, version int64, nodeID string) error
}

// ClusterView resolves node addresses and accepts the fast failure signal.
// *registry.Registry satisfies it.
type ClusterView interface {
	Get(nodeID string) (*domain.NodeRecord, error)
	MarkSuspect(nodeID string, observedAt time.Time)
}

var _ ControlPlane = (*coordinator.Coordinator)(nil)

// Client is the object I/O library. Writes fan out to the planned nodes in
// parallel and commit through the control plane; reads walk the replica set
// in health order, verifying checksums and failing over past dead or corrupt
// replicas.
type Client struct {
	control ControlPlane
	cluster ClusterView
	store   metadata.Store
	nodes   coordinator.NodeClient
	cfg     config.ClientConfig
	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Options configures a Client.
type Options struct {
	Control ControlPlane
	Cluster ClusterView
	Store   metadata.Store
	Nodes   coordinator.NodeClient
	Config  config.ClientConfig
	Metrics *metrics.Metrics
	Logger  zerolog.Logger

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// New creates a Client.
func New(opts Options) *Client {
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	cfg := opts.Config
	if cfg.NodeTimeout <= 0 {
		cfg.NodeTimeout = 10 * time.Second
	}
	return &Client{
		control: opts.Control,
		cluster: opts.Cluster,
		store:   opts.Store,
		nodes:   opts.Nodes,
		cfg:     cfg,
		logger:  opts.Logger.With().Str("component", "client").Logger(),
		metrics: opts.Metrics,
		now:     now,
	}
}

// Write stores an object: it requests a placement plan, streams the bytes to
// every planned node in parallel, then commits the outcome. An empty objectID
// creates a fresh object; a known one writes its next version. Individual
// node failures are absorbed (the quorum decides at finalize); an unreachable
// node is reported suspect immediately. If the caller's context is canceled
// mid-flight the write is aborted and acked bytes are scheduled for deletion.
func (c *Client) Write(ctx context.Context, tenantID, objectID string, data []byte) (*domain.ObjectRecord, error) {
	sum := sha256.Sum256(data)
	checksum := hex.EncodeToString(sum[:])
	size := int64(len(data))

	plan, err := c.control.PlaceWrite(ctx, tenantID, objectID, size)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	acks := make([]string, 0, len(plan.Nodes))

	g, gctx := errgroup.WithContext(ctx)
	for _, node := range plan.Nodes {
		node := node
		g.Go(func() error {
			nctx, cancel := WithTimeout(gctx, c.cfg.NodeTimeout)
			defer cancel()

			err := c.nodes.Put(nctx, node, plan.ObjectID, plan.Version, checksum, size, bytes.NewReader(data))
			if err != nil {
				c.logger.Warn().Err(err).
					Str("object_id", plan.ObjectID).
					Str("node_id", node.ID).
					Msg("replica write failed")
				if errors.Is(err, domain.ErrNodeUnreachable) {
					c.cluster.MarkSuspect(node.ID, node.LastHeartbeatAt)
				}
				// One lost replica is not fatal; the quorum decides below.
				return nil
			}

			mu.Lock()
			acks = append(acks, node.ID)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		if err := c.control.AbortWrite(context.WithoutCancel(ctx), tenantID, plan.ObjectID, plan.Version, acks); err != nil {
			c.logger.Warn().Err(err).Str("object_id", plan.ObjectID).Msg("failed to abort in-flight write")
		}
		return nil, ctx.Err()
	}

	return c.control.FinalizeWrite(ctx, tenantID, plan.ObjectID, plan.Version, acks, checksum, size)
}

// Read fetches the latest committed version of an object. Replicas are tried
// in health order; an unreachable replica is reported suspect and skipped, a
// replica serving bytes that fail checksum verification is flagged for
// re-sync and skipped. Returns ErrObjectUnavailable once every replica has
// been exhausted.
func (c *Client) Read(ctx context.Context, tenantID, objectID string) ([]byte, *domain.ObjectRecord, error) {
	obj, err := c.store.GetObject(ctx, tenantID, objectID)
	if err != nil {
		return nil, nil, err
	}

	for _, node := range c.orderReplicas(obj) {
		data, err := c.readReplica(ctx, node, obj)
		if err == nil {
			return data, obj, nil
		}
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		c.recordFailover()
	}

	c.logger.Warn().
		Str("object_id", objectID).
		Int("replicas", len(obj.ReplicaSet)).
		Msg("all replicas exhausted")
	return nil, nil, domain.ErrObjectUnavailable
}

func (c *Client) readReplica(ctx context.Context, node *domain.NodeRecord, obj *domain.ObjectRecord) ([]byte, error) {
	nctx, cancel := WithTimeout(ctx, c.cfg.NodeTimeout)
	defer cancel()

	body, err := c.nodes.Get(nctx, node, obj.ID, obj.Version)
	if err != nil {
		c.logger.Warn().Err(err).
			Str("object_id", obj.ID).
			Str("node_id", node.ID).
			Msg("replica read failed")
		if errors.Is(err, domain.ErrNodeUnreachable) {
			c.cluster.MarkSuspect(node.ID, node.LastHeartbeatAt)
		}
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		c.cluster.MarkSuspect(node.ID, node.LastHeartbeatAt)
		return nil, err
	}

	if obj.Checksum != "" {
		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != obj.Checksum {
			c.recordChecksumMismatch()
			c.logger.Warn().
				Str("object_id", obj.ID).
				Str("node_id", node.ID).
				Msg("replica failed checksum verification")
			if err := c.control.FlagCorruptReplica(context.WithoutCancel(ctx), obj.TenantID, obj.ID, obj.Version, node.ID); err != nil {
				c.logger.Warn().Err(err).Str("node_id", node.ID).Msg("failed to flag corrupt replica")
			}
			return nil, domain.ErrChecksumMismatch
		}
	}
	return data, nil
}

// Delete removes an object through the control plane. Replica bytes are
// reclaimed asynchronously.
func (c *Client) Delete(ctx context.Context, tenantID, objectID string) error {
	return c.control.DeleteObject(ctx, tenantID, objectID)
}

// Replicas returns the committed record for an object, resolving the current
// address and status of each replica holder.
func (c *Client) Replicas(ctx context.Context, tenantID, objectID string) (*domain.ObjectRecord, []*domain.NodeRecord, error) {
	obj, err := c.store.GetObject(ctx, tenantID, objectID)
	if err != nil {
		return nil, nil, err
	}
	nodes := make([]*domain.NodeRecord, 0, len(obj.ReplicaSet))
	for _, id := range obj.ReplicaSet {
		node, err := c.cluster.Get(id)
		if err != nil {
			continue
		}
		nodes = append(nodes, node)
	}
	return obj, nodes, nil
}

// orderReplicas resolves the replica set to node records, online nodes first
// and the most recently heard-from first within each status. Nodes the
// registry no longer knows come last as a bare-address fallback.
func (c *Client) orderReplicas(obj *domain.ObjectRecord) []*domain.NodeRecord {
	out := make([]*domain.NodeRecord, 0, len(obj.ReplicaSet))
	for _, id := range obj.ReplicaSet {
		node, err := c.cluster.Get(id)
		if err != nil {
			continue
		}
		out = append(out, node)
	}

	rank := func(n *domain.NodeRecord) int {
		switch n.Status {
		case domain.NodeStatusOnline:
			return 0
		case domain.NodeStatusSuspect:
			return 1
		default:
			return 2
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if ri, rj := rank(out[i]), rank(out[j]); ri != rj {
			return ri < rj
		}
		if !out[i].LastHeartbeatAt.Equal(out[j].LastHeartbeatAt) {
			return out[i].LastHeartbeatAt.After(out[j].LastHeartbeatAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (c *Client) recordFailover() {
	if c.metrics != nil {
		c.metrics.ReadFailoversTotal.Inc()
	}
}

func (c *Client) recordChecksumMismatch() {
	if c.metrics != nil {
		c.metrics.ChecksumMismatchTotal.Inc()
	}
}
