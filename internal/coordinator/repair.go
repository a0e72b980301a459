package coordinator

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/prn-tf/bluetap/internal/domain"
)

// enqueueRepair offers a job to the repair queue without blocking the
// foreground path. A full queue is fine: the periodic scanner will find the
// object again.
func (c *Coordinator) enqueueRepair(job repairJob) {
	select {
	case c.repairQ <- job:
		if c.metrics != nil {
			c.metrics.RepairQueueDepth.Set(float64(len(c.repairQ)))
		}
	default:
		c.logger.Warn().Str("object_id", job.objectID).Msg("repair queue full, dropping job")
	}
}

func (c *Coordinator) repairWorker() {
	defer c.wg.Done()
	for {
		select {
		case job := <-c.repairQ:
			if c.metrics != nil {
				c.metrics.RepairQueueDepth.Set(float64(len(c.repairQ)))
			}
			c.runRepair(job)
		case <-c.done:
			return
		}
	}
}

func (c *Coordinator) runRepair(job repairJob) {
	start := c.now()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	err := c.repairObject(ctx, job)
	cancel()

	if c.metrics != nil {
		c.metrics.RepairDuration.Observe(c.now().Sub(start).Seconds())
	}

	if err == nil {
		if c.metrics != nil {
			c.metrics.RepairsTotal.WithLabelValues("ok").Inc()
		}
		return
	}

	c.logger.Warn().Err(err).
		Str("object_id", job.objectID).
		Int("attempt", job.attempt).
		Msg("repair attempt failed")

	if job.attempt+1 >= c.maxRepairAttempts() {
		if c.metrics != nil {
			c.metrics.RepairsTotal.WithLabelValues("gave_up").Inc()
		}
		c.logger.Error().
			Str("object_id", job.objectID).
			Msg("repair abandoned after max attempts; scanner will retry later")
		return
	}

	if c.metrics != nil {
		c.metrics.RepairsTotal.WithLabelValues("retry").Inc()
	}
	job.attempt++
	c.retryAfter(job, c.repairBackoff(job.attempt))
}

// retryAfter re-enqueues a job once the backoff elapses, without tying up a
// worker in the meantime.
func (c *Coordinator) retryAfter(job repairJob, delay time.Duration) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		select {
		case <-time.After(delay):
			c.enqueueRepair(job)
		case <-c.done:
		}
	}()
}

// repairObject copies the object from one existing replica to enough new
// nodes to restore the replication factor, then updates the record. Best
// effort: a partially successful pass commits whatever progress it made.
func (c *Coordinator) repairObject(ctx context.Context, job repairJob) error {
	obj, err := c.store.GetObjectVersion(ctx, job.tenantID, job.objectID, job.version)
	if err != nil {
		if err == domain.ErrObjectNotFound {
			return nil // deleted or superseded since enqueue
		}
		return err
	}
	if obj.State != domain.ObjectStateUnderReplicated {
		return nil
	}

	missing := c.cfg.Factor - len(obj.ReplicaSet)
	if missing <= 0 {
		return nil
	}

	exclude := make(map[string]struct{}, len(obj.ReplicaSet))
	for _, id := range obj.ReplicaSet {
		exclude[id] = struct{}{}
	}
	targets := c.registry.ListHealthy(exclude)
	if len(targets) == 0 {
		return fmt.Errorf("no healthy nodes outside the replica set")
	}
	if len(targets) > missing {
		targets = targets[:missing]
	}

	source, err := c.pickSource(obj)
	if err != nil {
		return err
	}

	added := 0
	for _, target := range targets {
		if err := c.copyReplica(ctx, obj, source, target); err != nil {
			c.logger.Warn().Err(err).
				Str("object_id", obj.ID).
				Str("target", target.ID).
				Msg("replica copy failed")
			continue
		}
		obj.ReplicaSet = append(obj.ReplicaSet, target.ID)
		added++
	}
	if added == 0 {
		return fmt.Errorf("no replica copies succeeded")
	}

	if len(obj.ReplicaSet) >= c.cfg.Factor {
		obj.State = domain.ObjectStateDurable
	}
	obj.UpdatedAt = c.now().UTC()
	if err := c.store.PutObject(ctx, obj); err != nil {
		return fmt.Errorf("failed to commit repaired replica set: %w", err)
	}

	c.logger.Info().
		Str("object_id", obj.ID).
		Int("replicas", len(obj.ReplicaSet)).
		Str("state", string(obj.State)).
		Msg("object repaired")

	if obj.State == domain.ObjectStateUnderReplicated {
		return fmt.Errorf("still below replication factor")
	}
	return nil
}

// pickSource returns the first replica-set member the registry still
// considers online.
func (c *Coordinator) pickSource(obj *domain.ObjectRecord) (*domain.NodeRecord, error) {
	for _, id := range obj.ReplicaSet {
		node, err := c.registry.Get(id)
		if err != nil {
			continue
		}
		if node.Status == domain.NodeStatusOnline {
			return node, nil
		}
	}
	return nil, fmt.Errorf("no online source replica")
}

func (c *Coordinator) copyReplica(ctx context.Context, obj *domain.ObjectRecord, source, target *domain.NodeRecord) error {
	body, err := c.nodes.Get(ctx, source, obj.ID, obj.Version)
	if err != nil {
		c.registry.MarkSuspect(source.ID, source.LastHeartbeatAt)
		return fmt.Errorf("read from source %s: %w", source.ID, err)
	}
	defer body.Close()

	if err := c.nodes.Put(ctx, target, obj.ID, obj.Version, obj.Checksum, obj.Size, body); err != nil {
		return fmt.Errorf("write to target %s: %w", target.ID, err)
	}
	return nil
}

// scanLoop periodically re-discovers under-replicated objects so that work
// dropped from the queue (restart, overflow, abandoned retries) is not lost.
func (c *Coordinator) scanLoop(interval time.Duration) {
	defer c.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.scanOnce()
		case <-c.done:
			return
		}
	}
}

func (c *Coordinator) scanOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	objects, err := c.store.ListObjectsByState(ctx, domain.ObjectStateUnderReplicated, 128)
	if err != nil {
		c.logger.Warn().Err(err).Msg("repair scan failed")
		return
	}
	for _, obj := range objects {
		c.enqueueRepair(repairJob{objectID: obj.ID, tenantID: obj.TenantID, version: obj.Version})
	}
}

func (c *Coordinator) maxRepairAttempts() int {
	if c.cfg.RepairMaxAttempts < 1 {
		return 1
	}
	return c.cfg.RepairMaxAttempts
}

// repairBackoff returns the delay before the given attempt: exponential,
// capped at a minute, with jitter to spread retries out.
func (c *Coordinator) repairBackoff(attempt int) time.Duration {
	base := c.cfg.RepairBackoff
	if base <= 0 {
		base = time.Second
	}
	d := base << uint(attempt-1)
	if d > time.Minute {
		d = time.Minute
	}
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d + jitter
}
