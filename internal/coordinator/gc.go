package coordinator

import (
	"context"
	"time"
)

// scheduleGC queues replica bytes for asynchronous deletion on the given
// nodes. Used for aborted and failed writes and for tombstoned objects.
func (c *Coordinator) scheduleGC(objectID string, version int64, nodeIDs []string) {
	task := gcTask{objectID: objectID, version: version, nodeIDs: append([]string(nil), nodeIDs...)}
	select {
	case c.gcQ <- task:
	default:
		// Dropped deletions only leak bytes on nodes, never metadata; the
		// next write to the same key overwrites a higher version anyway.
		c.logger.Warn().Str("object_id", objectID).Msg("gc queue full, dropping task")
	}
}

func (c *Coordinator) gcWorker() {
	defer c.wg.Done()
	for {
		select {
		case task := <-c.gcQ:
			c.runGC(task)
		case <-c.done:
			return
		}
	}
}

// runGC deletes the object's bytes from each node, best effort. Unreachable
// nodes are skipped; their copy becomes unreferenced garbage that a future
// deletion pass may reclaim.
func (c *Coordinator) runGC(task gcTask) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, nodeID := range task.nodeIDs {
		node, err := c.registry.Get(nodeID)
		if err != nil {
			c.recordGC("unknown_node")
			continue
		}

		if err := c.nodes.Delete(ctx, node, task.objectID, task.version); err != nil {
			c.logger.Debug().Err(err).
				Str("object_id", task.objectID).
				Str("node_id", nodeID).
				Msg("gc delete failed")
			c.recordGC("error")
			continue
		}
		c.recordGC("ok")
	}
}

func (c *Coordinator) recordGC(status string) {
	if c.metrics != nil {
		c.metrics.GCDeletesTotal.WithLabelValues(status).Inc()
	}
}
