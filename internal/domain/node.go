// Package domain contains the core entities of the Bluetap control plane.
package domain

import "time"

// NodeStatus represents the liveness state of a storage node.
type NodeStatus string

const (
	// NodeStatusRegistering means the node has registered but has not yet
	// sent a heartbeat.
	NodeStatusRegistering NodeStatus = "registering"

	// NodeStatusOnline means the node is heartbeating within the timeout.
	NodeStatusOnline NodeStatus = "online"

	// NodeStatusSuspect means a heartbeat has been missed; the node stays in
	// this state for a grace window before being declared offline.
	NodeStatusSuspect NodeStatus = "suspect"

	// NodeStatusOffline means the grace window elapsed with no heartbeat.
	// The node must re-register to rejoin the cluster.
	NodeStatusOffline NodeStatus = "offline"
)

// NodeRecord describes a storage node as seen by the cluster registry.
// Status reflects heartbeat recency only; administrative removal deletes
// the record instead of changing its status.
type NodeRecord struct {
	// ID is the unique identifier of the node.
	ID string `json:"id"`

	// Address is the host:port of the node's data-plane API.
	Address string `json:"address"`

	// Status is the current liveness state.
	Status NodeStatus `json:"status"`

	// LastHeartbeatAt is when the registry last observed this node.
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`

	// CapacityBytes is the total storage capacity reported at registration.
	CapacityBytes int64 `json:"capacity_bytes"`

	// UsedBytes is the storage usage from the most recent heartbeat.
	UsedBytes int64 `json:"used_bytes"`
}

// FreeBytes returns the remaining capacity of the node.
func (n *NodeRecord) FreeBytes() int64 {
	free := n.CapacityBytes - n.UsedBytes
	if free < 0 {
		return 0
	}
	return free
}

// Clone returns a deep copy of the record so callers can't mutate
// registry-owned state.
func (n *NodeRecord) Clone() *NodeRecord {
	c := *n
	return &c
}

// HeartbeatStats is the usage report carried by a heartbeat. It is transient
// and never persisted.
type HeartbeatStats struct {
	// CapacityBytes is the node's total capacity. Zero means unchanged.
	CapacityBytes int64 `json:"capacity_bytes"`

	// UsedBytes is the node's current usage.
	UsedBytes int64 `json:"used_bytes"`
}
