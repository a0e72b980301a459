package domain

import "time"

// ObjectState represents the replication state of a stored object.
type ObjectState string

const (
	// ObjectStatePending means a placement plan exists but the write has not
	// been finalized yet.
	ObjectStatePending ObjectState = "pending"

	// ObjectStateDurable means the full replica target R was reached.
	ObjectStateDurable ObjectState = "durable"

	// ObjectStateUnderReplicated means the write committed with at least the
	// write quorum W but fewer than R replicas. Background repair brings the
	// replica set back to R.
	ObjectStateUnderReplicated ObjectState = "under_replicated"

	// ObjectStateDeleted marks a tombstoned object. Replica bytes are
	// garbage-collected asynchronously.
	ObjectStateDeleted ObjectState = "deleted"
)

// ObjectRecord is the metadata for one version of a stored object.
// The replica set lists node IDs in placement order; it contains only nodes
// that were online at placement time and is not reconciled reactively when
// nodes later go offline.
type ObjectRecord struct {
	// ID is the unique object identifier.
	ID string `json:"id"`

	// TenantID scopes the object to exactly one tenant.
	TenantID string `json:"tenant_id"`

	// Size is the object size in bytes.
	Size int64 `json:"size"`

	// Checksum is the SHA-256 of the object content (64 hex characters).
	Checksum string `json:"checksum"`

	// Version is incremented on every overwrite, starting at 1.
	Version int64 `json:"version"`

	// ReplicaSet is the ordered set of node IDs holding a copy.
	ReplicaSet []string `json:"replica_set"`

	// State is the replication state of this version.
	State ObjectState `json:"state"`

	// CreatedAt is when this version was committed.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when this record was last modified (repair, delete).
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy, including the replica set slice.
func (o *ObjectRecord) Clone() *ObjectRecord {
	c := *o
	c.ReplicaSet = append([]string(nil), o.ReplicaSet...)
	return &c
}

// HasReplicaOn reports whether nodeID is part of the replica set.
func (o *ObjectRecord) HasReplicaOn(nodeID string) bool {
	for _, id := range o.ReplicaSet {
		if id == nodeID {
			return true
		}
	}
	return false
}

// PlacementPlan names the nodes a client should stream a write to.
type PlacementPlan struct {
	// ObjectID identifies the object being written.
	ObjectID string `json:"object_id"`

	// TenantID is the owning tenant.
	TenantID string `json:"tenant_id"`

	// Version is the object version this plan commits as.
	Version int64 `json:"version"`

	// Nodes are the selected targets, least-loaded first. Up to R entries.
	Nodes []*NodeRecord `json:"nodes"`
}
