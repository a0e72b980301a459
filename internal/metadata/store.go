// Package metadata defines the narrow persistence interface the control
// plane reads and writes through. The backing engine is external to the core;
// implementations live in subpackages.
package metadata

import (
	"context"

	"github.com/prn-tf/bluetap/internal/domain"
)

// Store is the durable key-value persistence used by the control plane.
// Node records are persisted so a restarted gateway can rebuild a cold
// cluster view; object records carry enough version history to support
// overwrite; sessions live in their own TTL keyspace (see internal/auth).
type Store interface {
	// SaveNode upserts a node record.
	SaveNode(ctx context.Context, node *domain.NodeRecord) error

	// DeleteNode removes a node record.
	DeleteNode(ctx context.Context, nodeID string) error

	// ListNodes returns all persisted node records.
	ListNodes(ctx context.Context) ([]*domain.NodeRecord, error)

	// PutObject upserts one version of an object record.
	PutObject(ctx context.Context, obj *domain.ObjectRecord) error

	// GetObject returns the latest committed (non-pending) version of an
	// object, scoped to the tenant. Returns domain.ErrObjectNotFound if the
	// object does not exist or its latest version is a tombstone.
	GetObject(ctx context.Context, tenantID, objectID string) (*domain.ObjectRecord, error)

	// GetObjectVersion returns a specific version of an object.
	GetObjectVersion(ctx context.Context, tenantID, objectID string, version int64) (*domain.ObjectRecord, error)

	// LatestVersion returns the highest version recorded for an object in any
	// state, or 0 when the object is unknown.
	LatestVersion(ctx context.Context, objectID string) (int64, error)

	// ListObjectsByState returns up to limit object records in the given
	// state. Used by the background repair scanner.
	ListObjectsByState(ctx context.Context, state domain.ObjectState, limit int) ([]*domain.ObjectRecord, error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	// Close releases the store's resources.
	Close()
}
