// Package memory provides an in-memory metadata store for tests and
// single-binary development setups.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/prn-tf/bluetap/internal/domain"
	"github.com/prn-tf/bluetap/internal/metadata"
)

// Store implements metadata.Store with plain maps.
type Store struct {
	mu      sync.RWMutex
	nodes   map[string]*domain.NodeRecord
	objects map[string]map[int64]*domain.ObjectRecord // object_id -> version -> record
}

// NewStore creates an empty in-memory metadata store.
func NewStore() *Store {
	return &Store{
		nodes:   make(map[string]*domain.NodeRecord),
		objects: make(map[string]map[int64]*domain.ObjectRecord),
	}
}

// SaveNode upserts a node record.
func (s *Store) SaveNode(ctx context.Context, node *domain.NodeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[node.ID] = node.Clone()
	return nil
}

// DeleteNode removes a node record.
func (s *Store) DeleteNode(ctx context.Context, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.nodes, nodeID)
	return nil
}

// ListNodes returns all persisted node records sorted by ID.
func (s *Store) ListNodes(ctx context.Context) ([]*domain.NodeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.NodeRecord, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// PutObject upserts one version of an object record.
func (s *Store) PutObject(ctx context.Context, obj *domain.ObjectRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions, ok := s.objects[obj.ID]
	if !ok {
		versions = make(map[int64]*domain.ObjectRecord)
		s.objects[obj.ID] = versions
	}
	versions[obj.Version] = obj.Clone()
	return nil
}

// GetObject returns the latest committed version of an object.
func (s *Store) GetObject(ctx context.Context, tenantID, objectID string) (*domain.ObjectRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions, ok := s.objects[objectID]
	if !ok {
		return nil, domain.ErrObjectNotFound
	}

	var latest *domain.ObjectRecord
	for _, obj := range versions {
		if obj.State == domain.ObjectStatePending {
			continue
		}
		if latest == nil || obj.Version > latest.Version {
			latest = obj
		}
	}
	if latest == nil || latest.State == domain.ObjectStateDeleted {
		return nil, domain.ErrObjectNotFound
	}
	if latest.TenantID != tenantID {
		return nil, domain.ErrTenantMismatch
	}
	return latest.Clone(), nil
}

// GetObjectVersion returns a specific version of an object.
func (s *Store) GetObjectVersion(ctx context.Context, tenantID, objectID string, version int64) (*domain.ObjectRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[objectID][version]
	if !ok {
		return nil, domain.ErrObjectNotFound
	}
	if obj.TenantID != tenantID {
		return nil, domain.ErrTenantMismatch
	}
	return obj.Clone(), nil
}

// LatestVersion returns the highest recorded version for an object.
func (s *Store) LatestVersion(ctx context.Context, objectID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest int64
	for v := range s.objects[objectID] {
		if v > latest {
			latest = v
		}
	}
	return latest, nil
}

// ListObjectsByState returns up to limit object records in the given state.
func (s *Store) ListObjectsByState(ctx context.Context, state domain.ObjectState, limit int) ([]*domain.ObjectRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.ObjectRecord
	for _, versions := range s.objects {
		for _, obj := range versions {
			if obj.State == state {
				out = append(out, obj.Clone())
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Ping always succeeds.
func (s *Store) Ping(ctx context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() {}

// Ensure Store implements metadata.Store
var _ metadata.Store = (*Store)(nil)
