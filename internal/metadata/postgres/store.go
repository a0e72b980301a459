// Package postgres provides the PostgreSQL-backed metadata store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/prn-tf/bluetap/internal/config"
	"github.com/prn-tf/bluetap/internal/domain"
	"github.com/prn-tf/bluetap/internal/metadata"
)

// Store implements metadata.Store on a pgx connection pool.
type Store struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewStore connects to PostgreSQL and ensures the schema exists.
func NewStore(ctx context.Context, cfg config.DatabaseConfig, logger zerolog.Logger) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		pool:   pool,
		logger: logger.With().Str("component", "metadata").Logger(),
	}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info().
		Str("host", cfg.Host).
		Str("database", cfg.Name).
		Msg("connected to metadata store")

	return s, nil
}

// Pool exposes the underlying connection pool so sibling stores (the user
// directory) can share it.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS nodes (
			node_id           TEXT PRIMARY KEY,
			address           TEXT NOT NULL,
			status            TEXT NOT NULL,
			last_heartbeat_at TIMESTAMPTZ NOT NULL,
			capacity_bytes    BIGINT NOT NULL DEFAULT 0,
			used_bytes        BIGINT NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS objects (
			object_id   TEXT NOT NULL,
			version     BIGINT NOT NULL,
			tenant_id   TEXT NOT NULL,
			size        BIGINT NOT NULL,
			checksum    TEXT NOT NULL,
			replica_set TEXT[] NOT NULL,
			state       TEXT NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (object_id, version)
		);

		CREATE INDEX IF NOT EXISTS idx_objects_tenant ON objects (tenant_id);
		CREATE INDEX IF NOT EXISTS idx_objects_state ON objects (state);
	`
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// SaveNode upserts a node record.
func (s *Store) SaveNode(ctx context.Context, node *domain.NodeRecord) error {
	query := `
		INSERT INTO nodes (node_id, address, status, last_heartbeat_at, capacity_bytes, used_bytes)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (node_id) DO UPDATE SET
			address = EXCLUDED.address,
			status = EXCLUDED.status,
			last_heartbeat_at = EXCLUDED.last_heartbeat_at,
			capacity_bytes = EXCLUDED.capacity_bytes,
			used_bytes = EXCLUDED.used_bytes
	`

	_, err := s.pool.Exec(ctx, query,
		node.ID,
		node.Address,
		string(node.Status),
		node.LastHeartbeatAt,
		node.CapacityBytes,
		node.UsedBytes,
	)
	if err != nil {
		return fmt.Errorf("failed to save node: %w", err)
	}
	return nil
}

// DeleteNode removes a node record.
func (s *Store) DeleteNode(ctx context.Context, nodeID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM nodes WHERE node_id = $1`, nodeID); err != nil {
		return fmt.Errorf("failed to delete node: %w", err)
	}
	return nil
}

// ListNodes returns all persisted node records.
func (s *Store) ListNodes(ctx context.Context) ([]*domain.NodeRecord, error) {
	query := `
		SELECT node_id, address, status, last_heartbeat_at, capacity_bytes, used_bytes
		FROM nodes
		ORDER BY node_id
	`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*domain.NodeRecord
	for rows.Next() {
		node := &domain.NodeRecord{}
		var status string
		err := rows.Scan(
			&node.ID,
			&node.Address,
			&status,
			&node.LastHeartbeatAt,
			&node.CapacityBytes,
			&node.UsedBytes,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		node.Status = domain.NodeStatus(status)
		nodes = append(nodes, node)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating nodes: %w", err)
	}
	return nodes, nil
}

// PutObject upserts one version of an object record.
func (s *Store) PutObject(ctx context.Context, obj *domain.ObjectRecord) error {
	query := `
		INSERT INTO objects (object_id, version, tenant_id, size, checksum, replica_set, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (object_id, version) DO UPDATE SET
			size = EXCLUDED.size,
			checksum = EXCLUDED.checksum,
			replica_set = EXCLUDED.replica_set,
			state = EXCLUDED.state,
			updated_at = EXCLUDED.updated_at
	`

	if obj.UpdatedAt.IsZero() {
		obj.UpdatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx, query,
		obj.ID,
		obj.Version,
		obj.TenantID,
		obj.Size,
		obj.Checksum,
		obj.ReplicaSet,
		string(obj.State),
		obj.CreatedAt,
		obj.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to put object: %w", err)
	}
	return nil
}

// GetObject returns the latest committed version of an object.
func (s *Store) GetObject(ctx context.Context, tenantID, objectID string) (*domain.ObjectRecord, error) {
	query := `
		SELECT object_id, version, tenant_id, size, checksum, replica_set, state, created_at, updated_at
		FROM objects
		WHERE object_id = $1 AND state <> 'pending'
		ORDER BY version DESC
		LIMIT 1
	`

	obj, err := s.scanObject(s.pool.QueryRow(ctx, query, objectID))
	if err != nil {
		return nil, err
	}
	if obj.State == domain.ObjectStateDeleted {
		return nil, domain.ErrObjectNotFound
	}
	if obj.TenantID != tenantID {
		return nil, domain.ErrTenantMismatch
	}
	return obj, nil
}

// GetObjectVersion returns a specific version of an object.
func (s *Store) GetObjectVersion(ctx context.Context, tenantID, objectID string, version int64) (*domain.ObjectRecord, error) {
	query := `
		SELECT object_id, version, tenant_id, size, checksum, replica_set, state, created_at, updated_at
		FROM objects
		WHERE object_id = $1 AND version = $2
	`

	obj, err := s.scanObject(s.pool.QueryRow(ctx, query, objectID, version))
	if err != nil {
		return nil, err
	}
	if obj.TenantID != tenantID {
		return nil, domain.ErrTenantMismatch
	}
	return obj, nil
}

// LatestVersion returns the highest recorded version for an object.
func (s *Store) LatestVersion(ctx context.Context, objectID string) (int64, error) {
	var version int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM objects WHERE object_id = $1`, objectID,
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to get latest version: %w", err)
	}
	return version, nil
}

// ListObjectsByState returns up to limit object records in the given state.
func (s *Store) ListObjectsByState(ctx context.Context, state domain.ObjectState, limit int) ([]*domain.ObjectRecord, error) {
	query := `
		SELECT object_id, version, tenant_id, size, checksum, replica_set, state, created_at, updated_at
		FROM objects
		WHERE state = $1
		ORDER BY updated_at
		LIMIT $2
	`

	rows, err := s.pool.Query(ctx, query, string(state), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list objects: %w", err)
	}
	defer rows.Close()

	var objects []*domain.ObjectRecord
	for rows.Next() {
		obj, err := s.scanObject(rows)
		if err != nil {
			return nil, err
		}
		objects = append(objects, obj)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating objects: %w", err)
	}
	return objects, nil
}

// Ping verifies the store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool.
func (s *Store) Close() {
	s.logger.Info().Msg("closing metadata store")
	s.pool.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanObject(row rowScanner) (*domain.ObjectRecord, error) {
	obj := &domain.ObjectRecord{}
	var state string
	err := row.Scan(
		&obj.ID,
		&obj.Version,
		&obj.TenantID,
		&obj.Size,
		&obj.Checksum,
		&obj.ReplicaSet,
		&state,
		&obj.CreatedAt,
		&obj.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrObjectNotFound
		}
		return nil, fmt.Errorf("failed to scan object: %w", err)
	}
	obj.State = domain.ObjectState(state)
	return obj, nil
}

// Ensure Store implements metadata.Store
var _ metadata.Store = (*Store)(nil)
