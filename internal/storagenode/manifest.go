package storagenode

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/prn-tf/bluetap/internal/domain"
)

// Manifest is the node-local index of held replicas, backed by sqlite so a
// restarted node can report accurate usage and serve reads without rescanning
// the data tree.
type Manifest struct {
	db        *sql.DB
	usedBytes atomic.Int64
	count     atomic.Int64
}

// OpenManifest opens (or creates) the manifest database at path.
func OpenManifest(path string) (*Manifest, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest: %w", err)
	}
	// sqlite serializes writers; a single connection avoids busy errors.
	db.SetMaxOpenConns(1)

	schema := `
		CREATE TABLE IF NOT EXISTS replicas (
			object_id TEXT NOT NULL,
			version   INTEGER NOT NULL,
			size      INTEGER NOT NULL,
			checksum  TEXT NOT NULL,
			stored_at INTEGER NOT NULL,
			PRIMARY KEY (object_id, version)
		)
	`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize manifest schema: %w", err)
	}

	m := &Manifest{db: db}
	if err := m.reload(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return m, nil
}

func (m *Manifest) reload() error {
	var used, count sql.NullInt64
	err := m.db.QueryRow(`SELECT COALESCE(SUM(size), 0), COUNT(*) FROM replicas`).Scan(&used, &count)
	if err != nil {
		return fmt.Errorf("failed to load manifest totals: %w", err)
	}
	m.usedBytes.Store(used.Int64)
	m.count.Store(count.Int64)
	return nil
}

// Close closes the manifest database.
func (m *Manifest) Close() error { return m.db.Close() }

// UsedBytes returns the total plaintext bytes recorded.
func (m *Manifest) UsedBytes() int64 { return m.usedBytes.Load() }

// Count returns the number of recorded replicas.
func (m *Manifest) Count() int64 { return m.count.Load() }

// Record upserts a replica entry and adjusts the usage totals.
func (m *Manifest) Record(ctx context.Context, objectID string, version, size int64, checksum string) error {
	prev, _, err := m.Lookup(ctx, objectID, version)
	existed := true
	if err != nil {
		if !errors.Is(err, domain.ErrObjectNotFound) {
			return err
		}
		existed = false
		prev = 0
	}

	_, err = m.db.ExecContext(ctx, `
		INSERT INTO replicas (object_id, version, size, checksum, stored_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (object_id, version) DO UPDATE SET
			size = excluded.size,
			checksum = excluded.checksum,
			stored_at = excluded.stored_at
	`, objectID, version, size, checksum, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to record replica: %w", err)
	}

	m.usedBytes.Add(size - prev)
	if !existed {
		m.count.Add(1)
	}
	return nil
}

// Lookup returns the recorded size and checksum of a replica.
func (m *Manifest) Lookup(ctx context.Context, objectID string, version int64) (int64, string, error) {
	var size int64
	var checksum string
	err := m.db.QueryRowContext(ctx,
		`SELECT size, checksum FROM replicas WHERE object_id = ? AND version = ?`,
		objectID, version,
	).Scan(&size, &checksum)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, "", domain.ErrObjectNotFound
		}
		return 0, "", fmt.Errorf("failed to look up replica: %w", err)
	}
	return size, checksum, nil
}

// Remove deletes a replica entry and adjusts the usage totals. Removing an
// absent entry is a no-op.
func (m *Manifest) Remove(ctx context.Context, objectID string, version int64) error {
	size, _, err := m.Lookup(ctx, objectID, version)
	if err != nil {
		if errors.Is(err, domain.ErrObjectNotFound) {
			return nil
		}
		return err
	}

	if _, err := m.db.ExecContext(ctx,
		`DELETE FROM replicas WHERE object_id = ? AND version = ?`,
		objectID, version,
	); err != nil {
		return fmt.Errorf("failed to remove replica: %w", err)
	}

	m.usedBytes.Add(-size)
	m.count.Add(-1)
	return nil
}
