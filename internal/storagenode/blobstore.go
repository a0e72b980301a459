// Package storagenode implements the per-node storage service: a local blob
// store for replica bytes, its manifest, the data-plane HTTP API and the
// heartbeat agent. Nodes are fully independent of each other; the only shared
// state is what flows through the defined RPCs.
package storagenode

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/prn-tf/bluetap/internal/domain"
	"github.com/prn-tf/bluetap/internal/pkg/crypto"
)

const shardCount = 64

// shardedLock provides per-replica locking without a global mutex, so
// concurrent operations on different replicas never serialize.
type shardedLock struct {
	locks [shardCount]sync.RWMutex
}

func shardIndex(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % shardCount)
}

func (sl *shardedLock) Lock(key string)    { sl.locks[shardIndex(key)].Lock() }
func (sl *shardedLock) Unlock(key string)  { sl.locks[shardIndex(key)].Unlock() }
func (sl *shardedLock) RLock(key string)   { sl.locks[shardIndex(key)].RLock() }
func (sl *shardedLock) RUnlock(key string) { sl.locks[shardIndex(key)].RUnlock() }

// BlobStore holds replica bytes on the local filesystem, keyed by object ID
// and version. Bytes survive restarts; the manifest is reloaded from sqlite
// on startup so usage reporting stays correct.
type BlobStore struct {
	dataDir  string
	tempDir  string
	capacity int64
	reserved atomic.Int64          // bytes claimed by in-flight writes
	cipher   *crypto.ReplicaCipher // nil = store plaintext
	manifest *Manifest
	logger   zerolog.Logger
	shards   shardedLock
	tempMu   sync.Mutex
}

// BlobStoreConfig holds configuration for the blob store.
type BlobStoreConfig struct {
	DataDir       string
	TempDir       string
	CapacityBytes int64

	// MasterKey enables at-rest encryption when non-nil (32 bytes).
	MasterKey []byte
}

// NewBlobStore creates a blob store rooted at the configured directories and
// reloads the replica manifest.
func NewBlobStore(cfg BlobStoreConfig, logger zerolog.Logger) (*BlobStore, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.MkdirAll(cfg.TempDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}

	dataDir, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path for data dir: %w", err)
	}
	tempDir, err := filepath.Abs(cfg.TempDir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path for temp dir: %w", err)
	}

	var cipher *crypto.ReplicaCipher
	if cfg.MasterKey != nil {
		cipher, err = crypto.NewReplicaCipher(cfg.MasterKey)
		if err != nil {
			return nil, err
		}
	}

	manifest, err := OpenManifest(filepath.Join(dataDir, "manifest.db"))
	if err != nil {
		return nil, err
	}

	logger.Info().
		Str("data_dir", dataDir).
		Int64("capacity_bytes", cfg.CapacityBytes).
		Bool("encrypted", cipher != nil).
		Int64("used_bytes", manifest.UsedBytes()).
		Msg("blob store initialized")

	return &BlobStore{
		dataDir:  dataDir,
		tempDir:  tempDir,
		capacity: cfg.CapacityBytes,
		cipher:   cipher,
		manifest: manifest,
		logger:   logger.With().Str("component", "blobstore").Logger(),
	}, nil
}

// Close releases the manifest database.
func (s *BlobStore) Close() error {
	return s.manifest.Close()
}

// UsedBytes returns the plaintext bytes currently held.
func (s *BlobStore) UsedBytes() int64 { return s.manifest.UsedBytes() }

// CapacityBytes returns the configured capacity.
func (s *BlobStore) CapacityBytes() int64 { return s.capacity }

// ReplicaCount returns the number of replicas held.
func (s *BlobStore) ReplicaCount() int64 { return s.manifest.Count() }

// replicaKey keys the lock shards and manifest rows.
func replicaKey(objectID string, version int64) string {
	return fmt.Sprintf("%s:%d", objectID, version)
}

// path returns the on-disk location for a replica, sharded two levels deep
// to keep directories small.
func (s *BlobStore) path(objectID string, version int64) string {
	name := fmt.Sprintf("%s.%d", objectID, version)
	if len(objectID) < 4 {
		return filepath.Join(s.dataDir, name)
	}
	return filepath.Join(s.dataDir, objectID[0:2], objectID[2:4], name)
}

// Put streams a replica to disk. The checksum always covers the plaintext;
// when encryption is enabled the ciphertext lands on disk but the hash is
// computed on what the client sent. Rejects with ErrInsufficientSpace when
// the write would exceed capacity and ErrChecksumMismatch when the received
// bytes do not hash to expectedChecksum.
func (s *BlobStore) Put(ctx context.Context, objectID string, version int64, body io.Reader, expectedChecksum string, size int64) error {
	// Reserve the bytes up front so concurrent writes cannot jointly run
	// past capacity. The reservation is dropped once the manifest accounts
	// for the write, or when the write fails.
	if size > 0 && s.capacity > 0 {
		if s.manifest.UsedBytes()+s.reserved.Add(size) > s.capacity {
			s.reserved.Add(-size)
			return domain.ErrInsufficientSpace
		}
		defer s.reserved.Add(-size)
	}

	s.tempMu.Lock()
	tempFile, err := os.CreateTemp(s.tempDir, "put-*")
	s.tempMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tempPath := tempFile.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tempPath)
		}
	}()

	hasher := sha256.New()
	counter := &countingReader{source: body}
	source := io.Reader(io.TeeReader(counter, hasher))

	if s.cipher != nil {
		source, err = s.cipher.EncryptReader(source, []byte(replicaKey(objectID, version)))
		if err != nil {
			_ = tempFile.Close()
			return err
		}
	}

	if _, err := io.Copy(tempFile, source); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("failed to write replica: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	checksum := hex.EncodeToString(hasher.Sum(nil))
	if expectedChecksum != "" && checksum != expectedChecksum {
		return domain.ErrChecksumMismatch
	}

	plainSize := counter.n
	if size > 0 && plainSize != size {
		return fmt.Errorf("size mismatch: expected %d, got %d", size, plainSize)
	}

	key := replicaKey(objectID, version)
	s.shards.Lock(key)
	defer s.shards.Unlock(key)

	fullPath := s.path(objectID, version)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return fmt.Errorf("failed to create target directory: %w", err)
	}
	if err := os.Rename(tempPath, fullPath); err != nil {
		return fmt.Errorf("failed to move replica into place: %w", err)
	}
	success = true

	if err := s.manifest.Record(ctx, objectID, version, plainSize, checksum); err != nil {
		return fmt.Errorf("failed to record replica in manifest: %w", err)
	}

	s.logger.Debug().
		Str("object_id", objectID).
		Int64("version", version).
		Int64("size", plainSize).
		Msg("replica stored")
	return nil
}

// Get returns a reader over the plaintext replica bytes.
func (s *BlobStore) Get(ctx context.Context, objectID string, version int64) (io.ReadCloser, error) {
	key := replicaKey(objectID, version)
	s.shards.RLock(key)
	defer s.shards.RUnlock(key)

	file, err := os.Open(s.path(objectID, version))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, domain.ErrObjectNotFound
		}
		return nil, fmt.Errorf("failed to open replica: %w", err)
	}

	if s.cipher == nil {
		return file, nil
	}

	plain, err := s.cipher.DecryptReader(file, []byte(key))
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	return &readCloser{reader: plain, closer: file}, nil
}

// Stat returns the recorded size and checksum of a held replica.
func (s *BlobStore) Stat(ctx context.Context, objectID string, version int64) (int64, string, error) {
	return s.manifest.Lookup(ctx, objectID, version)
}

// Delete removes a replica and its manifest entry. Deleting a replica that
// is not held succeeds; deletes are idempotent.
func (s *BlobStore) Delete(ctx context.Context, objectID string, version int64) error {
	key := replicaKey(objectID, version)
	s.shards.Lock(key)
	defer s.shards.Unlock(key)

	fullPath := s.path(objectID, version)
	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete replica: %w", err)
	}
	s.cleanupEmptyDirs(filepath.Dir(fullPath))

	if err := s.manifest.Remove(ctx, objectID, version); err != nil {
		return fmt.Errorf("failed to remove manifest entry: %w", err)
	}

	s.logger.Debug().
		Str("object_id", objectID).
		Int64("version", version).
		Msg("replica deleted")
	return nil
}

// HealthCheck verifies the data directory is writable.
func (s *BlobStore) HealthCheck(ctx context.Context) error {
	testPath := filepath.Join(s.tempDir, ".health-check")
	if err := os.WriteFile(testPath, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("failed to write test file: %w", err)
	}
	if err := os.Remove(testPath); err != nil {
		return fmt.Errorf("failed to remove test file: %w", err)
	}
	return nil
}

// cleanupEmptyDirs removes empty shard directories up to the data root.
func (s *BlobStore) cleanupEmptyDirs(dir string) {
	for dir != s.dataDir && dir != "" {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// countingReader tracks plaintext bytes consumed from the request body.
type countingReader struct {
	source io.Reader
	n      int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.source.Read(p)
	c.n += int64(n)
	return n, err
}

type readCloser struct {
	reader io.Reader
	closer io.Closer
}

func (r *readCloser) Read(p []byte) (int, error) { return r.reader.Read(p) }
func (r *readCloser) Close() error               { return r.closer.Close() }
