package storagenode

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/bluetap/internal/domain"
)

func newTestStore(t *testing.T, capacity int64, masterKey []byte) *BlobStore {
	t.Helper()
	dir := t.TempDir()
	store, err := NewBlobStore(BlobStoreConfig{
		DataDir:       filepath.Join(dir, "data"),
		TempDir:       filepath.Join(dir, "tmp"),
		CapacityBytes: capacity,
		MasterKey:     masterKey,
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func checksumOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestPutGetRoundTrip(t *testing.T) {
	store := newTestStore(t, 1<<20, nil)
	ctx := context.Background()
	data := []byte("hello, replica")

	require.NoError(t, store.Put(ctx, "obj-1", 1, bytes.NewReader(data), checksumOf(data), int64(len(data))))

	body, err := store.Get(ctx, "obj-1", 1)
	require.NoError(t, err)
	defer body.Close()
	got, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	size, checksum, err := store.Stat(ctx, "obj-1", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), size)
	assert.Equal(t, checksumOf(data), checksum)
	assert.Equal(t, int64(len(data)), store.UsedBytes())
	assert.Equal(t, int64(1), store.ReplicaCount())
}

func TestPutRejectsChecksumMismatch(t *testing.T) {
	store := newTestStore(t, 1<<20, nil)
	ctx := context.Background()

	err := store.Put(ctx, "obj-1", 1, bytes.NewReader([]byte("actual")), checksumOf([]byte("expected")), 6)
	assert.ErrorIs(t, err, domain.ErrChecksumMismatch)

	// Nothing gets recorded for a rejected write.
	_, err = store.Get(ctx, "obj-1", 1)
	assert.ErrorIs(t, err, domain.ErrObjectNotFound)
	assert.Equal(t, int64(0), store.UsedBytes())
}

func TestPutRejectsWhenFull(t *testing.T) {
	store := newTestStore(t, 10, nil)
	ctx := context.Background()
	data := []byte("this is more than ten bytes")

	err := store.Put(ctx, "obj-1", 1, bytes.NewReader(data), checksumOf(data), int64(len(data)))
	assert.ErrorIs(t, err, domain.ErrInsufficientSpace)
}

func TestConcurrentPutsRespectCapacity(t *testing.T) {
	payload := []byte("0123456789abcdef")
	store := newTestStore(t, int64(len(payload)), nil)
	ctx := context.Background()

	// Capacity fits exactly one of the two writes; the loser must be
	// rejected even when both are in flight at once.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			objectID := fmt.Sprintf("obj-%d", i)
			errs[i] = store.Put(ctx, objectID, 1, bytes.NewReader(payload), checksumOf(payload), int64(len(payload)))
		}(i)
	}
	wg.Wait()

	var stored, rejected int
	for _, err := range errs {
		switch {
		case err == nil:
			stored++
		case errors.Is(err, domain.ErrInsufficientSpace):
			rejected++
		default:
			t.Fatalf("unexpected put error: %v", err)
		}
	}
	assert.Equal(t, 1, stored)
	assert.Equal(t, 1, rejected)
	assert.Equal(t, int64(len(payload)), store.UsedBytes())
}

func TestFailedPutReleasesReservedCapacity(t *testing.T) {
	payload := []byte("0123456789abcdef")
	store := newTestStore(t, int64(len(payload)), nil)
	ctx := context.Background()

	err := store.Put(ctx, "obj-1", 1, bytes.NewReader(payload), "not-the-checksum", int64(len(payload)))
	require.ErrorIs(t, err, domain.ErrChecksumMismatch)

	// The rejected write no longer counts against capacity.
	require.NoError(t, store.Put(ctx, "obj-2", 1, bytes.NewReader(payload), checksumOf(payload), int64(len(payload))))
}

func TestDeleteIsIdempotent(t *testing.T) {
	store := newTestStore(t, 1<<20, nil)
	ctx := context.Background()
	data := []byte("short-lived")

	require.NoError(t, store.Put(ctx, "obj-1", 1, bytes.NewReader(data), checksumOf(data), int64(len(data))))
	require.NoError(t, store.Delete(ctx, "obj-1", 1))
	assert.Equal(t, int64(0), store.UsedBytes())

	_, err := store.Get(ctx, "obj-1", 1)
	assert.ErrorIs(t, err, domain.ErrObjectNotFound)

	// Deleting a replica that is not held succeeds.
	require.NoError(t, store.Delete(ctx, "obj-1", 1))
	require.NoError(t, store.Delete(ctx, "never-existed", 7))
}

func TestVersionsAreIndependent(t *testing.T) {
	store := newTestStore(t, 1<<20, nil)
	ctx := context.Background()
	v1 := []byte("version one")
	v2 := []byte("version two, different bytes")

	require.NoError(t, store.Put(ctx, "obj-1", 1, bytes.NewReader(v1), checksumOf(v1), int64(len(v1))))
	require.NoError(t, store.Put(ctx, "obj-1", 2, bytes.NewReader(v2), checksumOf(v2), int64(len(v2))))

	body, err := store.Get(ctx, "obj-1", 1)
	require.NoError(t, err)
	got, _ := io.ReadAll(body)
	body.Close()
	assert.Equal(t, v1, got)

	require.NoError(t, store.Delete(ctx, "obj-1", 1))
	body, err = store.Get(ctx, "obj-1", 2)
	require.NoError(t, err)
	got, _ = io.ReadAll(body)
	body.Close()
	assert.Equal(t, v2, got)
}

func TestManifestSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := BlobStoreConfig{
		DataDir:       filepath.Join(dir, "data"),
		TempDir:       filepath.Join(dir, "tmp"),
		CapacityBytes: 1 << 20,
	}
	ctx := context.Background()
	data := []byte("persisted across restarts")

	store, err := NewBlobStore(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, "obj-1", 1, bytes.NewReader(data), checksumOf(data), int64(len(data))))
	require.NoError(t, store.Close())

	reopened, err := NewBlobStore(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, int64(len(data)), reopened.UsedBytes())
	size, checksum, err := reopened.Stat(ctx, "obj-1", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), size)
	assert.Equal(t, checksumOf(data), checksum)

	body, err := reopened.Get(ctx, "obj-1", 1)
	require.NoError(t, err)
	defer body.Close()
	got, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestEncryptedStoreRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)

	store := newTestStore(t, 1<<20, key)
	ctx := context.Background()
	data := []byte("secret replica payload")

	// The checksum covers the plaintext even though ciphertext hits disk.
	require.NoError(t, store.Put(ctx, "obj-1", 1, bytes.NewReader(data), checksumOf(data), int64(len(data))))

	body, err := store.Get(ctx, "obj-1", 1)
	require.NoError(t, err)
	defer body.Close()
	got, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// What landed on disk must not be the plaintext.
	raw, err := os.ReadFile(store.path("obj-1", 1))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "secret replica payload")
}

func TestHealthCheck(t *testing.T) {
	store := newTestStore(t, 1<<20, nil)
	assert.NoError(t, store.HealthCheck(context.Background()))
}
