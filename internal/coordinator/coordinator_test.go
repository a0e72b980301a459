package coordinator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/bluetap/internal/config"
	"github.com/prn-tf/bluetap/internal/domain"
	"github.com/prn-tf/bluetap/internal/metadata"
	"github.com/prn-tf/bluetap/internal/metadata/memory"
	"github.com/prn-tf/bluetap/internal/registry"
)

// fakeNodeClient keeps replica bytes in memory, keyed by node and replica.
type fakeNodeClient struct {
	mu       sync.Mutex
	blobs    map[string]map[string][]byte // node ID -> replica key -> bytes
	failPuts map[string]bool
	deletes  []string
}

func newFakeNodeClient() *fakeNodeClient {
	return &fakeNodeClient{
		blobs:    make(map[string]map[string][]byte),
		failPuts: make(map[string]bool),
	}
}

func replicaKey(objectID string, version int64) string {
	return fmt.Sprintf("%s/%d", objectID, version)
}

func (f *fakeNodeClient) seed(nodeID, objectID string, version int64, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.blobs[nodeID] == nil {
		f.blobs[nodeID] = make(map[string][]byte)
	}
	f.blobs[nodeID][replicaKey(objectID, version)] = append([]byte(nil), data...)
}

func (f *fakeNodeClient) holds(nodeID, objectID string, version int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.blobs[nodeID][replicaKey(objectID, version)]
	return ok
}

func (f *fakeNodeClient) Put(ctx context.Context, node *domain.NodeRecord, objectID string, version int64, checksum string, size int64, body io.Reader) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPuts[node.ID] {
		return domain.ErrNodeUnreachable
	}
	if f.blobs[node.ID] == nil {
		f.blobs[node.ID] = make(map[string][]byte)
	}
	f.blobs[node.ID][replicaKey(objectID, version)] = data
	return nil
}

func (f *fakeNodeClient) Get(ctx context.Context, node *domain.NodeRecord, objectID string, version int64) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.blobs[node.ID][replicaKey(objectID, version)]
	if !ok {
		return nil, domain.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeNodeClient) Delete(ctx context.Context, node *domain.NodeRecord, objectID string, version int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.blobs[node.ID], replicaKey(objectID, version))
	f.deletes = append(f.deletes, node.ID+":"+replicaKey(objectID, version))
	return nil
}

// failingStore wraps a metadata store and fails object commits on demand.
type failingStore struct {
	metadata.Store
	mu      sync.Mutex
	failPut bool
}

func (f *failingStore) setFailPut(v bool) {
	f.mu.Lock()
	f.failPut = v
	f.mu.Unlock()
}

func (f *failingStore) PutObject(ctx context.Context, obj *domain.ObjectRecord) error {
	f.mu.Lock()
	fail := f.failPut
	f.mu.Unlock()
	if fail {
		return fmt.Errorf("simulated metadata outage")
	}
	return f.Store.PutObject(ctx, obj)
}

type testEnv struct {
	registry *registry.Registry
	store    *memory.Store
	nodes    *fakeNodeClient
	coord    *Coordinator
}

func newTestEnv(t *testing.T, cfg config.ReplicationConfig, store metadata.Store, nodeIDs ...string) *testEnv {
	t.Helper()

	reg := registry.New(registry.Options{
		HeartbeatTimeout: time.Minute,
		GraceWindow:      time.Minute,
	}, zerolog.Nop())
	t.Cleanup(reg.Close)

	ctx := context.Background()
	for i, id := range nodeIDs {
		require.NoError(t, reg.Register(ctx, id, fmt.Sprintf("10.0.0.%d:9090", i+1), 1<<30))
		require.NoError(t, reg.Heartbeat(id, domain.HeartbeatStats{}))
	}

	mem, _ := store.(*memory.Store)
	nodes := newFakeNodeClient()
	coord, err := New(Options{
		Registry:    reg,
		Store:       store,
		NodeClient:  nodes,
		Replication: cfg,
		Logger:      zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(coord.Close)

	return &testEnv{registry: reg, store: mem, nodes: nodes, coord: coord}
}

func defaultReplication() config.ReplicationConfig {
	return config.ReplicationConfig{
		Factor:            2,
		WriteQuorum:       1,
		RepairWorkers:     1,
		RepairMaxAttempts: 3,
		RepairBackoff:     time.Millisecond,
	}
}

func TestPlaceWriteSelectsLeastLoadedNodes(t *testing.T) {
	store := memory.NewStore()
	env := newTestEnv(t, defaultReplication(), store, "n1", "n2", "n3")
	ctx := context.Background()

	require.NoError(t, env.registry.Heartbeat("n3", domain.HeartbeatStats{UsedBytes: 500}))
	require.NoError(t, env.registry.Heartbeat("n1", domain.HeartbeatStats{UsedBytes: 100}))
	require.NoError(t, env.registry.Heartbeat("n2", domain.HeartbeatStats{UsedBytes: 200}))

	plan, err := env.coord.PlaceWrite(ctx, "acme", "", 1024)
	require.NoError(t, err)
	require.NotEmpty(t, plan.ObjectID)
	assert.Equal(t, int64(1), plan.Version)
	require.Len(t, plan.Nodes, 2, "plan capped at the replication factor")
	assert.Equal(t, "n1", plan.Nodes[0].ID)
	assert.Equal(t, "n2", plan.Nodes[1].ID)

	// The pending record exists but is invisible to readers.
	_, err = store.GetObject(ctx, "acme", plan.ObjectID)
	assert.ErrorIs(t, err, domain.ErrObjectNotFound)
}

func TestPlaceWriteInsufficientReplicas(t *testing.T) {
	env := newTestEnv(t, defaultReplication(), memory.NewStore())

	_, err := env.coord.PlaceWrite(context.Background(), "acme", "", 1024)
	assert.ErrorIs(t, err, domain.ErrInsufficientReplicas)
}

func TestPlaceWriteSkipsFullNodes(t *testing.T) {
	env := newTestEnv(t, defaultReplication(), memory.NewStore(), "n1", "n2")
	ctx := context.Background()

	// n2 has no room for the write.
	require.NoError(t, env.registry.Heartbeat("n2", domain.HeartbeatStats{UsedBytes: 1 << 30}))

	plan, err := env.coord.PlaceWrite(ctx, "acme", "", 1024)
	require.NoError(t, err)
	require.Len(t, plan.Nodes, 1)
	assert.Equal(t, "n1", plan.Nodes[0].ID)
}

func TestFinalizeWriteDurableAtFullFactor(t *testing.T) {
	store := memory.NewStore()
	env := newTestEnv(t, defaultReplication(), store, "n1", "n2")
	ctx := context.Background()

	plan, err := env.coord.PlaceWrite(ctx, "acme", "", 64)
	require.NoError(t, err)

	obj, err := env.coord.FinalizeWrite(ctx, "acme", plan.ObjectID, plan.Version, []string{"n1", "n2"}, "abc123", 64)
	require.NoError(t, err)
	assert.Equal(t, domain.ObjectStateDurable, obj.State)
	assert.ElementsMatch(t, []string{"n1", "n2"}, obj.ReplicaSet)

	got, err := store.GetObject(ctx, "acme", plan.ObjectID)
	require.NoError(t, err)
	assert.Equal(t, domain.ObjectStateDurable, got.State)
}

func TestFinalizeWriteUnderReplicatedBelowFactor(t *testing.T) {
	store := memory.NewStore()
	env := newTestEnv(t, defaultReplication(), store, "n1")
	ctx := context.Background()

	plan, err := env.coord.PlaceWrite(ctx, "acme", "", 64)
	require.NoError(t, err)

	obj, err := env.coord.FinalizeWrite(ctx, "acme", plan.ObjectID, plan.Version, []string{"n1"}, "abc123", 64)
	require.NoError(t, err)
	assert.Equal(t, domain.ObjectStateUnderReplicated, obj.State)
	assert.Equal(t, []string{"n1"}, obj.ReplicaSet)
}

func TestFinalizeWriteBelowQuorumFails(t *testing.T) {
	cfg := defaultReplication()
	cfg.WriteQuorum = 2
	store := memory.NewStore()
	env := newTestEnv(t, cfg, store, "n1", "n2")
	ctx := context.Background()

	plan, err := env.coord.PlaceWrite(ctx, "acme", "", 64)
	require.NoError(t, err)
	env.nodes.seed("n1", plan.ObjectID, plan.Version, []byte("partial"))

	_, err = env.coord.FinalizeWrite(ctx, "acme", plan.ObjectID, plan.Version, []string{"n1"}, "abc123", 64)
	assert.ErrorIs(t, err, domain.ErrWriteFailed)

	// No committed metadata, and the acked bytes get reclaimed.
	_, err = store.GetObject(ctx, "acme", plan.ObjectID)
	assert.ErrorIs(t, err, domain.ErrObjectNotFound)
	require.Eventually(t, func() bool {
		return !env.nodes.holds("n1", plan.ObjectID, plan.Version)
	}, time.Second, 5*time.Millisecond)
}

func TestFinalizeWriteMetadataFailureNeverClaimsDurable(t *testing.T) {
	store := &failingStore{Store: memory.NewStore()}
	env := newTestEnv(t, defaultReplication(), store, "n1", "n2")
	ctx := context.Background()

	plan, err := env.coord.PlaceWrite(ctx, "acme", "", 64)
	require.NoError(t, err)
	env.nodes.seed("n1", plan.ObjectID, plan.Version, []byte("data"))
	env.nodes.seed("n2", plan.ObjectID, plan.Version, []byte("data"))

	store.setFailPut(true)
	_, err = env.coord.FinalizeWrite(ctx, "acme", plan.ObjectID, plan.Version, []string{"n1", "n2"}, "abc123", 64)
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrWriteFailed, "a metadata outage is not a quorum failure")

	store.setFailPut(false)
	_, err = store.GetObject(ctx, "acme", plan.ObjectID)
	assert.ErrorIs(t, err, domain.ErrObjectNotFound)

	// Acked bytes are garbage once the commit failed.
	require.Eventually(t, func() bool {
		return !env.nodes.holds("n1", plan.ObjectID, plan.Version) &&
			!env.nodes.holds("n2", plan.ObjectID, plan.Version)
	}, time.Second, 5*time.Millisecond)
}

func TestRepairRestoresReplicationFactor(t *testing.T) {
	store := memory.NewStore()
	env := newTestEnv(t, defaultReplication(), store, "n1", "n2")
	ctx := context.Background()

	plan, err := env.coord.PlaceWrite(ctx, "acme", "", 4)
	require.NoError(t, err)
	env.nodes.seed("n1", plan.ObjectID, plan.Version, []byte("data"))

	obj, err := env.coord.FinalizeWrite(ctx, "acme", plan.ObjectID, plan.Version, []string{"n1"}, "abc123", 4)
	require.NoError(t, err)
	require.Equal(t, domain.ObjectStateUnderReplicated, obj.State)

	require.Eventually(t, func() bool {
		got, err := store.GetObject(ctx, "acme", plan.ObjectID)
		return err == nil && got.State == domain.ObjectStateDurable && len(got.ReplicaSet) == 2
	}, 2*time.Second, 10*time.Millisecond, "repair should copy the replica to n2")
	assert.True(t, env.nodes.holds("n2", plan.ObjectID, plan.Version))
}

func TestDeleteObjectTombstonesAndReclaims(t *testing.T) {
	store := memory.NewStore()
	env := newTestEnv(t, defaultReplication(), store, "n1", "n2")
	ctx := context.Background()

	plan, err := env.coord.PlaceWrite(ctx, "acme", "", 4)
	require.NoError(t, err)
	env.nodes.seed("n1", plan.ObjectID, plan.Version, []byte("data"))
	env.nodes.seed("n2", plan.ObjectID, plan.Version, []byte("data"))
	_, err = env.coord.FinalizeWrite(ctx, "acme", plan.ObjectID, plan.Version, []string{"n1", "n2"}, "abc123", 4)
	require.NoError(t, err)

	require.NoError(t, env.coord.DeleteObject(ctx, "acme", plan.ObjectID))

	_, err = store.GetObject(ctx, "acme", plan.ObjectID)
	assert.ErrorIs(t, err, domain.ErrObjectNotFound)
	require.Eventually(t, func() bool {
		return !env.nodes.holds("n1", plan.ObjectID, plan.Version) &&
			!env.nodes.holds("n2", plan.ObjectID, plan.Version)
	}, time.Second, 5*time.Millisecond)
}

func TestDeleteObjectTenantScoped(t *testing.T) {
	store := memory.NewStore()
	env := newTestEnv(t, defaultReplication(), store, "n1", "n2")
	ctx := context.Background()

	plan, err := env.coord.PlaceWrite(ctx, "acme", "", 4)
	require.NoError(t, err)
	_, err = env.coord.FinalizeWrite(ctx, "acme", plan.ObjectID, plan.Version, []string{"n1", "n2"}, "abc123", 4)
	require.NoError(t, err)

	err = env.coord.DeleteObject(ctx, "globex", plan.ObjectID)
	assert.ErrorIs(t, err, domain.ErrTenantMismatch)
}

func TestOverwriteBumpsVersion(t *testing.T) {
	store := memory.NewStore()
	env := newTestEnv(t, defaultReplication(), store, "n1", "n2")
	ctx := context.Background()

	plan, err := env.coord.PlaceWrite(ctx, "acme", "", 4)
	require.NoError(t, err)
	_, err = env.coord.FinalizeWrite(ctx, "acme", plan.ObjectID, plan.Version, []string{"n1", "n2"}, "v1sum", 4)
	require.NoError(t, err)

	plan2, err := env.coord.PlaceWrite(ctx, "acme", plan.ObjectID, 4)
	require.NoError(t, err)
	assert.Equal(t, plan.ObjectID, plan2.ObjectID)
	assert.Equal(t, int64(2), plan2.Version)

	_, err = env.coord.FinalizeWrite(ctx, "acme", plan2.ObjectID, plan2.Version, []string{"n1", "n2"}, "v2sum", 4)
	require.NoError(t, err)

	got, err := store.GetObject(ctx, "acme", plan.ObjectID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, "v2sum", got.Checksum)
}

func TestAbortWriteDiscardsPending(t *testing.T) {
	store := memory.NewStore()
	env := newTestEnv(t, defaultReplication(), store, "n1", "n2")
	ctx := context.Background()

	plan, err := env.coord.PlaceWrite(ctx, "acme", "", 4)
	require.NoError(t, err)
	env.nodes.seed("n1", plan.ObjectID, plan.Version, []byte("data"))

	require.NoError(t, env.coord.AbortWrite(ctx, "acme", plan.ObjectID, plan.Version, []string{"n1"}))

	_, err = store.GetObject(ctx, "acme", plan.ObjectID)
	assert.ErrorIs(t, err, domain.ErrObjectNotFound)
	require.Eventually(t, func() bool {
		return !env.nodes.holds("n1", plan.ObjectID, plan.Version)
	}, time.Second, 5*time.Millisecond)
}

func TestFinalizeWriteRejectsForeignTenant(t *testing.T) {
	store := memory.NewStore()
	env := newTestEnv(t, defaultReplication(), store, "n1", "n2")
	ctx := context.Background()

	plan, err := env.coord.PlaceWrite(ctx, "acme", "", 4)
	require.NoError(t, err)

	_, err = env.coord.FinalizeWrite(ctx, "globex", plan.ObjectID, plan.Version, []string{"n1", "n2"}, "ffff", 4)
	assert.ErrorIs(t, err, domain.ErrTenantMismatch)

	// The owner's write is untouched and commits normally.
	obj, err := env.coord.FinalizeWrite(ctx, "acme", plan.ObjectID, plan.Version, []string{"n1", "n2"}, "abc123", 4)
	require.NoError(t, err)
	assert.Equal(t, "acme", obj.TenantID)

	got, err := store.GetObject(ctx, "acme", plan.ObjectID)
	require.NoError(t, err)
	assert.Equal(t, "abc123", got.Checksum)

	// Once committed, a foreign finalize still cannot rewrite the record.
	_, err = env.coord.FinalizeWrite(ctx, "globex", plan.ObjectID, plan.Version, []string{"n1", "n2"}, "ffff", 4)
	assert.ErrorIs(t, err, domain.ErrTenantMismatch)
}

func TestAbortWriteRejectsForeignTenant(t *testing.T) {
	store := memory.NewStore()
	env := newTestEnv(t, defaultReplication(), store, "n1", "n2")
	ctx := context.Background()

	plan, err := env.coord.PlaceWrite(ctx, "acme", "", 4)
	require.NoError(t, err)

	err = env.coord.AbortWrite(ctx, "globex", plan.ObjectID, plan.Version, []string{"n1"})
	assert.ErrorIs(t, err, domain.ErrTenantMismatch)

	_, err = env.coord.FinalizeWrite(ctx, "acme", plan.ObjectID, plan.Version, []string{"n1", "n2"}, "abc123", 4)
	require.NoError(t, err)

	// Neither a foreign tenant nor the owner can abort a committed version.
	err = env.coord.AbortWrite(ctx, "globex", plan.ObjectID, plan.Version, []string{"n1"})
	assert.ErrorIs(t, err, domain.ErrTenantMismatch)
	err = env.coord.AbortWrite(ctx, "acme", plan.ObjectID, plan.Version, []string{"n1"})
	assert.ErrorIs(t, err, domain.ErrNoPendingWrite)

	got, err := store.GetObject(ctx, "acme", plan.ObjectID)
	require.NoError(t, err)
	assert.Equal(t, domain.ObjectStateDurable, got.State)
}

func TestFinalizeWriteRequiresPendingRecord(t *testing.T) {
	store := memory.NewStore()
	env := newTestEnv(t, defaultReplication(), store, "n1", "n2")
	ctx := context.Background()

	_, err := env.coord.FinalizeWrite(ctx, "acme", "ghost", 1, []string{"n1"}, "abc123", 4)
	assert.ErrorIs(t, err, domain.ErrObjectNotFound)

	plan, err := env.coord.PlaceWrite(ctx, "acme", "", 4)
	require.NoError(t, err)
	_, err = env.coord.FinalizeWrite(ctx, "acme", plan.ObjectID, plan.Version, []string{"n1", "n2"}, "abc123", 4)
	require.NoError(t, err)

	// Finalizing the same version twice has no pending record to act on.
	_, err = env.coord.FinalizeWrite(ctx, "acme", plan.ObjectID, plan.Version, []string{"n1", "n2"}, "abc123", 4)
	assert.ErrorIs(t, err, domain.ErrNoPendingWrite)
}

func TestFinalizeWriteDropsUnplannedAcks(t *testing.T) {
	store := memory.NewStore()
	env := newTestEnv(t, defaultReplication(), store, "n1", "n2")
	ctx := context.Background()

	plan, err := env.coord.PlaceWrite(ctx, "acme", "", 4)
	require.NoError(t, err)
	env.nodes.seed("n1", plan.ObjectID, plan.Version, []byte("data"))

	obj, err := env.coord.FinalizeWrite(ctx, "acme", plan.ObjectID, plan.Version, []string{"n1", "rogue"}, "abc123", 4)
	require.NoError(t, err)
	assert.Equal(t, []string{"n1"}, obj.ReplicaSet)
	assert.Equal(t, domain.ObjectStateUnderReplicated, obj.State)

	// Acks naming only unplanned nodes cannot reach quorum.
	plan2, err := env.coord.PlaceWrite(ctx, "acme", "", 4)
	require.NoError(t, err)
	_, err = env.coord.FinalizeWrite(ctx, "acme", plan2.ObjectID, plan2.Version, []string{"rogue"}, "abc123", 4)
	assert.ErrorIs(t, err, domain.ErrWriteFailed)
}

func TestFlagCorruptReplicaTriggersResync(t *testing.T) {
	store := memory.NewStore()
	env := newTestEnv(t, defaultReplication(), store, "n1", "n2", "n3")
	ctx := context.Background()

	plan, err := env.coord.PlaceWrite(ctx, "acme", "", 4)
	require.NoError(t, err)
	env.nodes.seed("n1", plan.ObjectID, plan.Version, []byte("good"))
	env.nodes.seed("n2", plan.ObjectID, plan.Version, []byte("BAD!"))
	_, err = env.coord.FinalizeWrite(ctx, "acme", plan.ObjectID, plan.Version, []string{"n1", "n2"}, "abc123", 4)
	require.NoError(t, err)

	require.NoError(t, env.coord.FlagCorruptReplica(ctx, "acme", plan.ObjectID, plan.Version, "n2"))

	// The corrupt copy is dropped and the object re-synced to the factor.
	require.Eventually(t, func() bool {
		got, err := store.GetObject(ctx, "acme", plan.ObjectID)
		return err == nil && got.State == domain.ObjectStateDurable && len(got.ReplicaSet) == 2
	}, 2*time.Second, 10*time.Millisecond)
}
