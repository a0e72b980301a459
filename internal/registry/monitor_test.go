package registry

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/bluetap/internal/domain"
)

func waitForStatus(t *testing.T, r *Registry, nodeID string, want domain.NodeStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		node, err := r.Get(nodeID)
		return err == nil && node.Status == want
	}, time.Second, 5*time.Millisecond, "node %s never reached %s", nodeID, want)
}

func TestSweepDemotesSilentNodeToSuspect(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(t, clock)
	monitor := NewHeartbeatMonitor(r, time.Hour, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, "n1", "127.0.0.1:9090", 0))
	require.NoError(t, r.Heartbeat("n1", domain.HeartbeatStats{}))

	// Within the timeout nothing happens.
	clock.Advance(10 * time.Second)
	monitor.Sweep()
	node, err := r.Get("n1")
	require.NoError(t, err)
	require.Equal(t, domain.NodeStatusOnline, node.Status)

	clock.Advance(6 * time.Second) // 16s silent, timeout is 15s
	monitor.Sweep()
	waitForStatus(t, r, "n1", domain.NodeStatusSuspect)
}

func TestSweepDemotesSuspectToOfflineAfterGrace(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(t, clock)
	monitor := NewHeartbeatMonitor(r, time.Hour, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, "n1", "127.0.0.1:9090", 0))
	require.NoError(t, r.Heartbeat("n1", domain.HeartbeatStats{}))

	clock.Advance(16 * time.Second)
	monitor.Sweep()
	waitForStatus(t, r, "n1", domain.NodeStatusSuspect)

	// Still inside the grace window (timeout 15s + grace 10s).
	clock.Advance(5 * time.Second)
	monitor.Sweep()
	node, err := r.Get("n1")
	require.NoError(t, err)
	require.Equal(t, domain.NodeStatusSuspect, node.Status)

	clock.Advance(10 * time.Second) // 31s silent
	monitor.Sweep()
	waitForStatus(t, r, "n1", domain.NodeStatusOffline)
}

func TestSuspectNodeRecoversWithinGrace(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(t, clock)
	monitor := NewHeartbeatMonitor(r, time.Hour, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, "n1", "127.0.0.1:9090", 0))
	require.NoError(t, r.Heartbeat("n1", domain.HeartbeatStats{}))

	clock.Advance(16 * time.Second)
	monitor.Sweep()
	waitForStatus(t, r, "n1", domain.NodeStatusSuspect)

	require.NoError(t, r.Heartbeat("n1", domain.HeartbeatStats{}))
	waitForStatus(t, r, "n1", domain.NodeStatusOnline)

	// A sweep after recovery must not demote again.
	monitor.Sweep()
	time.Sleep(20 * time.Millisecond)
	node, err := r.Get("n1")
	require.NoError(t, err)
	require.Equal(t, domain.NodeStatusOnline, node.Status)
}

func TestSweepIsIdempotent(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(t, clock)
	monitor := NewHeartbeatMonitor(r, time.Hour, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, "n1", "127.0.0.1:9090", 0))
	require.NoError(t, r.Heartbeat("n1", domain.HeartbeatStats{}))

	clock.Advance(16 * time.Second)
	monitor.Sweep()
	monitor.Sweep()
	monitor.Sweep()
	waitForStatus(t, r, "n1", domain.NodeStatusSuspect)

	// Repeated suspect demotions never push the node to offline early.
	time.Sleep(20 * time.Millisecond)
	node, err := r.Get("n1")
	require.NoError(t, err)
	require.Equal(t, domain.NodeStatusSuspect, node.Status)
}

func TestMonitorLoopRunsSweeps(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(t, clock)
	monitor := NewHeartbeatMonitor(r, 5*time.Millisecond, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, "n1", "127.0.0.1:9090", 0))
	require.NoError(t, r.Heartbeat("n1", domain.HeartbeatStats{}))

	clock.Advance(16 * time.Second)
	monitor.Start()
	defer monitor.Stop()

	waitForStatus(t, r, "n1", domain.NodeStatusSuspect)
}
