package storagenode

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGateway records registrations and heartbeats and can be told to forget
// the node, answering 404 until it re-registers.
type fakeGateway struct {
	mu          sync.Mutex
	registered  bool
	registers   int
	heartbeats  int
	lastPayload map[string]any
}

func (g *fakeGateway) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/cluster/nodes", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		g.registered = true
		g.registers++
		g.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("POST /v1/cluster/nodes/{id}/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)

		g.mu.Lock()
		defer g.mu.Unlock()
		if !g.registered {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		g.heartbeats++
		g.lastPayload = payload
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func (g *fakeGateway) forget() {
	g.mu.Lock()
	g.registered = false
	g.mu.Unlock()
}

func (g *fakeGateway) counts() (int, int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.registers, g.heartbeats
}

func newTestAgent(t *testing.T, gatewayURL string) *HeartbeatAgent {
	t.Helper()
	store := newTestStore(t, 1<<20, nil)
	agent := NewHeartbeatAgent(HeartbeatAgentConfig{
		NodeID:        "node-1",
		AdvertiseAddr: "127.0.0.1:9090",
		GatewayAddr:   gatewayURL,
		Interval:      10 * time.Millisecond,
	}, store, zerolog.Nop())
	t.Cleanup(agent.Stop)
	return agent
}

func TestAgentRegistersAndHeartbeats(t *testing.T) {
	gw := &fakeGateway{}
	srv := httptest.NewServer(gw.handler())
	defer srv.Close()

	agent := newTestAgent(t, srv.URL)
	agent.Start(context.Background())

	require.Eventually(t, func() bool {
		registers, heartbeats := gw.counts()
		return registers == 1 && heartbeats >= 2
	}, time.Second, 5*time.Millisecond)

	gw.mu.Lock()
	payload := gw.lastPayload
	gw.mu.Unlock()
	assert.Equal(t, float64(1<<20), payload["capacity_bytes"])
	assert.Equal(t, float64(0), payload["used_bytes"])
}

func TestAgentReregistersAfterRegistryLosesIt(t *testing.T) {
	gw := &fakeGateway{}
	srv := httptest.NewServer(gw.handler())
	defer srv.Close()

	agent := newTestAgent(t, srv.URL)
	agent.Start(context.Background())

	require.Eventually(t, func() bool {
		_, heartbeats := gw.counts()
		return heartbeats >= 1
	}, time.Second, 5*time.Millisecond)

	// Simulate a control plane that restarted and forgot the node.
	gw.forget()

	require.Eventually(t, func() bool {
		registers, _ := gw.counts()
		return registers >= 2
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		_, heartbeats := gw.counts()
		return heartbeats >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestAgentSurvivesUnreachableGateway(t *testing.T) {
	agent := newTestAgent(t, "http://127.0.0.1:1")
	agent.Start(context.Background())

	// The agent keeps running; stopping it must not hang.
	time.Sleep(30 * time.Millisecond)
	agent.Stop()
}
