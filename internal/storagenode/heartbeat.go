package storagenode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// HeartbeatAgent registers the node with the cluster registry and reports
// liveness on its own timer, independent of client traffic. When the registry
// answers unknown_node (a restarted or cold control plane), the agent
// re-registers and resumes heartbeating.
type HeartbeatAgent struct {
	nodeID        string
	advertiseAddr string
	gatewayAddr   string
	store         *BlobStore
	interval      time.Duration
	client        *http.Client
	logger        zerolog.Logger

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// HeartbeatAgentConfig holds configuration for the heartbeat agent.
type HeartbeatAgentConfig struct {
	NodeID        string
	AdvertiseAddr string
	GatewayAddr   string
	Interval      time.Duration
}

// NewHeartbeatAgent creates a heartbeat agent for the given blob store.
func NewHeartbeatAgent(cfg HeartbeatAgentConfig, store *BlobStore, logger zerolog.Logger) *HeartbeatAgent {
	return &HeartbeatAgent{
		nodeID:        cfg.NodeID,
		advertiseAddr: cfg.AdvertiseAddr,
		gatewayAddr:   cfg.GatewayAddr,
		store:         store,
		interval:      cfg.Interval,
		client:        &http.Client{Timeout: 5 * time.Second},
		logger:        logger.With().Str("component", "heartbeat_agent").Logger(),
	}
}

// Start registers with the cluster and launches the heartbeat loop.
// Registration failures are logged and retried from the loop; a node that
// cannot reach the gateway keeps serving its local replicas.
func (a *HeartbeatAgent) Start(ctx context.Context) {
	a.stop = make(chan struct{})

	if err := a.register(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("initial registration failed, will retry")
	}

	a.wg.Add(1)
	go a.loop()
}

// Stop terminates the heartbeat loop.
func (a *HeartbeatAgent) Stop() {
	a.stopOnce.Do(func() { close(a.stop) })
	a.wg.Wait()
}

func (a *HeartbeatAgent) loop() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), a.interval)
			a.beat(ctx)
			cancel()
		case <-a.stop:
			return
		}
	}
}

func (a *HeartbeatAgent) beat(ctx context.Context) {
	status, err := a.post(ctx,
		fmt.Sprintf("%s/v1/cluster/nodes/%s/heartbeat", a.gatewayAddr, a.nodeID),
		map[string]any{
			"capacity_bytes": a.store.CapacityBytes(),
			"used_bytes":     a.store.UsedBytes(),
		})
	if err != nil {
		a.logger.Warn().Err(err).Msg("heartbeat failed")
		return
	}

	// unknown_node means the registry lost us; rejoin through registration.
	if status == http.StatusNotFound {
		a.logger.Info().Msg("registry does not know this node, re-registering")
		if err := a.register(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("re-registration failed")
			return
		}
		if _, err := a.post(ctx,
			fmt.Sprintf("%s/v1/cluster/nodes/%s/heartbeat", a.gatewayAddr, a.nodeID),
			map[string]any{
				"capacity_bytes": a.store.CapacityBytes(),
				"used_bytes":     a.store.UsedBytes(),
			}); err != nil {
			a.logger.Warn().Err(err).Msg("heartbeat after re-registration failed")
		}
	}
}

func (a *HeartbeatAgent) register(ctx context.Context) error {
	status, err := a.post(ctx, a.gatewayAddr+"/v1/cluster/nodes", map[string]any{
		"node_id":        a.nodeID,
		"address":        a.advertiseAddr,
		"capacity_bytes": a.store.CapacityBytes(),
	})
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return fmt.Errorf("registration rejected with status %d", status)
	}
	a.logger.Info().Str("gateway", a.gatewayAddr).Msg("registered with cluster")
	return nil
}

func (a *HeartbeatAgent) post(ctx context.Context, url string, body any) (int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}
