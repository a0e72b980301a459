package gateway

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/prn-tf/bluetap/internal/domain"
	"github.com/prn-tf/bluetap/internal/metrics"
	"github.com/prn-tf/bluetap/internal/registry"
)

// ClusterHandler serves node membership: registration, heartbeats,
// administrative deregistration and the status listing.
type ClusterHandler struct {
	registry *registry.Registry
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

// NewClusterHandler creates the cluster membership handler.
func NewClusterHandler(reg *registry.Registry, m *metrics.Metrics, logger zerolog.Logger) *ClusterHandler {
	return &ClusterHandler{
		registry: reg,
		logger:   logger.With().Str("handler", "cluster").Logger(),
		metrics:  m,
	}
}

type registerRequest struct {
	NodeID        string `json:"node_id"`
	Address       string `json:"address"`
	CapacityBytes int64  `json:"capacity_bytes"`
}

type heartbeatRequest struct {
	CapacityBytes int64 `json:"capacity_bytes"`
	UsedBytes     int64 `json:"used_bytes"`
}

type nodeStatusResponse struct {
	NodeID          string    `json:"node_id"`
	Address         string    `json:"address"`
	Status          string    `json:"status"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
	CapacityBytes   int64     `json:"capacity_bytes"`
	UsedBytes       int64     `json:"used_bytes"`
}

func nodeStatus(n *domain.NodeRecord) nodeStatusResponse {
	return nodeStatusResponse{
		NodeID:          n.ID,
		Address:         n.Address,
		Status:          string(n.Status),
		LastHeartbeatAt: n.LastHeartbeatAt,
		CapacityBytes:   n.CapacityBytes,
		UsedBytes:       n.UsedBytes,
	}
}

// Register handles POST /v1/cluster/nodes.
func (h *ClusterHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.NodeID == "" || req.Address == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request"})
		return
	}

	if err := h.registry.Register(r.Context(), req.NodeID, req.Address, req.CapacityBytes); err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"node_id": req.NodeID,
		"status":  string(domain.NodeStatusRegistering),
	})
}

// Heartbeat handles POST /v1/cluster/nodes/{id}/heartbeat. A node the
// registry does not recognize gets 404, telling it to re-register.
func (h *ClusterHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	nodeID := r.PathValue("id")

	var req heartbeatRequest
	if !decodeBody(w, r, &req) {
		return
	}

	err := h.registry.Heartbeat(nodeID, domain.HeartbeatStats{
		CapacityBytes: req.CapacityBytes,
		UsedBytes:     req.UsedBytes,
	})
	h.recordHeartbeat(err)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Deregister handles DELETE /v1/cluster/nodes/{id} (admin).
func (h *ClusterHandler) Deregister(w http.ResponseWriter, r *http.Request) {
	nodeID := r.PathValue("id")

	if err := h.registry.Deregister(r.Context(), nodeID); err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "deregistered"})
}

// ListNodes handles GET /v1/cluster/nodes (admin).
func (h *ClusterHandler) ListNodes(w http.ResponseWriter, r *http.Request) {
	nodes := h.registry.Snapshot()
	out := make([]nodeStatusResponse, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, nodeStatus(n))
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": out})
}

func (h *ClusterHandler) recordHeartbeat(err error) {
	if h.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "rejected"
	}
	h.metrics.HeartbeatsTotal.WithLabelValues(status).Inc()
}
