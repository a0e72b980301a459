package gateway

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/prn-tf/bluetap/internal/coordinator"
	"github.com/prn-tf/bluetap/internal/domain"
	"github.com/prn-tf/bluetap/internal/metadata"
	"github.com/prn-tf/bluetap/internal/middleware"
	"github.com/prn-tf/bluetap/internal/registry"
)

// ObjectHandler serves the object control plane: placement, finalization,
// replica listing and deletion. Object bytes never pass through here;
// clients stream them to nodes directly using the plan.
type ObjectHandler struct {
	coord    *coordinator.Coordinator
	registry *registry.Registry
	store    metadata.Store
	logger   zerolog.Logger
}

// NewObjectHandler creates the object control-plane handler.
func NewObjectHandler(coord *coordinator.Coordinator, reg *registry.Registry, store metadata.Store, logger zerolog.Logger) *ObjectHandler {
	return &ObjectHandler{
		coord:    coord,
		registry: reg,
		store:    store,
		logger:   logger.With().Str("handler", "object").Logger(),
	}
}

type planRequest struct {
	ObjectID string `json:"object_id,omitempty"`
	Size     int64  `json:"size"`
}

type planNode struct {
	NodeID  string `json:"node_id"`
	Address string `json:"address"`
}

type planResponse struct {
	ObjectID string     `json:"object_id"`
	Version  int64      `json:"version"`
	Nodes    []planNode `json:"nodes"`
}

type finalizeRequest struct {
	Version  int64    `json:"version"`
	Acks     []string `json:"acks"`
	Checksum string   `json:"checksum"`
	Size     int64    `json:"size"`
	Abort    bool     `json:"abort,omitempty"`
}

type objectResponse struct {
	ObjectID   string    `json:"object_id"`
	Version    int64     `json:"version"`
	State      string    `json:"state"`
	Size       int64     `json:"size"`
	Checksum   string    `json:"checksum"`
	ReplicaSet []string  `json:"replica_set"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type replicasResponse struct {
	objectResponse
	Replicas []nodeStatusResponse `json:"replicas"`
}

func objectBody(obj *domain.ObjectRecord) objectResponse {
	return objectResponse{
		ObjectID:   obj.ID,
		Version:    obj.Version,
		State:      string(obj.State),
		Size:       obj.Size,
		Checksum:   obj.Checksum,
		ReplicaSet: obj.ReplicaSet,
		UpdatedAt:  obj.UpdatedAt,
	}
}

// tenant resolves the caller's tenant from the authenticated session.
func tenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	session, ok := middleware.SessionFrom(r.Context())
	if !ok || session.TenantID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_session"})
		return "", false
	}
	return session.TenantID, true
}

// PlaceWrite handles POST /v1/objects/plan.
func (h *ObjectHandler) PlaceWrite(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}

	var req planRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Size < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request"})
		return
	}

	plan, err := h.coord.PlaceWrite(r.Context(), tenantID, req.ObjectID, req.Size)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	nodes := make([]planNode, 0, len(plan.Nodes))
	for _, n := range plan.Nodes {
		nodes = append(nodes, planNode{NodeID: n.ID, Address: n.Address})
	}
	writeJSON(w, http.StatusOK, planResponse{
		ObjectID: plan.ObjectID,
		Version:  plan.Version,
		Nodes:    nodes,
	})
}

// FinalizeWrite handles POST /v1/objects/{id}/finalize. With abort set the
// in-flight write is discarded instead of committed.
func (h *ObjectHandler) FinalizeWrite(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}
	objectID := r.PathValue("id")

	var req finalizeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if objectID == "" || req.Version < 1 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request"})
		return
	}

	if req.Abort {
		if err := h.coord.AbortWrite(r.Context(), tenantID, objectID, req.Version, req.Acks); err != nil {
			writeError(w, h.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "aborted"})
		return
	}

	obj, err := h.coord.FinalizeWrite(r.Context(), tenantID, objectID, req.Version, req.Acks, req.Checksum, req.Size)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, objectBody(obj))
}

// ListReplicas handles GET /v1/objects/{id}/replicas, resolving the current
// address and liveness of every replica holder.
func (h *ObjectHandler) ListReplicas(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}
	objectID := r.PathValue("id")

	obj, err := h.store.GetObject(r.Context(), tenantID, objectID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	replicas := make([]nodeStatusResponse, 0, len(obj.ReplicaSet))
	for _, nodeID := range obj.ReplicaSet {
		node, err := h.registry.Get(nodeID)
		if err != nil {
			continue
		}
		replicas = append(replicas, nodeStatus(node))
	}

	writeJSON(w, http.StatusOK, replicasResponse{
		objectResponse: objectBody(obj),
		Replicas:       replicas,
	})
}

// DeleteObject handles DELETE /v1/objects/{id}.
func (h *ObjectHandler) DeleteObject(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}
	objectID := r.PathValue("id")

	if err := h.coord.DeleteObject(r.Context(), tenantID, objectID); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
