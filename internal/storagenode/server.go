package storagenode

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/prn-tf/bluetap/internal/domain"
	"github.com/prn-tf/bluetap/internal/metrics"
)

// ChecksumHeader carries the expected (on Put) or recorded (on Get) SHA-256
// of the replica plaintext.
const ChecksumHeader = "X-Bluetap-Checksum"

// Server exposes the node data-plane API: Put, Get and Delete for locally
// held replicas.
type Server struct {
	nodeID  string
	store   *BlobStore
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewServer creates the data-plane HTTP server for a node.
func NewServer(nodeID string, store *BlobStore, m *metrics.Metrics, logger zerolog.Logger) *Server {
	return &Server{
		nodeID:  nodeID,
		store:   store,
		logger:  logger.With().Str("component", "node_server").Logger(),
		metrics: m,
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /v1/blobs/{object}/{version}", s.handlePut)
	mux.HandleFunc("GET /v1/blobs/{object}/{version}", s.handleGet)
	mux.HandleFunc("DELETE /v1/blobs/{object}/{version}", s.handleDelete)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	return mux
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	objectID, version, ok := s.pathParams(w, r)
	if !ok {
		return
	}

	start := time.Now()
	expected := r.Header.Get(ChecksumHeader)
	size := r.ContentLength

	err := s.store.Put(r.Context(), objectID, version, r.Body, expected, size)
	s.recordOp("put", err, time.Since(start), size)

	switch {
	case err == nil:
		s.updateGauges()
		writeJSON(w, http.StatusOK, map[string]any{"ack": true, "node_id": s.nodeID})
	case errors.Is(err, domain.ErrChecksumMismatch):
		writeJSON(w, http.StatusConflict, map[string]any{"error": "checksum_mismatch"})
	case errors.Is(err, domain.ErrInsufficientSpace):
		writeJSON(w, http.StatusInsufficientStorage, map[string]any{"error": "insufficient_space"})
	default:
		s.logger.Error().Err(err).Str("object_id", objectID).Msg("put failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal"})
	}
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	objectID, version, ok := s.pathParams(w, r)
	if !ok {
		return
	}

	start := time.Now()
	size, checksum, err := s.store.Stat(r.Context(), objectID, version)
	if err == nil {
		var body io.ReadCloser
		body, err = s.store.Get(r.Context(), objectID, version)
		if err == nil {
			defer body.Close()
			w.Header().Set(ChecksumHeader, checksum)
			w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
			w.Header().Set("Content-Type", "application/octet-stream")
			n, copyErr := io.Copy(w, body)
			s.recordOp("get", copyErr, time.Since(start), n)
			return
		}
	}
	s.recordOp("get", err, time.Since(start), 0)

	if errors.Is(err, domain.ErrObjectNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not_found"})
		return
	}
	s.logger.Error().Err(err).Str("object_id", objectID).Msg("get failed")
	writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal"})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	objectID, version, ok := s.pathParams(w, r)
	if !ok {
		return
	}

	start := time.Now()
	err := s.store.Delete(r.Context(), objectID, version)
	s.recordOp("delete", err, time.Since(start), 0)

	if err != nil {
		s.logger.Error().Err(err).Str("object_id", objectID).Msg("delete failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal"})
		return
	}
	s.updateGauges()
	writeJSON(w, http.StatusOK, map[string]any{"ack": true, "node_id": s.nodeID})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.HealthCheck(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unhealthy", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "healthy", "node_id": s.nodeID})
}

func (s *Server) pathParams(w http.ResponseWriter, r *http.Request) (string, int64, bool) {
	objectID := r.PathValue("object")
	version, err := strconv.ParseInt(r.PathValue("version"), 10, 64)
	if objectID == "" || err != nil || version < 1 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "bad_request"})
		return "", 0, false
	}
	return objectID, version, true
}

func (s *Server) recordOp(op string, err error, d time.Duration, bytes int64) {
	if s.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	s.metrics.RecordBlobOperation(op, status, d.Seconds(), bytes)
}

func (s *Server) updateGauges() {
	if s.metrics == nil {
		return
	}
	s.metrics.BlobsStored.Set(float64(s.store.ReplicaCount()))
	s.metrics.BlobsUsedBytes.Set(float64(s.store.UsedBytes()))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
