// Package client implements the data-plane side of object I/O: direct blob
// transfer with storage nodes, write fan-out against a placement plan and
// failover reads across the replica set. The control plane never touches
// object bytes; everything here talks to nodes directly.
package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/prn-tf/bluetap/internal/coordinator"
	"github.com/prn-tf/bluetap/internal/domain"
	"github.com/prn-tf/bluetap/internal/storagenode"
)

// HTTPNodeClient speaks the node blob API over HTTP. It is shared by the
// client library and the coordinator's repair and GC workers.
type HTTPNodeClient struct {
	client *http.Client
	logger zerolog.Logger
}

var _ coordinator.NodeClient = (*HTTPNodeClient)(nil)

// NewHTTPNodeClient creates a node client. Per-call deadlines come from the
// caller's context; the transport itself carries no timeout so streaming
// large replicas is not cut short.
func NewHTTPNodeClient(logger zerolog.Logger) *HTTPNodeClient {
	return &HTTPNodeClient{
		client: &http.Client{},
		logger: logger.With().Str("component", "node_client").Logger(),
	}
}

func blobURL(node *domain.NodeRecord, objectID string, version int64) string {
	addr := node.Address
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return fmt.Sprintf("%s/v1/blobs/%s/%d", addr, objectID, version)
}

// Put streams a replica to a node and waits for its ack.
func (c *HTTPNodeClient) Put(ctx context.Context, node *domain.NodeRecord, objectID string, version int64, checksum string, size int64, body io.Reader) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, blobURL(node, objectID, version), body)
	if err != nil {
		return err
	}
	req.ContentLength = size
	req.Header.Set(storagenode.ChecksumHeader, checksum)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: put to %s: %v", domain.ErrNodeUnreachable, node.ID, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusConflict:
		return domain.ErrChecksumMismatch
	case http.StatusInsufficientStorage:
		return domain.ErrInsufficientSpace
	default:
		return fmt.Errorf("node %s rejected put with status %d", node.ID, resp.StatusCode)
	}
}

// Get opens a replica stream from a node. The caller owns the returned body.
func (c *HTTPNodeClient) Get(ctx context.Context, node *domain.NodeRecord, objectID string, version int64) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, blobURL(node, objectID, version), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: get from %s: %v", domain.ErrNodeUnreachable, node.ID, err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return resp.Body, nil
	case http.StatusNotFound:
		_ = resp.Body.Close()
		return nil, domain.ErrObjectNotFound
	default:
		_ = resp.Body.Close()
		return nil, fmt.Errorf("node %s rejected get with status %d", node.ID, resp.StatusCode)
	}
}

// Delete removes a replica from a node. Deleting a replica the node does not
// hold succeeds.
func (c *HTTPNodeClient) Delete(ctx context.Context, node *domain.NodeRecord, objectID string, version int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, blobURL(node, objectID, version), nil)
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: delete on %s: %v", domain.ErrNodeUnreachable, node.ID, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("node %s rejected delete with status %d", node.ID, resp.StatusCode)
	}
	return nil
}

// WithTimeout derives a per-node call context from the parent.
func WithTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
