package storagenode

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, capacity int64) *httptest.Server {
	t.Helper()
	store := newTestStore(t, capacity, nil)
	srv := httptest.NewServer(NewServer("node-1", store, nil, zerolog.Nop()).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func blobPath(srv *httptest.Server, objectID string, version int64) string {
	return fmt.Sprintf("%s/v1/blobs/%s/%d", srv.URL, objectID, version)
}

func putBlob(t *testing.T, srv *httptest.Server, objectID string, version int64, data []byte, checksum string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPut, blobPath(srv, objectID, version), bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set(ChecksumHeader, checksum)
	req.ContentLength = int64(len(data))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestServerPutGetDelete(t *testing.T) {
	srv := newTestServer(t, 1<<20)
	data := []byte("wire round trip")
	sum := checksumOf(data)

	resp := putBlob(t, srv, "obj-1", 1, data, sum)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeJSON(t, resp)
	assert.Equal(t, true, body["ack"])
	assert.Equal(t, "node-1", body["node_id"])

	resp, err := http.Get(blobPath(srv, "obj-1", 1))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, sum, resp.Header.Get(ChecksumHeader))
	assert.Equal(t, strconv.Itoa(len(data)), resp.Header.Get("Content-Length"))
	got, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, data, got)

	req, err := http.NewRequest(http.MethodDelete, blobPath(srv, "obj-1", 1), nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(blobPath(srv, "obj-1", 1))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestServerPutChecksumMismatch(t *testing.T) {
	srv := newTestServer(t, 1<<20)

	resp := putBlob(t, srv, "obj-1", 1, []byte("actual bytes"), checksumOf([]byte("expected bytes")))
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	body := decodeJSON(t, resp)
	assert.Equal(t, "checksum_mismatch", body["error"])
}

func TestServerPutInsufficientSpace(t *testing.T) {
	srv := newTestServer(t, 4)
	data := []byte("way too large for four bytes")

	resp := putBlob(t, srv, "obj-1", 1, data, checksumOf(data))
	require.Equal(t, http.StatusInsufficientStorage, resp.StatusCode)
	body := decodeJSON(t, resp)
	assert.Equal(t, "insufficient_space", body["error"])
}

func TestServerGetMissingBlob(t *testing.T) {
	srv := newTestServer(t, 1<<20)

	resp, err := http.Get(blobPath(srv, "ghost", 1))
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	body := decodeJSON(t, resp)
	assert.Equal(t, "not_found", body["error"])
}

func TestServerDeleteMissingBlobSucceeds(t *testing.T) {
	srv := newTestServer(t, 1<<20)

	req, err := http.NewRequest(http.MethodDelete, blobPath(srv, "ghost", 1), nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServerRejectsBadVersion(t *testing.T) {
	srv := newTestServer(t, 1<<20)

	resp, err := http.Get(srv.URL + "/v1/blobs/obj-1/zero")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServerHealthz(t *testing.T) {
	srv := newTestServer(t, 1<<20)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeJSON(t, resp)
	assert.Equal(t, "healthy", body["status"])
}
