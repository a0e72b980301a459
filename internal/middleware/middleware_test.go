package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/bluetap/internal/domain"
)

func TestNormalizePath(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"/v1/cluster/nodes", "/v1/cluster/nodes"},
		{"/v1/cluster/nodes/n1", "/v1/cluster/nodes/{id}"},
		{"/v1/cluster/nodes/n1/heartbeat", "/v1/cluster/nodes/{id}/heartbeat"},
		{"/v1/objects/plan", "/v1/objects/plan"},
		{"/v1/objects/abc-123", "/v1/objects/{id}"},
		{"/v1/objects/abc-123/finalize", "/v1/objects/{id}/finalize"},
		{"/v1/objects/abc-123/replicas", "/v1/objects/{id}/replicas"},
		{"/v1/blobs/abc-123/7", "/v1/blobs/{id}/{version}"},
		{"/healthz", "/healthz"},
		{"/metrics", "/metrics"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, normalizePath(tc.in), tc.in)
	}
}

func TestTracingSetsRequestID(t *testing.T) {
	tr := NewTracing(nil, zerolog.Nop())

	var seen string
	handler := tr.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get(HeaderRequestID))

	// A caller-supplied ID is propagated, not replaced.
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(HeaderRequestID, "caller-id")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, "caller-id", seen)
}

func TestRateLimiterExhaustsBurst(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		RequestsPerSecond: 0.001,
		BurstSize:         3,
		Enabled:           true,
		CleanupInterval:   time.Minute,
	}, nil, zerolog.Nop())
	defer rl.Stop()

	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	statuses := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		req := httptest.NewRequest(http.MethodGet, "/v1/objects/plan", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		statuses = append(statuses, rec.Code)
	}
	assert.Equal(t, []int{200, 200, 200, 429}, statuses)

	// A different client has its own bucket.
	req := httptest.NewRequest(http.MethodGet, "/v1/objects/plan", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimiterDisabled(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Enabled: false}, nil, zerolog.Nop())
	defer rl.Stop()

	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 50; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

type staticValidator struct {
	session *domain.Session
}

func (v staticValidator) ValidateToken(ctx context.Context, token string) (*domain.Session, error) {
	if v.session != nil && token == v.session.Token {
		return v.session, nil
	}
	return nil, domain.ErrSessionExpired
}

func TestSessionAuth(t *testing.T) {
	session := &domain.Session{Token: "tok-1", UserID: "u-1", TenantID: "acme"}
	sa := NewSessionAuth(staticValidator{session: session}, zerolog.Nop())

	var got *domain.Session
	handler := sa.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = SessionFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	// No token.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/objects/plan", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Wrong token.
	req := httptest.NewRequest(http.MethodPost, "/v1/objects/plan", nil)
	req.Header.Set("Authorization", "Bearer nope")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Valid token lands the session in context.
	req = httptest.NewRequest(http.MethodPost, "/v1/objects/plan", nil)
	req.Header.Set("Authorization", "Bearer tok-1")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, got)
	assert.Equal(t, "acme", got.TenantID)
}

func TestAdminAuth(t *testing.T) {
	aa := NewAdminAuth("letmein", zerolog.Nop())
	handler := aa.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/cluster/nodes", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/cluster/nodes", nil)
	req.Header.Set(AdminTokenHeader, "wrong")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req.Header.Set(AdminTokenHeader, "letmein")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminAuthOpenWithoutToken(t *testing.T) {
	aa := NewAdminAuth("", zerolog.Nop())
	handler := aa.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/cluster/nodes", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
