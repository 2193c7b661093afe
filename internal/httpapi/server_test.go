package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/geoguard/internal/validation"
)

type stubPipeline struct {
	response  validation.Response
	batchLen  int
	health    validation.Health
	stats     *validation.Stats
	statsErr  error
	validated int
}

func (s *stubPipeline) ValidateLocation(_ context.Context, _ validation.Request) validation.Response {
	s.validated++
	return s.response
}

func (s *stubPipeline) ValidateLocations(_ context.Context, reqs []validation.Request) []validation.Response {
	s.batchLen = len(reqs)
	out := make([]validation.Response, len(reqs))
	for i := range out {
		out[i] = s.response
	}
	return out
}

func (s *stubPipeline) HealthCheck(context.Context) validation.Health { return s.health }

func (s *stubPipeline) Stats(context.Context, int) (*validation.Stats, error) {
	return s.stats, s.statsErr
}

func newTestServer(pipeline *stubPipeline) *Server {
	return NewServer(pipeline, 100, 100)
}

func postJSON(t *testing.T, handler http.Handler, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func validBody() map[string]interface{} {
	return map[string]interface{}{
		"user_id":    "u1",
		"session_id": "s1",
		"lat":        40.7484,
		"lng":        -73.9857,
	}
}

func TestValidateEndpoint(t *testing.T) {
	pipeline := &stubPipeline{response: validation.Response{Code: validation.CodeValid, Valid: true}}
	srv := newTestServer(pipeline)

	rec := postJSON(t, srv.Handler(), "/v1/validate", validBody())
	require.Equal(t, http.StatusOK, rec.Code)

	var resp validation.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, validation.CodeValid, resp.Code)
	assert.True(t, resp.Valid)
	assert.Equal(t, 1, pipeline.validated)
}

func TestValidateRejectsMissingIdentity(t *testing.T) {
	srv := newTestServer(&stubPipeline{})

	body := validBody()
	delete(body, "user_id")

	rec := postJSON(t, srv.Handler(), "/v1/validate", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestValidateRejectsOutOfRangeCoordinates(t *testing.T) {
	srv := newTestServer(&stubPipeline{})

	body := validBody()
	body["lat"] = 91.0

	rec := postJSON(t, srv.Handler(), "/v1/validate", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestValidateRejectsMalformedJSON(t *testing.T) {
	srv := newTestServer(&stubPipeline{})

	req := httptest.NewRequest(http.MethodPost, "/v1/validate", bytes.NewReader([]byte("{nope")))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestValidateBatchEndpoint(t *testing.T) {
	pipeline := &stubPipeline{response: validation.Response{Code: validation.CodeValid, Valid: true}}
	srv := newTestServer(pipeline)

	rec := postJSON(t, srv.Handler(), "/v1/validate/batch", map[string]interface{}{
		"requests": []map[string]interface{}{validBody(), validBody()},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, pipeline.batchLen)

	var body struct {
		Responses []validation.Response `json:"responses"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Responses, 2)
}

func TestValidateBatchSizeBounds(t *testing.T) {
	srv := newTestServer(&stubPipeline{})

	rec := postJSON(t, srv.Handler(), "/v1/validate/batch", map[string]interface{}{
		"requests": []map[string]interface{}{},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "empty batch")

	oversized := make([]map[string]interface{}, 101)
	for i := range oversized {
		oversized[i] = validBody()
	}
	rec = postJSON(t, srv.Handler(), "/v1/validate/batch", map[string]interface{}{
		"requests": oversized,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "oversized batch")
}

func TestRateLimitEmitsSharedResultCode(t *testing.T) {
	pipeline := &stubPipeline{response: validation.Response{Code: validation.CodeValid, Valid: true}}
	// One request per hundred seconds, burst of one: the second request
	// in the loop must be rejected.
	srv := NewServer(pipeline, 0.01, 1)

	rec := postJSON(t, srv.Handler(), "/v1/validate", validBody())
	require.Equal(t, http.StatusOK, rec.Code)

	rec = postJSON(t, srv.Handler(), "/v1/validate", validBody())
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	var resp validation.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, validation.CodeRateLimited, resp.Code)
	assert.False(t, resp.Valid)
	assert.Equal(t, 1, pipeline.validated, "a limited request never reaches the pipeline")
}

func TestRateLimitIsPerUser(t *testing.T) {
	pipeline := &stubPipeline{response: validation.Response{Code: validation.CodeValid, Valid: true}}
	srv := NewServer(pipeline, 0.01, 1)

	for i := 0; i < 3; i++ {
		body := validBody()
		body["user_id"] = fmt.Sprintf("user-%d", i)
		rec := postJSON(t, srv.Handler(), "/v1/validate", body)
		assert.Equal(t, http.StatusOK, rec.Code, "each user has their own bucket")
	}
}

func TestRateLimitCoversBatchRoute(t *testing.T) {
	pipeline := &stubPipeline{response: validation.Response{Code: validation.CodeValid, Valid: true}}
	srv := NewServer(pipeline, 0.01, 1)

	rec := postJSON(t, srv.Handler(), "/v1/validate/batch", map[string]interface{}{
		"requests": []map[string]interface{}{validBody()},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = postJSON(t, srv.Handler(), "/v1/validate/batch", map[string]interface{}{
		"requests": []map[string]interface{}{validBody()},
	})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	var resp validation.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, validation.CodeRateLimited, resp.Code)
	assert.Equal(t, 0, pipeline.batchLen, "a limited batch never reaches the pipeline")
}

func TestRateLimitChargesPerBatchEntry(t *testing.T) {
	pipeline := &stubPipeline{response: validation.Response{Code: validation.CodeValid, Valid: true}}
	// Burst of three: a batch of four for one user exceeds the bucket
	// even as the first request of the day.
	srv := NewServer(pipeline, 0.01, 3)

	rec := postJSON(t, srv.Handler(), "/v1/validate/batch", map[string]interface{}{
		"requests": []map[string]interface{}{validBody(), validBody(), validBody(), validBody()},
	})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestBatchRateLimitSharesSingleRouteBucket(t *testing.T) {
	pipeline := &stubPipeline{response: validation.Response{Code: validation.CodeValid, Valid: true}}
	srv := NewServer(pipeline, 0.01, 1)

	rec := postJSON(t, srv.Handler(), "/v1/validate", validBody())
	require.Equal(t, http.StatusOK, rec.Code)

	// The single submission drained the bucket, so the same user cannot
	// sidestep the limit by switching to the batch route.
	rec = postJSON(t, srv.Handler(), "/v1/validate/batch", map[string]interface{}{
		"requests": []map[string]interface{}{validBody()},
	})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		srv := newTestServer(&stubPipeline{health: validation.Health{Status: "ok", Redis: true, Postgres: true}})

		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("degraded", func(t *testing.T) {
		srv := newTestServer(&stubPipeline{health: validation.Health{Status: "degraded"}})

		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestStatsEndpoint(t *testing.T) {
	srv := newTestServer(&stubPipeline{stats: &validation.Stats{}})

	req := httptest.NewRequest(http.MethodGet, "/stats?window=30", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatsRejectsBadWindow(t *testing.T) {
	srv := newTestServer(&stubPipeline{stats: &validation.Stats{}})

	req := httptest.NewRequest(http.MethodGet, "/stats?window=-5", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatsUnavailable(t *testing.T) {
	srv := newTestServer(&stubPipeline{statsErr: errors.New("db down")})

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
