package httptransport_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ensureTestProject(t *testing.T, handler http.Handler, projectKey string) {
	t.Helper()
	body, err := json.Marshal(map[string]any{"project_key": projectKey})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/tools/ensure_project", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRetentionPolicyRoundTrips(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Handler()
	ensureTestProject(t, handler, "demo")

	days := 30
	setBody, err := json.Marshal(map[string]any{"project": "demo", "retention_days": days})
	require.NoError(t, err)
	setReq := httptest.NewRequest(http.MethodPut, "/v1/retention", bytes.NewReader(setBody))
	setRec := httptest.NewRecorder()
	handler.ServeHTTP(setRec, setReq)
	require.Equal(t, http.StatusOK, setRec.Code)

	getReq := httptest.NewRequest(http.MethodGet, "/v1/retention?project=demo", nil)
	getRec := httptest.NewRecorder()
	handler.ServeHTTP(getRec, getReq)
	require.Equal(t, http.StatusOK, getRec.Code)

	var got map[string]any
	require.NoError(t, json.Unmarshal(getRec.Body.Bytes(), &got))
	assert.EqualValues(t, days, got["retention_days"])
}

func TestRetentionPurgeDryRunReportsCountsWithoutDeleting(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Handler()
	ensureTestProject(t, handler, "demo")

	purgeBody, err := json.Marshal(map[string]any{
		"project": "demo",
		"before":  time.Now().Add(24 * time.Hour),
		"dry_run": true,
	})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/retention/purge", bytes.NewReader(purgeBody))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, true, got["dry_run"])
	assert.NotNil(t, got["would_delete"])
}

func TestRetentionPurgeRejectsMissingBefore(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Handler()
	ensureTestProject(t, handler, "demo")

	purgeBody, err := json.Marshal(map[string]any{"project": "demo"})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/retention/purge", bytes.NewReader(purgeBody))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
