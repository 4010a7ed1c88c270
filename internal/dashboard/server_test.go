package dashboard

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/paperdesk/rebalancer/internal/report"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, authToken string) (*Server, report.Store) {
	t.Helper()
	store, err := report.NewJSONStore(filepath.Join(t.TempDir(), "reports.json"), 10)
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	return NewServer(Config{Port: 0, AuthToken: authToken}, store, logger), store
}

func doRequest(t *testing.T, s *Server, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t, "")
	rec := doRequest(t, s, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestLatestReport_NotFoundWhenEmpty(t *testing.T) {
	s, _ := newTestServer(t, "")
	rec := doRequest(t, s, http.MethodGet, "/api/report/latest", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLatestReport_ReturnsMostRecent(t *testing.T) {
	s, store := newTestServer(t, "")
	require.NoError(t, store.AppendReport(&report.PassReport{ID: "pass-1"}))
	require.NoError(t, store.AppendReport(&report.PassReport{ID: "pass-2"}))

	rec := doRequest(t, s, http.MethodGet, "/api/report/latest", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body report.PassReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "pass-2", body.ID)
}

func TestReports_LimitParameter(t *testing.T) {
	s, store := newTestServer(t, "")
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.AppendReport(&report.PassReport{ID: id}))
	}

	rec := doRequest(t, s, http.MethodGet, "/api/reports?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body []report.PassReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body, 2)
	assert.Equal(t, "b", body[0].ID)
	assert.Equal(t, "c", body[1].ID)

	rec = doRequest(t, s, http.MethodGet, "/api/reports?limit=bogus", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatsEndpoint(t *testing.T) {
	s, store := newTestServer(t, "")
	require.NoError(t, store.AppendReport(&report.PassReport{
		ID: "pass-1",
		Results: []report.InstructionResult{
			{Status: report.StatusSubmitted},
		},
	}))

	rec := doRequest(t, s, http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats report.Statistics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.TotalPasses)
	assert.Equal(t, 1, stats.InstructionsExecuted)
}

func TestAuth(t *testing.T) {
	s, _ := newTestServer(t, "secret-token")

	// Health stays open.
	rec := doRequest(t, s, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	// Data endpoints require the bearer token.
	rec = doRequest(t, s, http.MethodGet, "/api/stats", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/api/stats", "wrong-token")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/api/stats", "secret-token")
	assert.Equal(t, http.StatusOK, rec.Code)
}
