package fraud

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(e *Engine) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterRoutes(r, e)
	return r
}

func TestHandler_Analyze(t *testing.T) {
	store := newMemStore(logAt(1, t0, 0, 0))
	r := newTestRouter(newTestEngine(store, []Detector{NewSpoofingDetector()}, nil, t0))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/fraud/logs/1/analyze", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body AnalyzeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, uint64(1), body.LogID)
	assert.Equal(t, 1, body.AlertsCreated)
	require.Len(t, body.Alerts, 1)
	assert.Equal(t, "gps_spoofing", body.Alerts[0].Type)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/fraud/logs/42/analyze", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/fraud/logs/abc/analyze", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_ScanAndPatterns(t *testing.T) {
	day := 24 * time.Hour
	at := time.Date(2026, 4, 1, 9, 17, 0, 0, time.UTC)
	store := newMemStore(lateAt(1, "s1", at), lateAt(2, "s1", at.Add(day)), lateAt(3, "s1", at.Add(2*day)))
	e := newTestEngine(store, []Detector{NewSpoofingDetector()}, DefaultPatternDetectors(), at.Add(2*day+time.Hour))
	r := newTestRouter(e)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/fraud/scan", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var scan ScanResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &scan))
	// lookback は 24 時間なので最新の 1 件だけ
	assert.Equal(t, 1, scan.Scanned)
	assert.Equal(t, 0, scan.AlertsCreated)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/fraud/patterns", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var pat PatternResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pat))
	assert.Equal(t, 1, pat.Students)
	assert.Equal(t, 1, pat.AlertsCreated)
	assert.Equal(t, 1, pat.ByType["suspicious_pattern_late_repeat"])
}

func TestHandler_ListAlerts(t *testing.T) {
	store := newMemStore()
	store.alerts = []Alert{
		{AlertID: "A1", StudentID: "s1", Type: AlertGPSSpoofing, Severity: SeverityCritical, CreatedAt: t0},
		{AlertID: "A2", StudentID: "s2", Type: AlertGPSSpoofing, Severity: SeverityCritical, CreatedAt: t0},
	}
	r := newTestRouter(newTestEngine(store, nil, nil, t0))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/fraud/alerts?student_id=s2", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Items []AlertResponse `json:"items"`
		Total int64           `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, int64(1), body.Total)
	require.Len(t, body.Items, 1)
	assert.Equal(t, "A2", body.Items[0].AlertID)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/fraud/alerts?resolved=maybe", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
