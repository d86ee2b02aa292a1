package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mchmarny/txguard/pkg/data"
	"github.com/mchmarny/txguard/pkg/detector"
	"github.com/mchmarny/txguard/pkg/metrics"
	"github.com/mchmarny/txguard/pkg/schema"
	"github.com/mchmarny/txguard/pkg/scoring"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) (http.Handler, *scoring.Service) {
	t.Helper()
	svc := newTestService(t)

	dbPath := filepath.Join(t.TempDir(), "history.db")
	require.NoError(t, data.Init(dbPath))
	db, err := data.GetDB(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return withRequestLog(makeRouter(svc, db, scoring.DefaultBatchOptions())), svc
}

func transactionJSON(t *testing.T, value float64, drop string) string {
	t.Helper()
	m := map[string]float64{}
	for _, n := range schema.FeatureNames() {
		if n != drop {
			m[n] = value
		}
	}
	b, err := json.Marshal(m)
	require.NoError(t, err)
	return string(b)
}

func postJSON(h http.Handler, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func predictionsTotal() float64 {
	return testutil.ToFloat64(metrics.Predictions.WithLabelValues(detector.StatusNormal)) +
		testutil.ToFloat64(metrics.Predictions.WithLabelValues(detector.StatusSuspectedFraud))
}

func TestPredictAPI(t *testing.T) {
	h, _ := newTestRouter(t)

	rec := postJSON(h, "/predict", transactionJSON(t, 0, ""))
	require.Equal(t, http.StatusOK, rec.Code)

	var res scoring.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, detector.Normal, res.Label)
	assert.Equal(t, detector.StatusNormal, res.Status)
	assert.Contains(t, rec.Body.String(), `"prediction":1`)

	rec = postJSON(h, "/predict", transactionJSON(t, 30, ""))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, detector.Anomaly, res.Label)
	assert.Equal(t, detector.StatusSuspectedFraud, res.Status)
}

func TestPredictAPI_MissingFieldRejectedBeforeScoring(t *testing.T) {
	h, _ := newTestRouter(t)

	failures := testutil.ToFloat64(metrics.ValidationFailures.WithLabelValues(metrics.SourcePredict))
	scored := predictionsTotal()

	rec := postJSON(h, "/predict", transactionJSON(t, 0, "V14"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "V14")

	assert.Equal(t, failures+1, testutil.ToFloat64(metrics.ValidationFailures.WithLabelValues(metrics.SourcePredict)))
	assert.Equal(t, scored, predictionsTotal())
}

func TestPredictAPI_BadRequests(t *testing.T) {
	h, _ := newTestRouter(t)

	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"V1": `},
		{"null field", strings.Replace(transactionJSON(t, 0, ""), `"V3":0`, `"V3":null`, 1)},
		{"wrong type", strings.Replace(transactionJSON(t, 0, ""), `"V3":0`, `"V3":"x"`, 1)},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postJSON(h, "/predict", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)

			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestPredictAPI_MethodNotAllowed(t *testing.T) {
	h, _ := newTestRouter(t)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/predict", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHealthAPI(t *testing.T) {
	h, svc := newTestRouter(t)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, healthMessage, body["message"])
	assert.Equal(t, svc.PairID(), body["pair_id"])
}

func TestMetricsEndpoint(t *testing.T) {
	h, _ := newTestRouter(t)
	postJSON(h, "/predict", transactionJSON(t, 0, ""))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "txguard_scoring_predictions_total")
}

func TestStaticAssets(t *testing.T) {
	h, _ := newTestRouter(t)

	for _, path := range []string{"/static/assets/css/app.css", "/favicon.ico"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func uploadRequest(t *testing.T, field, name, content string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if field != "" {
		fw, err := mw.CreateFormFile(field, name)
		require.NoError(t, err)
		_, err = io.WriteString(fw, content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/dashboard/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestDashboard_Home(t *testing.T) {
	h, svc := newTestRouter(t)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, `action="/dashboard/upload"`)
	assert.Contains(t, body, svc.PairID())
	assert.NotContains(t, body, "<circle")
}

func TestDashboard_Upload(t *testing.T) {
	h, _ := newTestRouter(t)
	content := corpusCSV(300, 8, map[int]float64{42: 20})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, uploadRequest(t, uploadFormField, "upload.csv", content))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, "Analyzing all 300 transactions")
	assert.Contains(t, body, detector.StatusSuspectedFraud)
	assert.Contains(t, body, detector.StatusNormal)
	assert.Contains(t, body, colorSuspect)
	assert.Contains(t, body, colorNormal)
	assert.Contains(t, body, "row 42: V4=20.000 Amount=20.00 (Suspected Fraud)")
	assert.Equal(t, 300, strings.Count(body, "<circle"))
	assert.Contains(t, body, "<th>is_anomaly</th>")
	assert.Contains(t, body, "<td>-1</td>")
}

func TestDashboard_UploadNonFiniteValue(t *testing.T) {
	h, _ := newTestRouter(t)
	content := corpusCSV(50, 8, map[int]float64{3: math.NaN()})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, uploadRequest(t, uploadFormField, "upload.csv", content))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, "row 4 column V1")
	assert.NotContains(t, body, "<circle")
}

func TestDashboard_UploadMissingColumn(t *testing.T) {
	h, _ := newTestRouter(t)
	failures := testutil.ToFloat64(metrics.ValidationFailures.WithLabelValues(metrics.SourceUpload))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, uploadRequest(t, uploadFormField, "upload.csv", corpusCSV(10, 8, nil, "V14")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, "V14")
	assert.Contains(t, body, "V1, V2, V3")
	assert.NotContains(t, body, "<circle")
	assert.Equal(t, failures+1, testutil.ToFloat64(metrics.ValidationFailures.WithLabelValues(metrics.SourceUpload)))
}

func TestDashboard_UploadWithoutFile(t *testing.T) {
	h, _ := newTestRouter(t)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, uploadRequest(t, "", "", ""))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "choose a CSV file")
}

func TestBuildScatter(t *testing.T) {
	rows := []scoring.ScoredRow{
		{Index: 0, V4: -1, Amount: 0, IsAnomaly: detector.Anomaly, Status: detector.StatusSuspectedFraud},
		{Index: 1, V4: 1, Amount: 100, IsAnomaly: detector.Normal, Status: detector.StatusNormal},
		{Index: 2, V4: 0, Amount: 50, IsAnomaly: detector.Normal, Status: detector.StatusNormal},
	}

	c := buildScatter(rows)
	require.Len(t, c.Points, 3)
	assert.Equal(t, colorNormal, c.Points[0].Color)
	assert.Equal(t, colorSuspect, c.Points[2].Color)

	// suspect sits at the x and y minimum, bottom left of the plot area
	assert.InDelta(t, float64(chartPadding), c.Points[2].X, 1e-9)
	assert.InDelta(t, float64(chartHeight-chartPadding), c.Points[2].Y, 1e-9)
	assert.InDelta(t, float64(chartWidth-chartPadding), c.Points[0].X, 1e-9)
	assert.InDelta(t, float64(chartPadding), c.Points[0].Y, 1e-9)

	flat := buildScatter(rows[1:2])
	assert.InDelta(t, float64(chartWidth)/2, flat.Points[0].X, 1e-9)

	empty := buildScatter(nil)
	assert.Empty(t, empty.Points)
}

func TestDict(t *testing.T) {
	m, err := dict("a", 1, "b", "x")
	require.NoError(t, err)
	assert.Equal(t, 1, m["a"])

	_, err = dict("a")
	assert.Error(t, err)
	_, err = dict(1, 2)
	assert.Error(t, err)
}
