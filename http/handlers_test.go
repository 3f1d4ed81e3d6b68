package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"exodetect/db"
	"exodetect/inference"
	"exodetect/ml"
	"exodetect/monitoring"
)

type fakeModel struct {
	label       string
	proba       []float64
	importances []float64
	panicWith   any
	calls       int
}

func (f *fakeModel) Classes() []string {
	return []string{ml.LabelConfirmed, ml.LabelFalsePositive}
}

func (f *fakeModel) Predict(features []float64) (string, error) {
	f.calls++
	if f.panicWith != nil {
		p := f.panicWith
		f.panicWith = nil
		panic(p)
	}
	return f.label, nil
}

func (f *fakeModel) PredictProba(features []float64) ([]float64, error) {
	return append([]float64(nil), f.proba...), nil
}

func (f *fakeModel) FeatureImportances() []float64 {
	return append([]float64(nil), f.importances...)
}

func (f *fakeModel) NumTrees() int { return 3 }

// rampImportances makes koi_kepmag the most important feature and
// koi_fpflag_nt the least.
func rampImportances() []float64 {
	out := make([]float64, ml.NumFeatures)
	for i := range out {
		out[i] = float64(i+1) / 171
	}
	return out
}

func confirmedModel() *fakeModel {
	return &fakeModel{label: ml.LabelConfirmed, proba: []float64{0.97531, 0.02469}, importances: rampImportances()}
}

type fakeHistory struct {
	analyses []db.Analysis
	err      error
	limit    int
}

func (f *fakeHistory) RecentAnalyses(ctx context.Context, limit int) ([]db.Analysis, error) {
	f.limit = limit
	return f.analyses, f.err
}

func newTestApp(t *testing.T, model ml.Classifier, loadErr error, configure ...func(*AppOptions)) *App {
	t.Helper()
	opts := AppOptions{
		Loader: ml.NewStaticLoader("models/exoplanet_model.json", model, loadErr),
		Logger: zap.NewNop(),
	}
	for _, c := range configure {
		c(&opts)
	}
	app, err := NewApp(opts)
	require.NoError(t, err)
	return app
}

func serve(app *App, req *http.Request) *httptest.ResponseRecorder {
	handler := NewHandler(DefaultServerConfig(), app, zap.NewNop())
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func analyzeRequest(values url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/analyze", strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func TestMissingModelHaltsPage(t *testing.T) {
	missing := fmt.Errorf("%w: models/exoplanet_model.json", ml.ErrModelNotFound)
	app := newTestApp(t, nil, missing)

	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodGet, "/", nil),
		analyzeRequest(url.Values{}),
	} {
		w := serve(app, req)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		body := w.Body.String()
		assert.Contains(t, body, "Model file not found. Please make sure &#39;exoplanet_model.json&#39; is in the correct folder.")
		assert.NotContains(t, body, "<form")
		assert.NotContains(t, body, "Analyze Celestial Object")
		assert.NotContains(t, body, "Input Features")
	}

	w := serve(app, httptest.NewRequest(http.MethodPost, "/api/predict", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "Model file not found")

	w = serve(app, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestIdlePage(t *testing.T) {
	model := confirmedModel()
	app := newTestApp(t, model, nil)

	w := serve(app, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()

	assert.Contains(t, body, "<title>Exoplanet Detection AI</title>")
	assert.Contains(t, body, "Analyze Celestial Object")
	assert.Contains(t, body, "Adjust the features in the sidebar and click &#39;Analyze&#39; to see the result.")
	assert.Equal(t, 4, strings.Count(body, `type="range"`))
	assert.Equal(t, 14, strings.Count(body, `type="number"`))
	assert.Contains(t, body, `name="koi_period" type="number" step="any" value="9.48"`)
	assert.Contains(t, body, "<tr><th>koi_steff</th><td>5,455</td></tr>")
	assert.NotContains(t, body, "Prediction Confidence")
	assert.Zero(t, model.calls, "a refresh must not run the model")
}

func TestPageKeepsFormValues(t *testing.T) {
	app := newTestApp(t, confirmedModel(), nil)

	w := serve(app, httptest.NewRequest(http.MethodGet, "/?koi_period=12.5&koi_fpflag_co=1&ra=", nil))
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `name="koi_period" type="number" step="any" value="12.5"`)
	assert.Contains(t, body, `name="koi_fpflag_co" type="range" min="0" max="1" step="1" value="1"`)
	assert.Contains(t, body, `name="ra" type="number" step="any" value="291.93"`)
}

func TestPageRejectsInvalidValues(t *testing.T) {
	app := newTestApp(t, confirmedModel(), nil)

	for _, query := range []string{"koi_fpflag_nt=3", "koi_period=abc", "koi_teq=NaN"} {
		w := serve(app, httptest.NewRequest(http.MethodGet, "/?"+query, nil))
		assert.Equal(t, http.StatusBadRequest, w.Code, query)
	}
}

func TestAnalyzeConfirmed(t *testing.T) {
	model := confirmedModel()
	app := newTestApp(t, model, nil)

	w := serve(app, analyzeRequest(url.Values{}))
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()

	assert.Contains(t, body, "✅ CONFIRMED Exoplanet")
	assert.Contains(t, body, `class="balloons"`)
	assert.Contains(t, body, "97.53%")
	assert.Contains(t, body, "Show Feature Importance")
	assert.Contains(t, body, "Model Feature Importance")
	assert.Equal(t, 18, strings.Count(body, `class="bar"`))
	assert.NotContains(t, body, "Adjust the features in the sidebar")
	assert.Equal(t, 1, model.calls)

	// most important feature is drawn on the top row
	group := body[strings.Index(body, `data-feature="koi_kepmag"`):]
	group = group[:strings.Index(group, "</g>")]
	assert.Contains(t, group, fmt.Sprintf(`<rect x="%d" y="%d" width="%d.00"`, chartPlotX, chartTop, chartPlotWidth))
}

func TestAnalyzeNegativeLabels(t *testing.T) {
	for _, label := range []string{ml.LabelFalsePositive, "CANDIDATE", "confirmed"} {
		model := &fakeModel{label: label, proba: []float64{0.4, 0.6}, importances: rampImportances()}
		app := newTestApp(t, model, nil)

		w := serve(app, analyzeRequest(url.Values{}))
		require.Equal(t, http.StatusOK, w.Code)
		body := w.Body.String()
		assert.Contains(t, body, "❌ FALSE POSITIVE", label)
		assert.NotContains(t, body, `class="balloons"`, label)
		assert.Contains(t, body, "60.00%", label)
	}
}

func TestAnalyzeAllFlagsRaised(t *testing.T) {
	model := &fakeModel{label: ml.LabelFalsePositive, proba: []float64{0.01, 0.99}, importances: rampImportances()}
	app := newTestApp(t, model, nil)

	values := url.Values{}
	for _, name := range []string{"koi_fpflag_nt", "koi_fpflag_ss", "koi_fpflag_co", "koi_fpflag_ec"} {
		values.Set(name, "1")
	}
	w := serve(app, analyzeRequest(values))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "99.00%")
}

func TestModelPanicAbortsOnlyThatRequest(t *testing.T) {
	model := confirmedModel()
	model.panicWith = errors.New("corrupt tree")
	app := newTestApp(t, model, nil)

	w := serve(app, analyzeRequest(url.Values{}))
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	w = serve(app, analyzeRequest(url.Values{}))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "✅ CONFIRMED Exoplanet")
}

func TestPanicIsAccessLogged(t *testing.T) {
	model := confirmedModel()
	model.panicWith = "bad split"
	app := newTestApp(t, model, nil)

	core, logs := observer.New(zap.InfoLevel)
	handler := NewHandler(DefaultServerConfig(), app, zap.New(core))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, analyzeRequest(url.Values{}))
	require.Equal(t, http.StatusInternalServerError, w.Code)

	recovered := logs.FilterMessage("panic recovered").All()
	require.Len(t, recovered, 1)
	assert.NotEmpty(t, recovered[0].ContextMap()["request_id"])

	access := logs.FilterMessage("request").All()
	require.Len(t, access, 1)
	assert.EqualValues(t, http.StatusInternalServerError, access[0].ContextMap()["status"])
	assert.Equal(t, "/analyze", access[0].ContextMap()["path"])
}

func TestAPIPredict(t *testing.T) {
	model := confirmedModel()
	var observed []inference.Prediction
	app := newTestApp(t, model, nil, func(o *AppOptions) {
		o.Observers = []inference.Observer{func(_ context.Context, p inference.Prediction) {
			observed = append(observed, p)
		}}
	})

	w := serve(app, httptest.NewRequest(http.MethodPost, "/api/predict", strings.NewReader(`{"koi_period": 3.2, "koi_fpflag_ss": 1}`)))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var resp predictResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, ml.LabelConfirmed, resp.Label)
	assert.True(t, resp.Positive)
	assert.Equal(t, 0.97531, resp.Confidence)
	assert.Equal(t, "97.53%", resp.ConfidenceText)
	require.Len(t, resp.FeatureImportances, ml.NumFeatures)
	assert.Equal(t, "koi_fpflag_nt", resp.FeatureImportances[0].Feature)

	require.Len(t, observed, 1)
	period, _ := observed[0].Record.Get("koi_period")
	assert.Equal(t, 3.2, period)
}

func TestAPIPredictDefaultsAndErrors(t *testing.T) {
	app := newTestApp(t, confirmedModel(), nil)

	w := serve(app, httptest.NewRequest(http.MethodPost, "/api/predict", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	for _, body := range []string{`{"mass": 1}`, `{"koi_fpflag_ec": 2}`, `{"koi_period": "x"}`, `[`} {
		w := serve(app, httptest.NewRequest(http.MethodPost, "/api/predict", strings.NewReader(body)))
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}
}

func TestAPIHealthFeaturesModel(t *testing.T) {
	app := newTestApp(t, confirmedModel(), nil)

	w := serve(app, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	w = serve(app, httptest.NewRequest(http.MethodGet, "/api/features", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var features struct {
		Features []ml.Feature `json:"features"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &features))
	assert.Equal(t, ml.Schema(), features.Features)

	w = serve(app, httptest.NewRequest(http.MethodGet, "/api/model", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var summary modelSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summary))
	assert.Equal(t, 3, summary.Trees)
	assert.Equal(t, []string{ml.LabelConfirmed, ml.LabelFalsePositive}, summary.Classes)
	assert.Len(t, summary.FeatureImportances, ml.NumFeatures)
}

func TestAPIHistory(t *testing.T) {
	app := newTestApp(t, confirmedModel(), nil)
	w := serve(app, httptest.NewRequest(http.MethodGet, "/api/history", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	history := &fakeHistory{analyses: []db.Analysis{{ID: 1, Label: ml.LabelConfirmed, Confidence: 0.8}}}
	app = newTestApp(t, confirmedModel(), nil, func(o *AppOptions) { o.History = history })
	w = serve(app, httptest.NewRequest(http.MethodGet, "/api/history?limit=500", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 200, history.limit)
	assert.Contains(t, w.Body.String(), `"count":1`)

	history.err = errors.New("disk full")
	w = serve(app, httptest.NewRequest(http.MethodGet, "/api/history", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestAPIStatsAndMetrics(t *testing.T) {
	app := newTestApp(t, confirmedModel(), nil)
	w := serve(app, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	metrics := monitoring.NewMetricsCollector()
	feed := monitoring.NewPredictionFeed(zap.NewNop())
	require.NoError(t, feed.Start())
	defer feed.Stop()

	app = newTestApp(t, confirmedModel(), nil, func(o *AppOptions) {
		o.Metrics = metrics
		o.Feed = feed
		o.Observers = []inference.Observer{metrics.Observer(), feed.Observer()}
	})
	w = serve(app, analyzeRequest(url.Values{}))
	require.Equal(t, http.StatusOK, w.Code)

	w = serve(app, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var stats statsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, int64(1), stats.Analyses)
	assert.Equal(t, int64(1), stats.Confirmed)
	require.NotNil(t, stats.Realtime)
	assert.EqualValues(t, 1, stats.Realtime.MessagesSent)
	assert.Zero(t, stats.Realtime.ConnectedClients)

	w = serve(app, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `exodetect_analyses_total{verdict="confirmed"} 1 `)
}

func TestStaticAssets(t *testing.T) {
	app := newTestApp(t, confirmedModel(), nil)
	w := serve(app, httptest.NewRequest(http.MethodGet, "/static/app.css", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestNewAppRequiresLoader(t *testing.T) {
	_, err := NewApp(AppOptions{})
	assert.Error(t, err)
}
