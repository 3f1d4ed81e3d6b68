package http

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/message"

	"exodetect/db"
	"exodetect/inference"
	"exodetect/ml"
	"exodetect/monitoring"
)

//go:embed templates/*.html static/*
var assets embed.FS

var pageTemplate = template.Must(template.ParseFS(assets, "templates/page.html"))

// HistoryReader 分析历史查询
type HistoryReader interface {
	RecentAnalyses(ctx context.Context, limit int) ([]db.Analysis, error)
}

// AppOptions 应用依赖
type AppOptions struct {
	Loader    *ml.Loader
	Inference inference.Config
	Observers []inference.Observer
	History   HistoryReader
	Feed      http.Handler
	Metrics   *monitoring.MetricsCollector
	Locale    string
	Logger    *zap.Logger
}

// App 页面与API处理器
type App struct {
	loader    *ml.Loader
	cfg       inference.Config
	observers []inference.Observer
	history   HistoryReader
	feed      http.Handler
	metrics   *monitoring.MetricsCollector
	printer   *message.Printer
	logger    *zap.Logger

	once    sync.Once
	invoker *inference.Invoker
	err     error
}

// NewApp 创建应用
func NewApp(opts AppOptions) (*App, error) {
	if opts.Loader == nil {
		return nil, errors.New("model loader is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{
		loader:    opts.Loader,
		cfg:       opts.Inference,
		observers: opts.Observers,
		history:   opts.History,
		feed:      opts.Feed,
		metrics:   opts.Metrics,
		printer:   newPrinter(opts.Locale),
		logger:    logger,
	}, nil
}

// RegisterRoutes 注册页面与API路由
func (a *App) RegisterRoutes(mux *http.ServeMux) {
	static, _ := fs.Sub(assets, "static")
	mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.FS(static))))

	mux.HandleFunc("GET /{$}", a.handlePage)
	mux.HandleFunc("POST /analyze", a.handleAnalyze)

	mux.HandleFunc("GET /api/health", a.handleHealth)
	mux.HandleFunc("GET /api/features", a.handleFeatures)
	mux.HandleFunc("GET /api/model", a.handleModel)
	mux.HandleFunc("POST /api/predict", a.handlePredict)
	mux.HandleFunc("GET /api/history", a.handleHistory)

	if a.metrics != nil {
		mux.HandleFunc("GET /api/stats", a.handleStats)
		mux.Handle("GET /metrics", a.metrics)
	}
}

// Invoker 首次调用时加载模型，之后始终返回同一结果
func (a *App) Invoker() (*inference.Invoker, error) {
	a.once.Do(func() {
		model, err := a.loader.Get()
		if err != nil {
			a.logger.Error("model unavailable", zap.String("path", a.loader.Path()), zap.Error(err))
			a.err = err
			return
		}
		a.invoker, a.err = inference.NewInvoker(model, a.cfg, a.logger, a.observers...)
	})
	return a.invoker, a.err
}

func (a *App) unavailableMessage(err error) string {
	return ml.UserMessage(a.loader.Path(), err)
}

func (a *App) handlePage(w http.ResponseWriter, r *http.Request) {
	if _, err := a.Invoker(); err != nil {
		a.render(w, r, http.StatusServiceUnavailable, haltedView(a.unavailableMessage(err)))
		return
	}

	record, err := parseRecord(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	a.render(w, r, http.StatusOK, formView(record, a.printer))
}

func (a *App) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	invoker, err := a.Invoker()
	if err != nil {
		a.render(w, r, http.StatusServiceUnavailable, haltedView(a.unavailableMessage(err)))
		return
	}

	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	record, err := parseRecord(r.PostForm)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	prediction, err := invoker.Analyze(r.Context(), record)
	if err != nil {
		a.logger.Error("analysis failed", zap.String("request_id", GetRequestID(r.Context())), zap.Error(err))
		http.Error(w, "analysis failed", http.StatusInternalServerError)
		return
	}

	view := formView(record, a.printer)
	view.Result = presentResult(prediction)
	a.render(w, r, http.StatusOK, view)
}

func (a *App) render(w http.ResponseWriter, r *http.Request, status int, view pageView) {
	var buf bytes.Buffer
	if err := pageTemplate.Execute(&buf, view); err != nil {
		a.logger.Error("render page", zap.String("request_id", GetRequestID(r.Context())), zap.Error(err))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	w.Write(buf.Bytes())

	if start := GetStartTime(r.Context()); !start.IsZero() {
		a.logger.Debug("page rendered",
			zap.String("request_id", GetRequestID(r.Context())),
			zap.Bool("halted", view.Halted),
			zap.Bool("result", view.Result != nil),
			zap.Duration("elapsed", time.Since(start)))
	}
}

// parseRecord 从表单值构造特征记录，缺失或为空的字段使用默认值
func parseRecord(values url.Values) (ml.FeatureRecord, error) {
	record := ml.DefaultRecord()
	for _, f := range ml.Schema() {
		raw := strings.TrimSpace(values.Get(f.Name))
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return ml.FeatureRecord{}, fmt.Errorf("%w: %s is not a number: %q", ml.ErrInvalidFeature, f.Name, raw)
		}
		if err := record.Set(f.Name, v); err != nil {
			return ml.FeatureRecord{}, err
		}
	}
	return record, nil
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	if _, err := a.Invoker(); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  a.unavailableMessage(err),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) handleFeatures(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"features": ml.Schema(),
	})
}

type modelSummary struct {
	Path               string              `json:"path"`
	Classes            []string            `json:"classes"`
	Trees              int                 `json:"trees,omitempty"`
	FeatureImportances []featureImportance `json:"feature_importances"`
}

func (a *App) handleModel(w http.ResponseWriter, r *http.Request) {
	if _, err := a.Invoker(); err != nil {
		respondError(w, http.StatusServiceUnavailable, a.unavailableMessage(err))
		return
	}
	model, _ := a.loader.Get()
	summary := modelSummary{
		Path:               a.loader.Path(),
		Classes:            model.Classes(),
		FeatureImportances: pairImportances(ml.FeatureNames(), model.FeatureImportances()),
	}
	if forest, ok := model.(interface{ NumTrees() int }); ok {
		summary.Trees = forest.NumTrees()
	}
	respondJSON(w, http.StatusOK, summary)
}

type predictResponse struct {
	Label              string              `json:"label"`
	Positive           bool                `json:"positive"`
	Confidence         float64             `json:"confidence"`
	ConfidenceText     string              `json:"confidence_text"`
	Classes            []string            `json:"classes"`
	Probabilities      []float64           `json:"probabilities"`
	FeatureImportances []featureImportance `json:"feature_importances"`
	AnalyzedAt         time.Time           `json:"analyzed_at"`
}

func (a *App) handlePredict(w http.ResponseWriter, r *http.Request) {
	invoker, err := a.Invoker()
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, a.unavailableMessage(err))
		return
	}

	values := map[string]float64{}
	if err := json.NewDecoder(r.Body).Decode(&values); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	record, err := ml.RecordFromMap(values)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	prediction, err := invoker.Analyze(r.Context(), record)
	if err != nil {
		a.logger.Error("analysis failed", zap.String("request_id", GetRequestID(r.Context())), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "analysis failed")
		return
	}

	respondJSON(w, http.StatusOK, predictResponse{
		Label:              prediction.Label,
		Positive:           prediction.Positive(),
		Confidence:         prediction.Confidence,
		ConfidenceText:     formatConfidence(prediction.Confidence),
		Classes:            prediction.Classes,
		Probabilities:      prediction.Probabilities,
		FeatureImportances: pairImportances(ml.FeatureNames(), prediction.Importances),
		AnalyzedAt:         prediction.AnalyzedAt,
	})
}

func (a *App) handleHistory(w http.ResponseWriter, r *http.Request) {
	if a.history == nil {
		respondError(w, http.StatusNotFound, "analysis history is disabled")
		return
	}

	limit := 20
	if s := r.URL.Query().Get("limit"); s != "" {
		if l, err := strconv.Atoi(s); err == nil && l > 0 {
			limit = min(l, 200)
		}
	}

	analyses, err := a.history.RecentAnalyses(r.Context(), limit)
	if err != nil {
		a.logger.Error("load history", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"analyses": analyses,
		"count":    len(analyses),
	})
}

// FeedStatsReporter 实时推送统计
type FeedStatsReporter interface {
	Stats() monitoring.MonitorStats
}

type statsResponse struct {
	monitoring.AnalysisStats
	Realtime *monitoring.MonitorStats `json:"realtime,omitempty"`
}

func (a *App) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{AnalysisStats: a.metrics.Snapshot()}
	if feed, ok := a.feed.(FeedStatsReporter); ok {
		stats := feed.Stats()
		resp.Realtime = &stats
	}
	respondJSON(w, http.StatusOK, resp)
}

// respondJSON 统一JSON响应
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
